package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/download_coordinator/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(srv.URL)
	require.NoError(t, d.Notify(context.Background(), "hello"))
	assert.Equal(t, map[string]string{"content": "hello"}, got)
}

func TestDiscordNotifier_Errors(t *testing.T) {
	assert.Error(t, (&DiscordNotifier{}).Notify(context.Background(), "x"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := (&DiscordNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

type captured struct {
	mu       sync.Mutex
	contents []string
	sent     []message.Notification
	err      error
}

func (c *captured) Notify(_ context.Context, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.contents = append(c.contents, content)

	return nil
}

type requesters struct{ c *captured }

func (r requesters) Notify(_ context.Context, _ string, n message.Notification) error {
	r.c.mu.Lock()
	defer r.c.mu.Unlock()

	r.c.sent = append(r.c.sent, n)

	return r.c.err
}

func (c *captured) alerts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.contents...)
}

func TestAlertingNotifier(t *testing.T) {
	c := &captured{err: errors.New("requester gone")}
	a := WithAlerts(requesters{c}, c)
	ctx := context.Background()

	err := a.Notify(ctx, "A", message.Downloaded("A", "100", "", false))
	assert.Error(t, err)

	require.Error(t, a.Notify(ctx, "A", message.DownloadError("A", "101", "", "network failure", false)))

	assert.Eventually(t, func() bool { return len(c.alerts()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "Download failed for item 101 (requester A): network failure", c.alerts()[0])

	c.mu.Lock()
	assert.Len(t, c.sent, 2)
	c.mu.Unlock()
}

func TestAlertingNotifier_NoAlerts(t *testing.T) {
	c := &captured{}
	a := WithAlerts(requesters{c}, nil)

	require.NoError(t, a.Notify(context.Background(), "A", message.DownloadError("A", "1", "", "x", false)))
	assert.Empty(t, c.alerts())
}

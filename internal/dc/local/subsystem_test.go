package local

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/download_coordinator/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/100.jpg", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func newSubsystem(t *testing.T) (*Subsystem, string) {
	t.Helper()

	dir := t.TempDir()

	s, err := New(context.Background(), dir, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s, s.targetDir
}

// collect reads events for handle until a terminal one arrives.
func collect(t *testing.T, s *Subsystem, handle transfer.TaskHandle) []transfer.LifecycleEvent {
	t.Helper()

	var events []transfer.LifecycleEvent

	timeout := time.After(5 * time.Second)

	for {
		select {
		case ev := <-s.Events():
			require.Equal(t, handle, ev.Handle)
			events = append(events, ev)

			if ev.Error != nil || (ev.State != nil && *ev.State == transfer.StateComplete) {
				return events
			}
		case <-timeout:
			t.Fatal("no terminal event")
		}
	}
}

func TestSubmitDownload_Completes(t *testing.T) {
	srv := newServer(t)
	s, dir := newSubsystem(t)

	handle, err := s.SubmitDownload(context.Background(), transfer.NewRequest(srv.URL+"/100.jpg", "pixiv/100.jpg"))
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	events := collect(t, s, handle)
	require.Len(t, events, 3)
	assert.Equal(t, transfer.StateInProgress, *events[0].State)
	require.NotNil(t, events[1].Filename)
	assert.Equal(t, filepath.Join(dir, "pixiv", "100.jpg"), *events[1].Filename)

	content, err := os.ReadFile(filepath.Join(dir, "pixiv", "100.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(content))
}

func TestSubmitDownload_Overwrites(t *testing.T) {
	srv := newServer(t)
	s, dir := newSubsystem(t)

	target := filepath.Join(dir, "100.jpg")
	require.NoError(t, os.WriteFile(target, []byte("an older and much longer file"), 0o644))

	handle, err := s.SubmitDownload(context.Background(), transfer.NewRequest(srv.URL+"/100.jpg", "100.jpg"))
	require.NoError(t, err)
	collect(t, s, handle)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(content))
}

func TestSubmitDownload_Uniquify(t *testing.T) {
	s, dir := newSubsystem(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "100.jpg"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "100 (1).jpg"), nil, 0o644))

	path, err := s.resolve(transfer.Request{URL: "http://example.com/100.jpg", Filename: "100.jpg", ConflictPolicy: transfer.ConflictUniquify})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "100 (2).jpg"), path)
}

func TestSubmitDownload_HTTPError(t *testing.T) {
	srv := newServer(t)
	s, dir := newSubsystem(t)

	handle, err := s.SubmitDownload(context.Background(), transfer.NewRequest(srv.URL+"/missing.jpg", "missing.jpg"))
	require.NoError(t, err)

	events := collect(t, s, handle)
	last := events[len(events)-1]
	require.NotNil(t, last.Error)
	assert.NotEmpty(t, *last.Error)

	_, err = os.Stat(filepath.Join(dir, "missing.jpg"))
	assert.True(t, os.IsNotExist(err))
}

func TestSubmitDownload_FailedOverwriteKeepsExistingFile(t *testing.T) {
	srv := newServer(t)
	s, dir := newSubsystem(t)

	target := filepath.Join(dir, "missing.jpg")
	require.NoError(t, os.WriteFile(target, []byte("good copy"), 0o644))

	handle, err := s.SubmitDownload(context.Background(), transfer.NewRequest(srv.URL+"/missing.jpg", "missing.jpg"))
	require.NoError(t, err)

	events := collect(t, s, handle)
	require.NotNil(t, events[len(events)-1].Error)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "good copy", string(content))

	_, err = os.Stat(target + partSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestSubmitDownload_InvalidRequests(t *testing.T) {
	s, _ := newSubsystem(t)

	tests := []struct {
		name     string
		url      string
		filename string
	}{
		{"relative url", "/100.jpg", "100.jpg"},
		{"unsupported scheme", "ftp://example.com/100.jpg", "100.jpg"},
		{"escaping filename", "https://example.com/100.jpg", "../../etc/passwd"},
		{"no filename", "https://example.com/", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SubmitDownload(context.Background(), transfer.NewRequest(tt.url, tt.filename))

			var invalid *transfer.InvalidRequestError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestSubmitDownload_DefaultsToURLBase(t *testing.T) {
	s, dir := newSubsystem(t)

	path, err := s.resolve(transfer.NewRequest("https://example.com/img/100_p0.png", ""))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "100_p0.png"), path)
}

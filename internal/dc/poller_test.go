package dc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/download_coordinator/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scripted struct {
	mu       sync.Mutex
	statuses map[transfer.TaskHandle][]Status
	errs     map[transfer.TaskHandle]error
}

func (s *scripted) fetch(_ context.Context, h transfer.TaskHandle) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.errs[h]; err != nil {
		return Status{}, err
	}

	queue := s.statuses[h]
	if len(queue) == 0 {
		return Status{}, errors.New("no status scripted")
	}

	st := queue[0]
	if len(queue) > 1 {
		s.statuses[h] = queue[1:]
	}

	return st, nil
}

func drain(p *Poller) []transfer.LifecycleEvent {
	var out []transfer.LifecycleEvent

	for {
		select {
		case ev := <-p.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPoller_EmitsChangesUntilComplete(t *testing.T) {
	s := &scripted{statuses: map[transfer.TaskHandle][]Status{
		"g1": {
			{State: transfer.StateInProgress},
			{State: transfer.StateInProgress},
			{Filename: "/downloads/a.jpg", State: transfer.StateInProgress},
			{Filename: "/downloads/a.jpg", State: transfer.StateComplete},
		},
	}}
	p := NewPoller("test", time.Second, s.fetch)
	p.Track("g1")

	ctx := context.Background()
	for range 5 {
		p.PollOnce(ctx)
	}

	events := drain(p)
	require.Len(t, events, 3)

	require.NotNil(t, events[0].State)
	assert.Equal(t, transfer.StateInProgress, *events[0].State)

	require.NotNil(t, events[1].Filename)
	assert.Equal(t, "/downloads/a.jpg", *events[1].Filename)
	assert.Nil(t, events[1].State)

	require.NotNil(t, events[2].State)
	assert.Equal(t, transfer.StateComplete, *events[2].State)

	assert.Zero(t, p.Tracked())
}

func TestPoller_ErrorIsTerminal(t *testing.T) {
	s := &scripted{statuses: map[transfer.TaskHandle][]Status{
		"g1": {{State: transfer.StateInterrupted, Error: "404 Not Found"}},
	}}
	p := NewPoller("test", time.Second, s.fetch)
	p.Track("g1")

	p.PollOnce(context.Background())

	events := drain(p)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Error)
	assert.Equal(t, "404 Not Found", *events[0].Error)
	assert.Zero(t, p.Tracked())
}

func TestPoller_FetchErrors(t *testing.T) {
	s := &scripted{errs: map[transfer.TaskHandle]error{
		"flaky": errors.New("connection refused"),
		"gone":  ErrTaskNotFound,
	}}
	p := NewPoller("test", time.Second, s.fetch)
	p.Track("flaky")
	p.Track("gone")

	p.PollOnce(context.Background())

	events := drain(p)
	require.Len(t, events, 1)
	assert.Equal(t, transfer.TaskHandle("gone"), events[0].Handle)
	require.NotNil(t, events[0].Error)
	assert.Equal(t, 1, p.Tracked())
}

func TestPoller_Run(t *testing.T) {
	s := &scripted{statuses: map[transfer.TaskHandle][]Status{
		"g1": {{State: transfer.StateComplete}},
	}}
	p := NewPoller("test", 10*time.Millisecond, s.fetch)
	p.Track("g1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- p.Run(ctx) }()

	select {
	case ev := <-p.Events():
		require.NotNil(t, ev.State)
		assert.Equal(t, transfer.StateComplete, *ev.State)
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}

	cancel()
	assert.NoError(t, <-done)
}

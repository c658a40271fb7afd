// Package dc holds what the download subsystem adapters share: a poller that
// turns periodic status lookups into lifecycle events.
package dc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/italolelis/download_coordinator/internal/logctx"
	"github.com/italolelis/download_coordinator/internal/transfer"
)

const eventBuffer = 256

// ErrTaskNotFound is returned by a StatusFunc when the backend no longer
// knows the task. The task is then reported as failed.
var ErrTaskNotFound = errors.New("task not found")

// Status is what a backend reports about one task.
type Status struct {
	Filename string
	State    transfer.State
	Error    string
}

// StatusFunc looks up the current status of a task.
type StatusFunc func(ctx context.Context, handle transfer.TaskHandle) (Status, error)

// Poller polls tracked tasks and emits an event whenever a field changes.
// A task is dropped once it completes or reports an error.
type Poller struct {
	name     string
	interval time.Duration
	fetch    StatusFunc
	events   chan transfer.LifecycleEvent

	mu    sync.Mutex
	tasks map[transfer.TaskHandle]Status
}

func NewPoller(name string, interval time.Duration, fetch StatusFunc) *Poller {
	return &Poller{
		name:     name,
		interval: interval,
		fetch:    fetch,
		events:   make(chan transfer.LifecycleEvent, eventBuffer),
		tasks:    make(map[transfer.TaskHandle]Status),
	}
}

// Track starts polling handle.
func (p *Poller) Track(handle transfer.TaskHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tasks[handle] = Status{}
}

// Tracked returns the number of tasks still being polled.
func (p *Poller) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.tasks)
}

func (p *Poller) Events() <-chan transfer.LifecycleEvent {
	return p.events
}

// Run polls every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce checks every tracked task once. The lock is not held while
// fetching or emitting.
func (p *Poller) PollOnce(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	p.mu.Lock()
	handles := make([]transfer.TaskHandle, 0, len(p.tasks))

	for h := range p.tasks {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, handle := range handles {
		current, err := p.fetch(ctx, handle)
		if err != nil {
			if !errors.Is(err, ErrTaskNotFound) {
				logger.WarnContext(ctx, "failed to fetch task status", "subsystem", p.name, "task_handle", handle, "err", err)

				continue
			}

			current = Status{State: transfer.StateInterrupted, Error: err.Error()}
		}

		p.mu.Lock()
		previous, ok := p.tasks[handle]

		terminal := current.Error != "" || current.State == transfer.StateComplete
		if terminal {
			delete(p.tasks, handle)
		} else if ok {
			p.tasks[handle] = current
		}
		p.mu.Unlock()

		if !ok {
			continue
		}

		if ev, changed := diff(handle, previous, current); changed {
			p.emit(ctx, ev)
		}
	}
}

func (p *Poller) emit(ctx context.Context, ev transfer.LifecycleEvent) {
	select {
	case p.events <- ev:
	case <-ctx.Done():
	}
}

func diff(handle transfer.TaskHandle, previous, current Status) (transfer.LifecycleEvent, bool) {
	ev := transfer.LifecycleEvent{Handle: handle}
	changed := false

	if current.Filename != "" && current.Filename != previous.Filename {
		name := current.Filename
		ev.Filename = &name
		changed = true
	}

	if current.State != "" && current.State != previous.State {
		state := current.State
		ev.State = &state
		changed = true
	}

	if current.Error != "" && current.Error != previous.Error {
		msg := current.Error
		ev.Error = &msg
		changed = true
	}

	return ev, changed
}

// Package requester tracks connected requesters and pushes notifications to
// them over server-sent events.
package requester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/italolelis/download_coordinator/internal/logctx"
	"github.com/italolelis/download_coordinator/internal/message"
)

const (
	subscriberBuffer  = 64
	keepAliveInterval = 15 * time.Second
)

var (
	// ErrNotFound is returned when a requester has no open stream.
	ErrNotFound = errors.New("requester not connected")
	// ErrSlowSubscriber is returned when a stream's buffer is full.
	ErrSlowSubscriber = errors.New("requester stream buffer full")
)

type subscriber struct {
	ch chan message.Notification
}

// Hub is the registry of open requester streams. A requester exists while
// it has at least one stream open.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers a stream for requesterID. The returned func must be
// called to unregister it.
func (h *Hub) Subscribe(requesterID string) (<-chan message.Notification, func()) {
	sub := &subscriber{ch: make(chan message.Notification, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[requesterID] == nil {
		h.subs[requesterID] = make(map[*subscriber]struct{})
	}

	h.subs[requesterID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once

	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			delete(h.subs[requesterID], sub)

			if len(h.subs[requesterID]) == 0 {
				delete(h.subs, requesterID)
			}
		})
	}
}

// Exists reports whether requesterID has an open stream.
func (h *Hub) Exists(_ context.Context, requesterID string) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs[requesterID]) > 0, nil
}

// Connected returns the number of requesters with an open stream.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}

// Notify delivers n to every stream of requesterID without blocking.
func (h *Hub) Notify(_ context.Context, requesterID string, n message.Notification) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.subs[requesterID]
	if len(subs) == 0 {
		return fmt.Errorf("notify %s: %w", requesterID, ErrNotFound)
	}

	delivered := 0

	for sub := range subs {
		select {
		case sub.ch <- n:
			delivered++
		default:
		}
	}

	if delivered == 0 {
		return fmt.Errorf("notify %s: %w", requesterID, ErrSlowSubscriber)
	}

	return nil
}

// Stream serves an event stream for requesterID until the client goes away.
func (h *Hub) Stream(w http.ResponseWriter, r *http.Request, requesterID string) {
	ctx := logctx.WithRequester(r.Context(), requesterID)
	logger := logctx.LoggerFromContext(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)

		return
	}

	notifications, unsubscribe := h.Subscribe(requesterID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger.DebugContext(ctx, "requester connected")

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "requester disconnected")

			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}

			flusher.Flush()
		case n := <-notifications:
			data, err := json.Marshal(n)
			if err != nil {
				logger.ErrorContext(ctx, "failed to marshal notification", "err", err)

				continue
			}

			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Status, data); err != nil {
				logger.WarnContext(ctx, "failed to write notification", "item_id", n.ItemID, "err", err)

				return
			}

			flusher.Flush()
		}
	}
}

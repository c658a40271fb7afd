package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/download_coordinator/internal/coordinator"
	"github.com/italolelis/download_coordinator/internal/logctx"
	"github.com/italolelis/download_coordinator/internal/message"
	"github.com/italolelis/download_coordinator/internal/tracker"
	"github.com/italolelis/download_coordinator/internal/transfer"
)

const maxBodySize = 1 << 20

// Coordinator is what the API drives.
type Coordinator interface {
	Submit(ctx context.Context, req message.SubmitRequest) (message.SubmitReply, error)
	Reset(ctx context.Context, req message.ResetRequest) error
	DispatchUntracked(ctx context.Context, requesterID string, req message.FileRequest) error
}

// Streamer serves a requester's notification stream.
type Streamer interface {
	Stream(w http.ResponseWriter, r *http.Request, requesterID string)
}

type errorResponse struct {
	Error string `json:"error"`
}

type CoordinatorHandler struct {
	username    string
	password    string
	coordinator Coordinator
	streamer    Streamer
}

// NewCoordinatorHandler creates the requester facing API. Basic auth is
// enforced when username is set.
func NewCoordinatorHandler(username, password string, c Coordinator, s Streamer) *CoordinatorHandler {
	return &CoordinatorHandler{
		username:    username,
		password:    password,
		coordinator: c,
		streamer:    s,
	}
}

func (h *CoordinatorHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/submit", h.HandleSubmit)
	r.Post("/reset", h.HandleReset)
	r.Get("/requesters/{requesterID}/events", h.HandleEvents)
	r.Post("/requesters/{requesterID}/files", h.HandleFile)

	return r
}

// HandleSubmit deduplicates and dispatches one item. A duplicate or a
// subsystem rejection still answers 200 with accepted=false.
func (h *CoordinatorHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req message.SubmitRequest
	if !decode(w, r, &req) {
		return
	}

	reply, err := h.coordinator.Submit(r.Context(), req)
	if err != nil {
		var dispatchErr *transfer.DispatchError
		if !errors.As(err, &dispatchErr) {
			writeError(w, err)

			return
		}

		logger.WarnContext(r.Context(), "submission rejected by download subsystem", "item_id", req.ItemID, "err", err)
	}

	writeJSON(w, http.StatusOK, reply)
}

func (h *CoordinatorHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	var req message.ResetRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.coordinator.Reset(r.Context(), req); err != nil {
		writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *CoordinatorHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	h.streamer.Stream(w, r, chi.URLParam(r, "requesterID"))
}

// HandleFile downloads a side file that is neither deduplicated nor reported back.
func (h *CoordinatorHandler) HandleFile(w http.ResponseWriter, r *http.Request) {
	var req message.FileRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.coordinator.DispatchUntracked(r.Context(), chi.URLParam(r, "requesterID"), req); err != nil {
		writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *CoordinatorHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).WarnContext(r.Context(), "failed to decode request", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return false
	}

	return true
}

func writeError(w http.ResponseWriter, err error) {
	var dispatchErr *transfer.DispatchError

	switch {
	case errors.Is(err, coordinator.ErrEmptyRequesterID),
		errors.Is(err, coordinator.ErrEmptyURL),
		errors.Is(err, tracker.ErrEmptyItemID):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &dispatchErr):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

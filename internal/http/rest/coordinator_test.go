package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/italolelis/download_coordinator/internal/coordinator"
	"github.com/italolelis/download_coordinator/internal/message"
	"github.com/italolelis/download_coordinator/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCoordinator struct {
	submitFunc   func(ctx context.Context, req message.SubmitRequest) (message.SubmitReply, error)
	resetErr     error
	untrackedErr error

	lastSubmit    message.SubmitRequest
	lastReset     message.ResetRequest
	lastRequester string
	lastFile      message.FileRequest
}

func (m *mockCoordinator) Submit(ctx context.Context, req message.SubmitRequest) (message.SubmitReply, error) {
	m.lastSubmit = req
	if m.submitFunc != nil {
		return m.submitFunc(ctx, req)
	}

	return message.SubmitReply{Accepted: true}, nil
}

func (m *mockCoordinator) Reset(_ context.Context, req message.ResetRequest) error {
	m.lastReset = req

	return m.resetErr
}

func (m *mockCoordinator) DispatchUntracked(_ context.Context, requesterID string, req message.FileRequest) error {
	m.lastRequester = requesterID
	m.lastFile = req

	return m.untrackedErr
}

type mockStreamer struct{ requesterID string }

func (m *mockStreamer) Stream(w http.ResponseWriter, _ *http.Request, requesterID string) {
	m.requesterID = requesterID
	w.WriteHeader(http.StatusOK)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestHandleSubmit(t *testing.T) {
	tests := []struct {
		name       string
		submitFunc func(context.Context, message.SubmitRequest) (message.SubmitReply, error)
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "accepted",
			body:       `{"requesterId":"A","batchNumber":5,"itemId":"100","url":"https://example.com/100.jpg","filename":"100.jpg"}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"accepted":true}`,
		},
		{
			name: "duplicate",
			submitFunc: func(context.Context, message.SubmitRequest) (message.SubmitReply, error) {
				return message.SubmitReply{Accepted: false}, nil
			},
			body:       `{"requesterId":"A","batchNumber":5,"itemId":"100","url":"u"}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"accepted":false}`,
		},
		{
			name: "dispatch rejected",
			submitFunc: func(context.Context, message.SubmitRequest) (message.SubmitReply, error) {
				err := &transfer.DispatchError{RequesterID: "A", ItemID: "100", Err: errors.New("refused")}

				return message.SubmitReply{Accepted: false, Error: err.Error()}, err
			},
			body:       `{"requesterId":"A","batchNumber":5,"itemId":"100","url":"u"}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"accepted":false,"error":"dispatch of item 100 for requester A rejected: refused"}`,
		},
		{
			name: "validation error",
			submitFunc: func(context.Context, message.SubmitRequest) (message.SubmitReply, error) {
				return message.SubmitReply{}, coordinator.ErrEmptyRequesterID
			},
			body:       `{"itemId":"100","url":"u"}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"requester id must not be empty"}`,
		},
		{
			name:       "malformed body",
			body:       `{"requesterId":`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"invalid request body"}`,
		},
		{
			name: "unexpected error",
			submitFunc: func(context.Context, message.SubmitRequest) (message.SubmitReply, error) {
				return message.SubmitReply{}, errors.New("boom")
			},
			body:       `{"requesterId":"A","itemId":"1","url":"u"}`,
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"internal error"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockCoordinator{submitFunc: tt.submitFunc}
			h := NewCoordinatorHandler("", "", m, &mockStreamer{}).Routes()

			rec := do(t, h, http.MethodPost, "/submit", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestHandleSubmit_DecodesRequest(t *testing.T) {
	m := &mockCoordinator{}
	h := NewCoordinatorHandler("", "", m, &mockStreamer{}).Routes()

	do(t, h, http.MethodPost, "/submit", `{"requesterId":"A","batchNumber":5,"itemId":"100","url":"https://example.com/100.jpg","filename":"100.jpg"}`)

	assert.Equal(t, message.SubmitRequest{
		RequesterID: "A",
		BatchNumber: 5,
		ItemID:      "100",
		URL:         "https://example.com/100.jpg",
		Filename:    "100.jpg",
	}, m.lastSubmit)
}

func TestHandleReset(t *testing.T) {
	m := &mockCoordinator{}
	h := NewCoordinatorHandler("", "", m, &mockStreamer{}).Routes()

	rec := do(t, h, http.MethodPost, "/reset", `{"requesterId":"A"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "A", m.lastReset.RequesterID)

	m.resetErr = coordinator.ErrEmptyRequesterID
	rec = do(t, h, http.MethodPost, "/reset", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFile(t *testing.T) {
	m := &mockCoordinator{}
	h := NewCoordinatorHandler("", "", m, &mockStreamer{}).Routes()

	rec := do(t, h, http.MethodPost, "/requesters/A/files", `{"url":"https://example.com/cover.jpg","filename":"cover.jpg"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "A", m.lastRequester)
	assert.Equal(t, "cover.jpg", m.lastFile.Filename)

	m.untrackedErr = &transfer.DispatchError{URL: "x", Err: errors.New("refused")}
	rec = do(t, h, http.MethodPost, "/requesters/A/files", `{"url":"x"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleEvents(t *testing.T) {
	s := &mockStreamer{}
	h := NewCoordinatorHandler("", "", &mockCoordinator{}, s).Routes()

	rec := do(t, h, http.MethodGet, "/requesters/tab-42/events", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tab-42", s.requesterID)
}

func TestBasicAuth(t *testing.T) {
	h := NewCoordinatorHandler("user", "pass", &mockCoordinator{}, &mockStreamer{}).Routes()

	tests := []struct {
		name       string
		setAuth    func(r *http.Request)
		wantStatus int
	}{
		{"missing", func(*http.Request) {}, http.StatusUnauthorized},
		{"wrong", func(r *http.Request) { r.SetBasicAuth("user", "nope") }, http.StatusUnauthorized},
		{"valid", func(r *http.Request) { r.SetBasicAuth("user", "pass") }, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/reset", strings.NewReader(`{"requesterId":"A"}`))
			tt.setAuth(req)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusTeapot, message.SubmitReply{Accepted: true})

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var reply message.SubmitReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.True(t, reply.Accepted)
}

// Package aria2 drives downloads through an aria2 daemon.
package aria2

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/download_coordinator/internal/dc"
	"github.com/italolelis/download_coordinator/internal/logctx"
	"github.com/italolelis/download_coordinator/internal/transfer"
)

// Subsystem submits downloads with aria2.addUri and polls aria2.tellStatus
// for their progress.
type Subsystem struct {
	client *Client
	dir    string
	poller *dc.Poller
}

func New(client *Client, dir string, pollInterval time.Duration) *Subsystem {
	s := &Subsystem{client: client, dir: dir}
	s.poller = dc.NewPoller("aria2", pollInterval, s.status)

	return s
}

// Authenticate checks that the daemon is reachable and accepts the secret.
func (s *Subsystem) Authenticate(ctx context.Context) error {
	version, err := s.client.GetVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach aria2: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "connected to aria2", "version", version)

	return nil
}

func (s *Subsystem) SubmitDownload(ctx context.Context, req transfer.Request) (transfer.TaskHandle, error) {
	if req.URL == "" {
		return "", &transfer.InvalidRequestError{Field: "url", Reason: "must not be empty"}
	}

	opts := map[string]string{
		"dir":                s.dir,
		"allow-overwrite":    "true",
		"auto-file-renaming": "false",
	}

	if req.ConflictPolicy == transfer.ConflictUniquify {
		opts["allow-overwrite"] = "false"
		opts["auto-file-renaming"] = "true"
	}

	if req.Filename != "" {
		opts["out"] = req.Filename
	}

	gid, err := s.client.AddURI(ctx, req.URL, opts)
	if err != nil {
		return "", err
	}

	handle := transfer.TaskHandle(gid)
	s.poller.Track(handle)

	return handle, nil
}

func (s *Subsystem) Events() <-chan transfer.LifecycleEvent {
	return s.poller.Events()
}

func (s *Subsystem) Run(ctx context.Context) error {
	return s.poller.Run(ctx)
}

func (s *Subsystem) status(ctx context.Context, handle transfer.TaskHandle) (dc.Status, error) {
	st, err := s.client.TellStatus(ctx, string(handle))
	if err != nil {
		if isNotFound(err) {
			return dc.Status{}, fmt.Errorf("gid %s: %w", handle, dc.ErrTaskNotFound)
		}

		return dc.Status{}, err
	}

	return toStatus(st), nil
}

func toStatus(st *Status) dc.Status {
	var out dc.Status

	if len(st.Files) > 0 {
		out.Filename = st.Files[0].Path
	}

	switch st.Status {
	case "complete":
		out.State = transfer.StateComplete
	case "error":
		out.State = transfer.StateInterrupted
		out.Error = st.ErrorMessage

		if out.Error == "" {
			out.Error = "aria2 error code " + st.ErrorCode
		}
	case "removed":
		out.State = transfer.StateInterrupted
		out.Error = "download removed"
	default:
		out.State = transfer.StateInProgress
	}

	return out
}

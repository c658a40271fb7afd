// Package local downloads files in-process into a target directory.
package local

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/download_coordinator/internal/logctx"
	"github.com/italolelis/download_coordinator/internal/transfer"
	"go.bug.st/downloader/v2"
)

const (
	eventBuffer = 256
	partSuffix  = ".part"
)

// Subsystem runs every download in its own goroutine and reports its
// lifecycle on the events channel.
type Subsystem struct {
	targetDir string
	client    http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events chan transfer.LifecycleEvent
}

// New creates the target directory if needed. ctx carries the logger and
// bounds every download; Close cancels it.
func New(ctx context.Context, targetDir string, client *http.Client) (*Subsystem, error) {
	abs, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target dir: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create target dir: %w", err)
	}

	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Subsystem{
		targetDir: abs,
		client:    *client,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan transfer.LifecycleEvent, eventBuffer),
	}, nil
}

func (s *Subsystem) SubmitDownload(_ context.Context, req transfer.Request) (transfer.TaskHandle, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &transfer.InvalidRequestError{Field: "url", Reason: "must be an absolute http(s) url"}
	}

	path, err := s.resolve(req)
	if err != nil {
		return "", err
	}

	if err := s.ctx.Err(); err != nil {
		return "", fmt.Errorf("local subsystem closed: %w", err)
	}

	handle := transfer.TaskHandle(uuid.NewString())

	s.wg.Add(1)

	go s.download(handle, req.URL, path)

	return handle, nil
}

func (s *Subsystem) Events() <-chan transfer.LifecycleEvent {
	return s.events
}

// Close stops running downloads, waits for them and closes the events channel.
func (s *Subsystem) Close() {
	s.cancel()
	s.wg.Wait()
	close(s.events)
}

// resolve maps the requested filename into the target directory.
func (s *Subsystem) resolve(req transfer.Request) (string, error) {
	name := req.Filename
	if name == "" {
		u, _ := url.Parse(req.URL)
		name = filepath.Base(u.Path)
	}

	if name == "" || name == "." || name == "/" {
		return "", &transfer.InvalidRequestError{Field: "filename", Reason: "must not be empty"}
	}

	path := filepath.Join(s.targetDir, filepath.FromSlash(name))

	rel, err := filepath.Rel(s.targetDir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &transfer.InvalidRequestError{Field: "filename", Reason: "escapes target directory"}
	}

	if req.ConflictPolicy == transfer.ConflictUniquify {
		path = uniquePath(path)
	}

	return path, nil
}

func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	for i := 1; ; i++ {
		candidate := base + " (" + strconv.Itoa(i) + ")" + ext
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func (s *Subsystem) download(handle transfer.TaskHandle, rawURL, path string) {
	defer s.wg.Done()

	ctx := s.ctx
	logger := logctx.LoggerFromContext(ctx).With("task_handle", handle)

	s.emit(transfer.StateChanged(handle, transfer.StateInProgress))

	if err := s.fetch(ctx, rawURL, path); err != nil {
		logger.WarnContext(ctx, "local download failed", "url", rawURL, "err", err)

		state := transfer.StateInterrupted
		msg := err.Error()
		s.emit(transfer.LifecycleEvent{Handle: handle, State: &state, Error: &msg})

		return
	}

	s.emit(transfer.FilenameChanged(handle, path))
	s.emit(transfer.StateChanged(handle, transfer.StateComplete))
}

// fetch downloads into a sibling .part file and renames it over path only on
// success, so a failed overwrite leaves the previous copy intact.
func (s *Subsystem) fetch(ctx context.Context, rawURL, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	part := path + partSuffix

	d, err := downloader.DownloadWithConfigAndContext(ctx, part, rawURL, downloader.Config{
		HttpClient:          s.client,
		DoNotResumeDownload: true,
	})
	if err != nil {
		_ = os.Remove(part)

		return fmt.Errorf("failed to start download: %w", err)
	}

	if d.Resp != nil && (d.Resp.StatusCode < 200 || d.Resp.StatusCode > 299) {
		_ = d.Close()
		_ = os.Remove(part)

		return fmt.Errorf("server responded %s", d.Resp.Status)
	}

	if err := d.Run(); err != nil {
		_ = os.Remove(part)

		return fmt.Errorf("download interrupted: %w", err)
	}

	if err := os.Rename(part, path); err != nil {
		_ = os.Remove(part)

		return fmt.Errorf("failed to move download into place: %w", err)
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "local download finished",
		"path", path, "size", humanize.Bytes(uint64(d.Completed())))

	return nil
}

func (s *Subsystem) emit(ev transfer.LifecycleEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Package putio hands downloads to put.io as URL transfers.
package putio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/download_coordinator/internal/dc"
	"github.com/italolelis/download_coordinator/internal/logctx"
	"github.com/italolelis/download_coordinator/internal/transfer"
	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"
)

// Client is a put.io backed download subsystem. Transfers are polled until
// they finish or fail.
type Client struct {
	putioClient *putio.Client
	parentID    int64
	poller      *dc.Poller
}

func NewClient(token string, pollInterval time.Duration) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)

	return newClient(putio.NewClient(oauthClient), pollInterval)
}

func newClient(putioClient *putio.Client, pollInterval time.Duration) *Client {
	c := &Client{putioClient: putioClient}
	c.poller = dc.NewPoller("putio", pollInterval, c.status)

	return c
}

func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating with Put.io")

	user, err := c.putioClient.Account.Info(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get account info", "err", err)

		return fmt.Errorf("failed to get account info: %w", err)
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}

// SubmitDownload creates a URL transfer. put.io chooses the stored name, so
// the requested filename is only logged.
func (c *Client) SubmitDownload(ctx context.Context, req transfer.Request) (transfer.TaskHandle, error) {
	if req.URL == "" {
		return "", &transfer.InvalidRequestError{Field: "url", Reason: "must not be empty"}
	}

	logger := logctx.LoggerFromContext(ctx)

	t, err := c.putioClient.Transfers.Add(ctx, req.URL, c.parentID, "")
	if err != nil {
		return "", asTransferError("add_transfer", err)
	}

	logger.InfoContext(ctx, "transfer added to Put.io", "transfer_id", t.ID, "filename", req.Filename)

	handle := transfer.TaskHandle(strconv.FormatInt(t.ID, 10))
	c.poller.Track(handle)

	return handle, nil
}

func (c *Client) Events() <-chan transfer.LifecycleEvent {
	return c.poller.Events()
}

func (c *Client) Run(ctx context.Context) error {
	return c.poller.Run(ctx)
}

func (c *Client) status(ctx context.Context, handle transfer.TaskHandle) (dc.Status, error) {
	id, err := strconv.ParseInt(string(handle), 10, 64)
	if err != nil {
		return dc.Status{}, fmt.Errorf("transfer %s: %w", handle, dc.ErrTaskNotFound)
	}

	t, err := c.putioClient.Transfers.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return dc.Status{}, fmt.Errorf("transfer %s: %w", handle, dc.ErrTaskNotFound)
		}

		return dc.Status{}, asTransferError("get_transfer", err)
	}

	st := toStatus(t.Status, t.ErrorMessage)
	st.Filename = t.Name

	if st.State == transfer.StateComplete {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "put.io transfer finished",
			"transfer_id", t.ID, "name", t.Name, "size", humanize.Bytes(uint64(t.Size)))
	}

	return st, nil
}

func toStatus(status, errorMessage string) dc.Status {
	switch status {
	case "COMPLETED", "SEEDING":
		return dc.Status{State: transfer.StateComplete}
	case "ERROR":
		if errorMessage == "" {
			errorMessage = "put.io transfer failed"
		}

		return dc.Status{State: transfer.StateInterrupted, Error: errorMessage}
	default:
		return dc.Status{State: transfer.StateInProgress}
	}
}

func isNotFound(err error) bool {
	var errResp *putio.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode == http.StatusNotFound
	}

	return false
}

// asTransferError maps 4xx answers to SubsystemError and everything else to
// NetworkError.
func asTransferError(operation string, err error) error {
	var errResp *putio.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		status := errResp.Response.StatusCode
		if status < http.StatusInternalServerError {
			return &transfer.SubsystemError{Subsystem: "putio", Operation: operation, Code: status, Message: errResp.Message, Err: err}
		}

		return &transfer.NetworkError{Operation: operation, StatusCode: status, APIMessage: errResp.Message, Err: err}
	}

	return &transfer.NetworkError{Operation: operation, APIMessage: err.Error(), Err: err}
}

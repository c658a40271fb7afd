package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/italolelis/download_coordinator/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 10 * time.Second

// errNotFoundMessage ends the error aria2 returns for an unknown GID.
const errNotFoundMessage = "is not found"

// Client talks to an aria2 daemon over JSON-RPC.
type Client struct {
	RPCURL     string
	Secret     string
	HTTPClient *http.Client

	nextID atomic.Uint64
}

func NewClient(rpcURL, secret string) *Client {
	return &Client{
		RPCURL: rpcURL,
		Secret: secret,
		HTTPClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   defaultTimeout,
		},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      string `json:"id"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call invokes method and decodes the result into out. When a secret is
// set it is passed as the first parameter.
func (c *Client) Call(ctx context.Context, method string, out any, params ...any) error {
	finalParams := make([]any, 0, len(params)+1)
	if c.Secret != "" {
		finalParams = append(finalParams, "token:"+c.Secret)
	}

	finalParams = append(finalParams, params...)

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      fmt.Sprintf("coordinator-%d", c.nextID.Add(1)),
		Params:  finalParams,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RPCURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return &transfer.NetworkError{Operation: method, APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &transfer.NetworkError{Operation: method, StatusCode: resp.StatusCode, APIMessage: resp.Status}
		}

		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}

	if rpcResp.Error != nil {
		return &transfer.SubsystemError{
			Subsystem: "aria2",
			Operation: method,
			Code:      rpcResp.Error.Code,
			Message:   rpcResp.Error.Message,
		}
	}

	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}

	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}

	return nil
}

// AddURI queues uri and returns its GID.
func (c *Client) AddURI(ctx context.Context, uri string, opts map[string]string) (string, error) {
	var gid string
	if err := c.Call(ctx, "aria2.addUri", &gid, []string{uri}, opts); err != nil {
		return "", err
	}

	if gid == "" {
		return "", fmt.Errorf("aria2.addUri returned an empty gid")
	}

	return gid, nil
}

// File is one file of a download.
type File struct {
	Path string `json:"path"`
}

// Status is the subset of aria2.tellStatus the coordinator needs.
type Status struct {
	GID          string `json:"gid"`
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Files        []File `json:"files"`
}

var statusKeys = []string{"gid", "status", "errorCode", "errorMessage", "files"}

// TellStatus returns the status of gid.
func (c *Client) TellStatus(ctx context.Context, gid string) (*Status, error) {
	var st Status
	if err := c.Call(ctx, "aria2.tellStatus", &st, gid, statusKeys); err != nil {
		return nil, err
	}

	return &st, nil
}

// GetVersion is used to check connectivity and credentials.
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.Call(ctx, "aria2.getVersion", &v); err != nil {
		return "", err
	}

	return v.Version, nil
}

func isNotFound(err error) bool {
	var subErr *transfer.SubsystemError

	return errors.As(err, &subErr) && strings.Contains(subErr.Message, errNotFoundMessage)
}

package transfer

import "fmt"

// DispatchError is returned when a subsystem rejects a download synchronously.
// The submission slot has already been released when a caller sees it.
type DispatchError struct {
	RequesterID string
	ItemID      string
	URL         string
	Err         error
}

func (e *DispatchError) Error() string {
	if e.ItemID == "" {
		return fmt.Sprintf("dispatch of %s rejected: %v", e.URL, e.Err)
	}

	return fmt.Sprintf("dispatch of item %s for requester %s rejected: %v", e.ItemID, e.RequesterID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// InvalidRequestError represents a request the subsystem refuses to act on,
// such as an empty URL or a filename escaping the target directory.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid download request %s: %s", e.Field, e.Reason)
}

// NetworkError represents network failures and API errors including 5xx responses
// and connection timeouts.
type NetworkError struct {
	Operation  string // e.g. "add_uri", "tell_status", "add_transfer"
	StatusCode int    // 0 for non-HTTP errors
	APIMessage string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// SubsystemError is an error reported by the subsystem itself, for example a
// JSON-RPC error object or an authentication failure.
type SubsystemError struct {
	Subsystem string
	Operation string
	Code      int
	Message   string
	Err       error
}

func (e *SubsystemError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s failed (code %d): %s", e.Subsystem, e.Operation, e.Code, e.Message)
	}

	return fmt.Sprintf("%s %s failed: %s", e.Subsystem, e.Operation, e.Message)
}

func (e *SubsystemError) Unwrap() error {
	return e.Err
}

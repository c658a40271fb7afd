package transfer

import "context"

// TaskHandle is the opaque identifier a download subsystem assigns to a
// submitted download.
type TaskHandle string

// ConflictPolicy tells the subsystem what to do when the target file exists.
type ConflictPolicy string

const (
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictUniquify  ConflictPolicy = "uniquify"
)

// Request describes one download handed to a subsystem.
type Request struct {
	URL            string
	Filename       string
	ConflictPolicy ConflictPolicy
	PromptUser     bool
}

// NewRequest builds a request with the coordinator's fixed policy: overwrite
// existing files and never prompt.
func NewRequest(url, filename string) Request {
	return Request{
		URL:            url,
		Filename:       filename,
		ConflictPolicy: ConflictOverwrite,
		PromptUser:     false,
	}
}

// State is the lifecycle state reported by a subsystem.
type State string

const (
	StateInProgress  State = "in_progress"
	StateComplete    State = "complete"
	StateInterrupted State = "interrupted"
)

// LifecycleEvent is a partial update about one task. Any of the optional
// fields may be nil; a single download produces several events over time.
type LifecycleEvent struct {
	Handle   TaskHandle
	Filename *string
	State    *State
	Error    *string
}

// FilenameChanged returns an event reporting a new on-disk name.
func FilenameChanged(handle TaskHandle, name string) LifecycleEvent {
	return LifecycleEvent{Handle: handle, Filename: &name}
}

// StateChanged returns an event reporting a state transition.
func StateChanged(handle TaskHandle, state State) LifecycleEvent {
	return LifecycleEvent{Handle: handle, State: &state}
}

// ErrorChanged returns an event reporting a delivery error.
func ErrorChanged(handle TaskHandle, msg string) LifecycleEvent {
	return LifecycleEvent{Handle: handle, Error: &msg}
}

// DownloadSubsystem is the black box that performs downloads.
//
// SubmitDownload must never wait for an event to be delivered; events are
// sent from another goroutine.
type DownloadSubsystem interface {
	SubmitDownload(ctx context.Context, req Request) (TaskHandle, error)
	Events() <-chan LifecycleEvent
}

// Runner is implemented by subsystems that need a background loop, such as
// the polling adapters.
type Runner interface {
	Run(ctx context.Context) error
}

package transfer

import (
	"context"

	"github.com/italolelis/download_coordinator/internal/telemetry"
)

// InstrumentedSubsystem wraps a DownloadSubsystem with telemetry.
type InstrumentedSubsystem struct {
	subsystem     DownloadSubsystem
	telemetry     *telemetry.Telemetry
	subsystemType string
}

// NewInstrumentedSubsystem creates a new instrumented download subsystem.
func NewInstrumentedSubsystem(subsystem DownloadSubsystem, tel *telemetry.Telemetry, subsystemType string) *InstrumentedSubsystem {
	return &InstrumentedSubsystem{
		subsystem:     subsystem,
		telemetry:     tel,
		subsystemType: subsystemType,
	}
}

// SubmitDownload submits a download with telemetry.
func (s *InstrumentedSubsystem) SubmitDownload(ctx context.Context, req Request) (TaskHandle, error) {
	var handle TaskHandle

	err := s.telemetry.InstrumentSubsystemOperation(ctx, s.subsystemType, "submit_download", func(ctx context.Context) error {
		var err error

		handle, err = s.subsystem.SubmitDownload(ctx, req)

		return err
	})
	if err != nil {
		return "", err
	}

	return handle, nil
}

// Events returns the wrapped subsystem's event stream.
func (s *InstrumentedSubsystem) Events() <-chan LifecycleEvent {
	return s.subsystem.Events()
}

// Run runs the wrapped subsystem's background loop, if it has one.
func (s *InstrumentedSubsystem) Run(ctx context.Context) error {
	if r, ok := s.subsystem.(Runner); ok {
		return r.Run(ctx)
	}

	return nil
}

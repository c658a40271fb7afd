package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopAndWait_BlocksUntilLoopReturns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	var flushed atomic.Bool

	go func() {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		flushed.Store(true)
		done <- ctx.Err()
	}()

	require.NoError(t, stopAndWait(cancel, done, false))
	assert.True(t, flushed.Load())
}

func TestStopAndWait_ReportsLoopError(t *testing.T) {
	boom := errors.New("persister failed")
	done := make(chan error, 1)
	done <- boom

	assert.ErrorIs(t, stopAndWait(func() {}, done, false), boom)
}

func TestStopAndWait_AlreadyExited(t *testing.T) {
	called := false

	// Nothing will ever be sent on done; the call must not block.
	err := stopAndWait(func() { called = true }, make(chan error), true)
	require.NoError(t, err)
	assert.True(t, called)
}

package slot

import "errors"

// Misuse errors. Each is returned without any state change and without
// emitting an event.
var (
	// ErrInvalidTarget is returned by Start when FileName does not name an
	// existing regular file.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrAlreadyRunning is returned by Start while a process is live.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("not running")

	// ErrStopUnsupported is returned by Stop on a slot created with stop disabled.
	ErrStopUnsupported = errors.New("stop not supported for this slot")

	// ErrClosed is returned once the slot has been closed.
	ErrClosed = errors.New("slot closed")
)

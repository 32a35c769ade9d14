package registry

import "errors"

// Sentinel errors returned by the Registry's lifecycle operations.
var (
	// ErrAlreadyRunning is returned by Start/Resume when a live adapter
	// already exists for the session id.
	ErrAlreadyRunning = errors.New("registry: session already running")
	// ErrNotRunning is returned by Input/Resize/Close when no live adapter
	// exists for the session id.
	ErrNotRunning = errors.New("registry: session not running")
	// ErrNotFound is returned by Get when the session id is unknown to the
	// store.
	ErrNotFound = errors.New("registry: session not found")
)

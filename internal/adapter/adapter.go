// Package adapter defines the contract every session adapter implements,
// and the pty, ai-agent, and file-editor adapters themselves. Adapters
// never touch the event store or clients directly: they call only the Emit
// function they are given at Start, which is the session Router's ingress.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
)

// Emit delivers one observable effect to the Router. channel is a
// producer-namespaced label (e.g. "pty:stdout"); typ determines payload's
// schema within that channel.
type Emit func(channel, typ string, payload []byte)

// Adapter is the uniform contract every concrete adapter implements.
type Adapter interface {
	// Start acquires the external resource and begins calling emit for every
	// observable effect. It must emit system:status/open once the resource
	// is ready and must not block the caller indefinitely; long-lived work
	// continues on goroutines owned by the adapter until ctx is cancelled or
	// Close is called.
	Start(ctx context.Context, config json.RawMessage, emit Emit) error
	// Write delivers input to the resource. Invalid input is surfaced as an
	// error event, never a returned error that would crash the caller.
	Write(data []byte) error
	// Resize is only meaningful for pty; other kinds return ErrUnsupported.
	Resize(cols, rows int) error
	// Close is cooperative, idempotent shutdown: release the resource, emit
	// the terminal event, and become inert.
	Close(reason string) error
}

// ErrUnsupported is returned by Resize on adapters for which resizing has
// no meaning, so callers can tell the difference from a successful resize.
var ErrUnsupported = errors.New("adapter: operation not supported by this kind")

// ErrUnknownKind is returned by Registry.New when no factory is registered
// for the requested kind.
var ErrUnknownKind = errors.New("adapter: unknown kind")

// Package registry is the in-memory directory of live adapter instances
// and their lifecycle state. It enforces at most one live adapter per
// session id and coordinates start, resume, input, resize, and close
// against the event store and a Router it creates per running session.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dispatch-run/dispatch/internal/adapter"
	"github.com/dispatch-run/dispatch/internal/logging"
	"github.com/dispatch-run/dispatch/internal/router"
	"github.com/dispatch-run/dispatch/internal/store"
)

// Handle is what Get returns: a read-only view of a session's current
// status plus, if running, its Router (so a Gateway can Subscribe).
type Handle struct {
	Session store.Session
	Router  *router.Router // nil unless the session is currently running
}

// liveSession is the Registry's single-owner record of one running adapter.
type liveSession struct {
	kind    string
	adapter adapter.Adapter
	router  *router.Router
}

// Registry is the Session Registry.
type Registry struct {
	store      *store.Store
	adapters   *adapter.Registry
	bufferSize int

	mu   sync.Mutex
	live map[string]*liveSession
}

// New constructs a Registry backed by st and adapters, whose Routers use
// subscriber buffers of bufferSize events.
func New(st *store.Store, adapters *adapter.Registry, bufferSize int) *Registry {
	return &Registry{
		store:      st,
		adapters:   adapters,
		bufferSize: bufferSize,
		live:       make(map[string]*liveSession),
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// Start allocates a session id, persists a starting session row, resolves
// the adapter factory for kind, and starts it bound to a fresh Router.
// Fails with adapter.ErrUnknownKind if kind is unregistered.
func (reg *Registry) Start(kind string, config json.RawMessage, ownerPrincipal string) (string, error) {
	id := ulid.Make().String()
	now := nowMillis()

	if err := reg.store.CreateSession(store.Session{
		ID:             id,
		Kind:           kind,
		Status:         store.StatusStarting,
		OwnerPrincipal: ownerPrincipal,
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       config,
	}); err != nil {
		return "", fmt.Errorf("registry: start: %w", err)
	}

	a, err := reg.adapters.New(kind)
	if err != nil {
		reg.failStart(id, err)
		return id, err
	}

	if err := reg.launch(id, kind, config, a); err != nil {
		return id, err
	}
	return id, nil
}

// Resume re-instantiates an adapter for a previously stopped session,
// sharing the original id and event log: the next appended event has
// seq = maxSeq + 1, which is automatic because the store computes maxSeq
// per session id (see store.AppendEvent).
//
// A resumed pty session spawns a fresh shell from the stored config; a
// resumed file-editor re-reads its file; a resumed ai-agent starts a fresh
// model conversation appended to the same event log (see adapter.AIAgent).
func (reg *Registry) Resume(id string) error {
	reg.mu.Lock()
	if _, running := reg.live[id]; running {
		reg.mu.Unlock()
		return ErrAlreadyRunning
	}
	reg.mu.Unlock()

	sess, err := reg.store.GetSession(id)
	if err != nil {
		return fmt.Errorf("registry: resume: %w", err)
	}

	a, err := reg.adapters.New(sess.Kind)
	if err != nil {
		reg.failStart(id, err)
		return err
	}

	return reg.launch(id, sess.Kind, sess.Metadata, a)
}

// launch registers a, creates its Router, invokes Start, and transitions
// the session row to running or error.
func (reg *Registry) launch(id, kind string, config json.RawMessage, a adapter.Adapter) error {
	rtr := router.New(id, reg.store, reg.bufferSize)

	reg.mu.Lock()
	if _, exists := reg.live[id]; exists {
		reg.mu.Unlock()
		rtr.Close()
		return ErrAlreadyRunning
	}
	reg.live[id] = &liveSession{kind: kind, adapter: a, router: rtr}
	reg.mu.Unlock()

	emit := func(channel, typ string, payload []byte) {
		if _, err := rtr.Emit(channel, typ, payload); err != nil {
			if errors.Is(err, router.ErrClosed) {
				// An adapter's reader can race its own terminal event by a
				// final chunk; the log is already closed, drop it.
				evtLogger := logging.EventLogger(id, channel, typ)
				evtLogger.Debug().Msg("registry: emit after terminal event dropped")
				return
			}
			evtLogger := logging.EventLogger(id, channel, typ)
			evtLogger.Error().Err(err).Msg("registry: emit failed, session faulted")
			reg.onFatalEmitFailure(id)
		} else if store.IsTerminalEvent(channel, typ) {
			reg.onTerminal(id, channel, typ, payload)
		}
	}

	if err := a.Start(context.Background(), config, emit); err != nil {
		reg.mu.Lock()
		delete(reg.live, id)
		reg.mu.Unlock()

		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		rtr.Emit("system:status", "error", payload)
		rtr.Close()
		reg.store.UpdateSessionStatus(id, store.StatusError, nowMillis())
		return fmt.Errorf("registry: adapter start: %w", err)
	}

	if err := reg.store.UpdateSessionStatus(id, store.StatusRunning, nowMillis()); err != nil {
		sessLogger := logging.SessionLogger(id)
		sessLogger.Error().Err(err).Msg("registry: failed to mark session running")
	}
	return nil
}

// failStart records a session as errored before any adapter/Router exists
// (e.g. an unknown kind).
func (reg *Registry) failStart(id string, cause error) {
	failLogger := logging.SessionLogger(id)
	failLogger.Error().Err(cause).Msg("registry: start failed")
	if err := reg.store.UpdateSessionStatus(id, store.StatusError, nowMillis()); err != nil {
		failLogger.Error().Err(err).Msg("registry: failed to mark session error")
	}
}

// onTerminal drops the adapter reference and updates the session row once
// its Router observes the terminal event.
func (reg *Registry) onTerminal(id, channel, typ string, payload []byte) {
	reg.mu.Lock()
	ls, ok := reg.live[id]
	if ok {
		delete(reg.live, id)
	}
	reg.mu.Unlock()
	if !ok {
		return
	}

	status := store.StatusStopped
	if channel == "system:status" && typ == "error" || isNonzeroExit(payload) {
		status = store.StatusError
	}
	if err := reg.store.UpdateSessionStatus(id, status, nowMillis()); err != nil {
		termLogger := logging.EventLogger(id, channel, typ)
		termLogger.Error().Err(err).Msg("registry: failed to update session status on terminal event")
	}
	ls.router.Close()
}

func isNonzeroExit(payload []byte) bool {
	var body struct {
		ExitCode int `json:"exitCode"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return false
	}
	return body.ExitCode != 0
}

// onFatalEmitFailure handles a store fault surfaced through the Router's
// ingress: the session is transitioned to error without a persisted
// terminal event, since the store itself is the thing that failed.
func (reg *Registry) onFatalEmitFailure(id string) {
	reg.mu.Lock()
	ls, ok := reg.live[id]
	if ok {
		delete(reg.live, id)
	}
	reg.mu.Unlock()
	if !ok {
		return
	}
	ls.router.Close()
	if err := reg.store.UpdateSessionStatus(id, store.StatusError, nowMillis()); err != nil {
		faultLogger := logging.SessionLogger(id)
		faultLogger.Error().Err(err).Msg("registry: failed to update session status on store fault")
	}
}

// Input routes data to the live adapter for id. Fails with ErrNotRunning if
// none is live.
func (reg *Registry) Input(id string, data []byte) error {
	ls, err := reg.liveFor(id)
	if err != nil {
		return err
	}
	return ls.adapter.Write(data)
}

// Resize routes a resize command to the live adapter for id.
func (reg *Registry) Resize(id string, cols, rows int) error {
	ls, err := reg.liveFor(id)
	if err != nil {
		return err
	}
	return ls.adapter.Resize(cols, rows)
}

// Close cooperatively shuts down the live adapter for id.
func (reg *Registry) Close(id string, reason string) error {
	ls, err := reg.liveFor(id)
	if err != nil {
		return err
	}
	return ls.adapter.Close(reason)
}

func (reg *Registry) liveFor(id string) (*liveSession, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	ls, ok := reg.live[id]
	if !ok {
		return nil, ErrNotRunning
	}
	return ls, nil
}

// Get returns a Handle describing id's current status and, if running, its
// Router. Fails with ErrNotFound if the store has no row for id.
func (reg *Registry) Get(id string) (Handle, error) {
	sess, err := reg.store.GetSession(id)
	if err != nil {
		return Handle{}, ErrNotFound
	}

	reg.mu.Lock()
	ls, running := reg.live[id]
	reg.mu.Unlock()

	h := Handle{Session: sess}
	if running {
		h.Router = ls.router
	}
	return h, nil
}

// Package router is the per-session sequencer and fan-out bus. One Router
// exists per running session; it assigns the next sequence number to each
// emitted event, commits it to the store, then broadcasts it to every
// attached subscriber.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/dispatch-run/dispatch/internal/store"
)

// ErrClosed is returned by Emit once a session's terminal event has been
// recorded, and by Subscribe once Close has torn the Router down; a Router
// that has recorded a terminal event refuses all further emits.
var ErrClosed = errors.New("router: closed")

// Router is the per-session sequencer and fan-out bus.
type Router struct {
	sessionID string
	store     *store.Store

	// emitMu serializes the append-then-broadcast critical section so that
	// delivery order to subscribers agrees with seq assignment order.
	emitMu sync.Mutex
	closed bool

	pubsub *gochannel.GoChannel

	mu        sync.Mutex
	nextSubID uint64
	subs      map[uint64]context.CancelFunc
}

// New constructs a Router for sessionID backed by st, with subscriber
// buffers of bufferSize events.
func New(sessionID string, st *store.Store, bufferSize int) *Router {
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(bufferSize),
	}, newWatermillLogger())

	return &Router{
		sessionID: sessionID,
		store:     st,
		pubsub:    pubsub,
		subs:      make(map[uint64]context.CancelFunc),
	}
}

// Emit is the adapter-facing ingress: it stamps a timestamp, asks the store
// for the next seq, persists the event, and broadcasts it to every
// subscriber in FIFO order. If the event is terminal, the Router closes
// itself to further emits.
func (r *Router) Emit(channel, typ string, payload []byte) (int64, error) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	ts := time.Now().UnixMilli()
	seq, err := r.store.AppendEvent(r.sessionID, channel, typ, payload, ts)
	if err != nil {
		// A failed append is neither delivered nor retried; the caller
		// (Registry) treats this as a fatal session fault.
		return 0, fmt.Errorf("router: emit: %w", err)
	}

	ev := store.Event{SessionID: r.sessionID, Seq: seq, Channel: channel, Type: typ, Payload: payload, TS: ts}
	data, err := json.Marshal(ev)
	if err != nil {
		return seq, fmt.Errorf("router: marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewULID(), data)
	if err := r.pubsub.Publish(r.sessionID, msg); err != nil {
		return seq, fmt.Errorf("router: publish: %w", err)
	}

	if store.IsTerminalEvent(channel, typ) {
		r.closed = true
	}
	return seq, nil
}

// Closed reports whether this Router has observed a terminal event and will
// refuse further Emit calls.
func (r *Router) Closed() bool {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	return r.closed
}

// Close tears down the dispatch loop and all subscriptions, without itself
// persisting a terminal event (callers that need a terminal event call
// Emit with one; Close is for process/session shutdown cleanup).
func (r *Router) Close() {
	r.mu.Lock()
	for _, cancel := range r.subs {
		cancel()
	}
	r.subs = nil
	r.mu.Unlock()

	r.pubsub.Close()
}

package router

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/dispatch-run/dispatch/internal/logging"
	"github.com/dispatch-run/dispatch/internal/store"
)

// DropReason explains why a Subscription's channel was closed before the
// caller called Unsubscribe.
type DropReason string

const (
	// DropBackpressure is used when the subscriber fell behind and its
	// bounded buffer filled.
	DropBackpressure DropReason = "backpressure"
)

// Subscription is one client attachment's binding to a Router. Events
// arrive on Events() in strict ascending seq order with no gaps, for as
// long as the subscription is alive. If the subscriber falls behind, the
// Router drops the subscription rather than blocking the adapter or other
// subscribers; Dropped() then reports why.
type Subscription struct {
	id     uint64
	events chan store.Event
	cancel context.CancelFunc
	dropCh chan DropReason
}

// Events returns the channel events are delivered on. It is closed when the
// subscription ends, whether by Unsubscribe or by backpressure drop.
func (s *Subscription) Events() <-chan store.Event {
	return s.events
}

// Dropped returns a channel that yields the drop reason if the Router drops
// this subscription; it yields nothing when Unsubscribe ended it instead.
func (s *Subscription) Dropped() <-chan DropReason {
	return s.dropCh
}

// Subscribe binds a new attachment to this Router. The returned
// Subscription's buffer holds up to bufferSize undelivered events; once
// full, the Router drops the subscription rather than block.
func (r *Router) Subscribe(bufferSize int) (*Subscription, error) {
	r.mu.Lock()
	if r.subs == nil {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	id := r.nextSubID
	r.nextSubID++
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Unlock()

	msgs, err := r.pubsub.Subscribe(ctx, r.sessionID)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &Subscription{
		id:     id,
		events: make(chan store.Event, bufferSize),
		cancel: cancel,
		dropCh: make(chan DropReason, 1),
	}

	r.mu.Lock()
	r.subs[id] = cancel
	r.mu.Unlock()

	go r.pump(id, sub, msgs)

	return sub, nil
}

// pump drains the pubsub topic into sub's bounded channel, dropping the
// subscription (never the event — it stays durable in the store) if the
// subscriber cannot keep up.
func (r *Router) pump(id uint64, sub *Subscription, msgs <-chan *message.Message) {
	defer close(sub.events)

	for msg := range msgs {
		var ev store.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			logging.Warn().Err(err).Msg("router: malformed event payload, dropping message")
			msg.Ack()
			continue
		}

		select {
		case sub.events <- ev:
			msg.Ack()
		default:
			msg.Nack()
			r.Unsubscribe(sub)
			sub.dropCh <- DropBackpressure
			close(sub.dropCh)
			return
		}
	}
}

// Unsubscribe detaches sub from the Router. Idempotent.
func (r *Router) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	cancel, ok := r.subs[sub.id]
	if ok {
		delete(r.subs, sub.id)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
	subLogger := logging.SubscriptionLogger(sub.id)
	subLogger.Debug().Msg("subscription detached")
}

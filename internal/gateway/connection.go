package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dispatch-run/dispatch/internal/logging"
	"github.com/dispatch-run/dispatch/internal/router"
	"github.com/dispatch-run/dispatch/internal/store"
)

// attachment is one session a connection has attached to: a live
// Subscription plus the goroutine relaying its events to the writer.
// afterSeq is the last seq delivered during catch-up replay; the relay
// discards live events at or below it, since the subscription was opened
// before the replay read and may overlap with it.
type attachment struct {
	sub      *router.Subscription
	done     chan struct{}
	afterSeq int64
}

// connection is the per-socket state machine: one hello handshake, then any
// number of attach/detach/input/resize/close frames. Synchronous replies from
// the read loop and asynchronous event/error frames from each attachment's
// relay goroutine all go through send, which serializes them with writeMu
// (gorilla/websocket requires a single writer at a time per connection).
type connection struct {
	gw        *Gateway
	conn      *websocket.Conn
	principal string

	writeMu  sync.Mutex
	helloed  bool
	clientID string

	mu          sync.Mutex
	attachments map[string]*attachment // runId -> attachment
}

func newConnection(gw *Gateway, ws *websocket.Conn, principal string) *connection {
	return &connection{
		gw:          gw,
		conn:        ws,
		principal:   principal,
		attachments: make(map[string]*attachment),
	}
}

func (c *connection) send(frame serverFrame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(frame); err != nil {
		logging.Debug().Err(err).Msg("gateway: write failed, connection likely closed")
	}
}

// run is the connection's read loop; it blocks until the socket closes, then
// tears down every attachment. Disconnection detaches, it never closes the
// sessions themselves.
func (c *connection) run() {
	defer c.teardown()

	for {
		var f clientFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}

		if !c.helloed && f.Type != frameHello {
			c.send(serverFrame{Type: frameError, Body: errorBody{Message: "hello required before any other frame"}})
			continue
		}

		switch f.Type {
		case frameHello:
			c.handleHello(f)
		case frameAttach:
			c.handleAttach(f)
		case frameDetach:
			c.handleDetach(f)
		case frameInput:
			c.handleInput(f)
		case frameResize:
			c.handleResize(f)
		case frameClose:
			c.handleClose(f)
		default:
			c.send(serverFrame{Token: f.Token, Type: frameError, Body: errorBody{Message: "unknown frame type: " + f.Type}})
		}
	}
}

func (c *connection) handleHello(f clientFrame) {
	var p helloPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.ClientID == "" {
		c.send(serverFrame{Token: f.Token, Type: frameHelloError, Body: errorBody{Message: "clientId is required"}})
		return
	}
	c.clientID = p.ClientID
	c.helloed = true
	c.send(serverFrame{Token: f.Token, Type: frameHelloOK})
}

// handleAttach replays the durable log since SinceSeq, then relays live
// events. The live subscription is opened BEFORE the replay read: the store
// is append-only, so anything emitted between the two shows up on the
// subscription, and anything the subscription overlaps with the replay is
// discarded by seq in relay. Subscribing after the read would leave a window
// where an event lands in neither.
func (c *connection) handleAttach(f clientFrame) {
	var p attachPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.RunID == "" {
		c.send(serverFrame{Token: f.Token, Type: frameAttachError, Body: errorBody{Message: "runId is required"}})
		return
	}

	h, err := c.gw.registry.Get(p.RunID)
	if err != nil {
		c.send(serverFrame{Token: f.Token, Type: frameAttachError, Body: errorBody{RunID: p.RunID, Message: "session not found"}})
		return
	}

	c.mu.Lock()
	if _, already := c.attachments[p.RunID]; already {
		c.mu.Unlock()
		c.send(serverFrame{Token: f.Token, Type: frameAttachError, Body: errorBody{RunID: p.RunID, Message: "already attached"}})
		return
	}
	c.mu.Unlock()

	var sub *router.Subscription
	if h.Router != nil {
		sub, err = h.Router.Subscribe(c.gw.cfg.SubscriberBuffer)
		if err != nil {
			// The session emitted its terminal event between Get and here;
			// fall through and serve the backlog alone, like a stopped session.
			sub = nil
		}
	}

	backlog, err := c.gw.store.ReadEventsSince(p.RunID, p.SinceSeq, 0)
	if err != nil {
		if sub != nil {
			h.Router.Unsubscribe(sub)
		}
		c.send(serverFrame{Token: f.Token, Type: frameAttachError, Body: errorBody{RunID: p.RunID, Message: err.Error()}})
		return
	}

	lastSeq := p.SinceSeq
	events := make([]eventBody, 0, len(backlog))
	for _, ev := range backlog {
		events = append(events, toEventBody(ev))
		lastSeq = ev.Seq
	}

	if sub == nil {
		// Session isn't live: deliver the backlog and nothing further.
		c.send(serverFrame{
			Token: f.Token,
			Type:  frameAttachOK,
			Body: attachOKBody{
				RunID:  p.RunID,
				Kind:   h.Session.Kind,
				Status: string(h.Session.Status),
				Events: events,
			},
		})
		return
	}

	att := &attachment{sub: sub, done: make(chan struct{}), afterSeq: lastSeq}
	c.mu.Lock()
	c.attachments[p.RunID] = att
	c.mu.Unlock()

	// attach-ok goes out before the relay starts so no live event frame can
	// precede it on the socket.
	c.send(serverFrame{
		Token: f.Token,
		Type:  frameAttachOK,
		Body: attachOKBody{
			RunID:  p.RunID,
			Kind:   h.Session.Kind,
			Status: string(h.Session.Status),
			Events: events,
		},
	})

	go c.relay(p.RunID, att)
}

func (c *connection) handleDetach(f clientFrame) {
	var p detachPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.RunID == "" {
		c.send(serverFrame{Token: f.Token, Type: frameDetachError, Body: errorBody{Message: "runId is required"}})
		return
	}

	c.mu.Lock()
	att, ok := c.attachments[p.RunID]
	if ok {
		delete(c.attachments, p.RunID)
	}
	c.mu.Unlock()
	if !ok {
		c.send(serverFrame{Token: f.Token, Type: frameDetachError, Body: errorBody{RunID: p.RunID, Message: "not attached"}})
		return
	}

	if h, err := c.gw.registry.Get(p.RunID); err == nil && h.Router != nil {
		h.Router.Unsubscribe(att.sub)
	}
	<-att.done
	c.send(serverFrame{Token: f.Token, Type: frameDetachOK, Body: errorBody{RunID: p.RunID}})
}

// relay forwards live events from a Subscription to the socket until the
// subscription ends, either by detach or by the Router dropping it for
// backpressure. Events already covered by the attach replay are skipped by
// seq. A backpressure drop is scoped to this one runId's attachment — the
// client recovers by re-attaching that run from its last seq, not by
// reconnecting — so it is reported as an error{runId} frame, never
// session-expired (reserved for the connection's own credential expiring).
func (c *connection) relay(runID string, att *attachment) {
	defer close(att.done)
	for ev := range att.sub.Events() {
		if ev.Seq <= att.afterSeq {
			continue
		}
		c.send(serverFrame{Type: frameEvent, Body: toEventBody(ev)})
	}

	select {
	case reason, ok := <-att.sub.Dropped():
		if ok {
			c.send(serverFrame{Type: frameError, Body: errorBody{RunID: runID, Message: string(reason)}})
		}
	default:
	}

	c.mu.Lock()
	delete(c.attachments, runID)
	c.mu.Unlock()
}

func toEventBody(ev store.Event) eventBody {
	return eventBody{
		RunID:   ev.SessionID,
		Seq:     ev.Seq,
		Channel: ev.Channel,
		Type:    ev.Type,
		Payload: ev.Payload,
		TS:      ev.TS,
	}
}

func (c *connection) handleInput(f clientFrame) {
	var p inputPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.RunID == "" {
		c.send(serverFrame{Token: f.Token, Type: frameError, Body: errorBody{Message: "runId is required"}})
		return
	}
	if err := c.gw.registry.Input(p.RunID, p.Data); err != nil {
		c.send(serverFrame{Token: f.Token, Type: frameError, Body: errorBody{RunID: p.RunID, Message: err.Error()}})
	}
}

func (c *connection) handleResize(f clientFrame) {
	var p resizePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.RunID == "" {
		c.send(serverFrame{Token: f.Token, Type: frameResizeError, Body: errorBody{Message: "runId is required"}})
		return
	}
	if err := c.gw.registry.Resize(p.RunID, p.Cols, p.Rows); err != nil {
		c.send(serverFrame{Token: f.Token, Type: frameResizeError, Body: errorBody{RunID: p.RunID, Message: err.Error()}})
		return
	}
	c.send(serverFrame{Token: f.Token, Type: frameResizeOK, Body: errorBody{RunID: p.RunID}})
}

func (c *connection) handleClose(f clientFrame) {
	var p closePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.RunID == "" {
		c.send(serverFrame{Token: f.Token, Type: frameCloseError, Body: errorBody{Message: "runId is required"}})
		return
	}
	if err := c.gw.registry.Close(p.RunID, p.Reason); err != nil {
		c.send(serverFrame{Token: f.Token, Type: frameCloseError, Body: errorBody{RunID: p.RunID, Message: err.Error()}})
		return
	}
	c.send(serverFrame{Token: f.Token, Type: frameCloseOK, Body: errorBody{RunID: p.RunID}})
}

// expire pushes a session-expired frame and closes the socket. Called by the
// Gateway when the external auth layer reports the connection's credential
// has expired; run's read loop then unblocks and tears the attachments down.
func (c *connection) expire() {
	c.send(serverFrame{Type: frameSessionExpired})
	c.conn.Close()
}

// teardown detaches every attachment this connection held. Sessions
// themselves are unaffected.
func (c *connection) teardown() {
	c.gw.dropConnection(c)

	c.mu.Lock()
	atts := c.attachments
	c.attachments = make(map[string]*attachment)
	c.mu.Unlock()

	for runID, att := range atts {
		h, err := c.gw.registry.Get(runID)
		if err == nil && h.Router != nil {
			h.Router.Unsubscribe(att.sub)
		}
		<-att.done
	}
}

// handleAttachSocket upgrades the request to a websocket and runs the
// connection's read loop until disconnect.
func (g *Gateway) handleAttachSocket(w http.ResponseWriter, r *http.Request) {
	principal, ok := g.authenticate(w, r)
	if !ok {
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("gateway: websocket upgrade failed")
		return
	}
	defer ws.Close()

	conn := newConnection(g, ws, principal)
	g.trackConnection(conn)
	conn.run()
}

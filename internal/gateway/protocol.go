package gateway

import "encoding/json"

// clientFrame is the envelope every inbound websocket frame is decoded into
// first; Type selects how Payload is interpreted.
type clientFrame struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	frameHello  = "hello"
	frameAttach = "attach"
	frameDetach = "detach"
	frameInput  = "input"
	frameResize = "resize"
	frameClose  = "close"
)

// helloPayload opens the connection. The Gateway does not authenticate it —
// that already happened on the HTTP upgrade request.
type helloPayload struct {
	ClientID string `json:"clientId"`
}

// attachPayload requests replay-then-live delivery for one session starting
// after SinceSeq (0 means from the beginning).
type attachPayload struct {
	RunID    string `json:"runId"`
	SinceSeq int64  `json:"sinceSeq"`
}

// detachPayload ends one attachment without affecting the session.
type detachPayload struct {
	RunID string `json:"runId"`
}

type inputPayload struct {
	RunID string `json:"runId"`
	Data  []byte `json:"data"`
}

type resizePayload struct {
	RunID string `json:"runId"`
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
}

type closePayload struct {
	RunID  string `json:"runId"`
	Reason string `json:"reason"`
}

// serverFrame is the envelope every outbound websocket frame is encoded as.
type serverFrame struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Body  any    `json:"body,omitempty"`
}

const (
	frameHelloOK    = "hello-ok"
	frameHelloError = "hello-error"

	frameAttachOK    = "attach-ok"
	frameAttachError = "attach-error"

	frameDetachOK    = "detach-ok"
	frameDetachError = "detach-error"

	frameResizeOK    = "resize-ok"
	frameResizeError = "resize-error"

	frameCloseOK    = "close-ok"
	frameCloseError = "close-error"

	frameEvent = "event"
	frameError = "error"
	// frameSessionExpired carries no runId: it reports the connection's own
	// authenticated credential expiring, not a per-session fault. The
	// Gateway never validates credentials itself; the external auth layer
	// signals expiry via Gateway.NotifySessionExpired, which pushes this
	// frame and closes the connection. Router backpressure drops are
	// per-runId and use frameError instead.
	frameSessionExpired = "session-expired"
)

type attachOKBody struct {
	RunID  string      `json:"runId"`
	Kind   string      `json:"kind"`
	Status string      `json:"status"`
	Events []eventBody `json:"events"`
}

// eventBody mirrors store.Event on the wire. Payload is carried as raw bytes
// (base64 on the wire, like any []byte field) rather than json.RawMessage:
// not every adapter's payload is JSON-shaped (pty stdout chunks are raw
// terminal bytes), so the envelope cannot assume it is valid embeddable JSON.
type eventBody struct {
	RunID   string `json:"runId"`
	Seq     int64  `json:"seq"`
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
	TS      int64  `json:"ts"`
}

type errorBody struct {
	RunID   string `json:"runId,omitempty"`
	Message string `json:"message"`
}

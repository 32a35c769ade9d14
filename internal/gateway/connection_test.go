package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dispatch-run/dispatch/internal/adapter"
	"github.com/dispatch-run/dispatch/internal/gateway"
	"github.com/dispatch-run/dispatch/internal/registry"
	"github.com/dispatch-run/dispatch/internal/store"
)

type chattyAdapter struct {
	emit adapter.Emit
}

func newChattyAdapter() adapter.Adapter { return &chattyAdapter{} }

func (a *chattyAdapter) Start(ctx context.Context, config json.RawMessage, emit adapter.Emit) error {
	a.emit = emit
	emit("pty:stdout", "chunk", []byte("boot\n"))
	return nil
}
func (a *chattyAdapter) Write(data []byte) error {
	a.emit("pty:stdout", "chunk", data)
	return nil
}
func (a *chattyAdapter) Resize(cols, rows int) error { return nil }
func (a *chattyAdapter) Close(reason string) error {
	a.emit("system:status", "close", []byte(`{"reason":"`+reason+`"}`))
	return nil
}

func newWireTestServer() (*httptest.Server, *registry.Registry, *gateway.Gateway) {
	st, err := store.Open(filepath.Join(GinkgoT().TempDir(), "dispatch.db"), 0)
	Expect(err).NotTo(HaveOccurred())

	adapters := adapter.NewRegistry()
	adapters.Register("chatty", newChattyAdapter)
	reg := registry.New(st, adapters, 16)

	gw := gateway.New(reg, st, gateway.Config{
		Auth: func(r *http.Request) (string, bool) { return "user-1", true },
	})
	srv := httptest.NewServer(gw.Router())
	return srv, reg, gw
}

func dialAttach(srv *httptest.Server) *websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/attach"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	Expect(err).NotTo(HaveOccurred())
	return conn
}

type wireFrame struct {
	Type  string          `json:"type"`
	Token string          `json:"token,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

func sendFrame(conn *websocket.Conn, typ, token string, payload any) {
	body, _ := json.Marshal(payload)
	Expect(conn.WriteJSON(map[string]any{
		"type":    typ,
		"token":   token,
		"payload": json.RawMessage(body),
	})).To(Succeed())
}

func readFrame(conn *websocket.Conn) wireFrame {
	var f wireFrame
	Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
	Expect(conn.ReadJSON(&f)).To(Succeed())
	return f
}

var _ = Describe("Attachment Gateway", func() {
	var srv *httptest.Server
	var reg *registry.Registry
	var gw *gateway.Gateway

	BeforeEach(func() {
		srv, reg, gw = newWireTestServer()
	})

	AfterEach(func() {
		srv.Close()
	})

	It("replays the durable backlog before delivering live events", func() {
		id, err := reg.Start("chatty", json.RawMessage(`{}`), "user-1")
		Expect(err).NotTo(HaveOccurred())

		Expect(reg.Input(id, []byte("line-1"))).To(Succeed())
		Expect(reg.Input(id, []byte("line-2"))).To(Succeed())

		conn := dialAttach(srv)
		defer conn.Close()

		sendFrame(conn, "hello", "t0", map[string]string{"clientId": "client-a"})
		hello := readFrame(conn)
		Expect(hello.Type).To(Equal("hello-ok"))

		sendFrame(conn, "attach", "t1", map[string]any{"runId": id, "sinceSeq": 0})
		attached := readFrame(conn)
		Expect(attached.Type).To(Equal("attach-ok"))

		var body struct {
			Events []struct {
				Seq     int64  `json:"seq"`
				Channel string `json:"channel"`
			} `json:"events"`
		}
		Expect(json.Unmarshal(attached.Body, &body)).To(Succeed())
		Expect(len(body.Events)).To(BeNumerically(">=", 3))
		Expect(body.Events[0].Seq).To(Equal(int64(1)))
		Expect(body.Events[1].Seq).To(Equal(int64(2)))
		Expect(body.Events[2].Seq).To(Equal(int64(3)))

		Expect(reg.Input(id, []byte("line-3"))).To(Succeed())

		var liveSeqs []int64
		for len(liveSeqs) < 1 {
			f := readFrame(conn)
			if f.Type != "event" {
				continue
			}
			var ev struct {
				Seq int64 `json:"seq"`
			}
			Expect(json.Unmarshal(f.Body, &ev)).To(Succeed())
			liveSeqs = append(liveSeqs, ev.Seq)
		}
		Expect(liveSeqs[0]).To(Equal(int64(4)))
	})

	It("resumes delivery from a client-supplied cursor without gaps or duplicates", func() {
		id, err := reg.Start("chatty", json.RawMessage(`{}`), "user-1")
		Expect(err).NotTo(HaveOccurred())

		Expect(reg.Input(id, []byte("line-1"))).To(Succeed())
		Expect(reg.Input(id, []byte("line-2"))).To(Succeed())
		Expect(reg.Input(id, []byte("line-3"))).To(Succeed())

		conn := dialAttach(srv)
		defer conn.Close()

		sendFrame(conn, "hello", "t0", map[string]string{"clientId": "client-c"})
		readFrame(conn)

		sendFrame(conn, "attach", "t1", map[string]any{"runId": id, "sinceSeq": 2})
		attached := readFrame(conn)
		Expect(attached.Type).To(Equal("attach-ok"))

		var body struct {
			Events []struct {
				Seq int64 `json:"seq"`
			} `json:"events"`
		}
		Expect(json.Unmarshal(attached.Body, &body)).To(Succeed())
		Expect(body.Events).To(HaveLen(2))
		Expect(body.Events[0].Seq).To(Equal(int64(3)))
		Expect(body.Events[1].Seq).To(Equal(int64(4)))

		Expect(reg.Input(id, []byte("line-4"))).To(Succeed())

		f := readFrame(conn)
		Expect(f.Type).To(Equal("event"))
		var ev struct {
			Seq int64 `json:"seq"`
		}
		Expect(json.Unmarshal(f.Body, &ev)).To(Succeed())
		Expect(ev.Seq).To(Equal(int64(5)))
	})

	It("detaches one attachment without closing the connection or session", func() {
		id, err := reg.Start("chatty", json.RawMessage(`{}`), "user-1")
		Expect(err).NotTo(HaveOccurred())

		conn := dialAttach(srv)
		defer conn.Close()

		sendFrame(conn, "hello", "t0", map[string]string{"clientId": "client-d"})
		readFrame(conn)
		sendFrame(conn, "attach", "t1", map[string]any{"runId": id, "sinceSeq": 0})
		readFrame(conn)

		sendFrame(conn, "detach", "t2", map[string]string{"runId": id})
		detached := readFrame(conn)
		Expect(detached.Type).To(Equal("detach-ok"))

		// The session keeps running; this connection just stops receiving.
		Expect(reg.Input(id, []byte("after-detach"))).To(Succeed())

		sendFrame(conn, "detach", "t3", map[string]string{"runId": id})
		again := readFrame(conn)
		Expect(again.Type).To(Equal("detach-error"))
	})

	It("pushes session-expired and closes the connection when the credential expires", func() {
		conn := dialAttach(srv)
		defer conn.Close()

		sendFrame(conn, "hello", "t0", map[string]string{"clientId": "client-e"})
		readFrame(conn)

		gw.NotifySessionExpired("user-1")

		f := readFrame(conn)
		Expect(f.Type).To(Equal("session-expired"))

		Eventually(func() error {
			_, _, err := conn.ReadMessage()
			return err
		}, 2*time.Second, 50*time.Millisecond).Should(HaveOccurred())
	})

	It("rejects frames before hello", func() {
		conn := dialAttach(srv)
		defer conn.Close()

		sendFrame(conn, "attach", "t1", map[string]any{"runId": "whatever"})
		f := readFrame(conn)
		Expect(f.Type).To(Equal("error"))
	})

	It("detaches attachments on disconnect without affecting the session", func() {
		id, err := reg.Start("chatty", json.RawMessage(`{}`), "user-1")
		Expect(err).NotTo(HaveOccurred())

		conn := dialAttach(srv)
		sendFrame(conn, "hello", "t0", map[string]string{"clientId": "client-b"})
		readFrame(conn)
		sendFrame(conn, "attach", "t1", map[string]any{"runId": id, "sinceSeq": 0})
		readFrame(conn)
		Expect(conn.Close()).To(Succeed())

		Eventually(func() error {
			return reg.Input(id, []byte("still-alive"))
		}, 2*time.Second, 50*time.Millisecond).Should(Succeed())
	})
})

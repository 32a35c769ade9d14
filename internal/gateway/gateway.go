// Package gateway is the Attachment Gateway: the wire protocol clients use
// to attach to run sessions, send input, and receive events, plus the HTTP
// control-plane surface exposed to external collaborators.
package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/dispatch-run/dispatch/internal/registry"
	"github.com/dispatch-run/dispatch/internal/store"
)

// AuthFunc resolves the already-authenticated principal for an incoming
// request, or ok=false if the credential is absent or invalid. Credential
// validation itself belongs to the layer in front of the Gateway; the core
// only consumes its result.
type AuthFunc func(r *http.Request) (principal string, ok bool)

// Config configures a Gateway.
type Config struct {
	EnableCORS       bool
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	SubscriberBuffer int
	Auth             AuthFunc
}

// headerPrincipalAuth is the default AuthFunc: it trusts a principal already
// resolved by an upstream reverse proxy / auth middleware and forwarded in a
// header.
func headerPrincipalAuth(r *http.Request) (string, bool) {
	principal := r.Header.Get("X-Dispatch-Principal")
	return principal, principal != ""
}

// Gateway wires the Session Registry and Event Store to HTTP clients.
type Gateway struct {
	registry *registry.Registry
	store    *store.Store
	cfg      Config
	upgrader websocket.Upgrader

	connMu sync.Mutex
	conns  map[*connection]struct{}
}

// New constructs a Gateway. If cfg.Auth is nil, headerPrincipalAuth is used.
func New(reg *registry.Registry, st *store.Store, cfg Config) *Gateway {
	if cfg.Auth == nil {
		cfg.Auth = headerPrincipalAuth
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 4096
	}
	return &Gateway{
		registry: reg,
		store:    st,
		cfg:      cfg,
		conns:    make(map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the chi route tree: the control-plane CRUD surface plus the
// /attach websocket endpoint.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if g.cfg.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
		}))
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", g.handleCreateSession)
		r.Get("/", g.handleListSessions)
		r.Post("/{runId}/resume", g.handleResumeSession)
		r.Delete("/{runId}", g.handleCloseSession)
		r.Get("/{runId}/history", g.handleGetHistory)
	})

	r.Route("/layout", func(r chi.Router) {
		r.Get("/{clientId}", g.handleGetLayout)
		r.Put("/{clientId}/{runId}", g.handleSetLayout)
		r.Delete("/{clientId}/{runId}", g.handleRemoveLayout)
	})

	r.Get("/attach", g.handleAttachSocket)

	return r
}

func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal, ok := g.cfg.Auth(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrCodeInvalidRequest, "missing or invalid credential")
		return "", false
	}
	return principal, true
}

func (g *Gateway) trackConnection(c *connection) {
	g.connMu.Lock()
	g.conns[c] = struct{}{}
	g.connMu.Unlock()
}

func (g *Gateway) dropConnection(c *connection) {
	g.connMu.Lock()
	delete(g.conns, c)
	g.connMu.Unlock()
}

// NotifySessionExpired tells every live connection authenticated as
// principal that its credential has expired, then closes those connections.
// The external auth layer calls this when it invalidates a credential
// mid-connection; clients are expected to re-authenticate and reconnect,
// then re-attach from their last delivered seq.
func (g *Gateway) NotifySessionExpired(principal string) {
	g.connMu.Lock()
	targets := make([]*connection, 0, len(g.conns))
	for c := range g.conns {
		if c.principal == principal {
			targets = append(targets, c)
		}
	}
	g.connMu.Unlock()

	for _, c := range targets {
		c.expire()
	}
}

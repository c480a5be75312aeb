package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"rollcall/internal/metrics"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// Authenticator turns a handshake request into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (types.Principal, error)
}

// MessageHandler processes inbound frames of an authenticated connection.
type MessageHandler interface {
	HandleMessage(ctx context.Context, conn interfaces.Connection, data []byte)
	Disconnected(conn interfaces.Connection)
}

// Options tunes the transport. Zero values fall back to the defaults below.
type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
	// MaxFrameBytes is the hard read limit; larger frames close the connection.
	MaxFrameBytes int64
	CheckOrigin   func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		// Frames between MaxEventBytes and this limit still get a BadRequest reply.
		o.MaxFrameBytes = 2 * types.MaxEventBytes
	}
	if o.CheckOrigin == nil {
		// FUNCTIONAL DISCOVERY: Browsers on the school portal connect cross-origin;
		// the bearer token, not the origin, is the access control
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return o
}

// Handler upgrades authenticated requests and runs each connection's read loop
// ARCHITECTURAL DISCOVERY: Multi-stage validation (token -> principal -> upgrade -> registration)
// ensures invalid handshakes get a plain HTTP error and never consume a websocket
type Handler struct {
	auth     Authenticator
	router   MessageHandler
	registry *Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler. A nil logger discards output.
func NewHandler(auth Authenticator, router MessageHandler, registry *Registry, m *metrics.Metrics, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts = opts.withDefaults()
	return &Handler{
		auth:     auth,
		router:   router,
		registry: registry,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:      opts.CheckOrigin,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// HandleWebSocket authenticates the handshake, upgrades, greets the client
// with CONNECTED and starts the read loop.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := h.auth.Authenticate(r.Context(), r)
	if err != nil {
		code := types.ErrorCode(err)
		h.metrics.AuthFailure(code)
		h.logger.Info("handshake rejected", "remote_addr", r.RemoteAddr, "code", code, "error", err)

		// FUNCTIONAL DISCOVERY: Only credential problems are 401; a resolver
		// outage must not look like a bad token to the client
		if errors.Is(err, types.ErrUnauthenticated) {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
		} else {
			http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConnection(ws, principal, h.logger)
	if err := h.registry.Register(conn); err != nil {
		h.logger.Error("failed to register connection", "connection_id", conn.ID(), "error", err)
		_ = conn.Close()
		return
	}
	h.metrics.ConnectionOpened()

	h.logger.Info("connection established",
		"connection_id", conn.ID(), "user_id", principal.ID, "role", principal.Role)

	greeting := types.Outbound{
		Event: types.EventConnected,
		Result: types.ConnectedInfo{
			UserID:       principal.ID,
			Role:         principal.Role,
			ConnectionID: conn.ID(),
		},
		Time: time.Now().UTC(),
	}
	if err := conn.WriteJSON(greeting); err != nil {
		h.logger.Warn("failed to send greeting", "connection_id", conn.ID(), "error", err)
	}

	// TECHNICAL DISCOVERY: Separate goroutine for connection lifecycle management
	// enables clean resource cleanup and heartbeat monitoring
	go h.handleConnection(conn)
}

// handleConnection runs the read loop until the client goes away.
// Events of one connection are handled in arrival order.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		// FUNCTIONAL DISCOVERY: Disconnect only detaches; open sessions and
		// their marks survive a dropped teacher connection
		h.router.Disconnected(conn)
		h.registry.Unregister(conn)
		_ = conn.Close()
		h.metrics.ConnectionClosed()
		h.logger.Info("connection closed", "connection_id", conn.ID(), "user_id", conn.Principal().ID)
	}()

	ws := conn.conn
	ws.SetReadLimit(h.opts.MaxFrameBytes)

	// TECHNICAL DISCOVERY: Pong wait of twice the ping interval tolerates one
	// lost heartbeat on a congested classroom network
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.PongWait)); err != nil {
		h.logger.Debug("failed to set read deadline", "error", err)
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "connection_id", conn.ID(), "error", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			msg := types.NewErrorMessage("", fmt.Errorf("%w: only text frames are accepted", types.ErrBadRequest))
			msg.Time = time.Now().UTC()
			_ = conn.WriteJSON(msg)
			continue
		}

		h.router.HandleMessage(context.Background(), conn, data)
	}
}

// pingLoop sends heartbeats until the connection closes.
func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.ping(10 * time.Second); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"rollcall/pkg/types"
)

const (
	sendBuffer   = 100
	writeTimeout = 5 * time.Second
)

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	conn      *websocket.Conn
	id        string
	principal types.Principal
	writeCh   chan []byte // FUNCTIONAL DISCOVERY: 100 buffer absorbs a burst of summaries during roll call
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewConnection wraps an upgraded connection for an authenticated principal.
// The principal is fixed for the connection's lifetime.
func NewConnection(conn *websocket.Conn, principal types.Principal, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := ulid.Make().String()
	c := &Connection{
		conn:      conn,
		id:        id,
		principal: principal,
		writeCh:   make(chan []byte, sendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("connection_id", id, "user_id", principal.ID),
	}

	go c.writeLoop()

	return c
}

// ID returns the connection's ULID.
func (c *Connection) ID() string { return c.id }

// Principal returns the identity established at handshake.
func (c *Connection) Principal() types.Principal { return c.principal }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races
// TECHNICAL DISCOVERY: writeCh is never closed; senders select on ctx instead,
// so a late WriteJSON can never hit a closed channel
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			// FUNCTIONAL DISCOVERY: 5-second timeout balances responsiveness vs classroom network stability
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug("set write deadline failed", "error", err)
				_ = c.Close()
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// The read loop observes the close and runs cleanup.
				c.logger.Debug("websocket write failed", "error", err)
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for the writer goroutine without blocking.
func (c *Connection) WriteJSON(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	// FUNCTIONAL DISCOVERY: A client that lets sendBuffer messages pile up is
	// dropped so one stalled tablet never holds up a class broadcast
	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.logger.Warn("send buffer full, dropping slow connection", "buffered", len(c.writeCh))
		_ = c.Close()
		return ErrSlowConsumer
	}
}

// ping sends a heartbeat control frame.
func (c *Connection) ping(deadline time.Duration) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(deadline))
}

// ARCHITECTURAL DISCOVERY: Clean shutdown requires careful goroutine coordination
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rollcall/internal/metrics"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// Attachments is the view of the session registry the hub delivers through.
// An empty sessionID in SessionAttachments matches any session.
type Attachments interface {
	SessionAttachments(classID, sessionID string) []interfaces.Connection
	Release(classID, sessionID string) []interfaces.Connection
	ReleaseOwner(classID, sessionID, connID string) interfaces.Connection
}

// Hub delivers bus messages to this instance's attached connections
// ARCHITECTURAL DISCOVERY: Central coordination point for all outbound fan-out;
// routers publish, the hub of every instance delivers
type Hub struct {
	bus         interfaces.Bus
	attachments Attachments
	metrics     *metrics.Metrics
	logger      *slog.Logger

	// TECHNICAL DISCOVERY: A dropped Redis subscription is re-established after
	// this delay instead of leaving the instance deaf
	resubscribeDelay time.Duration

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHub creates a hub. A nil logger discards output.
func NewHub(bus interfaces.Bus, attachments Attachments, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		bus:              bus,
		attachments:      attachments,
		metrics:          m,
		logger:           logger,
		resubscribeDelay: time.Second,
	}
}

// Start subscribes to the bus and begins delivering. The subscription is
// established before Start returns, so nothing published afterwards is missed.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}

	sub, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.running = true

	h.logger.Info("hub started")
	go h.run(runCtx, sub)
	return nil
}

// Stop ends delivery and waits for the delivery loop to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.cancel()
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info("hub stopped")
	return nil
}

// run is the delivery loop. Messages are dispatched one at a time so each
// connection sees them in bus order.
func (h *Hub) run(ctx context.Context, sub interfaces.Subscription) {
	defer close(h.done)

	for {
		h.consume(ctx, sub)
		_ = sub.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(h.resubscribeDelay):
		}

		var err error
		sub, err = h.bus.Subscribe(ctx)
		for err != nil {
			h.logger.Warn("bus resubscribe failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.resubscribeDelay):
			}
			sub, err = h.bus.Subscribe(ctx)
		}
		h.logger.Info("bus subscription re-established")
	}
}

// consume drains sub until it closes or ctx is cancelled.
func (h *Hub) consume(ctx context.Context, sub interfaces.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				h.logger.Warn("bus subscription closed")
				return
			}
			h.Dispatch(msg)
		}
	}
}

// Dispatch delivers one bus message to the local connections it concerns.
func (h *Hub) Dispatch(msg types.BusMessage) {
	now := time.Now().UTC()

	switch msg.Kind {
	case types.BusSummary:
		if msg.Summary == nil {
			return
		}
		conns := h.attachments.SessionAttachments(msg.ClassID, msg.SessionID)
		h.deliver(conns, types.Outbound{
			Event:   types.EventSummaryUpdate,
			ClassID: msg.ClassID,
			Summary: msg.Summary,
			Time:    now,
		})

	case types.BusSessionEnded:
		// FUNCTIONAL DISCOVERY: The closing instance already released and
		// notified its own attachments, so Release is empty there and nobody
		// hears SESSION_ENDED twice. A late message for an earlier session
		// releases nothing of the current one
		sessionID := msg.SessionID
		if sessionID == "" && msg.Report != nil {
			sessionID = msg.Report.SessionID
		}
		conns := h.attachments.Release(msg.ClassID, sessionID)
		out := types.Outbound{
			Event:   types.EventSessionEnded,
			ClassID: msg.ClassID,
			Time:    now,
		}
		if msg.Report != nil {
			out.Result = msg.Report
		}
		h.deliver(conns, out)
		if len(conns) > 0 {
			h.logger.Info("released attachments of session ended elsewhere",
				"class_id", msg.ClassID, "origin", msg.Origin, "count", len(conns))
		}

	case types.BusOwnerReplaced:
		owner := h.attachments.ReleaseOwner(msg.ClassID, msg.SessionID, msg.ConnID)
		if owner == nil {
			return
		}
		h.deliver([]interfaces.Connection{owner}, types.NewDetachedMessage(msg.ClassID, now))
		h.logger.Info("teacher attachment moved to another instance",
			"class_id", msg.ClassID, "connection_id", msg.ConnID, "origin", msg.Origin)

	default:
		h.logger.Warn("unknown bus message kind", "kind", msg.Kind, "class_id", msg.ClassID)
	}
}

// Deliver queues out on every connection. A failed write never affects the
// others.
func (h *Hub) Deliver(conns []interfaces.Connection, out types.Outbound) {
	h.deliver(conns, out)
}

// deliver relies on WriteJSON only queueing: a connection whose queue is full
// is closed by its own WriteJSON rather than stalling the bus loop
func (h *Hub) deliver(conns []interfaces.Connection, out types.Outbound) {
	for _, c := range conns {
		if err := c.WriteJSON(out); err != nil {
			h.metrics.Delivery(false)
			h.logger.Warn("delivery failed",
				"event", out.Event, "class_id", out.ClassID, "connection_id", c.ID(), "error", err)
			continue
		}
		h.metrics.Delivery(true)
	}
}

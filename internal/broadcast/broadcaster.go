package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rollcall/internal/metrics"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// Broadcaster computes session summaries and publishes them on the bus
// ARCHITECTURAL DISCOVERY: Publishing goes through the bus even for local
// viewers, so every instance (this one included) delivers through its hub
// FUNCTIONAL DISCOVERY: Marks arriving while a summary is being computed are
// coalesced into one follow-up publish per class; the last summary published
// always reflects a mark set at least as new as the last change
type Broadcaster struct {
	store   interfaces.StateStore
	roster  interfaces.Roster
	bus     interfaces.Bus
	origin  string
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*classRun
	wg      sync.WaitGroup
}

// classRun tracks the one publishing goroutine of a class.
type classRun struct {
	dirty bool
}

// New creates a broadcaster. origin identifies this instance on the bus.
func New(store interfaces.StateStore, roster interfaces.Roster, bus interfaces.Bus, origin string, m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Broadcaster{
		store:   store,
		roster:  roster,
		bus:     bus,
		origin:  origin,
		timeout: 5 * time.Second,
		metrics: m,
		logger:  logger,
		pending: make(map[string]*classRun),
	}
}

// Summary derives classID's current summary from the store and roster.
func (b *Broadcaster) Summary(ctx context.Context, classID string) (types.SessionSummary, error) {
	marks, err := b.store.GetAllMarks(ctx, classID)
	if err != nil {
		return types.SessionSummary{}, fmt.Errorf("summary of %s: %w", classID, err)
	}
	size, err := b.roster.RosterSize(ctx, classID)
	if err != nil {
		return types.SessionSummary{}, fmt.Errorf("roster size of %s: %w", classID, err)
	}
	return types.Summarize(marks, size), nil
}

// SummaryChanged schedules a summary broadcast for classID and returns
// immediately.
func (b *Broadcaster) SummaryChanged(classID string) {
	b.mu.Lock()
	if run, ok := b.pending[classID]; ok {
		run.dirty = true
		b.mu.Unlock()
		return
	}
	b.pending[classID] = &classRun{}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(classID)
}

func (b *Broadcaster) run(classID string) {
	defer b.wg.Done()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		if err := b.PublishSummary(ctx, classID); err != nil {
			b.metrics.BroadcastError()
			b.logger.Warn("summary broadcast failed", "class_id", classID, "error", err)
		}
		cancel()

		b.mu.Lock()
		run := b.pending[classID]
		if !run.dirty {
			delete(b.pending, classID)
			b.mu.Unlock()
			return
		}
		run.dirty = false
		b.mu.Unlock()
	}
}

// PublishSummary computes and publishes classID's summary synchronously.
// Nothing is published once the session is gone.
func (b *Broadcaster) PublishSummary(ctx context.Context, classID string) error {
	sess, err := b.store.GetSession(ctx, classID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}

	summary, err := b.Summary(ctx, classID)
	if err != nil {
		return err
	}

	msg := types.BusMessage{
		Kind:      types.BusSummary,
		ClassID:   classID,
		SessionID: sess.SessionID,
		Summary:   &summary,
		Origin:    b.origin,
	}
	if err := b.bus.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish summary of %s: %w", classID, err)
	}
	return nil
}

// SessionEnded announces a closed session to every instance.
func (b *Broadcaster) SessionEnded(ctx context.Context, report types.FinalReport) error {
	msg := types.BusMessage{
		Kind:      types.BusSessionEnded,
		ClassID:   report.ClassID,
		SessionID: report.SessionID,
		Report:    &report,
		Origin:    b.origin,
	}
	if err := b.bus.Publish(ctx, msg); err != nil {
		b.metrics.BroadcastError()
		return fmt.Errorf("publish session end of %s: %w", report.ClassID, err)
	}
	return nil
}

// OwnerReplaced tells the instance holding connID that the teacher
// attachment of sessionID moved elsewhere.
func (b *Broadcaster) OwnerReplaced(ctx context.Context, classID, sessionID, connID string) error {
	msg := types.BusMessage{
		Kind:      types.BusOwnerReplaced,
		ClassID:   classID,
		SessionID: sessionID,
		ConnID:    connID,
		Origin:    b.origin,
	}
	if err := b.bus.Publish(ctx, msg); err != nil {
		b.metrics.BroadcastError()
		return fmt.Errorf("publish owner move of %s: %w", classID, err)
	}
	return nil
}

// Wait blocks until every scheduled broadcast has finished.
func (b *Broadcaster) Wait() {
	b.wg.Wait()
}

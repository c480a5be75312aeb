package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"rollcall/pkg/types"
)

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}

// Reaper closes sessions that have been open longer than MaxAge
// FUNCTIONAL DISCOVERY: A teacher who never sends DONE would otherwise keep
// the class locked out of new sessions indefinitely
type Reaper struct {
	registry *Registry
	finalize FinalizeFunc
	maxAge   time.Duration
	interval time.Duration
	onClosed func(ctx context.Context, result CloseResult)
	logger   *slog.Logger
}

// NewReaper creates a reaper. onClosed is called for every reaped session
// and may be nil.
func NewReaper(registry *Registry, finalize FinalizeFunc, maxAge, interval time.Duration, onClosed func(context.Context, CloseResult), logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reaper{
		registry: registry,
		finalize: finalize,
		maxAge:   maxAge,
		interval: interval,
		onClosed: onClosed,
		logger:   logger,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep closes every session older than MaxAge and returns how many it closed.
// Finalization failures leave the session open for the next sweep.
func (r *Reaper) Sweep(ctx context.Context) int {
	sessions, err := r.registry.ListSessions(ctx)
	if err != nil {
		r.logger.Warn("reaper could not list sessions", "error", err)
		return 0
	}

	cutoff := r.registry.now().Add(-r.maxAge)
	closed := 0
	for _, sess := range sessions {
		if !sess.StartedAt.Before(cutoff) {
			continue
		}
		result, ok, err := r.registry.Reap(ctx, sess.ClassID, cutoff, r.finalize)
		if err != nil {
			r.logger.Error("reaping session failed",
				"class_id", sess.ClassID, "session_id", sess.SessionID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		closed++
		r.logger.Info("reaped stale session",
			"class_id", sess.ClassID, "session_id", sess.SessionID, "started_at", sess.StartedAt)
		if r.onClosed != nil {
			r.onClosed(ctx, result)
		}
	}
	return closed
}

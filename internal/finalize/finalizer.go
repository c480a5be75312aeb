package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/metrics"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// UnmarkedPolicy decides what happens to roster members nobody marked.
type UnmarkedPolicy string

const (
	// PolicyAbsent records every unmarked roster member as absent.
	PolicyAbsent UnmarkedPolicy = "absent"
	// PolicyOmit writes rows only for students that were marked.
	PolicyOmit UnmarkedPolicy = "omit"
)

// SystemActor is UpdatedBy on marks the finalizer synthesizes.
const SystemActor = "system"

// DefaultCloseLease bounds how long a crashed finalizer can fence a session.
const DefaultCloseLease = time.Minute

var ErrUnknownPolicy = errors.New("unknown unmarked policy")

// ParsePolicy parses a configured policy name.
func ParsePolicy(s string) (UnmarkedPolicy, error) {
	switch UnmarkedPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAbsent:
		return PolicyAbsent, nil
	case PolicyOmit:
		return PolicyOmit, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Finalizer drains an open session into durable storage
// ARCHITECTURAL DISCOVERY: Fence, commit, then clear. The close fence in the
// shared store stops every instance from writing marks before they are read;
// ephemeral state stays the only copy of the roll until the durable
// transaction succeeds
type Finalizer struct {
	store   interfaces.StateStore
	roster  interfaces.Roster
	durable interfaces.DurableStore
	policy  UnmarkedPolicy
	lease   time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewFinalizer creates a finalizer. A nil logger discards output.
func NewFinalizer(store interfaces.StateStore, roster interfaces.Roster, durable interfaces.DurableStore, policy UnmarkedPolicy, m *metrics.Metrics, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if policy == "" {
		policy = PolicyAbsent
	}
	return &Finalizer{
		store:   store,
		roster:  roster,
		durable: durable,
		policy:  policy,
		lease:   DefaultCloseLease,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// WithCloseLease sets how long the close fence outlives a finalizer that
// stops before clearing. Non-positive values keep the default.
func (f *Finalizer) WithCloseLease(lease time.Duration) *Finalizer {
	if lease > 0 {
		f.lease = lease
	}
	return f
}

// Finalize fences sess, commits its marks and then clears its ephemeral
// state. It has the session.FinalizeFunc signature and runs under the
// registry's class lock.
//
// A session another instance is closing fails with ErrSessionClosing. A
// commit failure returns ErrPersistenceFailed with state retained and the
// fence lifted. A clear failure returns ErrStoreUnavailable; the durable rows
// are already written and committing again is idempotent.
func (f *Finalizer) Finalize(ctx context.Context, sess types.Session) (types.FinalAttendanceMap, types.FinalReport, error) {
	start := f.now()

	token := uuid.NewString()
	if err := f.store.BeginClose(ctx, sess.ClassID, sess.SessionID, token, f.lease); err != nil {
		return nil, types.FinalReport{}, fmt.Errorf("fence %s: %w", sess.SessionID, err)
	}

	marks, err := f.store.GetAllMarks(ctx, sess.ClassID)
	if err != nil {
		f.abort(ctx, sess, token)
		return nil, types.FinalReport{}, fmt.Errorf("read marks of %s: %w", sess.ClassID, err)
	}

	members, err := f.roster.RosterMembers(ctx, sess.ClassID)
	if err != nil {
		f.abort(ctx, sess, token)
		return nil, types.FinalReport{}, fmt.Errorf("%w: read roster of %s: %v", types.ErrPersistenceFailed, sess.ClassID, err)
	}

	final := f.applyPolicy(marks, members)
	commit := types.Commit{
		ClassID:     sess.ClassID,
		SessionID:   sess.SessionID,
		SessionTime: sess.StartedAt,
		Records:     records(final),
	}

	if err := f.durable.CommitAttendance(ctx, commit); err != nil {
		if !errors.Is(err, types.ErrPersistenceFailed) {
			err = fmt.Errorf("%w: %v", types.ErrPersistenceFailed, err)
		}
		f.abort(ctx, sess, token)
		return nil, types.FinalReport{}, fmt.Errorf("commit %s: %w", sess.SessionID, err)
	}

	if err := f.store.ClearSession(ctx, sess.ClassID, sess.SessionID, token); err != nil {
		if !errors.Is(err, types.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
		}
		f.logger.Error("attendance committed but session state not cleared",
			"class_id", sess.ClassID, "session_id", sess.SessionID, "error", err)
		f.abort(ctx, sess, token)
		return nil, types.FinalReport{}, fmt.Errorf("clear %s: %w", sess.ClassID, err)
	}

	report := types.FinalReport{
		ClassID:     sess.ClassID,
		SessionID:   sess.SessionID,
		SessionTime: sess.StartedAt,
		Recorded:    len(commit.Records),
		Summary:     types.Summarize(final, len(members)),
	}

	f.metrics.ObserveFinalize(f.now().Sub(start))
	f.logger.Info("session finalized",
		"class_id", sess.ClassID, "session_id", sess.SessionID,
		"recorded", report.Recorded, "marked", len(marks), "policy", string(f.policy))
	return final, report, nil
}

// abort lifts the close fence so marks resume and a retry can take it again.
// If the store is down the lease expires instead.
func (f *Finalizer) abort(ctx context.Context, sess types.Session, token string) {
	if err := f.store.AbortClose(context.WithoutCancel(ctx), sess.ClassID, token); err != nil {
		f.logger.Warn("failed to lift close fence", "class_id", sess.ClassID, "session_id", sess.SessionID, "error", err)
	}
}

// applyPolicy returns the mark set to persist. Marks of students who left the
// roster mid-session are kept.
func (f *Finalizer) applyPolicy(marks types.FinalAttendanceMap, members []string) types.FinalAttendanceMap {
	final := make(types.FinalAttendanceMap, len(marks)+len(members))
	for id, mark := range marks {
		final[id] = mark
	}
	if f.policy != PolicyAbsent {
		return final
	}

	now := f.now().UTC()
	for _, id := range members {
		if _, ok := final[id]; ok {
			continue
		}
		final[id] = types.AttendanceMark{
			StudentID: id,
			Status:    types.StatusAbsent,
			UpdatedAt: now,
			UpdatedBy: SystemActor,
		}
	}
	return final
}

// records flattens final into rows ordered by student ID.
func records(final types.FinalAttendanceMap) []types.AttendanceRecord {
	rows := make([]types.AttendanceRecord, 0, len(final))
	for _, mark := range final {
		rows = append(rows, types.AttendanceRecord{StudentID: mark.StudentID, Status: mark.Status})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StudentID < rows[j].StudentID })
	return rows
}

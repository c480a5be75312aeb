package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rollcall/internal/broadcast"
	"rollcall/internal/metrics"
	"rollcall/internal/session"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// Notifier writes one message to a set of connections.
type Notifier interface {
	Deliver(conns []interfaces.Connection, out types.Outbound)
}

// Dependencies are the collaborators a Router dispatches to.
type Dependencies struct {
	Sessions    *session.Registry
	Roster      interfaces.Roster
	Store       interfaces.StateStore
	Broadcaster *broadcast.Broadcaster
	Finalize    session.FinalizeFunc
	Notifier    Notifier
	Metrics     *metrics.Metrics
}

// Options tunes the router.
type Options struct {
	// RateLimit is the number of events a connection may send per RateWindow.
	RateLimit  int
	RateWindow time.Duration
	// EventTimeout bounds the store and durable calls of one event.
	EventTimeout time.Duration
}

// DefaultOptions returns the production limits.
// FUNCTIONAL DISCOVERY: 100 events per minute covers marking a full roster
// twice over while still stopping a runaway client
func DefaultOptions() Options {
	return Options{
		RateLimit:    100,
		RateWindow:   time.Minute,
		EventTimeout: 30 * time.Second,
	}
}

// Router parses inbound events, authorizes them and applies their effects
// ARCHITECTURAL DISCOVERY: Pure event handling without connection management;
// replies go back on the originating connection, fan-out goes through the
// broadcaster and bus
type Router struct {
	sessions    *session.Registry
	roster      interfaces.Roster
	store       interfaces.StateStore
	broadcaster *broadcast.Broadcaster
	finalize    session.FinalizeFunc
	notifier    Notifier
	metrics     *metrics.Metrics
	rateLimiter *RateLimiter
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewRouter creates a router. A nil logger discards output.
func NewRouter(deps Dependencies, opts Options, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = DefaultOptions().EventTimeout
	}
	return &Router{
		sessions:    deps.Sessions,
		roster:      deps.Roster,
		store:       deps.Store,
		broadcaster: deps.Broadcaster,
		finalize:    deps.Finalize,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		rateLimiter: NewRateLimiter(opts.RateLimit, opts.RateWindow),
		timeout:     opts.EventTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// HandleMessage processes one inbound frame. Every outcome is reported to
// conn only; no failure closes the connection.
func (r *Router) HandleMessage(ctx context.Context, conn interfaces.Connection, data []byte) {
	event, classID, reply, err := r.handle(ctx, conn, data)
	if err != nil {
		r.metrics.Event(metricLabel(event), outcome(err))
		r.logger.Info("event rejected",
			"event", event, "class_id", classID, "connection_id", conn.ID(),
			"user_id", conn.Principal().ID, "code", types.ErrorCode(err), "error", err)
		r.reply(conn, types.NewErrorMessage(classID, err))
		return
	}

	r.metrics.Event(event, metrics.OutcomeOK)
	r.reply(conn, reply)
}

// Disconnected releases everything held for conn.
func (r *Router) Disconnected(conn interfaces.Connection) {
	r.sessions.Detach(conn)
	r.rateLimiter.Forget(conn.ID())
}

func (r *Router) reply(conn interfaces.Connection, out types.Outbound) {
	out.Time = r.now().UTC()
	if err := conn.WriteJSON(out); err != nil {
		r.logger.Debug("reply not delivered", "event", out.Event, "connection_id", conn.ID(), "error", err)
	}
}

// handle parses, validates and dispatches one frame.
func (r *Router) handle(ctx context.Context, conn interfaces.Connection, data []byte) (string, string, types.Outbound, error) {
	if len(data) > types.MaxEventBytes {
		return "", "", types.Outbound{}, types.ErrPayloadTooLarge
	}

	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", "", types.Outbound{}, types.ErrMalformedJSON
	}
	if !types.IsInboundEvent(env.Event) {
		return env.Event, "", types.Outbound{}, fmt.Errorf("%w %q", types.ErrUnknownEvent, env.Event)
	}

	// TECHNICAL DISCOVERY: Rate limiting applied per connection before any
	// store access so a flooding client cannot load the shared store
	if !r.rateLimiter.Allow(conn.ID()) {
		return env.Event, "", types.Outbound{}, ErrRateLimitExceeded
	}

	var payload types.EventData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			if errors.Is(err, types.ErrInvalidID) {
				return env.Event, "", types.Outbound{}, types.ErrInvalidID
			}
			return env.Event, "", types.Outbound{}, types.ErrMalformedJSON
		}
	}
	if err := payload.Validate(env.Event); err != nil {
		return env.Event, payload.ClassID.String(), types.Outbound{}, err
	}
	classID := payload.ClassID.String()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		out types.Outbound
		err error
	)
	switch env.Event {
	case types.EventStartSession:
		out, err = r.handleStartSession(ctx, conn, classID)
	case types.EventJoin:
		out, err = r.handleJoin(ctx, conn, classID)
	case types.EventLeave:
		out, err = r.handleLeave(conn, classID)
	case types.EventMark:
		out, err = r.handleMark(ctx, conn, classID, payload)
	case types.EventSummary:
		out, err = r.handleSummary(ctx, conn, classID)
	case types.EventMyAttendance:
		out, err = r.handleMyAttendance(ctx, conn, classID)
	case types.EventDone:
		out, err = r.handleDone(ctx, conn, classID)
	}
	return env.Event, classID, out, err
}

// authorizeTeacher checks that the principal teaches classID.
// FUNCTIONAL DISCOVERY: Ownership is checked before session lookup so a
// teacher probing another class gets Forbidden, not NotFound
func (r *Router) authorizeTeacher(ctx context.Context, p types.Principal, classID string) error {
	if p.Role != types.RoleTeacher {
		return ErrTeacherOnly
	}
	owns, err := r.roster.IsTeacherOf(ctx, classID, p.ID)
	if err != nil {
		return fmt.Errorf("check ownership of %s: %w", classID, err)
	}
	if !owns {
		return ErrTeacherOnly
	}
	return nil
}

func (r *Router) handleStartSession(ctx context.Context, conn interfaces.Connection, classID string) (types.Outbound, error) {
	sess, err := r.sessions.OpenSession(ctx, classID, conn.Principal())
	if err != nil {
		return types.Outbound{}, err
	}
	r.metrics.SessionOpened()

	// FUNCTIONAL DISCOVERY: The session stays open when the attach fails; a
	// retried START_SESSION would only get AlreadyOpen, so the error points
	// the teacher at JOIN
	attach, err := r.sessions.Attach(ctx, classID, conn)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		r.logger.Warn("attach after open failed, retrying", "class_id", classID, "session_id", sess.SessionID, "error", err)
		attach, err = r.sessions.Attach(ctx, classID, conn)
	}
	if err != nil {
		return types.Outbound{}, fmt.Errorf("session %s is open but this connection is not attached, send JOIN to attach: %w", sess.SessionID, err)
	}
	r.announceAttach(ctx, classID, attach)

	return types.Outbound{
		Event:   types.EventStartSession,
		ClassID: classID,
		Result:  sess,
	}, nil
}

// JoinResult is the reply to JOIN.
type JoinResult struct {
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
	Teacher   bool      `json:"teacher"`
}

func (r *Router) handleJoin(ctx context.Context, conn interfaces.Connection, classID string) (types.Outbound, error) {
	attach, err := r.sessions.Attach(ctx, classID, conn)
	if err != nil {
		return types.Outbound{}, err
	}
	r.announceAttach(ctx, classID, attach)

	return types.Outbound{
		Event:   types.EventJoin,
		ClassID: classID,
		Result: JoinResult{
			SessionID: attach.Session.SessionID,
			StartedAt: attach.Session.StartedAt,
			Teacher:   attach.AsOwner,
		},
	}, nil
}

func (r *Router) handleLeave(conn interfaces.Connection, classID string) (types.Outbound, error) {
	r.sessions.DetachClass(classID, conn)
	return types.Outbound{Event: types.EventLeave, ClassID: classID}, nil
}

// announceAttach tells a displaced teacher connection it no longer controls
// classID: directly when it is local, over the bus when another instance
// holds it.
func (r *Router) announceAttach(ctx context.Context, classID string, attach session.AttachOutcome) {
	if old := attach.Replaced; old != nil {
		r.logger.Info("teacher attachment replaced", "class_id", classID, "old_connection_id", old.ID())
		r.notifier.Deliver([]interfaces.Connection{old}, types.NewDetachedMessage(classID, r.now().UTC()))
	}
	if prev := attach.Displaced; prev.Conn != "" {
		r.logger.Info("teacher attachment taken from another instance",
			"class_id", classID, "old_connection_id", prev.Conn, "old_instance", prev.Instance)
		if err := r.broadcaster.OwnerReplaced(ctx, classID, attach.Session.SessionID, prev.Conn); err != nil {
			r.logger.Warn("owner move not announced", "class_id", classID, "error", err)
		}
	}
}

func (r *Router) handleMark(ctx context.Context, conn interfaces.Connection, classID string, payload types.EventData) (types.Outbound, error) {
	principal := conn.Principal()
	if err := r.authorizeTeacher(ctx, principal, classID); err != nil {
		return types.Outbound{}, err
	}

	studentID := payload.StudentID.String()
	var stored types.AttendanceMark

	// ARCHITECTURAL DISCOVERY: The write happens under the class lock so it is
	// ordered against DONE; a mark can never land after finalization read the set
	err := r.sessions.WithSession(ctx, classID, func(sess types.Session) error {
		if sess.OwnerID != principal.ID {
			return session.ErrNotOwner
		}
		if !r.sessions.IsAttached(classID, conn) {
			return ErrNotTeacherAttached
		}
		member, err := r.roster.IsMemberOf(ctx, classID, studentID)
		if err != nil {
			return fmt.Errorf("check roster of %s: %w", classID, err)
		}
		if !member {
			return ErrStudentNotOnRoster
		}

		stored = types.AttendanceMark{
			StudentID: studentID,
			Status:    types.Status(payload.Status),
			UpdatedAt: r.now().UTC(),
			UpdatedBy: principal.ID,
		}
		fence := types.Fence{SessionID: sess.SessionID, OwnerConn: conn.ID()}
		return r.store.UpsertMark(ctx, classID, fence, stored)
	})
	if errors.Is(err, types.ErrOwnerMoved) {
		// The owner attached elsewhere before the move reached this instance.
		r.sessions.DetachClass(classID, conn)
	}
	if err != nil {
		return types.Outbound{}, err
	}

	// FUNCTIONAL DISCOVERY: Fan-out is scheduled, never awaited; the teacher's
	// ack does not depend on how many viewers are attached
	r.broadcaster.SummaryChanged(classID)

	return types.Outbound{
		Event:   types.EventMark,
		ClassID: classID,
		Result:  stored,
	}, nil
}

func (r *Router) handleSummary(ctx context.Context, conn interfaces.Connection, classID string) (types.Outbound, error) {
	principal := conn.Principal()
	if err := r.authorizeTeacher(ctx, principal, classID); err != nil {
		return types.Outbound{}, err
	}

	sess, err := r.sessions.GetSession(ctx, classID)
	if err != nil {
		return types.Outbound{}, err
	}
	if sess.OwnerID != principal.ID {
		return types.Outbound{}, session.ErrNotOwner
	}

	summary, err := r.broadcaster.Summary(ctx, classID)
	if err != nil {
		return types.Outbound{}, err
	}
	return types.Outbound{
		Event:   types.EventSummary,
		ClassID: classID,
		Summary: &summary,
	}, nil
}

func (r *Router) handleMyAttendance(ctx context.Context, conn interfaces.Connection, classID string) (types.Outbound, error) {
	principal := conn.Principal()
	if principal.Role != types.RoleStudent {
		return types.Outbound{}, ErrStudentOnly
	}
	member, err := r.roster.IsMemberOf(ctx, classID, principal.ID)
	if err != nil {
		return types.Outbound{}, fmt.Errorf("check roster of %s: %w", classID, err)
	}
	if !member {
		return types.Outbound{}, ErrNotEnrolled
	}

	if _, err := r.sessions.GetSession(ctx, classID); err != nil {
		return types.Outbound{}, err
	}

	// FUNCTIONAL DISCOVERY: The lookup key is the authenticated principal, never
	// a client-supplied student ID, so one student cannot read another's mark
	status := types.SelfStatus{StudentID: principal.ID, Status: types.StatusUnmarked}
	mark, ok, err := r.store.GetMark(ctx, classID, principal.ID)
	if err != nil {
		return types.Outbound{}, err
	}
	if ok {
		status.Status = mark.Status
		updated := mark.UpdatedAt
		status.UpdatedAt = &updated
	}

	return types.Outbound{
		Event:   types.EventMyAttendance,
		ClassID: classID,
		Result:  status,
	}, nil
}

func (r *Router) handleDone(ctx context.Context, conn interfaces.Connection, classID string) (types.Outbound, error) {
	principal := conn.Principal()
	if err := r.authorizeTeacher(ctx, principal, classID); err != nil {
		return types.Outbound{}, err
	}

	result, err := r.sessions.CloseSession(ctx, classID, principal, r.finalize)
	if err != nil {
		return types.Outbound{}, err
	}
	r.metrics.SessionClosed(metrics.ReasonDone)
	r.AnnounceClosed(ctx, result)

	return types.Outbound{
		Event:   types.EventDone,
		ClassID: classID,
		Result:  result.Report,
	}, nil
}

// AnnounceClosed notifies this instance's detached connections directly and
// every other instance through the bus.
func (r *Router) AnnounceClosed(ctx context.Context, result session.CloseResult) {
	report := result.Report
	r.notifier.Deliver(result.Detached, types.Outbound{
		Event:   types.EventSessionEnded,
		ClassID: report.ClassID,
		Result:  &report,
		Time:    r.now().UTC(),
	})

	if err := r.broadcaster.SessionEnded(ctx, report); err != nil {
		r.logger.Warn("session end not announced to other instances",
			"class_id", report.ClassID, "session_id", report.SessionID, "error", err)
	}
}

// metricLabel bounds the event label to known kinds.
func metricLabel(event string) string {
	if types.IsInboundEvent(event) {
		return event
	}
	return "invalid"
}

// outcome classifies an error for metrics.
func outcome(err error) string {
	switch types.ErrorCode(err) {
	case types.CodeStoreUnavailable, types.CodePersistenceFailed, types.CodeInternal:
		return metrics.OutcomeFailed
	default:
		return metrics.OutcomeRejected
	}
}

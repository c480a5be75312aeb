package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// FinalizeFunc reconciles an open session to durable storage. It runs under
// the class lock; the session is closed only if it returns nil.
type FinalizeFunc func(ctx context.Context, sess types.Session) (types.FinalAttendanceMap, types.FinalReport, error)

// AttachOutcome describes a successful Attach.
type AttachOutcome struct {
	Session types.Session
	AsOwner bool

	// Replaced is the owner's previous connection, detached from this class
	// because the owner attached again from a new one.
	Replaced interfaces.Connection

	// Displaced is the previous owner connection when it lives on another
	// instance. That instance releases it once told over the bus.
	Displaced types.OwnerRef
}

// CloseResult describes a closed session.
type CloseResult struct {
	Session  types.Session
	Final    types.FinalAttendanceMap
	Report   types.FinalReport
	Detached []interfaces.Connection
}

// classLock serializes every state-changing operation of one class.
type classLock struct {
	mu   sync.Mutex
	refs int
}

// classAttachments are this instance's connections attached to one session
// incarnation of a class.
type classAttachments struct {
	sessionID string
	owner     interfaces.Connection
	viewers map[string]interfaces.Connection
}

func (a *classAttachments) all() []interfaces.Connection {
	conns := make([]interfaces.Connection, 0, len(a.viewers)+1)
	if a.owner != nil {
		conns = append(conns, a.owner)
	}
	for _, c := range a.viewers {
		conns = append(conns, c)
	}
	return conns
}

func (a *classAttachments) empty() bool {
	return a.owner == nil && len(a.viewers) == 0
}

// Registry tracks open sessions and which local connections are attached
// to them
// ARCHITECTURAL DISCOVERY: Session existence and the owning connection live
// in the shared state store; attachments are process-local because
// connection handles cannot be shared between instances
type Registry struct {
	store    interfaces.StateStore
	roster   interfaces.Roster
	instance string
	logger   *slog.Logger
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*classLock

	// TECHNICAL DISCOVERY: RWMutex optimizes for the hub's read-heavy lookups;
	// it is never held across store or roster I/O
	mu          sync.RWMutex
	attachments map[string]*classAttachments
	byConn      map[string]map[string]struct{}
}

// NewRegistry creates a registry for the instance named instanceID. A nil
// logger discards output.
func NewRegistry(store interfaces.StateStore, roster interfaces.Roster, instanceID string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		store:       store,
		roster:      roster,
		instance:    instanceID,
		logger:      logger,
		now:         time.Now,
		locks:       make(map[string]*classLock),
		attachments: make(map[string]*classAttachments),
		byConn:      make(map[string]map[string]struct{}),
	}
}

// lockClass acquires the class lock, creating it on first use. The returned
// function releases it and drops the lock once no one else holds a reference.
func (r *Registry) lockClass(classID string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[classID]
	if !ok {
		l = &classLock{}
		r.locks[classID] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, classID)
		}
		r.locksMu.Unlock()
	}
}

// notOpen maps a missing session to ErrSessionNotOpen and keeps other errors.
func notOpen(op, classID string, err error) error {
	if errors.Is(err, types.ErrNotFound) && !errors.Is(err, types.ErrSessionClosing) {
		return fmt.Errorf("%s %s: %w", op, classID, ErrSessionNotOpen)
	}
	return fmt.Errorf("%s %s: %w", op, classID, err)
}

// OpenSession starts a session for classID owned by teacher.
func (r *Registry) OpenSession(ctx context.Context, classID string, teacher types.Principal) (*types.Session, error) {
	if teacher.Role != types.RoleTeacher {
		return nil, ErrNotTeacher
	}
	owns, err := r.roster.IsTeacherOf(ctx, classID, teacher.ID)
	if err != nil {
		return nil, fmt.Errorf("check ownership of %s: %w", classID, err)
	}
	if !owns {
		return nil, ErrNotOwner
	}

	unlock := r.lockClass(classID)
	defer unlock()

	sess := types.Session{
		ClassID:   classID,
		SessionID: uuid.New().String(),
		OwnerID:   teacher.ID,
		StartedAt: r.now().UTC(),
	}
	if err := r.store.OpenSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("open session %s: %w", classID, err)
	}

	r.logger.Info("session opened", "class_id", classID, "session_id", sess.SessionID, "owner_id", teacher.ID)
	return &sess, nil
}

// Attach subscribes conn to classID's broadcasts.
// FUNCTIONAL DISCOVERY: The owner may attach from one connection at a time
// across all instances; a reconnecting owner displaces the stale connection
// instead of being refused
func (r *Registry) Attach(ctx context.Context, classID string, conn interfaces.Connection) (AttachOutcome, error) {
	unlock := r.lockClass(classID)
	defer unlock()

	sess, err := r.store.GetSession(ctx, classID)
	if err != nil {
		return AttachOutcome{}, notOpen("attach", classID, err)
	}

	principal := conn.Principal()
	asOwner := principal.ID == sess.OwnerID
	if !asOwner {
		switch principal.Role {
		case types.RoleAdmin:
		case types.RoleStudent:
			member, err := r.roster.IsMemberOf(ctx, classID, principal.ID)
			if err != nil {
				return AttachOutcome{}, fmt.Errorf("check roster of %s: %w", classID, err)
			}
			if !member {
				return AttachOutcome{}, ErrNotOnRoster
			}
		default:
			return AttachOutcome{}, ErrNotOwner
		}
	}

	outcome := AttachOutcome{Session: *sess, AsOwner: asOwner}
	if asOwner {
		claim := types.OwnerRef{Instance: r.instance, Conn: conn.ID()}
		prev, err := r.store.ClaimOwner(ctx, classID, sess.SessionID, claim)
		if err != nil {
			return AttachOutcome{}, notOpen("claim", classID, err)
		}
		outcome.Session.OwnerInstance = claim.Instance
		outcome.Session.OwnerConn = claim.Conn
		if prev.Conn != "" && prev.Conn != conn.ID() && prev.Instance != r.instance {
			outcome.Displaced = prev
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attachments[classID]
	if ok && a.sessionID != sess.SessionID {
		// Left over from an earlier session whose end was never delivered.
		for _, c := range a.all() {
			r.unindex(c.ID(), classID)
		}
		ok = false
	}
	if !ok {
		a = &classAttachments{sessionID: sess.SessionID, viewers: make(map[string]interfaces.Connection)}
		r.attachments[classID] = a
	}
	if asOwner {
		if a.owner != nil && a.owner.ID() != conn.ID() {
			outcome.Replaced = a.owner
			r.unindex(a.owner.ID(), classID)
		}
		a.owner = conn
	} else {
		a.viewers[conn.ID()] = conn
	}
	if r.byConn[conn.ID()] == nil {
		r.byConn[conn.ID()] = make(map[string]struct{})
	}
	r.byConn[conn.ID()][classID] = struct{}{}

	r.logger.Debug("connection attached",
		"class_id", classID, "connection_id", conn.ID(), "user_id", principal.ID, "owner", asOwner)
	return outcome, nil
}

// unindex removes classID from a connection's attachment set. Caller holds r.mu.
func (r *Registry) unindex(connID, classID string) {
	if classes, ok := r.byConn[connID]; ok {
		delete(classes, classID)
		if len(classes) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// removeLocked detaches connID from classID. Caller holds r.mu.
func (r *Registry) removeLocked(classID, connID string) {
	a, ok := r.attachments[classID]
	if !ok {
		return
	}
	if a.owner != nil && a.owner.ID() == connID {
		a.owner = nil
	}
	delete(a.viewers, connID)
	if a.empty() {
		delete(r.attachments, classID)
	}
	r.unindex(connID, classID)
}

// Detach removes every attachment of conn. Idempotent.
func (r *Registry) Detach(conn interfaces.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for classID := range r.byConn[conn.ID()] {
		r.removeLocked(classID, conn.ID())
	}
}

// DetachClass removes conn's attachment to one class. Idempotent.
func (r *Registry) DetachClass(classID string, conn interfaces.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(classID, conn.ID())
}

// IsAttached reports whether conn is attached to classID on this instance.
func (r *Registry) IsAttached(classID string, conn interfaces.Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byConn[conn.ID()][classID]
	return ok
}

// Attachments returns a snapshot of the local connections attached to classID.
func (r *Registry) Attachments(classID string) []interfaces.Connection {
	return r.SessionAttachments(classID, "")
}

// SessionAttachments is Attachments limited to one session incarnation. An
// empty sessionID matches any.
func (r *Registry) SessionAttachments(classID, sessionID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.attachments[classID]
	if !ok || (sessionID != "" && a.sessionID != sessionID) {
		return nil
	}
	return a.all()
}

// AttachmentCounts returns the number of local attachments per class.
func (r *Registry) AttachmentCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.attachments))
	for classID, a := range r.attachments {
		counts[classID] = len(a.viewers)
		if a.owner != nil {
			counts[classID]++
		}
	}
	return counts
}

// Release drops every local attachment of sessionID and returns the dropped
// connections. Attachments of a newer session of the class are kept.
func (r *Registry) Release(classID, sessionID string) []interfaces.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attachments[classID]
	if !ok || a.sessionID != sessionID {
		return nil
	}
	conns := a.all()
	for _, c := range conns {
		r.unindex(c.ID(), classID)
	}
	delete(r.attachments, classID)
	return conns
}

// ReleaseOwner detaches the local owner connection connID of sessionID after
// the owner attached on another instance. It returns nil if connID is not
// the local owner.
func (r *Registry) ReleaseOwner(classID, sessionID, connID string) interfaces.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attachments[classID]
	if !ok || a.sessionID != sessionID || a.owner == nil || a.owner.ID() != connID {
		return nil
	}
	owner := a.owner
	r.removeLocked(classID, connID)
	return owner
}

// WithSession runs fn under the class lock with the currently open session.
// ARCHITECTURAL DISCOVERY: Marks go through here so a mark and CloseSession on
// the same class can never interleave
func (r *Registry) WithSession(ctx context.Context, classID string, fn func(sess types.Session) error) error {
	unlock := r.lockClass(classID)
	defer unlock()

	sess, err := r.store.GetSession(ctx, classID)
	if err != nil {
		return notOpen("session", classID, err)
	}
	return fn(*sess)
}

// GetSession returns the open session for classID.
func (r *Registry) GetSession(ctx context.Context, classID string) (*types.Session, error) {
	return r.store.GetSession(ctx, classID)
}

// ListSessions returns every open session across all instances.
func (r *Registry) ListSessions(ctx context.Context) ([]types.Session, error) {
	return r.store.ListSessions(ctx)
}

// CloseSession finalizes and closes classID's session on behalf of teacher.
func (r *Registry) CloseSession(ctx context.Context, classID string, teacher types.Principal, finalize FinalizeFunc) (CloseResult, error) {
	unlock := r.lockClass(classID)
	defer unlock()

	sess, err := r.store.GetSession(ctx, classID)
	if err != nil {
		return CloseResult{}, notOpen("close", classID, err)
	}
	if sess.OwnerID != teacher.ID {
		return CloseResult{}, ErrNotOwner
	}
	return r.closeLocked(ctx, *sess, finalize)
}

// Reap closes classID's session without an owner check if it started before
// cutoff. ok is false when the session was already gone or is younger.
func (r *Registry) Reap(ctx context.Context, classID string, cutoff time.Time, finalize FinalizeFunc) (CloseResult, bool, error) {
	unlock := r.lockClass(classID)
	defer unlock()

	sess, err := r.store.GetSession(ctx, classID)
	if err != nil {
		if isNotFound(err) {
			return CloseResult{}, false, nil
		}
		return CloseResult{}, false, err
	}
	if !sess.StartedAt.Before(cutoff) {
		return CloseResult{}, false, nil
	}

	result, err := r.closeLocked(ctx, *sess, finalize)
	if err != nil {
		return CloseResult{}, false, err
	}
	return result, true, nil
}

// closeLocked runs finalize and, only on success, drops local attachments.
// Caller holds the class lock.
func (r *Registry) closeLocked(ctx context.Context, sess types.Session, finalize FinalizeFunc) (CloseResult, error) {
	final, report, err := finalize(ctx, sess)
	if err != nil {
		r.logger.Warn("session finalization failed, state retained",
			"class_id", sess.ClassID, "session_id", sess.SessionID, "error", err)
		return CloseResult{}, err
	}

	detached := r.Release(sess.ClassID, sess.SessionID)
	sort.Slice(detached, func(i, j int) bool { return detached[i].ID() < detached[j].ID() })

	r.logger.Info("session closed",
		"class_id", sess.ClassID, "session_id", sess.SessionID, "recorded", report.Recorded)
	return CloseResult{
		Session:  sess,
		Final:    final,
		Report:   report,
		Detached: detached,
	}, nil
}

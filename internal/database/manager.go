package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"

	dbconfig "rollcall/pkg/database"
	"rollcall/pkg/types"
)

// Manager is the durable store: roster lookups, principal resolution and
// finalized attendance commits backed by SQLite.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
}

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// NewManager opens the database, applies pending migrations and validates
// the resulting schema.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "." && !strings.HasPrefix(config.DatabasePath, ":memory:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	fsys, err := config.MigrationsFS()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	migrations := dbconfig.NewMigrationManager(db, fsys)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	logger.Info("database ready", "path", config.DatabasePath)
	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: Retry exactly once after RetryDelay
			err := op.operation(op.ctx, m.db)
			if err != nil && op.ctx.Err() == nil {
				m.logger.Warn("database write failed, retrying", "delay", m.config.RetryDelay, "error", err)
				select {
				case <-time.After(m.config.RetryDelay):
					err = op.operation(op.ctx, m.db)
					if err != nil {
						m.logger.Error("database write failed after retry", "error", err)
					}
				case <-op.ctx.Done():
				case <-m.shutdown:
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// CommitAttendance writes every record in one transaction
// FUNCTIONAL DISCOVERY: Upsert on (session_id, student_id) so a retried
// finalization overwrites its own earlier partial attempt instead of failing
func (m *Manager) CommitAttendance(ctx context.Context, c types.Commit) error {
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }() // TECHNICAL: Always rollback unless commit succeeds

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO attendance (session_id, class_id, student_id, status, session_time, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, student_id)
			DO UPDATE SET status = excluded.status, recorded_at = excluded.recorded_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare attendance insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		recordedAt := time.Now().UTC()
		for _, record := range c.Records {
			if _, err := stmt.ExecContext(ctx,
				c.SessionID,
				c.ClassID,
				record.StudentID,
				string(record.Status),
				c.SessionTime.UTC(),
				recordedAt,
			); err != nil {
				return fmt.Errorf("failed to insert attendance for %s: %w", record.StudentID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit attendance: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: class %s session %s: %v", types.ErrPersistenceFailed, c.ClassID, c.SessionID, err)
	}

	m.logger.Info("attendance committed",
		"class_id", c.ClassID, "session_id", c.SessionID, "records", len(c.Records))
	return nil
}

// SessionRecords returns the committed rows of one session ordered by student.
func (m *Manager) SessionRecords(ctx context.Context, sessionID string) ([]types.AttendanceRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT student_id, status FROM attendance
		WHERE session_id = ?
		ORDER BY student_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []types.AttendanceRecord
	for rows.Next() {
		var record types.AttendanceRecord
		var status string
		if err := rows.Scan(&record.StudentID, &status); err != nil {
			return nil, fmt.Errorf("failed to scan attendance row: %w", err)
		}
		record.Status = types.Status(status)
		records = append(records, record)
	}
	return records, rows.Err()
}

// LookupPrincipal resolves a token subject to its stored role.
func (m *Manager) LookupPrincipal(ctx context.Context, userID string) (types.Principal, error) {
	var role string
	err := m.db.QueryRowContext(ctx, "SELECT role FROM users WHERE id = ?", userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Principal{}, fmt.Errorf("user %s: %w", userID, types.ErrNotFound)
	}
	if err != nil {
		return types.Principal{}, fmt.Errorf("failed to query user: %w", err)
	}

	parsed, ok := types.ParseRole(role)
	if !ok {
		return types.Principal{}, fmt.Errorf("user %s has unknown role %q", userID, role)
	}
	return types.Principal{ID: userID, Role: parsed}, nil
}

// IsTeacherOf reports whether userID owns classID.
func (m *Manager) IsTeacherOf(ctx context.Context, classID, userID string) (bool, error) {
	return m.exists(ctx, "SELECT 1 FROM classes WHERE id = ? AND teacher_id = ?", classID, userID)
}

// IsMemberOf reports whether studentID is enrolled in classID.
func (m *Manager) IsMemberOf(ctx context.Context, classID, studentID string) (bool, error) {
	return m.exists(ctx, "SELECT 1 FROM class_students WHERE class_id = ? AND student_id = ?", classID, studentID)
}

// RosterSize returns the number of students enrolled in classID.
func (m *Manager) RosterSize(ctx context.Context, classID string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM class_students WHERE class_id = ?", classID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count roster: %w", err)
	}
	return count, nil
}

// RosterMembers returns the enrolled student IDs in order.
func (m *Manager) RosterMembers(ctx context.Context, classID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT student_id FROM class_students WHERE class_id = ? ORDER BY student_id", classID)
	if err != nil {
		return nil, fmt.Errorf("failed to query roster: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan roster row: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

func (m *Manager) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query roster: %w", err)
	}
	return true, nil
}

// CreateUser inserts or updates a user row. Used by seeding.
func (m *Manager) CreateUser(ctx context.Context, id, username string, role types.Role) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, username, role) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET username = excluded.username, role = excluded.role
		`, id, username, string(role))
		if err != nil {
			return fmt.Errorf("failed to upsert user %s: %w", id, err)
		}
		return nil
	})
}

// CreateClass inserts or updates a class row. Used by seeding.
func (m *Manager) CreateClass(ctx context.Context, id, name, teacherID string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO classes (id, name, teacher_id) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name, teacher_id = excluded.teacher_id
		`, id, name, teacherID)
		if err != nil {
			return fmt.Errorf("failed to upsert class %s: %w", id, err)
		}
		return nil
	})
}

// AddStudent enrolls studentID in classID. Enrolling twice is a no-op.
func (m *Manager) AddStudent(ctx context.Context, classID, studentID string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"INSERT OR IGNORE INTO class_students (class_id, student_id) VALUES (?, ?)",
			classID, studentID)
		if err != nil {
			return fmt.Errorf("failed to enroll %s in %s: %w", studentID, classID, err)
		}
		return nil
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM classes").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

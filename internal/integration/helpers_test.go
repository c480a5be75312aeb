package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"rollcall/internal/app"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/pkg/types"
)

const (
	testSecret  = "integration-secret"
	readTimeout = 3 * time.Second
)

// message is an Outbound as a client sees it.
type message struct {
	Event   string                `json:"event"`
	ClassID string                `json:"classId"`
	Result  json.RawMessage       `json:"result"`
	Summary *types.SessionSummary `json:"summary"`
	Error   *types.ErrorPayload   `json:"error"`
	Time    time.Time             `json:"timestamp"`
}

func (m message) decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(m.Result, v); err != nil {
		t.Fatalf("Failed to decode %s result %s: %v", m.Event, m.Result, err)
	}
}

func testConfig(t *testing.T, dbPath string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.DatabasePath = dbPath
	cfg.Auth.Secret = testSecret
	cfg.Log.Level = "warn"
	return cfg
}

func newDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "rollcall.db")
}

// startApp runs an instance and seeds the standard roster:
// teacher 7 teaches 10A (students 101, 102, 103); teacher 8 teaches 11B (201).
func startApp(t *testing.T, cfg *config.Config) *app.Application {
	t.Helper()
	a, err := app.NewApplication(cfg, nil)
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})

	seed(t, a)
	return a
}

func seed(t *testing.T, a *app.Application) {
	t.Helper()
	ctx := context.Background()
	db := a.Database()

	users := []struct {
		id   string
		role types.Role
	}{
		{"7", types.RoleTeacher}, {"8", types.RoleTeacher},
		{"101", types.RoleStudent}, {"102", types.RoleStudent}, {"103", types.RoleStudent},
		{"201", types.RoleStudent},
	}
	for _, u := range users {
		if err := db.CreateUser(ctx, u.id, "user-"+u.id, u.role); err != nil {
			t.Fatalf("CreateUser %s: %v", u.id, err)
		}
	}
	if err := db.CreateClass(ctx, "10A", "Grade 10 A", "7"); err != nil {
		t.Fatalf("CreateClass: %v", err)
	}
	if err := db.CreateClass(ctx, "11B", "Grade 11 B", "8"); err != nil {
		t.Fatalf("CreateClass: %v", err)
	}
	for _, s := range []string{"101", "102", "103"} {
		if err := db.AddStudent(ctx, "10A", s); err != nil {
			t.Fatalf("AddStudent: %v", err)
		}
	}
	if err := db.AddStudent(ctx, "11B", "201"); err != nil {
		t.Fatalf("AddStudent: %v", err)
	}
}

// client is a websocket peer whose frames are read by a background goroutine.
type client struct {
	t      *testing.T
	userID string
	conn   *websocket.Conn
	msgs   chan message
	once   sync.Once
}

func dial(t *testing.T, a *app.Application, userID string) *client {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), userID, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	u := url.URL{Scheme: "ws", Host: a.Addr(), Path: "/ws", RawQuery: "token=" + url.QueryEscape(token)}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("Dial as %s failed: %v", userID, err)
	}

	c := &client{t: t, userID: userID, conn: conn, msgs: make(chan message, 256)}
	go c.readLoop()
	t.Cleanup(c.close)

	greeting := c.expect(types.EventConnected)
	var info types.ConnectedInfo
	greeting.decode(t, &info)
	if info.UserID != userID {
		t.Fatalf("Greeting for %s carried user %s", userID, info.UserID)
	}
	return c
}

func (c *client) readLoop() {
	defer close(c.msgs)
	for {
		var m message
		if err := c.conn.ReadJSON(&m); err != nil {
			return
		}
		c.msgs <- m
	}
}

func (c *client) close() {
	c.once.Do(func() { _ = c.conn.Close() })
}

func (c *client) send(event string, data map[string]any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		c.t.Fatalf("%s: send %s failed: %v", c.userID, event, err)
	}
}

// expect returns the next message with the given event, skipping others.
func (c *client) expect(event string) message {
	c.t.Helper()
	deadline := time.After(readTimeout)
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				c.t.Fatalf("%s: connection closed while waiting for %s", c.userID, event)
			}
			if m.Event == event {
				return m
			}
		case <-deadline:
			c.t.Fatalf("%s: timed out waiting for %s", c.userID, event)
		}
	}
}

// expectError waits for an ERROR reply and checks its code.
func (c *client) expectError(code string) message {
	c.t.Helper()
	m := c.expect(types.EventError)
	if m.Error == nil || m.Error.Code != code {
		c.t.Fatalf("%s: expected error %s, got %+v", c.userID, code, m.Error)
	}
	return m
}

// expectSummary waits for a SUMMARY push matching want. Pushes are coalesced,
// so intermediate counts may be skipped.
func (c *client) expectSummary(want types.SessionSummary) {
	c.t.Helper()
	deadline := time.After(readTimeout)
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				c.t.Fatalf("%s: connection closed while waiting for summary %+v", c.userID, want)
			}
			if m.Event == types.EventSummaryUpdate && m.Summary != nil && *m.Summary == want {
				return
			}
		case <-deadline:
			c.t.Fatalf("%s: timed out waiting for summary %+v", c.userID, want)
		}
	}
}

// expectNothing fails if any message with event arrives within d.
func (c *client) expectNothing(event string, d time.Duration) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				return
			}
			if m.Event == event {
				c.t.Fatalf("%s: unexpected %s: %+v", c.userID, event, m)
			}
		case <-deadline:
			return
		}
	}
}

func mark(c *client, classID, studentID, status string) message {
	c.send(types.EventMark, map[string]any{"classId": classID, "studentId": studentID, "status": status})
	return c.expect(types.EventMark)
}

func startSession(c *client, classID string) types.Session {
	c.send(types.EventStartSession, map[string]any{"classId": classID})
	var sess types.Session
	c.expect(types.EventStartSession).decode(c.t, &sess)
	return sess
}

func join(c *client, classID string) {
	c.send(types.EventJoin, map[string]any{"classId": classID})
	c.expect(types.EventJoin)
}

func dialRaw(a *app.Application, userID string) (*websocket.Conn, *http.Response, error) {
	token, err := auth.IssueToken([]byte(testSecret), userID, time.Hour)
	if err != nil {
		return nil, nil, err
	}
	u := url.URL{Scheme: "ws", Host: a.Addr(), Path: "/ws", RawQuery: "token=" + url.QueryEscape(token)}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

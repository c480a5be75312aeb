package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.Event("ATTENDANCE_MARKED", OutcomeOK)
	m.Event("ATTENDANCE_MARKED", OutcomeOK)
	m.Event("DONE", OutcomeRejected)
	m.Delivery(true)
	m.Delivery(false)
	m.SessionOpened()
	m.SessionClosed(ReasonDone)
	m.AuthFailure("Unauthenticated")
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	if got := testutil.ToFloat64(m.events.WithLabelValues("ATTENDANCE_MARKED", OutcomeOK)); got != 2 {
		t.Errorf("Expected 2 ok marks, got %v", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues("DONE", OutcomeRejected)); got != 1 {
		t.Errorf("Expected 1 rejected DONE, got %v", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues(OutcomeFailed)); got != 1 {
		t.Errorf("Expected 1 failed delivery, got %v", got)
	}
	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Errorf("Expected 1 active connection, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsClosed.WithLabelValues(ReasonDone)); got != 1 {
		t.Errorf("Expected 1 closed session, got %v", got)
	}
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics

	m.Event("DONE", OutcomeOK)
	m.Delivery(false)
	m.ConnectionOpened()
	m.ObserveFinalize(time.Second)
	m.BroadcastError()

	if m.Registry() != nil {
		t.Error("Expected nil registry from nil metrics")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("Expected 404 from nil metrics handler, got %d", rec.Code)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SessionOpened()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "rollcall_sessions_opened_total 1") {
		t.Errorf("Expected sessions_opened_total in exposition, got:\n%s", body)
	}
}

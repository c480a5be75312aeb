package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// Functional Validation Tests - Identifiers

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"10A", true},
		{"student_1", true},
		{"a.b-c", true},
		{"", false},
		{strings.Repeat("x", 64), true},
		{strings.Repeat("x", 65), false},
		{"bad id", false},
		{"drop;table", false},
	}

	for _, tt := range tests {
		if got := IsValidID(tt.id); got != tt.want {
			t.Errorf("IsValidID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestFlexID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    FlexID
		wantErr bool
	}{
		{"string", `"10A"`, "10A", false},
		{"string with spaces", `" 10A "`, "10A", false},
		{"integer", `42`, "42", false},
		{"null", `null`, "", false},
		{"float rejected", `4.5`, "", true},
		{"object rejected", `{}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id FlexID
			err := json.Unmarshal([]byte(tt.input), &id)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %s", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if id != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, id)
			}
		})
	}
}

func TestEventData_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		data    EventData
		wantErr error
	}{
		{"mark ok", EventMark, EventData{ClassID: "10A", StudentID: "S1", Status: "present"}, nil},
		{"mark uppercase status", EventMark, EventData{ClassID: "10A", StudentID: "S1", Status: "ABSENT"}, nil},
		{"mark missing student", EventMark, EventData{ClassID: "10A", Status: "present"}, ErrMissingStudent},
		{"mark unmarked status", EventMark, EventData{ClassID: "10A", StudentID: "S1", Status: "unmarked"}, ErrInvalidStatus},
		{"mark late status", EventMark, EventData{ClassID: "10A", StudentID: "S1", Status: "late"}, ErrInvalidStatus},
		{"missing class", EventSummary, EventData{}, ErrMissingClassID},
		{"invalid class", EventDone, EventData{ClassID: "10 A"}, ErrInvalidID},
		{"summary ok", EventSummary, EventData{ClassID: "10A"}, nil},
		{"unknown event", "PING", EventData{ClassID: "10A"}, ErrUnknownEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.data
			err := data.Validate(tt.event)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil && !errors.Is(err, ErrBadRequest) {
				t.Errorf("Validation error should be BadRequest, got %v", err)
			}
		})
	}
}

func TestEventData_ValidateNormalizesStatus(t *testing.T) {
	data := EventData{ClassID: "10A", StudentID: "S1", Status: " Present "}
	if err := data.Validate(EventMark); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if data.Status != string(StatusPresent) {
		t.Errorf("Expected normalized status 'present', got %q", data.Status)
	}
}

// Functional Validation Tests - Error taxonomy

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrUnauthenticated, CodeUnauthenticated},
		{fmt.Errorf("open 10A: %w", ErrForbidden), CodeForbidden},
		{fmt.Errorf("attach: %w", ErrNotFound), CodeNotFound},
		{ErrAlreadyOpen, CodeAlreadyOpen},
		{ErrInvalidStatus, CodeBadRequest},
		{fmt.Errorf("commit: %w", ErrPersistenceFailed), CodePersistenceFailed},
		{fmt.Errorf("get marks: %w", ErrStoreUnavailable), CodeStoreUnavailable},
		{ErrRateLimited, CodeRateLimited},
		{errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg := NewErrorMessage("10A", fmt.Errorf("mark: %w", ErrForbidden))

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["event"] != EventError {
		t.Errorf("Expected event ERROR, got %v", decoded["event"])
	}
	body, ok := decoded["error"].(map[string]any)
	if !ok {
		t.Fatalf("Expected error object, got %v", decoded["error"])
	}
	if body["code"] != CodeForbidden {
		t.Errorf("Expected code Forbidden, got %v", body["code"])
	}
	if _, has := decoded["result"]; has {
		t.Error("Error message should not carry a result")
	}
}

// Functional Validation Tests - Summaries

func TestSummarize(t *testing.T) {
	now := time.Now()
	marks := map[string]AttendanceMark{
		"S1": {StudentID: "S1", Status: StatusPresent, UpdatedAt: now},
		"S2": {StudentID: "S2", Status: StatusAbsent, UpdatedAt: now},
		"S4": {StudentID: "S4", Status: StatusPresent, UpdatedAt: now},
	}

	got := Summarize(marks, 5)
	want := SessionSummary{PresentCount: 2, AbsentCount: 1, TotalMarked: 3, TotalRoster: 5}
	if got != want {
		t.Errorf("Summarize() = %+v, want %+v", got, want)
	}

	empty := Summarize(nil, 3)
	if empty != (SessionSummary{TotalRoster: 3}) {
		t.Errorf("Empty summary = %+v", empty)
	}
}

func TestParseRoleAndStatus(t *testing.T) {
	if role, ok := ParseRole("TEACHER"); !ok || role != RoleTeacher {
		t.Errorf("ParseRole(TEACHER) = %v, %v", role, ok)
	}
	if _, ok := ParseRole("principal"); ok {
		t.Error("Unknown role should not parse")
	}
	if _, ok := ParseStatus("unmarked"); ok {
		t.Error("unmarked must never be accepted as a mark")
	}
}

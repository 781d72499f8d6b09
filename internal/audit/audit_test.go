package audit

import (
	"testing"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
)

func testLogger(t *testing.T) *Logger {
	t.Helper()
	cfg := config.Default()
	cfg.Audit.Dir = t.TempDir()
	return NewLogger(cfg)
}

func TestLogger_LogAndEvents(t *testing.T) {
	logger := testLogger(t)

	// Log some events
	now := time.Now().Truncate(time.Millisecond)

	events := []Event{
		{Timestamp: now, Type: EventProvision, Namespace: "forage-project-p1", Details: "kind=docker"},
		{Timestamp: now.Add(time.Second), Type: EventReady, Namespace: "forage-project-p1"},
		{Timestamp: now.Add(2 * time.Second), Type: EventHealth, Namespace: "forage-project-p1", Details: "healthy"},
		{Timestamp: now.Add(3 * time.Second), Type: EventTeardown, Namespace: "forage-project-p1"},
	}

	for _, e := range events {
		if err := logger.Log(e); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	// Read them back
	result, err := logger.Events("forage-project-p1")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}

	if len(result) != len(events) {
		t.Fatalf("got %d events, want %d", len(result), len(events))
	}

	for i, e := range result {
		if e.Type != events[i].Type {
			t.Errorf("event %d: type = %q, want %q", i, e.Type, events[i].Type)
		}
		if e.Namespace != events[i].Namespace {
			t.Errorf("event %d: namespace = %q, want %q", i, e.Namespace, events[i].Namespace)
		}
		if e.Details != events[i].Details {
			t.Errorf("event %d: details = %q, want %q", i, e.Details, events[i].Details)
		}
	}
}

func TestLogger_EventsEmpty(t *testing.T) {
	logger := testLogger(t)

	result, err := logger.Events("nonexistent")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}

	if len(result) != 0 {
		t.Errorf("got %d events, want 0", len(result))
	}
}

func TestLogger_LogEvent(t *testing.T) {
	logger := testLogger(t)

	if err := logger.LogEvent(EventProvision, "forage-project-p2", "project:p2", "kind=docker"); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	events, err := logger.Events("forage-project-p2")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	e := events[0]
	if e.Type != EventProvision {
		t.Errorf("type = %q, want %q", e.Type, EventProvision)
	}
	if e.Namespace != "forage-project-p2" {
		t.Errorf("namespace = %q, want %q", e.Namespace, "forage-project-p2")
	}
	if e.Owner != "project:p2" {
		t.Errorf("owner = %q, want %q", e.Owner, "project:p2")
	}
	if e.Details != "kind=docker" {
		t.Errorf("details = %q, want %q", e.Details, "kind=docker")
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp should be set automatically")
	}
}

func TestLogger_Remove(t *testing.T) {
	logger := testLogger(t)

	logger.LogEvent(EventProvision, "removable", "", "")

	if err := logger.Remove("removable"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	events, err := logger.Events("removable")
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events after remove, want 0", len(events))
	}
}

func TestLogger_RemoveNonexistent(t *testing.T) {
	logger := testLogger(t)

	// Should not error
	if err := logger.Remove("nonexistent"); err != nil {
		t.Errorf("Remove should not error for nonexistent: %v", err)
	}
}

func TestLogger_EventOrder(t *testing.T) {
	logger := testLogger(t)

	base := time.Now()
	for i := 0; i < 5; i++ {
		logger.Log(Event{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Type:      EventExec,
			Namespace:   "order-test",
			Details:   string(rune('A' + i)),
		})
	}

	events, _ := logger.Events("order-test")
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}

	// Events should be in chronological order (append-only)
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Errorf("event %d timestamp before event %d", i, i-1)
		}
	}
}

func TestLogger_Disabled(t *testing.T) {
	logger := NewLogger(config.Default())

	if logger.Enabled() {
		t.Fatal("logger without a directory should be disabled")
	}
	if err := logger.LogEvent(EventProvision, "forage-project-p1", "", ""); err != nil {
		t.Errorf("LogEvent on disabled logger: %v", err)
	}
	events, err := logger.Events("forage-project-p1")
	if err != nil || len(events) != 0 {
		t.Errorf("Events() = %v, %v; want nothing", events, err)
	}

	var nilLogger *Logger
	if err := nilLogger.LogEvent(EventError, "forage-project-p1", "", ""); err != nil {
		t.Errorf("LogEvent on nil logger: %v", err)
	}
}

func TestLogger_RejectsTraversal(t *testing.T) {
	logger := testLogger(t)

	if err := logger.LogEvent(EventExec, "../escape", "", ""); err == nil {
		t.Error("LogEvent should reject a namespace with path separators")
	}
}

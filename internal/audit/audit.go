// Package audit provides structured event logging for workspace lifecycle events.
// Events are stored as JSON Lines (JSONL) files, one per namespace.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
)

// EventType classifies a lifecycle event.
type EventType string

const (
	EventProvision EventType = "provision"
	EventReady     EventType = "ready"
	EventDegraded  EventType = "degraded"
	EventRecover   EventType = "recover"
	EventTeardown  EventType = "teardown"
	EventRelease   EventType = "release_data"
	EventExec      EventType = "exec"
	EventSession   EventType = "session"
	EventHealth    EventType = "health"
	EventError     EventType = "error"
)

// Event represents a single audit log entry.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Namespace string    `json:"namespace"`
	Owner     string    `json:"owner,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Logger writes and reads audit events for workspaces.
// Events are stored in {dir}/{namespace}.events.jsonl. A Logger without a
// directory discards events.
type Logger struct {
	cfg *config.Config
	mu  sync.Mutex
}

// NewLogger creates a new audit logger for the configured directory.
func NewLogger(cfg *config.Config) *Logger {
	return &Logger{cfg: cfg}
}

// Enabled reports whether events are persisted.
func (l *Logger) Enabled() bool {
	return l != nil && l.cfg != nil && l.cfg.Audit.Dir != ""
}

// Log appends an event to the namespace's audit log.
func (l *Logger) Log(event Event) error {
	if !l.Enabled() {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	path, err := l.cfg.AuditPath(event.Namespace)
	if err != nil {
		return fmt.Errorf("invalid audit namespace: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create audit log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}

// LogEvent is a convenience method that creates and logs an event.
func (l *Logger) LogEvent(eventType EventType, namespace, owner, details string) error {
	return l.Log(Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Namespace: namespace,
		Owner:     owner,
		Details:   details,
	})
}

// Events reads all events for a namespace in chronological order.
func (l *Logger) Events(namespace string) ([]Event, error) {
	if !l.Enabled() {
		return nil, nil
	}
	path, err := l.cfg.AuditPath(namespace)
	if err != nil {
		return nil, fmt.Errorf("invalid audit namespace: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue // Skip malformed lines
		}
		events = append(events, event)
	}

	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("error reading audit log: %w", err)
	}

	return events, nil
}

// Remove deletes the audit log for a namespace.
func (l *Logger) Remove(namespace string) error {
	if !l.Enabled() {
		return nil
	}
	path, err := l.cfg.AuditPath(namespace)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

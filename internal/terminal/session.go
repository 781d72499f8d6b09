package terminal

import (
	"sync"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// State is a terminal session state.
type State string

const (
	StateConnecting State = "connecting"
	StateAttached   State = "attached"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// Session is one client connection to a shell in a workspace.
type Session struct {
	ID    string
	Owner workspace.Owner

	mu           sync.Mutex
	state        State
	namespace    string
	workspaceID  string
	transport    string
	lastActivity time.Time
	now          func() time.Time
}

// Info is a snapshot of a session.
type Info struct {
	ID           string          `json:"id"`
	Owner        workspace.Owner `json:"owner"`
	WorkspaceID  string          `json:"workspace_id,omitempty"`
	Namespace    string          `json:"namespace,omitempty"`
	Transport    string          `json:"transport,omitempty"`
	State        State           `json:"state"`
	LastActivity time.Time       `json:"last_activity"`
}

func newSession(id string, owner workspace.Owner, now func() time.Time) *Session {
	return &Session{
		ID:           id,
		Owner:        owner,
		state:        StateConnecting,
		lastActivity: now(),
		now:          now,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// failed is sticky until the session is closed.
	if s.state == StateFailed && st != StateClosed {
		return
	}
	s.state = st
}

func (s *Session) attach(ws *workspace.Workspace, transport string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaceID = ws.ID
	s.namespace = ws.Namespace
	s.transport = transport
	s.state = StateAttached
	s.lastActivity = s.now()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Idle returns how long the session has seen no traffic.
func (s *Session) Idle() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastActivity)
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Owner:        s.Owner,
		WorkspaceID:  s.workspaceID,
		Namespace:    s.namespace,
		Transport:    s.transport,
		State:        s.state,
		LastActivity: s.lastActivity,
	}
}

package workspace

import (
	"fmt"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
)

// State is a workspace lifecycle state.
type State string

const (
	StatePending      State = "pending"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateDegraded     State = "degraded"
	StateDeleting     State = "deleting"
	StateDeleted      State = "deleted"
)

// States lists every lifecycle state in order.
var States = []State{StatePending, StateProvisioning, StateRunning, StateDegraded, StateDeleting, StateDeleted}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown workspace state %q", s)
}

var transitions = map[State][]State{
	StatePending:      {StateProvisioning, StateDeleting, StateDeleted},
	StateProvisioning: {StateProvisioning, StateRunning, StateDegraded, StateDeleting},
	StateRunning:      {StateRunning, StateProvisioning, StateDegraded, StateDeleting},
	StateDegraded:     {StateDegraded, StateProvisioning, StateRunning, StateDeleting},
	StateDeleting:     {StateDeleting, StateDeleted},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns InvalidTransition for an illegal step.
func CheckTransition(from, to State) error {
	if !CanTransition(from, to) {
		return errors.InvalidTransition(string(from), string(to))
	}
	return nil
}

// ClearsConnection reports whether entering the state invalidates the stored
// connection descriptor.
func ClearsConnection(to State) bool {
	switch to {
	case StateProvisioning, StateDeleting, StateDeleted:
		return true
	}
	return false
}

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// Prober observes a workspace and reconciles its recorded state with what
// the backend reports. sandbox.Provisioner implements it.
type Prober interface {
	Probe(ctx context.Context, ws *workspace.Workspace) (*workspace.Workspace, *runtime.ProbeResult, error)
}

// Status represents the health status of a workspace
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusStarting  Status = "starting"
	StatusUnhealthy Status = "unhealthy"
	StatusStopped   Status = "stopped"
	StatusUnknown   Status = "unknown"
)

// CheckResult contains the results of a health check
type CheckResult struct {
	Namespace string
	State     workspace.State
	Status    Status
	Phase     string
	Message   string
	Restarts  int
	Age       string
	Err       error
}

// Summarize derives a Status from a record and an optional probe.
func Summarize(ws *workspace.Workspace, probe *runtime.ProbeResult) Status {
	switch ws.State {
	case workspace.StateDeleting, workspace.StateDeleted:
		return StatusStopped
	case workspace.StatePending, workspace.StateProvisioning:
		return StatusStarting
	}
	if probe == nil {
		return StatusUnknown
	}
	switch {
	case probe.Ready:
		return StatusHealthy
	case probe.Phase == "Missing":
		return StatusStopped
	default:
		return StatusUnhealthy
	}
}

// Check probes ws through p. Probe failures are reported in the result, not
// returned, so a caller looping over many workspaces keeps going.
func Check(ctx context.Context, p Prober, ws *workspace.Workspace) *CheckResult {
	result := &CheckResult{
		Namespace: ws.Namespace,
		State:     ws.State,
		Age:       Age(ws.CreatedAt, time.Now()),
	}

	updated, probe, err := p.Probe(ctx, ws)
	if updated != nil {
		result.State = updated.State
		ws = updated
	}
	if err != nil {
		result.Err = err
		result.Status = StatusUnknown
		return result
	}

	result.Status = Summarize(ws, probe)
	result.Phase = probe.Phase
	result.Message = probe.Message
	result.Restarts = probe.Restarts
	return result
}

// Age returns the time elapsed since t in short human-readable form.
func Age(t, now time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	return formatDuration(d)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// Package monitor provides background health monitoring for workspaces.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/audit"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/health"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/registry"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// Provisioner probes workspaces and brings them back up.
type Provisioner interface {
	health.Prober
	EnsureRunning(ctx context.Context, ws *workspace.Workspace) (*workspace.Workspace, error)
}

// Monitor periodically checks the health of running and degraded workspaces.
type Monitor struct {
	interval    time.Duration
	reg         *registry.Registry
	prov        Provisioner
	autoRecover bool
	auditLog    *audit.Logger

	mu   sync.Mutex
	last map[string]health.Status
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithAutoRecover enables reprovisioning of degraded workspaces.
func WithAutoRecover(enabled bool) Option {
	return func(m *Monitor) {
		m.autoRecover = enabled
	}
}

// WithAuditLogger sets the audit logger for recording health events.
func WithAuditLogger(logger *audit.Logger) Option {
	return func(m *Monitor) {
		m.auditLog = logger
	}
}

// New creates a new Monitor.
func New(interval time.Duration, reg *registry.Registry, prov Provisioner, opts ...Option) *Monitor {
	m := &Monitor{
		interval: interval,
		reg:      reg,
		prov:     prov,
		last:     make(map[string]health.Status),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the monitoring loop. It blocks until the context is cancelled.
// A zero interval disables monitoring.
func (m *Monitor) Run(ctx context.Context) error {
	if m.interval <= 0 {
		logging.Debug("health monitor disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	logging.Debug("starting health monitor", "interval", m.interval, "autoRecover", m.autoRecover)

	// Run an immediate check, then loop on interval.
	m.CheckAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Debug("health monitor stopping")
			return ctx.Err()
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every running or degraded workspace once.
func (m *Monitor) CheckAll(ctx context.Context) []*health.CheckResult {
	list, err := m.reg.List(ctx, registry.Filter{
		States: []workspace.State{workspace.StateRunning, workspace.StateDegraded},
	})
	if err != nil {
		logging.Warn("monitor failed to list workspaces", "error", err)
		return nil
	}

	var results []*health.CheckResult
	for _, ws := range list {
		if ctx.Err() != nil {
			break
		}

		result := health.Check(ctx, m.prov, ws)
		results = append(results, result)
		if result.Err != nil {
			logging.Warn("probe failed", "namespace", ws.Namespace, "error", result.Err)
		}
		m.recordChange(ws, result)

		if m.autoRecover && result.State == workspace.StateDegraded {
			m.recover(ctx, ws)
		}
	}

	return results
}

// recordChange writes a health event when a workspace's status differs
// from the previous check.
func (m *Monitor) recordChange(ws *workspace.Workspace, result *health.CheckResult) {
	m.mu.Lock()
	prev, seen := m.last[ws.Namespace]
	m.last[ws.Namespace] = result.Status
	m.mu.Unlock()

	if seen && prev == result.Status {
		return
	}
	details := string(result.Status)
	if result.Phase != "" {
		details += " (" + result.Phase + ")"
	}
	if err := m.auditLog.LogEvent(audit.EventHealth, ws.Namespace, ws.Owner.Key(), details); err != nil {
		logging.Warn("audit log write failed", "namespace", ws.Namespace, "error", err)
	}
}

func (m *Monitor) recover(ctx context.Context, ws *workspace.Workspace) {
	logging.Info("auto-recovering workspace", "namespace", ws.Namespace)
	if _, err := m.prov.EnsureRunning(ctx, ws); err != nil {
		logging.Warn("auto-recover failed", "namespace", ws.Namespace, "error", err)
		_ = m.auditLog.LogEvent(audit.EventError, ws.Namespace, ws.Owner.Key(), "auto-recover failed: "+err.Error())
	}
}

package monitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/audit"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/health"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/registry"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/sandbox"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

type fixture struct {
	reg     *registry.Registry
	backend *runtime.MockBackend
	prov    *sandbox.Provisioner
	audit   *audit.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := registry.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.Audit.Dir = t.TempDir()
	reg := registry.New(db)
	backend := runtime.NewMockBackend(workspace.KindDocker, t.TempDir(), cfg.Workspace.Root)
	prov := sandbox.New(reg, runtime.NewSet(backend), cfg,
		sandbox.WithRetryPolicy(sandbox.RetryPolicy{Attempts: 1}),
		sandbox.WithReadyTimeout(time.Second),
	)
	return &fixture{reg: reg, backend: backend, prov: prov, audit: audit.NewLogger(cfg)}
}

func (f *fixture) running(t *testing.T, project string) *workspace.Workspace {
	t.Helper()
	ctx := context.Background()
	ws, err := f.reg.ResolveOrCreate(ctx, workspace.ProjectOwner(project), workspace.KindDocker, "")
	if err != nil {
		t.Fatalf("ResolveOrCreate() error: %v", err)
	}
	ws, err = f.prov.EnsureRunning(ctx, ws)
	if err != nil {
		t.Fatalf("EnsureRunning() error: %v", err)
	}
	return ws
}

func TestMonitor_New(t *testing.T) {
	f := newFixture(t)

	m := New(30*time.Second, f.reg, f.prov)
	if m.interval != 30*time.Second {
		t.Errorf("interval = %v, want %v", m.interval, 30*time.Second)
	}
	if m.autoRecover {
		t.Error("autoRecover should default to false")
	}
	if m.auditLog != nil {
		t.Error("auditLog should default to nil")
	}
}

func TestMonitor_Options(t *testing.T) {
	f := newFixture(t)

	m := New(60*time.Second, f.reg, f.prov,
		WithAutoRecover(true),
		WithAuditLogger(f.audit),
	)

	if !m.autoRecover {
		t.Error("autoRecover should be true")
	}
	if m.auditLog == nil {
		t.Error("auditLog should be set")
	}
}

func TestMonitor_CheckAllEmpty(t *testing.T) {
	f := newFixture(t)
	m := New(time.Second, f.reg, f.prov)

	results := m.CheckAll(context.Background())
	if len(results) != 0 {
		t.Errorf("got %d results, want 0 for an empty registry", len(results))
	}
}

func TestMonitor_CheckAllSkipsPending(t *testing.T) {
	f := newFixture(t)
	if _, err := f.reg.ResolveOrCreate(context.Background(), workspace.ProjectOwner("idle"), workspace.KindDocker, ""); err != nil {
		t.Fatalf("ResolveOrCreate() error: %v", err)
	}
	f.running(t, "busy")

	results := New(time.Second, f.reg, f.prov).CheckAll(context.Background())
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Namespace != "forage-project-busy" {
		t.Errorf("Namespace = %q, want %q", results[0].Namespace, "forage-project-busy")
	}
}

func TestMonitor_CheckAllLogsChanges(t *testing.T) {
	f := newFixture(t)
	ws := f.running(t, "42")
	m := New(time.Second, f.reg, f.prov, WithAuditLogger(f.audit))
	ctx := context.Background()

	results := m.CheckAll(ctx)
	if len(results) != 1 || results[0].Status != health.StatusHealthy {
		t.Fatalf("results = %+v, want one healthy", results)
	}
	m.CheckAll(ctx)

	f.backend.SetNotReady(ws.Namespace, true)
	results = m.CheckAll(ctx)
	if results[0].Status != health.StatusUnhealthy {
		t.Errorf("Status = %q, want %q", results[0].Status, health.StatusUnhealthy)
	}

	events, err := f.audit.Events(ws.Namespace)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	var healthEvents []audit.Event
	for _, e := range events {
		if e.Type == audit.EventHealth {
			healthEvents = append(healthEvents, e)
		}
	}
	if len(healthEvents) != 2 {
		t.Fatalf("got %d health events, want 2 (one per status change)", len(healthEvents))
	}
	if healthEvents[0].Details != "healthy (Running)" {
		t.Errorf("first event details = %q, want %q", healthEvents[0].Details, "healthy (Running)")
	}
}

func TestMonitor_AutoRecover(t *testing.T) {
	f := newFixture(t)
	ws := f.running(t, "42")
	f.backend.Stop(ws.Namespace)

	m := New(time.Second, f.reg, f.prov, WithAutoRecover(true))
	results := m.CheckAll(context.Background())
	if len(results) != 1 || results[0].State != workspace.StateDegraded {
		t.Fatalf("results = %+v, want one degraded", results)
	}

	got, err := f.reg.Get(context.Background(), ws.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.State != workspace.StateRunning {
		t.Errorf("State = %q, want running after auto-recover", got.State)
	}
	if n := len(f.backend.GetCallsFor("Apply")); n != 2 {
		t.Errorf("Apply calls = %d, want 2", n)
	}
}

func TestMonitor_RunCancellation(t *testing.T) {
	f := newFixture(t)
	m := New(100*time.Millisecond, f.reg, f.prov)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	// Let it run briefly then cancel
	time.Sleep(250 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after context cancellation")
	}
}

func TestMonitor_ZeroIntervalDisabled(t *testing.T) {
	f := newFixture(t)
	f.running(t, "42")
	m := New(0, f.reg, f.prov)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx); err != context.DeadlineExceeded {
		t.Errorf("Run() error = %v, want context.DeadlineExceeded", err)
	}
	if n := len(f.backend.GetCallsFor("Probe")); n != 0 {
		t.Errorf("Probe calls = %d, want 0 when disabled", n)
	}
}

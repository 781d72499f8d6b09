package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/audit"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/registry"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

type testEnv struct {
	cfg     *config.Config
	reg     *registry.Registry
	backend *runtime.MockBackend
	audit   *audit.Logger
	prov    *Provisioner
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	db, err := registry.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.Audit.Dir = filepath.Join(t.TempDir(), "audit")

	env := &testEnv{
		cfg:     cfg,
		reg:     registry.New(db),
		backend: runtime.NewMockBackend(workspace.KindDocker, t.TempDir(), cfg.Workspace.Root),
		audit:   audit.NewLogger(cfg),
	}
	opts = append([]Option{
		WithRetryPolicy(fastRetry(3)),
		WithReadyTimeout(time.Second),
		WithAuditLogger(env.audit),
	}, opts...)
	env.prov = New(env.reg, runtime.NewSet(env.backend), cfg, opts...)
	return env
}

func (e *testEnv) create(t *testing.T, project string) *workspace.Workspace {
	t.Helper()
	ws, err := e.reg.ResolveOrCreate(context.Background(), workspace.ProjectOwner(project), workspace.KindDocker, "")
	if err != nil {
		t.Fatalf("ResolveOrCreate() error: %v", err)
	}
	return ws
}

func (e *testEnv) state(t *testing.T, id string) workspace.State {
	t.Helper()
	ws, err := e.reg.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	return ws.State
}

func eventTypes(t *testing.T, l *audit.Logger, ns string) []audit.EventType {
	t.Helper()
	events, err := l.Events(ns)
	if err != nil {
		t.Fatalf("Events() error: %v", err)
	}
	types := make([]audit.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestEnsureRunning_ProvisionsPending(t *testing.T) {
	env := newTestEnv(t)
	ws := env.create(t, "42")

	got, err := env.prov.EnsureRunning(context.Background(), ws)
	if err != nil {
		t.Fatalf("EnsureRunning() error: %v", err)
	}

	if got.State != workspace.StateRunning {
		t.Errorf("State = %q, want %q", got.State, workspace.StateRunning)
	}
	if _, ok := got.Access(); !ok {
		t.Error("running workspace should have a connection descriptor")
	}
	if got.Exposure.AccessURL != "http://127.0.0.1:30000" {
		t.Errorf("AccessURL = %q, want %q", got.Exposure.AccessURL, "http://127.0.0.1:30000")
	}

	spec := env.backend.Specs[ws.Namespace]
	if spec.Image != env.cfg.Workspace.Image {
		t.Errorf("Image = %q, want default %q", spec.Image, env.cfg.Workspace.Image)
	}
	if spec.Env["FORAGE_OWNER"] != "project:42" {
		t.Errorf("FORAGE_OWNER = %q, want %q", spec.Env["FORAGE_OWNER"], "project:42")
	}

	types := eventTypes(t, env.audit, ws.Namespace)
	want := []audit.EventType{audit.EventProvision, audit.EventReady}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", types, want)
	}
}

func TestEnsureRunning_RequestedImage(t *testing.T) {
	env := newTestEnv(t)
	ws, err := env.reg.ResolveOrCreate(context.Background(), workspace.ProjectOwner("img"), workspace.KindDocker, "node:22")
	if err != nil {
		t.Fatalf("ResolveOrCreate() error: %v", err)
	}

	if _, err := env.prov.EnsureRunning(context.Background(), ws); err != nil {
		t.Fatalf("EnsureRunning() error: %v", err)
	}
	if got := env.backend.Specs[ws.Namespace].Image; got != "node:22" {
		t.Errorf("Image = %q, want %q", got, "node:22")
	}
}

func TestEnsureRunning_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ws := env.create(t, "42")
	ctx := context.Background()

	first, err := env.prov.EnsureRunning(ctx, ws)
	if err != nil {
		t.Fatalf("first EnsureRunning() error: %v", err)
	}
	second, err := env.prov.EnsureRunning(ctx, first)
	if err != nil {
		t.Fatalf("second EnsureRunning() error: %v", err)
	}

	if n := len(env.backend.GetCallsFor("Apply")); n != 1 {
		t.Errorf("Apply calls = %d, want 1", n)
	}
	if second.Namespace != first.Namespace || second.ID != first.ID {
		t.Errorf("second call returned %s/%s, want %s/%s", second.ID, second.Namespace, first.ID, first.Namespace)
	}
	if second.Exposure.AccessURL != first.Exposure.AccessURL {
		t.Errorf("AccessURL changed: %q -> %q", first.Exposure.AccessURL, second.Exposure.AccessURL)
	}
}

func TestEnsureRunning_ReprovisionsCrashedUnit(t *testing.T) {
	env := newTestEnv(t)
	ws := env.create(t, "42")
	ctx := context.Background()

	ws, err := env.prov.EnsureRunning(ctx, ws)
	if err != nil {
		t.Fatalf("EnsureRunning() error: %v", err)
	}
	env.backend.Stop(ws.Namespace)

	ws, err = env.prov.EnsureRunning(ctx, ws)
	if err != nil {
		t.Fatalf("EnsureRunning() after crash error: %v", err)
	}
	if ws.State != workspace.StateRunning {
		t.Errorf("State = %q, want running", ws.State)
	}
	if n := len(env.backend.GetCallsFor("Apply")); n != 2 {
		t.Errorf("Apply calls = %d, want 2", n)
	}
}

func TestEnsureRunning_ConcurrentCallersShareRun(t *testing.T) {
	env := newTestEnv(t)
	ws := env.create(t, "42")

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := env.prov.EnsureRunning(context.Background(), ws)
			if err == nil && got.State != workspace.StateRunning {
				err = fmt.Errorf("state %s", got.State)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureRunning() error: %v", err)
		}
	}
	if n := len(env.backend.GetCallsFor("Apply")); n != 1 {
		t.Errorf("Apply calls = %d, want 1", n)
	}
}

func TestEnsureRunning_RetriesTransientFailures(t *testing.T) {
	env := newTestEnv(t)
	ws := env.create(t, "42")
	env.backend.SetTransient("Apply", 2)

	got, err := env.prov.EnsureRunning(context.Background(), ws)
	if err != nil {
		t.Fatalf("EnsureRunning() error: %v", err)
	}
	if got.State != workspace.StateRunning {
		t.Errorf("State = %q, want running", got.State)
	}
	if n := len(env.backend.GetCallsFor("Apply")); n != 3 {
		t.Errorf("Apply calls = %d, want 3", n)
	}
}

func TestEnsureRunning_Failures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(env *testEnv, ns string)
		opts      []Option
		wantKind  errors.Kind
		wantApply int
	}{
		{
			name:      "retries exhausted",
			setup:     func(env *testEnv, ns string) { env.backend.SetTransient("Apply", 10) },
			wantKind:  errors.KindProvisionUnavailable,
			wantApply: 3,
		},
		{
			name: "quota is not retried",
			setup: func(env *testEnv, ns string) {
				env.backend.SetError("Apply", errors.ProvisionQuotaExceeded(ns, fmt.Errorf("exceeded quota: pods=10")))
			},
			wantKind:  errors.KindProvisionQuotaExceeded,
			wantApply: 1,
		},
		{
			name:      "never ready",
			setup:     func(env *testEnv, ns string) { env.backend.SetNotReady(ns, true) },
			opts:      []Option{WithReadyTimeout(20 * time.Millisecond)},
			wantKind:  errors.KindProvisionTimeout,
			wantApply: 1,
		},
		{
			name:      "unclassified backend error",
			setup:     func(env *testEnv, ns string) { env.backend.SetError("ResolveAccess", fmt.Errorf("no ports")) },
			wantKind:  errors.KindInternal,
			wantApply: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.opts...)
			ws := env.create(t, "42")
			tt.setup(env, ws.Namespace)

			got, err := env.prov.EnsureRunning(context.Background(), ws)
			if err == nil {
				t.Fatal("EnsureRunning() should have failed")
			}
			if kind := errors.KindOf(err); kind != tt.wantKind {
				t.Errorf("error kind = %s, want %s (%v)", kind, tt.wantKind, err)
			}
			if got == nil || got.State != workspace.StateDegraded {
				t.Errorf("returned record = %+v, want degraded", got)
			}
			if s := env.state(t, ws.ID); s != workspace.StateDegraded {
				t.Errorf("stored state = %q, want degraded", s)
			}
			if n := len(env.backend.GetCallsFor("Apply")); n != tt.wantApply {
				t.Errorf("Apply calls = %d, want %d", n, tt.wantApply)
			}
		})
	}
}

func TestEnsureRunning_DegradedCanRetry(t *testing.T) {
	env := newTestEnv(t, WithReadyTimeout(20*time.Millisecond))
	ws := env.create(t, "42")
	env.backend.SetNotReady(ws.Namespace, true)

	if _, err := env.prov.EnsureRunning(context.Background(), ws); err == nil {
		t.Fatal("EnsureRunning() should time out")
	}

	env.backend.SetNotReady(ws.Namespace, false)
	got, err := env.prov.EnsureRunning(context.Background(), ws)
	if err != nil {
		t.Fatalf("EnsureRunning() retry error: %v", err)
	}
	if got.State != workspace.StateRunning {
		t.Errorf("State = %q, want running", got.State)
	}
}

func TestEnsureRunning_CancelLeavesRecord(t *testing.T) {
	env := newTestEnv(t, WithReadyTimeout(time.Minute))
	ws := env.create(t, "42")
	env.backend.SetNotReady(ws.Namespace, true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := env.prov.EnsureRunning(ctx, ws)
	if err != context.DeadlineExceeded {
		t.Errorf("EnsureRunning() = %v, want context.DeadlineExceeded", err)
	}
	if s := env.state(t, ws.ID); s != workspace.StateProvisioning {
		t.Errorf("stored state = %q, want provisioning", s)
	}
}

func TestEnsureRunning_DeletedWorkspace(t *testing.T) {
	env := newTestEnv(t)
	ws := env.create(t, "42")
	if _, err := env.reg.Delete(context.Background(), ws.ID, false); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	_, err := env.prov.EnsureRunning(context.Background(), ws)
	if !errors.HasKind(err, errors.KindInvalidTransition) {
		t.Errorf("EnsureRunning() = %v, want InvalidTransition", err)
	}
}

func TestEnsureRunning_DisabledKind(t *testing.T) {
	env := newTestEnv(t)
	ws, err := env.reg.ResolveOrCreate(context.Background(), workspace.ProjectOwner("k8s"), workspace.KindKubernetes, "")
	if err != nil {
		t.Fatalf("ResolveOrCreate() error: %v", err)
	}

	_, err = env.prov.EnsureRunning(context.Background(), ws)
	if !errors.HasKind(err, errors.KindInvalidArgument) {
		t.Errorf("EnsureRunning() = %v, want InvalidArgument", err)
	}
	if s := env.state(t, ws.ID); s != workspace.StatePending {
		t.Errorf("stored state = %q, want pending", s)
	}
}

func TestProbe_DegradesAndRecovers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws, err := env.prov.EnsureRunning(ctx, env.create(t, "42"))
	if err != nil {
		t.Fatalf("EnsureRunning() error: %v", err)
	}

	env.backend.SetNotReady(ws.Namespace, true)
	ws, probe, err := env.prov.Probe(ctx, ws)
	if err != nil {
		t.Fatalf("Probe() error: %v", err)
	}
	if probe.Ready {
		t.Error("probe should report not ready")
	}
	if ws.State != workspace.StateDegraded {
		t.Errorf("State = %q, want degraded", ws.State)
	}
	if _, ok := ws.Access(); ok {
		t.Error("degraded workspace should not expose a connection descriptor")
	}

	env.backend.SetNotReady(ws.Namespace, false)
	ws, probe, err = env.prov.Probe(ctx, ws)
	if err != nil {
		t.Fatalf("Probe() error: %v", err)
	}
	if !probe.Ready || ws.State != workspace.StateRunning {
		t.Errorf("after recovery: ready=%v state=%q, want ready running", probe.Ready, ws.State)
	}
	if _, ok := ws.Access(); !ok {
		t.Error("recovered workspace should have a connection descriptor")
	}

	types := eventTypes(t, env.audit, ws.Namespace)
	if types[len(types)-2] != audit.EventDegraded || types[len(types)-1] != audit.EventRecover {
		t.Errorf("events = %v, want degraded then recover at the end", types)
	}
}

func TestProbe_PendingUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ws := env.create(t, "42")

	got, probe, err := env.prov.Probe(context.Background(), ws)
	if err != nil {
		t.Fatalf("Probe() error: %v", err)
	}
	if probe.Phase != "Missing" {
		t.Errorf("Phase = %q, want Missing", probe.Phase)
	}
	if got.State != workspace.StatePending {
		t.Errorf("State = %q, want pending", got.State)
	}
}

package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/app"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// TestEnv is a fully wired broker over a mock docker backend whose
// volumes are local directories.
type TestEnv struct {
	T       *testing.T
	Ctx     context.Context
	TmpDir  string
	Config  *config.Config
	Backend *runtime.MockBackend
	App     *app.App
}

// NewTestEnv creates a test environment. mutate, when given, adjusts the
// configuration before the components are wired.
func NewTestEnv(t *testing.T, mutate ...func(*config.Config)) *TestEnv {
	t.Helper()

	tmpDir := t.TempDir()
	cfg := TestConfig(tmpDir)
	for _, fn := range mutate {
		fn(cfg)
	}

	backend := runtime.NewMockBackend(workspace.KindDocker, filepath.Join(tmpDir, "volumes"), cfg.Workspace.Root)

	a, err := app.New(context.Background(), cfg, app.WithBackends(backend))
	if err != nil {
		t.Fatalf("app.New() error: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("Close() error: %v", err)
		}
	})

	return &TestEnv{
		T:       t,
		Ctx:     context.Background(),
		TmpDir:  tmpDir,
		Config:  cfg,
		Backend: backend,
		App:     a,
	}
}

// TestConfig returns a configuration rooted under dir with docker as the
// only kind, short retry delays, and /bin/sh as the terminal shell.
func TestConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "registry.db")
	cfg.Audit.Dir = filepath.Join(dir, "audit")
	cfg.Workspace.DefaultKind = config.KindDocker
	cfg.Kubernetes.Enabled = false
	cfg.Provision.ReadyTimeout = 2 * time.Second
	cfg.Provision.BaseDelay = time.Millisecond
	cfg.Provision.MaxDelay = 5 * time.Millisecond
	cfg.Provision.ProbeInterval = 0
	cfg.Terminal.Shell = "/bin/sh"
	cfg.Terminal.GracePeriod = 2 * time.Second
	return cfg
}

// RunningWorkspace resolves or creates the project's workspace and
// provisions it.
func (e *TestEnv) RunningWorkspace(projectID string) *workspace.Workspace {
	e.T.Helper()

	ws, err := e.App.Registry.ResolveOrCreate(e.Ctx, workspace.ProjectOwner(projectID), workspace.KindDocker, "")
	if err != nil {
		e.T.Fatalf("ResolveOrCreate() error: %v", err)
	}
	ws, err = e.App.Provisioner.EnsureRunning(e.Ctx, ws)
	if err != nil {
		e.T.Fatalf("EnsureRunning() error: %v", err)
	}
	return ws
}

// VolumePath returns the local path backing rel inside the workspace.
func (e *TestEnv) VolumePath(ws *workspace.Workspace, rel string) string {
	return filepath.Join(e.Backend.VolumeDir(ws), filepath.FromSlash(rel))
}

// WriteFile creates a file directly in the workspace volume.
func (e *TestEnv) WriteFile(ws *workspace.Workspace, rel, content string) {
	e.T.Helper()

	p := e.VolumePath(ws, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		e.T.Fatalf("Failed to create directory for %s: %v", rel, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		e.T.Fatalf("Failed to write %s: %v", rel, err)
	}
}

// Exists reports whether rel exists in the workspace volume.
func (e *TestEnv) Exists(ws *workspace.Workspace, rel string) bool {
	_, err := os.Stat(e.VolumePath(ws, rel))
	return err == nil
}

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

func TestDefaultCleanupOptions(t *testing.T) {
	tests := []struct {
		preserve    bool
		wantRelease bool
	}{
		{preserve: true, wantRelease: false},
		{preserve: false, wantRelease: true},
	}

	for _, tt := range tests {
		opts := DefaultCleanupOptions(tt.preserve)
		if !opts.DestroyCompute {
			t.Errorf("DefaultCleanupOptions(%v).DestroyCompute = false, want true", tt.preserve)
		}
		if opts.ReleaseData != tt.wantRelease {
			t.Errorf("DefaultCleanupOptions(%v).ReleaseData = %v, want %v", tt.preserve, opts.ReleaseData, tt.wantRelease)
		}
		if opts.RemoveAudit {
			t.Errorf("DefaultCleanupOptions(%v).RemoveAudit = true, want false", tt.preserve)
		}
	}
}

func runningWithFile(t *testing.T, env *testEnv, project string) (*workspace.Workspace, string) {
	t.Helper()
	ws, err := env.prov.EnsureRunning(context.Background(), env.create(t, project))
	if err != nil {
		t.Fatalf("EnsureRunning() error: %v", err)
	}
	file := filepath.Join(env.backend.VolumeDir(ws), "notes.txt")
	if err := os.WriteFile(file, []byte("keep me"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return ws, file
}

func TestDelete_PreserveDataKeepsVolume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws, file := runningWithFile(t, env, "42")

	deleted, err := env.reg.Delete(ctx, ws.ID, true)
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if deleted.State != workspace.StateDeleted {
		t.Errorf("State = %q, want deleted", deleted.State)
	}
	if n := len(env.backend.GetCallsFor("Teardown")); n != 1 {
		t.Errorf("Teardown calls = %d, want 1", n)
	}
	if n := len(env.backend.GetCallsFor("ReleaseData")); n != 0 {
		t.Errorf("ReleaseData calls = %d, want 0", n)
	}
	if env.backend.Running[ws.Namespace] {
		t.Error("compute unit should be gone")
	}

	// The next workspace for the same owner lands on the same volume.
	again, err := env.prov.EnsureRunning(ctx, env.create(t, "42"))
	if err != nil {
		t.Fatalf("EnsureRunning() error: %v", err)
	}
	if again.ID == ws.ID {
		t.Error("a new record should have been created")
	}
	if again.Namespace != ws.Namespace {
		t.Errorf("Namespace = %q, want %q", again.Namespace, ws.Namespace)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("preserved file is gone: %v", err)
	}
	if string(data) != "keep me" {
		t.Errorf("file content = %q, want %q", data, "keep me")
	}
}

func TestDelete_PurgeReleasesData(t *testing.T) {
	env := newTestEnv(t)
	ws, file := runningWithFile(t, env, "42")

	if _, err := env.reg.Delete(context.Background(), ws.ID, false); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if n := len(env.backend.GetCallsFor("ReleaseData")); n != 1 {
		t.Errorf("ReleaseData calls = %d, want 1", n)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Errorf("Stat(%s) error = %v, want not exist", file, err)
	}
	if _, err := os.Stat(env.backend.VolumeDir(ws)); !os.IsNotExist(err) {
		t.Errorf("volume directory should be removed, Stat error = %v", err)
	}
}

func TestDelete_FailedTeardownCanBeRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws, _ := runningWithFile(t, env, "42")

	env.backend.SetError("Teardown", fmt.Errorf("api server went away"))
	if _, err := env.reg.Delete(ctx, ws.ID, false); err == nil {
		t.Fatal("Delete() should fail while teardown fails")
	}
	if s := env.state(t, ws.ID); s != workspace.StateDeleting {
		t.Errorf("stored state = %q, want deleting", s)
	}

	env.backend.SetError("Teardown", nil)
	got, err := env.reg.Delete(ctx, ws.ID, false)
	if err != nil {
		t.Fatalf("retried Delete() error: %v", err)
	}
	if got.State != workspace.StateDeleted {
		t.Errorf("State = %q, want deleted", got.State)
	}
}

func TestCleanup_RemoveAudit(t *testing.T) {
	env := newTestEnv(t)
	ws, _ := runningWithFile(t, env, "42")

	if events := eventTypes(t, env.audit, ws.Namespace); len(events) == 0 {
		t.Fatal("expected provisioning events before cleanup")
	}

	err := env.prov.Cleanup(context.Background(), ws, CleanupOptions{DestroyCompute: true, RemoveAudit: true})
	if err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	if events := eventTypes(t, env.audit, ws.Namespace); len(events) != 0 {
		t.Errorf("events after cleanup = %v, want none", events)
	}
	if _, err := os.Stat(env.backend.VolumeDir(ws)); err != nil {
		t.Errorf("volume should survive compute-only cleanup: %v", err)
	}
}

func TestDelete_StopsProvisioningInFlight(t *testing.T) {
	tests := []struct {
		name   string
		opts   []Option
		setup  func(env *testEnv, ws *workspace.Workspace)
		waitOn string
	}{
		{
			name: "during apply backoff",
			opts: []Option{WithRetryPolicy(RetryPolicy{Attempts: 3, BaseDelay: time.Minute, Multiplier: 2})},
			setup: func(env *testEnv, ws *workspace.Workspace) {
				env.backend.SetTransient("Apply", 1)
			},
			waitOn: "Apply",
		},
		{
			name: "while waiting for ready",
			opts: []Option{WithReadyTimeout(time.Minute)},
			setup: func(env *testEnv, ws *workspace.Workspace) {
				env.backend.SetNotReady(ws.Namespace, true)
			},
			waitOn: "WaitReady",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.opts...)
			ctx := context.Background()
			ws := env.create(t, "42")
			tt.setup(env, ws)

			done := make(chan error, 1)
			go func() {
				_, err := env.prov.EnsureRunning(ctx, ws)
				done <- err
			}()

			deadline := time.Now().Add(5 * time.Second)
			for len(env.backend.GetCallsFor(tt.waitOn)) == 0 {
				if time.Now().After(deadline) {
					t.Fatalf("provisioning never reached %s", tt.waitOn)
				}
				time.Sleep(5 * time.Millisecond)
			}

			deleted, err := env.reg.Delete(ctx, ws.ID, false)
			if err != nil {
				t.Fatalf("Delete() error: %v", err)
			}
			if deleted.State != workspace.StateDeleted {
				t.Errorf("State = %q, want deleted", deleted.State)
			}

			select {
			case err := <-done:
				if !errors.HasKind(err, errors.KindInvalidTransition) {
					t.Errorf("EnsureRunning() = %v, want InvalidTransition", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("EnsureRunning() did not return after delete")
			}

			if n := len(env.backend.GetCallsFor("Apply")); n != 1 {
				t.Errorf("Apply calls = %d, want 1", n)
			}
			probe, err := env.backend.Probe(ctx, ws)
			if err != nil {
				t.Fatalf("Probe() error: %v", err)
			}
			if probe.Ready || probe.Phase != "Missing" {
				t.Errorf("compute unit survived delete: phase %q", probe.Phase)
			}
			if s := env.state(t, ws.ID); s != workspace.StateDeleted {
				t.Errorf("stored state = %q, want deleted", s)
			}
		})
	}
}

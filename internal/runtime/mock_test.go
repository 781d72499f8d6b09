package runtime

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

func runningMockWorkspace(t *testing.T) (*MockBackend, *workspace.Workspace) {
	t.Helper()
	m := NewMockBackend(workspace.KindDocker, t.TempDir(), "/workspace")
	ws := testDockerWorkspace("p1")
	if err := m.Apply(context.Background(), ws, testSpec()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	desc, exposure, err := m.ResolveAccess(context.Background(), ws)
	if err != nil {
		t.Fatalf("ResolveAccess failed: %v", err)
	}
	ws.State = workspace.StateRunning
	ws.Connection = desc
	ws.Exposure = exposure
	return m, ws
}

func TestMockBackend_TransientFailures(t *testing.T) {
	m := NewMockBackend(workspace.KindDocker, t.TempDir(), "/workspace")
	m.SetTransient("Apply", 2)
	ws := testDockerWorkspace("p1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := m.Apply(ctx, ws, testSpec())
		if !errors.HasKind(err, errors.KindProvisionUnavailable) {
			t.Fatalf("Apply() attempt %d error = %v, want provision unavailable", i, err)
		}
	}
	if err := m.Apply(ctx, ws, testSpec()); err != nil {
		t.Fatalf("Apply() after transient failures = %v", err)
	}
	if got := len(m.GetCallsFor("Apply")); got != 3 {
		t.Errorf("Apply calls = %d, want 3", got)
	}
}

func TestMockChannel_ExecRewritesPaths(t *testing.T) {
	m, ws := runningMockWorkspace(t)
	ctx := context.Background()

	ch, err := m.Transports()[0].Open(ctx, ws)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ch.Close()

	result, err := ch.Exec(ctx, []string{"sh", "-c", `printf hello > "$1" && echo "$1"`, "sh", "/workspace/a.txt"}, ExecOptions{})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, stderr = %q", result.ExitCode, result.Stderr)
	}
	if strings.TrimSpace(result.Stdout) != "/workspace/a.txt" {
		t.Errorf("Stdout = %q, want the in-workspace path", result.Stdout)
	}

	data, err := os.ReadFile(filepath.Join(m.VolumeDir(ws), "a.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("volume file = %q, %v; want hello", data, err)
	}

	result, err = ch.Exec(ctx, []string{"false"}, ExecOptions{})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if result.ExitCode == 0 {
		t.Error("ExitCode = 0 for false")
	}
}

func TestMockTransport_Errors(t *testing.T) {
	m, ws := runningMockWorkspace(t)
	m.SetTransportError(TransportStored, io.ErrClosedPipe)

	if _, err := m.Transports()[0].Open(context.Background(), ws); err == nil {
		t.Error("stored transport should fail with injected error")
	}
	if _, err := m.Transports()[1].Open(context.Background(), ws); err != nil {
		t.Errorf("ambient transport failed: %v", err)
	}

	m.Stop(ws.Namespace)
	if _, err := m.Transports()[1].Open(context.Background(), ws); err == nil {
		t.Error("ambient transport should fail once stopped")
	}
}

func TestMockChannel_StreamCountsOpenStreams(t *testing.T) {
	m, ws := runningMockWorkspace(t)
	ctx := context.Background()

	ch, err := m.Transports()[1].Open(ctx, ws)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s, err := ch.Stream(ctx, []string{"cat"}, TermSize{Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if m.OpenStreams() != 1 {
		t.Errorf("OpenStreams() = %d, want 1", m.OpenStreams())
	}

	if _, err := s.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(s, buf); err != nil || string(buf) != "ping\n" {
		t.Errorf("Read = %q, %v; want echo", buf, err)
	}

	_ = s.Close()
	_ = s.Close()
	if m.OpenStreams() != 0 {
		t.Errorf("OpenStreams() = %d after close, want 0", m.OpenStreams())
	}
}

func TestWrapCommand(t *testing.T) {
	argv := []string{"ls", "-la"}
	if got := WrapCommand(argv, ExecOptions{}); len(got) != 2 {
		t.Errorf("WrapCommand() without options = %v, want unchanged", got)
	}

	got := WrapCommand(argv, ExecOptions{WorkingDir: "/workspace/src", Env: []string{"A=1"}})
	want := []string{"sh", "-c", `cd "$1" && shift && exec "$@"`, "sh", "/workspace/src", "env", "A=1", "ls", "-la"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("WrapCommand() = %q, want %q", got, want)
	}
}

func TestSetFor(t *testing.T) {
	m := NewMockBackend(workspace.KindDocker, t.TempDir(), "/workspace")
	set := NewSet(m)

	if b, err := set.For(workspace.KindDocker); err != nil || b != m {
		t.Errorf("For(docker) = %v, %v", b, err)
	}
	if _, err := set.For(workspace.KindKubernetes); err == nil {
		t.Error("For(kubernetes) should fail when not enabled")
	}
}

package ssh

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/system"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

func testWorkspace(kind workspace.Kind) *workspace.Workspace {
	return &workspace.Workspace{
		ID:        "ws-1",
		Owner:     workspace.ProjectOwner("p1"),
		Namespace: "forage-project-p1",
		Kind:      kind,
		State:     workspace.StateRunning,
	}
}

func TestRemoteCommand(t *testing.T) {
	tr := NewTransport(config.SSHConfig{Host: "jump"}, "forage-", system.NewMockExecutor())

	tests := []struct {
		name string
		kind workspace.Kind
		tty  bool
		want []string
	}{
		{
			name: "kubernetes",
			kind: workspace.KindKubernetes,
			want: []string{"kubectl", "-n", "forage-project-p1", "exec", "-i", "deploy/workspace", "-c", "workspace", "--", "cat", "/workspace/a b.txt"},
		},
		{
			name: "kubernetes tty",
			kind: workspace.KindKubernetes,
			tty:  true,
			want: []string{"kubectl", "-n", "forage-project-p1", "exec", "-i", "-t", "deploy/workspace", "-c", "workspace", "--", "cat", "/workspace/a b.txt"},
		},
		{
			name: "docker",
			kind: workspace.KindDocker,
			want: []string{"docker", "exec", "-i", "forage-project-p1", "cat", "/workspace/a b.txt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := tr.RemoteCommand(testWorkspace(tt.kind), []string{"cat", "/workspace/a b.txt"}, tt.tty)

			// The remote shell must split the line back into the same argv.
			got, err := shellquote.Split(remote)
			if err != nil {
				t.Fatalf("Split(%q) failed: %v", remote, err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("RemoteCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRemoteCommand_QuotesHostileArguments(t *testing.T) {
	tr := NewTransport(config.SSHConfig{Host: "jump"}, "forage-", system.NewMockExecutor())
	remote := tr.RemoteCommand(testWorkspace(workspace.KindDocker), []string{"cat", "/workspace/x; rm -rf /"}, false)

	got, err := shellquote.Split(remote)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if got[len(got)-1] != "/workspace/x; rm -rf /" {
		t.Errorf("last argument = %q, want it kept intact", got[len(got)-1])
	}
}

func TestTransportOpen_Unreachable(t *testing.T) {
	mock := system.NewMockExecutor()
	mock.SetResponse("ssh", system.MockResponse{ExitCode: 255, Stderr: []byte("Connection refused")})
	tr := NewTransport(config.SSHConfig{Host: "jump"}, "forage-", mock)

	_, err := tr.Open(context.Background(), testWorkspace(workspace.KindKubernetes))
	if err == nil {
		t.Fatal("Open should fail when the jump host is unreachable")
	}
	if !strings.Contains(err.Error(), "Connection refused") {
		t.Errorf("error = %q, want the ssh diagnostic", err)
	}
}

func TestChannelExec(t *testing.T) {
	mock := system.NewMockExecutor()
	mock.SetResponse("ssh", system.MockResponse{Output: []byte("hello\n")})
	tr := NewTransport(config.SSHConfig{Host: "jump", User: "broker"}, "forage-", mock)
	ctx := context.Background()

	ch, err := tr.Open(ctx, testWorkspace(workspace.KindKubernetes))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if ch.Transport() != runtime.TransportSSH {
		t.Errorf("Transport() = %q, want ssh", ch.Transport())
	}

	result, err := ch.Exec(ctx, []string{"echo", "hello"}, runtime.ExecOptions{Stdin: strings.NewReader("input")})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if result.Stdout != "hello\n" || result.ExitCode != 0 {
		t.Errorf("Exec() = %+v", result)
	}

	last, _ := mock.LastCommand()
	if last.Name != "ssh" {
		t.Fatalf("last command = %q, want ssh", last.Name)
	}
	if last.Stdin != "input" {
		t.Errorf("stdin = %q, want input", last.Stdin)
	}
	joined := strings.Join(last.Args, " ")
	if !strings.Contains(joined, "broker@jump") || !strings.Contains(joined, "BatchMode=yes") {
		t.Errorf("ssh args = %v", last.Args)
	}
	if !strings.HasSuffix(last.Args[len(last.Args)-1], "-- echo hello") {
		t.Errorf("remote command = %q", last.Args[len(last.Args)-1])
	}
}

func TestChannelExec_RemoteFailureIsResult(t *testing.T) {
	mock := system.NewMockExecutor()
	tr := NewTransport(config.SSHConfig{Host: "jump"}, "forage-", mock)
	ctx := context.Background()

	ch, err := tr.Open(ctx, testWorkspace(workspace.KindDocker))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	mock.SetResponse("ssh", system.MockResponse{ExitCode: 2, Stderr: []byte("no such file")})
	result, err := ch.Exec(ctx, []string{"ls", "/missing"}, runtime.ExecOptions{})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if result.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", result.ExitCode)
	}

	mock.SetResponse("ssh", system.MockResponse{ExitCode: 255, Stderr: []byte("broken pipe")})
	if _, err := ch.Exec(ctx, []string{"ls"}, runtime.ExecOptions{}); err == nil {
		t.Error("Exec should fail when ssh itself fails")
	}
}

// fakeSSH puts an ssh on PATH that prints bye and exits.
func fakeSSH(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	script := "#!/bin/sh\necho bye\nexit 0\n"
	if err := os.WriteFile(filepath.Join(dir, "ssh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestChannelStream_EndsWithEOF(t *testing.T) {
	fakeSSH(t)
	tr := NewTransport(config.SSHConfig{Host: "jump"}, "forage-", system.NewMockExecutor())
	ctx := context.Background()

	ch, err := tr.Open(ctx, testWorkspace(workspace.KindDocker))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	stream, err := ch.Stream(ctx, []string{"/bin/sh"}, runtime.TermSize{Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer stream.Close()

	out, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll() error = %v, want a clean EOF", err)
	}
	if !strings.Contains(string(out), "bye") {
		t.Errorf("output = %q, want bye", out)
	}
}

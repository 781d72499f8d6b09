package ssh

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	shellquote "github.com/kballard/go-shellquote"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/system"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// exitConnectFailed is the status ssh itself exits with when it cannot
// reach or authenticate to the remote host.
const exitConnectFailed = 255

// Transport runs workspace commands on a jump host, which reaches the
// compute unit with kubectl or docker.
type Transport struct {
	opts            Options
	kubectl         string
	docker          string
	containerPrefix string
	exec            system.CommandExecutor
}

// NewTransport creates the SSH fallback transport. A nil executor uses
// system.DefaultExecutor.
func NewTransport(cfg config.SSHConfig, containerPrefix string, executor system.CommandExecutor) *Transport {
	if executor == nil {
		executor = system.DefaultExecutor()
	}
	kubectl, docker := cfg.Kubectl, cfg.Docker
	if kubectl == "" {
		kubectl = "kubectl"
	}
	if docker == "" {
		docker = "docker"
	}
	return &Transport{
		opts:            FromConfig(cfg),
		kubectl:         kubectl,
		docker:          docker,
		containerPrefix: containerPrefix,
		exec:            executor,
	}
}

// Name returns the transport name.
func (t *Transport) Name() string { return runtime.TransportSSH }

// Open checks that the jump host answers and returns a channel to ws.
func (t *Transport) Open(ctx context.Context, ws *workspace.Workspace) (runtime.Channel, error) {
	if err := t.Check(ctx); err != nil {
		return nil, err
	}
	return &Channel{t: t, ws: ws}, nil
}

// Check runs a no-op on the jump host.
func (t *Transport) Check(ctx context.Context) error {
	out, err := t.exec.Run(ctx, nil, "ssh", t.opts.WithBatchMode().BuildArgs("true")...)
	if err != nil {
		return fmt.Errorf("ssh %s: %w", t.opts.Destination(), err)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("ssh %s: exit %d: %s", t.opts.Destination(), out.ExitCode, strings.TrimSpace(string(out.Stderr)))
	}
	return nil
}

// RemoteCommand returns the command line run on the jump host to execute
// argv inside ws.
func (t *Transport) RemoteCommand(ws *workspace.Workspace, argv []string, tty bool) string {
	var remote []string
	switch ws.Kind {
	case workspace.KindKubernetes:
		remote = []string{t.kubectl, "-n", ws.Namespace, "exec", "-i"}
		if tty {
			remote = append(remote, "-t")
		}
		remote = append(remote, "deploy/"+runtime.WorkloadName, "-c", runtime.ContainerName, "--")
	default:
		remote = []string{t.docker, "exec", "-i"}
		if tty {
			remote = append(remote, "-t")
		}
		remote = append(remote, runtime.DockerContainerName(t.containerPrefix, ws.Namespace))
	}
	remote = append(remote, argv...)
	return shellquote.Join(remote...)
}

// Channel is an SSH channel into one workspace.
type Channel struct {
	t  *Transport
	ws *workspace.Workspace
}

func (c *Channel) Transport() string { return runtime.TransportSSH }

func (c *Channel) Close() error { return nil }

func (c *Channel) Exec(ctx context.Context, argv []string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
	remote := c.t.RemoteCommand(c.ws, runtime.WrapCommand(argv, opts), false)
	out, err := c.t.exec.Run(ctx, opts.Stdin, "ssh", c.t.opts.WithBatchMode().BuildArgs(remote)...)
	if err != nil {
		return nil, err
	}
	if out.ExitCode == exitConnectFailed {
		return nil, fmt.Errorf("ssh %s: %s", c.t.opts.Destination(), strings.TrimSpace(string(out.Stderr)))
	}
	return &runtime.ExecResult{
		ExitCode: out.ExitCode,
		Stdout:   string(out.Stdout),
		Stderr:   string(out.Stderr),
	}, nil
}

// Stream runs argv under a local pseudo-terminal so ssh allocates a remote
// one and forwards window size changes.
func (c *Channel) Stream(ctx context.Context, argv []string, size runtime.TermSize) (runtime.Stream, error) {
	remote := c.t.RemoteCommand(c.ws, argv, true)
	cmd := exec.Command("ssh", c.t.opts.WithTTY().BuildArgs(remote)...)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		return nil, fmt.Errorf("failed to start ssh: %w", err)
	}
	s := &ptyStream{cmd: cmd, pty: f}
	go func() {
		_ = cmd.Wait()
	}()
	return s, nil
}

type ptyStream struct {
	cmd  *exec.Cmd
	pty  *os.File
	once sync.Once
}

// Read returns io.EOF once ssh has exited. Linux reports a pty whose other
// end has closed with EIO.
func (s *ptyStream) Read(p []byte) (int, error) {
	n, err := s.pty.Read(p)
	if err != nil && stderrors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}

func (s *ptyStream) Write(p []byte) (int, error) { return s.pty.Write(p) }

func (s *ptyStream) Resize(size runtime.TermSize) error {
	return pty.Setsize(s.pty, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
}

func (s *ptyStream) Close() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.pty.Close()
	})
	return nil
}

var _ runtime.Transport = (*Transport)(nil)

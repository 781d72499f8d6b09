package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/audit"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// Broker opens channels into running workspaces and performs file and
// command operations over them.
type Broker struct {
	backends    runtime.Set
	fallback    runtime.Transport
	root        string
	maxDepth    int
	execTimeout time.Duration
	appPort     int
	audit       *audit.Logger
	log         *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithFallback appends a transport tried after the backend's own.
func WithFallback(t runtime.Transport) Option {
	return func(b *Broker) { b.fallback = t }
}

// WithAuditLogger records executed commands.
func WithAuditLogger(l *audit.Logger) Option {
	return func(b *Broker) { b.audit = l }
}

// New creates a Broker over the enabled backends.
func New(backends runtime.Set, cfg *config.Config, opts ...Option) *Broker {
	b := &Broker{
		backends:    backends,
		root:        cfg.Workspace.Root,
		maxDepth:    cfg.Workspace.MaxTreeDepth,
		execTimeout: cfg.Workspace.ExecTimeout,
		appPort:     cfg.Workspace.AppPort,
		log:         logging.Component("broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxDepth <= 0 {
		b.maxDepth = 8
	}
	return b
}

// Root returns the workspace root path inside every sandbox.
func (b *Broker) Root() string { return b.root }

// Transports returns the transport chain for ws in the order Open tries it.
func (b *Broker) Transports(ws *workspace.Workspace) ([]runtime.Transport, error) {
	backend, err := b.backends.For(ws.Kind)
	if err != nil {
		return nil, errors.InvalidArgument(err.Error())
	}
	chain := backend.Transports()
	if b.fallback != nil {
		chain = append(chain, b.fallback)
	}
	return chain, nil
}

// Open returns a channel into ws from the first transport that opens. The
// chain is walked afresh on every call. When every transport fails the
// error is AccessUnavailable carrying each attempt.
func (b *Broker) Open(ctx context.Context, ws *workspace.Workspace) (runtime.Channel, error) {
	return b.Try(ctx, ws, nil)
}

// Try walks the transport chain for ws and hands each channel that opens
// to use. A transport fails when it cannot open or when use returns an
// error, and the walk moves on to the next one. The channel for which use
// succeeded is returned open; the caller closes it. When every transport
// fails the error is AccessUnavailable carrying each attempt.
func (b *Broker) Try(ctx context.Context, ws *workspace.Workspace, use func(runtime.Channel) error) (runtime.Channel, error) {
	if ws.State != workspace.StateRunning {
		return nil, errors.PendingProvisioning(ws.Namespace, string(ws.State))
	}
	chain, err := b.Transports(ws)
	if err != nil {
		return nil, err
	}

	var attempts []errors.AttemptError
	for _, t := range chain {
		ch, err := t.Open(ctx, ws)
		if err == nil && use != nil {
			if err = use(ch); err != nil {
				_ = ch.Close()
			}
		}
		if err == nil {
			if len(attempts) > 0 {
				b.log.Info("using fallback transport", "namespace", ws.Namespace, "transport", t.Name(), "failed", len(attempts))
			} else {
				b.log.Debug("transport selected", "namespace", ws.Namespace, "transport", t.Name())
			}
			return ch, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.log.Debug("transport failed", "namespace", ws.Namespace, "transport", t.Name(), "error", err)
		attempts = append(attempts, errors.AttemptError{Transport: t.Name(), Err: err})
	}
	logging.Warn("no transport reached workspace", "namespace", ws.Namespace, "attempts", len(attempts))
	return nil, errors.AccessUnavailable(ws.Namespace, attempts)
}

// run executes argv on the first transport that can both open and run it,
// then closes the channel. Stdin that can seek is rewound before each
// attempt.
func (b *Broker) run(ctx context.Context, ws *workspace.Workspace, argv []string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
	var res *runtime.ExecResult
	ch, err := b.Try(ctx, ws, func(ch runtime.Channel) error {
		if s, ok := opts.Stdin.(io.Seeker); ok {
			if _, err := s.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		r, err := ch.Exec(ctx, argv, opts)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = ch.Close()
	return res, nil
}

// Exec runs a shell command line in the workspace root, bounded by the
// configured exec timeout. A non-zero exit is a result, not an error.
func (b *Broker) Exec(ctx context.Context, ws *workspace.Workspace, command string) (*runtime.ExecResult, error) {
	if command == "" {
		return nil, errors.InvalidArgument("command is required")
	}
	if b.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.execTimeout)
		defer cancel()
	}

	res, err := b.run(ctx, ws, []string{"sh", "-lc", command}, runtime.ExecOptions{WorkingDir: b.root})
	if err == context.DeadlineExceeded {
		err = errors.CommandFailed(fmt.Sprintf("command timed out after %s", b.execTimeout), err)
	}
	if err != nil {
		return nil, err
	}

	if lerr := b.audit.LogEvent(audit.EventExec, ws.Namespace, ws.Owner.Key(), fmt.Sprintf("exit=%d %s", res.ExitCode, command)); lerr != nil {
		b.log.Warn("audit log write failed", "namespace", ws.Namespace, "error", lerr)
	}
	return res, nil
}

// AppStatus reports whether the primary application port is listening.
type AppStatus struct {
	Port      int    `json:"port"`
	Running   bool   `json:"running"`
	AccessURL string `json:"access_url,omitempty"`
}

// listeningScript exits 0 when a TCP socket is listening on port $1.
const listeningScript = `p=$(printf '%04X' "$1")
cat /proc/net/tcp /proc/net/tcp6 2>/dev/null | awk -v p=":$p" '$2 ~ (p "$") && $4 == "0A" { found = 1 } END { exit !found }'`

// AppStatus checks the primary application port inside ws.
func (b *Broker) AppStatus(ctx context.Context, ws *workspace.Workspace) (*AppStatus, error) {
	status := &AppStatus{Port: b.appPort, AccessURL: ws.Exposure.AccessURL}
	if b.appPort == 0 {
		return status, nil
	}
	res, err := b.run(ctx, ws, []string{"sh", "-c", listeningScript, "sh", fmt.Sprint(b.appPort)}, runtime.ExecOptions{})
	if err != nil {
		return nil, err
	}
	status.Running = res.ExitCode == 0
	return status, nil
}

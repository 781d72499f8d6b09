package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/audit"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/broker"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/monitor"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/registry"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/sandbox"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/ssh"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/system"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/terminal"
)

// App holds the wired broker components.
type App struct {
	Config      *config.Config
	Registry    *registry.Registry
	Backends    runtime.Set
	Audit       *audit.Logger
	Provisioner *sandbox.Provisioner
	Broker      *broker.Broker
	Terminal    *terminal.Manager
	Monitor     *monitor.Monitor

	// Fallback is the SSH transport, nil when disabled.
	Fallback *ssh.Transport

	db       *sql.DB
	ownsDB   bool
	backends []runtime.Backend
	executor system.CommandExecutor
}

// Option is a function that configures the App
type Option func(*App)

// WithBackends replaces the backends built from configuration.
func WithBackends(backends ...runtime.Backend) Option {
	return func(a *App) {
		a.backends = backends
	}
}

// WithDB uses an already open registry database. The caller keeps
// ownership and must close it.
func WithDB(db *sql.DB) Option {
	return func(a *App) {
		a.db = db
	}
}

// WithExecutor sets the executor used by the SSH fallback.
func WithExecutor(e system.CommandExecutor) Option {
	return func(a *App) {
		a.executor = e
	}
}

// New opens the registry and wires every component from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{Config: cfg, executor: system.OSExecutor()}
	for _, opt := range opts {
		opt(a)
	}

	if a.db == nil {
		db, err := registry.OpenSQLite(ctx, cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.ownsDB = true
	}

	a.Registry = registry.New(a.db,
		registry.WithNamespacePrefix(cfg.Workspace.NamespacePrefix),
		registry.WithTimeout(cfg.Store.Timeout),
	)
	a.Audit = audit.NewLogger(cfg)

	if a.backends == nil {
		a.backends = connectBackends(cfg)
	}
	a.Backends = runtime.NewSet(a.backends...)

	a.Provisioner = sandbox.New(a.Registry, a.Backends, cfg, sandbox.WithAuditLogger(a.Audit))

	brokerOpts := []broker.Option{broker.WithAuditLogger(a.Audit)}
	if cfg.SSH.Enabled {
		a.Fallback = ssh.NewTransport(cfg.SSH, config.ContainerPrefix, a.executor)
		brokerOpts = append(brokerOpts, broker.WithFallback(a.Fallback))
	}
	a.Broker = broker.New(a.Backends, cfg, brokerOpts...)

	a.Terminal = terminal.NewManager(a.Registry, a.Broker, cfg.Terminal, terminal.WithAuditLogger(a.Audit))
	a.Monitor = monitor.New(cfg.Provision.ProbeInterval, a.Registry, a.Provisioner,
		monitor.WithAutoRecover(cfg.Provision.AutoRecover),
		monitor.WithAuditLogger(a.Audit),
	)

	return a, nil
}

// connectBackends builds a backend for each enabled kind. The Kubernetes
// backend is always registered: when the broker's own credentials are not
// available yet it resolves them on use, and stored credentials still reach
// running workspaces. A Docker engine that cannot be reached is left out and
// its workspaces report the kind as disabled.
func connectBackends(cfg *config.Config) []runtime.Backend {
	var out []runtime.Backend
	if cfg.Kubernetes.Enabled {
		out = append(out, runtime.ConnectKubernetes(cfg.Kubernetes))
	}
	if cfg.Docker.Enabled {
		b, err := runtime.NewDockerBackend(cfg.Docker, config.ContainerPrefix)
		if err != nil {
			logging.Warn("docker backend unavailable", "error", err)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// Close releases the registry database if the App opened it.
func (a *App) Close() error {
	if a.ownsDB && a.db != nil {
		if err := a.db.Close(); err != nil {
			return fmt.Errorf("close registry: %w", err)
		}
	}
	return nil
}

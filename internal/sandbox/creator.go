package sandbox

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/audit"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/registry"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// Provisioner turns workspace records into running compute units and
// tears them down again.
type Provisioner struct {
	reg          *registry.Registry
	backends     runtime.Set
	cfg          config.WorkspaceConfig
	retry        RetryPolicy
	readyTimeout time.Duration
	audit        *audit.Logger
	log          *slog.Logger

	group singleflight.Group
	runs  runs
}

// New creates a Provisioner and registers it as the registry's teardown hook.
func New(reg *registry.Registry, backends runtime.Set, cfg *config.Config, opts ...Option) *Provisioner {
	p := &Provisioner{
		reg:          reg,
		backends:     backends,
		cfg:          cfg.Workspace,
		retry:        RetryPolicyFrom(cfg.Provision),
		readyTimeout: cfg.Provision.ReadyTimeout,
		log:          logging.Component("provisioner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	reg.OnDelete(p.Teardown)
	return p
}

// Backend returns the backend serving ws.
func (p *Provisioner) Backend(ws *workspace.Workspace) (runtime.Backend, error) {
	b, err := p.backends.For(ws.Kind)
	if err != nil {
		return nil, errors.InvalidArgument(err.Error())
	}
	return b, nil
}

// Spec returns the compute spec for ws.
func (p *Provisioner) Spec(ws *workspace.Workspace) runtime.Spec {
	image := ws.Image
	if image == "" {
		image = p.cfg.Image
	}
	return runtime.Spec{
		Image:   image,
		Command: p.cfg.Command,
		Ports:   p.cfg.Ports,
		AppPort: p.cfg.AppPort,
		Root:    p.cfg.Root,
		Env: map[string]string{
			"FORAGE_NAMESPACE": ws.Namespace,
			"FORAGE_OWNER":     ws.Owner.Key(),
		},
	}
}

func (p *Provisioner) event(ws *workspace.Workspace, t audit.EventType, details string) {
	if err := p.audit.LogEvent(t, ws.Namespace, ws.Owner.Key(), details); err != nil {
		p.log.Warn("audit log write failed", "namespace", ws.Namespace, "error", err)
	}
}

// EnsureRunning brings ws to running and returns the refreshed record.
// Concurrent calls for one namespace share a single provisioning run.
// Cancelling ctx stops retries and leaves the record for a later call.
func (p *Provisioner) EnsureRunning(ctx context.Context, ws *workspace.Workspace) (*workspace.Workspace, error) {
	v, err, shared := p.group.Do(ws.Namespace, func() (interface{}, error) {
		return p.ensure(ctx, ws.Namespace, ws.ID)
	})
	if shared {
		p.log.Debug("joined in-flight provisioning", "namespace", ws.Namespace)
	}
	if err != nil {
		if out, ok := v.(*workspace.Workspace); ok && out != nil {
			return out, err
		}
		return nil, err
	}
	return v.(*workspace.Workspace), nil
}

func (p *Provisioner) ensure(parent context.Context, namespace, id string) (*workspace.Workspace, error) {
	// Registered before the record is read: a delete that lands later
	// either sees this run and stops it, or is seen by the read below.
	ctx, finish := p.runs.start(parent, namespace)
	defer finish()

	ws, err := p.reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ws.State == workspace.StateDeleting || ws.State == workspace.StateDeleted {
		return ws, errors.InvalidTransition(string(ws.State), string(workspace.StateRunning))
	}
	backend, err := p.Backend(ws)
	if err != nil {
		return ws, err
	}

	if ws.State == workspace.StateRunning {
		probe, err := backend.Probe(ctx, ws)
		if err == nil && probe.Ready {
			return p.refresh(ctx, backend, ws)
		}
		p.log.Info("running workspace failed probe, reprovisioning", "namespace", ws.Namespace, "error", err)
	}

	ws, err = p.reg.MarkState(ctx, id, workspace.StateProvisioning)
	if err != nil {
		return ws, err
	}
	p.event(ws, audit.EventProvision, "kind="+string(ws.Kind))
	logging.Info("provisioning workspace", "namespace", ws.Namespace, "kind", ws.Kind)

	spec := p.Spec(ws)
	err = p.retry.Do(ctx, "apply", func() error { return backend.Apply(ctx, ws, spec) })
	if err != nil {
		return p.fail(ctx, ws, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.readyTimeout)
	err = backend.WaitReady(waitCtx, ws)
	cancel()
	if err != nil {
		if ctx.Err() == nil && stderrors.Is(err, context.DeadlineExceeded) {
			err = errors.ProvisionTimeout(ws.Namespace, err)
		}
		return p.fail(ctx, ws, err)
	}

	out, err := p.refresh(ctx, backend, ws)
	if err != nil {
		return p.fail(ctx, ws, err)
	}
	p.event(out, audit.EventReady, out.Exposure.AccessURL)
	logging.Info("workspace running", "namespace", out.Namespace, "access_url", out.Exposure.AccessURL)
	return out, nil
}

// refresh resolves access, stores it, and marks ws running.
func (p *Provisioner) refresh(ctx context.Context, backend runtime.Backend, ws *workspace.Workspace) (*workspace.Workspace, error) {
	var (
		desc     *workspace.ConnectionDescriptor
		exposure workspace.Exposure
	)
	err := p.retry.Do(ctx, "resolve access", func() error {
		var err error
		desc, exposure, err = backend.ResolveAccess(ctx, ws)
		return err
	})
	if err != nil {
		return ws, err
	}
	if err := p.reg.UpdateConnection(ctx, ws.ID, desc, exposure); err != nil {
		return ws, err
	}
	return p.reg.MarkState(ctx, ws.ID, workspace.StateRunning)
}

// fail records a provisioning failure. A cancelled caller leaves the record
// as it is; anything else marks it degraded.
func (p *Provisioner) fail(ctx context.Context, ws *workspace.Workspace, cause error) (*workspace.Workspace, error) {
	if stopped(ctx) {
		p.log.Info("provisioning stopped by delete", "namespace", ws.Namespace)
		return ws, errors.InvalidTransition(string(workspace.StateDeleting), string(workspace.StateRunning))
	}
	if ctx.Err() != nil {
		p.log.Info("provisioning abandoned", "namespace", ws.Namespace, "state", ws.State)
		return ws, ctx.Err()
	}

	p.event(ws, audit.EventDegraded, cause.Error())
	logging.Warn("provisioning failed", "namespace", ws.Namespace, "kind", errors.KindOf(cause), "error", cause)

	out, err := p.reg.MarkState(context.WithoutCancel(ctx), ws.ID, workspace.StateDegraded)
	if err != nil {
		p.log.Warn("failed to mark workspace degraded", "namespace", ws.Namespace, "error", err)
		out = ws
	}
	var fe *errors.ForageError
	if !errors.As(cause, &fe) {
		cause = errors.Wrap(errors.KindInternal, fmt.Sprintf("provisioning %s failed", ws.Namespace), cause)
	}
	return out, cause
}

// ResolveAccess returns fresh connection details for ws without storing them.
func (p *Provisioner) ResolveAccess(ctx context.Context, ws *workspace.Workspace) (*workspace.ConnectionDescriptor, workspace.Exposure, error) {
	backend, err := p.Backend(ws)
	if err != nil {
		return nil, workspace.Exposure{}, err
	}
	return backend.ResolveAccess(ctx, ws)
}

// Probe observes ws and reconciles its state: a running workspace that
// fails the probe becomes degraded, and a degraded one that passes is
// running again.
func (p *Provisioner) Probe(ctx context.Context, ws *workspace.Workspace) (*workspace.Workspace, *runtime.ProbeResult, error) {
	backend, err := p.Backend(ws)
	if err != nil {
		return ws, nil, err
	}
	probe, err := backend.Probe(ctx, ws)
	if err != nil {
		return ws, nil, err
	}

	switch {
	case !probe.Ready && ws.State == workspace.StateRunning:
		out, err := p.reg.MarkState(ctx, ws.ID, workspace.StateDegraded)
		if err != nil {
			return ws, probe, err
		}
		p.event(out, audit.EventDegraded, probe.Phase+": "+probe.Message)
		logging.Warn("workspace degraded", "namespace", ws.Namespace, "phase", probe.Phase, "message", probe.Message)
		return out, probe, nil
	case probe.Ready && ws.State == workspace.StateDegraded:
		out, err := p.refresh(ctx, backend, ws)
		if err != nil {
			return ws, probe, err
		}
		p.event(out, audit.EventRecover, "probe passed")
		logging.Info("workspace recovered", "namespace", ws.Namespace)
		return out, probe, nil
	}
	return ws, probe, nil
}

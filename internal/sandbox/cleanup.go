package sandbox

import (
	"context"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/audit"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// CleanupOptions configures workspace teardown.
type CleanupOptions struct {
	// DestroyCompute removes the compute unit via the backend.
	DestroyCompute bool

	// ReleaseData removes the data volume and its contents.
	ReleaseData bool

	// RemoveAudit deletes the namespace's audit log.
	RemoveAudit bool
}

// DefaultCleanupOptions returns options for a workspace deletion.
// Data is released unless preserveData is set; the audit log is kept.
func DefaultCleanupOptions(preserveData bool) CleanupOptions {
	return CleanupOptions{
		DestroyCompute: true,
		ReleaseData:    !preserveData,
	}
}

// Teardown removes the compute behind ws, and its data unless preserveData
// is set. A provisioning run in flight for ws is stopped and waited for
// first, so nothing it applies outlives the teardown. Teardown is the
// registry's delete hook and is safe to call again after a partial failure.
func (p *Provisioner) Teardown(ctx context.Context, ws *workspace.Workspace, preserveData bool) error {
	if err := p.runs.stop(ctx, ws.Namespace); err != nil {
		return err
	}
	return p.Cleanup(ctx, ws, DefaultCleanupOptions(preserveData))
}

// Cleanup removes workspace resources selected by opts.
func (p *Provisioner) Cleanup(ctx context.Context, ws *workspace.Workspace, opts CleanupOptions) error {
	backend, err := p.Backend(ws)
	if err != nil {
		return err
	}
	logging.Debug("cleaning up workspace", "namespace", ws.Namespace, "release_data", opts.ReleaseData)

	if opts.DestroyCompute {
		if err := p.retry.Do(ctx, "teardown", func() error { return backend.Teardown(ctx, ws) }); err != nil {
			p.event(ws, audit.EventError, "teardown failed: "+err.Error())
			return err
		}
		p.event(ws, audit.EventTeardown, "")
	}

	if opts.ReleaseData {
		if err := p.retry.Do(ctx, "release data", func() error { return backend.ReleaseData(ctx, ws) }); err != nil {
			p.event(ws, audit.EventError, "release data failed: "+err.Error())
			return err
		}
		p.event(ws, audit.EventRelease, ws.Data.Name)
	}

	if opts.RemoveAudit && p.audit.Enabled() {
		if err := p.audit.Remove(ws.Namespace); err != nil {
			logging.Warn("failed to remove audit log", "namespace", ws.Namespace, "error", err)
		}
	}
	return nil
}

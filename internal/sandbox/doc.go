// Package sandbox provisions and tears down the compute behind workspace
// records.
//
// # Provisioner
//
// A Provisioner owns one runtime.Backend per backing kind and drives a
// workspace record through its lifecycle:
//
//	prov := sandbox.New(reg, backends, cfg,
//	    sandbox.WithAuditLogger(audit.NewLogger(cfg)),
//	)
//
//	ws, err := reg.ResolveOrCreate(ctx, owner, workspace.KindDocker, "")
//	ws, err = prov.EnsureRunning(ctx, ws)
//
// EnsureRunning is idempotent. A running workspace whose probe passes only
// has its connection descriptor refreshed. Anything else is moved to
// provisioning, applied, and waited on until ready or until the ready
// timeout expires, in which case it is left degraded with a
// ProvisionTimeout error.
//
// Concurrent calls for the same namespace in one process share a single
// run. Backends apply idempotently, so callers in other processes converge
// on the same resources.
//
// # Retries
//
// Backend calls that fail with ProvisionUnavailable are retried with
// exponential backoff according to RetryPolicy. Other errors, including
// ProvisionQuotaExceeded, fail immediately.
//
// # Teardown
//
// New registers Provisioner.Teardown as the registry's delete hook. It
// removes the compute unit and, unless data is preserved, releases the data
// volume. The volume is a separate resource keyed by namespace, so a later
// EnsureRunning for the same owner reattaches it.
package sandbox

// Package health summarizes workspace health for monitoring and display.
//
// A check combines the registry record with a backend probe:
//
//	result := health.Check(ctx, provisioner, ws)
//	// result.Status, .Phase, .Restarts, .Age
//
// Probing goes through the Provisioner, so a check also reconciles the
// record: a running workspace that fails becomes degraded and a degraded
// one that passes is running again.
//
// # Health Status
//
//	StatusHealthy   - Compute unit ready
//	StatusStarting  - Record pending or provisioning
//	StatusUnhealthy - Compute unit present but not ready
//	StatusStopped   - No compute unit, or the record is being deleted
//	StatusUnknown   - The probe itself failed
package health

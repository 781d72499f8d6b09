// Package logging provides logging utilities for forage-broker.
//
// This package provides two categories of output:
//   - Debug logging: Structured logs for debugging (via slog)
//   - User output: Formatted messages for end users
//
// # Debug Logging
//
// Debug logs are written using slog and controlled by verbosity settings:
//
//	logging.Debug("applying workspace", "namespace", ns, "kind", kind)
//	logging.Warn("transport failed", "transport", name, "error", err)
//
// Long-lived components take a tagged logger:
//
//	log := logging.Component("provisioner")
//
// # User Output
//
// User-facing messages are formatted with status indicators:
//
//	logging.UserInfo("Provisioning %s...", namespace)
//	logging.UserSuccess("Workspace %s is running", namespace)
//	logging.UserWarning("Data for %s will be removed", namespace)
//	logging.UserError("Failed to provision workspace: %v", err)
//
// Output destinations:
//   - UserInfo, UserSuccess: stdout
//   - UserWarning, UserError: stderr
//
// # Status Indicators
//
// User functions prepend status indicators:
//   - ℹ (info)
//   - ✓ (success)
//   - ⚠ (warning)
//   - ✗ (error)
package logging

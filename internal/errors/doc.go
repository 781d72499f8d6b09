// Package errors provides typed errors for forage-broker.
//
// # Error Types
//
// ForageError is the base error type. It carries a Kind that crosses the API
// boundary, an exit code for the CLI, and an optional list of transport
// attempts:
//
//	type ForageError struct {
//	    Kind     Kind           // Stable classification
//	    Code     int            // Exit code
//	    Message  string         // User-facing message
//	    Cause    error          // Wrapped error
//	    Attempts []AttemptError // Failed transports, for AccessUnavailable
//	}
//
// # Kinds
//
//	NotFound               no live workspace for the owner
//	PendingProvisioning    workspace exists but is not running
//	InvalidTransition      rejected lifecycle transition
//	ProvisionTimeout       compute unit never became ready
//	ProvisionUnavailable   control plane unreachable after retries
//	ProvisionQuotaExceeded resource quota rejected the workspace
//	PathEscape             path resolves outside the workspace root
//	AccessUnavailable      every transport failed
//	SessionFailed          terminal session could not start or broke
//
// FileNotFound, DirectoryNotEmpty, InvalidArgument, CommandFailed,
// ConfigError and Internal cover the remaining file and CLI cases.
//
// # Exit Codes and HTTP Status
//
//	if err != nil {
//	    os.Exit(errors.GetExitCode(err))
//	}
//
//	w.WriteHeader(errors.HTTPStatus(err))
package errors

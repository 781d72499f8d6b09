// Package workspace defines the workspace record and its lifecycle.
//
// A Workspace belongs to exactly one Owner (a project or a conversation) and
// lives on one backing Kind. Its Namespace is derived deterministically from
// the owner key, so re-provisioning always lands on the same durable data.
//
// # Lifecycle
//
//	pending -> provisioning -> running <-> degraded
//	   any live state -> deleting -> deleted
//
// Entering provisioning clears the stored connection descriptor. Callers
// read the descriptor through Workspace.Access, which only returns it while
// the workspace is running.
package workspace

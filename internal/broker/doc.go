// Package broker gives callers file and command access to running
// workspaces without caring how the sandbox is reached.
//
// # Transport selection
//
// Every operation opens a fresh channel. The chain is the backend's direct
// transports (stored connection descriptor, then ambient credentials)
// followed by the SSH fallback when one is configured:
//
//	b := broker.New(backends, cfg, broker.WithFallback(sshTransport))
//	ch, err := b.Open(ctx, ws)
//
// A transport fails when it cannot open, or when the work handed to Try
// fails on the channel it opened; either way the next one is tried:
//
//	ch, err := b.Try(ctx, ws, func(ch runtime.Channel) error { ... })
//
// If every transport fails the error is AccessUnavailable with one
// AttemptError per transport. Nothing is cached between operations.
//
// # Paths
//
// CleanPath confines client paths to the workspace root before any
// transport is touched. Paths reach the sandbox as positional shell
// arguments and are never interpolated into scripts.
//
// # Operations
//
//	ListTree   - directory tree, dirs first, heavy dirs skipped
//	ReadFile   - file content as bytes
//	WriteFile  - replace content, parents created
//	Mkdir      - mkdir -p
//	Delete     - file or directory, optionally recursive
//	Rename     - move without overwriting
//	Exec       - sh -lc in the workspace root
//	AppStatus  - whether the application port is listening
package broker

package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// Transport names, in the order the broker tries them.
const (
	TransportStored  = "stored"
	TransportAmbient = "ambient"
	TransportSSH     = "ssh"
)

// Labels applied to every resource the broker creates.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelOwner     = "forage.firefly.dev/owner"
	LabelNamespace = "forage.firefly.dev/namespace"
	ManagedBy      = "forage-broker"
)

// ExecResult holds the result of executing a command in a workspace
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecOptions holds options for executing a command in a workspace
type ExecOptions struct {
	WorkingDir string    // Working directory
	Env        []string  // Environment variables
	Stdin      io.Reader // Standard input
}

// TermSize is a terminal window size.
type TermSize struct {
	Cols uint16
	Rows uint16
}

// Stream is a bidirectional TTY byte stream to a process in a workspace.
// Read returns process output and io.EOF once the process exits.
type Stream interface {
	io.ReadWriteCloser
	Resize(size TermSize) error
}

// Channel is an open path into one workspace over one transport.
type Channel interface {
	// Transport names the transport that produced the channel.
	Transport() string

	// Exec runs argv to completion. A non-zero exit is reported in the
	// result; err means the transport could not run the command.
	Exec(ctx context.Context, argv []string, opts ExecOptions) (*ExecResult, error)

	// Stream starts argv under a TTY of the given size.
	Stream(ctx context.Context, argv []string, size TermSize) (Stream, error)

	// Close releases transport resources.
	Close() error
}

// Transport opens channels into workspaces.
type Transport interface {
	Name() string
	Open(ctx context.Context, ws *workspace.Workspace) (Channel, error)
}

// Spec describes the compute unit to run for a workspace.
type Spec struct {
	Image   string
	Command []string
	Ports   []int
	AppPort int
	Root    string // Mount path of the data volume
	Env     map[string]string
}

// ProbeResult is a point-in-time health observation of a compute unit.
type ProbeResult struct {
	Ready    bool
	Phase    string
	Message  string
	Restarts int
}

// Backend is the interface that compute backends must implement.
// All methods should be safe for concurrent use and idempotent.
type Backend interface {
	// Kind returns the backing kind this backend serves.
	Kind() workspace.Kind

	// Apply creates every resource the workspace needs. Resources that
	// already exist are left as they are.
	Apply(ctx context.Context, ws *workspace.Workspace, spec Spec) error

	// WaitReady blocks until the compute unit is ready or ctx is done.
	WaitReady(ctx context.Context, ws *workspace.Workspace) error

	// ResolveAccess returns connection details for a ready compute unit.
	ResolveAccess(ctx context.Context, ws *workspace.Workspace) (*workspace.ConnectionDescriptor, workspace.Exposure, error)

	// Probe observes the compute unit without changing it.
	Probe(ctx context.Context, ws *workspace.Workspace) (*ProbeResult, error)

	// Teardown removes the compute unit. The data volume is kept.
	Teardown(ctx context.Context, ws *workspace.Workspace) error

	// ReleaseData removes the data volume and its contents.
	ReleaseData(ctx context.Context, ws *workspace.Workspace) error

	// Transports returns the direct transports in preference order.
	Transports() []Transport
}

// Set holds one Backend per enabled kind.
type Set map[workspace.Kind]Backend

// NewSet builds a Set from backends.
func NewSet(backends ...Backend) Set {
	s := make(Set, len(backends))
	for _, b := range backends {
		s[b.Kind()] = b
	}
	return s
}

// For returns the backend serving kind.
func (s Set) For(kind workspace.Kind) (Backend, error) {
	b, ok := s[kind]
	if !ok {
		return nil, fmt.Errorf("backing kind %q is not enabled", kind)
	}
	return b, nil
}

// WrapCommand prefixes argv so it runs in dir with extra environment,
// for transports that cannot set either natively.
func WrapCommand(argv []string, opts ExecOptions) []string {
	if opts.WorkingDir == "" && len(opts.Env) == 0 {
		return argv
	}
	out := make([]string, 0, len(argv)+len(opts.Env)+6)
	if opts.WorkingDir != "" {
		out = append(out, "sh", "-c", `cd "$1" && shift && exec "$@"`, "sh", opts.WorkingDir)
	}
	if len(opts.Env) > 0 {
		out = append(out, "env")
		out = append(out, opts.Env...)
	}
	return append(out, argv...)
}

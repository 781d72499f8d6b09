package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/system"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// MockBackend is a Backend for testing. Each data volume is a local
// directory, and channels run commands on the local machine with paths
// under the workspace root rewritten into that directory.
type MockBackend struct {
	mu sync.RWMutex

	kind     workspace.Kind
	dataRoot string
	root     string

	// Specs records the last applied spec per namespace.
	Specs map[string]Spec

	// Running tracks which namespaces have a compute unit.
	Running map[string]bool

	// NotReady holds namespaces whose compute unit never becomes ready.
	NotReady map[string]bool

	// Errors allows injecting errors for specific operations.
	Errors map[string]error

	// Transient makes an operation fail with ProvisionUnavailable the
	// given number of times before it succeeds.
	Transient map[string]int

	// TransportErrors makes opening a named transport fail.
	TransportErrors map[string]error

	// ChannelErrors makes Exec and Stream fail on channels that a named
	// transport opened successfully.
	ChannelErrors map[string]error

	// CallLog records all method calls for verification
	CallLog []MockCall

	streams int
}

// MockCall represents a recorded method call
type MockCall struct {
	Method string
	Args   []interface{}
}

// NewMockBackend creates a mock backend of the given kind that keeps
// volumes under dataRoot and mounts them at root.
func NewMockBackend(kind workspace.Kind, dataRoot, root string) *MockBackend {
	return &MockBackend{
		kind:            kind,
		dataRoot:        dataRoot,
		root:            root,
		Specs:           make(map[string]Spec),
		Running:         make(map[string]bool),
		NotReady:        make(map[string]bool),
		Errors:          make(map[string]error),
		Transient:       make(map[string]int),
		TransportErrors: make(map[string]error),
		ChannelErrors:   make(map[string]error),
		CallLog:         make([]MockCall, 0),
	}
}

func (m *MockBackend) record(method string, args ...interface{}) {
	m.CallLog = append(m.CallLog, MockCall{Method: method, Args: args})
}

// fail returns the injected error for method, if any. Callers hold m.mu.
func (m *MockBackend) fail(method string) error {
	if err, ok := m.Errors[method]; ok {
		return err
	}
	if n := m.Transient[method]; n > 0 {
		m.Transient[method] = n - 1
		return errors.ProvisionUnavailable(method, fmt.Errorf("injected transient failure"))
	}
	return nil
}

// SetError sets an error to be returned for a specific operation
func (m *MockBackend) SetError(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[operation] = err
}

// SetTransient makes operation fail transiently n times.
func (m *MockBackend) SetTransient(operation string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Transient[operation] = n
}

// SetNotReady controls whether a namespace ever becomes ready.
func (m *MockBackend) SetNotReady(ns string, notReady bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NotReady[ns] = notReady
}

// SetTransportError makes opening the named transport fail.
func (m *MockBackend) SetTransportError(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.TransportErrors, name)
		return
	}
	m.TransportErrors[name] = err
}

// SetChannelError makes channels opened by the named transport fail on
// Exec and Stream, as when a credential may read pods but not exec into
// them.
func (m *MockBackend) SetChannelError(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.ChannelErrors, name)
		return
	}
	m.ChannelErrors[name] = err
}

// Stop removes a running compute unit without touching the registry, as
// if it had crashed.
func (m *MockBackend) Stop(ns string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Running, ns)
}

// GetCallsFor returns all calls for a specific method
func (m *MockBackend) GetCallsFor(method string) []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var calls []MockCall
	for _, call := range m.CallLog {
		if call.Method == method {
			calls = append(calls, call)
		}
	}
	return calls
}

// OpenStreams returns the number of streams not yet closed.
func (m *MockBackend) OpenStreams() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streams
}

// VolumeDir returns the local directory backing a data volume.
func (m *MockBackend) VolumeDir(ws *workspace.Workspace) string {
	return filepath.Join(m.dataRoot, ws.Data.Name)
}

// Kind returns the backing kind
func (m *MockBackend) Kind() workspace.Kind {
	return m.kind
}

// Apply records the spec and creates the volume directory.
func (m *MockBackend) Apply(ctx context.Context, ws *workspace.Workspace, spec Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Apply", ws.Namespace, spec)

	if err := m.fail("Apply"); err != nil {
		return err
	}
	if err := os.MkdirAll(m.VolumeDir(ws), 0o755); err != nil {
		return err
	}
	m.Specs[ws.Namespace] = spec
	m.Running[ws.Namespace] = true
	return nil
}

// WaitReady blocks until ctx is done for namespaces marked not ready.
func (m *MockBackend) WaitReady(ctx context.Context, ws *workspace.Workspace) error {
	m.mu.Lock()
	m.record("WaitReady", ws.Namespace)
	err := m.fail("WaitReady")
	notReady := m.NotReady[ws.Namespace]
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if notReady {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// ResolveAccess returns a synthetic descriptor.
func (m *MockBackend) ResolveAccess(ctx context.Context, ws *workspace.Workspace) (*workspace.ConnectionDescriptor, workspace.Exposure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ResolveAccess", ws.Namespace)

	if err := m.fail("ResolveAccess"); err != nil {
		return nil, workspace.Exposure{}, err
	}
	if !m.Running[ws.Namespace] {
		return nil, workspace.Exposure{}, fmt.Errorf("namespace %s is not running", ws.Namespace)
	}

	spec := m.Specs[ws.Namespace]
	exposure := workspace.Exposure{Ports: make(map[int]int)}
	for i, p := range spec.Ports {
		exposure.Ports[p] = 30000 + i
	}
	if hp, ok := exposure.Ports[spec.AppPort]; ok {
		exposure.AccessURL = fmt.Sprintf("http://127.0.0.1:%d", hp)
	}

	return &workspace.ConnectionDescriptor{
		Container:   "mock-" + ws.Namespace,
		ContainerID: ws.Namespace,
	}, exposure, nil
}

// Probe reports the mock compute unit state.
func (m *MockBackend) Probe(ctx context.Context, ws *workspace.Workspace) (*ProbeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Probe", ws.Namespace)

	if err := m.fail("Probe"); err != nil {
		return nil, err
	}
	switch {
	case !m.Running[ws.Namespace]:
		return &ProbeResult{Phase: "Missing", Message: "no compute unit"}, nil
	case m.NotReady[ws.Namespace]:
		return &ProbeResult{Phase: "Pending", Message: "not ready"}, nil
	default:
		return &ProbeResult{Ready: true, Phase: "Running"}, nil
	}
}

// Teardown removes the compute unit and keeps the volume.
func (m *MockBackend) Teardown(ctx context.Context, ws *workspace.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Teardown", ws.Namespace)

	if err := m.fail("Teardown"); err != nil {
		return err
	}
	delete(m.Running, ws.Namespace)
	delete(m.Specs, ws.Namespace)
	return nil
}

// ReleaseData removes the volume directory.
func (m *MockBackend) ReleaseData(ctx context.Context, ws *workspace.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ReleaseData", ws.Namespace)

	if err := m.fail("ReleaseData"); err != nil {
		return err
	}
	return os.RemoveAll(m.VolumeDir(ws))
}

// Transports returns mock stored and ambient transports.
func (m *MockBackend) Transports() []Transport {
	return []Transport{
		&mockTransport{name: TransportStored, backend: m, stored: true},
		&mockTransport{name: TransportAmbient, backend: m},
	}
}

type mockTransport struct {
	name    string
	backend *MockBackend
	stored  bool
}

func (t *mockTransport) Name() string { return t.name }

func (t *mockTransport) Open(ctx context.Context, ws *workspace.Workspace) (Channel, error) {
	m := t.backend
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Open", t.name, ws.Namespace)

	if err := m.TransportErrors[t.name]; err != nil {
		return nil, err
	}
	if t.stored {
		if _, ok := ws.Access(); !ok {
			return nil, fmt.Errorf("no stored connection")
		}
	}
	if !m.Running[ws.Namespace] {
		return nil, fmt.Errorf("namespace %s is not running", ws.Namespace)
	}
	return &MockChannel{
		transport: t.name,
		backend:   m,
		root:      m.root,
		dir:       m.VolumeDir(ws),
		exec:      system.OSExecutor(),
		err:       m.ChannelErrors[t.name],
	}, nil
}

// MockChannel runs commands locally against a volume directory.
type MockChannel struct {
	transport string
	backend   *MockBackend
	root      string
	dir       string
	exec      system.CommandExecutor
	err       error
}

// NewLocalChannel returns a channel that runs commands locally with paths
// under root rewritten into dir.
func NewLocalChannel(transport, root, dir string) *MockChannel {
	return &MockChannel{transport: transport, root: root, dir: dir, exec: system.OSExecutor()}
}

func (c *MockChannel) Transport() string { return c.transport }

func (c *MockChannel) Close() error { return nil }

func (c *MockChannel) rewrite(s string) string {
	if s == c.root || strings.HasPrefix(s, c.root+"/") {
		return c.dir + strings.TrimPrefix(s, c.root)
	}
	return s
}

func (c *MockChannel) localArgv(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = c.rewrite(a)
	}
	return out
}

// unrewrite maps local paths in output back under the workspace root.
func (c *MockChannel) unrewrite(b []byte) string {
	return string(bytes.ReplaceAll(b, []byte(c.dir), []byte(c.root)))
}

func (c *MockChannel) Exec(ctx context.Context, argv []string, opts ExecOptions) (*ExecResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	local := c.localArgv(WrapCommand(argv, opts))
	out, err := c.exec.Run(ctx, opts.Stdin, local[0], local[1:]...)
	if err != nil {
		return nil, err
	}
	return &ExecResult{
		ExitCode: out.ExitCode,
		Stdout:   c.unrewrite(out.Stdout),
		Stderr:   c.unrewrite(out.Stderr),
	}, nil
}

func (c *MockChannel) Stream(ctx context.Context, argv []string, size TermSize) (Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	local := c.localArgv(argv)
	cmd := exec.Command(local[0], local[1:]...)
	cmd.Dir = c.dir
	cmd.Env = append(os.Environ(), fmt.Sprintf("COLUMNS=%d", size.Cols), fmt.Sprintf("LINES=%d", size.Rows))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	s := &mockStream{cmd: cmd, stdin: stdin, stdout: pr, backend: c.backend}
	s.sizes = append(s.sizes, size)
	if c.backend != nil {
		c.backend.mu.Lock()
		c.backend.streams++
		c.backend.mu.Unlock()
	}

	// The exit status is not part of the stream; readers see EOF.
	go func() {
		_ = cmd.Wait()
		_ = pw.Close()
	}()
	return s, nil
}

type mockStream struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *io.PipeReader
	backend *MockBackend

	mu    sync.Mutex
	sizes []TermSize
	once  sync.Once
}

func (s *mockStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *mockStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *mockStream) Resize(size TermSize) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, size)
	return nil
}

func (s *mockStream) Close() error {
	s.once.Do(func() {
		_ = s.stdin.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.stdout.Close()
		if s.backend != nil {
			s.backend.mu.Lock()
			s.backend.streams--
			s.backend.mu.Unlock()
		}
	})
	return nil
}

var _ Backend = (*MockBackend)(nil)

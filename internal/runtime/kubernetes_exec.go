package runtime

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// kubeTransport opens exec channels with credentials from one source list.
type kubeTransport struct {
	name    string
	backend *KubernetesBackend
	sources func(ws *workspace.Workspace) []CredentialSource
}

func (t *kubeTransport) Name() string { return t.name }

func (t *kubeTransport) Open(ctx context.Context, ws *workspace.Workspace) (Channel, error) {
	cfg, source, attempts := ResolveCredentials(t.sources(ws))
	if cfg == nil {
		parts := make([]string, len(attempts))
		for i, a := range attempts {
			parts[i] = a.String()
		}
		return nil, fmt.Errorf("no usable credentials: %s", strings.Join(parts, "; "))
	}

	client, err := t.backend.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("client from %s: %w", source, err)
	}

	pod := ""
	if desc, ok := ws.Access(); ok && desc.Pod != "" {
		p, err := client.CoreV1().Pods(ws.Namespace).Get(ctx, desc.Pod, metav1.GetOptions{})
		if err == nil && podReady(p) {
			pod = p.Name
		}
	}
	if pod == "" {
		pod, err = readyPod(ctx, client, ws.Namespace)
		if err != nil {
			return nil, fmt.Errorf("via %s: %w", source, err)
		}
	}

	return &kubeChannel{
		transport: t.name,
		config:    cfg,
		client:    client,
		namespace: ws.Namespace,
		pod:       pod,
		container: ContainerName,
	}, nil
}

// kubeChannel runs commands in a pod through the exec subresource.
type kubeChannel struct {
	transport string
	config    *rest.Config
	client    kubernetes.Interface
	namespace string
	pod       string
	container string
}

func (c *kubeChannel) Transport() string { return c.transport }

func (c *kubeChannel) Close() error { return nil }

func (c *kubeChannel) executor(argv []string, stdin, tty bool) (remotecommand.Executor, error) {
	req := c.client.CoreV1().RESTClient().
		Post().
		Resource("pods").
		Name(c.pod).
		Namespace(c.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: c.container,
			Command:   argv,
			Stdin:     stdin,
			Stdout:    true,
			Stderr:    !tty,
			TTY:       tty,
		}, scheme.ParameterCodec)

	return remotecommand.NewSPDYExecutor(c.config, "POST", req.URL())
}

func (c *kubeChannel) Exec(ctx context.Context, argv []string, opts ExecOptions) (*ExecResult, error) {
	exec, err := c.executor(WrapCommand(argv, opts), opts.Stdin != nil, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  opts.Stdin,
		Stdout: &stdout,
		Stderr: &stderr,
	})

	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr utilexec.ExitError
	switch {
	case err == nil:
		return result, nil
	case stderrors.As(err, &exitErr) && exitErr.Exited():
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	default:
		return nil, err
	}
}

func (c *kubeChannel) Stream(ctx context.Context, argv []string, size TermSize) (Stream, error) {
	exec, err := c.executor(argv, true, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	s := &kubeStream{
		stdin:  stdinW,
		stdout: stdoutR,
		sizes:  newSizeQueue(size),
		cancel: cancel,
	}

	go func() {
		err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdin:             stdinR,
			Stdout:            stdoutW,
			Tty:               true,
			TerminalSizeQueue: s.sizes,
		})
		if err == nil {
			err = io.EOF
		}
		stdoutW.CloseWithError(err)
		stdinR.Close()
		s.sizes.close()
	}()

	return s, nil
}

type kubeStream struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	sizes  *sizeQueue
	cancel context.CancelFunc
	once   sync.Once
}

func (s *kubeStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *kubeStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *kubeStream) Resize(size TermSize) error {
	s.sizes.push(size)
	return nil
}

func (s *kubeStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.stdin.Close()
		s.stdout.Close()
		s.sizes.close()
	})
	return nil
}

// sizeQueue feeds resize events to remotecommand. Only the latest pending
// size matters, so pushes never block.
type sizeQueue struct {
	ch   chan remotecommand.TerminalSize
	done chan struct{}
	once sync.Once
}

func newSizeQueue(initial TermSize) *sizeQueue {
	q := &sizeQueue{
		ch:   make(chan remotecommand.TerminalSize, 1),
		done: make(chan struct{}),
	}
	q.push(initial)
	return q
}

func (q *sizeQueue) push(size TermSize) {
	ts := remotecommand.TerminalSize{Width: size.Cols, Height: size.Rows}
	for {
		select {
		case q.ch <- ts:
			return
		case <-q.done:
			return
		default:
		}
		select {
		case <-q.ch:
		default:
		}
	}
}

func (q *sizeQueue) Next() *remotecommand.TerminalSize {
	select {
	case ts := <-q.ch:
		return &ts
	case <-q.done:
		return nil
	}
}

func (q *sizeQueue) close() {
	q.once.Do(func() { close(q.done) })
}

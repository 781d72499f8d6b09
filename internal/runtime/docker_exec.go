package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// dockerTransport opens exec channels into a workspace container. The
// stored variant dials the engine recorded in the connection descriptor;
// the ambient one uses the broker's own engine connection.
type dockerTransport struct {
	name    string
	backend *DockerBackend
	stored  bool
}

func (t *dockerTransport) Name() string { return t.name }

func (t *dockerTransport) Open(ctx context.Context, ws *workspace.Workspace) (Channel, error) {
	api := t.backend.api
	target := t.backend.ContainerName(ws.Namespace)
	// owned is a client dialed for this channel only.
	var owned io.Closer

	if t.stored {
		desc, ok := ws.Access()
		if !ok || desc.ContainerID == "" {
			return nil, fmt.Errorf("no stored container identity")
		}
		if desc.DockerHost != "" && desc.DockerHost != t.backend.host {
			dialed, err := t.backend.Dial(desc.DockerHost)
			if err != nil {
				return nil, err
			}
			api = dialed
			owned, _ = dialed.(io.Closer)
		}
		target = desc.ContainerID
	}

	info, err := api.ContainerInspect(ctx, target)
	if err == nil {
		if ready, why := containerReady(info); !ready {
			err = fmt.Errorf("container %s not ready: %s", target, why)
		}
	} else {
		err = fmt.Errorf("inspect %s: %w", target, err)
	}
	if err != nil {
		if owned != nil {
			_ = owned.Close()
		}
		return nil, err
	}

	return &dockerChannel{transport: t.name, api: api, container: info.ID, owned: owned}, nil
}

// dockerChannel runs commands in one container through the exec API.
type dockerChannel struct {
	transport string
	api       dockerAPI
	container string
	owned     io.Closer
	closeOnce sync.Once
}

func (c *dockerChannel) Transport() string { return c.transport }

// Close releases the engine client when the channel dialed its own.
func (c *dockerChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.owned != nil {
			err = c.owned.Close()
		}
	})
	return err
}

func (c *dockerChannel) Exec(ctx context.Context, argv []string, opts ExecOptions) (*ExecResult, error) {
	created, err := c.api.ContainerExecCreate(ctx, c.container, container.ExecOptions{
		Cmd:          argv,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := c.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	if opts.Stdin != nil {
		go func() {
			_, _ = io.Copy(resp.Conn, opts.Stdin)
			_ = resp.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inspect, err := c.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (c *dockerChannel) Stream(ctx context.Context, argv []string, size TermSize) (Stream, error) {
	created, err := c.api.ContainerExecCreate(ctx, c.container, container.ExecOptions{
		Cmd:          argv,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ConsoleSize:  &[2]uint{uint(size.Rows), uint(size.Cols)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := c.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{
		Tty:         true,
		ConsoleSize: &[2]uint{uint(size.Rows), uint(size.Cols)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}

	return &dockerStream{api: c.api, execID: created.ID, resp: resp}, nil
}

type dockerStream struct {
	api    dockerAPI
	execID string
	resp   types.HijackedResponse
	once   sync.Once
}

func (s *dockerStream) Read(p []byte) (int, error)  { return s.resp.Reader.Read(p) }
func (s *dockerStream) Write(p []byte) (int, error) { return s.resp.Conn.Write(p) }

func (s *dockerStream) Resize(size TermSize) error {
	return s.api.ContainerExecResize(context.Background(), s.execID, container.ResizeOptions{
		Height: uint(size.Rows),
		Width:  uint(size.Cols),
	})
}

func (s *dockerStream) Close() error {
	s.once.Do(s.resp.Close)
	return nil
}

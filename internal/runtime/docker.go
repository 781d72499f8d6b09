package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/port"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// dockerAPI is the subset of the Docker engine client the backend uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	ContainerExecCreate(ctx context.Context, container string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerExecResize(ctx context.Context, execID string, options container.ResizeOptions) error
}

// DockerBackend runs each workspace as a single container with a named
// volume mounted at the workspace root. The volume is independent of the
// container and survives its removal.
type DockerBackend struct {
	api    dockerAPI
	host   string
	prefix string
	cfg    config.DockerConfig
	poll   time.Duration
	log    *slog.Logger

	// Dial builds a client for a stored docker host. Defaults to the
	// engine client.
	Dial func(host string) (dockerAPI, error)
}

// NewDockerBackend creates a backend connected to the configured engine.
func NewDockerBackend(cfg config.DockerConfig, prefix string) (*DockerBackend, error) {
	api, err := dialDocker(cfg.Host)
	if err != nil {
		return nil, err
	}
	return newDockerBackend(api, cfg, prefix), nil
}

func newDockerBackend(api dockerAPI, cfg config.DockerConfig, prefix string) *DockerBackend {
	return &DockerBackend{
		api:    api,
		host:   cfg.Host,
		prefix: prefix,
		cfg:    cfg,
		poll:   500 * time.Millisecond,
		log:    logging.Component("docker"),
		Dial:   dialDocker,
	}
}

func dialDocker(host string) (dockerAPI, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// Kind returns the backing kind
func (b *DockerBackend) Kind() workspace.Kind {
	return workspace.KindDocker
}

// ContainerName returns the container name for a namespace.
func (b *DockerBackend) ContainerName(ns string) string {
	return DockerContainerName(b.prefix, ns)
}

// DockerContainerName names the container of a Docker-backed namespace.
// Namespaces that already carry the prefix are used as they are.
func DockerContainerName(prefix, ns string) string {
	if strings.HasPrefix(ns, prefix) {
		return ns
	}
	return prefix + ns
}

func dockerLabels(ws *workspace.Workspace) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedBy,
		LabelNamespace: ws.Namespace,
		LabelOwner:     ws.Owner.Key(),
	}
}

// Apply creates the data volume and the container, and starts it.
func (b *DockerBackend) Apply(ctx context.Context, ws *workspace.Workspace, spec Spec) error {
	if err := config.ValidateNamespace(ws.Namespace); err != nil {
		return errors.InvalidArgument(err.Error())
	}

	if _, err := b.api.VolumeCreate(ctx, volume.CreateOptions{
		Name:   ws.Data.Name,
		Labels: dockerLabels(ws),
	}); err != nil {
		return classifyDocker("create volume", err)
	}

	name := b.ContainerName(ws.Namespace)
	info, err := b.api.ContainerInspect(ctx, name)
	switch {
	case err == nil:
		if info.State != nil && info.State.Running {
			return nil
		}
	case errdefs.IsNotFound(err):
		return b.createAndStart(ctx, ws, spec, name, nil)
	default:
		return classifyDocker("inspect", err)
	}

	err = b.api.ContainerStart(ctx, name, container.StartOptions{})
	if isPortConflict(err) {
		// Another process took a host port while the container was stopped.
		b.log.Warn("host port taken, recreating container", "container", name, "error", err)
		if err := b.remove(ctx, name); err != nil {
			return err
		}
		return b.createAndStart(ctx, ws, spec, name, boundPorts(info))
	}
	if err != nil {
		return classifyDocker("start", err)
	}
	b.log.Debug("container started", "container", name)
	return nil
}

// maxPortConflicts bounds how often a container is recreated because its
// host ports were taken outside the broker.
const maxPortConflicts = 3

// createAndStart creates the container on free host ports and starts it.
// When start fails because a host port is already taken the container is
// removed and created again on other ports.
func (b *DockerBackend) createAndStart(ctx context.Context, ws *workspace.Workspace, spec Spec, name string, avoid []int) error {
	for attempt := 1; ; attempt++ {
		hostPorts, err := b.create(ctx, ws, spec, name, avoid)
		if err != nil {
			return err
		}
		err = b.api.ContainerStart(ctx, name, container.StartOptions{})
		if err == nil {
			b.log.Debug("container started", "container", name)
			return nil
		}
		if !isPortConflict(err) || attempt == maxPortConflicts {
			return classifyDocker("start", err)
		}
		b.log.Warn("host port taken, recreating container", "container", name, "ports", hostPorts, "error", err)
		if err := b.remove(ctx, name); err != nil {
			return err
		}
		avoid = append(avoid, hostPorts...)
	}
}

func (b *DockerBackend) remove(ctx context.Context, name string) error {
	err := b.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return classifyDocker("remove container", err)
	}
	return nil
}

func isPortConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "port is already allocated") || strings.Contains(msg, "address already in use")
}

// boundPorts returns the host ports a container was created with.
func boundPorts(info types.ContainerJSON) []int {
	if info.ContainerJSONBase == nil || info.HostConfig == nil {
		return nil
	}
	var out []int
	for _, bindings := range info.HostConfig.PortBindings {
		for _, pb := range bindings {
			if n, err := strconv.Atoi(pb.HostPort); err == nil {
				out = append(out, n)
			}
		}
	}
	return out
}

func (b *DockerBackend) usedPorts(ctx context.Context) ([]int, error) {
	containers, err := b.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedBy)),
	})
	if err != nil {
		return nil, err
	}
	var used []int
	for _, c := range containers {
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				used = append(used, int(p.PublicPort))
			}
		}
		// Stopped containers keep their reservations in HostConfig only.
		if c.State != "running" {
			info, err := b.api.ContainerInspect(ctx, c.ID)
			if err != nil {
				continue
			}
			used = append(used, boundPorts(info)...)
		}
	}
	return used, nil
}

// portsMu serializes host port allocation with container creation across
// every Docker backend in the process: ports are reserved only once the
// container exists.
var portsMu sync.Mutex

// create allocates host ports, skipping those in avoid, and creates the
// container on them. It returns the allocated ports.
func (b *DockerBackend) create(ctx context.Context, ws *workspace.Workspace, spec Spec, name string, avoid []int) ([]int, error) {
	portsMu.Lock()
	defer portsMu.Unlock()

	used, err := b.usedPorts(ctx)
	if err != nil {
		return nil, classifyDocker("list containers", err)
	}
	hostPorts, err := port.Allocate(b.cfg.PortRange, append(used, avoid...), len(spec.Ports))
	if err != nil {
		return nil, errors.ProvisionQuotaExceeded(ws.Namespace, err)
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for i, p := range spec.Ports {
		cp := nat.Port(fmt.Sprintf("%d/tcp", p))
		exposed[cp] = struct{}{}
		bindings[cp] = []nat.PortBinding{{HostIP: b.cfg.BindAddress, HostPort: strconv.Itoa(hostPorts[i])}}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          env,
		WorkingDir:   spec.Root,
		ExposedPorts: exposed,
		Labels:       dockerLabels(ws),
		Hostname:     "workspace",
	}
	if spec.AppPort != 0 {
		cfg.Labels[appPortAnnotation] = strconv.Itoa(spec.AppPort)
	}
	hostCfg := &container.HostConfig{
		Binds:         []string{ws.Data.Name + ":" + spec.Root},
		PortBindings:  bindings,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if b.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(b.cfg.Network)
	}

	_, err = b.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil && !errdefs.IsConflict(err) {
		return nil, classifyDocker("create container", err)
	}
	b.log.Info("container created", "container", name, "image", spec.Image, "ports", hostPorts)
	return hostPorts, nil
}

func containerReady(info types.ContainerJSON) (bool, string) {
	if info.ContainerJSONBase == nil || info.State == nil {
		return false, "no state"
	}
	st := info.State
	if !st.Running {
		if st.Error != "" {
			return false, st.Error
		}
		return false, st.Status
	}
	if st.Health != nil && st.Health.Status != types.Healthy && st.Health.Status != types.NoHealthcheck {
		return false, "health: " + st.Health.Status
	}
	return true, st.Status
}

// WaitReady polls until the container is running and, when it declares a
// healthcheck, healthy.
func (b *DockerBackend) WaitReady(ctx context.Context, ws *workspace.Workspace) error {
	name := b.ContainerName(ws.Namespace)
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	last := ""
	for {
		info, err := b.api.ContainerInspect(ctx, name)
		if err == nil {
			ready, why := containerReady(info)
			if ready {
				return nil
			}
			last = why
		} else if !errdefs.IsNotFound(err) && !errors.HasKind(classifyDocker("wait", err), errors.KindProvisionUnavailable) {
			return err
		} else {
			last = err.Error()
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last seen: %s)", ctx.Err(), last)
		case <-ticker.C:
		}
	}
}

// ResolveAccess returns the container identity and its published ports.
func (b *DockerBackend) ResolveAccess(ctx context.Context, ws *workspace.Workspace) (*workspace.ConnectionDescriptor, workspace.Exposure, error) {
	name := b.ContainerName(ws.Namespace)
	info, err := b.api.ContainerInspect(ctx, name)
	if err != nil {
		return nil, workspace.Exposure{}, classifyDocker("resolve access", err)
	}
	if ready, why := containerReady(info); !ready {
		return nil, workspace.Exposure{}, fmt.Errorf("container %s not ready: %s", name, why)
	}

	desc := &workspace.ConnectionDescriptor{
		Container:   name,
		ContainerID: info.ID,
		DockerHost:  b.host,
	}
	return desc, b.exposure(info), nil
}

func (b *DockerBackend) exposure(info types.ContainerJSON) workspace.Exposure {
	exposure := workspace.Exposure{Ports: map[int]int{}}
	if info.NetworkSettings == nil {
		return exposure
	}
	for cp, bindings := range info.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		hp, err := strconv.Atoi(bindings[0].HostPort)
		if err != nil {
			continue
		}
		exposure.Ports[cp.Int()] = hp
	}

	appPort := 0
	if info.Config != nil {
		appPort, _ = strconv.Atoi(info.Config.Labels[appPortAnnotation])
	}
	if hp, ok := exposure.Ports[appPort]; ok {
		exposure.AccessURL = fmt.Sprintf("http://%s:%d", b.cfg.PublicHost, hp)
	}
	return exposure
}

// Probe inspects the container.
func (b *DockerBackend) Probe(ctx context.Context, ws *workspace.Workspace) (*ProbeResult, error) {
	info, err := b.api.ContainerInspect(ctx, b.ContainerName(ws.Namespace))
	if errdefs.IsNotFound(err) {
		return &ProbeResult{Phase: "Missing", Message: "no workspace container"}, nil
	}
	if err != nil {
		return nil, classifyDocker("probe", err)
	}
	ready, why := containerReady(info)
	result := &ProbeResult{Ready: ready, Restarts: info.RestartCount}
	if info.State != nil {
		result.Phase = info.State.Status
	}
	if !ready {
		result.Message = why
	}
	return result, nil
}

// Teardown force-removes the container. The named volume is kept.
func (b *DockerBackend) Teardown(ctx context.Context, ws *workspace.Workspace) error {
	err := b.api.ContainerRemove(ctx, b.ContainerName(ws.Namespace), container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return classifyDocker("teardown", err)
	}
	return nil
}

// ReleaseData removes the named volume.
func (b *DockerBackend) ReleaseData(ctx context.Context, ws *workspace.Workspace) error {
	err := b.api.VolumeRemove(ctx, ws.Data.Name, true)
	if err != nil && !errdefs.IsNotFound(err) {
		return classifyDocker("release data", err)
	}
	b.log.Info("data released", "namespace", ws.Namespace, "volume", ws.Data.Name)
	return nil
}

// Transports returns the stored-host and ambient-host transports.
func (b *DockerBackend) Transports() []Transport {
	return []Transport{
		&dockerTransport{name: TransportStored, backend: b, stored: true},
		&dockerTransport{name: TransportAmbient, backend: b},
	}
}

var _ Backend = (*DockerBackend)(nil)

package runtime

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// Names of the per-namespace Kubernetes objects.
const (
	WorkloadName  = "workspace"
	ContainerName = "workspace"
	ClaimName     = "workspace-data"
	dataVolume    = "data"
)

// KubernetesBackend runs each workspace as a single-replica Deployment in its
// own namespace. Data lives on a cluster-scoped PersistentVolume named after
// the namespace, so deleting the namespace only removes the claim.
type KubernetesBackend struct {
	mu            sync.Mutex
	client        kubernetes.Interface
	restConfig    *rest.Config
	ambientSource string
	sources       []CredentialSource
	cfg           config.KubernetesConfig
	poll          time.Duration
	log           *slog.Logger

	// NewClient builds a clientset for a transport's resolved credentials.
	NewClient func(*rest.Config) (kubernetes.Interface, error)
}

// KubernetesOption configures a KubernetesBackend.
type KubernetesOption func(*KubernetesBackend)

// WithPollInterval sets how often readiness and cleanup are polled.
func WithPollInterval(d time.Duration) KubernetesOption {
	return func(b *KubernetesBackend) { b.poll = d }
}

// WithAmbientSources replaces where the broker's own credentials are
// looked up when no clientset was given.
func WithAmbientSources(sources []CredentialSource) KubernetesOption {
	return func(b *KubernetesBackend) { b.sources = sources }
}

// NewKubernetesBackend creates a backend over an existing clientset. A nil
// clientset is built from the ambient credentials on first use.
func NewKubernetesBackend(client kubernetes.Interface, cfg config.KubernetesConfig, opts ...KubernetesOption) *KubernetesBackend {
	b := &KubernetesBackend{
		client:  client,
		sources: AmbientSources(cfg.Kubeconfig),
		cfg:     cfg,
		poll:    time.Second,
		log:     logging.Component("kubernetes"),
		NewClient: func(c *rest.Config) (kubernetes.Interface, error) {
			return kubernetes.NewForConfig(c)
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ConnectKubernetes returns a backend bound to the cluster named by the
// broker's ambient credentials. When they cannot be resolved yet the backend
// is still returned and retries on each use, so workspaces reachable with
// stored credentials stay usable.
func ConnectKubernetes(cfg config.KubernetesConfig) *KubernetesBackend {
	b := NewKubernetesBackend(nil, cfg)
	if _, err := b.kube(); err != nil {
		b.log.Warn("cluster credentials unavailable, retrying on use", "error", err)
	}
	return b
}

// kube returns the control-plane clientset, resolving the ambient
// credentials if that has not succeeded yet.
func (b *KubernetesBackend) kube() (kubernetes.Interface, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}

	restConfig, source, attempts := ResolveCredentials(b.sources)
	if restConfig == nil {
		return nil, errors.AccessUnavailable("cluster", attempts)
	}
	restConfig.Timeout = b.cfg.APITimeout
	client, err := b.NewClient(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	b.log.Debug("kubernetes credentials resolved", "source", source, "host", restConfig.Host)
	b.client, b.restConfig, b.ambientSource = client, restConfig, source
	return client, nil
}

// ambient returns the resolved broker credentials, if any.
func (b *KubernetesBackend) ambient() (*rest.Config, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.restConfig, b.ambientSource
}

// Kind returns the backing kind
func (b *KubernetesBackend) Kind() workspace.Kind {
	return workspace.KindKubernetes
}

func selectorLabels() map[string]string {
	return map[string]string{"app": WorkloadName}
}

func objectLabels(ws *workspace.Workspace) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedBy,
		LabelNamespace: ws.Namespace,
		"app":          WorkloadName,
	}
}

func (b *KubernetesBackend) hostPath(ns string) (string, error) {
	if err := config.ValidateNamespace(ns); err != nil {
		return "", err
	}
	return securejoin.SecureJoin(b.cfg.HostDataRoot, ns)
}

// Apply creates the namespace, data volume, claim, deployment and service.
func (b *KubernetesBackend) Apply(ctx context.Context, ws *workspace.Workspace, spec Spec) error {
	ns := ws.Namespace
	hostPath, err := b.hostPath(ns)
	if err != nil {
		return errors.InvalidArgument(err.Error())
	}
	if _, err := b.kube(); err != nil {
		return err
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"namespace", func() error { return b.ensureNamespace(ctx, ws) }},
		{"volume", func() error { return b.ensureVolume(ctx, ws, hostPath) }},
		{"claim", func() error { return b.ensureClaim(ctx, ws) }},
		{"deployment", func() error { return b.ensureDeployment(ctx, ws, spec) }},
		{"service", func() error { return b.ensureService(ctx, ws, spec) }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return classifyKube("apply "+step.name, ns, err)
		}
		b.log.Debug("applied", "namespace", ns, "resource", step.name)
	}
	return nil
}

func ignoreExists(err error) error {
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (b *KubernetesBackend) ensureNamespace(ctx context.Context, ws *workspace.Workspace) error {
	nsObj := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   ws.Namespace,
			Labels: objectLabels(ws),
			Annotations: map[string]string{
				LabelOwner: ws.Owner.Key(),
			},
		},
	}
	_, err := b.client.CoreV1().Namespaces().Create(ctx, nsObj, metav1.CreateOptions{})
	return ignoreExists(err)
}

func (b *KubernetesBackend) storageQuantity() (resource.Quantity, error) {
	q, err := resource.ParseQuantity(b.cfg.StorageSize)
	if err != nil {
		return q, fmt.Errorf("invalid storage size %q: %w", b.cfg.StorageSize, err)
	}
	return q, nil
}

func (b *KubernetesBackend) ensureVolume(ctx context.Context, ws *workspace.Workspace, hostPath string) error {
	pvs := b.client.CoreV1().PersistentVolumes()

	existing, err := pvs.Get(ctx, ws.Data.Name, metav1.GetOptions{})
	if err == nil {
		// A Released volume still points at the claim of a deleted
		// namespace; clearing the claim ref makes it Available again.
		if existing.Status.Phase == corev1.VolumeReleased && existing.Spec.ClaimRef != nil {
			existing.Spec.ClaimRef = nil
			_, err = pvs.Update(ctx, existing, metav1.UpdateOptions{})
			if err == nil {
				b.log.Info("rebinding retained volume", "volume", ws.Data.Name)
			}
		}
		return err
	}
	if !apierrors.IsNotFound(err) {
		return err
	}

	size, err := b.storageQuantity()
	if err != nil {
		return err
	}
	node, err := b.dataNode(ctx, ws.Namespace)
	if err != nil {
		return err
	}
	dirOrCreate := corev1.HostPathDirectoryOrCreate
	pv := &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{
			Name:   ws.Data.Name,
			Labels: objectLabels(ws),
		},
		Spec: corev1.PersistentVolumeSpec{
			Capacity:                      corev1.ResourceList{corev1.ResourceStorage: size},
			AccessModes:                   []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			PersistentVolumeReclaimPolicy: corev1.PersistentVolumeReclaimRetain,
			StorageClassName:              b.cfg.StorageClass,
			PersistentVolumeSource: corev1.PersistentVolumeSource{
				HostPath: &corev1.HostPathVolumeSource{Path: hostPath, Type: &dirOrCreate},
			},
			NodeAffinity: &corev1.VolumeNodeAffinity{
				Required: &corev1.NodeSelector{
					NodeSelectorTerms: []corev1.NodeSelectorTerm{{
						MatchExpressions: []corev1.NodeSelectorRequirement{{
							Key:      corev1.LabelHostname,
							Operator: corev1.NodeSelectorOpIn,
							Values:   []string{node},
						}},
					}},
				},
			},
		},
	}
	_, err = pvs.Create(ctx, pv, metav1.CreateOptions{})
	if err == nil {
		b.log.Info("data volume created", "volume", ws.Data.Name, "node", node)
	}
	return ignoreExists(err)
}

// dataNode picks the node that holds a new workspace's host directory: the
// configured data node, or one of the ready nodes chosen by namespace.
func (b *KubernetesBackend) dataNode(ctx context.Context, ns string) (string, error) {
	if b.cfg.DataNode != "" {
		return b.cfg.DataNode, nil
	}
	nodes, err := b.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", err
	}
	var ready []string
	for i := range nodes.Items {
		n := &nodes.Items[i]
		if n.Spec.Unschedulable {
			continue
		}
		for _, c := range n.Status.Conditions {
			if c.Type == corev1.NodeReady && c.Status == corev1.ConditionTrue {
				ready = append(ready, hostnameOf(n))
				break
			}
		}
	}
	if len(ready) == 0 {
		return "", errors.ProvisionUnavailable("pick data node", fmt.Errorf("no ready nodes"))
	}
	sort.Strings(ready)
	h := fnv.New32a()
	_, _ = h.Write([]byte(ns))
	return ready[h.Sum32()%uint32(len(ready))], nil
}

func hostnameOf(n *corev1.Node) string {
	if h := n.Labels[corev1.LabelHostname]; h != "" {
		return h
	}
	return n.Name
}

// volumeNode returns the hostname a volume is pinned to.
func volumeNode(pv *corev1.PersistentVolume) string {
	na := pv.Spec.NodeAffinity
	if na == nil || na.Required == nil {
		return ""
	}
	for _, term := range na.Required.NodeSelectorTerms {
		for _, req := range term.MatchExpressions {
			if req.Key == corev1.LabelHostname && req.Operator == corev1.NodeSelectorOpIn && len(req.Values) == 1 {
				return req.Values[0]
			}
		}
	}
	return ""
}

func (b *KubernetesBackend) ensureClaim(ctx context.Context, ws *workspace.Workspace) error {
	size, err := b.storageQuantity()
	if err != nil {
		return err
	}
	class := b.cfg.StorageClass
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ClaimName,
			Namespace: ws.Namespace,
			Labels:    objectLabels(ws),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			StorageClassName: &class,
			VolumeName:       ws.Data.Name,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: size},
			},
		},
	}
	_, err = b.client.CoreV1().PersistentVolumeClaims(ws.Namespace).Create(ctx, pvc, metav1.CreateOptions{})
	return ignoreExists(err)
}

func (b *KubernetesBackend) resourceLimits() (corev1.ResourceList, error) {
	limits := corev1.ResourceList{}
	if b.cfg.CPULimit != "" {
		q, err := resource.ParseQuantity(b.cfg.CPULimit)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu limit %q: %w", b.cfg.CPULimit, err)
		}
		limits[corev1.ResourceCPU] = q
	}
	if b.cfg.MemoryLimit != "" {
		q, err := resource.ParseQuantity(b.cfg.MemoryLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid memory limit %q: %w", b.cfg.MemoryLimit, err)
		}
		limits[corev1.ResourceMemory] = q
	}
	return limits, nil
}

func (b *KubernetesBackend) ensureDeployment(ctx context.Context, ws *workspace.Workspace, spec Spec) error {
	limits, err := b.resourceLimits()
	if err != nil {
		return err
	}

	var ports []corev1.ContainerPort
	for _, p := range spec.Ports {
		ports = append(ports, corev1.ContainerPort{Name: fmt.Sprintf("port-%d", p), ContainerPort: int32(p), Protocol: corev1.ProtocolTCP})
	}
	var env []corev1.EnvVar
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	replicas := int32(1)
	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      WorkloadName,
			Namespace: ws.Namespace,
			Labels:    objectLabels(ws),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Selector: &metav1.LabelSelector{MatchLabels: selectorLabels()},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: objectLabels(ws)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:       ContainerName,
						Image:      spec.Image,
						Command:    spec.Command,
						WorkingDir: spec.Root,
						Ports:      ports,
						Env:        env,
						Resources:  corev1.ResourceRequirements{Limits: limits},
						VolumeMounts: []corev1.VolumeMount{{
							Name:      dataVolume,
							MountPath: spec.Root,
						}},
					}},
					Volumes: []corev1.Volume{{
						Name: dataVolume,
						VolumeSource: corev1.VolumeSource{
							PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: ClaimName},
						},
					}},
				},
			},
		},
	}

	deployments := b.client.AppsV1().Deployments(ws.Namespace)
	_, err = deployments.Create(ctx, deploy, metav1.CreateOptions{})
	if !apierrors.IsAlreadyExists(err) {
		return err
	}

	existing, err := deployments.Get(ctx, WorkloadName, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if existing.Spec.Replicas != nil && *existing.Spec.Replicas == 0 {
		existing.Spec.Replicas = &replicas
		_, err = deployments.Update(ctx, existing, metav1.UpdateOptions{})
		return err
	}
	return nil
}

func (b *KubernetesBackend) ensureService(ctx context.Context, ws *workspace.Workspace, spec Spec) error {
	if len(spec.Ports) == 0 {
		return nil
	}
	var ports []corev1.ServicePort
	for _, p := range spec.Ports {
		ports = append(ports, corev1.ServicePort{
			Name:       fmt.Sprintf("port-%d", p),
			Port:       int32(p),
			TargetPort: intstr.FromInt(p),
			Protocol:   corev1.ProtocolTCP,
		})
	}
	svcType := corev1.ServiceTypeClusterIP
	if b.cfg.ServiceType != "" {
		svcType = corev1.ServiceType(b.cfg.ServiceType)
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      WorkloadName,
			Namespace: ws.Namespace,
			Labels:    objectLabels(ws),
		},
		Spec: corev1.ServiceSpec{
			Type:     svcType,
			Selector: selectorLabels(),
			Ports:    ports,
		},
	}
	if spec.AppPort != 0 {
		svc.Annotations = map[string]string{appPortAnnotation: strconv.Itoa(spec.AppPort)}
	}
	_, err := b.client.CoreV1().Services(ws.Namespace).Create(ctx, svc, metav1.CreateOptions{})
	return ignoreExists(err)
}

func podReady(pod *corev1.Pod) bool {
	if pod.DeletionTimestamp != nil || pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// podProblem returns the most useful reason a pod is not ready.
func podProblem(pod *corev1.Pod) string {
	for _, cs := range pod.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil && w.Reason != "" {
			if w.Message != "" {
				return w.Reason + ": " + w.Message
			}
			return w.Reason
		}
		if t := cs.State.Terminated; t != nil && t.Reason != "" {
			return t.Reason
		}
	}
	for _, c := range pod.Status.Conditions {
		if c.Status != corev1.ConditionTrue && c.Message != "" {
			return c.Message
		}
	}
	return string(pod.Status.Phase)
}

func listWorkspacePods(ctx context.Context, client kubernetes.Interface, ns string) ([]corev1.Pod, error) {
	pods, err := client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selectorLabels()).String(),
	})
	if err != nil {
		return nil, err
	}
	return pods.Items, nil
}

// readyPod returns the name of a ready workspace pod.
func readyPod(ctx context.Context, client kubernetes.Interface, ns string) (string, error) {
	pods, err := listWorkspacePods(ctx, client, ns)
	if err != nil {
		return "", err
	}
	for i := range pods {
		if podReady(&pods[i]) {
			return pods[i].Name, nil
		}
	}
	return "", fmt.Errorf("no ready workspace pod in %s", ns)
}

// WaitReady polls until a workspace pod reports Ready.
func (b *KubernetesBackend) WaitReady(ctx context.Context, ws *workspace.Workspace) error {
	client, err := b.kube()
	if err != nil {
		return err
	}
	var last string
	err = wait.PollUntilContextCancel(ctx, b.poll, true, func(ctx context.Context) (bool, error) {
		pods, err := listWorkspacePods(ctx, client, ws.Namespace)
		if err != nil {
			if classified := classifyKube("wait", ws.Namespace, err); errors.HasKind(classified, errors.KindProvisionUnavailable) {
				last = err.Error()
				return false, nil
			}
			return false, err
		}
		if len(pods) == 0 {
			last = "no pods scheduled"
		}
		for i := range pods {
			if podReady(&pods[i]) {
				return true, nil
			}
			last = podProblem(&pods[i])
		}
		return false, nil
	})
	if err != nil && last != "" {
		return fmt.Errorf("%w (last seen: %s)", err, last)
	}
	return err
}

// ResolveAccess returns the pod to exec into and the exposed ports.
func (b *KubernetesBackend) ResolveAccess(ctx context.Context, ws *workspace.Workspace) (*workspace.ConnectionDescriptor, workspace.Exposure, error) {
	client, err := b.kube()
	if err != nil {
		return nil, workspace.Exposure{}, err
	}
	pod, err := readyPod(ctx, client, ws.Namespace)
	if err != nil {
		return nil, workspace.Exposure{}, classifyKube("resolve access", ws.Namespace, err)
	}

	desc := &workspace.ConnectionDescriptor{Pod: pod, Container: ContainerName}
	if rc, _ := b.ambient(); rc != nil {
		desc.Endpoint = rc.Host
		desc.Token = rc.BearerToken
		desc.CAData = rc.TLSClientConfig.CAData
	}

	exposure := workspace.Exposure{Ports: map[int]int{}}
	svc, err := client.CoreV1().Services(ws.Namespace).Get(ctx, WorkloadName, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		return desc, exposure, nil
	case err != nil:
		return nil, exposure, classifyKube("resolve access", ws.Namespace, err)
	}

	appPort := 0
	for i, p := range svc.Spec.Ports {
		external := int(p.Port)
		if p.NodePort != 0 {
			external = int(p.NodePort)
		}
		exposure.Ports[int(p.Port)] = external
		if i == 0 {
			appPort = int(p.Port)
		}
	}
	if hint := appPortHint(svc); hint != 0 {
		appPort = hint
	}
	if appPort != 0 {
		if b.cfg.NodeHost != "" && svc.Spec.Type == corev1.ServiceTypeNodePort {
			exposure.AccessURL = fmt.Sprintf("http://%s:%d", b.cfg.NodeHost, exposure.Ports[appPort])
		} else {
			exposure.AccessURL = fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", WorkloadName, ws.Namespace, appPort)
		}
	}
	return desc, exposure, nil
}

// appPortHint reads the primary application port recorded on the service.
func appPortHint(svc *corev1.Service) int {
	p, err := strconv.Atoi(svc.Annotations[appPortAnnotation])
	if err != nil {
		return 0
	}
	return p
}

const appPortAnnotation = "forage.firefly.dev/app-port"

// Probe reports the state of the workspace pod.
func (b *KubernetesBackend) Probe(ctx context.Context, ws *workspace.Workspace) (*ProbeResult, error) {
	client, err := b.kube()
	if err != nil {
		return nil, err
	}
	pods, err := listWorkspacePods(ctx, client, ws.Namespace)
	if err != nil {
		return nil, classifyKube("probe", ws.Namespace, err)
	}
	if len(pods) == 0 {
		return &ProbeResult{Phase: "Missing", Message: "no workspace pod"}, nil
	}

	best := &pods[0]
	for i := range pods {
		if podReady(&pods[i]) {
			best = &pods[i]
			break
		}
	}
	result := &ProbeResult{
		Ready: podReady(best),
		Phase: string(best.Status.Phase),
	}
	for _, cs := range best.Status.ContainerStatuses {
		result.Restarts += int(cs.RestartCount)
	}
	if !result.Ready {
		result.Message = podProblem(best)
	}
	return result, nil
}

// Teardown deletes the workspace namespace and waits for it to disappear.
// The PersistentVolume is cluster-scoped and survives.
func (b *KubernetesBackend) Teardown(ctx context.Context, ws *workspace.Workspace) error {
	client, err := b.kube()
	if err != nil {
		return err
	}
	namespaces := client.CoreV1().Namespaces()
	policy := metav1.DeletePropagationForeground
	err = namespaces.Delete(ctx, ws.Namespace, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return classifyKube("teardown", ws.Namespace, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.APITimeout)
	defer cancel()
	err = wait.PollUntilContextCancel(waitCtx, b.poll, true, func(ctx context.Context) (bool, error) {
		_, err := namespaces.Get(ctx, ws.Namespace, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		// Re-provisioning retries on a terminating namespace.
		b.log.Warn("namespace still terminating", "namespace", ws.Namespace)
	}
	return nil
}

func scrubPodName(ns string) string {
	name := "scrub-" + ns
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	return name
}

// ReleaseData scrubs the host directory behind the data volume on the node
// the volume is pinned to, then deletes the PersistentVolume. A volume that
// is already gone has nothing left to release.
func (b *KubernetesBackend) ReleaseData(ctx context.Context, ws *workspace.Workspace) error {
	ns := ws.Namespace
	if err := config.ValidateNamespace(ns); err != nil {
		return errors.InvalidArgument(err.Error())
	}
	if b.cfg.ScrubImage == "" {
		return errors.InvalidArgument("kubernetes.scrub_image is not configured")
	}
	client, err := b.kube()
	if err != nil {
		return err
	}

	pvs := client.CoreV1().PersistentVolumes()
	pv, err := pvs.Get(ctx, ws.Data.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		b.log.Debug("data volume already released", "namespace", ns, "volume", ws.Data.Name)
		return nil
	}
	if err != nil {
		return classifyKube("release data", ns, err)
	}
	node := volumeNode(pv)
	if node == "" {
		node = b.cfg.DataNode
	}
	if node == "" {
		return errors.InvalidArgument(fmt.Sprintf("volume %s is not pinned to a node; set kubernetes.data_node", ws.Data.Name))
	}

	if err := b.scrub(ctx, ws, node); err != nil {
		return classifyKube("release data", ns, err)
	}

	err = pvs.Delete(ctx, ws.Data.Name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classifyKube("release data", ns, err)
	}
	b.log.Info("data released", "namespace", ns, "volume", ws.Data.Name, "node", node)
	return nil
}

func (b *KubernetesBackend) scrub(ctx context.Context, ws *workspace.Workspace, node string) error {
	sys := b.cfg.SystemNamespace
	_, err := b.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: sys, Labels: map[string]string{LabelManagedBy: ManagedBy}},
	}, metav1.CreateOptions{})
	if err := ignoreExists(err); err != nil {
		return err
	}

	pods := b.client.CoreV1().Pods(sys)
	name := scrubPodName(ws.Namespace)
	_ = pods.Delete(ctx, name, metav1.DeleteOptions{})

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: sys,
			Labels:    map[string]string{LabelManagedBy: ManagedBy, LabelNamespace: ws.Namespace},
		},
		Spec: corev1.PodSpec{
			NodeName:      node,
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:    "scrub",
				Image:   b.cfg.ScrubImage,
				Command: []string{"rm", "-rf", "--", "/data/" + ws.Namespace},
				VolumeMounts: []corev1.VolumeMount{{
					Name:      "data-root",
					MountPath: "/data",
				}},
			}},
			Volumes: []corev1.Volume{{
				Name: "data-root",
				VolumeSource: corev1.VolumeSource{
					HostPath: &corev1.HostPathVolumeSource{Path: b.cfg.HostDataRoot},
				},
			}},
		},
	}
	if _, err := pods.Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return err
	}
	defer func() {
		_ = pods.Delete(context.WithoutCancel(ctx), name, metav1.DeleteOptions{})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.APITimeout)
	defer cancel()
	var phase corev1.PodPhase
	err = wait.PollUntilContextCancel(waitCtx, b.poll, true, func(ctx context.Context) (bool, error) {
		p, err := pods.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, nil
		}
		phase = p.Status.Phase
		return phase == corev1.PodSucceeded || phase == corev1.PodFailed, nil
	})
	if err != nil {
		return fmt.Errorf("scrub pod %s did not finish: %w", name, err)
	}
	if phase == corev1.PodFailed {
		return fmt.Errorf("scrub pod %s failed", name)
	}
	return nil
}

// Transports returns the stored-credential and ambient-credential transports.
func (b *KubernetesBackend) Transports() []Transport {
	return []Transport{
		&kubeTransport{name: TransportStored, backend: b, sources: func(ws *workspace.Workspace) []CredentialSource {
			desc, _ := ws.Access()
			return StoredSources(desc)
		}},
		&kubeTransport{name: TransportAmbient, backend: b, sources: func(*workspace.Workspace) []CredentialSource {
			if cfg, source := b.ambient(); cfg != nil {
				return []CredentialSource{{Name: source, Load: func() (*rest.Config, error) { return cfg, nil }}}
			}
			return b.sources
		}},
	}
}

var _ Backend = (*KubernetesBackend)(nil)

package workspace

import (
	"fmt"
	"regexp"
	"time"
)

// Kind is the closed set of compute backends a workspace can live on.
type Kind string

const (
	KindKubernetes Kind = "kubernetes"
	KindDocker     Kind = "docker"
)

// Kinds lists every supported backing kind.
var Kinds = []Kind{KindKubernetes, KindDocker}

// ParseKind validates a backing kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown backing kind %q (must be kubernetes or docker)", s)
}

// validID matches safe owner identifiers: alphanumeric, hyphens, underscores, dots.
var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Owner identifies who a workspace belongs to. Exactly one of ProjectID and
// ConversationID is set.
type Owner struct {
	ProjectID      string `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
}

// ProjectOwner returns an owner keyed by project.
func ProjectOwner(id string) Owner { return Owner{ProjectID: id} }

// ConversationOwner returns an owner keyed by conversation.
func ConversationOwner(id string) Owner { return Owner{ConversationID: id} }

// Validate checks that exactly one identifier is set and that it is safe to
// embed in names and labels.
func (o Owner) Validate() error {
	if (o.ProjectID == "") == (o.ConversationID == "") {
		return fmt.Errorf("exactly one of project_id or conversation_id is required")
	}
	id := o.id()
	if len(id) > 128 {
		return fmt.Errorf("owner id too long (max 128 characters)")
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("owner id %q contains invalid characters (allowed: alphanumeric, hyphens, underscores, dots)", id)
	}
	return nil
}

func (o Owner) scope() string {
	if o.ProjectID != "" {
		return "project"
	}
	return "conversation"
}

func (o Owner) id() string {
	if o.ProjectID != "" {
		return o.ProjectID
	}
	return o.ConversationID
}

// Key returns the canonical owner key, e.g. "project:42".
func (o Owner) Key() string {
	return o.scope() + ":" + o.id()
}

func (o Owner) String() string { return o.Key() }

// ParseOwnerKey is the inverse of Owner.Key.
func ParseOwnerKey(key string) (Owner, error) {
	for i := 0; i < len(key); i++ {
		if key[i] != ':' {
			continue
		}
		var o Owner
		switch key[:i] {
		case "project":
			o.ProjectID = key[i+1:]
		case "conversation":
			o.ConversationID = key[i+1:]
		default:
			return Owner{}, fmt.Errorf("invalid owner key %q", key)
		}
		return o, o.Validate()
	}
	return Owner{}, fmt.Errorf("invalid owner key %q", key)
}

// ConnectionDescriptor is everything a direct transport needs to reach the
// compute unit. It is only meaningful while the workspace is Running.
type ConnectionDescriptor struct {
	Endpoint    string `json:"endpoint,omitempty"`
	Token       string `json:"token,omitempty"`
	CAData      []byte `json:"ca_data,omitempty"`
	Kubeconfig  string `json:"kubeconfig,omitempty"`
	Pod         string `json:"pod,omitempty"`
	Container   string `json:"container,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	DockerHost  string `json:"docker_host,omitempty"`
}

// Exposure maps container ports to host ports and names the URL of the
// primary application port.
type Exposure struct {
	Ports     map[int]int `json:"ports,omitempty"`
	AccessURL string      `json:"access_url,omitempty"`
}

// DataHandle names the durable volume holding /workspace. It is keyed by
// namespace and survives removal of the compute unit.
type DataHandle struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Workspace is the durable record of one owner's sandbox.
type Workspace struct {
	ID         string                `json:"id"`
	Owner      Owner                 `json:"owner"`
	Namespace  string                `json:"namespace"`
	Kind       Kind                  `json:"backing_kind"`
	State      State                 `json:"status"`
	Image      string                `json:"image,omitempty"`
	Connection *ConnectionDescriptor `json:"-"`
	Exposure   Exposure              `json:"exposure"`
	Data       DataHandle            `json:"data"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Access returns the connection descriptor only while the workspace is
// running. A descriptor stored on a non-running record is stale.
func (w *Workspace) Access() (*ConnectionDescriptor, bool) {
	if w.State != StateRunning || w.Connection == nil {
		return nil, false
	}
	return w.Connection, true
}

// Live reports whether the record still counts toward the one-per-owner rule.
func (w *Workspace) Live() bool {
	return w.State != StateDeleted
}

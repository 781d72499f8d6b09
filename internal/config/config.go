package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "/etc/forage-broker/config.toml"
	DefaultStateDir   = "/var/lib/forage-broker"
	DefaultRoot       = "/workspace"
	ContainerPrefix   = "forage-"
)

// Backing kinds accepted in configuration.
const (
	KindKubernetes = "kubernetes"
	KindDocker     = "docker"
)

// namespaceRegex validates namespace names.
// Namespaces double as Kubernetes namespace names and container name suffixes,
// so they follow the DNS label rules: lowercase alphanumerics and hyphens,
// starting and ending with an alphanumeric, at most 63 characters.
var namespaceRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateNamespace checks if a namespace name is valid.
func ValidateNamespace(name string) error {
	if name == "" {
		return fmt.Errorf("namespace cannot be empty")
	}

	if !namespaceRegex.MatchString(name) {
		return fmt.Errorf("invalid namespace %q: must be a DNS label of at most 63 characters", name)
	}

	return nil
}

// safePath validates that a constructed path stays within the base directory.
// This prevents path traversal attacks where names like "../../../etc/passwd"
// could escape the intended directory.
func safePath(baseDir, name, suffix string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("name cannot be an absolute path")
	}

	if filepath.Dir(name) != "." {
		return "", fmt.Errorf("name cannot contain path separators")
	}

	path := filepath.Join(baseDir, name+suffix)

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("invalid base directory: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	// Add separator to prevent prefix matching (e.g., /var/lib/forage vs /var/lib/forage-evil)
	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) && absPath != absBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return path, nil
}

// Config is the broker configuration, loaded from TOML.
type Config struct {
	Server     ServerConfig     `toml:"server" yaml:"server"`
	Store      StoreConfig      `toml:"store" yaml:"store"`
	Workspace  WorkspaceConfig  `toml:"workspace" yaml:"workspace"`
	Kubernetes KubernetesConfig `toml:"kubernetes" yaml:"kubernetes"`
	Docker     DockerConfig     `toml:"docker" yaml:"docker"`
	SSH        SSHConfig        `toml:"ssh" yaml:"ssh"`
	Terminal   TerminalConfig   `toml:"terminal" yaml:"terminal"`
	Provision  ProvisionConfig  `toml:"provision" yaml:"provision"`
	Audit      AuditConfig      `toml:"audit" yaml:"audit"`
}

type ServerConfig struct {
	Listen            string        `toml:"listen" yaml:"listen"`
	Token             string        `toml:"token" yaml:"token,omitempty"`
	ReadHeaderTimeout time.Duration `toml:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Path    string        `toml:"path" yaml:"path"`
	Timeout time.Duration `toml:"timeout" yaml:"timeout"`
}

// WorkspaceConfig holds settings shared by every backing kind.
type WorkspaceConfig struct {
	Root            string        `toml:"root" yaml:"root"`
	NamespacePrefix string        `toml:"namespace_prefix" yaml:"namespace_prefix"`
	DefaultKind     string        `toml:"default_kind" yaml:"default_kind"`
	Image           string        `toml:"image" yaml:"image"`
	Command         []string      `toml:"command" yaml:"command"`
	Ports           []int         `toml:"ports" yaml:"ports"`
	AppPort         int           `toml:"app_port" yaml:"app_port"`
	MaxTreeDepth    int           `toml:"max_tree_depth" yaml:"max_tree_depth"`
	ExecTimeout     time.Duration `toml:"exec_timeout" yaml:"exec_timeout"`
}

type KubernetesConfig struct {
	Enabled         bool          `toml:"enabled" yaml:"enabled"`
	Kubeconfig      string        `toml:"kubeconfig" yaml:"kubeconfig,omitempty"`
	HostDataRoot    string        `toml:"host_data_root" yaml:"host_data_root"`
	StorageSize     string        `toml:"storage_size" yaml:"storage_size"`
	StorageClass    string        `toml:"storage_class" yaml:"storage_class"`
	SystemNamespace string        `toml:"system_namespace" yaml:"system_namespace"`
	ScrubImage      string        `toml:"scrub_image" yaml:"scrub_image"`
	ServiceType     string        `toml:"service_type" yaml:"service_type"`
	NodeHost        string        `toml:"node_host" yaml:"node_host,omitempty"`
	DataNode        string        `toml:"data_node" yaml:"data_node,omitempty"`
	CPULimit        string        `toml:"cpu_limit" yaml:"cpu_limit"`
	MemoryLimit     string        `toml:"memory_limit" yaml:"memory_limit"`
	APITimeout      time.Duration `toml:"api_timeout" yaml:"api_timeout"`
}

type DockerConfig struct {
	Enabled     bool      `toml:"enabled" yaml:"enabled"`
	Host        string    `toml:"host" yaml:"host,omitempty"`
	Network     string    `toml:"network" yaml:"network,omitempty"`
	BindAddress string    `toml:"bind_address" yaml:"bind_address"`
	PublicHost  string    `toml:"public_host" yaml:"public_host"`
	PortRange   PortRange `toml:"port_range" yaml:"port_range"`
}

// PortRange is an inclusive host port range.
type PortRange struct {
	From int `toml:"from" yaml:"from"`
	To   int `toml:"to" yaml:"to"`
}

// SSHConfig configures the fallback transport through a jump host that has
// its own cluster and docker access.
type SSHConfig struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	Host               string `toml:"host" yaml:"host,omitempty"`
	User               string `toml:"user" yaml:"user,omitempty"`
	Port               int    `toml:"port" yaml:"port"`
	IdentityFile       string `toml:"identity_file" yaml:"identity_file,omitempty"`
	KnownHostsFile     string `toml:"known_hosts_file" yaml:"known_hosts_file,omitempty"`
	StrictHostKeyCheck bool   `toml:"strict_host_key_check" yaml:"strict_host_key_check"`
	ConnectTimeout     int    `toml:"connect_timeout" yaml:"connect_timeout"`
	Kubectl            string `toml:"kubectl" yaml:"kubectl"`
	Docker             string `toml:"docker" yaml:"docker"`
}

type TerminalConfig struct {
	Shell          string        `toml:"shell" yaml:"shell"`
	FallbackShell  string        `toml:"fallback_shell" yaml:"fallback_shell"`
	IdleTimeout    time.Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	GracePeriod    time.Duration `toml:"grace_period" yaml:"grace_period"`
	MaxMessageSize int64         `toml:"max_message_size" yaml:"max_message_size"`
}

// ProvisionConfig bounds provisioning retries and readiness waits.
type ProvisionConfig struct {
	ReadyTimeout  time.Duration `toml:"ready_timeout" yaml:"ready_timeout"`
	Attempts      int           `toml:"attempts" yaml:"attempts"`
	BaseDelay     time.Duration `toml:"base_delay" yaml:"base_delay"`
	MaxDelay      time.Duration `toml:"max_delay" yaml:"max_delay"`
	ProbeInterval time.Duration `toml:"probe_interval" yaml:"probe_interval"`
	AutoRecover   bool          `toml:"auto_recover" yaml:"auto_recover"`
}

type AuditConfig struct {
	Dir string `toml:"dir" yaml:"dir,omitempty"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:            ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Store: StoreConfig{
			Path:    filepath.Join(DefaultStateDir, "registry.db"),
			Timeout: 5 * time.Second,
		},
		Workspace: WorkspaceConfig{
			Root:            DefaultRoot,
			NamespacePrefix: ContainerPrefix,
			DefaultKind:     KindKubernetes,
			Image:           "mcr.microsoft.com/devcontainers/base:bookworm",
			Command:         []string{"sleep", "infinity"},
			Ports:           []int{3000, 8000},
			AppPort:         3000,
			MaxTreeDepth:    8,
			ExecTimeout:     60 * time.Second,
		},
		Kubernetes: KubernetesConfig{
			Enabled:         true,
			HostDataRoot:    filepath.Join(DefaultStateDir, "data"),
			StorageSize:     "10Gi",
			StorageClass:    "forage-hostpath",
			SystemNamespace: "forage-system",
			ScrubImage:      "busybox:1.36",
			ServiceType:     "NodePort",
			CPULimit:        "2",
			MemoryLimit:     "4Gi",
			APITimeout:      30 * time.Second,
		},
		Docker: DockerConfig{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			PublicHost:  "localhost",
			PortRange:   PortRange{From: 20000, To: 20999},
		},
		SSH: SSHConfig{
			Port:               22,
			StrictHostKeyCheck: true,
			ConnectTimeout:     10,
			Kubectl:            "kubectl",
			Docker:             "docker",
		},
		Terminal: TerminalConfig{
			Shell:          "/bin/bash",
			FallbackShell:  "/bin/sh",
			IdleTimeout:    30 * time.Minute,
			GracePeriod:    5 * time.Second,
			MaxMessageSize: 64 * 1024,
		},
		Provision: ProvisionConfig{
			ReadyTimeout:  90 * time.Second,
			Attempts:      4,
			BaseDelay:     500 * time.Millisecond,
			MaxDelay:      8 * time.Second,
			ProbeInterval: 30 * time.Second,
		},
	}
}

// Load reads the TOML file at path over the defaults and applies
// environment overrides. A missing file at the default path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && path == DefaultConfigPath:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FORAGE_BROKER_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("FORAGE_BROKER_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("FORAGE_BROKER_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("FORAGE_BROKER_KUBECONFIG"); v != "" {
		c.Kubernetes.Kubeconfig = v
	}
}

// Validate checks that the Config is usable.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if !filepath.IsAbs(c.Workspace.Root) {
		return fmt.Errorf("workspace.root must be an absolute path (got %q)", c.Workspace.Root)
	}
	if c.Workspace.NamespacePrefix != "" && !namespaceRegex.MatchString(strings.TrimSuffix(c.Workspace.NamespacePrefix, "-")) {
		return fmt.Errorf("invalid workspace.namespace_prefix %q", c.Workspace.NamespacePrefix)
	}
	if len(c.Workspace.NamespacePrefix) > 24 {
		return fmt.Errorf("workspace.namespace_prefix must be at most 24 characters")
	}

	switch c.Workspace.DefaultKind {
	case KindKubernetes:
		if !c.Kubernetes.Enabled {
			return fmt.Errorf("default kind %q is disabled", c.Workspace.DefaultKind)
		}
	case KindDocker:
		if !c.Docker.Enabled {
			return fmt.Errorf("default kind %q is disabled", c.Workspace.DefaultKind)
		}
	default:
		return fmt.Errorf("invalid workspace.default_kind: %s (must be kubernetes or docker)", c.Workspace.DefaultKind)
	}

	for _, p := range c.Workspace.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid workspace port %d", p)
		}
	}

	if c.Docker.Enabled {
		r := c.Docker.PortRange
		if r.From < 1 || r.To > 65535 || r.From > r.To {
			return fmt.Errorf("invalid docker.port_range %d-%d", r.From, r.To)
		}
	}

	if c.Kubernetes.Enabled && !filepath.IsAbs(c.Kubernetes.HostDataRoot) {
		return fmt.Errorf("kubernetes.host_data_root must be an absolute path (got %q)", c.Kubernetes.HostDataRoot)
	}
	if c.Kubernetes.Enabled && c.Kubernetes.ScrubImage == "" {
		return fmt.Errorf("kubernetes.scrub_image is required when kubernetes is enabled")
	}

	if c.SSH.Enabled && c.SSH.Host == "" {
		return fmt.Errorf("ssh.host is required when ssh is enabled")
	}

	if c.Provision.Attempts < 1 {
		return fmt.Errorf("provision.attempts must be at least 1")
	}
	if c.Provision.ReadyTimeout <= 0 {
		return fmt.Errorf("provision.ready_timeout must be positive")
	}
	if c.Terminal.GracePeriod <= 0 {
		return fmt.Errorf("terminal.grace_period must be positive")
	}

	return nil
}

// AuditPath returns the JSONL event log path for a namespace, or "" when
// auditing is disabled.
func (c *Config) AuditPath(namespace string) (string, error) {
	if c.Audit.Dir == "" {
		return "", nil
	}
	if err := ValidateNamespace(namespace); err != nil {
		return "", err
	}
	return safePath(c.Audit.Dir, namespace, ".events.jsonl")
}

// Encode writes the configuration as "toml" or "yaml".
func (c *Config) Encode(w io.Writer, format string) error {
	switch format {
	case "", "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		_, err := w.Write(buf.Bytes())
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (must be toml or yaml)", format)
	}
}

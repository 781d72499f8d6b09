package runtime

import (
	"fmt"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

// Credential source names.
const (
	SourceStoredKubeconfig = "stored-kubeconfig"
	SourceStoredToken      = "stored-token"
	SourceInCluster        = "in-cluster"
	SourceKubeconfigFile   = "kubeconfig-file"
)

// CredentialSource produces a cluster client configuration.
type CredentialSource struct {
	Name string
	Load func() (*rest.Config, error)
}

// ResolveCredentials tries sources in order and returns the first usable
// configuration with the name of its source, plus every failed attempt.
// When nothing works the config is nil and the attempts explain why.
func ResolveCredentials(sources []CredentialSource) (*rest.Config, string, []errors.AttemptError) {
	var attempts []errors.AttemptError
	for _, src := range sources {
		if src.Load == nil {
			attempts = append(attempts, errors.AttemptError{Transport: src.Name, Err: fmt.Errorf("no loader")})
			continue
		}
		cfg, err := src.Load()
		if err == nil && cfg == nil {
			err = fmt.Errorf("empty configuration")
		}
		if err != nil {
			attempts = append(attempts, errors.AttemptError{Transport: src.Name, Err: err})
			continue
		}
		return cfg, src.Name, attempts
	}
	return nil, "", attempts
}

// StoredSources returns the credential sources carried by a connection
// descriptor: an embedded kubeconfig first, then endpoint plus token.
func StoredSources(desc *workspace.ConnectionDescriptor) []CredentialSource {
	return []CredentialSource{
		{Name: SourceStoredKubeconfig, Load: func() (*rest.Config, error) {
			if desc == nil || desc.Kubeconfig == "" {
				return nil, fmt.Errorf("no stored kubeconfig")
			}
			return clientcmd.RESTConfigFromKubeConfig([]byte(desc.Kubeconfig))
		}},
		{Name: SourceStoredToken, Load: func() (*rest.Config, error) {
			if desc == nil || desc.Endpoint == "" || desc.Token == "" {
				return nil, fmt.Errorf("no stored endpoint and token")
			}
			cfg := &rest.Config{Host: desc.Endpoint, BearerToken: desc.Token}
			cfg.TLSClientConfig.CAData = desc.CAData
			return cfg, nil
		}},
	}
}

// AmbientSources returns the credentials of the broker process itself:
// the in-cluster service account, then a kubeconfig file.
func AmbientSources(kubeconfig string) []CredentialSource {
	return []CredentialSource{
		{Name: SourceInCluster, Load: rest.InClusterConfig},
		{Name: SourceKubeconfigFile, Load: func() (*rest.Config, error) {
			rules := clientcmd.NewDefaultClientConfigLoadingRules()
			if kubeconfig != "" {
				rules.ExplicitPath = kubeconfig
			}
			return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
		}},
	}
}

package k8s

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// ClientConfig selects the cluster runbook Jobs are created in. The zero
// value means in-cluster credentials, then the default kubeconfig.
type ClientConfig struct {
	// Kubeconfig overrides the default loading rules ($KUBECONFIG, ~/.kube/config).
	Kubeconfig string
	// Context picks a kubeconfig context other than the current one.
	Context string
	// QPS and Burst raise client-side throttling for busy servers.
	QPS   float32
	Burst int
}

// NewClient creates a clientset for cfg.
func NewClient(cfg ClientConfig) (kubernetes.Interface, error) {
	restConfig, err := RestConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.QPS > 0 {
		restConfig.QPS = cfg.QPS
	}
	if cfg.Burst > 0 {
		restConfig.Burst = cfg.Burst
	}
	restConfig.UserAgent = "runbookd"
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating clientset: %w", err)
	}
	return clientset, nil
}

// RestConfig resolves the REST config. An explicit kubeconfig or context
// wins; otherwise in-cluster credentials are tried before the default
// loading rules.
func RestConfig(cfg ClientConfig) (*rest.Config, error) {
	if cfg.Kubeconfig == "" && cfg.Context == "" {
		if c, err := rest.InClusterConfig(); err == nil {
			return c, nil
		}
	}

	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		rules.ExplicitPath = cfg.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.Context}

	c, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	return c, nil
}

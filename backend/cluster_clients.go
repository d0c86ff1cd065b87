package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/luxury-yacht/dashboard/backend/refresh/system"
	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

// InClusterContext names the single context available when running inside a pod
// without a kubeconfig.
const InClusterContext = "in-cluster"

// clusterSource lists the available contexts and builds a runtime for one of them.
type clusterSource interface {
	Contexts() ([]system.ContextInfo, string, error)
	Build(ctx context.Context, name string, recorder *telemetry.Recorder) (*system.Runtime, error)
}

// clusterClients stores the Kubernetes clients of one context.
type clusterClients struct {
	context       string
	client        kubernetes.Interface
	metricsClient metricsclient.Interface
	restConfig    *rest.Config
}

// kubeconfigSource reads contexts from the configured kubeconfig files.
type kubeconfigSource struct {
	settings Settings
	logger   *Logger
}

func newKubeconfigSource(settings Settings, logger *Logger) *kubeconfigSource {
	return &kubeconfigSource{settings: settings, logger: logger}
}

func (s *kubeconfigSource) loadingRules() *clientcmd.ClientConfigLoadingRules {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if paths := s.settings.KubeconfigPaths(); len(paths) > 0 {
		rules.Precedence = paths
	}
	return rules
}

// inCluster reports whether no kubeconfig file exists and the pod service account is
// available instead.
func (s *kubeconfigSource) inCluster() bool {
	for _, path := range s.settings.KubeconfigPaths() {
		if _, err := os.Stat(path); err == nil {
			return false
		}
	}
	_, err := rest.InClusterConfig()
	return err == nil
}

// Contexts lists every kubeconfig context sorted by name, with the kubeconfig's current
// context.
func (s *kubeconfigSource) Contexts() ([]system.ContextInfo, string, error) {
	if s.inCluster() {
		return []system.ContextInfo{{Name: InClusterContext}}, InClusterContext, nil
	}
	raw, err := s.loadingRules().Load()
	if err != nil {
		return nil, "", fmt.Errorf("load kubeconfig: %w", err)
	}
	return contextInfos(raw), raw.CurrentContext, nil
}

func contextInfos(raw *clientcmdapi.Config) []system.ContextInfo {
	infos := make([]system.ContextInfo, 0, len(raw.Contexts))
	for name, ctx := range raw.Contexts {
		if ctx == nil {
			continue
		}
		infos = append(infos, system.ContextInfo{
			Name:      name,
			Cluster:   ctx.Cluster,
			Namespace: ctx.Namespace,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// restConfig loads the REST config of one context.
func (s *kubeconfigSource) restConfig(name string) (*rest.Config, error) {
	var (
		config *rest.Config
		err    error
	)
	if name == InClusterContext && s.inCluster() {
		config, err = rest.InClusterConfig()
	} else {
		overrides := &clientcmd.ConfigOverrides{CurrentContext: name}
		config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(s.loadingRules(), overrides).ClientConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("build config for context %s: %w", name, err)
	}
	config.QPS = s.settings.ClientQPS
	config.Burst = s.settings.ClientBurst
	return config, nil
}

// buildClusterClients initializes the client-go clients for a context.
func (s *kubeconfigSource) buildClusterClients(name string) (*clusterClients, error) {
	config, err := s.restConfig(name)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	clients := &clusterClients{context: name, client: clientset, restConfig: config}

	metrics, err := metricsclient.NewForConfig(config)
	if err != nil {
		s.logger.Info(fmt.Sprintf("Metrics client not available for context %s: %v", name, err), "KubernetesClient")
	} else {
		clients.metricsClient = metrics
	}
	return clients, nil
}

// Build creates the runtime of context name. The runtime is not started.
func (s *kubeconfigSource) Build(ctx context.Context, name string, recorder *telemetry.Recorder) (*system.Runtime, error) {
	if name == "" {
		return nil, errors.New("context name is required")
	}
	clients, err := s.buildClusterClients(name)
	if err != nil {
		return nil, err
	}
	return system.NewRuntime(ctx, system.Config{
		ContextName:     name,
		Client:          clients.client,
		MetricsClient:   clients.metricsClient,
		RestConfig:      clients.restConfig,
		Logger:          s.logger,
		Telemetry:       recorder,
		MetricsInterval: s.settings.MetricsInterval,
		HistorySize:     s.settings.MetricsHistory,
	})
}

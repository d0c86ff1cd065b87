package backend

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeKubeconfig(t *testing.T, path, current string, contexts ...string) {
	t.Helper()

	var b strings.Builder
	b.WriteString("apiVersion: v1\nkind: Config\npreferences: {}\nclusters:\n")
	b.WriteString("- cluster:\n    insecure-skip-tls-verify: true\n    server: https://127.0.0.1:6443\n  name: test-cluster\n")
	b.WriteString("users:\n- name: test-user\n  user:\n    token: test-token\ncontexts:\n")
	for _, ctx := range contexts {
		b.WriteString("- context:\n    cluster: test-cluster\n    user: test-user\n    namespace: " + ctx + "-ns\n  name: " + ctx + "\n")
	}
	b.WriteString("current-context: " + current + "\n")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
}

func TestKubeconfigSourceListsContexts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	writeKubeconfig(t, path, "prod", "prod", "dev")

	source := newKubeconfigSource(Settings{Kubeconfig: path, ClientQPS: 5, ClientBurst: 10}, newQuietLogger(10))
	contexts, current, err := source.Contexts()
	require.NoError(t, err)
	require.Equal(t, "prod", current)
	require.Len(t, contexts, 2)
	require.Equal(t, "dev", contexts[0].Name)
	require.Equal(t, "test-cluster", contexts[0].Cluster)
	require.Equal(t, "dev-ns", contexts[0].Namespace)
	require.Equal(t, "prod", contexts[1].Name)
}

func TestKubeconfigSourceMergesFiles(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first")
	second := filepath.Join(dir, "second")
	writeKubeconfig(t, first, "a", "a")
	writeKubeconfig(t, second, "b", "b")

	source := newKubeconfigSource(Settings{Kubeconfig: first + string(filepath.ListSeparator) + second}, newQuietLogger(10))
	contexts, current, err := source.Contexts()
	require.NoError(t, err)
	require.Equal(t, "a", current, "the first file wins the current-context")
	require.Len(t, contexts, 2)
}

func TestKubeconfigSourceRestConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	writeKubeconfig(t, path, "dev", "dev")

	source := newKubeconfigSource(Settings{Kubeconfig: path, ClientQPS: 5, ClientBurst: 10}, newQuietLogger(10))
	config, err := source.restConfig("dev")
	require.NoError(t, err)
	require.Equal(t, "https://127.0.0.1:6443", config.Host)
	require.Equal(t, "test-token", config.BearerToken)
	require.Equal(t, float32(5), config.QPS)
	require.Equal(t, 10, config.Burst)

	_, err = source.restConfig("missing")
	require.Error(t, err)

	clients, err := source.buildClusterClients("dev")
	require.NoError(t, err)
	require.NotNil(t, clients.client)
	require.NotNil(t, clients.metricsClient)
	require.Equal(t, "dev", clients.context)
}

func TestKubeconfigSourceRejectsEmptyContext(t *testing.T) {
	source := newKubeconfigSource(Settings{}, newQuietLogger(10))
	_, err := source.Build(t.Context(), "", nil)
	require.Error(t, err)
}

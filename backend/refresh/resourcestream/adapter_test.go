package resourcestream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxury-yacht/dashboard/backend/refresh"
)

func TestAdapterNormalizesScopes(t *testing.T) {
	adapter := NewAdapter(newTestManager(Options{}), "dev")
	require.Equal(t, "dev", adapter.Context())

	scope, err := adapter.NormalizeScope(refresh.KindPod.Domain(), "namespace:default")
	require.NoError(t, err)
	require.Equal(t, refresh.NamespaceScope("default"), scope)

	scope, err = adapter.NormalizeScope(refresh.KindNode.Domain(), "default")
	require.NoError(t, err)
	require.Equal(t, refresh.ScopeAllNamespaces, scope)
}

func TestAdapterLabelsErrorsWithContext(t *testing.T) {
	adapter := NewAdapter(newTestManager(Options{}), "dev")
	_, err := adapter.Subscribe("widgets", "")
	require.ErrorIs(t, err, refresh.ErrBadRequest)
	require.Contains(t, err.Error(), `context "dev"`)

	sub, err := adapter.Subscribe(refresh.KindPod.Domain(), "default")
	require.NoError(t, err)
	require.Equal(t, refresh.NamespaceScope("default"), sub.Scope)
	sub.Cancel()
}

func TestAdapterWithoutManager(t *testing.T) {
	var adapter *Adapter
	_, err := adapter.Subscribe(refresh.KindPod.Domain(), "")
	require.ErrorIs(t, err, refresh.ErrStreamUnavailable)
}

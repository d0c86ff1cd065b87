package resourcestream

import (
	"strings"

	"github.com/luxury-yacht/dashboard/backend/refresh"
)

// normalizeScopeForDomain maps a requested scope onto the canonical subscription key.
// Cluster-scoped kinds and the aggregate domains only have the unfiltered scope.
func normalizeScopeForDomain(domain, scope string) (string, error) {
	switch domain {
	case refresh.DomainMetrics, refresh.DomainSummary, refresh.DomainCluster:
		return refresh.ScopeAllNamespaces, nil
	}
	kind, ok := refresh.KindForDomain(domain)
	if !ok {
		return "", refresh.BadRequestf("unsupported resource stream domain %q", domain)
	}
	if !kind.Namespaced() {
		return refresh.ScopeAllNamespaces, nil
	}
	return normalizeNamespaceScope(scope)
}

func normalizeNamespaceScope(scope string) (string, error) {
	value := strings.TrimSpace(scope)
	if strings.HasPrefix(value, "namespace:") {
		value = strings.TrimSpace(strings.TrimLeft(strings.TrimPrefix(value, "namespace:"), ":"))
	}
	namespace, err := refresh.NormalizeNamespace(value)
	if err != nil {
		return "", err
	}
	return refresh.NamespaceScope(namespace), nil
}

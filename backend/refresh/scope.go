package refresh

import (
	"regexp"
	"strings"
)

const (
	namespaceScopePrefix = "namespace:"
	allNamespacesValue   = "all"

	// ScopeAllNamespaces is the scope shared by unfiltered subscriptions.
	ScopeAllNamespaces = namespaceScopePrefix + allNamespacesValue

	maxNameLength = 253
)

var nameRegex = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidName reports whether value is usable as a namespace or object name.
// Empty strings are accepted so callers can treat them as "unfiltered".
func ValidName(value string) bool {
	if value == "" {
		return true
	}
	if len(value) > maxNameLength {
		return false
	}
	return nameRegex.MatchString(value)
}

// NormalizeNamespace maps the unfiltered spellings ("", "all", "*") to "" and validates everything else.
func NormalizeNamespace(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, namespaceScopePrefix)
	switch strings.ToLower(value) {
	case "", allNamespacesValue, "*":
		return "", nil
	}
	if !ValidName(value) {
		return "", BadRequestf("invalid namespace %q", raw)
	}
	return value, nil
}

// NamespaceScope returns the subscription scope for a normalized namespace filter.
func NamespaceScope(namespace string) string {
	if namespace == "" {
		return ScopeAllNamespaces
	}
	return namespaceScopePrefix + namespace
}

// ScopesForNamespace returns every scope that should see an event from namespace.
// Cluster-scoped records only reach the unfiltered scope.
func ScopesForNamespace(namespace string) []string {
	if namespace == "" {
		return []string{ScopeAllNamespaces}
	}
	return []string{namespaceScopePrefix + namespace, ScopeAllNamespaces}
}

// NamespaceFromScope reverses NamespaceScope.
func NamespaceFromScope(scope string) string {
	value := strings.TrimPrefix(scope, namespaceScopePrefix)
	if value == allNamespacesValue {
		return ""
	}
	return value
}

// MatchesNamespace reports whether a record in namespace passes the filter.
func MatchesNamespace(filter, namespace string) bool {
	return filter == "" || filter == namespace
}

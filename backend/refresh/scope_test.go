package refresh

import "testing"

func TestNormalizeNamespace(t *testing.T) {
	for _, raw := range []string{"", "all", "ALL", "*", "namespace:all"} {
		ns, err := NormalizeNamespace(raw)
		if err != nil || ns != "" {
			t.Fatalf("expected %q to mean all namespaces, got %q (%v)", raw, ns, err)
		}
	}
	ns, err := NormalizeNamespace(" team-a ")
	if err != nil || ns != "team-a" {
		t.Fatalf("expected team-a, got %q (%v)", ns, err)
	}
	if _, err := NormalizeNamespace("Team_A"); err == nil {
		t.Fatalf("expected invalid namespace to be rejected")
	}
}

func TestScopesForNamespace(t *testing.T) {
	scopes := ScopesForNamespace("team-a")
	if len(scopes) != 2 || scopes[0] != "namespace:team-a" || scopes[1] != ScopeAllNamespaces {
		t.Fatalf("unexpected scopes %v", scopes)
	}
	if scopes := ScopesForNamespace(""); len(scopes) != 1 || scopes[0] != ScopeAllNamespaces {
		t.Fatalf("unexpected cluster scopes %v", scopes)
	}
	if NamespaceFromScope(NamespaceScope("")) != "" || NamespaceFromScope(NamespaceScope("x")) != "x" {
		t.Fatalf("scope round trip failed")
	}
}

func TestValidName(t *testing.T) {
	long := make([]byte, 254)
	for i := range long {
		long[i] = 'a'
	}
	if ValidName(string(long)) {
		t.Fatalf("expected names over 253 characters to be rejected")
	}
	if !ValidName("web-1") || ValidName("-web") || ValidName("web.") {
		t.Fatalf("unexpected name validation result")
	}
}

func TestParseKind(t *testing.T) {
	for _, raw := range []string{"pods", "pod", "Pod", " POD "} {
		kind, err := ParseKind(raw)
		if err != nil || kind != KindPod {
			t.Fatalf("expected %q to parse as Pod, got %q (%v)", raw, kind, err)
		}
	}
	if _, err := ParseKind("secrets"); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
	if KindConfigMap.Domain() != "configmaps" || KindConfigMap.Singular() != "configmap" {
		t.Fatalf("unexpected configmap domains")
	}
}

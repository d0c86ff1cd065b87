package refresh

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies a watched resource kind.
type Kind string

const (
	KindPod        Kind = "Pod"
	KindNode       Kind = "Node"
	KindDeployment Kind = "Deployment"
	KindService    Kind = "Service"
	KindConfigMap  Kind = "ConfigMap"
)

// WatchedKinds lists every kind that has a watch adapter.
var WatchedKinds = []Kind{KindPod, KindNode, KindDeployment, KindService, KindConfigMap}

// Distinguished non-resource stream domains.
const (
	DomainMetrics = "metrics"
	DomainSummary = "summary"
	DomainCluster = "cluster"
)

var kindDomains = map[Kind][2]string{
	KindPod:        {"pods", "pod"},
	KindNode:       {"nodes", "node"},
	KindDeployment: {"deployments", "deployment"},
	KindService:    {"services", "service"},
	KindConfigMap:  {"configmaps", "configmap"},
}

// Domain returns the plural stream domain for the kind ("pods").
func (k Kind) Domain() string {
	return kindDomains[k][0]
}

// Singular returns the single-resource frame kind ("pod").
func (k Kind) Singular() string {
	return kindDomains[k][1]
}

// Namespaced reports whether records of this kind live in a namespace.
func (k Kind) Namespaced() bool {
	return k != KindNode
}

// ParseKind accepts a kind name, its plural domain, or its singular form in any case.
func ParseKind(raw string) (Kind, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	for kind, names := range kindDomains {
		if value == strings.ToLower(string(kind)) || value == names[0] || value == names[1] {
			return kind, nil
		}
	}
	return "", BadRequestf("unknown resource kind %q", raw)
}

// KindForDomain resolves a plural stream domain back to its kind.
func KindForDomain(domain string) (Kind, bool) {
	for kind, names := range kindDomains {
		if names[0] == domain {
			return kind, true
		}
	}
	return "", false
}

// Key identifies a record within a kind.
type Key struct {
	Namespace string
	Name      string
}

func (k Key) String() string {
	if k.Namespace == "" {
		return k.Name
	}
	return k.Namespace + "/" + k.Name
}

// Less orders keys by namespace, then name.
func (k Key) Less(other Key) bool {
	if k.Namespace != other.Namespace {
		return k.Namespace < other.Namespace
	}
	return k.Name < other.Name
}

// Record is the normalized, UI-facing projection of one cluster object.
type Record struct {
	Kind            Kind        `json:"kind"`
	Namespace       string      `json:"namespace,omitempty"`
	Name            string      `json:"name"`
	UID             string      `json:"uid,omitempty"`
	ResourceVersion string      `json:"resourceVersion,omitempty"`
	Row             interface{} `json:"row"`
}

// Key returns the record's identity.
func (r Record) Key() Key {
	return Key{Namespace: r.Namespace, Name: r.Name}
}

// EventType tags a ResourceEvent.
type EventType string

const (
	EventAdded    EventType = "ADDED"
	EventModified EventType = "MODIFIED"
	EventDeleted  EventType = "DELETED"
)

// ResourceEvent is one add/modify/delete observation for a record.
type ResourceEvent struct {
	Type   EventType
	Record Record
	// Synthetic marks events produced by relist reconciliation rather than the live watch.
	Synthetic bool
	// Sequence is assigned per subscription when the event is delivered.
	Sequence uint64
}

func (e ResourceEvent) String() string {
	return fmt.Sprintf("%s %s %s", e.Type, e.Record.Kind, e.Record.Key())
}

// StreamState describes the health of one stream domain.
type StreamState string

const (
	StateLive      StreamState = "live"
	StateResyncing StreamState = "resyncing"
	StateDegraded  StreamState = "degraded"
)

// DomainStatus reports a stream domain's health.
type DomainStatus struct {
	Domain string      `json:"domain"`
	State  StreamState `json:"state"`
	Reason Reason      `json:"reason,omitempty"`
	Error  string      `json:"error,omitempty"`
	Since  time.Time   `json:"since"`
}

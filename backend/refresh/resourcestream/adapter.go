package resourcestream

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/luxury-yacht/dashboard/backend/refresh"
	"github.com/luxury-yacht/dashboard/backend/refresh/streammux"
)

// Adapter exposes one context's manager to stream sessions.
type Adapter struct {
	manager *Manager
	context string
}

// NewAdapter binds manager to the kube context it serves.
func NewAdapter(manager *Manager, contextName string) *Adapter {
	return &Adapter{manager: manager, context: contextName}
}

// Context names the kube context behind the adapter.
func (a *Adapter) Context() string { return a.context }

func (a *Adapter) NormalizeScope(domain, scope string) (string, error) {
	return normalizeScopeForDomain(domain, scope)
}

// Subscribe registers a subscriber. Failures carry the context name so a session
// can tell a stopped runtime apart from a bad request.
func (a *Adapter) Subscribe(domain, scope string) (*streammux.Subscription, error) {
	if a == nil || a.manager == nil {
		return nil, fmt.Errorf("%w: no resource stream for this context", refresh.ErrStreamUnavailable)
	}
	sub, err := a.manager.Subscribe(domain, scope)
	if err != nil {
		return nil, fmt.Errorf("context %q: %w", a.context, err)
	}
	klog.V(4).InfoS("stream subscription opened", "context", a.context, "domain", domain, "scope", sub.Scope)
	return sub, nil
}

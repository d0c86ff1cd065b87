package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/client-go/kubernetes"

	"github.com/luxury-yacht/dashboard/backend/refresh"
	"github.com/luxury-yacht/dashboard/backend/refresh/streammux"
	"github.com/luxury-yacht/dashboard/backend/refresh/system"
	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

var errNoActiveContext = fmt.Errorf("%w: no active context", refresh.ErrClusterUnreachable)

// ClusterRegistry owns the runtime of the active cluster context. Exactly one runtime
// serves requests at a time; a switch starts the new runtime, publishes it, and only
// then stops the old one.
type ClusterRegistry struct {
	source    clusterSource
	logger    *Logger
	telemetry *telemetry.Recorder
	group     singleflight.Group
	now       func() time.Time

	// switchMu serializes switches so two different targets never interleave.
	switchMu sync.Mutex

	mu         sync.RWMutex
	base       context.Context
	contexts   []system.ContextInfo
	kubeconfig string // the kubeconfig's own current-context
	current    string
	runtime    *system.Runtime
}

// newClusterRegistry builds a registry over source.
func newClusterRegistry(source clusterSource, logger *Logger, recorder *telemetry.Recorder) *ClusterRegistry {
	if recorder == nil {
		recorder = telemetry.NewRecorder()
	}
	return &ClusterRegistry{
		source:    source,
		logger:    logger,
		telemetry: recorder,
		now:       time.Now,
		base:      context.Background(),
	}
}

// Init loads the context list and activates initial, falling back to the kubeconfig's
// current context and then to the first context. Runtimes live until ctx is cancelled
// or the registry is torn down.
func (r *ClusterRegistry) Init(ctx context.Context, initial string) error {
	r.mu.Lock()
	r.base = ctx
	r.mu.Unlock()

	if err := r.Reload(); err != nil {
		return err
	}

	r.mu.RLock()
	target := initial
	if target == "" {
		target = r.kubeconfig
	}
	if target == "" && len(r.contexts) > 0 {
		target = r.contexts[0].Name
	}
	r.mu.RUnlock()

	if target == "" {
		return fmt.Errorf("%w: kubeconfig has no contexts", refresh.ErrClusterUnreachable)
	}
	return r.Switch(ctx, target)
}

// Reload re-reads the context list. A vanished active context keeps its runtime.
func (r *ClusterRegistry) Reload() error {
	contexts, current, err := r.source.Contexts()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.contexts = contexts
	r.kubeconfig = current
	active := r.current
	r.mu.Unlock()

	if active != "" && !r.known(active) {
		r.logger.Warn(fmt.Sprintf("Active context %s is no longer in the kubeconfig; keeping its runtime", active), "ClusterRegistry")
	}
	return nil
}

func (r *ClusterRegistry) known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, info := range r.contexts {
		if info.Name == name {
			return true
		}
	}
	return false
}

// Switch makes name the active context. Concurrent calls for the same name share one
// switch; a call for the already active context is a no-op.
func (r *ClusterRegistry) Switch(ctx context.Context, name string) error {
	if !r.known(name) {
		return refresh.NotFoundf("context %q", name)
	}
	_, err, _ := r.group.Do(name, func() (interface{}, error) {
		return nil, r.switchTo(ctx, name)
	})
	return err
}

func (r *ClusterRegistry) switchTo(ctx context.Context, name string) error {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	r.mu.RLock()
	active, base := r.current, r.base
	running := r.runtime != nil
	r.mu.RUnlock()
	if active == name && running {
		return nil
	}

	started := r.now()
	r.logger.Info(fmt.Sprintf("Switching to context %s", name), "ClusterRegistry")

	next, err := r.source.Build(ctx, name, r.telemetry)
	if err != nil {
		r.telemetry.RecordContextSwitch(name, r.now().Sub(started), err)
		r.logger.Error(fmt.Sprintf("Failed to build runtime for context %s: %v", name, err), "ClusterRegistry")
		return err
	}

	if err := next.Start(base); err != nil {
		_ = next.Stop()
		r.telemetry.RecordContextSwitch(name, r.now().Sub(started), err)
		r.logger.Error(fmt.Sprintf("Failed to start runtime for context %s: %v", name, err), "ClusterRegistry")
		return err
	}

	// the new runtime is visible before the old one drops its subscribers
	r.mu.Lock()
	previous := r.runtime
	r.runtime = next
	r.current = name
	r.mu.Unlock()

	if previous != nil {
		if err := previous.Stop(); err != nil {
			r.logger.Warn(fmt.Sprintf("Context %s stopped with error: %v", previous.Name(), err), "ClusterRegistry")
		}
	}

	r.telemetry.RecordContextSwitch(name, r.now().Sub(started), nil)
	for _, issue := range next.Issues() {
		r.logger.Warn(fmt.Sprintf("Context %s: %s unavailable: %v", name, issue.Domain, issue.Err), "ClusterRegistry")
	}
	r.logger.Info(fmt.Sprintf("Context %s is active", name), "ClusterRegistry")
	return nil
}

// Runtime returns the active runtime.
func (r *ClusterRegistry) Runtime() (*system.Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.runtime == nil {
		return nil, errNoActiveContext
	}
	return r.runtime, nil
}

// Current returns the active context name, empty when none is running.
func (r *ClusterRegistry) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Contexts lists the known contexts with the active one flagged.
func (r *ClusterRegistry) Contexts() ([]system.ContextInfo, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]system.ContextInfo, len(r.contexts))
	for i, info := range r.contexts {
		info.IsCurrent = info.Name == r.current
		out[i] = info
	}
	return out, r.current
}

// SwitchContext switches the active context.
func (r *ClusterRegistry) SwitchContext(ctx context.Context, name string) error {
	return r.Switch(ctx, name)
}

// Active returns the stream adapter of the active runtime.
func (r *ClusterRegistry) Active() (streammux.Adapter, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.runtime == nil {
		return nil, "", errNoActiveContext
	}
	return r.runtime.StreamAdapter(), r.current, nil
}

// Client returns the Kubernetes client of the active context.
func (r *ClusterRegistry) Client() (kubernetes.Interface, error) {
	rt, err := r.Runtime()
	if err != nil {
		return nil, err
	}
	return rt.Client(), nil
}

// LogTailer builds a log controller bound to the active context.
func (r *ClusterRegistry) LogTailer() (streammux.LogTailer, error) {
	rt, err := r.Runtime()
	if err != nil {
		return nil, err
	}
	return rt.NewLogController(), nil
}

// Telemetry returns the recorder shared by every runtime.
func (r *ClusterRegistry) Telemetry() *telemetry.Recorder {
	return r.telemetry
}

// Teardown stops the active runtime. The registry can be initialised again afterwards.
func (r *ClusterRegistry) Teardown() error {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	r.mu.Lock()
	rt := r.runtime
	r.runtime = nil
	r.current = ""
	r.mu.Unlock()

	if rt == nil {
		return nil
	}
	if err := rt.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Package system assembles the per-context runtime: one cache, one multiplexer, one
// adapter per watched kind, the metrics poller and the request/response services.
package system

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/internal/parallel"
	"github.com/luxury-yacht/dashboard/backend/refresh"
	"github.com/luxury-yacht/dashboard/backend/refresh/clustercache"
	"github.com/luxury-yacht/dashboard/backend/refresh/informer"
	"github.com/luxury-yacht/dashboard/backend/refresh/logstream"
	"github.com/luxury-yacht/dashboard/backend/refresh/metrics"
	"github.com/luxury-yacht/dashboard/backend/refresh/permissions"
	"github.com/luxury-yacht/dashboard/backend/refresh/query"
	"github.com/luxury-yacht/dashboard/backend/refresh/resourcestream"
	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

const metricsGroupVersion = "metrics.k8s.io/v1beta1"

type noopLogger struct{}

func (noopLogger) Debug(string, ...string) {}
func (noopLogger) Info(string, ...string)  {}
func (noopLogger) Warn(string, ...string)  {}
func (noopLogger) Error(string, ...string) {}

// PermissionIssue records a domain that was not started, or started blind, because its
// access review was denied or failed.
type PermissionIssue struct {
	Domain   string `json:"domain"`
	Resource string `json:"resource"`
	Denied   bool   `json:"denied"`
	Err      error  `json:"-"`
}

// Config contains the dependencies of one context's runtime.
type Config struct {
	ContextName     string
	Client          kubernetes.Interface
	MetricsClient   metricsclient.Interface
	RestConfig      *rest.Config
	Logger          logstream.Logger
	Telemetry       *telemetry.Recorder
	MetricsInterval time.Duration
	HistorySize     int
	// Kinds defaults to refresh.WatchedKinds.
	Kinds []refresh.Kind
	// Permissions defaults to a checker reviewing through Client.
	Permissions *permissions.Checker
	// Adapter tunes every watch adapter; Logger, Telemetry and Normalize are filled in.
	Adapter informer.Options
}

type metricsPoller interface {
	metrics.Provider
	Start(ctx context.Context) error
}

// Runtime bundles everything served for one cluster context.
type Runtime struct {
	name      string
	client    kubernetes.Interface
	logger    logstream.Logger
	telemetry *telemetry.Recorder

	cache    *clustercache.Cache
	manager  *resourcestream.Manager
	adapters []*informer.Adapter
	poller   metricsPoller
	query    *query.Service
	issues   []PermissionIssue

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	started time.Time
}

// NewRuntime wires a runtime without starting it. ctx bounds the preflight access reviews
// and the metrics discovery probe.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.Client == nil {
		return nil, errors.New("kubernetes client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.NewRecorder()
	}
	cfg.Telemetry.SetContext(cfg.ContextName)
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = refresh.WatchedKinds
	}
	if cfg.Permissions == nil {
		cfg.Permissions = permissions.NewChecker(cfg.Client, cfg.ContextName, 0)
	}

	r := &Runtime{
		name:      cfg.ContextName,
		client:    cfg.Client,
		logger:    cfg.Logger,
		telemetry: cfg.Telemetry,
		cache:     clustercache.New(),
	}

	allowed, denied, metricsAllowed := r.preflight(ctx, cfg)
	if len(allowed) == 0 {
		return nil, fmt.Errorf("%w: context %q grants no list/watch access to any dashboard kind", refresh.ErrStreamUnavailable, cfg.ContextName)
	}

	r.manager = resourcestream.NewManager(r.cache, resourcestream.Options{
		Logger:    cfg.Logger,
		Telemetry: cfg.Telemetry,
		Kinds:     allowed,
	})
	for _, kind := range denied {
		r.reportDenied(kind)
	}

	adapterOpts := cfg.Adapter
	adapterOpts.Logger = cfg.Logger
	adapterOpts.Telemetry = cfg.Telemetry
	for _, kind := range allowed {
		source, err := informer.NewSource(cfg.Client, kind, "")
		if err != nil {
			return nil, err
		}
		r.adapters = append(r.adapters, informer.New(kind, source, r.manager.Events(), r.manager.Statuses(), adapterOpts))
	}

	r.poller = r.newMetricsPoller(ctx, cfg, metricsAllowed)
	r.query = query.NewService(cfg.Client, r.cache, query.Options{
		Logger:    cfg.Logger,
		Telemetry: cfg.Telemetry,
		Observe:   r.manager.ObserveClusterCall,
	})
	return r, nil
}

// preflight splits the configured kinds into those the identity may watch and those it
// is known not to. Kinds whose review failed are started anyway; the adapter reports
// whatever the cluster says.
func (r *Runtime) preflight(ctx context.Context, cfg Config) (allowed, denied []refresh.Kind, metricsAllowed bool) {
	checks := make([]permissions.Check, 0, len(cfg.Kinds)+2)
	for _, kind := range cfg.Kinds {
		group, resource := kindResource(kind)
		checks = append(checks, permissions.Check{Name: kind.Domain(), Group: group, Resource: resource})
	}
	checks = append(checks,
		permissions.Check{Name: "metrics-nodes", Group: "metrics.k8s.io", Resource: "nodes", ListOnly: true},
		permissions.Check{Name: "metrics-pods", Group: "metrics.k8s.io", Resource: "pods", ListOnly: true},
	)

	results := cfg.Permissions.Preflight(ctx, checks)
	for i, kind := range cfg.Kinds {
		res := results[i]
		switch {
		case res.Denied():
			denied = append(denied, kind)
			r.issues = append(r.issues, PermissionIssue{Domain: kind.Domain(), Resource: res.Check.Resource, Denied: true})
			klog.V(2).InfoS("skipping watch: insufficient permission", "context", cfg.ContextName, "resource", res.Check.Resource)
		case res.Err != nil:
			allowed = append(allowed, kind)
			r.issues = append(r.issues, PermissionIssue{Domain: kind.Domain(), Resource: res.Check.Resource, Err: res.Err})
			cfg.Logger.Warn(fmt.Sprintf("runtime: %v; starting %s watch anyway", res.Err, kind), "Runtime")
		default:
			allowed = append(allowed, kind)
		}
	}

	metricsAllowed = true
	for _, res := range results[len(cfg.Kinds):] {
		if res.Denied() {
			metricsAllowed = false
			r.issues = append(r.issues, PermissionIssue{Domain: refresh.DomainMetrics, Resource: "metrics.k8s.io/" + res.Check.Resource, Denied: true})
		}
	}
	return allowed, denied, metricsAllowed
}

func kindResource(kind refresh.Kind) (group, resource string) {
	if kind == refresh.KindDeployment {
		return "apps", kind.Domain()
	}
	return "", kind.Domain()
}

func (r *Runtime) reportDenied(kind refresh.Kind) {
	st := refresh.DomainStatus{
		Domain: kind.Domain(),
		State:  refresh.StateDegraded,
		Reason: refresh.ReasonStreamUnavailable,
		Error:  fmt.Sprintf("forbidden: cannot list and watch %s", kind.Domain()),
		Since:  time.Now(),
	}
	select {
	case r.manager.Statuses() <- st:
	default:
		r.logger.Warn(fmt.Sprintf("runtime: status queue full, %s permission status dropped", kind), "Runtime")
	}
}

// newMetricsPoller returns the live poller when metrics.k8s.io is served and readable,
// and a disabled poller that explains why otherwise.
func (r *Runtime) newMetricsPoller(ctx context.Context, cfg Config, allowed bool) metricsPoller {
	reason, detail := "", ""
	switch err := probeMetricsAPI(ctx, cfg.Client); {
	case err != nil:
		reason = "Metrics API not found (metrics-server)"
		detail = fmt.Sprintf("metrics polling disabled: discovery of %s failed: %v", metricsGroupVersion, err)
	case !allowed:
		reason = "Insufficient permissions for Metrics API"
		detail = "metrics polling disabled: access denied for metrics.k8s.io nodes/pods"
	}
	if reason != "" {
		cfg.Logger.Warn(detail, "Metrics")
		return metrics.NewDisabledPoller(cfg.Telemetry, r.manager, reason)
	}
	return metrics.NewPoller(cfg.MetricsClient, cfg.RestConfig, metrics.Options{
		Interval:    cfg.MetricsInterval,
		HistorySize: cfg.HistorySize,
		Capacities:  r.manager,
		Publisher:   r.manager,
		Telemetry:   cfg.Telemetry,
	})
}

func probeMetricsAPI(ctx context.Context, client kubernetes.Interface) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.MetricsDiscoveryTimeout)
		defer cancel()
	}
	errCh := make(chan error, 1)
	go func() {
		resources, err := client.Discovery().ServerResourcesForGroupVersion(metricsGroupVersion)
		if err == nil && (resources == nil || len(resources.APIResources) == 0) {
			err = apierrors.NewNotFound(schema.GroupResource{Group: "metrics.k8s.io", Resource: "nodes"}, "")
		}
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the manager, every adapter and the metrics poller until Stop.
func (r *Runtime) Start(parent context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return fmt.Errorf("runtime %q already started", r.name)
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.started = time.Now()

	tasks := []parallel.Task{
		{Name: "resource stream", Run: r.manager.Run},
		{Name: "metrics", Run: r.poller.Start},
	}
	for _, adapter := range r.adapters {
		tasks = append(tasks, parallel.Task{Name: "watch " + string(adapter.Kind()), Run: adapter.Run})
	}

	done := r.done
	go func() {
		defer close(done)
		err := parallel.RunAll(ctx, tasks...)
		if err != nil {
			r.logger.Error(fmt.Sprintf("runtime %s stopped: %v", r.name, err), "Runtime")
		}
		r.mu.Lock()
		r.runErr = err
		r.mu.Unlock()
	}()
	r.logger.Info(fmt.Sprintf("runtime %s started with %d watches", r.name, len(r.adapters)), "Runtime")
	return nil
}

// Stop cancels the runtime and waits for every task. Subscribers of the manager are
// dropped with the context reason. Stop is idempotent.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// Name returns the context the runtime serves.
func (r *Runtime) Name() string { return r.name }

// Client returns the kubernetes client of the context.
func (r *Runtime) Client() kubernetes.Interface { return r.client }

// Cache returns the watch cache.
func (r *Runtime) Cache() *clustercache.Cache { return r.cache }

// Manager returns the multiplexer.
func (r *Runtime) Manager() *resourcestream.Manager { return r.manager }

// Query returns the request/response query service.
func (r *Runtime) Query() *query.Service { return r.query }

// Metrics returns the active metrics provider, live or disabled.
func (r *Runtime) Metrics() metrics.Provider { return r.poller }

// Telemetry returns the recorder shared by every component of the runtime.
func (r *Runtime) Telemetry() *telemetry.Recorder { return r.telemetry }

// Issues lists the permission problems found while the runtime was built.
func (r *Runtime) Issues() []PermissionIssue {
	return append([]PermissionIssue(nil), r.issues...)
}

// StreamAdapter exposes the manager to websocket sessions.
func (r *Runtime) StreamAdapter() *resourcestream.Adapter {
	return resourcestream.NewAdapter(r.manager, r.name)
}

// NewLogController returns a log controller bound to this context's client.
func (r *Runtime) NewLogController() *logstream.Controller {
	return logstream.NewController(r.client, logstream.Options{Logger: r.logger, Telemetry: r.telemetry})
}

// Health summarises the runtime for the health endpoint.
type Health struct {
	Status   string            `json:"status"`
	Context  string            `json:"context"`
	Degraded []string          `json:"degraded"`
	Issues   []PermissionIssue `json:"permissionIssues,omitempty"`
	Since    time.Time         `json:"since"`
}

// Health reports "ok" unless a domain is degraded.
func (r *Runtime) Health() Health {
	health := Health{Status: "ok", Context: r.name, Degraded: []string{}, Issues: r.Issues()}
	r.mu.Lock()
	health.Since = r.started
	r.mu.Unlock()
	for _, st := range r.manager.DomainStatuses() {
		if st.State == refresh.StateDegraded {
			health.Degraded = append(health.Degraded, st.Domain)
		}
	}
	sort.Strings(health.Degraded)
	if len(health.Degraded) > 0 {
		health.Status = "degraded"
	}
	return health
}

// ContextInfo describes one kubeconfig context.
type ContextInfo struct {
	Name      string `json:"name"`
	Cluster   string `json:"cluster"`
	Namespace string `json:"namespace"`
	IsCurrent bool   `json:"isCurrent"`
}

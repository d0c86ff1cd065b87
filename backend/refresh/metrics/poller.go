package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/util/flowcontrol"
	"k8s.io/klog/v2"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/internal/timeutil"
	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

var errMetricsAPIUnavailable = errors.New("metrics API unavailable")

func copyNodeUsage(source map[string]NodeUsage) map[string]NodeUsage {
	out := make(map[string]NodeUsage, len(source))
	for k, v := range source {
		out[k] = v
	}
	return out
}

func copyPodUsage(source map[string]PodUsage) map[string]PodUsage {
	out := make(map[string]PodUsage, len(source))
	for k, v := range source {
		out[k] = v
	}
	return out
}

// Options configure a Poller.
type Options struct {
	Interval    time.Duration
	HistorySize int
	Capacities  CapacityProvider
	Publisher   Publisher
	Telemetry   *telemetry.Recorder
}

// Poller periodically collects metrics from metrics-server, records each sample in the
// history ring and hands it to the publisher.
type Poller struct {
	interval    time.Duration
	restConfig  *rest.Config
	rateLimiter flowcontrol.RateLimiter
	maxBackoff  time.Duration
	maxRetry    int
	telemetry   *telemetry.Recorder
	capacities  CapacityProvider
	publisher   Publisher
	history     *History
	now         func() time.Time

	// clientMu protects client initialization
	clientMu sync.Mutex
	client   metricsclient.Interface

	mu                 sync.RWMutex
	nodeUsage          map[string]NodeUsage
	podUsage           map[string]PodUsage
	lastCollected      time.Time
	consecutiveFailure int
	lastError          string
	successCount       uint64
	failureCount       uint64

	nodeLister func(context.Context, metricsclient.Interface) (*metricsv1beta1.NodeMetricsList, error)
	podLister  func(context.Context, metricsclient.Interface) (*metricsv1beta1.PodMetricsList, error)
}

// NewPoller creates a Poller with an optional pre-initialised metrics client.
func NewPoller(client metricsclient.Interface, restConfig *rest.Config, opts Options) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = config.RefreshMetricsInterval
	}
	p := &Poller{
		interval:    interval,
		client:      client,
		restConfig:  restConfig,
		rateLimiter: flowcontrol.NewTokenBucketRateLimiter(5, 10),
		maxBackoff:  config.MetricsMaxBackoff,
		maxRetry:    3,
		telemetry:   opts.Telemetry,
		capacities:  opts.Capacities,
		publisher:   opts.Publisher,
		history:     NewHistory(opts.HistorySize),
		now:         time.Now,
		nodeUsage:   make(map[string]NodeUsage),
		podUsage:    make(map[string]PodUsage),
	}
	p.nodeLister = p.listNodeMetricsWithRetry
	p.podLister = p.listPodMetricsWithRetry
	return p
}

// LatestNodeUsage returns a copy of the most recent node usage map.
func (p *Poller) LatestNodeUsage() map[string]NodeUsage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyNodeUsage(p.nodeUsage)
}

// LatestPodUsage returns a copy of the most recent pod usage map keyed by namespace/name.
func (p *Poller) LatestPodUsage() map[string]PodUsage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copyPodUsage(p.podUsage)
}

// Latest returns the newest snapshot in the history ring.
func (p *Poller) Latest() (Snapshot, bool) {
	return p.history.Latest()
}

// History returns up to limit samples, oldest first.
func (p *Poller) History(limit int) []Snapshot {
	return p.history.Snapshot(limit)
}

// Metadata returns the most recent poller status.
func (p *Poller) Metadata() Metadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Metadata{
		CollectedAt:         p.lastCollected,
		ConsecutiveFailures: p.consecutiveFailure,
		LastError:           p.lastError,
		SuccessCount:        p.successCount,
		FailureCount:        p.failureCount,
	}
}

// Start polls metrics until the context is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.recordActive(true)
	defer p.recordActive(false)

	klog.V(1).InfoS("metrics poller started", "interval", p.interval)

	if err := p.refresh(ctx); err != nil && ctx.Err() == nil {
		klog.Warningf("metrics: initial refresh failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			klog.V(1).InfoS("metrics poller stopped", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			if err := p.refresh(ctx); err != nil && ctx.Err() == nil {
				klog.V(2).InfoS("metrics refresh failed", "err", err)
			}
		}
	}
}

func (p *Poller) refresh(ctx context.Context) error {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	start := p.now()
	var (
		errs      []error
		nodeUsage map[string]NodeUsage
		podUsage  map[string]PodUsage
	)

	client, err := p.ensureClient()
	if err != nil {
		errs = append(errs, fmt.Errorf("metrics client: %w", err))
	} else {
		nodeResp, err := p.nodeLister(ctx, client)
		if err != nil {
			errs = append(errs, fmt.Errorf("node metrics poll failed: %w", err))
		} else {
			nodeUsage = collectNodeUsage(nodeResp)
		}

		podResp, err := p.podLister(ctx, client)
		if err != nil {
			errs = append(errs, fmt.Errorf("pod metrics poll failed: %w", err))
		} else {
			podUsage = collectPodUsage(podResp)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var capacities map[string]NodeCapacity
	if p.capacities != nil {
		capacities = p.capacities.NodeCapacities()
	}
	snapshot := Snapshot{
		Timestamp: start,
		Nodes:     Aggregate(nodeUsage, capacities),
		Pods:      podMetrics(podUsage),
	}

	err = errors.Join(errs...)
	duration := p.now().Sub(start)
	if err != nil {
		snapshot.Partial = true
		snapshot.Error = err.Error()
		p.recordFailure(err, nodeUsage, podUsage, duration)
	} else {
		p.recordSuccess(nodeUsage, podUsage, duration)
	}

	p.history.Append(snapshot)
	if p.publisher != nil {
		p.publisher.PublishMetrics(snapshot)
	}
	return err
}

func collectNodeUsage(list *metricsv1beta1.NodeMetricsList) map[string]NodeUsage {
	nodeUsage := make(map[string]NodeUsage, len(list.Items))
	for _, metric := range list.Items {
		usage := NodeUsage{}
		for resourceName, quantity := range metric.Usage {
			switch resourceName {
			case corev1.ResourceCPU:
				usage.CPUUsageMilli = quantity.MilliValue()
			case corev1.ResourceMemory:
				usage.MemoryUsageBytes = quantity.Value()
			}
		}
		nodeUsage[metric.Name] = usage
	}
	return nodeUsage
}

func collectPodUsage(list *metricsv1beta1.PodMetricsList) map[string]PodUsage {
	podUsage := make(map[string]PodUsage, len(list.Items))
	for _, metric := range list.Items {
		usage := PodUsage{}
		for _, container := range metric.Containers {
			for resourceName, quantity := range container.Usage {
				switch resourceName {
				case corev1.ResourceCPU:
					usage.CPUUsageMilli += quantity.MilliValue()
				case corev1.ResourceMemory:
					usage.MemoryUsageBytes += quantity.Value()
				}
			}
		}
		podUsage[fmt.Sprintf("%s/%s", metric.Namespace, metric.Name)] = usage
	}
	return podUsage
}

func (p *Poller) listNodeMetricsWithRetry(ctx context.Context, client metricsclient.Interface) (*metricsv1beta1.NodeMetricsList, error) {
	var result *metricsv1beta1.NodeMetricsList
	err := p.withRetry(ctx, "nodes.metrics.k8s.io", func() error {
		resp, err := client.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
		result = resp
		return err
	})
	return result, err
}

func (p *Poller) listPodMetricsWithRetry(ctx context.Context, client metricsclient.Interface) (*metricsv1beta1.PodMetricsList, error) {
	var result *metricsv1beta1.PodMetricsList
	err := p.withRetry(ctx, "pods.metrics.k8s.io", func() error {
		resp, err := client.MetricsV1beta1().PodMetricses("").List(ctx, metav1.ListOptions{})
		result = resp
		return err
	})
	return result, err
}

func (p *Poller) withRetry(ctx context.Context, api string, call func() error) error {
	backoff := timeutil.Backoff{Initial: config.MetricsInitialBackoff, Max: p.maxBackoff, Jitter: 0.2}
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := call()
		if err == nil {
			return nil
		}
		if apierrors.IsNotFound(err) {
			return errMetricsAPIUnavailable
		}
		if attempt >= p.maxRetry {
			return err
		}
		sleep := backoff.Next()
		klog.V(2).InfoS("metrics list failed, retrying", "api", api, "attempt", attempt, "max", p.maxRetry, "delay", sleep, "err", err)
		if err := timeutil.SleepWithContext(ctx, sleep); err != nil {
			return err
		}
	}
}

func (p *Poller) recordSuccess(nodeUsage map[string]NodeUsage, podUsage map[string]PodUsage, duration time.Duration) {
	p.mu.Lock()
	p.nodeUsage = nodeUsage
	p.podUsage = podUsage
	now := p.now()
	p.lastCollected = now
	p.consecutiveFailure = 0
	p.lastError = ""
	p.successCount++
	p.mu.Unlock()

	p.recordMetricsTelemetry(duration, now, nil, 0, true)
}

func (p *Poller) recordFailure(err error, nodeUsage map[string]NodeUsage, podUsage map[string]PodUsage, duration time.Duration) {
	p.mu.Lock()
	// keep whichever half of the sample did succeed
	if nodeUsage != nil {
		p.nodeUsage = nodeUsage
	}
	if podUsage != nil {
		p.podUsage = podUsage
	}
	p.consecutiveFailure++
	p.failureCount++
	if errors.Is(err, errMetricsAPIUnavailable) {
		p.lastError = errMetricsAPIUnavailable.Error()
		p.lastCollected = time.Time{}
	} else {
		p.lastError = err.Error()
	}
	consecutive := p.consecutiveFailure
	failures := p.failureCount
	p.mu.Unlock()

	klog.V(2).InfoS("metrics poll failed", "err", err, "failures", failures)
	p.recordMetricsTelemetry(duration, time.Time{}, err, consecutive, false)
}

func (p *Poller) recordMetricsTelemetry(duration time.Duration, collectedAt time.Time, err error, consecutive int, success bool) {
	if p.telemetry == nil {
		return
	}
	p.telemetry.RecordMetrics(duration, collectedAt, err, consecutive, success)
}

func (p *Poller) recordActive(active bool) {
	if p.telemetry == nil {
		return
	}
	p.telemetry.RecordMetricsActive(active)
}

func (p *Poller) ensureClient() (metricsclient.Interface, error) {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	if p.restConfig == nil {
		return nil, fmt.Errorf("rest config not provided")
	}
	client, err := metricsclient.NewForConfig(p.restConfig)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

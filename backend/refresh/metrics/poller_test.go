package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/util/flowcontrol"
	k8stesting "k8s.io/client-go/testing"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
	metricsfake "k8s.io/metrics/pkg/client/clientset/versioned/fake"

	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
	"github.com/luxury-yacht/dashboard/backend/testsupport"
)

type staticCapacities map[string]NodeCapacity

func (s staticCapacities) NodeCapacities() map[string]NodeCapacity { return s }

type recordingPublisher struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (r *recordingPublisher) PublishMetrics(snapshot Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snapshot)
}

func (r *recordingPublisher) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snapshots...)
}

func newTestPoller(publisher Publisher, recorder *telemetry.Recorder) *Poller {
	poller := NewPoller(nil, nil, Options{
		Interval:    time.Second,
		HistorySize: 3,
		Capacities:  staticCapacities{"node-a": {CPUMilli: 1000, MemoryBytes: 1024 * 1024 * 1024}},
		Publisher:   publisher,
		Telemetry:   recorder,
	})
	poller.client = metricsfake.NewSimpleClientset()
	poller.rateLimiter = flowcontrol.NewFakeAlwaysRateLimiter()
	poller.maxRetry = 1
	poller.maxBackoff = time.Millisecond
	return poller
}

func TestPollerRefreshSuccess(t *testing.T) {
	ctx := context.Background()
	nodeList := &metricsv1beta1.NodeMetricsList{
		Items: []metricsv1beta1.NodeMetrics{*testsupport.NodeMetricsFixture("node-a", 250, 512*1024*1024)},
	}
	podList := &metricsv1beta1.PodMetricsList{
		Items: []metricsv1beta1.PodMetrics{*testsupport.PodMetricsFixture("default", "api-0", 125, 256*1024*1024)},
	}

	recorder := telemetry.NewRecorder()
	publisher := &recordingPublisher{}
	poller := newTestPoller(publisher, recorder)
	poller.nodeLister = func(context.Context, metricsclient.Interface) (*metricsv1beta1.NodeMetricsList, error) {
		return nodeList, nil
	}
	poller.podLister = func(context.Context, metricsclient.Interface) (*metricsv1beta1.PodMetricsList, error) {
		return podList, nil
	}

	require.NoError(t, poller.refresh(ctx))

	nodes := poller.LatestNodeUsage()
	require.Equal(t, NodeUsage{CPUUsageMilli: 250, MemoryUsageBytes: 512 * 1024 * 1024}, nodes["node-a"])
	pods := poller.LatestPodUsage()
	require.Equal(t, PodUsage{CPUUsageMilli: 125, MemoryUsageBytes: 256 * 1024 * 1024}, pods["default/api-0"])

	published := publisher.all()
	require.Len(t, published, 1)
	snapshot := published[0]
	require.False(t, snapshot.Partial)
	require.Len(t, snapshot.Nodes, 1)
	require.InDelta(t, 25.0, snapshot.Nodes[0].CPUPercent, 0.001)
	require.InDelta(t, 50.0, snapshot.Nodes[0].MemoryPercent, 0.001)
	require.Equal(t, "api-0", snapshot.Pods[0].Name)

	meta := poller.Metadata()
	require.Equal(t, uint64(1), meta.SuccessCount)
	require.Zero(t, meta.ConsecutiveFailures)
	require.False(t, meta.CollectedAt.IsZero())

	summary := recorder.SnapshotSummary()
	require.Equal(t, uint64(1), summary.Metrics.SuccessCount)
}

func TestPollerPublishesPartialSnapshotOnPodFailure(t *testing.T) {
	nodeList := &metricsv1beta1.NodeMetricsList{
		Items: []metricsv1beta1.NodeMetrics{*testsupport.NodeMetricsFixture("node-a", 200, 128*1024*1024)},
	}

	recorder := telemetry.NewRecorder()
	publisher := &recordingPublisher{}
	poller := newTestPoller(publisher, recorder)
	poller.nodeLister = func(context.Context, metricsclient.Interface) (*metricsv1beta1.NodeMetricsList, error) {
		return nodeList, nil
	}
	poller.podLister = func(context.Context, metricsclient.Interface) (*metricsv1beta1.PodMetricsList, error) {
		return nil, errors.New("pods down")
	}

	require.Error(t, poller.refresh(context.Background()))

	published := publisher.all()
	require.Len(t, published, 1)
	require.True(t, published[0].Partial)
	require.Contains(t, published[0].Error, "pod metrics poll failed")
	require.Len(t, published[0].Nodes, 1)
	require.Empty(t, published[0].Pods)

	require.Equal(t, NodeUsage{CPUUsageMilli: 200, MemoryUsageBytes: 128 * 1024 * 1024}, poller.LatestNodeUsage()["node-a"])
	meta := poller.Metadata()
	require.Equal(t, uint64(1), meta.FailureCount)
	require.Equal(t, 1, meta.ConsecutiveFailures)

	latest, ok := poller.Latest()
	require.True(t, ok)
	require.True(t, latest.Partial)
}

func TestPollerHandlesUnavailableMetricsAPI(t *testing.T) {
	recorder := telemetry.NewRecorder()
	publisher := &recordingPublisher{}
	poller := newTestPoller(publisher, recorder)
	poller.nodeLister = func(context.Context, metricsclient.Interface) (*metricsv1beta1.NodeMetricsList, error) {
		return nil, errMetricsAPIUnavailable
	}
	poller.podLister = func(context.Context, metricsclient.Interface) (*metricsv1beta1.PodMetricsList, error) {
		return &metricsv1beta1.PodMetricsList{}, nil
	}

	err := poller.refresh(context.Background())
	require.ErrorIs(t, err, errMetricsAPIUnavailable)

	meta := poller.Metadata()
	require.Contains(t, meta.LastError, "metrics API unavailable")
	require.True(t, meta.CollectedAt.IsZero())
	require.Len(t, publisher.all(), 1)
}

func TestPollerRequiresConfig(t *testing.T) {
	recorder := telemetry.NewRecorder()
	publisher := &recordingPublisher{}
	poller := NewPoller(nil, nil, Options{Publisher: publisher, Telemetry: recorder})
	poller.rateLimiter = flowcontrol.NewFakeAlwaysRateLimiter()

	err := poller.refresh(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "rest config not provided")

	published := publisher.all()
	require.Len(t, published, 1)
	require.True(t, published[0].Partial)
	require.Empty(t, published[0].Nodes)

	summary := recorder.SnapshotSummary()
	require.Equal(t, uint64(1), summary.Metrics.FailureCount)
}

func TestPollerListsThroughMetricsClient(t *testing.T) {
	client := metricsfake.NewSimpleClientset()
	client.PrependReactor("list", "*", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if strings.HasPrefix(action.GetResource().Resource, "node") {
			return true, &metricsv1beta1.NodeMetricsList{
				Items: []metricsv1beta1.NodeMetrics{*testsupport.NodeMetricsFixture("node-a", 500, 256*1024*1024)},
			}, nil
		}
		return true, &metricsv1beta1.PodMetricsList{
			Items: []metricsv1beta1.PodMetrics{*testsupport.PodMetricsFixture("ns", "web", 50, 64*1024*1024)},
		}, nil
	})

	publisher := &recordingPublisher{}
	poller := NewPoller(client, nil, Options{
		Capacities: staticCapacities{"node-a": {CPUMilli: 2000, MemoryBytes: 1024 * 1024 * 1024}},
		Publisher:  publisher,
	})
	poller.rateLimiter = flowcontrol.NewFakeAlwaysRateLimiter()

	require.NoError(t, poller.refresh(context.Background()))
	snapshot := publisher.all()[0]
	require.InDelta(t, 25.0, snapshot.Nodes[0].CPUPercent, 0.001)
	require.InDelta(t, 25.0, snapshot.Nodes[0].MemoryPercent, 0.001)
	require.Equal(t, int64(50), snapshot.Pods[0].CPUUsage)
}

func TestPollerHistoryEvictsOldest(t *testing.T) {
	poller := newTestPoller(nil, nil)
	calls := 0
	poller.nodeLister = func(context.Context, metricsclient.Interface) (*metricsv1beta1.NodeMetricsList, error) {
		calls++
		return &metricsv1beta1.NodeMetricsList{
			Items: []metricsv1beta1.NodeMetrics{*testsupport.NodeMetricsFixture("node-a", int64(calls*100), 0)},
		}, nil
	}
	poller.podLister = func(context.Context, metricsclient.Interface) (*metricsv1beta1.PodMetricsList, error) {
		return &metricsv1beta1.PodMetricsList{}, nil
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, poller.refresh(context.Background()))
	}
	history := poller.History(0)
	require.Len(t, history, 3)
	require.Equal(t, int64(300), history[0].Nodes[0].CPUUsage)
	require.Equal(t, int64(500), history[2].Nodes[0].CPUUsage)
}

func TestStartStopsOnCancel(t *testing.T) {
	poller := newTestPoller(nil, telemetry.NewRecorder())
	poller.nodeLister = func(context.Context, metricsclient.Interface) (*metricsv1beta1.NodeMetricsList, error) {
		return &metricsv1beta1.NodeMetricsList{}, nil
	}
	poller.podLister = func(context.Context, metricsclient.Interface) (*metricsv1beta1.PodMetricsList, error) {
		return &metricsv1beta1.PodMetricsList{}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Start(ctx) }()
	require.Eventually(t, func() bool { return poller.Metadata().SuccessCount == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestLatestUsageReturnsCopies(t *testing.T) {
	poller := NewPoller(nil, nil, Options{})
	poller.nodeUsage = map[string]NodeUsage{"node": {CPUUsageMilli: 100}}
	poller.podUsage = map[string]PodUsage{"ns/pod": {CPUUsageMilli: 50}}

	nodes := poller.LatestNodeUsage()
	nodes["node"] = NodeUsage{}
	require.NotEqual(t, NodeUsage{}, poller.nodeUsage["node"])

	pods := poller.LatestPodUsage()
	pods["ns/pod"] = PodUsage{}
	require.NotEqual(t, PodUsage{}, poller.podUsage["ns/pod"])
}

func TestDisabledPoller(t *testing.T) {
	recorder := telemetry.NewRecorder()
	publisher := &recordingPublisher{}
	poller := NewDisabledPoller(recorder, publisher, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, poller.Start(ctx))

	require.Empty(t, poller.LatestNodeUsage())
	require.Empty(t, poller.LatestPodUsage())
	require.Empty(t, poller.History(10))
	require.Equal(t, "metrics polling disabled", poller.Metadata().LastError)

	published := publisher.all()
	require.Len(t, published, 1)
	require.True(t, published[0].Partial)

	custom := NewDisabledPoller(nil, nil, "cluster has no metrics API")
	latest, ok := custom.Latest()
	require.True(t, ok)
	require.Equal(t, "cluster has no metrics API", latest.Error)
}

package logstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/luxury-yacht/dashboard/backend/refresh"
)

type collectedBatches struct {
	mu      sync.Mutex
	batches [][]Entry
}

func (c *collectedBatches) emit(entries []Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, entries)
	return nil
}

func (c *collectedBatches) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, batch := range c.batches {
		for _, entry := range batch {
			out = append(out, entry.Line)
		}
	}
	return out
}

func TestControllerFetchFillsBuffer(t *testing.T) {
	base := fake.NewClientset()
	createPod(t, base, "default", "web", corev1.PodRunning, "app")
	client, _ := newLogClient(base, logResponse{body: "line 1\nline 2\n"})
	controller := NewController(client, Options{})

	content, err := controller.Fetch(context.Background(), Request{Namespace: "default", Pod: "web"})
	require.NoError(t, err)
	require.Equal(t, "line 1\nline 2\n", content)
	require.Equal(t, content, controller.Buffer().String())
	require.Equal(t, ModeIdle, controller.Mode())
}

func TestControllerFetchErrors(t *testing.T) {
	controller := NewController(fake.NewClientset(), Options{})
	_, err := controller.Fetch(context.Background(), Request{Namespace: "default", Pod: "missing"})
	require.ErrorIs(t, err, refresh.ErrPodNotFound)

	_, err = controller.Fetch(context.Background(), Request{Namespace: "Bad_NS", Pod: "web"})
	require.ErrorIs(t, err, refresh.ErrBadRequest)
}

func TestControllerFollowBatchesUntilContainerStops(t *testing.T) {
	base := fake.NewClientset()
	createPod(t, base, "default", "job", corev1.PodSucceeded, "app")
	client, _ := newLogClient(base, logResponse{body: "a\nb\nc\n"})
	controller := NewController(client, Options{BatchMaxLines: 2, BatchWindow: time.Millisecond})

	collected := &collectedBatches{}
	require.NoError(t, controller.Follow(context.Background(), Request{Namespace: "default", Pod: "job"}, collected.emit))
	require.Equal(t, []string{"a", "b", "c"}, collected.lines())
	require.Equal(t, "a\nb\nc\n", controller.Buffer().String())
	require.Equal(t, ModeIdle, controller.Mode())
}

func TestControllerFetchCancelsFollow(t *testing.T) {
	base := fake.NewClientset()
	createPod(t, base, "default", "web", corev1.PodRunning, "app")
	client, _ := newLogClient(base,
		logResponse{body: "live\n", block: true},
		logResponse{body: "static\n"},
	)
	controller := NewController(client, Options{BatchWindow: time.Millisecond})

	collected := &collectedBatches{}
	followDone := make(chan error, 1)
	go func() {
		followDone <- controller.Follow(context.Background(), Request{Namespace: "default", Pod: "web"}, collected.emit)
	}()
	require.Eventually(t, func() bool { return len(collected.lines()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, ModeFollow, controller.Mode())

	content, err := controller.Fetch(context.Background(), Request{Namespace: "default", Pod: "web"})
	require.NoError(t, err)
	require.Equal(t, "static\n", content)

	select {
	case err := <-followDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("follow was not cancelled by fetch")
	}
	require.Equal(t, "static\n", controller.Buffer().String())
	require.Equal(t, ModeIdle, controller.Mode())
}

func TestControllerStopEndsFollow(t *testing.T) {
	base := fake.NewClientset()
	createPod(t, base, "default", "web", corev1.PodRunning, "app")
	client, _ := newLogClient(base, logResponse{body: "x\n", block: true})
	controller := NewController(client, Options{BatchWindow: time.Millisecond})

	collected := &collectedBatches{}
	done := make(chan error, 1)
	go func() {
		done <- controller.Follow(context.Background(), Request{Namespace: "default", Pod: "web"}, collected.emit)
	}()
	require.Eventually(t, func() bool { return controller.Mode() == ModeFollow }, time.Second, time.Millisecond)

	controller.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not stop")
	}
}

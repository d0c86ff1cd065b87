package logstream

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/refresh"
)

func TestResolvePicksContainer(t *testing.T) {
	client := fake.NewClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "web",
			Namespace:   "default",
			Annotations: map[string]string{defaultContainerAnnotation: "sidecar"},
		},
		Spec: corev1.PodSpec{
			InitContainers: []corev1.Container{{Name: "init"}},
			Containers:     []corev1.Container{{Name: "app"}, {Name: "sidecar"}},
		},
	})
	streamer := NewStreamer(client, nil, nil)
	ctx := context.Background()

	target, err := streamer.resolve(ctx, Request{Namespace: "default", Pod: "web"})
	require.NoError(t, err)
	require.Equal(t, "sidecar", target.container)

	target, err = streamer.resolve(ctx, Request{Namespace: "default", Pod: "web", Container: "init"})
	require.NoError(t, err)
	require.True(t, target.isInit)

	_, err = streamer.resolve(ctx, Request{Namespace: "default", Pod: "web", Container: "missing"})
	require.ErrorIs(t, err, refresh.ErrContainerNotFound)

	_, err = streamer.resolve(ctx, Request{Namespace: "default", Pod: "gone"})
	require.ErrorIs(t, err, refresh.ErrPodNotFound)
}

func TestResolveDefaultsToFirstContainer(t *testing.T) {
	base := fake.NewClientset()
	createPod(t, base, "default", "web", corev1.PodRunning, "app", "proxy")
	target, err := NewStreamer(base, nil, nil).resolve(context.Background(), Request{Namespace: "default", Pod: "web"})
	require.NoError(t, err)
	require.Equal(t, "app", target.container)
	require.False(t, target.isInit)
}

func TestFetchPassesOptions(t *testing.T) {
	base := fake.NewClientset()
	createPod(t, base, "default", "web", corev1.PodRunning, "app")
	client, pods := newLogClient(base, logResponse{body: "one\ntwo\n"})
	streamer := NewStreamer(client, nil, nil)

	req := Request{Namespace: "default", Pod: "web", Previous: true, Timestamps: true, TailLines: ptr.To[int64](50)}
	target, err := streamer.resolve(context.Background(), req)
	require.NoError(t, err)
	content, err := streamer.fetch(context.Background(), target, req)
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\n", content)

	options := pods.recorded()
	require.Len(t, options, 1)
	require.Equal(t, "app", options[0].Container)
	require.True(t, options[0].Previous)
	require.True(t, options[0].Timestamps)
	require.Equal(t, int64(50), *options[0].TailLines)
	require.False(t, options[0].Follow)
}

func TestFollowResumesFromLastTimestampWithoutDuplicates(t *testing.T) {
	base := fake.NewClientset()
	createPod(t, base, "default", "web", corev1.PodRunning, "app")
	origin := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	client, pods := newLogClient(base,
		logResponse{body: buildLogStream(origin, []time.Duration{0, time.Second}, []string{"a", "b"})},
		logResponse{body: buildLogStream(origin, []time.Duration{time.Second, 2 * time.Second}, []string{"b", "c"}), block: true},
	)
	streamer := NewStreamer(client, nil, nil)
	streamer.backoffMin = time.Millisecond
	streamer.backoffMax = time.Millisecond

	req := Request{Namespace: "default", Pod: "web", TailLines: ptr.To[int64](10)}
	target, err := streamer.resolve(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan Entry, 10)
	done := make(chan error, 1)
	go func() { done <- streamer.follow(ctx, target, req, entries) }()

	var lines []string
	for len(lines) < 3 {
		select {
		case entry := <-entries:
			require.Empty(t, entry.Timestamp)
			lines = append(lines, entry.Line)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected three lines, got %v", lines)
		}
	}
	require.Equal(t, []string{"a", "b", "c"}, lines)

	cancel()
	require.NoError(t, <-done)

	options := pods.recorded()
	require.GreaterOrEqual(t, len(options), 2)
	require.True(t, options[0].Follow)
	require.Equal(t, int64(10), *options[0].TailLines)
	require.Nil(t, options[1].TailLines)
	require.NotNil(t, options[1].SinceTime)
	require.True(t, options[1].SinceTime.Time.Equal(origin.Add(time.Second)))
}

func TestFollowKeepsNewLinesSharingTheResumeTimestamp(t *testing.T) {
	base := fake.NewClientset()
	createPod(t, base, "default", "web", corev1.PodRunning, "app")
	origin := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	half := 500 * time.Millisecond
	client, _ := newLogClient(base,
		logResponse{body: buildLogStream(origin, []time.Duration{0, half, half}, []string{"a", "b", "c"})},
		logResponse{
			body:  buildLogStream(origin, []time.Duration{0, half, half, half, time.Second}, []string{"a", "b", "c", "d", "e"}),
			block: true,
		},
	)
	streamer := NewStreamer(client, nil, nil)
	streamer.backoffMin = time.Millisecond
	streamer.backoffMax = time.Millisecond
	target := containerTarget{namespace: "default", pod: "web", container: "app"}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan Entry, 10)
	done := make(chan error, 1)
	go func() { done <- streamer.follow(ctx, target, Request{}, entries) }()

	var lines []string
	for len(lines) < 5 {
		select {
		case entry := <-entries:
			lines = append(lines, entry.Line)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected five lines, got %v", lines)
		}
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, lines)

	cancel()
	require.NoError(t, <-done)
	select {
	case entry := <-entries:
		t.Fatalf("unexpected duplicate %q", entry.Line)
	default:
	}
}

func TestFollowFailsOnOversizedLine(t *testing.T) {
	base := fake.NewClientset()
	createPod(t, base, "default", "web", corev1.PodRunning, "app")
	client, pods := newLogClient(base, logResponse{body: "ok\n" + strings.Repeat("x", config.LogStreamMaxLineBytes+1) + "\nlater\n"})
	streamer := NewStreamer(client, nil, nil)
	target := containerTarget{namespace: "default", pod: "web", container: "app"}

	entries := make(chan Entry, 4)
	err := streamer.follow(context.Background(), target, Request{}, entries)
	require.ErrorIs(t, err, refresh.ErrStreamUnavailable)
	require.Equal(t, "ok", (<-entries).Line)
	require.Empty(t, entries)
	require.Len(t, pods.recorded(), 1)
}

func TestFollowReportsFirstFailure(t *testing.T) {
	base := fake.NewClientset()
	createPod(t, base, "default", "web", corev1.PodRunning, "app")

	client, _ := newLogClient(base, logResponse{status: http.StatusBadRequest, body: `previous terminated container "app" not found`})
	streamer := NewStreamer(client, nil, nil)
	target := containerTarget{namespace: "default", pod: "web", container: "app"}
	err := streamer.follow(context.Background(), target, Request{Previous: true}, make(chan Entry, 1))
	require.ErrorIs(t, err, refresh.ErrContainerNotFound)

	client, _ = newLogClient(base, logResponse{status: http.StatusInternalServerError, body: "boom"})
	streamer = NewStreamer(client, nil, nil)
	err = streamer.follow(context.Background(), target, Request{}, make(chan Entry, 1))
	require.ErrorIs(t, err, refresh.ErrStreamUnavailable)
}

func TestFollowStopsForFinishedPods(t *testing.T) {
	base := fake.NewClientset()
	createPod(t, base, "default", "job", corev1.PodSucceeded, "app")
	client, pods := newLogClient(base, logResponse{body: "done\n"})
	streamer := NewStreamer(client, nil, nil)

	entries := make(chan Entry, 4)
	target := containerTarget{namespace: "default", pod: "job", container: "app"}
	require.NoError(t, streamer.follow(context.Background(), target, Request{}, entries))
	require.Equal(t, "done", (<-entries).Line)
	require.Len(t, pods.recorded(), 1)
}

func TestSplitTimestamp(t *testing.T) {
	ts, line := splitTimestamp("2026-01-02T03:04:05.123456789Z hello world")
	require.Equal(t, "2026-01-02T03:04:05.123456789Z", ts)
	require.Equal(t, "hello world", line)

	ts, line = splitTimestamp("fake logs")
	require.Empty(t, ts)
	require.Equal(t, "fake logs", line)
}

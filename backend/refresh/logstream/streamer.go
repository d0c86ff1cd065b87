package logstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/internal/timeutil"
	"github.com/luxury-yacht/dashboard/backend/refresh"
	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

const defaultContainerAnnotation = "kubectl.kubernetes.io/default-container"

// Streamer reads container logs from the cluster.
type Streamer struct {
	client     kubernetes.Interface
	logger     Logger
	telemetry  *telemetry.Recorder
	backoffMin time.Duration
	backoffMax time.Duration
}

// NewStreamer constructs a Streamer.
func NewStreamer(client kubernetes.Interface, logger Logger, recorder *telemetry.Recorder) *Streamer {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Streamer{
		client:     client,
		logger:     logger,
		telemetry:  recorder,
		backoffMin: config.LogStreamBackoffInitial,
		backoffMax: config.LogStreamBackoffMax,
	}
}

type containerTarget struct {
	namespace string
	pod       string
	container string
	isInit    bool
}

func (t containerTarget) String() string {
	return fmt.Sprintf("%s/%s/%s", t.namespace, t.pod, t.container)
}

// resolve checks that the pod exists and picks the container to read.
func (s *Streamer) resolve(ctx context.Context, req Request) (containerTarget, error) {
	if s.client == nil {
		return containerTarget{}, fmt.Errorf("%w: kubernetes client not initialised", refresh.ErrStreamUnavailable)
	}
	pod, err := s.client.CoreV1().Pods(req.Namespace).Get(ctx, req.Pod, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return containerTarget{}, fmt.Errorf("%w: %s/%s", refresh.ErrPodNotFound, req.Namespace, req.Pod)
		}
		return containerTarget{}, fmt.Errorf("%w: get pod %s/%s: %v", refresh.ErrStreamUnavailable, req.Namespace, req.Pod, err)
	}

	target := containerTarget{namespace: req.Namespace, pod: req.Pod, container: strings.TrimSpace(req.Container)}
	if target.container == "" {
		target.container = defaultContainer(pod)
		if target.container == "" {
			return containerTarget{}, fmt.Errorf("%w: pod %s/%s has no containers", refresh.ErrContainerNotFound, req.Namespace, req.Pod)
		}
	}

	for _, c := range pod.Spec.InitContainers {
		if c.Name == target.container {
			target.isInit = true
			return target, nil
		}
	}
	for _, c := range pod.Spec.Containers {
		if c.Name == target.container {
			return target, nil
		}
	}
	for _, c := range pod.Spec.EphemeralContainers {
		if c.Name == target.container {
			return target, nil
		}
	}
	return containerTarget{}, fmt.Errorf("%w: %s in pod %s/%s", refresh.ErrContainerNotFound, target.container, req.Namespace, req.Pod)
}

func defaultContainer(pod *corev1.Pod) string {
	if name := pod.Annotations[defaultContainerAnnotation]; name != "" {
		return name
	}
	if len(pod.Spec.Containers) > 0 {
		return pod.Spec.Containers[0].Name
	}
	return ""
}

// fetch reads the bounded or full log history in one call.
func (s *Streamer) fetch(ctx context.Context, target containerTarget, req Request) (string, error) {
	options := &corev1.PodLogOptions{
		Container:  target.container,
		Previous:   req.Previous,
		Timestamps: req.Timestamps,
	}
	if req.TailLines != nil && *req.TailLines > 0 {
		tail := *req.TailLines
		options.TailLines = &tail
	}

	stream, err := s.client.CoreV1().Pods(target.namespace).GetLogs(target.pod, options).Stream(ctx)
	if err != nil {
		return "", classifyStreamError(target, err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil && !errors.Is(err, io.EOF) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return string(data), fmt.Errorf("%w: read logs for %s: %v", refresh.ErrStreamUnavailable, target, err)
	}
	return string(data), nil
}

// follow streams new lines into entries until ctx ends or the container stops for good.
// The first connection failure is returned; later ones are retried with backoff.
func (s *Streamer) follow(ctx context.Context, target containerTarget, req Request, entries chan<- Entry) error {
	backoff := timeutil.Backoff{Initial: s.backoffMin, Max: s.backoffMax}
	state := &containerState{}
	connected := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		options := &corev1.PodLogOptions{
			Container:  target.container,
			Follow:     true,
			Previous:   req.Previous,
			Timestamps: true,
		}
		switch {
		case !state.lastTimestamp.IsZero():
			since := metav1.NewTime(state.lastTimestamp)
			options.SinceTime = &since
		case req.TailLines != nil && *req.TailLines > 0:
			tail := *req.TailLines
			options.TailLines = &tail
		}

		stream, err := s.client.CoreV1().Pods(target.namespace).GetLogs(target.pod, options).Stream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !connected {
				return classifyStreamError(target, err)
			}
			s.logger.Warn(fmt.Sprintf("logstream: follow failed for %s: %v", target, err), "LogStream")
			s.telemetry.RecordStreamError(telemetry.StreamLogs, err)
			if timeutil.SleepWithContext(ctx, backoff.Next()) != nil {
				return nil
			}
			if !s.shouldContinueStreaming(ctx, target) {
				return nil
			}
			continue
		}
		connected = true

		received, err := s.consume(ctx, stream, target, req, state, entries)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Warn(fmt.Sprintf("logstream: follow stopped for %s: %v", target, err), "LogStream")
			s.telemetry.RecordStreamError(telemetry.StreamLogs, err)
			return err
		}
		if received {
			backoff.Reset()
		}
		if !s.shouldContinueStreaming(ctx, target) {
			return nil
		}
		if timeutil.SleepWithContext(ctx, backoff.Next()) != nil {
			return nil
		}
	}
}

// consume forwards one connection's lines. A line past the scanner limit ends the stream
// with an error, since every reconnect would stop at the same line.
func (s *Streamer) consume(ctx context.Context, stream io.ReadCloser, target containerTarget, req Request, state *containerState, entries chan<- Entry) (bool, error) {
	defer stream.Close()
	received := false
	resumeAt, replayed := state.lastTimestamp, state.atLast
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), config.LogStreamMaxLineBytes)
	for scanner.Scan() {
		timestamp, content := splitTimestamp(scanner.Text())
		if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
			// SinceTime has second precision, so everything before resumeAt and the lines
			// already seen at resumeAt come back on a reconnect
			if ts.Before(resumeAt) {
				continue
			}
			if replayed > 0 && ts.Equal(resumeAt) {
				replayed--
				continue
			}
			switch {
			case ts.Equal(state.lastTimestamp):
				state.atLast++
			case ts.After(state.lastTimestamp):
				state.lastTimestamp, state.atLast = ts, 1
			}
		}

		entry := Entry{Pod: target.pod, Container: target.container, Line: content}
		if req.Timestamps {
			entry.Timestamp = timestamp
		}
		select {
		case entries <- entry:
			received = true
		case <-ctx.Done():
			return received, nil
		}
	}
	err := scanner.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		return received, fmt.Errorf("%w: log line for %s exceeds %d bytes", refresh.ErrStreamUnavailable, target, config.LogStreamMaxLineBytes)
	case err != nil && !errors.Is(err, context.Canceled):
		s.logger.Debug(fmt.Sprintf("logstream: stream closed with error for %s: %v", target, err), "LogStream")
	}
	return received, nil
}

func (s *Streamer) shouldContinueStreaming(ctx context.Context, target containerTarget) bool {
	if target.isInit {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	default:
	}

	pod, err := s.client.CoreV1().Pods(target.namespace).Get(ctx, target.pod, metav1.GetOptions{})
	if err != nil {
		// Stop retrying if the pod is gone; otherwise assume the container may come back.
		return !apierrors.IsNotFound(err)
	}
	if pod.DeletionTimestamp != nil {
		return false
	}
	switch pod.Status.Phase {
	case corev1.PodFailed, corev1.PodSucceeded:
		return false
	default:
		return true
	}
}

func classifyStreamError(target containerTarget, err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%w: %s/%s", refresh.ErrPodNotFound, target.namespace, target.pod)
	case apierrors.IsBadRequest(err):
		// the log endpoint answers 400 for unknown, waiting or never-terminated containers
		return fmt.Errorf("%w: %s: %v", refresh.ErrContainerNotFound, target, err)
	}
	return fmt.Errorf("%w: logs for %s: %v", refresh.ErrStreamUnavailable, target, err)
}

// splitTimestamp separates the RFC3339 prefix the API server adds when Timestamps is set.
func splitTimestamp(line string) (string, string) {
	idx := strings.IndexByte(line, ' ')
	if idx <= 0 || idx >= 40 {
		return "", line
	}
	if _, err := time.Parse(time.RFC3339Nano, line[:idx]); err != nil {
		return "", line
	}
	return line[:idx], line[idx+1:]
}

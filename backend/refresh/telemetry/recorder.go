package telemetry

import (
	"sort"
	"sync"
	"time"
)

// AdapterStatus captures the health of one resource watch adapter.
type AdapterStatus struct {
	Kind           string `json:"kind"`
	State          string `json:"state"`
	LastError      string `json:"lastError,omitempty"`
	LastListMs     int64  `json:"lastListMs"`
	LastListItems  int    `json:"lastListItems"`
	LastUpdated    int64  `json:"lastUpdated"`
	ListCount      uint64 `json:"listCount"`
	ListFailures   uint64 `json:"listFailures"`
	WatchRestarts  uint64 `json:"watchRestarts"`
	DegradedCount  uint64 `json:"degradedCount"`
	SyntheticCount uint64 `json:"syntheticCount"`
}

// MetricsStatus captures metrics poller health.
type MetricsStatus struct {
	LastCollected       int64  `json:"lastCollected"`
	LastDurationMs      int64  `json:"lastDurationMs"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
	SuccessCount        uint64 `json:"successCount"`
	FailureCount        uint64 `json:"failureCount"`
	Active              bool   `json:"active"`
}

// ConnectionStats summarises context switches and cluster reachability.
type ConnectionStats struct {
	Context          string `json:"context,omitempty"`
	State            string `json:"state,omitempty"`
	StateMessage     string `json:"stateMessage,omitempty"`
	ContextSwitches  uint64 `json:"contextSwitches"`
	SwitchFailures   uint64 `json:"switchFailures"`
	LastSwitchError  string `json:"lastSwitchError,omitempty"`
	LastSwitchMs     int64  `json:"lastSwitchMs,omitempty"`
	LastUpdated      int64  `json:"lastUpdated,omitempty"`
	UnreachableCount uint64 `json:"unreachableCount"`
}

// Summary aggregates the telemetry story for diagnostics.
type Summary struct {
	Adapters   []AdapterStatus `json:"adapters"`
	Metrics    MetricsStatus   `json:"metrics"`
	Streams    []StreamStatus  `json:"streams"`
	Connection ConnectionStats `json:"connection"`
}

// Recorder collects adapter, stream and metrics telemetry in-memory.
type Recorder struct {
	mu         sync.RWMutex
	adapters   map[string]*AdapterStatus
	metrics    MetricsStatus
	streams    map[string]*StreamStatus
	connection ConnectionStats
	pollers    int // running metrics pollers; runtimes overlap during a switch
	now        func() time.Time
}

// NewRecorder returns an empty telemetry recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		adapters: make(map[string]*AdapterStatus),
		streams:  make(map[string]*StreamStatus),
		now:      time.Now,
	}
}

// SetContext records the active cluster context for diagnostics payloads.
func (r *Recorder) SetContext(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connection.Context = name
	r.connection.LastUpdated = r.now().UnixMilli()
}

// RecordList logs the outcome of one full list performed by a watch adapter.
func (r *Recorder) RecordList(kind string, duration time.Duration, items int, err error) {
	r.updateAdapter(kind, func(status *AdapterStatus) {
		status.LastListMs = duration.Milliseconds()
		if err != nil {
			status.ListFailures++
			status.LastError = err.Error()
			return
		}
		status.ListCount++
		status.LastListItems = items
		status.LastError = ""
	})
}

// RecordSynthetic counts events produced by relist reconciliation.
func (r *Recorder) RecordSynthetic(kind string, count int) {
	if count <= 0 {
		return
	}
	r.updateAdapter(kind, func(status *AdapterStatus) {
		status.SyntheticCount += uint64(count)
	})
}

// RecordWatchRestart notes that an adapter's watch ended and will be re-established.
func (r *Recorder) RecordWatchRestart(kind string, err error) {
	r.updateAdapter(kind, func(status *AdapterStatus) {
		status.WatchRestarts++
		if err != nil {
			status.LastError = err.Error()
		}
	})
}

// RecordAdapterState captures an adapter state transition.
func (r *Recorder) RecordAdapterState(kind, state string, err error) {
	r.updateAdapter(kind, func(status *AdapterStatus) {
		if state == "degraded" && status.State != "degraded" {
			status.DegradedCount++
		}
		status.State = state
		if err != nil {
			status.LastError = err.Error()
		}
	})
}

func (r *Recorder) updateAdapter(kind string, fn func(*AdapterStatus)) {
	if r == nil || kind == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.adapters[kind]
	if !ok {
		status = &AdapterStatus{Kind: kind}
		r.adapters[kind] = status
	}
	fn(status)
	status.LastUpdated = r.now().UnixMilli()
}

// RecordMetrics logs a metrics poller outcome.
func (r *Recorder) RecordMetrics(duration time.Duration, collectedAt time.Time, err error, consecutiveFailures int, success bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics.LastDurationMs = duration.Milliseconds()
	r.metrics.ConsecutiveFailures = consecutiveFailures
	if err != nil {
		r.metrics.LastError = err.Error()
		r.metrics.FailureCount++
	} else {
		r.metrics.LastError = ""
		if success {
			r.metrics.SuccessCount++
		}
	}
	if !collectedAt.IsZero() {
		r.metrics.LastCollected = collectedAt.UnixMilli()
	}
}

// RecordMetricsActive notes a metrics poller starting or stopping. Metrics stay active
// while any poller runs.
func (r *Recorder) RecordMetricsActive(active bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if active {
		r.pollers++
	} else if r.pollers > 0 {
		r.pollers--
	}
	r.metrics.Active = r.pollers > 0
}

// RecordContextSwitch logs a context switch attempt.
func (r *Recorder) RecordContextSwitch(name string, duration time.Duration, err error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connection.LastSwitchMs = duration.Milliseconds()
	r.connection.LastUpdated = r.now().UnixMilli()
	if err != nil {
		r.connection.SwitchFailures++
		r.connection.LastSwitchError = err.Error()
		return
	}
	r.connection.ContextSwitches++
	r.connection.LastSwitchError = ""
	r.connection.Context = name
}

// RecordConnectionState captures whether the active cluster is reachable.
func (r *Recorder) RecordConnectionState(state, message string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if state == "degraded" && r.connection.State != "degraded" {
		r.connection.UnreachableCount++
	}
	r.connection.State = state
	r.connection.StateMessage = message
	r.connection.LastUpdated = r.now().UnixMilli()
}

// SnapshotSummary returns a copy of the current telemetry summary.
func (r *Recorder) SnapshotSummary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Summary{
		Metrics:    r.metrics,
		Adapters:   make([]AdapterStatus, 0, len(r.adapters)),
		Streams:    make([]StreamStatus, 0, len(r.streams)),
		Connection: r.connection,
	}
	for _, value := range r.adapters {
		out.Adapters = append(out.Adapters, *value)
	}
	for _, value := range r.streams {
		out.Streams = append(out.Streams, *value)
	}
	sort.Slice(out.Adapters, func(i, j int) bool { return out.Adapters[i].Kind < out.Adapters[j].Kind })
	sort.Slice(out.Streams, func(i, j int) bool { return out.Streams[i].Name < out.Streams[j].Name })
	return out
}

// StreamStatus captures health metrics for streaming transports (resources/logs).
type StreamStatus struct {
	Name            string `json:"name"`
	ActiveSessions  int    `json:"activeSessions"`
	TotalMessages   uint64 `json:"totalMessages"`
	DroppedMessages uint64 `json:"droppedMessages"`
	ErrorCount      uint64 `json:"errorCount"`
	LastConnect     int64  `json:"lastConnect"`
	LastEvent       int64  `json:"lastEvent"`
	LastError       string `json:"lastError,omitempty"`
}

// Stream name identifiers reported on /api/telemetry.
const (
	StreamResources = "resources"
	StreamLogs      = "logs"
	StreamMux       = "mux"
)

// RecordStreamConnect increments the active session count for a stream.
func (r *Recorder) RecordStreamConnect(name string) {
	r.updateStream(name, func(status *StreamStatus) {
		status.ActiveSessions++
		status.LastConnect = r.now().UnixMilli()
	})
}

// RecordStreamDisconnect decrements the active session count for a stream.
func (r *Recorder) RecordStreamDisconnect(name string) {
	r.updateStream(name, func(status *StreamStatus) {
		if status.ActiveSessions > 0 {
			status.ActiveSessions--
		}
	})
}

// RecordStreamDelivery captures successful deliveries and backpressure drops.
func (r *Recorder) RecordStreamDelivery(name string, delivered, dropped int) {
	if delivered <= 0 && dropped <= 0 {
		return
	}
	r.updateStream(name, func(status *StreamStatus) {
		now := r.now().UnixMilli()
		if delivered > 0 {
			status.TotalMessages += uint64(delivered)
			status.LastEvent = now
			if dropped <= 0 && status.LastError == "subscriber backlog" {
				status.LastError = ""
			}
		}
		if dropped > 0 {
			status.DroppedMessages += uint64(dropped)
			status.ErrorCount++
			status.LastError = "subscriber backlog"
			status.LastEvent = now
		}
	})
}

// RecordStreamError captures an error emitted while serving a stream.
func (r *Recorder) RecordStreamError(name string, err error) {
	if err == nil {
		return
	}
	r.updateStream(name, func(status *StreamStatus) {
		status.ErrorCount++
		status.LastError = err.Error()
	})
}

func (r *Recorder) updateStream(name string, fn func(*StreamStatus)) {
	if r == nil || name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	status, ok := r.streams[name]
	if !ok {
		status = &StreamStatus{Name: name}
		r.streams[name] = status
	}

	fn(status)
}

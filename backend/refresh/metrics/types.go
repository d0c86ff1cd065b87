package metrics

import "time"

// NodeUsage captures aggregate CPU/Memory usage for a node.
type NodeUsage struct {
	CPUUsageMilli    int64
	MemoryUsageBytes int64
}

// PodUsage captures usage for an individual pod (aggregated across containers).
type PodUsage struct {
	CPUUsageMilli    int64
	MemoryUsageBytes int64
}

// NodeCapacity is the denominator for node usage percentages.
type NodeCapacity struct {
	CPUMilli    int64
	MemoryBytes int64
}

// NodeMetric is one node's usage within a Snapshot.
type NodeMetric struct {
	Name          string  `json:"name"`
	CPUUsage      int64   `json:"cpuUsage"`
	MemoryUsage   int64   `json:"memoryUsage"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
}

// PodMetric is one pod's usage within a Snapshot.
type PodMetric struct {
	Namespace   string `json:"namespace"`
	Name        string `json:"name"`
	CPUUsage    int64  `json:"cpuUsage"`
	MemoryUsage int64  `json:"memoryUsage"`
}

// Snapshot is one metrics sample. Partial is set when any source call failed.
type Snapshot struct {
	Timestamp time.Time    `json:"timestamp"`
	Nodes     []NodeMetric `json:"nodeMetrics"`
	Pods      []PodMetric  `json:"podMetrics"`
	Partial   bool         `json:"partial,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Metadata captures poller health information.
type Metadata struct {
	CollectedAt         time.Time `json:"collectedAt"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	SuccessCount        uint64    `json:"successCount"`
	FailureCount        uint64    `json:"failureCount"`
}

// CapacityProvider supplies node capacities for percentage computation.
type CapacityProvider interface {
	NodeCapacities() map[string]NodeCapacity
}

// Publisher receives every snapshot. Implementations must not block.
type Publisher interface {
	PublishMetrics(snapshot Snapshot)
}

// Provider exposes read-only access to the latest metrics.
type Provider interface {
	LatestNodeUsage() map[string]NodeUsage
	LatestPodUsage() map[string]PodUsage
	Latest() (Snapshot, bool)
	History(limit int) []Snapshot
	Metadata() Metadata
}

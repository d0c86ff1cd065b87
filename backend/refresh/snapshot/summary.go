package snapshot

import (
	"github.com/luxury-yacht/dashboard/backend/refresh"
)

// ClusterSummary is the cluster overview derived from node and pod records plus the latest usage sample.
type ClusterSummary struct {
	TotalNodes    int     `json:"totalNodes"`
	ReadyNodes    int     `json:"readyNodes"`
	TotalPods     int     `json:"totalPods"`
	RunningPods   int     `json:"runningPods"`
	PendingPods   int     `json:"pendingPods"`
	FailedPods    int     `json:"failedPods"`
	TotalCPU      int64   `json:"totalCpu"`
	UsedCPU       int64   `json:"usedCpu"`
	TotalMemory   int64   `json:"totalMemory"`
	UsedMemory    int64   `json:"usedMemory"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	MetricsStale  bool    `json:"metricsStale,omitempty"`
}

// ClusterUsage is the aggregate node usage of one metrics sample.
type ClusterUsage struct {
	CPUMilli    int64
	MemoryBytes int64
	// Available is false when no metrics sample has succeeded yet.
	Available bool
}

// BuildClusterSummary is a pure function of the node records, pod records and usage.
func BuildClusterSummary(nodes, pods []refresh.Record, usage ClusterUsage) ClusterSummary {
	summary := ClusterSummary{MetricsStale: !usage.Available}
	for _, record := range nodes {
		node, ok := record.Row.(NodeSummary)
		if !ok {
			continue
		}
		summary.TotalNodes++
		if node.Status == "Ready" {
			summary.ReadyNodes++
		}
		summary.TotalCPU += node.CPUCapacity
		summary.TotalMemory += node.MemoryCapacity
	}
	for _, record := range pods {
		pod, ok := record.Row.(PodSummary)
		if !ok {
			continue
		}
		summary.TotalPods++
		switch pod.Status {
		case "Running":
			summary.RunningPods++
		case "Pending":
			summary.PendingPods++
		case "Failed":
			summary.FailedPods++
		}
	}
	if usage.Available {
		summary.UsedCPU = usage.CPUMilli
		summary.UsedMemory = usage.MemoryBytes
		summary.CPUPercent = percent(summary.UsedCPU, summary.TotalCPU)
		summary.MemoryPercent = percent(summary.UsedMemory, summary.TotalMemory)
	}
	return summary
}

package metrics

import (
	"sort"
	"strings"
)

// Percent returns used/capacity*100, or 0 when capacity is unknown.
func Percent(used, capacity int64) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(used) / float64(capacity) * 100
}

// Aggregate joins node usage with capacities. Nodes without a known capacity report 0%.
func Aggregate(usage map[string]NodeUsage, capacities map[string]NodeCapacity) []NodeMetric {
	out := make([]NodeMetric, 0, len(usage))
	for name, u := range usage {
		capacity := capacities[name]
		out = append(out, NodeMetric{
			Name:          name,
			CPUUsage:      u.CPUUsageMilli,
			MemoryUsage:   u.MemoryUsageBytes,
			CPUPercent:    Percent(u.CPUUsageMilli, capacity.CPUMilli),
			MemoryPercent: Percent(u.MemoryUsageBytes, capacity.MemoryBytes),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// podMetrics flattens pod usage keyed by "namespace/name".
func podMetrics(usage map[string]PodUsage) []PodMetric {
	out := make([]PodMetric, 0, len(usage))
	for key, u := range usage {
		namespace, name, _ := strings.Cut(key, "/")
		out = append(out, PodMetric{
			Namespace:   namespace,
			Name:        name,
			CPUUsage:    u.CPUUsageMilli,
			MemoryUsage: u.MemoryUsageBytes,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Totals sums node usage across a snapshot.
func (s Snapshot) Totals() (cpuMilli, memoryBytes int64) {
	for _, node := range s.Nodes {
		cpuMilli += node.CPUUsage
		memoryBytes += node.MemoryUsage
	}
	return cpuMilli, memoryBytes
}

// PodsInNamespace filters pod metrics. An empty namespace keeps everything.
func (s Snapshot) PodsInNamespace(namespace string) []PodMetric {
	if namespace == "" {
		return append([]PodMetric(nil), s.Pods...)
	}
	out := make([]PodMetric, 0)
	for _, pod := range s.Pods {
		if pod.Namespace == namespace {
			out = append(out, pod)
		}
	}
	return out
}

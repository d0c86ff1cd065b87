package snapshot

import (
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
)

const nodeRolePrefix = "node-role.kubernetes.io/"

// NodeSummary captures the node fields shown in tables and used for capacity math.
type NodeSummary struct {
	Name              string            `json:"name"`
	Status            string            `json:"status"`
	Roles             []string          `json:"roles"`
	Version           string            `json:"version"`
	KernelVersion     string            `json:"kernelVersion"`
	ContainerRuntime  string            `json:"containerRuntime"`
	InternalIP        string            `json:"internalIP"`
	OS                string            `json:"os"`
	Architecture      string            `json:"architecture"`
	CPUCapacity       int64             `json:"cpuCapacity"`
	MemoryCapacity    int64             `json:"memoryCapacity"`
	CPUAllocatable    int64             `json:"cpuAllocatable"`
	MemoryAllocatable int64             `json:"memoryAllocatable"`
	PodCapacity       int64             `json:"podCapacity"`
	Unschedulable     bool              `json:"unschedulable"`
	Age               string            `json:"age"`
	CreatedAt         time.Time         `json:"createdAt"`
	Conditions        []Condition       `json:"conditions"`
	Taints            []NodeTaint       `json:"taints,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	PodCIDR           string            `json:"podCIDR,omitempty"`
}

// NodeTaint represents a node taint.
type NodeTaint struct {
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
	Effect string `json:"effect"`
}

// NodeView is a node merged with its live usage and pod count, as served by the nodes endpoint.
type NodeView struct {
	NodeSummary
	CPUUsage      int64   `json:"cpuUsage"`
	MemoryUsage   int64   `json:"memoryUsage"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	PodCount      int     `json:"podCount"`
}

// BuildNodeSummary normalizes a node.
func BuildNodeSummary(node *corev1.Node) NodeSummary {
	summary := NodeSummary{
		Name:             node.Name,
		Status:           deriveNodeStatus(node),
		Roles:            extractRoles(node.Labels),
		Version:          node.Status.NodeInfo.KubeletVersion,
		KernelVersion:    node.Status.NodeInfo.KernelVersion,
		ContainerRuntime: node.Status.NodeInfo.ContainerRuntimeVersion,
		InternalIP:       findNodeAddress(node, corev1.NodeInternalIP),
		OS:               node.Status.NodeInfo.OperatingSystem,
		Architecture:     node.Status.NodeInfo.Architecture,
		Unschedulable:    node.Spec.Unschedulable,
		Age:              formatAge(node.CreationTimestamp.Time),
		CreatedAt:        node.CreationTimestamp.Time,
		Labels:           copyStringMap(node.Labels),
		PodCIDR:          node.Spec.PodCIDR,
	}
	if cpu := node.Status.Capacity.Cpu(); cpu != nil {
		summary.CPUCapacity = cpu.MilliValue()
	}
	if mem := node.Status.Capacity.Memory(); mem != nil {
		summary.MemoryCapacity = mem.Value()
	}
	if pods := node.Status.Capacity.Pods(); pods != nil {
		summary.PodCapacity = pods.Value()
	}
	if cpu := node.Status.Allocatable.Cpu(); cpu != nil {
		summary.CPUAllocatable = cpu.MilliValue()
	}
	if mem := node.Status.Allocatable.Memory(); mem != nil {
		summary.MemoryAllocatable = mem.Value()
	}

	summary.Conditions = make([]Condition, 0, len(node.Status.Conditions))
	for _, cond := range node.Status.Conditions {
		summary.Conditions = append(summary.Conditions, Condition{
			Type:               string(cond.Type),
			Status:             string(cond.Status),
			LastTransitionTime: cond.LastTransitionTime.Time,
			Reason:             cond.Reason,
			Message:            cond.Message,
		})
	}
	for _, taint := range node.Spec.Taints {
		summary.Taints = append(summary.Taints, NodeTaint{
			Key:    taint.Key,
			Value:  taint.Value,
			Effect: string(taint.Effect),
		})
	}
	return summary
}

// MergeNodeView combines a node with usage figures and the number of pods scheduled on it.
func MergeNodeView(node NodeSummary, cpuUsage, memoryUsage int64, podCount int) NodeView {
	return NodeView{
		NodeSummary:   node,
		CPUUsage:      cpuUsage,
		MemoryUsage:   memoryUsage,
		CPUPercent:    percent(cpuUsage, node.CPUCapacity),
		MemoryPercent: percent(memoryUsage, node.MemoryCapacity),
		PodCount:      podCount,
	}
}

func deriveNodeStatus(node *corev1.Node) string {
	for _, cond := range node.Status.Conditions {
		if cond.Type != corev1.NodeReady {
			continue
		}
		switch cond.Status {
		case corev1.ConditionTrue:
			return "Ready"
		case corev1.ConditionFalse:
			return "NotReady"
		}
		return "Unknown"
	}
	return "Unknown"
}

func extractRoles(labels map[string]string) []string {
	roles := make([]string, 0, 1)
	for key := range labels {
		if strings.HasPrefix(key, nodeRolePrefix) && len(key) > len(nodeRolePrefix) {
			roles = append(roles, key[len(nodeRolePrefix):])
		}
	}
	if len(roles) == 0 {
		return []string{"worker"}
	}
	sort.Strings(roles)
	return roles
}

func findNodeAddress(node *corev1.Node, addressType corev1.NodeAddressType) string {
	for _, addr := range node.Status.Addresses {
		if addr.Type == addressType {
			return addr.Address
		}
	}
	return ""
}

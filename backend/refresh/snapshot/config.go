package snapshot

import (
	"time"

	corev1 "k8s.io/api/core/v1"
)

// ConfigMapSummary lists the keys of a configmap without leaking large values into tables.
type ConfigMapSummary struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	DataCount int               `json:"dataCount"`
	Keys      []string          `json:"keys"`
	Labels    map[string]string `json:"labels,omitempty"`
	Age       string            `json:"age"`
	CreatedAt time.Time         `json:"createdAt"`
}

// BuildConfigMapSummary normalizes a configmap. Binary keys are listed alongside text keys.
func BuildConfigMapSummary(cm *corev1.ConfigMap) ConfigMapSummary {
	keys := sortedKeys(cm.Data)
	keys = append(keys, sortedKeys(cm.BinaryData)...)
	return ConfigMapSummary{
		Name:      cm.Name,
		Namespace: cm.Namespace,
		DataCount: len(cm.Data) + len(cm.BinaryData),
		Keys:      keys,
		Labels:    copyStringMap(cm.Labels),
		Age:       formatAge(cm.CreationTimestamp.Time),
		CreatedAt: cm.CreationTimestamp.Time,
	}
}

// NamespaceSummary is the namespace picker entry.
type NamespaceSummary struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// BuildNamespaceSummary normalizes a namespace.
func BuildNamespaceSummary(ns *corev1.Namespace) NamespaceSummary {
	return NamespaceSummary{Name: ns.Name, Status: string(ns.Status.Phase)}
}

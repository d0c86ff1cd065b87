// Package snapshot normalizes raw cluster objects into the dashboard's record shapes.
package snapshot

import (
	"fmt"
	"sort"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/luxury-yacht/dashboard/backend/internal/timeutil"
	"github.com/luxury-yacht/dashboard/backend/refresh"
)

// Normalize converts a typed object of the given kind into a Record.
func Normalize(kind refresh.Kind, obj runtime.Object) (refresh.Record, error) {
	switch kind {
	case refresh.KindPod:
		if pod, ok := obj.(*corev1.Pod); ok && pod != nil {
			return newRecord(kind, &pod.ObjectMeta, BuildPodSummary(pod)), nil
		}
	case refresh.KindNode:
		if node, ok := obj.(*corev1.Node); ok && node != nil {
			return newRecord(kind, &node.ObjectMeta, BuildNodeSummary(node)), nil
		}
	case refresh.KindDeployment:
		if deployment, ok := obj.(*appsv1.Deployment); ok && deployment != nil {
			return newRecord(kind, &deployment.ObjectMeta, BuildDeploymentSummary(deployment)), nil
		}
	case refresh.KindService:
		if svc, ok := obj.(*corev1.Service); ok && svc != nil {
			return newRecord(kind, &svc.ObjectMeta, BuildServiceSummary(svc)), nil
		}
	case refresh.KindConfigMap:
		if cm, ok := obj.(*corev1.ConfigMap); ok && cm != nil {
			return newRecord(kind, &cm.ObjectMeta, BuildConfigMapSummary(cm)), nil
		}
	default:
		return refresh.Record{}, fmt.Errorf("snapshot: unsupported kind %q", kind)
	}
	return refresh.Record{}, fmt.Errorf("snapshot: unexpected object %T for kind %s", obj, kind)
}

func newRecord(kind refresh.Kind, meta *metav1.ObjectMeta, row interface{}) refresh.Record {
	return refresh.Record{
		Kind:            kind,
		Namespace:       meta.Namespace,
		Name:            meta.Name,
		UID:             string(meta.UID),
		ResourceVersion: meta.ResourceVersion,
		Row:             row,
	}
}

func formatAge(t time.Time) string {
	return timeutil.FormatAge(t)
}

func copyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys[V any](in map[string]V) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func percent(used, capacity int64) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(used) / float64(capacity) * 100
}

package informer

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/luxury-yacht/dashboard/backend/refresh"
)

// NewSource builds the list/watch pair for kind. An empty namespace watches every namespace.
func NewSource(client kubernetes.Interface, kind refresh.Kind, namespace string) (*cache.ListWatch, error) {
	if client == nil {
		return nil, fmt.Errorf("informer: kubernetes client is nil")
	}
	switch kind {
	case refresh.KindPod:
		api := client.CoreV1().Pods(namespace)
		return &cache.ListWatch{
			ListWithContextFunc:  func(ctx context.Context, opts metav1.ListOptions) (runtime.Object, error) { return api.List(ctx, opts) },
			WatchFuncWithContext: api.Watch,
		}, nil
	case refresh.KindNode:
		api := client.CoreV1().Nodes()
		return &cache.ListWatch{
			ListWithContextFunc:  func(ctx context.Context, opts metav1.ListOptions) (runtime.Object, error) { return api.List(ctx, opts) },
			WatchFuncWithContext: api.Watch,
		}, nil
	case refresh.KindDeployment:
		api := client.AppsV1().Deployments(namespace)
		return &cache.ListWatch{
			ListWithContextFunc:  func(ctx context.Context, opts metav1.ListOptions) (runtime.Object, error) { return api.List(ctx, opts) },
			WatchFuncWithContext: api.Watch,
		}, nil
	case refresh.KindService:
		api := client.CoreV1().Services(namespace)
		return &cache.ListWatch{
			ListWithContextFunc:  func(ctx context.Context, opts metav1.ListOptions) (runtime.Object, error) { return api.List(ctx, opts) },
			WatchFuncWithContext: api.Watch,
		}, nil
	case refresh.KindConfigMap:
		api := client.CoreV1().ConfigMaps(namespace)
		return &cache.ListWatch{
			ListWithContextFunc:  func(ctx context.Context, opts metav1.ListOptions) (runtime.Object, error) { return api.List(ctx, opts) },
			WatchFuncWithContext: api.Watch,
		}, nil
	}
	return nil, fmt.Errorf("informer: no source for kind %q", kind)
}

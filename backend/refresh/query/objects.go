package query

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/text/cases"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/yaml"

	"github.com/luxury-yacht/dashboard/backend/refresh"
	"github.com/luxury-yacht/dashboard/backend/refresh/snapshot"
)

// eventKinds maps case-folded involved-object kinds to their API spelling.
var eventKinds = func() map[string]string {
	fold := cases.Fold()
	out := make(map[string]string)
	for _, kind := range []string{"Pod", "Node", "Deployment", "Service", "ConfigMap", "ReplicaSet"} {
		out[fold.String(kind)] = kind
	}
	return out
}()

// EventKind resolves a case-insensitive kind name accepted by the events lookup.
func EventKind(raw string) (string, bool) {
	kind, ok := eventKinds[cases.Fold().String(raw)]
	return kind, ok
}

func (s *Service) getObject(ctx context.Context, kind refresh.Kind, namespace, name string) (runtime.Object, error) {
	if s.client == nil {
		return nil, fmt.Errorf("%w: kubernetes client not initialised", refresh.ErrClusterUnreachable)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		obj runtime.Object
		err error
	)
	switch kind {
	case refresh.KindPod:
		obj, err = s.client.CoreV1().Pods(namespace).Get(callCtx, name, metav1.GetOptions{})
	case refresh.KindNode:
		obj, err = s.client.CoreV1().Nodes().Get(callCtx, name, metav1.GetOptions{})
	case refresh.KindDeployment:
		obj, err = s.client.AppsV1().Deployments(namespace).Get(callCtx, name, metav1.GetOptions{})
	case refresh.KindService:
		obj, err = s.client.CoreV1().Services(namespace).Get(callCtx, name, metav1.GetOptions{})
	case refresh.KindConfigMap:
		obj, err = s.client.CoreV1().ConfigMaps(namespace).Get(callCtx, name, metav1.GetOptions{})
	default:
		return nil, refresh.BadRequestf("unsupported kind %q", kind)
	}
	s.observe(err)
	if err != nil {
		if apierrors.IsNotFound(err) {
			if namespace == "" {
				return nil, refresh.NotFoundf("%s %s", kind, name)
			}
			return nil, refresh.NotFoundf("%s %s/%s", kind, namespace, name)
		}
		return nil, err
	}
	return obj, nil
}

// Containers lists the container names of a pod in init, regular, ephemeral order.
func (s *Service) Containers(ctx context.Context, namespace, name string) ([]string, error) {
	obj, err := s.getObject(ctx, refresh.KindPod, namespace, name)
	if err != nil {
		return nil, err
	}
	return snapshot.ContainerNames(obj.(*corev1.Pod)), nil
}

// YAML renders the live object read-only, without managed fields.
func (s *Service) YAML(ctx context.Context, kind refresh.Kind, namespace, name string) (string, error) {
	if !kind.Namespaced() {
		namespace = ""
	}
	obj, err := s.getObject(ctx, kind, namespace, name)
	if err != nil {
		return "", err
	}
	obj = obj.DeepCopyObject()
	if accessor, err := meta.Accessor(obj); err == nil {
		accessor.SetManagedFields(nil)
	}
	// typed clients drop apiVersion and kind from decoded objects
	if gvks, _, err := scheme.Scheme.ObjectKinds(obj); err == nil && len(gvks) > 0 {
		obj.GetObjectKind().SetGroupVersionKind(gvks[0])
	}
	data, err := yaml.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("convert %s %s to YAML: %w", kind, name, err)
	}
	return string(data), nil
}

// Events returns the events whose involved object matches kind and name, newest first.
func (s *Service) Events(ctx context.Context, namespace, kind, name string) ([]snapshot.EventSummary, error) {
	apiKind, ok := EventKind(kind)
	if !ok {
		return nil, refresh.BadRequestf("unsupported event kind %q", kind)
	}
	if s.client == nil {
		return nil, fmt.Errorf("%w: kubernetes client not initialised", refresh.ErrClusterUnreachable)
	}
	selector := fields.Set{
		"involvedObject.kind": apiKind,
		"involvedObject.name": name,
	}.AsSelector().String()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	list, err := s.client.CoreV1().Events(namespace).List(callCtx, metav1.ListOptions{FieldSelector: selector})
	s.observe(err)
	if err != nil {
		if isCanceled(err) {
			return nil, err
		}
		return nil, fmt.Errorf("list events for %s %s: %w", apiKind, name, err)
	}
	return snapshot.BuildEventSummaries(list.Items), nil
}

// Endpoints returns the endpoint subsets backing a service.
func (s *Service) Endpoints(ctx context.Context, namespace, name string) ([]snapshot.EndpointSummary, error) {
	if s.client == nil {
		return nil, fmt.Errorf("%w: kubernetes client not initialised", refresh.ErrClusterUnreachable)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	//nolint:staticcheck // the dashboard still reads core/v1 Endpoints
	endpoints, err := s.client.CoreV1().Endpoints(namespace).Get(callCtx, name, metav1.GetOptions{})
	s.observe(err)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, refresh.NotFoundf("endpoints %s/%s", namespace, name)
		}
		return nil, err
	}
	return snapshot.BuildEndpointSummaries(endpoints), nil
}

// Namespaces lists every namespace sorted by name.
func (s *Service) Namespaces(ctx context.Context) ([]snapshot.NamespaceSummary, error) {
	if s.client == nil {
		return nil, fmt.Errorf("%w: kubernetes client not initialised", refresh.ErrClusterUnreachable)
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	list, err := s.client.CoreV1().Namespaces().List(callCtx, metav1.ListOptions{})
	s.observe(err)
	if err != nil {
		return nil, err
	}
	result := make([]snapshot.NamespaceSummary, 0, len(list.Items))
	for i := range list.Items {
		result = append(result, snapshot.BuildNamespaceSummary(&list.Items[i]))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

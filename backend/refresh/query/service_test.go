package query

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	"k8s.io/utils/ptr"

	"github.com/luxury-yacht/dashboard/backend/refresh"
	"github.com/luxury-yacht/dashboard/backend/refresh/clustercache"
	"github.com/luxury-yacht/dashboard/backend/refresh/snapshot"
	"github.com/luxury-yacht/dashboard/backend/testsupport"
)

func cachedPods(t *testing.T, synced bool, pods ...*corev1.Pod) *clustercache.Cache {
	t.Helper()
	cache := clustercache.New()
	for _, pod := range pods {
		record, err := snapshot.Normalize(refresh.KindPod, pod)
		require.NoError(t, err)
		cache.Apply(refresh.ResourceEvent{Type: refresh.EventAdded, Record: record})
	}
	if synced {
		cache.MarkSynced(refresh.KindPod)
	}
	return cache
}

func unreachable() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

func apierrorsGone() error {
	return apierrors.NewGone("continue token expired")
}

func names(records []refresh.Record) []string {
	out := make([]string, len(records))
	for i, record := range records {
		out[i] = record.Name
	}
	return out
}

func TestListFollowsClusterContinueTokens(t *testing.T) {
	client := fake.NewClientset()
	var calls atomic.Int32
	client.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		switch calls.Add(1) {
		case 1:
			return true, &corev1.PodList{
				ListMeta: metav1.ListMeta{Continue: "next-1", RemainingItemCount: ptr.To[int64](3)},
				Items:    []corev1.Pod{*testsupport.PodFixture("default", "a"), *testsupport.PodFixture("default", "b")},
			}, nil
		default:
			return true, &corev1.PodList{
				Items: []corev1.Pod{*testsupport.PodFixture("default", "c"), *testsupport.PodFixture("default", "d"), *testsupport.PodFixture("default", "e")},
			}, nil
		}
	})
	service := NewService(client, clustercache.New(), Options{})

	first, err := service.List(context.Background(), ListRequest{Kind: refresh.KindPod, Namespace: "default", PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names(first.Items))
	require.True(t, first.HasMore)
	require.Equal(t, 5, first.TotalCount)
	require.Equal(t, ModeAPI, first.Source)

	token, err := decodeToken(first.Continue)
	require.NoError(t, err)
	require.Equal(t, pageToken{Mode: ModeAPI, Continue: "next-1", Offset: 2}, token)

	second, err := service.List(context.Background(), ListRequest{Kind: refresh.KindPod, Namespace: "default", PageSize: 2, Continue: first.Continue})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d", "e"}, names(second.Items))
	require.False(t, second.HasMore)
	require.Empty(t, second.Continue)
	require.Equal(t, 5, second.TotalCount)
}

func TestListUsesCacheCountWithoutRemainingItemCount(t *testing.T) {
	client := fake.NewClientset()
	client.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, &corev1.PodList{
			ListMeta: metav1.ListMeta{Continue: "more"},
			Items:    []corev1.Pod{*testsupport.PodFixture("default", "a")},
		}, nil
	})
	cache := cachedPods(t, true,
		testsupport.PodFixture("default", "a"),
		testsupport.PodFixture("default", "b"),
		testsupport.PodFixture("default", "c"),
	)
	service := NewService(client, cache, Options{})

	page, err := service.List(context.Background(), ListRequest{Kind: refresh.KindPod, Namespace: "default", PageSize: 1})
	require.NoError(t, err)
	require.Equal(t, 3, page.TotalCount)
}

func TestListFallsBackToCacheWhenClusterUnavailable(t *testing.T) {
	client := fake.NewClientset()
	client.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, unreachable()
	})
	cache := cachedPods(t, true,
		testsupport.PodFixture("default", "c"),
		testsupport.PodFixture("default", "a"),
		testsupport.PodFixture("default", "b"),
		testsupport.PodFixture("other", "z"),
	)
	var observed []error
	service := NewService(client, cache, Options{Observe: func(err error) { observed = append(observed, err) }})

	first, err := service.List(context.Background(), ListRequest{Kind: refresh.KindPod, Namespace: "default", PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, ModeCache, first.Source)
	require.Equal(t, []string{"a", "b"}, names(first.Items))
	require.True(t, first.HasMore)
	require.Equal(t, 3, first.TotalCount)
	require.Len(t, observed, 1)
	require.True(t, refresh.IsUnreachable(observed[0]))

	second, err := service.List(context.Background(), ListRequest{Kind: refresh.KindPod, Namespace: "default", PageSize: 2, Continue: first.Continue})
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, names(second.Items))
	require.False(t, second.HasMore)
	require.Empty(t, second.Continue)
}

func TestListFallbackResumesAPITokenFromOffset(t *testing.T) {
	client := fake.NewClientset()
	client.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, unreachable()
	})
	cache := cachedPods(t, true,
		testsupport.PodFixture("default", "a"),
		testsupport.PodFixture("default", "b"),
		testsupport.PodFixture("default", "c"),
	)
	service := NewService(client, cache, Options{})

	token := encodeToken(pageToken{Mode: ModeAPI, Continue: "cluster-token", Offset: 2})
	page, err := service.List(context.Background(), ListRequest{Kind: refresh.KindPod, Namespace: "default", PageSize: 2, Continue: token})
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, names(page.Items))
	require.Equal(t, ModeCache, page.Source)
}

func TestListReturnsErrorWhenCacheNotSynced(t *testing.T) {
	client := fake.NewClientset()
	client.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, unreachable()
	})
	service := NewService(client, cachedPods(t, false, testsupport.PodFixture("default", "a")), Options{})

	_, err := service.List(context.Background(), ListRequest{Kind: refresh.KindPod, PageSize: 10})
	require.Error(t, err)
	require.Equal(t, refresh.StatusUnavailable, refresh.StatusFromError(err).Kind)
}

func TestListExplicitCacheSourceAndExhaustedCursor(t *testing.T) {
	cache := cachedPods(t, true, testsupport.PodFixture("default", "a"))
	service := NewService(fake.NewClientset(), cache, Options{})

	page, err := service.List(context.Background(), ListRequest{Kind: refresh.KindPod, Source: ModeCache})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, names(page.Items))
	require.False(t, page.HasMore)

	past := encodeToken(pageToken{Mode: ModeCache, Namespace: "zzz", Name: "zzz"})
	page, err = service.List(context.Background(), ListRequest{Kind: refresh.KindPod, Continue: past})
	require.NoError(t, err)
	require.Empty(t, page.Items)
	require.NotNil(t, page.Items)
	require.False(t, page.HasMore)
	require.Equal(t, 1, page.TotalCount)
}

func TestListValidatesRequest(t *testing.T) {
	service := NewService(fake.NewClientset(testsupport.PodFixture("default", "a")), nil, Options{})
	ctx := context.Background()

	for _, size := range []int{-1, 501} {
		_, err := service.List(ctx, ListRequest{Kind: refresh.KindPod, PageSize: size})
		require.ErrorIs(t, err, refresh.ErrBadRequest, "size %d", size)
	}

	_, err := service.List(ctx, ListRequest{Kind: refresh.KindPod, Continue: "%%%"})
	require.ErrorIs(t, err, refresh.ErrBadRequest)

	_, err = service.List(ctx, ListRequest{Kind: refresh.KindPod, Continue: encodeToken(pageToken{Mode: "bogus"})})
	require.ErrorIs(t, err, refresh.ErrBadRequest)

	_, err = service.List(ctx, ListRequest{Kind: refresh.KindPod, Namespace: "Bad_NS"})
	require.ErrorIs(t, err, refresh.ErrBadRequest)

	_, err = service.List(ctx, ListRequest{Kind: refresh.Kind("Secret")})
	require.ErrorIs(t, err, refresh.ErrBadRequest)

	page, err := service.List(ctx, ListRequest{Kind: refresh.KindPod, Namespace: "all"})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, names(page.Items))
}

func TestListExpiredContinueTokenIsBadRequest(t *testing.T) {
	client := fake.NewClientset()
	client.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrorsGone()
	})
	service := NewService(client, nil, Options{})

	token := encodeToken(pageToken{Mode: ModeAPI, Continue: "old", Offset: 100})
	_, err := service.List(context.Background(), ListRequest{Kind: refresh.KindPod, Continue: token})
	require.ErrorIs(t, err, refresh.ErrBadRequest)
}

func TestGetPrefersCacheThenCluster(t *testing.T) {
	cached := testsupport.PodFixture("default", "cached")
	live := testsupport.PodFixture("default", "live")
	client := fake.NewClientset(live)
	var gets atomic.Int32
	client.PrependReactor("get", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		gets.Add(1)
		return false, nil, nil
	})
	service := NewService(client, cachedPods(t, true, cached), Options{})

	record, err := service.Get(context.Background(), refresh.KindPod, "default", "cached")
	require.NoError(t, err)
	require.Equal(t, "cached", record.Name)
	require.Zero(t, gets.Load())

	record, err = service.Get(context.Background(), refresh.KindPod, "default", "live")
	require.NoError(t, err)
	require.Equal(t, "live", record.Name)
	require.Equal(t, int32(1), gets.Load())

	_, err = service.Get(context.Background(), refresh.KindPod, "default", "missing")
	require.ErrorIs(t, err, refresh.ErrResourceNotFound)

	node, err := service.Get(context.Background(), refresh.KindNode, "ignored", "missing-node")
	require.ErrorIs(t, err, refresh.ErrResourceNotFound)
	require.Empty(t, node.Name)
}

func TestYAMLStripsManagedFields(t *testing.T) {
	pod := testsupport.PodFixture("default", "web")
	pod.ManagedFields = []metav1.ManagedFieldsEntry{{Manager: "kubectl", Operation: metav1.ManagedFieldsOperationApply}}
	service := NewService(fake.NewClientset(pod), nil, Options{})

	out, err := service.YAML(context.Background(), refresh.KindPod, "default", "web")
	require.NoError(t, err)
	require.Contains(t, out, "kind: Pod")
	require.Contains(t, out, "apiVersion: v1")
	require.Contains(t, out, "name: web")
	require.NotContains(t, out, "managedFields")

	_, err = service.YAML(context.Background(), refresh.KindPod, "default", "missing")
	require.ErrorIs(t, err, refresh.ErrResourceNotFound)
}

func TestEventsNormalizesKindAndSortsNewestFirst(t *testing.T) {
	now := time.Now()
	client := fake.NewClientset(
		testsupport.EventFixture("default", "older", "Pod", "web", "Scheduled", now.Add(-time.Hour)),
		testsupport.EventFixture("default", "newer", "Pod", "web", "Pulled", now),
	)
	service := NewService(client, nil, Options{})

	events, err := service.Events(context.Background(), "default", "pod", "web")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "Pulled", events[0].Reason)
	require.Equal(t, "Pod/web", events[0].Object)

	kind, ok := EventKind("REPLICASET")
	require.True(t, ok)
	require.Equal(t, "ReplicaSet", kind)

	_, err = service.Events(context.Background(), "default", "secret", "web")
	require.ErrorIs(t, err, refresh.ErrBadRequest)
}

func TestEndpointsContainersAndNamespaces(t *testing.T) {
	pod := testsupport.PodFixture("default", "web", testsupport.PodWithInitContainer("init"))
	client := fake.NewClientset(
		pod,
		testsupport.EndpointsFixture("default", "web", "web", "10.0.0.10"),
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "kube-system"}, Status: corev1.NamespaceStatus{Phase: corev1.NamespaceActive}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "default"}, Status: corev1.NamespaceStatus{Phase: corev1.NamespaceActive}},
	)
	service := NewService(client, nil, Options{})
	ctx := context.Background()

	endpoints, err := service.Endpoints(ctx, "default", "web")
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	require.Equal(t, "10.0.0.10", endpoints[0].Addresses[0].IP)

	_, err = service.Endpoints(ctx, "default", "missing")
	require.ErrorIs(t, err, refresh.ErrResourceNotFound)

	containers, err := service.Containers(ctx, "default", "web")
	require.NoError(t, err)
	require.Equal(t, []string{"init", "app"}, containers)

	namespaces, err := service.Namespaces(ctx)
	require.NoError(t, err)
	require.Equal(t, "default", namespaces[0].Name)
	require.Equal(t, "Active", namespaces[0].Status)
}

func TestRecordsListsClusterUntilCacheSyncs(t *testing.T) {
	client := fake.NewClientset(testsupport.PodFixture("default", "b"), testsupport.PodFixture("default", "a"))
	cache := clustercache.New()
	service := NewService(client, cache, Options{})

	records, err := service.Records(context.Background(), refresh.KindPod, "")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names(records))

	cache.MarkSynced(refresh.KindPod)
	records, err = service.Records(context.Background(), refresh.KindPod, "")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestTokenRoundTripIsURLSafe(t *testing.T) {
	raw := encodeToken(pageToken{Mode: ModeCache, Namespace: "default", Name: "web-?/+"})
	require.False(t, strings.ContainsAny(raw, "+/="))
	token, err := decodeToken(raw)
	require.NoError(t, err)
	require.Equal(t, "web-?/+", token.Name)
}

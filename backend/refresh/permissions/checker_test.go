package permissions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	authorizationv1 "k8s.io/api/authorization/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func TestCheckerCachesUntilExpiry(t *testing.T) {
	calls := 0
	checker := NewCheckerWithReview("kind-dev", time.Minute, func(context.Context, string, string, string) (bool, error) {
		calls++
		return true, nil
	})
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	checker.now = func() time.Time { return now }

	d, err := checker.Can(context.Background(), "", "pods", "list")
	require.NoError(t, err)
	require.Equal(t, DecisionSourceFresh, d.Source)

	d, err = checker.Can(context.Background(), "", "pods", "list")
	require.NoError(t, err)
	require.Equal(t, DecisionSourceCache, d.Source)
	require.Equal(t, 1, calls)

	now = now.Add(2 * time.Minute)
	d, err = checker.Can(context.Background(), "", "pods", "list")
	require.NoError(t, err)
	require.Equal(t, DecisionSourceFresh, d.Source)
	require.Equal(t, 2, calls)
}

func TestCheckerFallsBackToExpiredDecisionOnTransientError(t *testing.T) {
	calls := 0
	checker := NewCheckerWithReview("kind-dev", time.Minute, func(context.Context, string, string, string) (bool, error) {
		calls++
		if calls == 1 {
			return true, nil
		}
		return false, context.DeadlineExceeded
	})
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	checker.now = func() time.Time { return now }

	_, err := checker.Can(context.Background(), "", "pods", "list")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	d, err := checker.Can(context.Background(), "", "pods", "list")
	require.NoError(t, err)
	require.Equal(t, DecisionSourceFallback, d.Source)
	require.True(t, d.Allowed)
}

func TestCheckerReturnsErrorWithoutCachedDecision(t *testing.T) {
	checker := NewCheckerWithReview("kind-dev", time.Minute, func(context.Context, string, string, string) (bool, error) {
		return false, context.DeadlineExceeded
	})
	_, err := checker.Can(context.Background(), "", "pods", "list")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckerKeysByContext(t *testing.T) {
	checker := NewCheckerWithReview("kind-dev", time.Minute, nil)
	require.Equal(t, "kind-dev|apps/deployments/watch", checker.key("apps", "deployments", "watch"))
	require.Equal(t, "/pods/list", NewCheckerWithReview("", time.Minute, nil).key("", "pods", "list"))
}

func TestCheckerCoalescesConcurrentReviews(t *testing.T) {
	var reviews int64
	ready := make(chan struct{})
	checker := NewCheckerWithReview("kind-dev", time.Minute, func(context.Context, string, string, string) (bool, error) {
		atomic.AddInt64(&reviews, 1)
		time.Sleep(50 * time.Millisecond)
		return true, nil
	})

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			_, errs[i] = checker.Can(context.Background(), "", "pods", "list")
		}(i)
	}
	close(ready)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), atomic.LoadInt64(&reviews))
}

func TestCanListWatch(t *testing.T) {
	deny := func(denied string) ReviewFunc {
		return func(_ context.Context, _, _, verb string) (bool, error) {
			return verb != denied, nil
		}
	}

	allowed, err := NewCheckerWithReview("a", time.Minute, deny("")).CanListWatch(context.Background(), "", "pods")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = NewCheckerWithReview("a", time.Minute, deny("watch")).CanListWatch(context.Background(), "", "pods")
	require.NoError(t, err)
	require.False(t, allowed)

	boom := errors.New("connection refused")
	_, err = NewCheckerWithReview("a", time.Minute, func(context.Context, string, string, string) (bool, error) {
		return false, boom
	}).CanListWatch(context.Background(), "", "pods")
	require.ErrorIs(t, err, boom)

	var nilChecker *Checker
	_, err = nilChecker.CanListWatch(context.Background(), "", "pods")
	require.Error(t, err)
}

func TestPreflightKeepsOrderAndSeparatesDeniedFromUnknown(t *testing.T) {
	boom := errors.New("connection refused")
	checker := NewCheckerWithReview("kind-dev", time.Minute, func(_ context.Context, group, resource, verb string) (bool, error) {
		switch {
		case resource == "nodes" && group == "metrics.k8s.io":
			return false, boom
		case resource == "configmaps":
			return false, nil
		}
		return true, nil
	})

	results := checker.Preflight(context.Background(), []Check{
		{Name: "pods", Resource: "pods"},
		{Name: "configmaps", Resource: "configmaps"},
		{Name: "metrics nodes", Group: "metrics.k8s.io", Resource: "nodes", ListOnly: true},
	})
	require.Len(t, results, 3)
	require.True(t, results[0].Allowed)
	require.False(t, results[0].Denied())
	require.True(t, results[1].Denied())
	require.False(t, results[2].Denied())
	require.ErrorIs(t, results[2].Err, boom)
	require.Contains(t, results[2].Err.Error(), "metrics nodes")
}

func TestNewCheckerReviewsThroughClient(t *testing.T) {
	client := fake.NewClientset()
	client.PrependReactor("create", "selfsubjectaccessreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
		review := action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectAccessReview)
		attrs := review.Spec.ResourceAttributes
		review.Status.Allowed = attrs.Resource == "pods" && attrs.Verb == "list"
		return true, review, nil
	})

	checker := NewChecker(client, "kind-dev", 0)
	d, err := checker.Can(context.Background(), "", "pods", "list")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = checker.Can(context.Background(), "", "pods", "watch")
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

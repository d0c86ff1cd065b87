package refresh

import (
	"fmt"
	"net"
	"net/http"
	"testing"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func TestStatusFromErrorMapsTaxonomy(t *testing.T) {
	cases := []struct {
		err    error
		kind   StatusKind
		reason Reason
		code   int
	}{
		{fmt.Errorf("get pod: %w", ErrPodNotFound), StatusNotFound, ReasonPodNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: sidecar", ErrContainerNotFound), StatusNotFound, ReasonContainerNotFound, http.StatusNotFound},
		{BadRequestf("invalid namespace %q", "A"), StatusBadRequest, ReasonBadRequest, http.StatusBadRequest},
		{ErrStreamOverflow, StatusUnavailable, ReasonStreamOverflow, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), StatusInternal, ReasonInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status := StatusFromError(tc.err)
		if status.Kind != tc.kind || status.Reason != tc.reason || status.Code != tc.code {
			t.Fatalf("unexpected status for %v: %+v", tc.err, status)
		}
	}
	if StatusFromError(nil) != nil {
		t.Fatalf("expected nil status for nil error")
	}
}

func TestReasonOfRecognisesAPIErrors(t *testing.T) {
	notFound := apierrors.NewNotFound(schema.GroupResource{Resource: "pods"}, "web")
	if got := ReasonOf(notFound); got != ReasonResourceNotFound {
		t.Fatalf("expected ResourceNotFound, got %s", got)
	}
	gone := apierrors.NewResourceExpired("too old resource version")
	if got := ReasonOf(gone); got != ReasonWatchUnavailable {
		t.Fatalf("expected WatchUnavailable, got %s", got)
	}
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")}
	if got := ReasonOf(fmt.Errorf("list pods: %w", refused)); got != ReasonClusterUnreachable {
		t.Fatalf("expected ClusterUnreachable, got %s", got)
	}
}

func TestIsWatchExpired(t *testing.T) {
	if !IsWatchExpired(apierrors.NewGone("gone")) {
		t.Fatalf("expected gone to be expired")
	}
	if IsWatchExpired(fmt.Errorf("other")) {
		t.Fatalf("expected plain error not to be expired")
	}
}

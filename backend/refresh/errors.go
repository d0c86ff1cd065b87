package refresh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Reason names an entry in the sync layer's error taxonomy.
type Reason string

const (
	ReasonWatchUnavailable   Reason = "WatchUnavailable"
	ReasonClusterUnreachable Reason = "ClusterUnreachable"
	ReasonResourceNotFound   Reason = "ResourceNotFound"
	ReasonStreamOverflow     Reason = "StreamOverflow"
	ReasonContainerNotFound  Reason = "ContainerNotFound"
	ReasonPodNotFound        Reason = "PodNotFound"
	ReasonStreamUnavailable  Reason = "StreamUnavailable"
	ReasonBadRequest         Reason = "BadRequest"
	ReasonInternal           Reason = "Internal"
)

// StatusKind is the client-facing error category.
type StatusKind string

const (
	StatusNotFound    StatusKind = "NotFound"
	StatusUnavailable StatusKind = "Unavailable"
	StatusBadRequest  StatusKind = "BadRequest"
	StatusInternal    StatusKind = "Internal"
)

// ReasonProvider is implemented by errors that carry a taxonomy reason.
type ReasonProvider interface {
	error
	Reason() Reason
}

type reasonError struct {
	reason  Reason
	message string
}

func (e *reasonError) Error() string  { return e.message }
func (e *reasonError) Reason() Reason { return e.reason }

var (
	ErrWatchUnavailable   error = &reasonError{ReasonWatchUnavailable, "watch unavailable"}
	ErrClusterUnreachable error = &reasonError{ReasonClusterUnreachable, "cluster unreachable"}
	ErrResourceNotFound   error = &reasonError{ReasonResourceNotFound, "resource not found"}
	ErrStreamOverflow     error = &reasonError{ReasonStreamOverflow, "stream overflow"}
	ErrContainerNotFound  error = &reasonError{ReasonContainerNotFound, "container not found"}
	ErrPodNotFound        error = &reasonError{ReasonPodNotFound, "pod not found"}
	ErrStreamUnavailable  error = &reasonError{ReasonStreamUnavailable, "stream unavailable"}
	ErrBadRequest         error = &reasonError{ReasonBadRequest, "bad request"}
)

// BadRequestf builds an ErrBadRequest with a formatted message.
func BadRequestf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrResourceNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrResourceNotFound, fmt.Sprintf(format, args...))
}

// ErrorStatus is the structured error payload returned at the client boundary.
type ErrorStatus struct {
	Kind    StatusKind `json:"kind"`
	Reason  Reason     `json:"reason"`
	Message string     `json:"message"`
	Code    int        `json:"code"`
}

// ReasonOf resolves the taxonomy reason for err, including raw API and network errors.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var provider ReasonProvider
	if errors.As(err, &provider) {
		return provider.Reason()
	}
	switch {
	case apierrors.IsNotFound(err):
		return ReasonResourceNotFound
	case apierrors.IsBadRequest(err), apierrors.IsInvalid(err):
		return ReasonBadRequest
	case IsWatchExpired(err):
		return ReasonWatchUnavailable
	case IsUnreachable(err):
		return ReasonClusterUnreachable
	case apierrors.IsServiceUnavailable(err), apierrors.IsTimeout(err),
		apierrors.IsServerTimeout(err), apierrors.IsTooManyRequests(err),
		apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return ReasonStreamUnavailable
	}
	return ReasonInternal
}

// StatusFromError converts err into the boundary payload.
func StatusFromError(err error) *ErrorStatus {
	if err == nil {
		return nil
	}
	reason := ReasonOf(err)
	status := &ErrorStatus{Reason: reason, Message: err.Error()}
	switch reason {
	case ReasonResourceNotFound, ReasonPodNotFound, ReasonContainerNotFound:
		status.Kind, status.Code = StatusNotFound, http.StatusNotFound
	case ReasonBadRequest:
		status.Kind, status.Code = StatusBadRequest, http.StatusBadRequest
	case ReasonWatchUnavailable, ReasonClusterUnreachable, ReasonStreamUnavailable, ReasonStreamOverflow:
		status.Kind, status.Code = StatusUnavailable, http.StatusServiceUnavailable
	default:
		status.Kind, status.Code = StatusInternal, http.StatusInternalServerError
	}
	return status
}

// IsWatchExpired reports whether err means the requested resourceVersion is gone.
func IsWatchExpired(err error) bool {
	if err == nil {
		return false
	}
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}

// IsUnreachable reports whether err looks like a transport failure talking to the API server.
func IsUnreachable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrClusterUnreachable) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

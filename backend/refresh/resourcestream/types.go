package resourcestream

import "github.com/luxury-yacht/dashboard/backend/refresh/streammux"

// DropReason captures why a subscription was terminated.
type DropReason = streammux.DropReason

const (
	DropReasonBackpressure = streammux.DropReasonBackpressure
	DropReasonClosed       = streammux.DropReasonClosed
	DropReasonContext      = streammux.DropReasonContext
)

// Update is the internal payload emitted by the resource stream manager.
type Update = streammux.Update

// Subscription captures an active stream subscription.
type Subscription = streammux.Subscription

// Logger represents the minimal logging interface required by the manager.
type Logger interface {
	Debug(message string, source ...string)
	Info(message string, source ...string)
	Warn(message string, source ...string)
	Error(message string, source ...string)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...string) {}
func (noopLogger) Info(string, ...string)  {}
func (noopLogger) Warn(string, ...string)  {}
func (noopLogger) Error(string, ...string) {}

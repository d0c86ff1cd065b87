// Package query answers request/response reads: paginated lists that survive cluster
// outages through the watch cache, single objects, related events and endpoints.
package query

import (
	"github.com/luxury-yacht/dashboard/backend/refresh"
)

// Logger captures the logging methods used by the query service.
type Logger interface {
	Debug(msg string, source ...string)
	Info(msg string, source ...string)
	Warn(msg string, source ...string)
	Error(msg string, source ...string)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...string) {}
func (noopLogger) Info(string, ...string)  {}
func (noopLogger) Warn(string, ...string)  {}
func (noopLogger) Error(string, ...string) {}

// Mode says where a page was read from.
type Mode string

const (
	ModeAPI   Mode = "api"
	ModeCache Mode = "cache"
)

// Page is one slice of a paginated list.
type Page struct {
	Items      []refresh.Record `json:"items"`
	Continue   string           `json:"continue,omitempty"`
	HasMore    bool             `json:"hasMore"`
	TotalCount int              `json:"totalCount"`
	Source     Mode             `json:"source"`
}

// ListRequest selects one page. An empty Continue starts at the beginning; Source only
// applies to the first page since the token carries its own mode afterwards.
type ListRequest struct {
	Kind      refresh.Kind
	Namespace string
	PageSize  int
	Continue  string
	Source    Mode
}

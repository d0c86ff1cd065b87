package logstream

import (
	"time"

	"github.com/luxury-yacht/dashboard/backend/refresh"
)

// Logger represents the minimal logging interface required by the log streaming subsystem.
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

// Request identifies one container log and how to read it.
type Request struct {
	Namespace  string `json:"namespace"`
	Pod        string `json:"pod"`
	Container  string `json:"container,omitempty"`
	Previous   bool   `json:"previous,omitempty"`
	Timestamps bool   `json:"timestamps,omitempty"`
	// TailLines limits the initial history. Nil or non-positive reads everything.
	TailLines *int64 `json:"tailLines,omitempty"`
}

// Validate checks the pod coordinates.
func (r Request) Validate() error {
	if r.Namespace == "" || r.Pod == "" {
		return refresh.BadRequestf("namespace and pod are required")
	}
	if !refresh.ValidName(r.Namespace) {
		return refresh.BadRequestf("invalid namespace %q", r.Namespace)
	}
	if !refresh.ValidName(r.Pod) {
		return refresh.BadRequestf("invalid pod name %q", r.Pod)
	}
	return nil
}

// Entry is one log line.
type Entry struct {
	Timestamp string `json:"timestamp,omitempty"`
	Pod       string `json:"pod"`
	Container string `json:"container"`
	Line      string `json:"line"`
}

// Mode reports what a Controller is currently doing.
type Mode string

const (
	ModeIdle   Mode = "idle"
	ModeFetch  Mode = "fetch"
	ModeFollow Mode = "follow"
)

// containerState remembers where a follow stream left off so a reconnect can skip the
// lines SinceTime replays.
type containerState struct {
	lastTimestamp time.Time
	atLast        int // lines delivered carrying lastTimestamp
}

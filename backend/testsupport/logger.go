package testsupport

import "sync"

// NoopLogger is a test helper that satisfies the component Logger interfaces without emitting output.
type NoopLogger struct{}

func (NoopLogger) Debug(string, ...string) {}
func (NoopLogger) Info(string, ...string)  {}
func (NoopLogger) Warn(string, ...string)  {}
func (NoopLogger) Error(string, ...string) {}

// RecordingLogger keeps every message so tests can assert on warnings.
type RecordingLogger struct {
	mu       sync.Mutex
	Messages []string
}

func (l *RecordingLogger) record(level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, level+": "+message)
}

func (l *RecordingLogger) Debug(message string, _ ...string) { l.record("debug", message) }
func (l *RecordingLogger) Info(message string, _ ...string)  { l.record("info", message) }
func (l *RecordingLogger) Warn(message string, _ ...string)  { l.record("warn", message) }
func (l *RecordingLogger) Error(message string, _ ...string) { l.record("error", message) }

// Snapshot returns a copy of the recorded messages.
func (l *RecordingLogger) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Messages...)
}

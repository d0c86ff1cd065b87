package backend

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// LogLevel represents the severity level of a log entry
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
}

// Logger keeps the most recent application log entries in memory and mirrors each
// one to klog.
type Logger struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
	mirror  bool
	now     func() time.Time
}

// NewLogger creates a logger holding at most maxSize entries.
func NewLogger(maxSize int) *Logger {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Logger{
		entries: make([]LogEntry, maxSize),
		mirror:  true,
		now:     time.Now,
	}
}

// Log records an entry with the given level and optional source.
func (l *Logger) Log(level LogLevel, message string, source ...string) {
	if l == nil {
		return
	}
	entry := LogEntry{Level: level.String(), Message: message}
	if len(source) > 0 {
		entry.Source = source[0]
	}

	l.mu.Lock()
	entry.Timestamp = l.now()
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	mirror := l.mirror
	l.mu.Unlock()

	if mirror {
		mirrorToKlog(level, entry)
	}
}

func mirrorToKlog(level LogLevel, entry LogEntry) {
	switch level {
	case LogLevelDebug:
		klog.V(4).InfoS(entry.Message, "source", entry.Source)
	case LogLevelInfo:
		klog.InfoS(entry.Message, "source", entry.Source)
	case LogLevelWarn:
		klog.Warning(fmt.Sprintf("[%s] %s", entry.Source, entry.Message))
	default:
		klog.ErrorS(nil, entry.Message, "source", entry.Source)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(message string, source ...string) {
	l.Log(LogLevelDebug, message, source...)
}

// Info logs an info message
func (l *Logger) Info(message string, source ...string) {
	l.Log(LogLevelInfo, message, source...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, source ...string) {
	l.Log(LogLevelWarn, message, source...)
}

// Error logs an error message
func (l *Logger) Error(message string, source ...string) {
	l.Log(LogLevelError, message, source...)
}

// Entries returns the retained entries, oldest first.
func (l *Logger) Entries() []LogEntry {
	if l == nil {
		return []LogEntry{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.full {
		out := make([]LogEntry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]LogEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// Count returns the number of retained entries.
func (l *Logger) Count() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Clear removes all entries.
func (l *Logger) Clear() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.entries)
	l.next = 0
	l.full = false
}

/*
 * backend/internal/config/config.go
 *
 * Timing, sizing and limit settings used across the dashboard sync layer.
 */

package config

import "time"

// Watch adapter knobs.
const (
	// WatchDeadStreamTimeout is the longest a watch may stay silent (no events, no bookmarks)
	// before the adapter treats it as hung and relists.
	WatchDeadStreamTimeout = 3 * time.Minute

	// WatchServerTimeout is the server-side timeout requested on every watch call.
	// The API server closes the stream after roughly this long, which forces a relist.
	WatchServerTimeout = 10 * time.Minute

	// WatchBackoffInitial is the first retry delay after a failed list or watch.
	WatchBackoffInitial = 500 * time.Millisecond

	// WatchBackoffMax caps the adapter retry delay. Degraded adapters keep probing at this rate.
	WatchBackoffMax = 30 * time.Second

	// WatchMaxRetries is the number of consecutive failures before an adapter reports degraded.
	WatchMaxRetries = 5

	// WatchListPageSize bounds each page of the relist call.
	WatchListPageSize = 500
)

// Multiplexer knobs.
const (
	// ResourceStreamEventBufferSize buffers the shared fan-in channel between adapters and the dispatcher.
	ResourceStreamEventBufferSize = 1024

	// ResourceStreamMaxSubscribersPerScope limits concurrent resource stream subscribers per scope.
	ResourceStreamMaxSubscribersPerScope = 100

	// ResourceStreamSubscriberBufferSize buffers per-subscriber resource stream deliveries.
	ResourceStreamSubscriberBufferSize = 256

	// SummaryCoalesceInterval bounds how often the cluster summary is republished.
	SummaryCoalesceInterval = time.Second
)

// Metrics knobs.
const (
	// RefreshMetricsInterval determines the cadence for the metrics poller (node/pod metrics).
	RefreshMetricsInterval = 5 * time.Second

	// MetricsHistorySize is the default ring capacity for metrics samples.
	MetricsHistorySize = 60

	// MetricsInitialBackoff defines the first retry delay when talking to the metrics API.
	MetricsInitialBackoff = 500 * time.Millisecond

	// MetricsMaxBackoff is the maximum backoff when polling metrics encounters repeated failures.
	MetricsMaxBackoff = 2 * time.Minute

	// MetricsStaleThreshold is the age after which cached metrics are considered stale.
	MetricsStaleThreshold = 45 * time.Second
)

// Session and transport knobs.
const (
	// StreamHeartbeatInterval defines how often heartbeat frames are written to idle sessions.
	StreamHeartbeatInterval = 15 * time.Second

	// StreamHeartbeatTimeout is the max time without a client read before a session drains.
	StreamHeartbeatTimeout = 45 * time.Second

	// StreamMuxWriteTimeout bounds websocket writes for multiplexed streams.
	StreamMuxWriteTimeout = 10 * time.Second

	// StreamMuxHandshakeTimeout bounds websocket upgrade handshakes for multiplexed streams.
	StreamMuxHandshakeTimeout = 45 * time.Second

	// StreamMuxOutgoingBufferSize caps queued outbound messages per session.
	StreamMuxOutgoingBufferSize = 512

	// StreamMuxReadBufferSize configures websocket read buffer sizing.
	StreamMuxReadBufferSize = 4096

	// StreamMuxWriteBufferSize configures websocket write buffer sizing.
	StreamMuxWriteBufferSize = 4096

	// StreamMuxMaxLogTails limits concurrent log tails per session.
	StreamMuxMaxLogTails = 8

	// StreamMuxResyncWait bounds how long a dropped session waits for a runtime to resubscribe to.
	StreamMuxResyncWait = 10 * time.Second

	// StreamMuxResyncInitialBackoff is the first pause between resubscribe attempts.
	StreamMuxResyncInitialBackoff = 50 * time.Millisecond

	// StreamMuxResyncMaxBackoff caps the pause between resubscribe attempts.
	StreamMuxResyncMaxBackoff = time.Second
)

// Log stream knobs.
const (
	// LogStreamBackoffInitial is the initial backoff applied when log streaming reconnects.
	LogStreamBackoffInitial = 1 * time.Second

	// LogStreamBackoffMax is the cap for log stream reconnection backoff.
	LogStreamBackoffMax = 30 * time.Second

	// LogStreamDefaultTailLines is used for static fetches when the caller does not ask for a size.
	LogStreamDefaultTailLines = 100

	// LogStreamDownloadTailLines is the default size of a log download.
	LogStreamDownloadTailLines = 1000

	// LogBufferMaxChunks is the chunk ceiling of a log tail buffer.
	LogBufferMaxChunks = 10000

	// LogBufferConsolidateChunks is how many of the oldest chunks are discarded when the ceiling is hit.
	LogBufferConsolidateChunks = 2000

	// LogStreamBatchWindow controls the bundling window for log frames before flushing.
	LogStreamBatchWindow = 250 * time.Millisecond

	// LogStreamBatchMaxLines flushes a batch early once it holds this many lines.
	LogStreamBatchMaxLines = 64

	// LogStreamMaxLineBytes is the longest log line a follow stream accepts.
	LogStreamMaxLineBytes = 1024 * 1024
)

// Query and API knobs.
const (
	// QueryDefaultPageSize is used when a paginated list omits the limit.
	QueryDefaultPageSize = 100

	// QueryMaxPageSize is the largest accepted page size.
	QueryMaxPageSize = 500

	// RefreshRequestTimeout bounds single request/response cluster calls.
	RefreshRequestTimeout = 30 * time.Second

	// APIRateLimitPerSecond is the default per-client request rate.
	APIRateLimitPerSecond = 50

	// APIRateLimitBurst is the default per-client burst.
	APIRateLimitBurst = 100

	// APIRateLimiterIdleTTL is how long an idle client limiter is kept before it is swept.
	APIRateLimiterIdleTTL = 3 * time.Minute

	// ServerShutdownTimeout bounds graceful HTTP shutdown.
	ServerShutdownTimeout = 10 * time.Second

	// ServerReadHeaderTimeout bounds how long a client may take to send request headers.
	ServerReadHeaderTimeout = 10 * time.Second

	// DefaultListenAddress is used when no listen address is configured.
	DefaultListenAddress = ":8080"
)

// Cluster client knobs.
const (
	// ClientQPS is the default client-go QPS for dashboard clients.
	ClientQPS = 50

	// ClientBurst is the default client-go burst for dashboard clients.
	ClientBurst = 100

	// KubeconfigDebounce coalesces bursts of kubeconfig file events.
	KubeconfigDebounce = 500 * time.Millisecond

	// AppLogBufferSize is the default capacity of the in-process application log.
	AppLogBufferSize = 1000

	// PermissionCacheTTL is how long an access review decision is reused.
	PermissionCacheTTL = 2 * time.Minute

	// PermissionCheckTimeout bounds a single SelfSubjectAccessReview call.
	PermissionCheckTimeout = 5 * time.Second

	// PermissionPreflightWorkers limits concurrent access reviews while a runtime starts.
	PermissionPreflightWorkers = 4

	// MetricsDiscoveryTimeout bounds the metrics.k8s.io discovery probe.
	MetricsDiscoveryTimeout = 5 * time.Second
)

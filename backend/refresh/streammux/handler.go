package streammux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/refresh/logstream"
	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

type wsConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	SetWriteDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	Close() error
}

// pinger is implemented by *websocket.Conn; stub connections in tests may skip it.
type pinger interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// Adapter provides domain-specific subscription and scope normalization logic.
type Adapter interface {
	NormalizeScope(domain, scope string) (string, error)
	Subscribe(domain, scope string) (*Subscription, error)
}

// ContextProvider resolves the runtime of the active cluster context.
type ContextProvider interface {
	// Active returns the adapter of the current runtime and the context name.
	Active() (Adapter, string, error)
	// Switch replaces the active runtime. Every open subscription is dropped with
	// DropReasonContext once the old runtime stops.
	Switch(ctx context.Context, name string) error
}

// LogTailer reads one container log; Fetch and Follow cancel each other.
type LogTailer interface {
	Fetch(ctx context.Context, req logstream.Request) (string, error)
	Follow(ctx context.Context, req logstream.Request, emit func([]logstream.Entry) error) error
	Stop()
}

// LogTailerFactory builds a tailer bound to the active context.
type LogTailerFactory func() (LogTailer, error)

// Config captures the dependencies for a websocket stream multiplexer.
type Config struct {
	Contexts          ContextProvider
	Logs              LogTailerFactory
	Logger            logstream.Logger
	Telemetry         *telemetry.Recorder
	CheckOrigin       func(r *http.Request) bool
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	OutgoingBuffer    int
	MaxLogTails       int
	ResyncWait        time.Duration
}

// Handler exposes a websocket endpoint that multiplexes stream subscriptions.
type Handler struct {
	cfg      Config
	upgrader websocket.Upgrader
}

// NewHandler constructs a websocket stream multiplexer handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Contexts == nil {
		return nil, errors.New("stream context provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(*http.Request) bool { return true }
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = config.StreamHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = config.StreamHeartbeatTimeout
	}
	if cfg.OutgoingBuffer <= 0 {
		cfg.OutgoingBuffer = config.StreamMuxOutgoingBufferSize
	}
	if cfg.MaxLogTails <= 0 {
		cfg.MaxLogTails = config.StreamMuxMaxLogTails
	}
	if cfg.ResyncWait <= 0 {
		cfg.ResyncWait = config.StreamMuxResyncWait
	}
	return &Handler{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.StreamMuxReadBufferSize,
			WriteBufferSize: config.StreamMuxWriteBufferSize,
			// Prevent slow or stalled websocket upgrades from hanging indefinitely.
			HandshakeTimeout: config.StreamMuxHandshakeTimeout,
			CheckOrigin:      cfg.CheckOrigin,
		},
	}, nil
}

// ServeHTTP upgrades the connection and runs one session until it closes.
// Optional namespace and kinds query parameters subscribe during the handshake.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.Warn(fmt.Sprintf("stream mux upgrade failed: %v", err), "StreamMux")
		return
	}

	h.cfg.Telemetry.RecordStreamConnect(telemetry.StreamMux)
	defer h.cfg.Telemetry.RecordStreamDisconnect(telemetry.StreamMux)

	timeout := h.cfg.HeartbeatTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})

	var initial *ClientMessage
	query := r.URL.Query()
	if kinds := strings.TrimSpace(query.Get("kinds")); kinds != "" {
		initial = &ClientMessage{
			Type:      MessageTypeSubscribe,
			Namespace: query.Get("namespace"),
			Kinds:     strings.Split(kinds, ","),
		}
	}

	session := newSession(conn, h.cfg)
	session.run(r.Context(), initial)
}

// newSessionID tags log lines for one connection.
func newSessionID() string {
	return uuid.NewString()
}

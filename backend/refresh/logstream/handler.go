package logstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/client-go/kubernetes"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/refresh"
	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

// Frame types written on the dedicated log socket.
const (
	FrameLog   = "log"
	FrameError = "error"
	FrameEnd   = "end"
)

// Frame is one message on the dedicated log socket.
type Frame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// ClientFunc returns the client of the active context.
type ClientFunc func() (kubernetes.Interface, error)

// Handler exposes a websocket endpoint that follows one container log.
type Handler struct {
	clients     ClientFunc
	logger      Logger
	telemetry   *telemetry.Recorder
	checkOrigin func(r *http.Request) bool
	upgrader    websocket.Upgrader
}

// NewHandler constructs a log stream handler.
func NewHandler(clients ClientFunc, logger Logger, recorder *telemetry.Recorder, checkOrigin func(r *http.Request) bool) (*Handler, error) {
	if clients == nil {
		return nil, errors.New("logstream: kubernetes client is required")
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		clients:     clients,
		logger:      logger,
		telemetry:   recorder,
		checkOrigin: checkOrigin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   config.StreamMuxReadBufferSize,
			WriteBufferSize:  config.StreamMuxWriteBufferSize,
			HandshakeTimeout: config.StreamMuxHandshakeTimeout,
			CheckOrigin:      checkOrigin,
		},
	}, nil
}

// ServeHTTP implements http.Handler for the log streaming endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := ParseRequest(r, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		h.logger.Warn(fmt.Sprintf("logstream: rejected connection from origin %q", r.Header.Get("Origin")), "LogStream")
		w.WriteHeader(http.StatusForbidden)
		return
	}
	client, err := h.clients()
	if err != nil {
		status := refresh.StatusFromError(err)
		http.Error(w, status.Message, status.Code)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(fmt.Sprintf("logstream: upgrade failed: %v", err), "LogStream")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var writeMu sync.Mutex
	write := func(frame Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(config.StreamMuxWriteTimeout))
		return conn.WriteJSON(frame)
	}

	go func() {
		ticker := time.NewTicker(config.StreamHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.StreamMuxWriteTimeout)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	h.logger.Debug(fmt.Sprintf("logstream: follow %s/%s/%s", req.Namespace, req.Pod, req.Container), "LogStream")
	controller := NewController(client, Options{Logger: h.logger, Telemetry: h.telemetry})
	err = controller.Follow(ctx, req, func(entries []Entry) error {
		return write(Frame{Type: FrameLog, Data: FormatEntries(entries)})
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		h.logger.Warn(fmt.Sprintf("logstream: follow failed for %s/%s: %v", req.Namespace, req.Pod, err), "LogStream")
		_ = write(Frame{Type: FrameError, Data: err.Error()})
		return
	}
	_ = write(Frame{Type: FrameEnd})
}

// ParseRequest reads namespace, pod, container, previous, timestamps and tailLines from
// the query string. tailLines "all" (or a missing value with defaultTail <= 0) means the
// full history.
func ParseRequest(r *http.Request, defaultTail int64) (Request, error) {
	query := r.URL.Query()
	req := Request{
		Namespace: strings.TrimSpace(query.Get("namespace")),
		Pod:       strings.TrimSpace(query.Get("pod")),
		Container: strings.TrimSpace(query.Get("container")),
	}
	var err error
	if req.Previous, err = parseBool(query.Get("previous")); err != nil {
		return Request{}, refresh.BadRequestf("invalid previous value %q", query.Get("previous"))
	}
	if req.Timestamps, err = parseBool(query.Get("timestamps")); err != nil {
		return Request{}, refresh.BadRequestf("invalid timestamps value %q", query.Get("timestamps"))
	}
	if req.TailLines, err = ParseTailLines(query.Get("tailLines"), defaultTail); err != nil {
		return Request{}, err
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// ParseTailLines interprets a tailLines parameter.
func ParseTailLines(raw string, defaultTail int64) (*int64, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		if defaultTail <= 0 {
			return nil, nil
		}
		return &defaultTail, nil
	case "all":
		return nil, nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		return nil, refresh.BadRequestf("tailLines must be a positive integer or \"all\"")
	}
	return &parsed, nil
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

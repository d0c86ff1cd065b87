package streammux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/internal/timeutil"
	"github.com/luxury-yacht/dashboard/backend/refresh"
	"github.com/luxury-yacht/dashboard/backend/refresh/logstream"
	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...string) {}
func (noopLogger) Info(string, ...string)  {}
func (noopLogger) Warn(string, ...string)  {}
func (noopLogger) Error(string, ...string) {}

// session is one websocket client. It moves Connecting -> Active -> Draining -> Closed
// and owns every subscription and log tail it creates. Only writeLoop touches the
// connection's write side.
type session struct {
	id                string
	conn              wsConn
	contexts          ContextProvider
	logs              LogTailerFactory
	logger            logstream.Logger
	telemetry         *telemetry.Recorder
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	maxLogTails       int
	resyncWait        time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	stateMu sync.Mutex
	state   SessionState

	mu          sync.Mutex
	namespace   string
	kinds       []string
	contextName string
	generation  uint64
	requests    uint64 // client subscribe requests, so a resync yields to a newer one
	subs        []*Subscription
	tails       map[string]*logTail

	outgoing  chan ServerMessage
	fatal     chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once
	fatalOnce sync.Once
}

type logTail struct {
	tailer LogTailer
}

func newSession(conn wsConn, cfg Config) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:                newSessionID(),
		conn:              conn,
		contexts:          cfg.Contexts,
		logs:              cfg.Logs,
		logger:            cfg.Logger,
		telemetry:         cfg.Telemetry,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		maxLogTails:       cfg.MaxLogTails,
		resyncWait:        cfg.ResyncWait,
		ctx:               ctx,
		cancel:            cancel,
		state:             StateConnecting,
		tails:             make(map[string]*logTail),
		outgoing:          make(chan ServerMessage, cfg.OutgoingBuffer),
		fatal:             make(chan ServerMessage, 1),
		done:              make(chan struct{}),
	}
}

func (s *session) State() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *session) setState(state SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = state
}

func (s *session) run(parent context.Context, initial *ClientMessage) {
	stop := context.AfterFunc(parent, s.cancel)
	defer stop()

	go s.writeLoop()

	if initial != nil {
		s.handleSubscribe(*initial)
	} else if err := s.resubscribe("", nil, false); err != nil {
		s.fail(err)
	}
	s.setState(StateActive)
	s.logger.Debug(fmt.Sprintf("stream mux: session %s active", s.id), "StreamMux")

	s.readLoop()
	s.shutdown()
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		s.setState(StateDraining)
		close(s.done)
		s.cancel()

		s.mu.Lock()
		s.cancelSubsLocked()
		tails := s.tails
		s.tails = make(map[string]*logTail)
		s.mu.Unlock()
		for _, tail := range tails {
			tail.tailer.Stop()
		}

		_ = s.conn.Close()
		s.setState(StateClosed)
		s.logger.Debug(fmt.Sprintf("stream mux: session %s closed", s.id), "StreamMux")
	})
}

// Normal view transitions close the websocket without a close status or after we send a close.
func isExpectedStreamCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.IsCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

func (s *session) readLoop() {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
		var msg ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isExpectedStreamCloseError(err) {
				s.logger.Warn(fmt.Sprintf("stream mux read error: %v", err), "StreamMux")
			}
			return
		}

		switch msg.Type {
		case MessageTypeSubscribe:
			s.handleSubscribe(msg)
		case MessageTypeContext:
			s.handleContext(msg)
		case MessageTypeLogsFollow, MessageTypeLogsFetch:
			s.handleLogs(msg)
		case MessageTypeLogsStop:
			s.stopLogTail(msg.ID)
		case MessageTypePing:
			s.enqueue(ServerMessage{Kind: FramePong, ID: msg.ID})
		default:
			s.rejectRequest(msg.ID, refresh.BadRequestf("unsupported request type %q", msg.Type))
		}
	}
}

func (s *session) handleSubscribe(msg ClientMessage) {
	namespace, err := refresh.NormalizeNamespace(msg.Namespace)
	if err != nil {
		s.rejectRequest(msg.ID, err)
		return
	}
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
	if err := s.resubscribe(namespace, normalizeKinds(msg.Kinds), false); err != nil {
		s.rejectRequest(msg.ID, err)
	}
}

func normalizeKinds(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	kinds := make([]string, 0, len(raw))
	for _, kind := range raw {
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind == "" || kind == refresh.DomainCluster {
			continue
		}
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		kinds = append(kinds, kind)
	}
	return kinds
}

// resubscribe cancels every current subscription and subscribes again for namespace and
// kinds against the active runtime. The cluster domain is always included. Bursts are
// queued before any live update of the new generation.
func (s *session) resubscribe(namespace string, kinds []string, reset bool) error {
	adapter, contextName, err := s.contexts.Active()
	if err != nil {
		return err
	}
	domains := append(append([]string(nil), kinds...), refresh.DomainCluster)
	scopes := make([]string, len(domains))
	for i, domain := range domains {
		scope, err := adapter.NormalizeScope(domain, namespace)
		if err != nil {
			return err
		}
		scopes[i] = scope
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelSubsLocked()
	s.generation++
	generation := s.generation
	s.namespace = namespace
	s.kinds = kinds
	s.contextName = contextName

	if reset {
		s.enqueue(ServerMessage{Kind: FrameReset, Namespace: namespace, Context: contextName})
	}
	for i, domain := range domains {
		sub, err := adapter.Subscribe(domain, scopes[i])
		if err != nil {
			s.cancelSubsLocked()
			return err
		}
		s.subs = append(s.subs, sub)
		s.enqueueBurst(sub, namespace, contextName)
		go s.forward(sub, generation, contextName)
	}
	return nil
}

func (s *session) cancelSubsLocked() {
	for _, sub := range s.subs {
		if sub.Cancel != nil {
			sub.Cancel()
		}
	}
	s.subs = nil
}

func (s *session) enqueueBurst(sub *Subscription, namespace, contextName string) {
	if _, ok := refresh.KindForDomain(sub.Domain); ok {
		records := make([]refresh.Record, len(sub.Burst))
		for i, ev := range sub.Burst {
			records[i] = ev.Record
		}
		s.enqueue(ServerMessage{
			Kind:      sub.Domain,
			Sequence:  sub.Sequence,
			Namespace: namespace,
			Context:   contextName,
			Data:      records,
		})
	} else if sub.Payload != nil {
		s.enqueue(ServerMessage{Kind: sub.Domain, Sequence: sub.Sequence, Context: contextName, Data: sub.Payload})
	}
	if sub.Status != nil {
		s.enqueue(ServerMessage{Kind: FrameStatus, Context: contextName, Data: *sub.Status})
	}
}

func (s *session) forward(sub *Subscription, generation uint64, contextName string) {
	for {
		select {
		case update, ok := <-sub.Updates:
			if !ok {
				reason := <-sub.Drops
				s.handleDrop(generation, reason)
				return
			}
			s.enqueueFor(generation, frameFor(update, contextName))
		case reason, ok := <-sub.Drops:
			if !ok {
				return
			}
			s.handleDrop(generation, reason)
			return
		case <-s.done:
			return
		}
	}
}

func frameFor(update Update, contextName string) ServerMessage {
	switch {
	case update.Event != nil:
		ev := update.Event
		return ServerMessage{
			Kind:      ev.Record.Kind.Singular(),
			Type:      MessageType(ev.Type),
			Sequence:  update.Sequence,
			Namespace: ev.Record.Namespace,
			Context:   contextName,
			Synthetic: ev.Synthetic,
			Data:      ev.Record,
		}
	case update.Status != nil:
		return ServerMessage{Kind: FrameStatus, Context: contextName, Data: *update.Status}
	default:
		return ServerMessage{Kind: update.Domain, Sequence: update.Sequence, Context: contextName, Data: update.Payload}
	}
}

// enqueueFor drops frames of a superseded generation so nothing from an old filter
// reaches the client after the new burst.
func (s *session) enqueueFor(generation uint64, msg ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation {
		return
	}
	s.enqueue(msg)
}

func (s *session) handleDrop(generation uint64, reason DropReason) {
	switch reason {
	case "":
		return
	case DropReasonBackpressure:
		s.telemetry.RecordStreamDelivery(telemetry.StreamMux, 0, 1)
		s.fail(fmt.Errorf("%w: subscriber fell behind", refresh.ErrStreamOverflow))
	default:
		s.resync(generation, reason)
	}
}

// resync rebuilds every subscription after the runtime behind them went away.
func (s *session) resync(generation uint64, reason DropReason) {
	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		return
	}
	// claim the generation so sibling forwarders stand down
	s.generation++
	namespace, kinds := s.namespace, s.kinds
	requests := s.requests
	tails := s.tails
	s.tails = make(map[string]*logTail)
	s.mu.Unlock()

	for id, tail := range tails {
		tail.tailer.Stop()
		s.enqueue(ServerMessage{Kind: FrameLog, ID: id, Data: LogPayload{Mode: string(logstream.ModeFollow), Done: true}})
	}

	s.logger.Info(fmt.Sprintf("stream mux: session %s resubscribing after %s drop", s.id, reason), "StreamMux")
	backoff := timeutil.Backoff{Initial: config.StreamMuxResyncInitialBackoff, Max: config.StreamMuxResyncMaxBackoff}
	deadline := time.Now().Add(s.resyncWait)
	for {
		err := s.resubscribe(namespace, kinds, true)
		if err == nil {
			return
		}
		if !resyncRetryable(err) || time.Now().After(deadline) {
			s.fail(err)
			return
		}
		if timeutil.SleepWithContext(s.ctx, backoff.Next()) != nil {
			return
		}
		s.mu.Lock()
		superseded := s.requests != requests
		s.mu.Unlock()
		if superseded {
			return
		}
	}
}

// resyncRetryable reports errors seen while a context switch has no runtime published.
func resyncRetryable(err error) bool {
	return errors.Is(err, refresh.ErrClusterUnreachable) || errors.Is(err, refresh.ErrStreamUnavailable)
}

func (s *session) handleContext(msg ClientMessage) {
	name := strings.TrimSpace(msg.Context)
	if name == "" {
		s.rejectRequest(msg.ID, refresh.BadRequestf("context is required"))
		return
	}
	if err := s.contexts.Switch(s.ctx, name); err != nil {
		s.rejectRequest(msg.ID, err)
	}
}

func (s *session) handleLogs(msg ClientMessage) {
	id := strings.TrimSpace(msg.ID)
	if id == "" {
		s.rejectRequest("", refresh.BadRequestf("log requests need an id"))
		return
	}
	req := logstream.Request{
		Namespace:  msg.Namespace,
		Pod:        msg.Pod,
		Container:  msg.Container,
		Previous:   msg.Previous,
		Timestamps: msg.Timestamps,
		TailLines:  msg.TailLines,
	}
	if err := req.Validate(); err != nil {
		s.rejectRequest(id, err)
		return
	}
	tail, err := s.logTail(id)
	if err != nil {
		s.rejectRequest(id, err)
		return
	}

	if msg.Type == MessageTypeLogsFetch {
		go func() {
			content, err := tail.tailer.Fetch(s.ctx, req)
			if errors.Is(err, context.Canceled) {
				return
			}
			if err != nil {
				s.rejectRequest(id, err)
				return
			}
			s.enqueue(ServerMessage{Kind: FrameLog, ID: id, Data: LogPayload{Mode: string(logstream.ModeFetch), Content: content, Done: true}})
		}()
		return
	}

	go func() {
		err := tail.tailer.Follow(s.ctx, req, func(entries []logstream.Entry) error {
			if !s.enqueue(ServerMessage{Kind: FrameLog, ID: id, Data: LogPayload{Mode: string(logstream.ModeFollow), Content: logstream.FormatEntries(entries)}}) {
				return refresh.ErrStreamOverflow
			}
			return nil
		})
		// stopped, superseded or torn down by a context change
		if s.ctx.Err() != nil || !s.releaseLogTail(id, tail) {
			return
		}
		if err != nil {
			s.rejectRequest(id, err)
			return
		}
		s.enqueue(ServerMessage{Kind: FrameLog, ID: id, Data: LogPayload{Mode: string(logstream.ModeFollow), Done: true}})
	}()
}

// logTail returns the tailer registered under id, creating it within the per-session limit.
func (s *session) logTail(id string) (*logTail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tail, ok := s.tails[id]; ok {
		return tail, nil
	}
	if s.logs == nil {
		return nil, fmt.Errorf("%w: log streaming not configured", refresh.ErrStreamUnavailable)
	}
	if len(s.tails) >= s.maxLogTails {
		return nil, fmt.Errorf("%w: at most %d log tails per session", refresh.ErrStreamUnavailable, s.maxLogTails)
	}
	tailer, err := s.logs()
	if err != nil {
		return nil, err
	}
	tail := &logTail{tailer: tailer}
	s.tails[id] = tail
	return tail, nil
}

// releaseLogTail frees the slot of a follow that ended on its own. It reports false when
// the tail was already stopped or replaced.
func (s *session) releaseLogTail(id string, tail *logTail) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tails[id] != tail {
		return false
	}
	delete(s.tails, id)
	return true
}

func (s *session) stopLogTail(id string) {
	s.mu.Lock()
	tail := s.tails[id]
	delete(s.tails, id)
	s.mu.Unlock()
	if tail != nil {
		tail.tailer.Stop()
	}
}

// rejectRequest reports a failed client request without closing the session.
func (s *session) rejectRequest(id string, err error) {
	s.enqueue(ServerMessage{Kind: FrameRequestError, ID: id, Error: refresh.StatusFromError(err)})
}

// fail queues the terminal error frame; writeLoop sends it and closes the session.
func (s *session) fail(err error) {
	s.fatalOnce.Do(func() {
		s.logger.Warn(fmt.Sprintf("stream mux: closing session %s: %v", s.id, err), "StreamMux")
		s.telemetry.RecordStreamError(telemetry.StreamMux, err)
		s.fatal <- ServerMessage{Kind: FrameError, Error: refresh.StatusFromError(err)}
	})
}

// enqueue queues msg for the writer. A full queue is a StreamOverflow: the client must
// reconnect and rebuild from a fresh burst.
func (s *session) enqueue(msg ServerMessage) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outgoing <- msg:
		return true
	default:
		s.telemetry.RecordStreamDelivery(telemetry.StreamMux, 0, 1)
		s.fail(fmt.Errorf("%w: session outgoing buffer full", refresh.ErrStreamOverflow))
		return false
	}
}

func (s *session) writeLoop() {
	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case msg := <-s.fatal:
			s.terminate(msg)
			return
		default:
		}

		select {
		case <-s.done:
			return
		case msg := <-s.fatal:
			s.terminate(msg)
			return
		case msg := <-s.outgoing:
			if err := s.writeMessage(msg); err != nil {
				s.shutdown()
				return
			}
			s.telemetry.RecordStreamDelivery(telemetry.StreamMux, 1, 0)
		case <-heartbeat.C:
			if err := s.writeMessage(ServerMessage{Kind: FrameHeartbeat}); err != nil {
				s.shutdown()
				return
			}
			if p, ok := s.conn.(pinger); ok {
				_ = p.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.heartbeatInterval))
			}
		}
	}
}

func (s *session) terminate(msg ServerMessage) {
	s.setState(StateDraining)
	_ = s.writeMessage(msg)
	s.shutdown()
}

func (s *session) writeMessage(msg ServerMessage) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.heartbeatTimeout)); err != nil {
		s.logger.Warn(fmt.Sprintf("stream mux: write deadline failed: %v", err), "StreamMux")
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		if !isExpectedStreamCloseError(err) {
			s.logger.Warn(fmt.Sprintf("stream mux write error: %v", err), "StreamMux")
		}
		return err
	}
	return nil
}

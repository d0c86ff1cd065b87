package resourcestream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/refresh"
	"github.com/luxury-yacht/dashboard/backend/refresh/clustercache"
	"github.com/luxury-yacht/dashboard/backend/refresh/metrics"
	"github.com/luxury-yacht/dashboard/backend/refresh/snapshot"
	"github.com/luxury-yacht/dashboard/backend/refresh/streammux"
	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

type subscription struct {
	ch    chan Update
	drops chan DropReason
	once  sync.Once
	// sequence is the last number handed to this subscriber. Only the dispatcher
	// advances it, and Subscribe seeds it under the exclusive lock.
	sequence uint64
	// dead is set by the dispatcher when the subscriber overflows; nothing is sent to it
	// afterwards even while it still sits in the subscriber map.
	dead bool
}

func (s *subscription) close(reason DropReason) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if reason != "" {
			select {
			case s.drops <- reason:
			default:
			}
		}
		close(s.drops)
		close(s.ch)
	})
}

// Options configure a Manager. Zero values fall back to the config package defaults.
type Options struct {
	Logger                 Logger
	Telemetry              *telemetry.Recorder
	EventBufferSize        int
	SubscriberBufferSize   int
	MaxSubscribersPerScope int
	SummaryInterval        time.Duration
	MetricsStaleThreshold  time.Duration
	// Kinds lists the adapters feeding the manager; the cluster is reported
	// unreachable once every one of them is degraded.
	Kinds []refresh.Kind
}

// Manager fans adapter events into the cluster cache and out to subscribers.
// A single dispatcher goroutine applies and broadcasts; Subscribe takes the
// exclusive lock so a snapshot burst and live events never interleave.
type Manager struct {
	cache     *clustercache.Cache
	logger    Logger
	telemetry *telemetry.Recorder

	events   chan refresh.ResourceEvent
	statuses chan refresh.DomainStatus
	control  chan func()

	maxPerScope     int
	bufferSize      int
	summaryInterval time.Duration
	staleThreshold  time.Duration
	now             func() time.Time

	mu             sync.RWMutex
	closed         bool
	subscribers    map[string]map[string]map[uint64]*subscription
	nextID         uint64
	domainStatuses map[string]refresh.DomainStatus
	payloads       map[string]interface{}

	metricsMu     sync.RWMutex
	latestMetrics metrics.Snapshot
	hasMetrics    bool
	usageSample   metrics.Snapshot
	hasUsage      bool

	// owned by the dispatcher goroutine
	expectedKinds   []refresh.Kind
	kindStates      map[refresh.Kind]refresh.StreamState
	callErr         error
	clusterDegraded bool
	summaryDirty    bool
}

// NewManager constructs a manager around cache.
func NewManager(cache *clustercache.Cache, opts Options) *Manager {
	if cache == nil {
		cache = clustercache.New()
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = config.ResourceStreamEventBufferSize
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = config.ResourceStreamSubscriberBufferSize
	}
	if opts.MaxSubscribersPerScope <= 0 {
		opts.MaxSubscribersPerScope = config.ResourceStreamMaxSubscribersPerScope
	}
	if opts.SummaryInterval <= 0 {
		opts.SummaryInterval = config.SummaryCoalesceInterval
	}
	if opts.MetricsStaleThreshold <= 0 {
		opts.MetricsStaleThreshold = config.MetricsStaleThreshold
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = refresh.WatchedKinds
	}
	return &Manager{
		cache:           cache,
		logger:          opts.Logger,
		telemetry:       opts.Telemetry,
		events:          make(chan refresh.ResourceEvent, opts.EventBufferSize),
		statuses:        make(chan refresh.DomainStatus, len(opts.Kinds)*4),
		control:         make(chan func(), 64),
		maxPerScope:     opts.MaxSubscribersPerScope,
		bufferSize:      opts.SubscriberBufferSize,
		summaryInterval: opts.SummaryInterval,
		staleThreshold:  opts.MetricsStaleThreshold,
		now:             time.Now,
		subscribers:     make(map[string]map[string]map[uint64]*subscription),
		domainStatuses:  make(map[string]refresh.DomainStatus),
		payloads:        make(map[string]interface{}),
		expectedKinds:   append([]refresh.Kind(nil), opts.Kinds...),
		kindStates:      make(map[refresh.Kind]refresh.StreamState),
	}
}

// Events is the bounded fan-in channel adapters write to.
func (m *Manager) Events() chan<- refresh.ResourceEvent {
	return m.events
}

// Statuses receives adapter state changes.
func (m *Manager) Statuses() chan<- refresh.DomainStatus {
	return m.statuses
}

// Cache exposes the manager's cluster cache for read paths.
func (m *Manager) Cache() *clustercache.Cache {
	return m.cache
}

// Run is the dispatcher loop. It returns when ctx is cancelled, after dropping every
// subscriber with the context reason.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.summaryInterval)
	defer ticker.Stop()
	defer m.closeAll(DropReasonContext)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			m.handleEvent(ev)
		case st := <-m.statuses:
			m.handleStatus(st)
		case fn := <-m.control:
			fn()
		case <-ticker.C:
			if m.summaryDirty {
				m.publishSummary()
			}
		}
	}
}

// submit queues fn onto the dispatcher without blocking the caller.
func (m *Manager) submit(fn func()) bool {
	select {
	case m.control <- fn:
		return true
	default:
		m.logger.Warn("resource stream: control queue full, dropping update", "ResourceStream")
		return false
	}
}

func (m *Manager) handleEvent(ev refresh.ResourceEvent) {
	m.mu.RLock()
	typ, changed := m.cache.Apply(ev)
	if changed {
		ev.Type = typ
		m.broadcastEvent(ev)
	}
	m.mu.RUnlock()

	if changed && (ev.Record.Kind == refresh.KindNode || ev.Record.Kind == refresh.KindPod) {
		m.summaryDirty = true
	}
}

// broadcastEvent must be called with m.mu held.
func (m *Manager) broadcastEvent(ev refresh.ResourceEvent) {
	domain := ev.Record.Kind.Domain()
	for _, scope := range refresh.ScopesForNamespace(ev.Record.Namespace) {
		m.deliver(domain, scope, func(seq uint64) Update {
			event := ev
			event.Sequence = seq
			return Update{Domain: domain, Scope: scope, Sequence: seq, Event: &event}
		}, true)
	}
}

// deliver must be called with m.mu held. Subscribers that cannot keep up are dropped so
// the client reconnects and receives a fresh burst.
func (m *Manager) deliver(domain, scope string, build func(seq uint64) Update, sequenced bool) {
	scopeSubs := m.subscribers[domain][scope]
	if len(scopeSubs) == 0 {
		return
	}
	delivered, dropped, closedCount := 0, 0, 0
	for id, sub := range scopeSubs {
		if sub.dead {
			continue
		}
		seq := sub.sequence
		if sequenced {
			seq++
		}
		sent, closed := m.trySend(sub, build(seq))
		switch {
		case closed:
			closedCount++
			go m.dropSubscriber(domain, scope, id, sub, DropReasonClosed)
		case sent:
			delivered++
			sub.sequence = seq
		default:
			dropped++
			// close now; the map entry is removed once the exclusive lock is free
			sub.dead = true
			sub.close(DropReasonBackpressure)
			go m.dropSubscriber(domain, scope, id, sub, DropReasonBackpressure)
		}
	}

	if m.telemetry != nil {
		m.telemetry.RecordStreamDelivery(telemetry.StreamResources, delivered, dropped)
		if dropped > 0 {
			m.telemetry.RecordStreamError(
				telemetry.StreamResources,
				fmt.Errorf("%w: dropped %d subscriber(s) for %s/%s", refresh.ErrStreamOverflow, dropped, domain, scope),
			)
		}
	}
	if dropped > 0 {
		m.logger.Warn(fmt.Sprintf("resource stream: dropped %d slow subscribers for %s/%s", dropped, domain, scope), "ResourceStream")
	}
	if closedCount > 0 {
		m.logger.Info(fmt.Sprintf("resource stream: cleaned up %d closed subscribers for %s/%s", closedCount, domain, scope), "ResourceStream")
	}
}

func (m *Manager) trySend(sub *subscription, update Update) (sent bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			closed = true
			sent = false
		}
	}()
	select {
	case sub.ch <- update:
		return true, false
	default:
		return false, false
	}
}

func (m *Manager) handleStatus(st refresh.DomainStatus) {
	kind, isKind := refresh.KindForDomain(st.Domain)
	if isKind {
		m.kindStates[kind] = st.State
		if st.State == refresh.StateLive {
			m.cache.MarkSynced(kind)
			m.callErr = nil
		}
	}
	m.publishStatus(st)
	if st.State == refresh.StateDegraded {
		m.logger.Warn(fmt.Sprintf("resource stream: %s degraded: %s", st.Domain, st.Error), "ResourceStream")
	}
	m.evaluateCluster()
}

func (m *Manager) publishStatus(st refresh.DomainStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainStatuses[st.Domain] = st
	for scope := range m.subscribers[st.Domain] {
		status := st
		m.deliver(st.Domain, scope, func(seq uint64) Update {
			return Update{Domain: st.Domain, Scope: scope, Status: &status}
		}, false)
	}
}

// evaluateCluster derives the cluster-level reachability signal.
func (m *Manager) evaluateCluster() {
	cause := m.callErr
	if cause == nil && len(m.expectedKinds) > 0 {
		allDegraded := true
		for _, kind := range m.expectedKinds {
			if m.kindStates[kind] != refresh.StateDegraded {
				allDegraded = false
				break
			}
		}
		if allDegraded {
			cause = refresh.ErrClusterUnreachable
		}
	}
	degraded := cause != nil
	if degraded == m.clusterDegraded {
		return
	}
	m.clusterDegraded = degraded

	st := refresh.DomainStatus{Domain: refresh.DomainCluster, State: refresh.StateLive, Since: m.now()}
	if degraded {
		st.State = refresh.StateDegraded
		st.Reason = refresh.ReasonClusterUnreachable
		st.Error = cause.Error()
		m.logger.Error(fmt.Sprintf("resource stream: cluster unreachable: %v", cause), "ResourceStream")
	} else {
		m.logger.Info("resource stream: cluster reachable again", "ResourceStream")
	}
	m.telemetry.RecordConnectionState(string(st.State), st.Error)
	m.publishStatus(st)
}

// ObserveClusterCall feeds the outcome of a request/response call into the reachability
// signal. Network-class failures mark the cluster unreachable; a success clears it.
func (m *Manager) ObserveClusterCall(err error) {
	unreachable := refresh.IsUnreachable(err)
	if err != nil && !unreachable {
		return
	}
	m.submit(func() {
		if unreachable {
			m.callErr = fmt.Errorf("%w: %v", refresh.ErrClusterUnreachable, err)
		} else {
			m.callErr = nil
		}
		m.evaluateCluster()
	})
}

// PublishMetrics records a metrics sample and forwards it to metrics subscribers.
// It never blocks the poller.
func (m *Manager) PublishMetrics(sample metrics.Snapshot) {
	m.metricsMu.Lock()
	m.latestMetrics = sample
	m.hasMetrics = true
	if !sample.Partial || len(sample.Nodes) > 0 {
		m.usageSample = sample
		m.hasUsage = true
	}
	m.metricsMu.Unlock()

	m.submit(func() {
		m.publishPayload(refresh.DomainMetrics, sample)
		m.summaryDirty = true
	})
}

// LatestMetrics returns the newest published sample.
func (m *Manager) LatestMetrics() (metrics.Snapshot, bool) {
	m.metricsMu.RLock()
	defer m.metricsMu.RUnlock()
	return m.latestMetrics, m.hasMetrics
}

func (m *Manager) publishPayload(domain string, payload interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[domain] = payload
	for scope := range m.subscribers[domain] {
		m.deliver(domain, scope, func(seq uint64) Update {
			return Update{Domain: domain, Scope: scope, Sequence: seq, Payload: payload}
		}, true)
	}
}

func (m *Manager) publishSummary() {
	m.summaryDirty = false
	m.mu.RLock()
	listeners := len(m.subscribers[refresh.DomainSummary])
	m.mu.RUnlock()
	if listeners == 0 {
		return
	}
	m.publishPayload(refresh.DomainSummary, m.Summary())
}

// Summary computes the cluster overview from the cache and the latest usage sample.
func (m *Manager) Summary() snapshot.ClusterSummary {
	return snapshot.BuildClusterSummary(
		m.cache.Snapshot(refresh.KindNode, ""),
		m.cache.Snapshot(refresh.KindPod, ""),
		m.clusterUsage(),
	)
}

func (m *Manager) clusterUsage() snapshot.ClusterUsage {
	m.metricsMu.RLock()
	defer m.metricsMu.RUnlock()
	if !m.hasUsage || m.now().Sub(m.usageSample.Timestamp) > m.staleThreshold {
		return snapshot.ClusterUsage{}
	}
	cpu, memory := m.usageSample.Totals()
	return snapshot.ClusterUsage{CPUMilli: cpu, MemoryBytes: memory, Available: true}
}

// NodeCapacities satisfies metrics.CapacityProvider from cached node records.
func (m *Manager) NodeCapacities() map[string]metrics.NodeCapacity {
	records := m.cache.Snapshot(refresh.KindNode, "")
	out := make(map[string]metrics.NodeCapacity, len(records))
	for _, record := range records {
		node, ok := record.Row.(snapshot.NodeSummary)
		if !ok {
			continue
		}
		out[record.Name] = metrics.NodeCapacity{CPUMilli: node.CPUCapacity, MemoryBytes: node.MemoryCapacity}
	}
	return out
}

// DomainStatuses returns the last reported status per domain.
func (m *Manager) DomainStatuses() []refresh.DomainStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]refresh.DomainStatus, 0, len(m.domainStatuses))
	for _, st := range m.domainStatuses {
		out = append(out, st)
	}
	return out
}

// Subscribe registers a subscriber for domain/scope. For resource domains the returned
// burst holds one Added per cached record, numbered before any live event.
func (m *Manager) Subscribe(domain, scope string) (*streammux.Subscription, error) {
	normalized, err := normalizeScopeForDomain(domain, scope)
	if err != nil {
		return nil, err
	}
	kind, isResource := refresh.KindForDomain(domain)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("%w: resource stream stopped", refresh.ErrStreamUnavailable)
	}
	if len(m.subscribers[domain][normalized]) >= m.maxPerScope {
		return nil, fmt.Errorf("%w: subscriber limit reached for %s/%s", refresh.ErrStreamUnavailable, domain, normalized)
	}

	sub := &subscription{
		ch:    make(chan Update, m.bufferSize),
		drops: make(chan DropReason, 1),
	}
	result := &streammux.Subscription{
		Domain:  domain,
		Scope:   normalized,
		Updates: sub.ch,
		Drops:   sub.drops,
	}

	switch {
	case isResource:
		records := m.cache.Snapshot(kind, refresh.NamespaceFromScope(normalized))
		burst := make([]refresh.ResourceEvent, len(records))
		for i, record := range records {
			burst[i] = refresh.ResourceEvent{Type: refresh.EventAdded, Record: record, Sequence: uint64(i + 1)}
		}
		result.Burst = burst
		sub.sequence = uint64(len(burst))
	case domain == refresh.DomainSummary:
		result.Payload = m.Summary()
		sub.sequence = 1
	case domain == refresh.DomainMetrics:
		if payload, ok := m.payloads[domain]; ok {
			result.Payload = payload
			sub.sequence = 1
		}
	}
	result.Sequence = sub.sequence
	result.Status = m.currentStatusLocked(domain, kind, isResource)

	if m.subscribers[domain] == nil {
		m.subscribers[domain] = make(map[string]map[uint64]*subscription)
	}
	if m.subscribers[domain][normalized] == nil {
		m.subscribers[domain][normalized] = make(map[uint64]*subscription)
	}
	m.nextID++
	id := m.nextID
	m.subscribers[domain][normalized][id] = sub

	result.Cancel = func() {
		m.dropSubscriber(domain, normalized, id, sub, "")
	}
	return result, nil
}

func (m *Manager) currentStatusLocked(domain string, kind refresh.Kind, isResource bool) *refresh.DomainStatus {
	if st, ok := m.domainStatuses[domain]; ok {
		return &st
	}
	switch {
	case isResource:
		state := refresh.StateResyncing
		if m.cache.Synced(kind) {
			state = refresh.StateLive
		}
		return &refresh.DomainStatus{Domain: domain, State: state, Since: m.now()}
	case domain == refresh.DomainCluster:
		return &refresh.DomainStatus{Domain: domain, State: refresh.StateLive, Since: m.now()}
	}
	return nil
}

func (m *Manager) dropSubscriber(domain, scope string, id uint64, sub *subscription, reason DropReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scopeSubs := m.subscribers[domain][scope]
	current, exists := scopeSubs[id]
	if !exists || current != sub {
		return
	}
	delete(scopeSubs, id)
	if len(scopeSubs) == 0 {
		delete(m.subscribers[domain], scope)
	}
	if len(m.subscribers[domain]) == 0 {
		delete(m.subscribers, domain)
	}
	sub.close(reason)
}

func (m *Manager) closeAll(reason DropReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	count := 0
	for _, scopes := range m.subscribers {
		for _, subs := range scopes {
			for _, sub := range subs {
				sub.close(reason)
				count++
			}
		}
	}
	m.subscribers = make(map[string]map[string]map[uint64]*subscription)
	if count > 0 {
		m.logger.Info(fmt.Sprintf("resource stream: closed %d subscribers (%s)", count, reason), "ResourceStream")
	}
}

// SubscriberCount reports how many subscribers are registered for domain/scope.
func (m *Manager) SubscriberCount(domain, scope string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[domain][scope])
}

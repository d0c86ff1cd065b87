// Package informer turns list/watch calls against the cluster into a reconnecting stream of
// normalized resource events. Every watch interruption ends in a full relist that is diffed
// against the last known state, so consumers never miss a deletion across a reconnect.
package informer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/pager"
	"k8s.io/klog/v2"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/internal/timeutil"
	"github.com/luxury-yacht/dashboard/backend/refresh"
	"github.com/luxury-yacht/dashboard/backend/refresh/snapshot"
	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

// Logger represents the minimal logging interface required by the adapters.
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

// NormalizeFunc converts a raw cluster object into a record.
type NormalizeFunc func(kind refresh.Kind, obj runtime.Object) (refresh.Record, error)

// a watch that lived at least this long counts as healthy even if it delivered nothing
const healthyWatchAge = 5 * time.Second

// Options tune an adapter. Zero values fall back to the config package defaults.
type Options struct {
	DeadStreamTimeout time.Duration
	ServerTimeout     time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	MaxRetries        int
	PageSize          int64
	Normalize         NormalizeFunc
	Logger            Logger
	Telemetry         *telemetry.Recorder
}

func (o Options) withDefaults() Options {
	if o.DeadStreamTimeout <= 0 {
		o.DeadStreamTimeout = config.WatchDeadStreamTimeout
	}
	if o.ServerTimeout <= 0 {
		o.ServerTimeout = config.WatchServerTimeout
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = config.WatchBackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = config.WatchBackoffMax
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = config.WatchMaxRetries
	}
	if o.PageSize <= 0 {
		o.PageSize = config.WatchListPageSize
	}
	if o.Normalize == nil {
		o.Normalize = snapshot.Normalize
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	return o
}

// Adapter watches one kind and emits ResourceEvents on its events channel.
type Adapter struct {
	kind   refresh.Kind
	source cache.ListerWatcherWithContext
	opts   Options
	events chan<- refresh.ResourceEvent
	status chan<- refresh.DomainStatus

	// known is only touched by the Run goroutine.
	known map[refresh.Key]refresh.Record
	state refresh.StreamState
	now   func() time.Time
}

// New constructs an adapter for kind. status may be nil.
func New(kind refresh.Kind, source cache.ListerWatcherWithContext, events chan<- refresh.ResourceEvent, status chan<- refresh.DomainStatus, opts Options) *Adapter {
	return &Adapter{
		kind:   kind,
		source: source,
		opts:   opts.withDefaults(),
		events: events,
		status: status,
		known:  make(map[refresh.Key]refresh.Record),
		now:    time.Now,
	}
}

// Kind returns the watched kind.
func (a *Adapter) Kind() refresh.Kind {
	return a.kind
}

// Run lists, watches and relists until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	if a.source == nil {
		return fmt.Errorf("informer: %s has no source", a.kind)
	}
	backoff := timeutil.Backoff{Initial: a.opts.BackoffInitial, Max: a.opts.BackoffMax, Jitter: 0.1}
	failures := 0

	fail := func(err error) bool {
		failures++
		delay := backoff.Next()
		if failures >= a.opts.MaxRetries {
			a.setState(ctx, refresh.StateDegraded, err)
			delay = a.opts.BackoffMax
		} else {
			a.setState(ctx, refresh.StateResyncing, err)
		}
		a.opts.Logger.Warn(fmt.Sprintf("informer: %s attempt %d failed, retrying in %s: %v", a.kind, failures, delay.Round(time.Millisecond), err), "Informer")
		return timeutil.SleepWithContext(ctx, delay) == nil
	}

	for ctx.Err() == nil {
		resourceVersion, err := a.relist(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if !fail(err) {
				return nil
			}
			continue
		}
		if failures > 0 {
			a.opts.Logger.Info(fmt.Sprintf("informer: %s recovered after %d failed attempts", a.kind, failures), "Informer")
		}
		a.setState(ctx, refresh.StateLive, nil)

		started := a.now()
		received, err := a.watch(ctx, resourceVersion)
		if ctx.Err() != nil {
			return nil
		}
		a.opts.Telemetry.RecordWatchRestart(string(a.kind), err)
		klog.V(2).InfoS("watch ended", "kind", a.kind, "events", received, "err", err)

		healthy := received > 0 || a.now().Sub(started) >= healthyWatchAge
		switch {
		case err != nil && (healthy || errors.Is(err, refresh.ErrWatchUnavailable)):
			failures = 0
			backoff.Reset()
			a.setState(ctx, refresh.StateResyncing, err)
		case err != nil:
			if !fail(err) {
				return nil
			}
		case healthy:
			failures = 0
			backoff.Reset()
		default:
			// closed immediately without delivering anything
			if !fail(fmt.Errorf("%w: %s watch closed immediately", refresh.ErrWatchUnavailable, a.kind)) {
				return nil
			}
		}
	}
	return nil
}

// relist performs a full list, diffs it against the known set and emits synthetic events.
func (a *Adapter) relist(ctx context.Context) (string, error) {
	started := a.now()
	items, resourceVersion, err := a.listAll(ctx)
	a.opts.Telemetry.RecordList(string(a.kind), a.now().Sub(started), len(items), err)
	if err != nil {
		return "", err
	}

	fresh := make(map[refresh.Key]refresh.Record, len(items))
	events := make([]refresh.ResourceEvent, 0)
	for _, obj := range items {
		record, err := a.opts.Normalize(a.kind, obj)
		if err != nil {
			a.opts.Logger.Warn(fmt.Sprintf("informer: %s normalize failed: %v", a.kind, err), "Informer")
			continue
		}
		key := record.Key()
		fresh[key] = record
		previous, ok := a.known[key]
		switch {
		case !ok:
			events = append(events, refresh.ResourceEvent{Type: refresh.EventAdded, Record: record, Synthetic: true})
		case previous.ResourceVersion != record.ResourceVersion:
			events = append(events, refresh.ResourceEvent{Type: refresh.EventModified, Record: record, Synthetic: true})
		}
	}

	gone := make([]refresh.Key, 0)
	for key := range a.known {
		if _, ok := fresh[key]; !ok {
			gone = append(gone, key)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].Less(gone[j]) })
	for _, key := range gone {
		events = append(events, refresh.ResourceEvent{Type: refresh.EventDeleted, Record: a.known[key], Synthetic: true})
	}
	a.known = fresh

	for _, ev := range events {
		if !a.emit(ctx, ev) {
			return "", ctx.Err()
		}
	}
	a.opts.Telemetry.RecordSynthetic(string(a.kind), len(events))
	klog.V(2).InfoS("relist complete", "kind", a.kind, "items", len(fresh), "synthetic", len(events), "resourceVersion", resourceVersion)
	return resourceVersion, nil
}

// listAll walks the list in pages. An expired continue token falls back to one unpaged list.
func (a *Adapter) listAll(ctx context.Context) ([]runtime.Object, string, error) {
	lister := pager.New(a.source.ListWithContext)
	lister.PageSize = a.opts.PageSize
	lister.FullListIfExpired = true
	list, _, err := lister.List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, "", err
	}
	listMeta, err := meta.ListAccessor(list)
	if err != nil {
		return nil, "", err
	}
	items, err := meta.ExtractList(list)
	if err != nil {
		return nil, "", err
	}
	return items, listMeta.GetResourceVersion(), nil
}

// watch streams live events until the stream ends. It reports how many events were emitted.
func (a *Adapter) watch(ctx context.Context, resourceVersion string) (int, error) {
	timeout := int64(a.opts.ServerTimeout / time.Second)
	w, err := a.source.WatchWithContext(ctx, metav1.ListOptions{
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: true,
		TimeoutSeconds:      &timeout,
	})
	if err != nil {
		if refresh.IsWatchExpired(err) {
			return 0, fmt.Errorf("%w: %v", refresh.ErrWatchUnavailable, err)
		}
		return 0, err
	}
	defer w.Stop()

	deadStream := time.NewTimer(a.opts.DeadStreamTimeout)
	defer deadStream.Stop()

	received := 0
	for {
		select {
		case <-ctx.Done():
			return received, nil
		case <-deadStream.C:
			return received, fmt.Errorf("%w: %s watch silent for %s", refresh.ErrWatchUnavailable, a.kind, a.opts.DeadStreamTimeout)
		case ev, ok := <-w.ResultChan():
			if !ok {
				return received, nil
			}
			deadStream.Reset(a.opts.DeadStreamTimeout)

			var eventType refresh.EventType
			switch ev.Type {
			case watch.Bookmark:
				continue
			case watch.Error:
				err := apierrors.FromObject(ev.Object)
				if refresh.IsWatchExpired(err) {
					return received, fmt.Errorf("%w: %v", refresh.ErrWatchUnavailable, err)
				}
				return received, err
			case watch.Added:
				eventType = refresh.EventAdded
			case watch.Modified:
				eventType = refresh.EventModified
			case watch.Deleted:
				eventType = refresh.EventDeleted
			default:
				continue
			}

			record, err := a.opts.Normalize(a.kind, ev.Object)
			if err != nil {
				a.opts.Logger.Warn(fmt.Sprintf("informer: %s normalize failed: %v", a.kind, err), "Informer")
				continue
			}
			if eventType == refresh.EventDeleted {
				delete(a.known, record.Key())
			} else {
				a.known[record.Key()] = record
			}
			if !a.emit(ctx, refresh.ResourceEvent{Type: eventType, Record: record}) {
				return received, nil
			}
			received++
		}
	}
}

func (a *Adapter) emit(ctx context.Context, ev refresh.ResourceEvent) bool {
	select {
	case a.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Adapter) setState(ctx context.Context, state refresh.StreamState, err error) {
	if state == a.state {
		return
	}
	a.state = state
	status := refresh.DomainStatus{Domain: a.kind.Domain(), State: state, Since: a.now()}
	if err != nil {
		status.Error = err.Error()
		status.Reason = refresh.ReasonWatchUnavailable
		if refresh.IsUnreachable(err) {
			status.Reason = refresh.ReasonClusterUnreachable
		}
	}
	a.opts.Telemetry.RecordAdapterState(string(a.kind), string(state), err)
	if state == refresh.StateDegraded {
		a.opts.Logger.Error(fmt.Sprintf("informer: %s degraded: %v", a.kind, err), "Informer")
	}
	if a.status == nil {
		return
	}
	select {
	case a.status <- status:
	case <-ctx.Done():
	}
}

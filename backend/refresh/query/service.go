package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/pager"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/refresh"
	"github.com/luxury-yacht/dashboard/backend/refresh/clustercache"
	"github.com/luxury-yacht/dashboard/backend/refresh/informer"
	"github.com/luxury-yacht/dashboard/backend/refresh/snapshot"
	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

// Options configure a Service.
type Options struct {
	Logger    Logger
	Telemetry *telemetry.Recorder
	// Observe is told the outcome of every cluster call; the stream manager uses it
	// to raise or clear the cluster unreachable signal.
	Observe func(error)
	Timeout time.Duration
}

// Service serves paginated lists and single-object reads for one cluster context.
type Service struct {
	client    kubernetes.Interface
	cache     *clustercache.Cache
	logger    Logger
	telemetry *telemetry.Recorder
	observe   func(error)
	timeout   time.Duration

	gets singleflight.Group
}

// NewService builds a query service over client, falling back to cache when the cluster is unavailable.
func NewService(client kubernetes.Interface, cache *clustercache.Cache, opts Options) *Service {
	if cache == nil {
		cache = clustercache.New()
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Observe == nil {
		opts.Observe = func(error) {}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.RefreshRequestTimeout
	}
	return &Service{
		client:    client,
		cache:     cache,
		logger:    opts.Logger,
		telemetry: opts.Telemetry,
		observe:   opts.Observe,
		timeout:   opts.Timeout,
	}
}

// Cache exposes the watch cache the service falls back to.
func (s *Service) Cache() *clustercache.Cache {
	return s.cache
}

// List returns one page of kind in namespace. Continue tokens are opaque: api tokens wrap
// the cluster's continue token, cache tokens are a cursor on the last record served.
func (s *Service) List(ctx context.Context, req ListRequest) (Page, error) {
	pageSize, err := normalizePageSize(req.PageSize)
	if err != nil {
		return Page{}, err
	}
	if _, ok := refresh.KindForDomain(req.Kind.Domain()); !ok {
		return Page{}, refresh.BadRequestf("unsupported kind %q", req.Kind)
	}
	namespace, err := refresh.NormalizeNamespace(req.Namespace)
	if err != nil {
		return Page{}, err
	}
	if !req.Kind.Namespaced() {
		namespace = ""
	}

	token := pageToken{Mode: req.Source}
	if req.Continue != "" {
		if token, err = decodeToken(req.Continue); err != nil {
			return Page{}, err
		}
	}

	switch token.Mode {
	case ModeCache:
		return s.listCache(req.Kind, namespace, pageSize, token)
	case ModeAPI, "":
		return s.listAPI(ctx, req.Kind, namespace, pageSize, token)
	}
	return Page{}, refresh.BadRequestf("unknown source %q", token.Mode)
}

func normalizePageSize(size int) (int, error) {
	switch {
	case size == 0:
		return config.QueryDefaultPageSize, nil
	case size < 1 || size > config.QueryMaxPageSize:
		return 0, refresh.BadRequestf("limit must be between 1 and %d", config.QueryMaxPageSize)
	}
	return size, nil
}

func (s *Service) listAPI(ctx context.Context, kind refresh.Kind, namespace string, pageSize int, token pageToken) (Page, error) {
	if s.client == nil {
		return s.fallback(kind, namespace, pageSize, token, fmt.Errorf("%w: kubernetes client not initialised", refresh.ErrClusterUnreachable))
	}
	source, err := informer.NewSource(s.client, kind, namespace)
	if err != nil {
		return Page{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	list, err := source.ListWithContext(callCtx, metav1.ListOptions{Limit: int64(pageSize), Continue: token.Continue})
	s.observe(err)
	if err != nil {
		s.telemetry.RecordList(string(kind), time.Since(start), 0, err)
		if refresh.IsWatchExpired(err) {
			return Page{}, refresh.BadRequestf("continue token expired, restart the listing")
		}
		return s.fallback(kind, namespace, pageSize, token, err)
	}

	objects, err := meta.ExtractList(list)
	if err != nil {
		return Page{}, fmt.Errorf("extract %s list: %w", kind, err)
	}
	items := make([]refresh.Record, 0, len(objects))
	for _, obj := range objects {
		record, err := snapshot.Normalize(kind, obj)
		if err != nil {
			s.logger.Warn(fmt.Sprintf("query: skipping %s: %v", kind, err), "Query")
			continue
		}
		items = append(items, record)
	}
	s.telemetry.RecordList(string(kind), time.Since(start), len(items), nil)

	listMeta, err := meta.ListAccessor(list)
	if err != nil {
		return Page{}, fmt.Errorf("read %s list metadata: %w", kind, err)
	}
	served := token.Offset + len(items)
	page := Page{Items: items, Source: ModeAPI}
	if next := listMeta.GetContinue(); next != "" {
		page.HasMore = true
		page.Continue = encodeToken(pageToken{Mode: ModeAPI, Continue: next, Offset: served})
	}

	switch remaining := listMeta.GetRemainingItemCount(); {
	case remaining != nil:
		page.TotalCount = served + int(*remaining)
	case !page.HasMore:
		page.TotalCount = served
	default:
		page.TotalCount = max(s.cache.Count(kind, namespace), served)
	}
	return page, nil
}

// fallback serves the page from the watch cache when the cluster list failed with an
// unavailable-class error and the cache holds a complete view of kind.
func (s *Service) fallback(kind refresh.Kind, namespace string, pageSize int, token pageToken, cause error) (Page, error) {
	if refresh.StatusFromError(cause).Kind != refresh.StatusUnavailable || !s.cache.Synced(kind) {
		return Page{}, cause
	}
	s.logger.Info(fmt.Sprintf("query: %s list unavailable, serving from cache: %v", kind, cause), "Query")

	cursor := pageToken{Mode: ModeCache}
	if token.Offset > 0 {
		records := s.cache.Snapshot(kind, namespace)
		if token.Offset > len(records) {
			return Page{Items: []refresh.Record{}, TotalCount: len(records), Source: ModeCache}, nil
		}
		last := records[token.Offset-1].Key()
		cursor.Namespace, cursor.Name = last.Namespace, last.Name
	}
	return s.listCache(kind, namespace, pageSize, cursor)
}

func (s *Service) listCache(kind refresh.Kind, namespace string, pageSize int, token pageToken) (Page, error) {
	if !s.cache.Synced(kind) {
		return Page{}, fmt.Errorf("%w: %s cache has not synced", refresh.ErrStreamUnavailable, kind)
	}
	var after *refresh.Key
	if token.Name != "" {
		after = token.cursor()
	}
	items, hasMore := s.cache.Page(kind, namespace, after, pageSize)
	page := Page{
		Items:      append([]refresh.Record{}, items...),
		HasMore:    hasMore,
		TotalCount: s.cache.Count(kind, namespace),
		Source:     ModeCache,
	}
	if hasMore {
		last := items[len(items)-1].Key()
		page.Continue = encodeToken(pageToken{Mode: ModeCache, Namespace: last.Namespace, Name: last.Name})
	}
	return page, nil
}

// Records returns the cached records of kind, or lists them from the cluster while the
// cache is still warming up.
func (s *Service) Records(ctx context.Context, kind refresh.Kind, namespace string) ([]refresh.Record, error) {
	if s.cache.Synced(kind) {
		return s.cache.Snapshot(kind, namespace), nil
	}
	if s.client == nil {
		return nil, fmt.Errorf("%w: kubernetes client not initialised", refresh.ErrClusterUnreachable)
	}
	source, err := informer.NewSource(s.client, kind, namespace)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	list, _, err := pager.New(source.ListWithContext).List(callCtx, metav1.ListOptions{})
	s.observe(err)
	if err != nil {
		return nil, err
	}
	objects, err := meta.ExtractList(list)
	if err != nil {
		return nil, fmt.Errorf("extract %s list: %w", kind, err)
	}
	records := make([]refresh.Record, 0, len(objects))
	for _, obj := range objects {
		record, err := snapshot.Normalize(kind, obj)
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key().Less(records[j].Key()) })
	return records, nil
}

// Get returns one record, from the cache when present and otherwise from the cluster.
// Concurrent misses for the same object share a single call.
func (s *Service) Get(ctx context.Context, kind refresh.Kind, namespace, name string) (refresh.Record, error) {
	if !kind.Namespaced() {
		namespace = ""
	}
	if record, ok := s.cache.Get(kind, namespace, name); ok {
		return record, nil
	}

	key := fmt.Sprintf("%s/%s/%s", kind, namespace, name)
	result, err, _ := s.gets.Do(key, func() (interface{}, error) {
		obj, err := s.getObject(ctx, kind, namespace, name)
		if err != nil {
			return nil, err
		}
		return snapshot.Normalize(kind, obj)
	})
	if err != nil {
		return refresh.Record{}, err
	}
	return result.(refresh.Record), nil
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

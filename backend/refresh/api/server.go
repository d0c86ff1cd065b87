// Package api serves the dashboard's REST surface on top of the active context runtime.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/refresh"
	"github.com/luxury-yacht/dashboard/backend/refresh/logstream"
	"github.com/luxury-yacht/dashboard/backend/refresh/metrics"
	"github.com/luxury-yacht/dashboard/backend/refresh/query"
	"github.com/luxury-yacht/dashboard/backend/refresh/snapshot"
	"github.com/luxury-yacht/dashboard/backend/refresh/system"
	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

// Backend resolves the runtime of the active cluster context.
type Backend interface {
	Runtime() (*system.Runtime, error)
	Contexts() ([]system.ContextInfo, string)
	SwitchContext(ctx context.Context, name string) error
}

// Logger captures the logging methods used by the API server.
type Logger interface {
	Debug(msg string, source ...string)
	Info(msg string, source ...string)
	Warn(msg string, source ...string)
	Error(msg string, source ...string)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...string) {}
func (noopLogger) Info(string, ...string)  {}
func (noopLogger) Warn(string, ...string)  {}
func (noopLogger) Error(string, ...string) {}

// Options configure a Server.
type Options struct {
	Logger         Logger
	AllowedOrigins []string
	RatePerSecond  float64
	RateBurst      int
	// AppLogs returns the in-process application log served on /api/logs.
	AppLogs func() any
	now     func() time.Time
}

// Server exposes the dashboard REST endpoints.
type Server struct {
	backend Backend
	logger  Logger
	origins map[string]struct{}
	limiter *ipRateLimiter
	appLogs func() any
	now     func() time.Time
}

// NewServer constructs an API server.
func NewServer(backend Backend, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = config.APIRateLimitPerSecond
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = config.APIRateLimitBurst
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		origins[origin] = struct{}{}
	}
	return &Server{
		backend: backend,
		logger:  opts.Logger,
		origins: origins,
		limiter: newIPRateLimiter(opts.RatePerSecond, opts.RateBurst, config.APIRateLimiterIdleTTL, opts.now),
		appLogs: opts.AppLogs,
		now:     opts.now,
	}
}

// Register attaches the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", system.HealthHandler(s.currentRuntime))
	mux.HandleFunc("GET /api/namespaces", s.handleNamespaces)

	mux.HandleFunc("GET /api/pods", s.handleList(refresh.KindPod))
	mux.HandleFunc("GET /api/pods/paginated", s.handlePaginated(refresh.KindPod))
	mux.HandleFunc("GET /api/pods/{namespace}/{name}", s.handleGet(refresh.KindPod))
	mux.HandleFunc("GET /api/pods/{namespace}/{name}/containers", s.handleContainers)
	mux.HandleFunc("GET /api/pods/{namespace}/{name}/logs", s.handleLogs)
	mux.HandleFunc("GET /api/pods/{namespace}/{name}/logs/download", s.handleLogDownload)

	mux.HandleFunc("GET /api/nodes", s.handleNodes)
	mux.HandleFunc("GET /api/deployments", s.handleList(refresh.KindDeployment))
	mux.HandleFunc("GET /api/deployments/{namespace}/{name}", s.handleGet(refresh.KindDeployment))
	mux.HandleFunc("GET /api/services", s.handleList(refresh.KindService))
	mux.HandleFunc("GET /api/services/{namespace}/{name}", s.handleGet(refresh.KindService))
	mux.HandleFunc("GET /api/services/{namespace}/{name}/endpoints", s.handleEndpoints)
	mux.HandleFunc("GET /api/configmaps", s.handleList(refresh.KindConfigMap))
	mux.HandleFunc("GET /api/configmaps/{namespace}/{name}", s.handleGet(refresh.KindConfigMap))

	mux.HandleFunc("GET /api/events/{namespace}/{kind}/{name}", s.handleEvents)
	mux.HandleFunc("GET /api/yaml/{kind}/{namespace}/{name}", s.handleYAML)

	mux.HandleFunc("GET /api/metrics/nodes", s.handleNodeMetrics)
	mux.HandleFunc("GET /api/metrics/pods", s.handlePodMetrics)
	mux.HandleFunc("GET /api/metrics/history", s.handleMetricsHistory)
	mux.HandleFunc("GET /api/summary", s.handleSummary)

	mux.HandleFunc("GET /api/contexts", s.handleContexts)
	mux.HandleFunc("POST /api/contexts", s.handleSwitchContext)
	mux.HandleFunc("GET /api/telemetry", s.handleTelemetry)
	mux.HandleFunc("GET /api/logs", s.handleAppLogs)
}

func (s *Server) currentRuntime() *system.Runtime {
	rt, err := s.backend.Runtime()
	if err != nil {
		return nil
	}
	return rt
}

// runtime resolves the active runtime or writes the error.
func (s *Server) runtime(w http.ResponseWriter, r *http.Request) (*system.Runtime, bool) {
	rt, err := s.backend.Runtime()
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return rt, true
}

func namespaceFilter(r *http.Request) (string, error) {
	return refresh.NormalizeNamespace(r.URL.Query().Get("namespace"))
}

// pathObject reads and validates the {namespace} and {name} path values.
func pathObject(r *http.Request) (string, string, error) {
	namespace, name := r.PathValue("namespace"), r.PathValue("name")
	if namespace == "" || !refresh.ValidName(namespace) {
		return "", "", refresh.BadRequestf("invalid namespace %q", namespace)
	}
	if name == "" || !refresh.ValidName(name) {
		return "", "", refresh.BadRequestf("invalid name %q", name)
	}
	return namespace, name, nil
}

func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	namespaces, err := rt.Query().Namespaces(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, namespaces)
}

func (s *Server) handleList(kind refresh.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		namespace, err := namespaceFilter(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		rt, ok := s.runtime(w, r)
		if !ok {
			return
		}
		records, err := rt.Query().Records(r.Context(), kind, namespace)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rows(records))
	}
}

func rows(records []refresh.Record) []interface{} {
	out := make([]interface{}, 0, len(records))
	for _, record := range records {
		out = append(out, record.Row)
	}
	return out
}

func (s *Server) handlePaginated(kind refresh.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := r.URL.Query()
		req := query.ListRequest{
			Kind:      kind,
			Namespace: params.Get("namespace"),
			Continue:  params.Get("continue"),
			Source:    query.Mode(params.Get("source")),
		}
		if raw := params.Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil {
				s.writeError(w, r, refresh.BadRequestf("invalid limit %q", raw))
				return
			}
			req.PageSize = limit
		}
		rt, ok := s.runtime(w, r)
		if !ok {
			return
		}
		page, err := rt.Query().List(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func (s *Server) handleGet(kind refresh.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		namespace, name, err := pathObject(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		rt, ok := s.runtime(w, r)
		if !ok {
			return
		}
		record, err := rt.Query().Get(r.Context(), kind, namespace, name)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, record.Row)
	}
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	namespace, name, err := pathObject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	containers, err := rt.Query().Containers(r.Context(), namespace, name)
	if err != nil {
		s.writeError(w, r, podNotFound(err, namespace, name))
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"containers": containers})
}

func podNotFound(err error, namespace, name string) error {
	if errors.Is(err, refresh.ErrResourceNotFound) {
		return fmt.Errorf("%w: %s/%s", refresh.ErrPodNotFound, namespace, name)
	}
	return err
}

// logRequest reads the pod from the path and the options from the query string.
func logRequest(r *http.Request, defaultTail int64) (logstream.Request, error) {
	namespace, name, err := pathObject(r)
	if err != nil {
		return logstream.Request{}, err
	}
	params := r.URL.Query()
	params.Set("namespace", namespace)
	params.Set("pod", name)
	clone := r.Clone(r.Context())
	clone.URL.RawQuery = params.Encode()
	return logstream.ParseRequest(clone, defaultTail)
}

func (s *Server) fetchLogs(w http.ResponseWriter, r *http.Request, defaultTail int64) (logstream.Request, string, bool) {
	req, err := logRequest(r, defaultTail)
	if err != nil {
		s.writeError(w, r, err)
		return req, "", false
	}
	rt, ok := s.runtime(w, r)
	if !ok {
		return req, "", false
	}
	controller := rt.NewLogController()
	defer controller.Stop()
	logs, err := controller.Fetch(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return req, "", false
	}
	return req, logs, true
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	req, logs, ok := s.fetchLogs(w, r, config.LogStreamDefaultTailLines)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"logs":      logs,
		"container": req.Container,
		"pod":       req.Pod,
		"namespace": req.Namespace,
	})
}

func (s *Server) handleLogDownload(w http.ResponseWriter, r *http.Request) {
	req, logs, ok := s.fetchLogs(w, r, config.LogStreamDownloadTailLines)
	if !ok {
		return
	}
	filename := fmt.Sprintf("%s-%s-%s.log", req.Pod, req.Container, s.now().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(logs))
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	nodes, err := rt.Query().Records(r.Context(), refresh.KindNode, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pods, err := rt.Query().Records(r.Context(), refresh.KindPod, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	podCounts := make(map[string]int)
	for _, record := range pods {
		if pod, ok := record.Row.(snapshot.PodSummary); ok && pod.Node != "" {
			podCounts[pod.Node]++
		}
	}
	type usage struct{ cpu, memory int64 }
	usages := make(map[string]usage)
	if sample, ok := rt.Metrics().Latest(); ok {
		for _, node := range sample.Nodes {
			usages[node.Name] = usage{cpu: node.CPUUsage, memory: node.MemoryUsage}
		}
	}

	views := make([]snapshot.NodeView, 0, len(nodes))
	for _, record := range nodes {
		node, ok := record.Row.(snapshot.NodeSummary)
		if !ok {
			continue
		}
		u := usages[node.Name]
		views = append(views, snapshot.MergeNodeView(node, u.cpu, u.memory, podCounts[node.Name]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	namespace, name, err := pathObject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	endpoints, err := rt.Query().Endpoints(r.Context(), namespace, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoints)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	namespace, name, err := pathObject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	events, err := rt.Query().Events(r.Context(), namespace, r.PathValue("kind"), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleYAML(w http.ResponseWriter, r *http.Request) {
	kind, err := refresh.ParseKind(r.PathValue("kind"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	namespace, name, err := pathObject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	content, err := rt.Query().YAML(r.Context(), kind, namespace, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content))
}

func (s *Server) handleNodeMetrics(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	sample, _ := rt.Metrics().Latest()
	if sample.Nodes == nil {
		sample.Nodes = []metrics.NodeMetric{}
	}
	writeJSON(w, http.StatusOK, sample.Nodes)
}

func (s *Server) handlePodMetrics(w http.ResponseWriter, r *http.Request) {
	namespace, err := namespaceFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	sample, _ := rt.Metrics().Latest()
	pods := sample.PodsInNamespace(namespace)
	if pods == nil {
		pods = []metrics.PodMetric{}
	}
	writeJSON(w, http.StatusOK, pods)
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, r, refresh.BadRequestf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rt.Metrics().History(limit))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.runtime(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rt.Manager().Summary())
}

func (s *Server) handleContexts(w http.ResponseWriter, r *http.Request) {
	contexts, current := s.backend.Contexts()
	if contexts == nil {
		contexts = []system.ContextInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contexts": contexts,
		"current":  current,
	})
}

func (s *Server) handleSwitchContext(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Context string `json:"context"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		s.writeError(w, r, refresh.BadRequestf("invalid request body"))
		return
	}
	if body.Context == "" {
		s.writeError(w, r, refresh.BadRequestf("context is required"))
		return
	}
	if err := s.backend.SwitchContext(r.Context(), body.Context); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "context": body.Context})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	rt, err := s.backend.Runtime()
	if err != nil || rt.Telemetry() == nil {
		writeJSON(w, http.StatusOK, telemetry.Summary{})
		return
	}
	writeJSON(w, http.StatusOK, rt.Telemetry().SnapshotSummary())
}

func (s *Server) handleAppLogs(w http.ResponseWriter, r *http.Request) {
	if s.appLogs == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.appLogs())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps err onto the boundary error body. Internal errors are logged with the
// request's correlation ID.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := refresh.StatusFromError(err)
	if status.Kind == refresh.StatusInternal {
		s.logger.Error(fmt.Sprintf("api: %s %s [%s]: %v", r.Method, r.URL.Path, w.Header().Get(CorrelationIDHeader), err), "API")
	}
	writeJSON(w, status.Code, struct {
		Error *refresh.ErrorStatus `json:"error"`
	}{Error: status})
}

// Package backend assembles the dashboard service: settings, the cluster context
// registry, the kubeconfig watcher and the HTTP server.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/refresh/api"
	"github.com/luxury-yacht/dashboard/backend/refresh/logstream"
	"github.com/luxury-yacht/dashboard/backend/refresh/streammux"
	"github.com/luxury-yacht/dashboard/backend/refresh/telemetry"
)

// App owns the service for the lifetime of the process.
type App struct {
	settings  Settings
	logger    *Logger
	telemetry *telemetry.Recorder
	registry  *ClusterRegistry
	server    *api.Server

	listen func(network, address string) (net.Listener, error)

	mu       sync.Mutex
	listener net.Listener
	watcher  *kubeconfigWatcher
}

// NewApp builds the service from settings. Nothing runs until Run.
func NewApp(settings Settings) *App {
	logger := NewLogger(settings.LogBufferSize)
	return newApp(settings, logger, newKubeconfigSource(settings, logger))
}

func newApp(settings Settings, logger *Logger, source clusterSource) *App {
	recorder := telemetry.NewRecorder()
	app := &App{
		settings:  settings,
		logger:    logger,
		telemetry: recorder,
		registry:  newClusterRegistry(source, logger, recorder),
		listen:    net.Listen,
	}
	app.server = api.NewServer(app.registry, api.Options{
		Logger:         logger,
		AllowedOrigins: settings.AllowedOrigins,
		RatePerSecond:  settings.RateLimit,
		RateBurst:      settings.RateBurst,
		AppLogs:        func() any { return logger.Entries() },
	})
	return app
}

// Logger returns the application logger.
func (a *App) Logger() *Logger { return a.logger }

// Registry returns the cluster context registry.
func (a *App) Registry() *ClusterRegistry { return a.registry }

// Handler builds the full HTTP surface: REST routes, the multiplexed stream socket and
// the dedicated log socket, all behind the API middleware.
func (a *App) Handler() (http.Handler, error) {
	mux := http.NewServeMux()
	a.server.Register(mux)

	streams, err := streammux.NewHandler(streammux.Config{
		Contexts:    a.registry,
		Logs:        a.registry.LogTailer,
		Logger:      a.logger,
		Telemetry:   a.telemetry,
		CheckOrigin: a.server.CheckOrigin,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream handler: %w", err)
	}
	mux.Handle("GET /ws", streams)

	logs, err := logstream.NewHandler(a.registry.Client, a.logger, a.telemetry, a.server.CheckOrigin)
	if err != nil {
		return nil, fmt.Errorf("create log stream handler: %w", err)
	}
	mux.Handle("GET /ws/logs", logs)

	if a.settings.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(a.settings.StaticDir)))
	}
	return a.server.Handler(mux), nil
}

// Addr returns the address the server listens on once Run has bound it.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Run activates the initial context, starts the kubeconfig watcher and serves HTTP until
// ctx is cancelled. A failed context activation is logged and the server still starts
// so a context can be picked through the API.
func (a *App) Run(ctx context.Context) error {
	handler, err := a.Handler()
	if err != nil {
		return err
	}

	if err := a.registry.Init(ctx, a.settings.Context); err != nil {
		a.logger.Error(fmt.Sprintf("Failed to activate initial context: %v", err), "App")
	}
	defer func() {
		if err := a.registry.Teardown(); err != nil {
			a.logger.Warn(fmt.Sprintf("Runtime teardown failed: %v", err), "App")
		}
	}()

	a.startWatcher()
	defer a.stopWatcher()

	listener, err := a.listen("tcp", a.settings.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.settings.ListenAddress, err)
	}
	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: config.ServerReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()
	a.logger.Info(fmt.Sprintf("Dashboard listening on %s", listener.Addr()), "App")

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down", "App")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.ServerShutdownTimeout)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown; they close when
	// their runtime stops during teardown
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (a *App) startWatcher() {
	paths := a.settings.KubeconfigPaths()
	if len(paths) == 0 {
		return
	}
	watcher, err := newKubeconfigWatcher(a.logger, config.KubeconfigDebounce, a.handleKubeconfigChange)
	if err != nil {
		a.logger.Warn(fmt.Sprintf("Kubeconfig watcher unavailable: %v", err), "KubeconfigWatcher")
		return
	}
	if err := watcher.watchFiles(paths); err != nil {
		a.logger.Warn(fmt.Sprintf("Failed to watch kubeconfig files: %v", err), "KubeconfigWatcher")
	}
	a.mu.Lock()
	a.watcher = watcher
	a.mu.Unlock()
}

func (a *App) stopWatcher() {
	a.mu.Lock()
	watcher := a.watcher
	a.watcher = nil
	a.mu.Unlock()
	if watcher != nil {
		watcher.stop()
	}
}

func (a *App) handleKubeconfigChange(paths []string) {
	a.logger.Info(fmt.Sprintf("Kubeconfig changed: %v", paths), "KubeconfigWatcher")
	if err := a.registry.Reload(); err != nil {
		a.logger.Warn(fmt.Sprintf("Kubeconfig reload failed, keeping the previous context list: %v", err), "KubeconfigWatcher")
	}
}

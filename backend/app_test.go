package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/refresh"
	"github.com/luxury-yacht/dashboard/backend/refresh/streammux"
)

func newTestApp(t *testing.T, source *fakeSource, mutate func(*Settings)) *App {
	t.Helper()
	settings := DefaultSettings()
	settings.ListenAddress = "127.0.0.1:0"
	settings.Kubeconfig = ""
	if mutate != nil {
		mutate(&settings)
	}
	return newApp(settings, newQuietLogger(config.AppLogBufferSize), source)
}

func TestAppServesUntilCancelled(t *testing.T) {
	source := &fakeSource{current: "dev"}
	source.setContexts("dev", "prod")
	app := newTestApp(t, source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return app.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	base := "http://" + app.Addr().String()

	resp, err := http.Get(base + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))
	_ = resp.Body.Close()

	resp, err = http.Get(base + "/api/contexts")
	require.NoError(t, err)
	var listing struct {
		Current string `json:"current"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	_ = resp.Body.Close()
	require.Equal(t, "dev", listing.Current)

	resp, err = http.Get(base + "/api/logs")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Contains(t, string(body), "Context dev is active")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	require.Empty(t, app.Registry().Current())
}

func TestAppServesWithoutActiveContext(t *testing.T) {
	app := newTestApp(t, &fakeSource{}, nil)
	handler, err := app.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pods", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAppStreamSocketSendsSnapshot(t *testing.T) {
	source := &fakeSource{current: "dev"}
	source.setContexts("dev")
	app := newTestApp(t, source, nil)
	require.NoError(t, app.Registry().Init(context.Background(), ""))
	t.Cleanup(func() { _ = app.Registry().Teardown() })
	require.Eventually(t, func() bool {
		rt, err := app.Registry().Runtime()
		return err == nil && rt.Cache().Synced(refresh.KindPod)
	}, 2*time.Second, 10*time.Millisecond)

	handler, err := app.Handler()
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+server.URL[len("http"):]+"/ws?namespace=default&kinds=pods", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame streammux.ServerMessage
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, refresh.KindPod.Domain(), frame.Kind)
	require.Equal(t, "dev", frame.Context)
}

func TestAppStreamSocketFollowsContextSwitch(t *testing.T) {
	source := &fakeSource{current: "dev"}
	source.setContexts("dev", "prod")
	app := newTestApp(t, source, nil)
	require.NoError(t, app.Registry().Init(context.Background(), ""))
	t.Cleanup(func() { _ = app.Registry().Teardown() })
	require.Eventually(t, func() bool {
		rt, err := app.Registry().Runtime()
		return err == nil && rt.Cache().Synced(refresh.KindPod)
	}, 2*time.Second, 10*time.Millisecond)

	handler, err := app.Handler()
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+server.URL[len("http"):]+"/ws?namespace=default&kinds=pods", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame streammux.ServerMessage
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, refresh.KindPod.Domain(), frame.Kind)
	require.Equal(t, "dev", frame.Context)

	require.NoError(t, conn.WriteJSON(streammux.ClientMessage{Type: streammux.MessageTypeContext, Context: "prod"}))

	// frames already queued for dev may precede the reset
	for {
		frame = streammux.ServerMessage{}
		require.NoError(t, conn.ReadJSON(&frame))
		require.NotEqual(t, streammux.FrameError, frame.Kind, "a context switch must not end the session")
		if frame.Kind == streammux.FrameReset {
			break
		}
	}
	require.Equal(t, "prod", frame.Context)
	require.Equal(t, "default", frame.Namespace)

	for {
		frame = streammux.ServerMessage{}
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Kind != streammux.FrameHeartbeat {
			break
		}
	}
	require.Equal(t, refresh.KindPod.Domain(), frame.Kind)
	require.Equal(t, "prod", frame.Context)
	require.Equal(t, "prod", app.Registry().Current())
}

func TestAppStreamSocketNamespaceSwitch(t *testing.T) {
	source := &fakeSource{current: "dev"}
	source.setContexts("dev")
	app := newTestApp(t, source, nil)
	require.NoError(t, app.Registry().Init(context.Background(), ""))
	t.Cleanup(func() { _ = app.Registry().Teardown() })
	require.Eventually(t, func() bool {
		rt, err := app.Registry().Runtime()
		return err == nil && rt.Cache().Synced(refresh.KindPod)
	}, 2*time.Second, 10*time.Millisecond)

	handler, err := app.Handler()
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+server.URL[len("http"):]+"/ws?namespace=default&kinds=pods", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	nextBurst := func() streammux.ServerMessage {
		for {
			var frame streammux.ServerMessage
			require.NoError(t, conn.ReadJSON(&frame))
			require.NotEqual(t, streammux.FrameError, frame.Kind)
			if frame.Kind == refresh.KindPod.Domain() {
				return frame
			}
		}
	}

	burst := nextBurst()
	require.Equal(t, "default", burst.Namespace)
	require.Len(t, burst.Data, 1)

	require.NoError(t, conn.WriteJSON(streammux.ClientMessage{Type: streammux.MessageTypeSubscribe, Namespace: "team-a", Kinds: []string{"pods"}}))
	burst = nextBurst()
	require.Equal(t, "team-a", burst.Namespace)
	require.Empty(t, burst.Data)

	require.NoError(t, conn.WriteJSON(streammux.ClientMessage{Type: streammux.MessageTypeSubscribe, Kinds: []string{"pods"}}))
	burst = nextBurst()
	require.Empty(t, burst.Namespace)
	require.Len(t, burst.Data, 1)
	require.Equal(t, "dev", burst.Context)
}

func TestAppServesStaticDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>dashboard</html>"), 0o600))
	app := newTestApp(t, &fakeSource{}, func(s *Settings) { s.StaticDir = dir })

	handler, err := app.Handler()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "dashboard")
}

func TestAppKubeconfigChangeReloadsContexts(t *testing.T) {
	source := &fakeSource{current: "dev"}
	source.setContexts("dev")
	app := newTestApp(t, source, nil)
	require.NoError(t, app.Registry().Init(context.Background(), ""))
	t.Cleanup(func() { _ = app.Registry().Teardown() })

	source.setContexts("dev", "staging")
	app.handleKubeconfigChange([]string{"/home/user/.kube/config"})

	contexts, current := app.Registry().Contexts()
	require.Len(t, contexts, 2)
	require.Equal(t, "dev", current)
}

func TestAppRunFailsOnBusyAddress(t *testing.T) {
	busy := httptest.NewServer(http.NotFoundHandler())
	defer busy.Close()

	app := newTestApp(t, &fakeSource{}, func(s *Settings) { s.ListenAddress = busy.Listener.Addr().String() })
	err := app.Run(context.Background())
	require.Error(t, err)
}

package backend

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDebounce = 100 * time.Millisecond

func TestKubeconfigWatcher_DetectsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	writeKubeconfig(t, path, "dev", "dev")

	var called atomic.Int32
	w, err := newKubeconfigWatcher(newQuietLogger(10), testDebounce, func([]string) {
		called.Add(1)
	})
	require.NoError(t, err)
	defer w.stop()

	require.NoError(t, w.watchFiles([]string{path}))
	writeKubeconfig(t, path, "dev", "dev", "prod")

	assert.Eventually(t, func() bool { return called.Load() > 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestKubeconfigWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config")

	changes := make(chan []string, 4)
	w, err := newKubeconfigWatcher(newQuietLogger(10), testDebounce, func(paths []string) {
		changes <- paths
	})
	require.NoError(t, err)
	defer w.stop()

	require.NoError(t, w.watchFiles([]string{target}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.lock"), []byte("x"), 0o600))
	time.Sleep(3 * testDebounce)
	select {
	case paths := <-changes:
		t.Fatalf("unexpected callback for %v", paths)
	default:
	}

	require.NoError(t, os.WriteFile(target, []byte("x"), 0o600))
	select {
	case paths := <-changes:
		require.Equal(t, []string{filepath.Clean(target)}, paths)
	case <-time.After(2 * time.Second):
		t.Fatal("no callback for the watched file")
	}
}

func TestKubeconfigWatcher_DebounceAccumulatesPaths(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "a")
	fileB := filepath.Join(dir, "b")

	changes := make(chan []string, 2)
	w, err := newKubeconfigWatcher(newQuietLogger(10), testDebounce, func(paths []string) {
		changes <- paths
	})
	require.NoError(t, err)
	defer w.stop()

	require.NoError(t, w.watchFiles([]string{fileA, fileB}))
	require.NoError(t, os.WriteFile(fileA, []byte("1"), 0o600))
	require.NoError(t, os.WriteFile(fileB, []byte("2"), 0o600))

	var got []string
	assert.Eventually(t, func() bool {
		select {
		case paths := <-changes:
			got = append(got, paths...)
		default:
		}
		return len(got) >= 2
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, got, filepath.Clean(fileA))
	assert.Contains(t, got, filepath.Clean(fileB))
}

func TestKubeconfigWatcher_SkipsMissingDirectoriesAndStopsTwice(t *testing.T) {
	w, err := newKubeconfigWatcher(newQuietLogger(10), testDebounce, nil)
	require.NoError(t, err)

	require.NoError(t, w.watchFiles([]string{filepath.Join(t.TempDir(), "absent", "config")}))
	require.Empty(t, w.files)

	w.stop()
	w.stop()
}

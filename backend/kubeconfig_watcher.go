package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// kubeconfigWatcher reports changes to the kubeconfig files. Directories are watched
// rather than files so that editors replacing a file by rename are still seen.
type kubeconfigWatcher struct {
	logger    *Logger
	debounce  time.Duration
	watcher   *fsnotify.Watcher
	onChange  func([]string)
	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once

	mu    sync.Mutex
	files map[string]map[string]struct{} // dir -> watched file names
}

func newKubeconfigWatcher(logger *Logger, debounce time.Duration, onChange func([]string)) (*kubeconfigWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &kubeconfigWatcher{
		logger:    logger,
		debounce:  debounce,
		watcher:   fsWatcher,
		onChange:  onChange,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		files:     make(map[string]map[string]struct{}),
	}
	go w.eventLoop()
	return w, nil
}

func (w *kubeconfigWatcher) eventLoop() {
	defer close(w.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	changed := make(map[string]struct{})

	flush := func() {
		if len(changed) == 0 || w.onChange == nil {
			return
		}
		paths := make([]string, 0, len(changed))
		for path := range changed {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		changed = make(map[string]struct{})
		w.onChange(paths)
	}

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			path := filepath.Clean(event.Name)
			if !w.watches(path) {
				continue
			}
			changed[path] = struct{}{}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(fmt.Sprintf("kubeconfig watcher error: %v", err), "KubeconfigWatcher")

		case <-debounceCh:
			debounceCh = nil
			flush()
		}
	}
}

func (w *kubeconfigWatcher) watches(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	names, ok := w.files[filepath.Dir(path)]
	if !ok {
		return false
	}
	_, ok = names[filepath.Base(path)]
	return ok
}

// watchFiles replaces the watched set with paths. Files whose directory does not exist
// are skipped.
func (w *kubeconfigWatcher) watchFiles(paths []string) error {
	desired := make(map[string]map[string]struct{})
	for _, path := range paths {
		path = filepath.Clean(path)
		dir := filepath.Dir(path)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if desired[dir] == nil {
			desired[dir] = make(map[string]struct{})
		}
		desired[dir][filepath.Base(path)] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for dir := range w.files {
		if _, ok := desired[dir]; !ok {
			_ = w.watcher.Remove(dir)
		}
	}
	for dir := range desired {
		if _, ok := w.files[dir]; ok {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Warn("Failed to watch directory: "+dir, "KubeconfigWatcher")
			delete(desired, dir)
		}
	}
	w.files = desired
	return nil
}

func (w *kubeconfigWatcher) stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
		<-w.stoppedCh
	})
}

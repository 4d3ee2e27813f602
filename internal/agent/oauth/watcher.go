package oauth

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultWatchInterval is the fallback polling interval when fsnotify
	// is not available.
	DefaultWatchInterval = 10 * time.Second

	// DefaultDebounceInterval is the time to wait after the last file
	// change before firing OnChange, so a multi-file credential update
	// (registration + scope, or token + verifier) triggers one reload.
	DefaultDebounceInterval = 500 * time.Millisecond
)

// CredentialWatcherConfig holds configuration for the credential watcher.
type CredentialWatcherConfig struct {
	// Store is the file-backed store whose server directory is watched.
	Store *FileCredentialStore

	// ServerKey selects which server's credential directory to watch.
	ServerKey string

	// WatchInterval is the fallback polling interval when fsnotify is
	// not available.
	WatchInterval time.Duration

	// DebounceInterval is the quiet period before OnChange fires.
	DebounceInterval time.Duration

	// OnChange is called when credential entries change on disk.
	OnChange func()

	// Logger for debug output. Defaults to slog.Default().
	Logger *slog.Logger
}

// CredentialWatcher monitors a server's credential directory for changes
// made by other processes -- typically `mcpgate auth login` running next
// to a long-lived agent -- and triggers a reload callback. It uses
// fsnotify for efficient file system monitoring with a fallback to
// polling for environments where fsnotify is not available or reliable.
type CredentialWatcher struct {
	mu sync.Mutex

	config CredentialWatcherConfig
	logger *slog.Logger

	// fsWatcher is the fsnotify watcher (nil if fsnotify is unavailable)
	fsWatcher *fsnotify.Watcher

	stopCh  chan struct{}
	running bool

	// lastModTimes tracks modification times for fallback polling
	lastModTimes map[string]time.Time

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewCredentialWatcher creates a watcher for a server's credential
// directory.
func NewCredentialWatcher(config CredentialWatcherConfig) *CredentialWatcher {
	if config.WatchInterval == 0 {
		config.WatchInterval = DefaultWatchInterval
	}
	if config.DebounceInterval == 0 {
		config.DebounceInterval = DefaultDebounceInterval
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &CredentialWatcher{
		config:       config,
		logger:       logger,
		lastModTimes: make(map[string]time.Time),
	}
}

// watchDir returns the directory being watched.
func (w *CredentialWatcher) watchDir() string {
	return w.config.Store.ServerDir(w.config.ServerKey)
}

// Start begins watching for credential changes.
func (w *CredentialWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.stopCh = make(chan struct{})
	w.running = true

	// The directory may not exist until the first credential write; the
	// store root always exists, so watch that and filter by server key.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify not available, falling back to polling",
			"error", err.Error(),
		)
		go w.pollLoop()
		return nil
	}

	if err := watcher.Add(w.config.Store.BaseDir()); err != nil {
		_ = watcher.Close()
		w.logger.Warn("Failed to watch credential directory, falling back to polling",
			"dir", w.config.Store.BaseDir(),
			"error", err.Error(),
		)
		go w.pollLoop()
		return nil
	}

	// Watch the server directory too once it exists
	if _, err := os.Stat(w.watchDir()); err == nil {
		_ = watcher.Add(w.watchDir())
	}

	w.fsWatcher = watcher
	go w.eventLoop()

	return nil
}

// Stop stops the watcher.
func (w *CredentialWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	close(w.stopCh)
	w.running = false

	if w.fsWatcher != nil {
		_ = w.fsWatcher.Close()
		w.fsWatcher = nil
	}

	// Cancel any pending debounce so OnChange cannot fire after Stop.
	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()
}

// eventLoop processes fsnotify events until stopped.
func (w *CredentialWatcher) eventLoop() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.isRelevant(event.Name) {
				// The per-server directory appearing under the root is
				// relevant: start watching inside it.
				if event.Op.Has(fsnotify.Create) && filepath.Clean(event.Name) == filepath.Clean(w.watchDir()) {
					_ = w.fsWatcher.Add(w.watchDir())
					w.scheduleChange()
				}
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Remove) {
				w.scheduleChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("Credential watcher error",
				"error", err.Error(),
			)
		}
	}
}

// isRelevant reports whether a changed path is a credential entry of the
// watched server.
func (w *CredentialWatcher) isRelevant(path string) bool {
	return filepath.Dir(filepath.Clean(path)) == filepath.Clean(w.watchDir())
}

// scheduleChange debounces rapid successive changes into one OnChange call.
func (w *CredentialWatcher) scheduleChange() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	select {
	case <-w.stopCh:
		return
	default:
	}

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.config.DebounceInterval, func() {
		w.logger.Debug("Credential change detected",
			"dir", w.watchDir(),
		)
		if w.config.OnChange != nil {
			w.config.OnChange()
		}
	})
}

// pollLoop is the fallback when fsnotify is unavailable. It compares
// modification times of the credential entries at a fixed interval.
func (w *CredentialWatcher) pollLoop() {
	ticker := time.NewTicker(w.config.WatchInterval)
	defer ticker.Stop()

	w.snapshotModTimes()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.modTimesChanged() {
				w.scheduleChange()
			}
		}
	}
}

// snapshotModTimes records the current modification times of all entries.
func (w *CredentialWatcher) snapshotModTimes() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastModTimes = make(map[string]time.Time)
	entries, err := os.ReadDir(w.watchDir())
	if err != nil {
		return
	}
	for _, entry := range entries {
		if info, err := entry.Info(); err == nil {
			w.lastModTimes[entry.Name()] = info.ModTime()
		}
	}
}

// modTimesChanged compares current modification times against the last
// snapshot and updates it.
func (w *CredentialWatcher) modTimesChanged() bool {
	w.mu.Lock()
	previous := w.lastModTimes
	w.mu.Unlock()

	current := make(map[string]time.Time)
	entries, err := os.ReadDir(w.watchDir())
	if err == nil {
		for _, entry := range entries {
			if info, err := entry.Info(); err == nil {
				current[entry.Name()] = info.ModTime()
			}
		}
	}

	changed := len(current) != len(previous)
	if !changed {
		for name, modTime := range current {
			if prev, ok := previous[name]; !ok || !prev.Equal(modTime) {
				changed = true
				break
			}
		}
	}

	w.mu.Lock()
	w.lastModTimes = current
	w.mu.Unlock()

	return changed
}

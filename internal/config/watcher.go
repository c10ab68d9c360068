package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the .env file when it changes on disk and notifies
// subscribers with the parsed key/value map. Some filesystems (NFS,
// certain container mounts) do not deliver inotify events, so a slow
// polling fallback backs up the fsnotify path.
type Watcher struct {
	envPath  string
	onReload func(map[string]string)

	mu       sync.Mutex
	lastMod  time.Time
	debounce *time.Timer
	watcher  *fsnotify.Watcher
	done     chan struct{}
	closed   bool
}

// NewWatcher watches the .env under dataDir. onReload runs on the
// watcher goroutine; keep it quick.
func NewWatcher(dataDir string, onReload func(map[string]string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		envPath:  filepath.Join(dataDir, ".env"),
		onReload: onReload,
		watcher:  fw,
		done:     make(chan struct{}),
	}

	if info, err := os.Stat(w.envPath); err == nil {
		w.lastMod = info.ModTime()
	}

	// Watch the directory, not the file: editors replace files on save
	// and a watch on the old inode would go stale.
	if err := fw.Add(dataDir); err != nil {
		fw.Close()
		return nil, err
	}

	go w.watchLoop()
	go w.pollLoop()
	return w, nil
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-w.done:
			return
		}
	}
}

// pollLoop catches changes on filesystems without event delivery.
func (w *Watcher) pollLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			info, err := os.Stat(w.envPath)
			if err != nil {
				continue
			}
			w.mu.Lock()
			changed := info.ModTime().After(w.lastMod)
			w.mu.Unlock()
			if changed {
				w.scheduleReload()
			}
		case <-w.done:
			return
		}
	}
}

// scheduleReload debounces bursts of events from editors that write
// files in several passes.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(100*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	vals, err := godotenv.Read(w.envPath)
	if err != nil {
		log.Warn().Err(err).Str("path", w.envPath).Msg("Failed to reload env file")
		return
	}

	w.mu.Lock()
	if info, err := os.Stat(w.envPath); err == nil {
		w.lastMod = info.ModTime()
	}
	cb := w.onReload
	w.mu.Unlock()

	log.Info().Str("path", w.envPath).Msg("Configuration file reloaded")
	if cb != nil {
		cb(vals)
	}
}

// Close stops both loops. Safe to call twice.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)
	if w.debounce != nil {
		w.debounce.Stop()
	}
	return w.watcher.Close()
}

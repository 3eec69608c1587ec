package continuity

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher registers transcript files as discovered mappings the moment the
// external agent writes them, so the fallback scan rarely has to run.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration
	stopCh   chan struct{}
}

// NewWatcher starts watching the store's transcript tree. Project
// subdirectories are picked up as they appear.
func NewWatcher(store *Store, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		store:    store,
		watcher:  fsw,
		logger:   logger,
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	if err := fsw.Add(store.transcriptDir); err != nil {
		fsw.Close()
		return nil, err
	}

	// Watch existing project directories; new ones are added on Create.
	if entries, err := os.ReadDir(store.transcriptDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = fsw.Add(filepath.Join(store.transcriptDir, entry.Name()))
			}
		}
	}

	go w.run()

	return w, nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}

			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				_ = w.watcher.Add(ev.Name)
				continue
			}

			if strings.HasSuffix(ev.Name, ".jsonl") {
				w.register(ev.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Transcript watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) register(path string) {
	externalID := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	projectDir := filepath.Dir(path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := w.store.Upsert(ctx, externalID, projectDir, WorktreeIDFromPath(projectDir), SourceDiscovered); err != nil {
		w.logger.Warn().Err(err).Str("external_id", externalID).Msg("Failed to register discovered transcript")
		return
	}

	w.logger.Debug().
		Str("external_id", externalID).
		Str("project", filepath.Base(projectDir)).
		Msg("Transcript discovered")
}

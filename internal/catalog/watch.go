package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce is the quiet window between a catalog directory event
// and the reload it triggers; bursts of file writes collapse into one
// rebuild.
const watchDebounce = 500 * time.Millisecond

// Watch reloads the catalog whenever rate sheets in the catalog
// directory change. It blocks until ctx is cancelled; reload failures
// are logged and the previous snapshot stays live.
func (s *Service) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating catalog watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watching %s: %w", s.dir, err)
	}
	s.logger.Info("catalog watcher started", "dir", s.dir)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	reload := func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Reload(ctx); err != nil {
			s.logger.Error("catalog reload failed, keeping previous snapshot", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("catalog watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			s.logger.Debug("catalog change detected", "event", event.Op.String(), "path", event.Name)
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("catalog watcher error", "error", err)
		}
	}
}

package listenstore

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the cache when the file is edited out of band. It blocks
// until ctx is done. The parent directory is watched so that atomic
// renames (ours and editors') are seen.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("listener store watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	reload := func() {
		prev, names, err := s.reload()
		if err != nil {
			s.logger.Warn("listener store reload failed", "path", s.path, "err", err)
			return
		}
		s.logger.Info("listener store reloaded", "path", s.path, "count", len(names))
		// Our own writes land here too; only a changed set is news.
		if s.onReload != nil && !slices.Equal(prev, names) {
			s.onReload(names)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("listener store watcher error", "err", err)
		}
	}
}

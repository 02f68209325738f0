package settings

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/voicetel/order-notifier/internal/models"
)

const watchDebounce = 250 * time.Millisecond

// Watch re-imports path whenever it changes and calls onChange with the saved
// settings. The directory is watched so editors that replace the file are
// handled. Watch blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(models.Settings)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	file := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		st, err := s.Import(ctx, path)
		if err != nil {
			logger.Warn("Settings reload rejected", "path", path, "error", err)
			return
		}
		logger.Info("Settings reloaded", "path", path)
		if onChange != nil {
			onChange(st)
		}
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug("Settings change detected", "path", path, "op", ev.Op.String())
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Settings watcher error", "error", err)
		}
	}
}

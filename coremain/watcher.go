package coremain

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDelay coalesces the burst of events an editor produces on save.
var reloadDelay = 2 * time.Second

// watchConfig calls apply with the reloaded config every time file changes,
// until ctx is done. A file that fails to load is logged and skipped.
// Editors that replace the file are handled by watching the path again.
func watchConfig(ctx context.Context, file string, logger *zap.Logger, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher, %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(file); err != nil {
		return fmt.Errorf("failed to watch config file %s, %w", file, err)
	}

	timer := time.NewTimer(0)
	stopTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	stopTimer()
	defer timer.Stop()

	reload := func() {
		cfg, _, err := loadConfig(file)
		if err != nil {
			logger.Error("failed to reload config", zap.String("file", file), zap.Error(err))
			return
		}
		apply(cfg)
	}

	needReWatch := false
	for {
		select {
		case <-ctx.Done():
			return nil

		case e, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			logger.Debug("config event", zap.String("file", e.Name), zap.Stringer("op", e.Op))
			if e.Has(fsnotify.Chmod) && !e.Has(fsnotify.Write) {
				continue
			}
			if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
				needReWatch = true
			}
			stopTimer()
			timer.Reset(reloadDelay)

		case <-timer.C:
			if needReWatch {
				needReWatch = false
				_ = watcher.Remove(file)
				if err := watcher.Add(file); err != nil {
					logger.Warn("failed to re-watch config file", zap.String("file", file), zap.Error(err))
					needReWatch = true
					timer.Reset(reloadDelay)
					continue
				}
			}
			reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

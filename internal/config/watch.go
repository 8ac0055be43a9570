package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/codefionn/agentloop/internal/logger"
	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the configuration at path whenever it changes and passes the
// new value to onChange. Invalid files are logged and skipped. It blocks until
// ctx is done.
//
// The parent directory is watched rather than the file itself because editors
// usually replace files by renaming a temporary copy over them.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload failed: %v", err)
				continue
			}
			logger.Info("config reloaded from %s", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error: %v", err)
		}
	}
}

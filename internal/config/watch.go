package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events an editor emits for one save.
const reloadDelay = 300 * time.Millisecond

// Watch reloads path whenever it changes and passes every config that differs
// from the previous one to fn. Files that fail to parse are logged and skipped.
// It blocks until ctx is done.
func Watch(ctx context.Context, path string, current *Config, fn func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors replace the file instead of writing in place.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	slog.Info("config: watching for changes", "path", abs)

	lastHash := current.Hash()
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDelay)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "error", err)

		case <-fire:
			fire = nil
			next, err := Load(abs)
			if err != nil {
				slog.Warn("config: reload skipped", "path", abs, "error", err)
				continue
			}
			if err := next.Validate(); err != nil {
				slog.Warn("config: reload rejected", "error", err)
				continue
			}
			h := next.Hash()
			if h == lastHash {
				continue
			}
			lastHash = h
			slog.Info("config: reloaded", "path", abs, "hash", h)
			fn(next)
		}
	}
}

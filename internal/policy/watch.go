package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDebounce = 500 * time.Millisecond

// Watch reloads e from path whenever the file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are picked up. A file that fails to parse leaves the current policy in place.
func Watch(ctx context.Context, path string, e *Engine, logger *slog.Logger, debounce time.Duration) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("policy watch: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("policy watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Info("watching policy file", "path", abs)

	ticker := time.NewTicker(debounce)
	defer ticker.Stop()
	dirty := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				dirty = true
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("policy watcher error", "error", err)
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			cfg, err := readConfig(abs)
			if err != nil {
				logger.Warn("policy reload failed, keeping previous policy", "path", abs, "error", err)
				continue
			}
			e.Reload(cfg)
			logger.Info("policy reloaded", "path", abs, "rules", len(cfg.Rules), "account_limits", len(cfg.AccountLimits))
		}
	}
}

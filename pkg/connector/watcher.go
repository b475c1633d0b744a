// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// defaultReloadDelay is how long the watcher waits after the last change to
// the config file before reloading it.
const defaultReloadDelay = 500 * time.Millisecond

// ConfigWatcher reloads the chat registry whenever the config file changes.
type ConfigWatcher struct {
	Registry *ChatRegistry
	// Delay debounces bursts of writes. Zero means defaultReloadDelay.
	Delay time.Duration

	log zerolog.Logger
}

func NewConfigWatcher(registry *ChatRegistry, log zerolog.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		Registry: registry,
		log:      log.With().Str("component", "config_watcher").Logger(),
	}
}

// Run watches the config file until ctx is canceled. The directory is
// watched rather than the file so that editors replacing the file by rename
// are noticed too.
func (cw *ConfigWatcher) Run(ctx context.Context) error {
	path, err := filepath.Abs(cw.Registry.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	delay := cw.Delay
	if delay <= 0 {
		delay = defaultReloadDelay
	}
	cw.log.Info().Str("path", path).Msg("Watching config file for chat changes")

	timer := time.NewTimer(delay)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			cw.log.Info().Msg("Config watcher stopped")
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != path ||
				!(evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create) || evt.Has(fsnotify.Rename)) {
				continue
			}
			cw.log.Debug().Stringer("op", evt.Op).Msg("Config file changed")
			timer.Reset(delay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cw.log.Warn().Err(err).Msg("Config watcher error")
		case <-timer.C:
			if _, _, err = cw.Registry.Reload(ctx); err != nil {
				cw.log.Err(err).Msg("Failed to reload chats from changed config")
			}
		}
	}
}

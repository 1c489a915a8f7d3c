package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ranware/macsched/internal/log"
	"github.com/ranware/macsched/internal/sched"
)

// Holder keeps the live configuration and swaps it atomically on reload.
// A reload that fails to load or validate leaves the current configuration
// untouched. Listeners receive every successfully applied configuration.
type Holder struct {
	mu      sync.RWMutex
	current AppConfig

	loader   *Loader
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	listenerMu sync.RWMutex
	listeners  []chan<- AppConfig
}

// NewHolder wraps an already loaded configuration.
func NewHolder(initial AppConfig, loader *Loader) *Holder {
	return &Holder{
		current:  initial,
		loader:   loader,
		logger:   log.WithComponent("config"),
		debounce: 500 * time.Millisecond,
	}
}

// Get returns the current configuration.
func (h *Holder) Get() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Register adds a channel that receives each applied configuration. Sends
// are non-blocking; a full channel misses the update.
func (h *Holder) Register(ch chan<- AppConfig) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

// Reload loads the configuration from scratch and applies it if valid.
func (h *Holder) Reload(context.Context) error {
	next, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).
			Str(log.FieldEvent, "config.reload_failed").
			Msg("keeping previous configuration")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.mu.Unlock()

	h.notify(next)
	h.logChanges(prev, next)
	h.logger.Info().
		Str(log.FieldEvent, "config.reloaded").
		Msg("configuration reloaded")
	return nil
}

// StartWatcher watches the config file and reloads on changes. Without a
// file path it is a no-op.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.loader.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.loader.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	h.watcher = watcher

	h.logger.Info().
		Str(log.FieldEvent, "config.watcher_started").
		Str("path", h.loader.path).
		Msg("watching config file")
	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	// Editors produce bursts of writes; collapse each burst into one reload.
	var pending *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return

		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(h.debounce, func() {
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().Err(err).
						Str(log.FieldEvent, "config.auto_reload_failed").
						Msg("automatic reload failed")
				}
			})

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).
				Str(log.FieldEvent, "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

// Stop closes the file watcher if one is running.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

func (h *Holder) notify(cfg AppConfig) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().
				Str(log.FieldEvent, "config.listener_skipped").
				Msg("listener channel full, update missed")
		}
	}
}

// logChanges records what changed and whether a restart is needed for it
// to take effect. Only the priority weights and the log level apply live.
func (h *Holder) logChanges(prev, next AppConfig) {
	if prev.Cell.Weights != next.Cell.Weights {
		h.logger.Info().
			Str(log.FieldEvent, "config.weights_changed").
			Float64("backlog", next.Cell.Weights.Backlog).
			Float64("starvation", next.Cell.Weights.Starvation).
			Float64("quality", next.Cell.Weights.Quality).
			Msg("priority weights updated")
	}
	if prev.Log.Level != next.Log.Level {
		h.logger.Info().
			Str(log.FieldEvent, "config.level_changed").
			Str("old", prev.Log.Level).
			Str("new", next.Log.Level).
			Msg("log level updated")
	}
	if !carriersEqual(prev.Cell.Carriers, next.Cell.Carriers) {
		h.logger.Warn().
			Str(log.FieldEvent, "config.restart_required").
			Msg("carrier layout changed, restart to apply")
	}
	if prev.Server.Listen != next.Server.Listen {
		h.logger.Warn().
			Str(log.FieldEvent, "config.restart_required").
			Msg("listen address changed, restart to apply")
	}
}

func carriersEqual(a, b []sched.CarrierConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

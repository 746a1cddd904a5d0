package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/hera-team/librarian/internal/logging"
)

// Watch monitors the config file and invokes onMode whenever a reload yields
// a different standing_order_mode. Other settings are fixed at startup;
// reloads that fail validation are logged and ignored.
//
// The returned stop function closes the watcher.
func Watch(cfg *Config, logger *slog.Logger, onMode func(mode string)) (func(), error) {
	logger = logging.Default(logger).With("component", "config-watch")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(cfg.path); err != nil {
		w.Close()
		return nil, err
	}

	current := cfg.StandingOrderMode

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				fresh, err := Load(cfg.path)
				if err != nil {
					logger.Warn("ignoring config reload", "error", err)
					continue
				}
				if fresh.StandingOrderMode != current {
					logger.Info("standing_order_mode changed",
						"old", current, "new", fresh.StandingOrderMode)
					current = fresh.StandingOrderMode
					onMode(current)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return func() { w.Close() }, nil
}

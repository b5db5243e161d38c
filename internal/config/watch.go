package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchThresholds re-reads the YAML file at path whenever it changes and
// hands the new thresholds to apply. Invalid files are logged and skipped.
// It blocks until ctx is done.
func WatchThresholds(ctx context.Context, path string, logger *zap.Logger, apply func(Thresholds)) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadFile(path)
			if err != nil {
				logger.Warn("config reload failed", zap.String("path", path), zap.Error(err))
				continue
			}
			logger.Info("thresholds reloaded",
				zap.Float64("price_change_pct", cfg.Thresholds.PriceChangePct),
				zap.Float64("volume_spike_floor", cfg.Thresholds.VolumeSpikeFloor),
				zap.Float64("volume_spike_change_pct", cfg.Thresholds.VolumeSpikeChangePct),
			)
			apply(cfg.Thresholds)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

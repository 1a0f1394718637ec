package schema

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/logging"
)

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 100 * time.Millisecond

// WatchFile keeps m in step with the YAML schema at path until ctx is done.
//
// The parent directory is watched rather than the file itself, because most
// editors save by writing a temporary file and renaming it over the original.
// A file that fails to parse is logged and ignored; m keeps its previous
// contents. onChange, if not nil, runs after every successful reload.
func WatchFile(ctx context.Context, path string, m *Model, logger *zap.Logger, onChange func()) error {
	logger = logging.OrNop(logger).Named("schema")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create schema watcher")
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "failed to resolve schema path")
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrapf(err, "failed to watch %s", filepath.Dir(abs))
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
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
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			next, err := Load(abs)
			if err != nil {
				logger.Warn("schema reload failed, keeping previous schema", zap.String("path", abs), zap.Error(err))
				continue
			}
			m.Replace(next)
			logger.Info("schema reloaded", zap.String("path", abs), zap.Int("types", len(next.TypeIDs())))
			if onChange != nil {
				onChange()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("schema watcher error", zap.Error(err))
		}
	}
}

package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pokt-network/tcpvs/internal/logger"
	"github.com/pokt-network/tcpvs/internal/metrics"
)

// errWatchDirMissing marks a watch directory that does not exist, which is
// normal for local development.
var errWatchDirMissing = errors.New("watch directory does not exist")

// Watcher calls OnChange whenever the directory holding Path is written.
type Watcher struct {
	Path     string
	Debounce time.Duration
	OnChange func()

	// MaxBackoff caps the restart delay. Zero means 5 minutes.
	MaxBackoff time.Duration
	// MissingDirBackoff is the retry delay for a missing directory. Zero
	// means 30 seconds.
	MissingDirBackoff time.Duration
}

// Watch blocks until the context is canceled or the underlying watcher
// fails. The directory is watched rather than the file so that ConfigMap
// symlink swaps are observed.
func (w *Watcher) Watch(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.L.Error("panic in config watcher", zap.Any("panic", r))
			err = fmt.Errorf("config watcher panic: %v", r)
		}
	}()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()

	watchDir := filepath.Dir(w.Path)
	if _, err := os.Stat(watchDir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", errWatchDirMissing, watchDir)
	}
	if err := fw.Add(watchDir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", watchDir, err)
	}

	logger.L.Info("watching for configuration changes", zap.String("dir", watchDir))

	for {
		select {
		case <-ctx.Done():
			logger.L.Info("config watcher shutting down")
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logger.L.Info("configuration change detected", zap.String("file", event.Name))
			if w.Debounce > 0 {
				select {
				case <-time.After(w.Debounce):
				case <-ctx.Done():
					return nil
				}
			}
			if w.OnChange != nil {
				w.OnChange()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			logger.L.Error("file watcher error", zap.Error(err))
		}
	}
}

// StartWithRestart runs Watch in a goroutine and restarts it with
// exponential backoff until ctx is canceled.
func (w *Watcher) StartWithRestart(ctx context.Context) {
	maxBackoff := w.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	missingBackoff := w.MissingDirBackoff
	if missingBackoff <= 0 {
		missingBackoff = 30 * time.Second
	}

	go func() {
		attempt := 0
		consecutiveMissing := 0

		for {
			if ctx.Err() != nil {
				return
			}

			attempt++
			if attempt > 1 {
				metrics.WatcherRestarts.Inc()
				logger.L.Info("restarting config watcher", zap.Int("attempt", attempt))
			}

			err := w.Watch(ctx)
			if ctx.Err() != nil {
				logger.L.Info("config watcher stopped")
				return
			}

			var backoff time.Duration
			if errors.Is(err, errWatchDirMissing) {
				consecutiveMissing++
				if consecutiveMissing == 1 {
					logger.L.Warn("config watcher disabled", zap.Error(err))
				}
				if consecutiveMissing >= 3 {
					logger.L.Info("config watcher permanently disabled")
					return
				}
				backoff = missingBackoff
			} else {
				consecutiveMissing = 0
				backoff = time.Duration(math.Min(float64(time.Second)*math.Pow(2, float64(attempt-1)), float64(maxBackoff)))
				logger.L.Error("config watcher stopped, restarting",
					zap.Error(err),
					zap.Duration("backoff", backoff),
				)
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
	}()
}

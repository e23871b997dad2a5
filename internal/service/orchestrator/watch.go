package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/oshokin/ota-client/internal/logger"
)

// Watch refreshes the client whenever the watched path changes, after the
// debounce period has passed without further changes. Refreshes are skipped
// while another operation runs. Watch blocks until ctx ends or Close is called.
func (c *Client) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	defer func() {
		_ = watcher.Close()
	}()

	if err = watcher.Add(c.cfg.WatchPath); err != nil {
		return fmt.Errorf("watch %s: %w", c.cfg.WatchPath, err)
	}

	ctx = logger.WithKV(logger.WithName(ctx, loggerName), "watch_path", c.cfg.WatchPath)
	logger.Info(ctx, "Watching sysroot")

	timer := time.NewTimer(c.debounce)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}

			logger.DebugKV(ctx, "Sysroot changed", "event", event.String())
			timer.Reset(c.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.WarnKV(ctx, "Watcher error", "error", err)
		case <-timer.C:
			id, err := c.start(c.refreshOperation(), true)

			switch {
			case errors.Is(err, errSkipped):
				logger.Debug(ctx, "Refresh skipped, client busy")
				timer.Reset(c.debounce)
			case err != nil:
				return nil
			default:
				logger.DebugKV(ctx, "Refresh requested", "request_id", id)
			}
		}
	}
}

package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// logWatcher signals when the scanned log is written or recreated. The
// directory is watched rather than the file so a rotated log is picked up.
type logWatcher struct {
	watcher *fsnotify.Watcher
	name    string
	changes chan struct{}
	logger  *logrus.Logger
}

func newLogWatcher(logPath string, logger *logrus.Logger) (*logWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(logPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &logWatcher{
		watcher: watcher,
		name:    filepath.Base(logPath),
		changes: make(chan struct{}, 1),
		logger:  logger,
	}, nil
}

// Changes delivers at most one pending signal; bursts of writes coalesce.
func (w *logWatcher) Changes() <-chan struct{} {
	return w.changes
}

// Start forwards events until ctx is cancelled, then closes the watcher.
func (w *logWatcher) Start(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Log watcher error")
		}
	}
}

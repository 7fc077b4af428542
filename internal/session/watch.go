package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"portal-client/internal/logging"
	"portal-client/internal/runctx"
)

type Change struct {
	Token   string
	Present bool
}

// Watch reports credential changes made to the store file by any process,
// such as a login or logout from another terminal. Only transitions are
// emitted and a reader that falls behind sees only the latest one. The
// returned channel closes when ctx is done.
func Watch(ctx context.Context, store *FileStore, logger *logging.Logger) (<-chan Change, error) {
	if logger == nil {
		panic("session.Watch: logger must not be nil")
	}
	dir := filepath.Dir(store.Path())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential watcher: %w", err)
	}
	// The store replaces the file by rename, so watch the directory.
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch credential directory %s: %w", dir, err)
	}

	current, present, err := store.CurrentToken(ctx)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}

	changes := make(chan Change, 1)
	go func() {
		defer close(changes)
		defer watcher.Close()
		target := filepath.Clean(store.Path())
		for {
			select {
			case <-ctx.Done():
				logger.Debug("stopping credential watcher: context canceled")
				return
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("credential watcher error", logging.Field("error", watchErr))
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				token, ok, readErr := store.CurrentToken(ctx)
				if readErr != nil {
					logger.Warn("failed to read credential store", logging.Field("error", readErr))
					continue
				}
				if ok == present && token == current {
					continue
				}
				current, present = token, ok
				logger.Debug("session credential changed", logging.Field("present", ok))
				if !runctx.SendLatest(ctx, "credential watcher", logger, changes, Change{Token: token, Present: ok}) {
					return
				}
			}
		}
	}()
	return changes, nil
}

// Copyright (c) Microsoft Corporation. All rights reserved.

package breakpoints

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/microsoft/builddbg/pkg/resiliency"
)

const (
	// Just in case the file watch event(s) do not arrive as expected, we will do some polling too.
	filePollInterval = 5 * time.Second
	fileWatchRetries = 3

	// Editors often write a file in several steps; changes are applied once the file settles.
	reloadDebounceDelay = 200 * time.Millisecond
)

// WatchFile loads the breakpoint file, applies it to the registry, and re-applies it every time the file changes,
// until the context is cancelled. Load errors after the first successful load are logged and the previous
// breakpoints stay in effect.
func (r *Registry) WatchFile(ctx context.Context, modelID string, path string, log logr.Logger) error {
	path = absPath(path)

	f, loadErr := LoadFile(path)
	if loadErr != nil {
		return loadErr
	}
	r.ApplyFile(modelID, f)

	// The directory is watched instead of the file because editors often replace the file on save.
	watcher, watcherErr := fsnotify.NewWatcher()
	if watcherErr != nil {
		return fmt.Errorf("failed to create file watcher for breakpoint file '%s': %w", path, watcherErr)
	}
	defer watcher.Close()

	if watcherErr = watcher.Add(filepath.Dir(path)); watcherErr != nil {
		return fmt.Errorf("failed to add breakpoint file '%s' to watcher: %w", path, watcherErr)
	}

	timer := time.NewTimer(filePollInterval)
	defer timer.Stop()

	fileWatchRetryCount := 0
	lastContent := f.key()

	// Reloads never overlap, so lastContent needs no extra synchronization.
	reloads := resiliency.NewDebounceLast(func(struct{}) (struct{}, error) {
		reloaded, reloadErr := LoadFile(path)
		if reloadErr != nil {
			log.Error(reloadErr, "Breakpoint file could not be loaded, keeping current breakpoints", "path", path)
			return struct{}{}, reloadErr
		}
		if content := reloaded.key(); content != lastContent {
			lastContent = content
			log.V(1).Info("Breakpoint file changed", "path", path, "breakpoints", len(reloaded.Breakpoints))
			r.ApplyFile(modelID, reloaded)
		}
		return struct{}{}, nil
	}, reloadDebounceDelay)
	reload := func() {
		go func() { _, _ = reloads.Run(ctx, struct{}{}) }()
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case we, isOpen := <-watcher.Events:
			if !isOpen {
				return nil
			}
			if filepath.Clean(we.Name) == path && (we.Has(fsnotify.Write) || we.Has(fsnotify.Create)) {
				reload()
			}

		case watchErr, isOpen := <-watcher.Errors:
			if !isOpen {
				return nil
			}
			// The watcher might fail to deliver some events if there is a lot of file activity,
			// so we tolerate a few errors and rely on polling in the meantime.
			if fileWatchRetryCount < fileWatchRetries {
				fileWatchRetryCount++
				log.V(1).Info("Breakpoint file watcher reported an error", "error", watchErr.Error())
			} else {
				return errors.Join(fmt.Errorf("breakpoint file watcher failed for '%s'", path), watchErr)
			}

		case <-timer.C:
			reload()
			timer.Reset(filePollInterval)
		}
	}
}

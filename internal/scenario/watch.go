package scenario

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces bursts of file events (editors write several times).
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the catalog whenever a definition file changes. It blocks
// until ctx is cancelled.
func (c *Catalog) Watch(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(c.dir); err != nil {
		return err
	}

	// Single timer, reset on each relevant event.
	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounce.C:
			if err := c.Reload(); err != nil {
				c.logger.Error("reloading definitions", "error", err)
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !IsDefinitionFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("definitions watcher error", "error", err)
		}
	}
}

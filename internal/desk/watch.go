package desk

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDelay = 200 * time.Millisecond

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The directory is watched so editors that replace the file are seen.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create desk catalog watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("watch desk catalog %s: %w", c.path, err)
	}
	target := filepath.Clean(c.path)

	var reload <-chan time.Time
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			reload = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Printf("desk catalog watch error path=%s err=%v", c.path, err)
		case <-reload:
			reload = nil
			if err := c.Reload(); err != nil {
				c.logger.Printf("desk catalog reload failed, keeping previous desks path=%s err=%v", c.path, err)
			}
		}
	}
}

package blocklist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

var reloadDelay = 2 * time.Second

// Watch reloads the block list whenever files below the block list
// directory change. Bursts of events within reloadDelay cause one reload.
// It returns when ctx is done.
func (b *BlockList) Watch(ctx context.Context) error {
	dir := b.cfg.BlockListDir
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("error creating blocklist directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	zlog.Info("Watching blocklist directory", "path", dir)

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) == ".tmp" {
				continue
			}
			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				zlog.Debug("Blocklist file changed", "file", event.Name, "op", event.Op.String())
				timer.Reset(reloadDelay)
			}

		case <-timer.C:
			if err := b.Reload(); err != nil {
				zlog.Error("Blocklist reload failed", "error", err.Error())
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			zlog.Error("Blocklist watcher error", "error", err.Error())
		}
	}
}

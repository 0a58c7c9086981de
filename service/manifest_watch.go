package service

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch clears the manifest cache whenever a file under the manifest root
// changes. It blocks until ctx is cancelled.
func (r *ManifestRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	defer watcher.Close()

	if err := addWatchTree(watcher, r.root); err != nil {
		return err
	}
	slog.Info("watching manifests", "root", r.root)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addWatchTree(watcher, event.Name); err != nil {
						slog.Warn("failed to watch new manifest directory", "path", event.Name, "error", err)
					}
				}
			}
			slog.Info("manifest source changed, clearing cache", "path", event.Name, "op", event.Op.String())
			r.Clear()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("manifest watcher error", "error", err)
		}
	}
}

func addWatchTree(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	if !info.IsDir() {
		// watch the parent so editors that replace the file are seen
		return w.Add(filepath.Dir(root))
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const reloadDebounce = 300 * time.Millisecond

// Watch reloads the file at path whenever it changes and hands each valid
// result to apply; a broken edit is logged and the previous configuration
// stays in effect. The parent directory is watched rather than the file
// itself so editors that save via rename still trigger a reload. The watch
// stops when ctx is cancelled.
func Watch(ctx context.Context, path string, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config watch %s: %w", dir, err)
	}

	go func() {
		defer func() {
			if errClose := watcher.Close(); errClose != nil {
				log.WithError(errClose).Debugf("config: close watcher")
			}
		}()

		target := filepath.Clean(path)
		debounce := time.NewTimer(reloadDebounce)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				debounce.Reset(reloadDebounce)
			case <-debounce.C:
				cfg, errLoad := Load(path)
				if errLoad != nil {
					log.WithError(errLoad).Warnf("config: reload failed, keeping previous configuration")
					continue
				}
				log.Infof("config: reloaded %s", path)
				apply(cfg)
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(errWatch).Warnf("config: watcher error")
			}
		}
	}()
	return nil
}

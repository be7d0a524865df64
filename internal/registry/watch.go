package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads manifests from dir whenever *.json files change, debounced
// so a burst of writes triggers one reload. Changed manifests replace their
// registered versions; deleting a file does not unregister the tool until
// the next full restart.
func (r *Registry) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	r.watchMu.Lock()
	if r.watchCancel != nil {
		r.watchMu.Unlock()
		cancel()
		watcher.Close()
		return errors.New("registry: watch already active")
	}
	r.watchCancel = func() {
		cancel()
		watcher.Close()
	}
	r.watchMu.Unlock()

	r.watchWg.Add(1)
	go r.watchLoop(watchCtx, watcher, dir)

	r.logger.Info("watching manifest directory", "dir", dir)
	return nil
}

// Close stops an active watch and waits for the loop to exit.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	cancel := r.watchCancel
	r.watchCancel = nil
	r.watchMu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.watchWg.Wait()
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, dir string) {
	defer r.watchWg.Done()

	debounce := r.debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if _, err := r.LoadFromDirectory(dir); err != nil {
				r.logger.Warn("manifest reload failed", "dir", dir, "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("manifest watch error", "error", err)
		}
	}
}

package fsutil

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/flyscan/internal/monitoring"
)

// WatchDir watches dir with fsnotify. The returned channel receives a value
// (coalesced) after any create, write, rename or remove inside dir. stop closes
// the underlying watcher and waits for the forwarding goroutine to exit.
func WatchDir(dir string) (<-chan struct{}, func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				monitoring.Logf("[fsutil] watch %s: %v", dir, err)
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = w.Close()
			<-done
		})
	}
	return wake, stop, nil
}

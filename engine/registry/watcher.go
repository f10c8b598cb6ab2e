package registry

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watcher combines fsnotify with an mtime poll. Editors that replace the file
// (rename-over) defeat naive watches, so the poll acts as the safety net.
type watcher struct {
	path     string
	fs       *fsnotify.Watcher
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu        sync.Mutex
	lastMtime time.Time
}

func newWatcher(path string, pollInterval time.Duration, onChange func()) (*watcher, error) {
	w := &watcher{path: path, stopCh: make(chan struct{})}
	if fi, err := os.Stat(path); err == nil {
		w.lastMtime = fi.ModTime()
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(path); err != nil {
		_ = fs.Close()
		return nil, err
	}
	w.fs = fs

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		var ticker *time.Ticker
		var tick <-chan time.Time
		if pollInterval > 0 {
			ticker = time.NewTicker(pollInterval)
			tick = ticker.C
			defer ticker.Stop()
		}
		for {
			select {
			case <-w.stopCh:
				return
			case ev, ok := <-fs.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					// Rename-over replaces the inode; re-arm the watch.
					if ev.Op&fsnotify.Rename != 0 {
						_ = fs.Add(path)
					}
					w.markChanged()
					onChange()
				}
			case _, ok := <-fs.Errors:
				if !ok {
					return
				}
			case <-tick:
				if w.mtimeChanged() {
					onChange()
				}
			}
		}
	}()
	return w, nil
}

func (w *watcher) markChanged() {
	if fi, err := os.Stat(w.path); err == nil {
		w.mu.Lock()
		w.lastMtime = fi.ModTime()
		w.mu.Unlock()
	}
}

func (w *watcher) mtimeChanged() bool {
	fi, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if fi.ModTime().After(w.lastMtime) {
		w.lastMtime = fi.ModTime()
		return true
	}
	return false
}

func (w *watcher) close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fs != nil {
			err = w.fs.Close()
		}
		w.wg.Wait()
	})
	return err
}

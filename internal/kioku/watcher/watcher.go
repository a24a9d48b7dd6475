// Package watcher publishes KB change events for edits made outside the
// agent's tool surface (a user editing notes directly, a git checkout). It
// watches the KB root recursively with fsnotify and translates filesystem
// notifications into bus events; the reindex manager's debounce absorbs the
// bursts.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bdobrica/Kioku/internal/kioku/bus"
)

// source tag on every published event.
const source = "kb-watcher"

// Watcher mirrors one directory tree onto the event bus.
type Watcher struct {
	root string
	bus  *bus.Bus
	// userFor maps a changed path to its owning user; zero means unknown.
	userFor func(path string) int64

	fw   *fsnotify.Watcher
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// New starts watching root and everything under it. The tree must exist.
func New(root string, b *bus.Bus, userFor func(path string) int64) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		root:    root,
		bus:     b,
		userFor: userFor,
		fw:      fw,
		stop:    make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Stop ends the watch loop and releases the inotify handles.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
	w.fw.Close()
}

// addTree registers root and every subdirectory.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stop:
			return
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("kb watcher error", "err", err)
		case evt, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(evt)
		}
	}
}

func (w *Watcher) handle(evt fsnotify.Event) {
	if skipPath(evt.Name) {
		return
	}

	switch {
	case evt.Has(fsnotify.Create):
		if isDir(evt.Name) {
			// New directories must be added to the watch or edits inside
			// them go unseen.
			if err := w.addTree(evt.Name); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Warn("could not watch new directory", "path", evt.Name, "err", err)
			}
			w.publish(bus.FolderCreated, evt.Name)
			return
		}
		w.publish(bus.FileCreated, evt.Name)
	case evt.Has(fsnotify.Write):
		w.publish(bus.FileModified, evt.Name)
	case evt.Has(fsnotify.Remove), evt.Has(fsnotify.Rename):
		w.publish(bus.FileDeleted, evt.Name)
	}
}

func (w *Watcher) publish(t bus.EventType, path string) {
	var userID int64
	if w.userFor != nil {
		userID = w.userFor(path)
	}
	w.bus.Publish(bus.Event{
		Type:   t,
		Path:   path,
		UserID: userID,
		Source: source,
		TS:     time.Now(),
	})
}

// skipDir filters trees that never hold notes.
func skipDir(name string) bool {
	return name == ".git" || name == "node_modules"
}

// skipPath filters noise: git internals, editor temp files.
func skipPath(path string) bool {
	if strings.Contains(path, string(filepath.Separator)+".git"+string(filepath.Separator)) {
		return true
	}
	base := filepath.Base(path)
	if strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".tmp") {
		return true
	}
	return strings.HasPrefix(base, ".#")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

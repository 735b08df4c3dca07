package hmr

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vitelike/esmgraph/internal/log"
)

// FileEvent is the watcher's normalized `(kind, path)` event.
type FileEvent struct {
	Kind string // "create" | "delete" | "update"
	Path string
}

// Watcher wraps fsnotify with the debounce window spec.md's concurrency
// model calls for ("the watcher coalesces duplicate events within a short
// debounce window"). Recursive directory watching is emulated by adding
// every directory under Root when Run starts and adding new directories as
// fsnotify reports their creation.
type Watcher struct {
	Root        string
	DebounceFor time.Duration

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	debounce map[string]debounceEntry
}

type debounceEntry struct {
	kind string
	at   time.Time
}

// NewWatcher creates a recursive watcher rooted at root. Directories whose
// base name skipDir rejects (node_modules, .git, plz-out, and any name
// starting with ".") are excluded from both the walk and future fsnotify
// adds.
func NewWatcher(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		Root:        root,
		DebounceFor: 30 * time.Millisecond,
		fsw:         fsw,
		debounce:    make(map[string]debounceEntry),
	}
	return w, nil
}

func skipDir(name string) bool {
	return name == "node_modules" || name == ".git" || name == "plz-out" || strings.HasPrefix(name, ".")
}

func (w *Watcher) addTree(root string) error {
	return filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fi.IsDir() {
			if path != root && skipDir(fi.Name()) {
				return filepath.SkipDir
			}
			if addErr := w.fsw.Add(path); addErr != nil {
				log.Warnf("hmr: watch %s: %v\n", path, addErr)
			}
		}
		return nil
	})
}

// Run starts the debounce-coalescing event loop, calling emit for each
// settled event, until ctx-like stop is closed.
func (w *Watcher) Run(stop <-chan struct{}, emit func(FileEvent)) error {
	if err := w.addTree(w.Root); err != nil {
		return err
	}

	ticker := time.NewTicker(w.DebounceFor)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return w.fsw.Close()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleRawEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warnf("hmr: watcher error: %v\n", err)

		case <-ticker.C:
			w.flushSettled(emit)
		}
	}
}

func (w *Watcher) handleRawEvent(ev fsnotify.Event) {
	if skipDir(filepath.Base(filepath.Dir(ev.Name))) {
		return
	}

	var kind string
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = "create"
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			w.addTree(ev.Name)
			return
		}
	case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
		kind = "delete"
	case ev.Op&fsnotify.Write != 0:
		kind = "update"
	default:
		return
	}

	w.mu.Lock()
	w.debounce[ev.Name] = debounceEntry{kind: kind, at: time.Now()}
	w.mu.Unlock()
}

func (w *Watcher) flushSettled(emit func(FileEvent)) {
	w.mu.Lock()
	now := time.Now()
	var ready []FileEvent
	for path, entry := range w.debounce {
		if now.Sub(entry.at) >= w.DebounceFor {
			ready = append(ready, FileEvent{Kind: entry.kind, Path: path})
			delete(w.debounce, path)
		}
	}
	w.mu.Unlock()

	for _, ev := range ready {
		emit(ev)
	}
}

// Close releases the underlying fsnotify watcher immediately.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

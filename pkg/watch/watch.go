// Package watch wraps fsnotify with the debounced "awaitWriteFinish"
// semantics the HMR engine's watcher collaborator assumes: a burst of
// writes to the same path collapses into a single notification once the
// path has been quiet for an idle window.
package watch

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultIdleWindow is how long a path must go without a new write
// event before Watcher emits a change notification for it.
const DefaultIdleWindow = 30 * time.Millisecond

// Event is a single coalesced, project-relative file-change notification.
type Event struct {
	Path string
}

// Watcher coalesces fsnotify's Write/Create bursts per path into single
// Events on Changes, using a per-path idle timer instead of forwarding
// every raw fsnotify event.
type Watcher struct {
	root       string
	idleWindow time.Duration
	fsw        *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer

	changes chan Event
	errors  chan error
	done    chan struct{}
}

// New creates a Watcher rooted at root with the default idle window.
// Call Add for every directory that should be observed, then Start.
func New(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:       root,
		idleWindow: DefaultIdleWindow,
		fsw:        fsw,
		timers:     make(map[string]*time.Timer),
		changes:    make(chan Event, 64),
		errors:     make(chan error, 8),
		done:       make(chan struct{}),
	}, nil
}

// WithIdleWindow overrides the default debounce window.
func (w *Watcher) WithIdleWindow(d time.Duration) *Watcher {
	w.idleWindow = d
	return w
}

// Add registers a directory for watching (non-recursive, per fsnotify's
// own contract — callers add every directory that matters).
func (w *Watcher) Add(dir string) error {
	return w.fsw.Add(dir)
}

// Changes returns the channel of coalesced, debounced change events.
func (w *Watcher) Changes() <-chan Event { return w.changes }

// Errors returns the channel of underlying fsnotify errors.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Start begins translating raw fsnotify events into debounced Events.
// It runs until Close is called.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRawEvent(ev)
		}
	}
}

func (w *Watcher) handleRawEvent(ev fsnotify.Event) {
	// Out of scope: renames/removes don't re-enter the pipeline as a
	// module change in this core.
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		rel = ev.Name
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") {
		return
	}

	w.mu.Lock()
	if t, ok := w.timers[rel]; ok {
		t.Stop()
	}
	w.timers[rel] = time.AfterFunc(w.idleWindow, func() {
		w.mu.Lock()
		delete(w.timers, rel)
		w.mu.Unlock()

		select {
		case w.changes <- Event{Path: rel}:
		case <-w.done:
		}
	})
	w.mu.Unlock()
}

// Close stops the watcher and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()

	return w.fsw.Close()
}

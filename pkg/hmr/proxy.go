package hmr

import "sync"

// Tracker is the handle returned alongside a tracked exports view. It
// exposes the set of string keys that have been read or written through
// the view since construction or the last Reset.
//
// Go has no object-proxy mechanism, so unlike a JS Proxy-wrapped exports
// object, TrackedExports wraps a plain map[string]any: the module record
// exposes exports through this accessor rather than the exports value
// itself being intercepted.
type Tracker struct {
	mu       sync.Mutex
	accessed map[string]struct{}
}

func newTracker() *Tracker {
	return &Tracker{accessed: make(map[string]struct{})}
}

func (t *Tracker) record(key string) {
	t.mu.Lock()
	t.accessed[key] = struct{}{}
	t.mu.Unlock()
}

// AccessedNames returns an immutable snapshot of the string keys read or
// written since construction or the last Reset.
func (t *Tracker) AccessedNames() map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]struct{}, len(t.accessed))
	for k := range t.accessed {
		out[k] = struct{}{}
	}
	return out
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	t.accessed = make(map[string]struct{})
	t.mu.Unlock()
}

// TrackedExports is a tracked view over a module's raw exports. Reads and
// writes through Get/Set are observationally transparent: callers that go
// through TrackedExports see exactly what they would see going through
// the raw map directly, except for the bookkeeping the Tracker records on
// the side. Symbol-like non-string keys don't exist in Go's map[string]any
// shape, so every key recorded here is, by construction, a tracked one;
// there is no untracked-key path at all.
type TrackedExports struct {
	mu      sync.RWMutex
	target  map[string]interface{}
	tracker *Tracker
}

// NewTrackedExports wraps target, sharing tracker across every nested
// TrackedExports this call produces so that deep access through a nested
// object value is recorded into the same accessed-set.
func NewTrackedExports(target map[string]interface{}) (*TrackedExports, *Tracker) {
	if target == nil {
		target = make(map[string]interface{})
	}
	view := &TrackedExports{target: target, tracker: newTracker()}
	return view, view.tracker
}

func wrapWithTracker(target map[string]interface{}, tracker *Tracker) *TrackedExports {
	return &TrackedExports{target: target, tracker: tracker}
}

// Get reads a named export, recording the access. If the value is itself
// a map[string]any, it is wrapped recursively so that deep access is
// tracked through the same tracker.
func (p *TrackedExports) Get(name string) interface{} {
	p.mu.RLock()
	v, ok := p.target[name]
	p.mu.RUnlock()

	p.tracker.record(name)

	if !ok {
		return nil
	}
	if nested, isMap := v.(map[string]interface{}); isMap {
		return wrapWithTracker(nested, p.tracker)
	}
	return v
}

// Set writes a named export, recording the access.
func (p *TrackedExports) Set(name string, value interface{}) {
	p.mu.Lock()
	p.target[name] = value
	p.mu.Unlock()

	p.tracker.record(name)
}

// Tracker returns the shared tracker backing this view and every nested
// view it has produced.
func (p *TrackedExports) Tracker() *Tracker { return p.tracker }

// Raw returns the underlying untracked map. Used when a module needs to
// hand its exports to code that must not go through the tracking layer
// (e.g. serializing for a client payload).
func (p *TrackedExports) Raw() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]interface{}, len(p.target))
	for k, v := range p.target {
		out[k] = v
	}
	return out
}

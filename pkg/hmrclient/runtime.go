//go:build js && wasm
// +build js,wasm

// Package hmrclient is the in-browser counterpart to pkg/hmr: it
// receives protocol messages over a WebSocket connection, applies them
// against local module records, runs dispose/accept callbacks, and may
// request a full page reload.
package hmrclient

import (
	"encoding/json"
	"sync"
	"syscall/js"
)

// HotState is the client-side bookkeeping a loaded module's
// `import.meta.hot` object exposes: accept/decline/dispose declarations
// plus the opaque data carried across a hot swap.
type HotState struct {
	mu               sync.Mutex
	Data             interface{}
	acceptCallbacks  []func(js.Value)
	disposeCallbacks []func()
	isAccepted       bool
	isDeclined       bool
}

func newHotState() *HotState { return &HotState{} }

// Accept with no callback just sets isAccepted; with a callback it also
// appends to the accept queue and sets isAccepted, mirroring the
// `hot.accept(cb?)` overload.
func (h *HotState) Accept(cb func(js.Value)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isAccepted = true
	if cb != nil {
		h.acceptCallbacks = append(h.acceptCallbacks, cb)
	}
}

func (h *HotState) Decline() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isDeclined = true
	h.isAccepted = false
}

func (h *HotState) Dispose(cb func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disposeCallbacks = append(h.disposeCallbacks, cb)
}

func (h *HotState) snapshotCallbacks() ([]func(), []func(js.Value)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dispose := make([]func(), len(h.disposeCallbacks))
	copy(dispose, h.disposeCallbacks)
	accept := make([]func(js.Value), len(h.acceptCallbacks))
	copy(accept, h.acceptCallbacks)
	return dispose, accept
}

// moduleRecord is the local state for one loaded module: its current
// exports namespace and its hot declarations.
type moduleRecord struct {
	exports js.Value
	hot     *HotState
}

// ModuleLoader re-fetches a module's namespace given a cache-busting
// query parameter, returning a JS Promise that resolves to the new
// module namespace object. The default implementation uses a dynamic
// `import()`; tests inject a fake that resolves synchronously.
type ModuleLoader func(file string, cacheBust int64) js.Value

// Runtime is the engine's browser-side state machine: IDLE while no
// update is being applied, APPLYING while one update runs, with newly
// arrived updates queued in pending rather than interleaved mid-apply.
type Runtime struct {
	mu       sync.Mutex
	modules  map[string]*moduleRecord
	pending  map[string]struct{}
	applying bool

	loader ModuleLoader
	ws     js.Value
	seq    int64

	onLog      func(string)
	onFullPage func()

	// restoredHotData holds per-module hot.Data values saved by a prior
	// binary instance right before a wasm-reload wiped its heap, keyed by
	// file and consumed once by RegisterModule.
	restoredHotData map[string]interface{}
}

// wasmHotDataKey is the __pulseWasmState property under which a wasm
// instance's module hot-data snapshot is stashed across a reload.
const wasmHotDataKey = "hotData"

func New(loader ModuleLoader) *Runtime {
	r := &Runtime{
		modules: make(map[string]*moduleRecord),
		pending: make(map[string]struct{}),
		loader:  loader,
		onLog:   func(string) {},
		onFullPage: func() {
			js.Global().Get("location").Call("reload")
		},
	}
	if saved, ok := LoadWasmState[map[string]interface{}](wasmHotDataKey); ok {
		r.restoredHotData = saved
	}
	return r
}

// RegisterModule records a newly instantiated module's exports and
// returns its HotState, the `import.meta.hot` handle the module's own
// code holds onto. If a prior binary instance saved hot.Data for file
// ahead of a wasm-reload, it is restored here rather than starting blank.
func (r *Runtime) RegisterModule(file string, exports js.Value) *HotState {
	r.mu.Lock()
	defer r.mu.Unlock()
	hot := newHotState()
	if saved, ok := r.restoredHotData[file]; ok {
		hot.Data = saved
		delete(r.restoredHotData, file)
	}
	r.modules[file] = &moduleRecord{exports: exports, hot: hot}
	return hot
}

// Connect opens the WebSocket connection to the HMR server and wires up
// message dispatch.
func (r *Runtime) Connect(url string) {
	ws := js.Global().Get("WebSocket").New(url)
	r.ws = ws

	ws.Set("onmessage", js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		data := args[0].Get("data").String()
		r.handleRawMessage(data)
		return nil
	}))

	ws.Set("onopen", js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		for file := range r.modules {
			r.sendModuleLoaded(file)
		}
		return nil
	}))
}

// wireMessage mirrors pkg/hmr.Message's wire shape without importing
// the server package (the client runs under GOOS=js, the server
// doesn't).
type wireMessage struct {
	Type      string   `json:"type"`
	File      string   `json:"file,omitempty"`
	Path      string   `json:"path,omitempty"`
	Paths     []string `json:"paths,omitempty"`
	Error     string   `json:"error,omitempty"`
	Stack     string   `json:"stack,omitempty"`
	Hash      string   `json:"hash,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

func (r *Runtime) sendModuleLoaded(file string) {
	msg := wireMessage{Type: "module-loaded", File: file}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	r.ws.Call("send", string(data))
}

func (r *Runtime) handleRawMessage(raw string) {
	var msg wireMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		r.onLog("hmr: malformed message: " + err.Error())
		return
	}

	switch msg.Type {
	case "update":
		r.enqueueUpdate(msg.File)
	case "full-reload":
		r.onFullPage()
	case "error":
		r.onLog("hmr error in " + msg.File + ": " + msg.Error)
	case "prune":
		r.prune(msg.Paths)
	case "wasm-reload":
		r.saveHotDataBeforeWasmReload()
		r.onFullPage()
	default:
		r.onLog("hmr: ignoring unknown message type " + msg.Type)
	}
}

// enqueueUpdate implements the queue discipline: while an update is
// being applied, new arrivals are added to the pending set instead of
// interleaving; when the current apply finishes, the runtime drains one
// pending file at a time until the set is empty.
func (r *Runtime) enqueueUpdate(file string) {
	r.mu.Lock()
	if r.applying {
		r.pending[file] = struct{}{}
		r.mu.Unlock()
		return
	}
	r.applying = true
	r.mu.Unlock()

	r.applyUpdate(file)
}

func (r *Runtime) applyUpdate(file string) {
	r.mu.Lock()
	record, ok := r.modules[file]
	r.mu.Unlock()

	if !ok {
		r.finishApply()
		return
	}

	dispose, accept := record.hot.snapshotCallbacks()
	for _, cb := range dispose {
		runGuarded(r.onLog, cb)
	}

	savedData := record.hot.Data
	r.seq++
	cacheBust := r.seq

	promise := r.loader(file, cacheBust)
	promise.Call("then", js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		newExports := args[0]
		newHot := newHotState()
		newHot.Data = savedData

		r.mu.Lock()
		r.modules[file] = &moduleRecord{exports: newExports, hot: newHot}
		r.mu.Unlock()

		for _, cb := range accept {
			if detail, failed := runGuardedWithArg(cb, newExports); failed {
				r.onLog("hmr: accept callback panicked: " + detail)
				r.reportApplyError(file, detail)
			}
		}

		r.finishApply()
		return nil
	}))
}

// reportApplyError tells the server an accept callback failed, so it can
// fall back to a full reload the next time this file changes instead of
// patching it again.
func (r *Runtime) reportApplyError(file, detail string) {
	if r.ws.IsUndefined() {
		return
	}
	msg := wireMessage{Type: "apply-error", File: file, Error: detail}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	r.ws.Call("send", string(data))
}

func (r *Runtime) finishApply() {
	r.mu.Lock()
	var next string
	for file := range r.pending {
		next = file
		delete(r.pending, file)
		break
	}
	if next == "" {
		r.applying = false
	}
	r.mu.Unlock()

	if next != "" {
		r.applyUpdate(next)
	}
}

// saveHotDataBeforeWasmReload snapshots every module's hot.Data into a JS
// global ahead of a wasm-reload, since replacing the wasm binary wipes
// the whole Go heap and a fresh Runtime otherwise starts every module's
// hot state blank. Only modules that actually stashed something in
// hot.Data are included; it's the caller's code that decides what, if
// anything, belongs there.
func (r *Runtime) saveHotDataBeforeWasmReload() {
	r.mu.Lock()
	snapshot := make(map[string]interface{}, len(r.modules))
	for file, rec := range r.modules {
		if rec.hot.Data != nil {
			snapshot[file] = rec.hot.Data
		}
	}
	r.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	SaveWasmState(wasmHotDataKey, snapshot)
}

func (r *Runtime) prune(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range paths {
		delete(r.modules, p)
	}
}

func runGuarded(onLog func(string), fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			onLog("hmr: callback panicked")
		}
	}()
	fn()
}

// runGuardedWithArg isolates a single accept callback so one module's
// broken handler can't take down the whole apply cycle. It reports
// whether the callback panicked and, if so, a short description of what
// was recovered, for the caller to log and relay to the server.
func runGuardedWithArg(fn func(js.Value), arg js.Value) (detail string, failed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			failed = true
			detail = toDetail(rec)
		}
	}()
	fn(arg)
	return "", false
}

func toDetail(rec interface{}) string {
	if v, ok := rec.(js.Value); ok {
		return v.String()
	}
	if err, ok := rec.(error); ok {
		return err.Error()
	}
	return "unknown panic"
}

// DynamicImportLoader is the production ModuleLoader: it calls the
// browser's dynamic import() with a cache-busting query string so the
// updated module bypasses any in-memory module cache.
func DynamicImportLoader(file string, cacheBust int64) js.Value {
	url := file + "?t=" + itoa(cacheBust)
	return js.Global().Call("eval", "import("+jsStringLiteral(url)+")")
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func jsStringLiteral(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	out = append(out, '"')
	return string(out)
}

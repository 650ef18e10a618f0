//go:build js && wasm
// +build js,wasm

package hmrclient

import (
	"strings"
	"syscall/js"
	"testing"
)

func TestHotStateAcceptDecline(t *testing.T) {
	hot := newHotState()

	hot.Accept(nil)
	if !hot.isAccepted {
		t.Error("Accept(nil) should set isAccepted")
	}

	hot.Decline()
	if !hot.isDeclined {
		t.Error("Decline() should set isDeclined")
	}
	if hot.isAccepted {
		t.Error("Decline() should clear isAccepted")
	}
}

func TestHotStateAcceptCallbackQueued(t *testing.T) {
	hot := newHotState()
	called := false

	hot.Accept(func(js.Value) { called = true })

	dispose, accept := hot.snapshotCallbacks()
	if len(dispose) != 0 {
		t.Errorf("expected no dispose callbacks, got %d", len(dispose))
	}
	if len(accept) != 1 {
		t.Fatalf("expected 1 accept callback, got %d", len(accept))
	}

	accept[0](js.Undefined())
	if !called {
		t.Error("accept callback was not invoked")
	}
}

func TestHotStateDispose(t *testing.T) {
	hot := newHotState()
	n := 0

	hot.Dispose(func() { n++ })
	hot.Dispose(func() { n++ })

	dispose, _ := hot.snapshotCallbacks()
	for _, cb := range dispose {
		cb()
	}
	if n != 2 {
		t.Errorf("expected both dispose callbacks to run, got n=%d", n)
	}
}

func TestHotStateSnapshotCallbacksReturnsCopy(t *testing.T) {
	hot := newHotState()
	hot.Dispose(func() {})

	snap, _ := hot.snapshotCallbacks()
	hot.Dispose(func() {})

	if len(snap) != 1 {
		t.Errorf("snapshot should be unaffected by later Dispose calls, got len=%d", len(snap))
	}
}

func TestRuntimeRegisterModuleStoresExports(t *testing.T) {
	r := New(DynamicImportLoader)
	exports := js.ValueOf(map[string]interface{}{"default": "value"})

	hot := r.RegisterModule("/src/app.js", exports)
	if hot == nil {
		t.Fatal("RegisterModule returned nil HotState")
	}

	record, ok := r.modules["/src/app.js"]
	if !ok {
		t.Fatal("module was not registered")
	}
	if record.hot != hot {
		t.Error("registered record's hot state does not match the returned handle")
	}
}

func TestRuntimePruneRemovesModules(t *testing.T) {
	r := New(DynamicImportLoader)
	r.RegisterModule("/src/a.js", js.ValueOf(map[string]interface{}{}))
	r.RegisterModule("/src/b.js", js.ValueOf(map[string]interface{}{}))

	r.prune([]string{"/src/a.js"})

	if _, ok := r.modules["/src/a.js"]; ok {
		t.Error("/src/a.js should have been pruned")
	}
	if _, ok := r.modules["/src/b.js"]; !ok {
		t.Error("/src/b.js should not have been pruned")
	}
}

func TestRuntimeApplyUpdateUnknownModuleNoops(t *testing.T) {
	r := New(DynamicImportLoader)
	r.applying = true

	// No module named this exists; applying an update for it should not
	// panic and should release the applying flag via finishApply.
	r.applyUpdate("/src/missing.js")

	if r.applying {
		t.Error("applying flag should be cleared after a no-op update")
	}
}

func TestRuntimeApplyUpdatePreservesHotDataAndRunsAccept(t *testing.T) {
	loaderCalls := 0
	fakeLoader := func(file string, cacheBust int64) js.Value {
		loaderCalls++
		newExports := js.ValueOf(map[string]interface{}{"v": cacheBust})
		resolve, promise := newPromiseValue()
		resolve(newExports)
		return promise
	}

	r := New(fakeLoader)
	hot := r.RegisterModule("/src/counter.js", js.ValueOf(map[string]interface{}{}))
	hot.Data = 42

	done := make(chan struct{})
	var acceptedData interface{}
	hot.Accept(func(js.Value) {
		rec := r.modules["/src/counter.js"]
		acceptedData = rec.hot.Data
		close(done)
	})

	r.applying = true
	r.applyUpdate("/src/counter.js")
	<-done

	if loaderCalls != 1 {
		t.Errorf("expected loader to be called once, got %d", loaderCalls)
	}
	if acceptedData != 42 {
		t.Errorf("hot.Data was not preserved across the swap, got %v", acceptedData)
	}
}

func TestRunGuardedWithArgCapturesPanic(t *testing.T) {
	detail, failed := runGuardedWithArg(func(js.Value) {
		panic("accept handler exploded")
	}, js.Undefined())

	if !failed {
		t.Fatal("expected failed=true for a panicking callback")
	}
	if detail == "" {
		t.Error("expected a non-empty panic detail")
	}

	detail, failed = runGuardedWithArg(func(js.Value) {}, js.Undefined())
	if failed || detail != "" {
		t.Errorf("expected no failure for a well-behaved callback, got failed=%v detail=%q", failed, detail)
	}
}

// TestRuntimeApplyUpdateIsolatesPanickingAcceptCallback checks that a
// panicking accept callback doesn't take down the apply cycle and that
// the runtime still reaches finishApply (i.e. clears the applying
// flag) once the handler panics. reportApplyError is a no-op here since
// Connect was never called and r.ws is still the zero Value.
func TestRuntimeApplyUpdateIsolatesPanickingAcceptCallback(t *testing.T) {
	fakeLoader := func(file string, cacheBust int64) js.Value {
		resolve, promise := newPromiseValue()
		resolve(js.ValueOf(map[string]interface{}{}))
		return promise
	}

	r := New(fakeLoader)
	var loggedPanic bool
	r.onLog = func(msg string) {
		if strings.Contains(msg, "panicked") {
			loggedPanic = true
		}
	}

	hot := r.RegisterModule("/src/broken.js", js.ValueOf(map[string]interface{}{}))

	done := make(chan struct{})
	hot.Accept(func(js.Value) {
		panic("boom")
	})
	// second accept callback should still run even though the first panicked
	ranSecond := false
	hot.acceptCallbacks = append(hot.acceptCallbacks, func(js.Value) {
		ranSecond = true
		close(done)
	})

	r.applying = true
	r.applyUpdate("/src/broken.js")
	<-done

	if !loggedPanic {
		t.Error("expected the panic to be logged")
	}
	if !ranSecond {
		t.Error("a panicking accept callback must not block later callbacks from running")
	}
	if r.applying {
		t.Error("applying flag should be cleared once the cycle finishes despite the panic")
	}
}

// TestRuntimeSavesAndRestoresHotDataAcrossWasmReload checks the
// save-before-reload / restore-on-init path: a "wasm-reload" message
// snapshots every module's hot.Data into the JS global, and a fresh
// Runtime constructed afterward (standing in for the replacement wasm
// instance) hands that data back out through RegisterModule.
func TestRuntimeSavesAndRestoresHotDataAcrossWasmReload(t *testing.T) {
	js.Global().Set(wasmHotDataKey, js.Undefined())
	js.Global().Set("__pulseWasmState", js.Undefined())

	r := New(DynamicImportLoader)
	r.onFullPage = func() {} // stand in for the real page reload

	hot := r.RegisterModule("/src/counter.js", js.ValueOf(map[string]interface{}{}))
	hot.Data = map[string]interface{}{"count": float64(7)}

	r.handleRawMessage(`{"type":"wasm-reload","file":"/src/counter.js","hash":"h1"}`)

	fresh := New(DynamicImportLoader)
	restored := fresh.RegisterModule("/src/counter.js", js.ValueOf(map[string]interface{}{}))

	data, ok := restored.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected restored hot.Data to be a map, got %#v", restored.Data)
	}
	if data["count"] != float64(7) {
		t.Errorf("restored hot.Data[count] = %v, want 7", data["count"])
	}

	// A second RegisterModule call for the same file should not see the
	// snapshot again; it was consumed by the first restore.
	again := fresh.RegisterModule("/src/counter.js", js.ValueOf(map[string]interface{}{}))
	if again.Data != nil {
		t.Errorf("expected the restored snapshot to be consumed once, got %#v", again.Data)
	}
}

// newPromiseValue builds a native Promise together with a resolve
// function, mirroring the construct new Promise((resolve) => ...)
// exposes in JS, so fakes can hand back a real thenable.
func newPromiseValue() (func(js.Value), js.Value) {
	var resolveFn js.Value
	promise := js.Global().Get("Promise").New(js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		resolveFn = args[0]
		return nil
	}))
	resolve := func(v js.Value) {
		resolveFn.Invoke(v)
	}
	return resolve, promise
}

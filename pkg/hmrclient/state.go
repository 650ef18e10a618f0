//go:build js && wasm
// +build js,wasm

package hmrclient

import (
	"encoding/json"
	"syscall/js"
)

// SaveWasmState stashes a value in a JS global ahead of a wasm-reload
// message. Unlike a JS module hot-swap, replacing the wasm binary wipes
// all Go memory, so any state that must survive has to live outside it
// for the instant between the old instance tearing down and the new
// one starting up.
func SaveWasmState[T any](key string, value T) {
	ensureWasmStateGlobal()
	state := js.Global().Get("__pulseWasmState")

	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	state.Set(key, string(data))
}

// LoadWasmState retrieves a value saved by SaveWasmState. Call this
// during startup, before WASM reload message handling begins, so a
// freshly instantiated binary can pick up where the old one left off.
func LoadWasmState[T any](key string) (T, bool) {
	var zero T
	ensureWasmStateGlobal()
	state := js.Global().Get("__pulseWasmState")
	val := state.Get(key)
	if val.IsUndefined() || val.IsNull() {
		return zero, false
	}

	var result T
	if err := json.Unmarshal([]byte(val.String()), &result); err != nil {
		return zero, false
	}
	return result, true
}

func ensureWasmStateGlobal() {
	if js.Global().Get("__pulseWasmState").IsUndefined() {
		js.Global().Set("__pulseWasmState", js.Global().Get("Object").New())
	}
}

package hmr

import "github.com/segmentio/encoding/json"

// MessageType enumerates every wire message the HMR protocol carries,
// both server→client and client→server, over a single WebSocket text
// frame channel.
type MessageType string

const (
	// Server → client.
	MsgTypeUpdate     MessageType = "update"
	MsgTypeFullReload MessageType = "full-reload"
	MsgTypeError      MessageType = "error"
	MsgTypePrune      MessageType = "prune"
	// WasmReload is not in the distilled wire protocol but is retained as
	// a real degree of freedom for modules that can never be source
	// patched; it behaves like FullReload scoped to one module.
	MsgTypeWasmReload MessageType = "wasm-reload"

	// Client → server.
	MsgTypeModuleLoaded MessageType = "module-loaded"
	// ApplyError reports that a module's own accept callback threw while
	// applying an update, so the server can fall back to a full reload
	// next time that file changes instead of patching it again.
	MsgTypeApplyError MessageType = "apply-error"
)

// Message is the single envelope type carried in both directions. Fields
// irrelevant to a given Type are omitted from the wire form by the
// `omitempty` tags; unknown types decode into a Message whose Type the
// receiver doesn't recognise and should log and ignore.
type Message struct {
	Type      MessageType `json:"type"`
	File      string      `json:"file,omitempty"`
	Path      string      `json:"path,omitempty"`
	Paths     []string    `json:"paths,omitempty"`
	Error     string      `json:"error,omitempty"`
	Stack     string      `json:"stack,omitempty"`
	Hash      string      `json:"hash,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// EncodeMessage marshals msg using the same fast JSON codec the rest of
// the pipeline uses, so a round trip through EncodeMessage/DecodeMessage
// is guaranteed to reproduce an equal value for every valid message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func newUpdateMessage(file ModuleID, ts int64) Message {
	return Message{Type: MsgTypeUpdate, File: string(file), Timestamp: ts}
}

func newFullReloadMessage(path string) Message {
	return Message{Type: MsgTypeFullReload, Path: path}
}

func newErrorMessage(file ModuleID, err error, ts int64) Message {
	m := Message{Type: MsgTypeError, File: string(file), Timestamp: ts}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

func newPruneMessage(paths []ModuleID) Message {
	strs := make([]string, len(paths))
	for i, p := range paths {
		strs[i] = string(p)
	}
	return Message{Type: MsgTypePrune, Paths: strs}
}

func newWasmReloadMessage(file, hash string) Message {
	return Message{Type: MsgTypeWasmReload, File: file, Hash: hash}
}

func newApplyErrorMessage(file, errMsg string) Message {
	return Message{Type: MsgTypeApplyError, File: file, Error: errMsg}
}

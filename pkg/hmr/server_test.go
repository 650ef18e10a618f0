package hmr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// stubTransformer returns Code identical to the raw source and a fixed
// dependency list, letting tests control the graph shape without a real
// ESM scanner.
type stubTransformer struct {
	deps map[string][]string
}

func (s *stubTransformer) Transform(file string, code []byte, hmrEnabled bool) (TransformResult, error) {
	if strings.Contains(string(code), "SYNTAX ERROR") {
		return TransformResult{}, errInvalidSyntax
	}
	return TransformResult{Code: string(code), Deps: s.deps[file]}, nil
}

var errInvalidSyntax = &testSyntaxError{}

type testSyntaxError struct{}

func (*testSyntaxError) Error() string { return "unexpected token" }

func newTestServer(t *testing.T, root string, deps map[string][]string) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(ServerOptions{
		Root:        root,
		Transformer: &stubTransformer{deps: deps},
		Batcher:     BatcherOptions{BatchWindow: 10 * time.Millisecond, Concurrency: 2},
	})
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func recvMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return msg
}

func TestServerPushesUpdateToLoadedClient(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", "export const a = 1;")

	srv, ts := newTestServer(t, root, nil)

	// a.ts accepts its own updates; a module with no importers and no
	// accept declaration would force a full reload instead of an update.
	srv.Graph().UpdateModule("a.ts", "seed", "seed-hash", nil, true, srv.clients.IsLoadedByAny)
	srv.Graph().GetModule("a.ts").Hot.Accept(nil)

	conn := dial(t, ts)

	if err := conn.WriteJSON(Message{Type: MsgTypeModuleLoaded, File: "a.ts"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond) // let the server process module-loaded before the change lands

	completion := srv.NotifyChange("a.ts", PriorityNormal)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := completion.Wait(ctx); err != nil {
		t.Fatalf("NotifyChange completion error: %v", err)
	}

	msg := recvMessage(t, conn, time.Second)
	if msg.Type != MsgTypeUpdate || msg.File != "a.ts" {
		t.Fatalf("got %+v, want update for a.ts", msg)
	}
}

func TestServerSendsErrorOnTransformFailure(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "broken.ts", "SYNTAX ERROR")

	srv, ts := newTestServer(t, root, nil)
	conn := dial(t, ts)

	if err := conn.WriteJSON(Message{Type: MsgTypeModuleLoaded, File: "broken.ts"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	srv.NotifyChange("broken.ts", PriorityNormal)

	msg := recvMessage(t, conn, time.Second)
	if msg.Type != MsgTypeError || msg.File != "broken.ts" {
		t.Fatalf("got %+v, want error for broken.ts", msg)
	}
}

func TestServerFullReloadWhenDescendantDeclines(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", "export const a = 1;")
	writeFile(t, root, "b.ts", "import { a } from './a.ts';")

	deps := map[string][]string{"b.ts": {"a.ts"}}
	srv, ts := newTestServer(t, root, deps)

	// Seed the graph with b importing a, and decline HMR on b, before the
	// change to a arrives.
	srv.Graph().UpdateModule("b.ts", "import-stub", "seed-hash", []ModuleID{"a.ts"}, true, srv.clients.IsLoadedByAny)
	srv.Graph().GetModule("b.ts").Hot.Decline()

	conn := dial(t, ts)
	if err := conn.WriteJSON(Message{Type: MsgTypeModuleLoaded, File: "a.ts"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(Message{Type: MsgTypeModuleLoaded, File: "b.ts"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	srv.NotifyChange("a.ts", PriorityNormal)

	msg := recvMessage(t, conn, time.Second)
	if msg.Type != MsgTypeFullReload {
		t.Fatalf("got %+v, want full-reload", msg)
	}
}

func TestServerTracksPageUsageForEntryModules(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.ts", "import { a } from './a.ts';")
	writeFile(t, root, "a.ts", "export const a = 1;")

	deps := map[string][]string{"main.ts": {"a.ts"}}
	srv := NewServer(ServerOptions{
		Root:           root,
		Transformer:    &stubTransformer{deps: deps},
		ProjectEntries: []ModuleID{"main.ts"},
		Batcher:        BatcherOptions{BatchWindow: 10 * time.Millisecond, Concurrency: 2},
	})
	t.Cleanup(srv.Close)

	completion := srv.NotifyChange("main.ts", PriorityNormal)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := completion.Wait(ctx); err != nil {
		t.Fatalf("NotifyChange completion error: %v", err)
	}

	pages := srv.Usage().AffectedPages("a.ts")
	if len(pages) != 1 || pages[0] != "main.ts" {
		t.Fatalf("AffectedPages(a.ts) = %v, want [main.ts]", pages)
	}
}

func TestServerApplyErrorForcesFullReloadOnNextChange(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.ts", "export const a = 1;")

	srv, ts := newTestServer(t, root, nil)
	conn := dial(t, ts)

	if err := conn.WriteJSON(Message{Type: MsgTypeModuleLoaded, File: "a.ts"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(Message{Type: MsgTypeApplyError, File: "a.ts", Error: "boom"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	srv.mu.Lock()
	dirty := srv.dirty["a.ts"]
	srv.mu.Unlock()
	if !dirty {
		t.Fatal("apply-error should mark the file dirty")
	}

	writeFile(t, root, "a.ts", "export const a = 2;")
	srv.NotifyChange("a.ts", PriorityNormal)

	msg := recvMessage(t, conn, time.Second)
	if msg.Type != MsgTypeFullReload {
		t.Fatalf("got %+v, want full-reload after a prior apply-error", msg)
	}
}

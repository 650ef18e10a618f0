package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherEmitsSingleEventForBurst(t *testing.T) {
	root := t.TempDir()
	w, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.WithIdleWindow(15 * time.Millisecond)
	defer w.Close()

	if err := w.Add(root); err != nil {
		t.Fatalf("Add: %v", err)
	}
	w.Start()

	path := filepath.Join(root, "a.ts")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("v"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	select {
	case ev := <-w.Changes():
		if ev.Path != "a.ts" {
			t.Fatalf("Path = %q, want a.ts", ev.Path)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a coalesced change event")
	}

	select {
	case ev := <-w.Changes():
		t.Fatalf("expected exactly one event for the burst, got a second: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

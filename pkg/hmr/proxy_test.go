package hmr

import "testing"

func TestTrackedExportsRecordsAccessedNames(t *testing.T) {
	view, tracker := NewTrackedExports(map[string]interface{}{
		"default": "component",
		"title":   "hello",
		"count":   1,
	})

	_ = view.Get("title")
	_ = view.Get("count")
	_ = view.Get("missing")

	got := tracker.AccessedNames()
	want := map[string]struct{}{"title": {}, "count": {}, "missing": {}}
	if len(got) != len(want) {
		t.Fatalf("AccessedNames() = %v, want %v", got, want)
	}
	for k := range want {
		if _, ok := got[k]; !ok {
			t.Fatalf("AccessedNames() missing key %q", k)
		}
	}
}

func TestTrackedExportsSetIsTracked(t *testing.T) {
	view, tracker := NewTrackedExports(nil)
	view.Set("default", "value")

	names := tracker.AccessedNames()
	if _, ok := names["default"]; !ok {
		t.Fatalf("Set should record an access, got %v", names)
	}
}

func TestTrackedExportsReset(t *testing.T) {
	view, tracker := NewTrackedExports(map[string]interface{}{"a": 1})
	_ = view.Get("a")
	tracker.Reset()

	if got := tracker.AccessedNames(); len(got) != 0 {
		t.Fatalf("AccessedNames() after Reset = %v, want empty", got)
	}
}

func TestTrackedExportsNestedAccessSharesTracker(t *testing.T) {
	view, tracker := NewTrackedExports(map[string]interface{}{
		"nested": map[string]interface{}{"inner": "value"},
	})

	nested := view.Get("nested").(*TrackedExports)
	_ = nested.Get("inner")

	names := tracker.AccessedNames()
	if _, ok := names["nested"]; !ok {
		t.Fatal("expected outer key 'nested' tracked")
	}
	if _, ok := names["inner"]; !ok {
		t.Fatal("expected inner key 'inner' tracked through shared tracker")
	}
	if nested.Tracker() != tracker {
		t.Fatal("nested view should share the same tracker instance")
	}
}

func TestTrackedExportsRawIsUntrackedCopy(t *testing.T) {
	view, tracker := NewTrackedExports(map[string]interface{}{"a": 1})
	_ = view.Raw()

	if got := tracker.AccessedNames(); len(got) != 0 {
		t.Fatalf("Raw() should not record accesses, got %v", got)
	}
}

package store

import (
	"context"
	"testing"
)

type rec struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
	Owner  string `json:"owner,omitempty"`
}

func TestMemoryWriteReadDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Write(ctx, "jobs/a", rec{Name: "one"}); err != nil {
		t.Fatal(err)
	}
	raw, err := m.Read(ctx, "jobs/a")
	if err != nil {
		t.Fatal(err)
	}
	var got rec
	if err := Decode(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "one" {
		t.Fatalf("got %+v", got)
	}

	if err := m.Delete(ctx, "jobs/a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Read(ctx, "jobs/a"); err != ErrNotFound {
		t.Fatalf("read after delete: %v", err)
	}
	// deleting twice is fine
	if err := m.Delete(ctx, "jobs/a"); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryPatchMergesTopLevel(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Write(ctx, "jobs/a", rec{Name: "one", Status: "New"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Patch(ctx, "jobs/a", map[string]any{"status": "Assigned"}); err != nil {
		t.Fatal(err)
	}
	raw, _ := m.Read(ctx, "jobs/a")
	var got rec
	_ = Decode(raw, &got)
	if got.Name != "one" || got.Status != "Assigned" {
		t.Fatalf("got %+v", got)
	}
	// patching an absent record creates it
	if err := m.Patch(ctx, "jobs/b", map[string]any{"status": "New"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Read(ctx, "jobs/b"); err != nil {
		t.Fatal(err)
	}
}

func TestMemorySubscribeDeliversFullSnapshots(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Write(ctx, "jobs/a", rec{Name: "one"})

	var snaps []Snapshot
	cancel, err := m.Subscribe("jobs", func(s Snapshot) { snaps = append(snaps, s) })
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || len(snaps[0]) != 1 {
		t.Fatalf("initial snapshot missing: %v", snaps)
	}

	_ = m.Write(ctx, "jobs/b", rec{Name: "two"})
	if len(snaps) != 2 || len(snaps[1]) != 2 {
		t.Fatalf("expected full 2-record snapshot, got %v", snaps)
	}

	_ = m.Delete(ctx, "jobs/a")
	last := snaps[len(snaps)-1]
	if _, ok := last["a"]; ok {
		t.Fatal("deleted record still present in snapshot")
	}

	cancel()
	n := len(snaps)
	_ = m.Write(ctx, "jobs/c", rec{Name: "three"})
	if len(snaps) != n {
		t.Fatal("callback fired after cancel")
	}

	// a fresh subscription confirms absence of the deleted record
	var fresh Snapshot
	cancel2, _ := m.Subscribe("jobs", func(s Snapshot) { fresh = s })
	defer cancel2()
	if _, ok := fresh["a"]; ok {
		t.Fatal("deleted record visible to new subscriber")
	}
}

func TestMemorySubscribeMatchFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Write(ctx, "jobs/a", rec{Name: "one", Owner: "d1"})
	_ = m.Write(ctx, "jobs/b", rec{Name: "two", Owner: "d2"})

	var last Snapshot
	cancel, err := m.SubscribeMatch("jobs", "owner", "d1", func(s Snapshot) { last = s })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	if len(last) != 1 {
		t.Fatalf("want 1 match, got %d", len(last))
	}

	_ = m.Write(ctx, "jobs/c", rec{Name: "three", Owner: "d1"})
	if len(last) != 2 {
		t.Fatalf("want 2 matches after write, got %d", len(last))
	}
}

func TestMemoryQuery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Write(ctx, "jobs/a", rec{Owner: "d1"})
	_ = m.Write(ctx, "jobs/b", rec{Owner: "d2"})
	snap, err := m.Query(ctx, "jobs", "owner", "d2")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 1 {
		t.Fatalf("want 1, got %d", len(snap))
	}
	if _, ok := snap["b"]; !ok {
		t.Fatal("wrong record matched")
	}
}

func TestGeneratedKeysAreUniqueAndOrdered(t *testing.T) {
	m := NewMemory()
	prev := ""
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		k := m.GenerateKey("jobs")
		if seen[k] {
			t.Fatalf("duplicate key %q", k)
		}
		seen[k] = true
		if k < prev {
			t.Fatalf("key %q sorts before earlier key %q", k, prev)
		}
		prev = k
	}
}

func TestSplitPath(t *testing.T) {
	c, k, err := SplitPath("jobs/abc")
	if err != nil || c != "jobs" || k != "abc" {
		t.Fatalf("got %q %q %v", c, k, err)
	}
	for _, bad := range []string{"jobs", "jobs/", "/abc", ""} {
		if _, _, err := SplitPath(bad); err == nil {
			t.Fatalf("path %q accepted", bad)
		}
	}
}

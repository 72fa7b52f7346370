package views

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/store"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeMap struct {
	markers map[string]markerState
}

type markerState struct {
	lat, lng float64
	label    string
	upserts  int
}

func newFakeMap() *fakeMap { return &fakeMap{markers: map[string]markerState{}} }

func (f *fakeMap) UpsertMarker(key string, lat, lng float64, label string) {
	m := f.markers[key]
	m.lat, m.lng, m.label = lat, lng, label
	m.upserts++
	f.markers[key] = m
}

func (f *fakeMap) RemoveMarker(key string) { delete(f.markers, key) }

func startDispatcher(t *testing.T, m *store.Memory, now int64) (*Dispatcher, *fakeMap) {
	t.Helper()
	fm := newFakeMap()
	v := &Dispatcher{Store: m, Map: fm, Logger: discard(), Now: func() int64 { return now }}
	if err := v.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(v.Close)
	return v, fm
}

func TestAssignableListAndOnlineCount(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	now := int64(10_000_000)

	_ = m.Write(ctx, "drivers/a", models.Driver{Name: "Ann", Location: &models.Location{Lat: 1, Lng: 2, Timestamp: now - 119_999}})
	_ = m.Write(ctx, "drivers/b", models.Driver{Email: "bob@tow.example", Location: &models.Location{Lat: 3, Lng: 4, Timestamp: now - 120_000}})
	_ = m.Write(ctx, "drivers/c", models.Driver{Name: "Cy"})

	v, _ := startDispatcher(t, m, now)
	st := v.State()

	if st.OnlineCount != 1 {
		t.Fatalf("onlineCount = %d", st.OnlineCount)
	}
	if len(st.Options) != 4 {
		t.Fatalf("options = %v", st.Options)
	}
	if st.Options[0].ID != "" || st.Options[0].Label != UnassignedLabel {
		t.Fatalf("sentinel missing: %+v", st.Options[0])
	}
	if st.Options[1].Label != "Ann • online" || !st.Options[1].Online {
		t.Fatalf("online annotation missing: %+v", st.Options[1])
	}
	if st.Options[2].Label != "bob@tow.example" || st.Options[2].Online {
		t.Fatalf("stale driver mislabeled: %+v", st.Options[2])
	}
}

func TestMarkerReconciliation(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	now := int64(10_000_000)

	_ = m.Write(ctx, "drivers/a", models.Driver{Name: "Ann", Status: models.DriverOnline, Location: &models.Location{Lat: 1, Lng: 2, Timestamp: now}})
	v, fm := startDispatcher(t, m, now)

	mk, ok := fm.markers["a"]
	if !ok || mk.lat != 1 || mk.label != "Ann • Online" {
		t.Fatalf("marker = %+v ok=%v", mk, ok)
	}

	// moved: updated in place
	_ = m.Patch(ctx, "drivers/a", map[string]any{"location": models.Location{Lat: 5, Lng: 6, Timestamp: now + 1}})
	mk = fm.markers["a"]
	if mk.lat != 5 || mk.upserts < 2 {
		t.Fatalf("marker not updated: %+v", mk)
	}

	// location gone: marker removed
	_ = m.Patch(ctx, "drivers/a", map[string]any{"location": nil})
	if _, ok := fm.markers["a"]; ok {
		t.Fatal("marker survived location loss")
	}

	// comes back, then the view closes and takes its markers with it
	_ = m.Patch(ctx, "drivers/a", map[string]any{"location": models.Location{Lat: 7, Lng: 8, Timestamp: now + 2}})
	if _, ok := fm.markers["a"]; !ok {
		t.Fatal("marker missing after re-report")
	}
	v.Close()
	if len(fm.markers) != 0 {
		t.Fatalf("markers leaked: %v", fm.markers)
	}
}

func jobsSnapshot(t *testing.T, m *store.Memory) store.Snapshot {
	t.Helper()
	var snap store.Snapshot
	cancel, err := m.Subscribe("jobs", func(s store.Snapshot) { snap = s })
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	return snap
}

func seedJobs(t *testing.T, m *store.Memory) {
	t.Helper()
	ctx := context.Background()
	write := func(j models.Job) {
		_ = m.Write(ctx, "jobs/"+store.NewKey(), j)
	}
	write(models.Job{Status: "New", Customer: "Alice", Pickup: "5th Ave", Service: "Light Duty Tow", Phone: "555-1000"})
	write(models.Job{Status: "En Route", Customer: "Bob", Pickup: "Main St", Service: "Flatbed", Phone: "555-2000"})
	write(models.Job{Status: "New", Customer: "Carol", Dropoff: "Main St Garage", Service: "Winch Out", Phone: "555-3000"})
}

func TestDispatcherViewSilentAfterClose(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	now := int64(10_000_000)
	_ = m.Write(ctx, "drivers/a", models.Driver{Name: "Ann", Location: &models.Location{Lat: 1, Lng: 2, Timestamp: now}})

	fm := newFakeMap()
	fired := 0
	v := &Dispatcher{Store: m, Map: fm, Logger: discard(), Now: func() int64 { return now },
		OnChange: func() { fired++ }}
	if err := v.Start(); err != nil {
		t.Fatal(err)
	}
	v.Close()
	after := fired
	if len(fm.markers) != 0 {
		t.Fatalf("markers survive Close: %v", fm.markers)
	}

	// a snapshot still in flight when Close ran must not fire OnChange or
	// place markers again
	raw, _ := json.Marshal(models.Driver{Name: "Ann", Location: &models.Location{Lat: 1, Lng: 2, Timestamp: now}})
	v.onDrivers(store.Snapshot{"a": raw})
	if fired != after {
		t.Fatalf("OnChange fired after Close: %d then %d", after, fired)
	}
	if len(fm.markers) != 0 {
		t.Fatalf("marker placed after Close: %v", fm.markers)
	}
}

func TestFilterJobsNewestFirst(t *testing.T) {
	m := store.NewMemory()
	seedJobs(t, m)
	snap := jobsSnapshot(t, m)

	all := FilterJobs(snap, "", "")
	if len(all) != 3 {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].Customer != "Carol" || all[2].Customer != "Alice" {
		t.Fatalf("not newest-first: %v, %v", all[0].Customer, all[2].Customer)
	}
}

func TestFilterAndSearchCommute(t *testing.T) {
	m := store.NewMemory()
	seedJobs(t, m)
	snap := jobsSnapshot(t, m)

	filtered := FilterJobs(snap, "New", "main")

	// filter first, then search over the survivors
	viaFilter := map[string]bool{}
	for _, j := range FilterJobs(snap, "New", "") {
		if matchesSearch(j, "main") {
			viaFilter[j.ID] = true
		}
	}
	// search first, then filter the survivors
	viaSearch := map[string]bool{}
	for _, j := range FilterJobs(snap, "", "main") {
		if j.Status == "New" {
			viaSearch[j.ID] = true
		}
	}

	if len(filtered) != len(viaFilter) || len(filtered) != len(viaSearch) {
		t.Fatalf("sizes differ: both=%d filter-first=%d search-first=%d", len(filtered), len(viaFilter), len(viaSearch))
	}
	for _, j := range filtered {
		if !viaFilter[j.ID] || !viaSearch[j.ID] {
			t.Fatalf("job %s missing from a composition order", j.ID)
		}
	}
	if len(filtered) != 1 || filtered[0].Customer != "Carol" {
		t.Fatalf("unexpected result: %+v", filtered)
	}
}

func TestSearchIsCaseInsensitiveAcrossFields(t *testing.T) {
	m := store.NewMemory()
	seedJobs(t, m)
	snap := jobsSnapshot(t, m)

	for _, q := range []string{"ALICE", "5th", "555-3000", "flatbed"} {
		if got := FilterJobs(snap, "", q); len(got) != 1 {
			t.Fatalf("query %q matched %d jobs", q, len(got))
		}
	}
	if got := FilterJobs(snap, "", "nowhere"); len(got) != 0 {
		t.Fatalf("bogus query matched %d", len(got))
	}
}

func TestLiveFilterUpdates(t *testing.T) {
	m := store.NewMemory()
	seedJobs(t, m)
	changes := 0
	v := &Dispatcher{Store: m, Logger: discard(), OnChange: func() { changes++ }}
	if err := v.Start(); err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	v.SetFilter("En Route")
	st := v.State()
	if st.JobCount != 1 || st.Jobs[0].Customer != "Bob" {
		t.Fatalf("state = %+v", st)
	}
	v.SetSearch("bob")
	if st := v.State(); st.JobCount != 1 {
		t.Fatalf("jobCount = %d", st.JobCount)
	}
	v.SetSearch("alice")
	if st := v.State(); st.JobCount != 0 {
		t.Fatalf("jobCount = %d", st.JobCount)
	}
	if changes < 4 {
		t.Fatalf("OnChange fired %d times", changes)
	}
}

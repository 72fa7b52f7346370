package views

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/store"
)

func TestDriverViewNoJob(t *testing.T) {
	m := store.NewMemory()
	v := &Driver{Store: m, Logger: discard(), DriverID: "d1"}
	if err := v.Start(); err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	st := v.State()
	if st.Job != nil {
		t.Fatalf("job = %+v", st.Job)
	}
	if len(st.Buttons) != 3 {
		t.Fatalf("buttons = %v", st.Buttons)
	}
	for _, b := range st.Buttons {
		if b.Enabled {
			t.Fatalf("button %q enabled with no job", b.Status)
		}
	}
}

func TestDriverViewFollowsAssignment(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	v := &Driver{Store: m, Logger: discard(), DriverID: "d1"}
	if err := v.Start(); err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	_ = m.Write(ctx, "jobs/j1", models.Job{Customer: "Ana", Status: "Assigned", DriverID: "d1"})
	st := v.State()
	if st.Job == nil || st.Job.Customer != "Ana" {
		t.Fatalf("job = %+v", st.Job)
	}
	for _, b := range st.Buttons {
		if !b.Enabled {
			t.Fatalf("button %q disabled with a job", b.Status)
		}
	}
	want := []string{"En Route", "Hooked", "Delivered"}
	for i, b := range st.Buttons {
		if b.Status != want[i] {
			t.Fatalf("buttons = %v", st.Buttons)
		}
	}

	// unassignment flows back to the no-job state
	_ = m.Patch(ctx, "jobs/j1", map[string]any{"driverId": "d2"})
	if st := v.State(); st.Job != nil {
		t.Fatalf("job should be gone: %+v", st.Job)
	}
}

func TestDriverViewPicksOneOfDuplicates(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	_ = m.Write(ctx, "jobs/a", models.Job{Customer: "First", DriverID: "d1"})
	_ = m.Write(ctx, "jobs/b", models.Job{Customer: "Second", DriverID: "d1"})

	v := &Driver{Store: m, Logger: discard(), DriverID: "d1"}
	if err := v.Start(); err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	// two jobs point at the same driver; exactly one is surfaced, no error
	st := v.State()
	if st.Job == nil || st.Job.ID != "a" {
		t.Fatalf("job = %+v", st.Job)
	}

	// the pick is stable across re-deliveries
	_ = m.Write(ctx, "jobs/b", models.Job{Customer: "Second again", DriverID: "d1"})
	if st := v.State(); st.Job == nil || st.Job.ID != "a" {
		t.Fatalf("pick moved: %+v", st.Job)
	}
}

func TestDriverViewSilentAfterClose(t *testing.T) {
	m := store.NewMemory()
	fired := 0
	v := &Driver{Store: m, Logger: discard(), DriverID: "d1", OnChange: func() { fired++ }}
	if err := v.Start(); err != nil {
		t.Fatal(err)
	}
	v.Close()
	after := fired

	// a snapshot still in flight when Close ran must neither fire OnChange
	// nor move the rendered state
	raw, _ := json.Marshal(models.Job{Customer: "Late", DriverID: "d1"})
	v.onJobs(store.Snapshot{"late": raw})
	if fired != after {
		t.Fatalf("OnChange fired after Close: %d then %d", after, fired)
	}
	if st := v.State(); st.Job != nil {
		t.Fatalf("state moved after Close: %+v", st.Job)
	}

	// closing twice is a no-op
	v.Close()
}

func TestDriverViewIgnoresOtherDrivers(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	_ = m.Write(ctx, "jobs/x", models.Job{Customer: "Other", DriverID: "d9"})

	v := &Driver{Store: m, Logger: discard(), DriverID: "d1"}
	if err := v.Start(); err != nil {
		t.Fatal(err)
	}
	defer v.Close()
	if st := v.State(); st.Job != nil {
		t.Fatalf("job = %+v", st.Job)
	}
}

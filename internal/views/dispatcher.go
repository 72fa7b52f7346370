// Package views holds the two top-level projections: the dispatcher board
// and the driver job panel. Each owns exactly one live subscription per
// watched collection and treats every callback as a total replacement of
// its local state.
package views

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/presence"
	"github.com/example/tow-dispatch/internal/store"
)

// MapWidget is the mapping boundary: keyed markers, upserted and removed.
type MapWidget interface {
	UpsertMarker(key string, lat, lng float64, label string)
	RemoveMarker(key string)
}

// DriverOption is one entry of the assignable-driver list.
type DriverOption struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Online bool   `json:"online"`
}

// UnassignedLabel is the sentinel heading the assignable list.
const UnassignedLabel = "— Unassigned —"

// DispatcherState is the rendered dispatcher board.
type DispatcherState struct {
	Options     []DriverOption `json:"options"`
	OnlineCount int            `json:"onlineCount"`
	Jobs        []models.Job   `json:"jobs"`
	JobCount    int            `json:"jobCount"`
}

// Dispatcher projects the full driver and job collections into the
// assignable list, the online count, the map markers, and the filtered job
// list. Markers live in a keyed table owned here, reconciled against each
// driver snapshot.
type Dispatcher struct {
	Store  store.Store
	Map    MapWidget
	Logger *slog.Logger
	// Now is the clock used for the staleness rule; nil means wall clock.
	Now func() int64
	// OnChange fires after any state recompute, for push delivery.
	OnChange func()

	mu      sync.Mutex
	closed  bool
	drivers store.Snapshot
	jobs    store.Snapshot
	filter  string
	search  string
	markers map[string]bool
	state   DispatcherState
	cancels []store.CancelFunc

	// cbMu serializes OnChange so Close can wait out an in-flight callback
	cbMu sync.Mutex
}

// Start opens the two collection subscriptions. The initial snapshots are
// delivered before Start returns.
func (v *Dispatcher) Start() error {
	v.mu.Lock()
	v.markers = make(map[string]bool)
	v.mu.Unlock()

	cancelDrivers, err := v.Store.Subscribe("drivers", v.onDrivers)
	if err != nil {
		return err
	}
	cancelJobs, err := v.Store.Subscribe("jobs", v.onJobs)
	if err != nil {
		cancelDrivers()
		return err
	}
	v.mu.Lock()
	v.cancels = []store.CancelFunc{cancelDrivers, cancelJobs}
	v.mu.Unlock()
	return nil
}

// Close tears down all subscriptions. Markers the view placed are removed
// so nothing owned here outlives the session. After Close returns, neither
// OnChange nor the Map is invoked again, even by a callback already in
// flight when the subscriptions were cancelled.
func (v *Dispatcher) Close() {
	v.mu.Lock()
	cancels := v.cancels
	v.cancels = nil
	keys := make([]string, 0, len(v.markers))
	for k := range v.markers {
		keys = append(keys, k)
	}
	v.markers = make(map[string]bool)
	v.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	if v.Map != nil {
		for _, k := range keys {
			v.Map.RemoveMarker(k)
		}
	}
	v.changed()

	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	// wait out a callback that passed the closed check before it was set
	v.cbMu.Lock()
	defer v.cbMu.Unlock()
}

// SetFilter narrows the job list to one status; empty means all.
func (v *Dispatcher) SetFilter(status string) {
	v.mu.Lock()
	v.filter = status
	v.recomputeJobsLocked()
	v.mu.Unlock()
	v.changed()
}

// SetSearch applies the case-insensitive substring search.
func (v *Dispatcher) SetSearch(q string) {
	v.mu.Lock()
	v.search = q
	v.recomputeJobsLocked()
	v.mu.Unlock()
	v.changed()
}

// State returns the current rendered board.
func (v *Dispatcher) State() DispatcherState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Dispatcher) onDrivers(snap store.Snapshot) {
	now := models.NowMillis()
	if v.Now != nil {
		now = v.Now()
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.drivers = snap

	options := []DriverOption{{ID: "", Label: UnassignedLabel}}
	online := 0
	seen := make(map[string]bool, len(snap))
	for _, uid := range store.KeysAsc(snap) {
		var d models.Driver
		if err := store.Decode(snap[uid], &d); err != nil {
			v.Logger.Warn("bad driver record", "driver_id", uid, "error", err)
			continue
		}
		name := d.DisplayName(uid)
		isOnline := presence.IsOnline(d.Location, now)
		if isOnline {
			online++
		}
		label := name
		if isOnline {
			label += " • online"
		}
		options = append(options, DriverOption{ID: uid, Label: label, Online: isOnline})

		if d.Location != nil {
			markerLabel := name
			if d.Status != "" {
				markerLabel += " • " + d.Status
			}
			seen[uid] = true
			v.markers[uid] = true
			if v.Map != nil {
				v.Map.UpsertMarker(uid, d.Location.Lat, d.Location.Lng, markerLabel)
			}
		}
	}
	// drop markers for drivers that lost their location or left entirely
	for uid := range v.markers {
		if !seen[uid] {
			delete(v.markers, uid)
			if v.Map != nil {
				v.Map.RemoveMarker(uid)
			}
		}
	}

	v.state.Options = options
	v.state.OnlineCount = online
	v.mu.Unlock()
	v.changed()
}

func (v *Dispatcher) onJobs(snap store.Snapshot) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.jobs = snap
	v.recomputeJobsLocked()
	v.mu.Unlock()
	v.changed()
}

func (v *Dispatcher) recomputeJobsLocked() {
	v.state.Jobs = FilterJobs(v.jobs, v.filter, v.search)
	v.state.JobCount = len(v.state.Jobs)
}

func (v *Dispatcher) changed() {
	v.cbMu.Lock()
	defer v.cbMu.Unlock()
	v.mu.Lock()
	fire := !v.closed && v.OnChange != nil
	v.mu.Unlock()
	if fire {
		v.OnChange()
	}
}

// FilterJobs applies the status filter and the search to a job snapshot,
// newest-first. Pure; filter and search commute.
func FilterJobs(snap store.Snapshot, filter, search string) []models.Job {
	q := strings.ToLower(search)
	out := make([]models.Job, 0, len(snap))
	for _, id := range store.KeysDesc(snap) {
		var j models.Job
		if err := store.Decode(snap[id], &j); err != nil {
			continue
		}
		j.ID = id
		if filter != "" && j.Status != filter {
			continue
		}
		if q != "" && !matchesSearch(j, q) {
			continue
		}
		out = append(out, j)
	}
	return out
}

// matchesSearch checks the lowercase concatenation of the searchable
// fields for the query substring.
func matchesSearch(j models.Job, q string) bool {
	text := strings.ToLower(strings.Join([]string{j.Customer, j.Pickup, j.Dropoff, j.Phone, j.Service}, " "))
	return strings.Contains(text, q)
}

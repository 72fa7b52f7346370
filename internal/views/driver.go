package views

import (
	"log/slog"
	"sync"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/status"
	"github.com/example/tow-dispatch/internal/store"
)

// StatusButton is one of the three driver actions, enabled only while a
// job is assigned.
type StatusButton struct {
	Status  string `json:"status"`
	Enabled bool   `json:"enabled"`
}

// DriverState is the rendered driver panel. Job is nil in the no-job
// state.
type DriverState struct {
	Job     *models.Job    `json:"job"`
	Buttons []StatusButton `json:"buttons"`
}

// Driver projects the jobs assigned to one driver into the single "my
// job" panel. The subscription is filtered at the store by driverId; when
// the single-assignment expectation is violated and several jobs match,
// the smallest key wins and the rest are silently ignored.
type Driver struct {
	Store    store.Store
	Logger   *slog.Logger
	DriverID string
	OnChange func()

	mu      sync.Mutex
	closed  bool
	state   DriverState
	cancels []store.CancelFunc

	// cbMu serializes OnChange so Close can wait out an in-flight callback
	cbMu sync.Mutex
}

// Start opens the filtered job subscription plus the keepalive
// subscription that holds the store connection open for the session.
func (v *Driver) Start() error {
	cancelJobs, err := v.Store.SubscribeMatch("jobs", "driverId", v.DriverID, v.onJobs)
	if err != nil {
		return err
	}
	cancelKeepalive, err := v.Store.Subscribe("presence", func(store.Snapshot) {})
	if err != nil {
		cancelJobs()
		return err
	}
	v.mu.Lock()
	v.cancels = []store.CancelFunc{cancelJobs, cancelKeepalive}
	v.mu.Unlock()
	return nil
}

// Close tears down the subscriptions. After Close returns, OnChange is not
// invoked again, even by a callback already in flight when the
// subscriptions were cancelled.
func (v *Driver) Close() {
	v.mu.Lock()
	cancels := v.cancels
	v.cancels = nil
	v.closed = true
	v.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	// wait out a callback that passed the closed check before it was set
	v.cbMu.Lock()
	defer v.cbMu.Unlock()
}

// State returns the current rendered panel.
func (v *Driver) State() DriverState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Driver) onJobs(snap store.Snapshot) {
	var job *models.Job
	keys := store.KeysAsc(snap)
	if len(keys) > 0 {
		var j models.Job
		if err := store.Decode(snap[keys[0]], &j); err != nil {
			v.Logger.Warn("bad job record", "job_id", keys[0], "error", err)
		} else {
			j.ID = keys[0]
			job = &j
		}
	}

	buttons := make([]StatusButton, 0, len(status.DriverActions))
	for _, s := range status.DriverActions {
		buttons = append(buttons, StatusButton{Status: s, Enabled: job != nil})
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.state = DriverState{Job: job, Buttons: buttons}
	v.mu.Unlock()

	v.cbMu.Lock()
	defer v.cbMu.Unlock()
	v.mu.Lock()
	fire := !v.closed && v.OnChange != nil
	v.mu.Unlock()
	if fire {
		v.OnChange()
	}
}

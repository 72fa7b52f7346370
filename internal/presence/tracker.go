package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/store"
)

// ErrCapabilityUnavailable means the device has no usable geolocation
// capability; tracking cannot start.
var ErrCapabilityUnavailable = errors.New("presence: geolocation capability unavailable")

// LocationError marks a single failed position report. Non-fatal: tracking
// continues and future fixes keep arriving from the capability.
type LocationError struct{ Err error }

func (e *LocationError) Error() string { return "presence: location report failed: " + e.Err.Error() }
func (e *LocationError) Unwrap() error { return e.Err }

// Handle identifies an active watch at the geolocation capability.
type Handle any

// Geolocator is the device location boundary. Watch delivers continuous
// position updates until Cancel; its internal retry policy is its own.
type Geolocator interface {
	Watch(onUpdate func(lat, lng float64), onError func(error)) (Handle, error)
	Cancel(Handle)
}

const driversCollection = "drivers"

// Tracker is the driver-side presence reporter. Two states, Idle and
// Tracking. Each position update overwrites the driver record's location
// wholesale and marks the driver Online; Stop marks Offline. Individual
// report failures are surfaced through OnError but never stop tracking,
// and nothing watches for a capability that goes silent.
type Tracker struct {
	Store    store.Store
	Geo      Geolocator
	Producer *LocationProducer // optional location event stream
	Logger   *slog.Logger

	DriverID string
	Email    string

	// OnError receives non-fatal per-report failures.
	OnError func(error)

	mu       sync.Mutex
	tracking bool
	handle   Handle
	lastTS   int64
}

// Start transitions Idle to Tracking. Starting an already-tracking tracker
// is a no-op.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tracking {
		return nil
	}
	if t.Geo == nil {
		return ErrCapabilityUnavailable
	}
	h, err := t.Geo.Watch(t.report, t.surface)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	t.handle = h
	t.tracking = true
	t.Logger.Info("gps tracking started", "driver_id", t.DriverID)
	return nil
}

// Stop transitions Tracking to Idle and writes the Offline status. The
// status write failure is returned but the watch is cancelled regardless.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.tracking {
		t.mu.Unlock()
		return nil
	}
	t.Geo.Cancel(t.handle)
	t.handle = nil
	t.tracking = false
	t.mu.Unlock()

	t.Logger.Info("gps tracking stopped", "driver_id", t.DriverID)
	err := t.Store.Patch(ctx, driversCollection+"/"+t.DriverID, map[string]any{
		"status": models.DriverOffline,
	})
	if err != nil {
		return fmt.Errorf("presence: offline write: %w", err)
	}
	return nil
}

// Tracking reports the current state.
func (t *Tracker) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracking
}

// report handles one position fix from the capability.
func (t *Tracker) report(lat, lng float64) {
	now := models.NowMillis()
	t.mu.Lock()
	// keep the report timestamp monotonic even if the wall clock steps back
	if now < t.lastTS {
		now = t.lastTS
	}
	t.lastTS = now
	t.mu.Unlock()

	loc := models.Location{Lat: lat, Lng: lng, Timestamp: now}
	if err := Report(context.Background(), t.Store, t.Producer, t.Logger, t.DriverID, t.Email, loc); err != nil {
		t.surface(err)
	}
}

// Report writes one position fix onto the driver record, overwriting the
// prior location wholesale and marking the driver Online, then streams the
// fix to the location topic when a producer is configured. The stream
// publish is best effort; the record write is the authoritative one.
func Report(ctx context.Context, s store.Store, producer *LocationProducer, logger *slog.Logger, driverID, email string, loc models.Location) error {
	fields := map[string]any{
		"status":   models.DriverOnline,
		"location": loc,
	}
	// a session without an address clears the field rather than writing ""
	if email == "" {
		fields["email"] = nil
	} else {
		fields["email"] = email
	}
	if err := s.Patch(ctx, driversCollection+"/"+driverID, fields); err != nil {
		return err
	}
	if producer != nil {
		if err := producer.Publish(ctx, driverID, loc); err != nil {
			logger.Warn("location publish failed", "driver_id", driverID, "error", err)
		}
	}
	return nil
}

// surface reports a non-fatal error to the caller without leaving the
// Tracking state.
func (t *Tracker) surface(err error) {
	le := &LocationError{Err: err}
	t.Logger.Warn("location error", "driver_id", t.DriverID, "error", err)
	if t.OnError != nil {
		t.OnError(le)
	}
}

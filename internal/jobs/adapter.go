// Package jobs is the store adapter for job records: creation, the
// denormalized driver-name snapshot, deletion and status transitions.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/payments"
	"github.com/example/tow-dispatch/internal/status"
	"github.com/example/tow-dispatch/internal/store"
)

const (
	jobsCollection    = "jobs"
	driversCollection = "drivers"
)

var (
	// ErrInvalidStatus rejects statuses outside the flow; job records only
	// ever hold flow members.
	ErrInvalidStatus = errors.New("jobs: status not in flow")
	// ErrStaleReference marks an operation against a job that no longer
	// exists, for the paths that reject rather than no-op.
	ErrStaleReference = errors.New("jobs: job no longer exists")
	// ErrNoAssignedJob means the driver has no job to act on.
	ErrNoAssignedJob = errors.New("jobs: no assigned job")
)

// Form is the dispatcher's job input. Empty Service and Priority fall back
// to the usual defaults.
type Form struct {
	Customer string `json:"customer"`
	Phone    string `json:"phone"`
	Vehicle  string `json:"vehicle"`
	Service  string `json:"service"`
	Pickup   string `json:"pickup"`
	Dropoff  string `json:"dropoff"`
	Priority string `json:"priority"`
	DriverID string `json:"driverId"`
}

// Adapter performs job record operations against the realtime store.
// Payments is optional; when present, job transitions drive hold, capture
// and release of the customer charge.
type Adapter struct {
	Store    store.Store
	Logger   *slog.Logger
	Payments payments.Charger
}

// CreateOrUpdate saves the form under existingID, or a freshly generated
// key when existingID is empty. The status is always reset to New here,
// including when editing an existing job; saving is the one way a job
// re-enters the top of the flow. Assigning a driver snapshots their
// display name onto the job and writes Assigned onto the driver record as
// a second, independent write; a failure between the two leaves the job
// assigned and the driver status untouched.
func (a *Adapter) CreateOrUpdate(ctx context.Context, form Form, existingID string) (string, error) {
	id := existingID
	if id == "" {
		id = a.Store.GenerateKey(jobsCollection)
	}
	if form.Service == "" {
		form.Service = models.DefaultService
	}
	if form.Priority == "" {
		form.Priority = models.PriorityNormal
	}

	driverName := ""
	if form.DriverID != "" {
		var d models.Driver
		raw, err := a.Store.Read(ctx, driversCollection+"/"+form.DriverID)
		if err == nil {
			_ = store.Decode(raw, &d)
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("jobs: driver lookup: %w", err)
		}
		driverName = d.DisplayName(form.DriverID)
	}

	job := models.Job{
		Ticket:     Ticket(id),
		Status:     status.New,
		Customer:   form.Customer,
		Phone:      form.Phone,
		Vehicle:    form.Vehicle,
		Service:    form.Service,
		Pickup:     form.Pickup,
		Dropoff:    form.Dropoff,
		Priority:   form.Priority,
		DriverID:   form.DriverID,
		DriverName: driverName,
		CreatedAt:  models.NowMillis(),
	}

	if form.DriverID != "" && a.Payments != nil {
		ref, err := a.Payments.Hold(ctx,
			payments.AmountForPriority(form.Priority), "usd", job.Ticket+" "+form.Service)
		if err != nil {
			a.Logger.Warn("payment hold failed", "job_id", id, "error", err)
		} else {
			job.PaymentRef = ref
		}
	}

	if err := a.Store.Write(ctx, jobsCollection+"/"+id, job); err != nil {
		return "", fmt.Errorf("jobs: save: %w", err)
	}
	if form.DriverID != "" {
		// cross-entity side effect, racing the driver's own Online/Offline
		// writes; last write wins
		err := a.Store.Patch(ctx, driversCollection+"/"+form.DriverID, map[string]any{
			"status": models.DriverAssigned,
		})
		if err != nil {
			return "", fmt.Errorf("jobs: driver status write: %w", err)
		}
	}
	a.Logger.Info("job saved", "job_id", id, "ticket", job.Ticket, "driver_id", form.DriverID)
	return id, nil
}

// Delete removes the job outright. Deleting an absent job is not an
// error; callers that need the confirm-then-delete rejection check
// existence first (see Get).
func (a *Adapter) Delete(ctx context.Context, id string) error {
	return a.Store.Delete(ctx, jobsCollection+"/"+id)
}

// Get reads one job, ErrStaleReference when it is gone.
func (a *Adapter) Get(ctx context.Context, id string) (models.Job, error) {
	raw, err := a.Store.Read(ctx, jobsCollection+"/"+id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, ErrStaleReference
	}
	if err != nil {
		return models.Job{}, err
	}
	var j models.Job
	if err := store.Decode(raw, &j); err != nil {
		return models.Job{}, err
	}
	j.ID = id
	return j, nil
}

// SetStatus writes a flow member onto the job. A job deleted between the
// caller's read and this call is a silent no-op.
func (a *Adapter) SetStatus(ctx context.Context, id, st string) error {
	if !status.Valid(st) {
		return ErrInvalidStatus
	}
	j, err := a.Get(ctx, id)
	if errors.Is(err, ErrStaleReference) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := a.Store.Patch(ctx, jobsCollection+"/"+id, map[string]any{"status": st}); err != nil {
		return fmt.Errorf("jobs: status write: %w", err)
	}
	a.settle(ctx, j, st)
	return nil
}

// Advance moves the job one step forward along the flow, saturating at
// the final member. Advancing a missing job is a silent no-op.
func (a *Adapter) Advance(ctx context.Context, id string) error {
	j, err := a.Get(ctx, id)
	if errors.Is(err, ErrStaleReference) {
		return nil
	}
	if err != nil {
		return err
	}
	next := status.Next(j.Status)
	if next == j.Status {
		return nil
	}
	if err := a.Store.Patch(ctx, jobsCollection+"/"+id, map[string]any{"status": next}); err != nil {
		return fmt.Errorf("jobs: status write: %w", err)
	}
	a.settle(ctx, j, next)
	return nil
}

// Cancel jumps the job straight to Canceled from any state.
func (a *Adapter) Cancel(ctx context.Context, id string) error {
	return a.SetStatus(ctx, id, status.Canceled)
}

// DriverSetStatus sets a flow member directly on the caller's assigned
// job. Deliberately not validated against the current status; the driver
// surface always offers En Route, Hooked and Delivered regardless of where
// the job is. With multiple jobs invalidly assigned to one driver, the
// oldest (smallest key) is the one acted on.
func (a *Adapter) DriverSetStatus(ctx context.Context, driverID, st string) error {
	if !status.Valid(st) {
		return ErrInvalidStatus
	}
	matches, err := a.Store.Query(ctx, jobsCollection, "driverId", driverID)
	if err != nil {
		return fmt.Errorf("jobs: assigned lookup: %w", err)
	}
	keys := store.KeysAsc(matches)
	if len(keys) == 0 {
		return ErrNoAssignedJob
	}
	return a.SetStatus(ctx, keys[0], st)
}

// settle runs the payment side effect of a transition: capture on
// Delivered, release on Canceled. Best effort; a payment failure never
// unwinds the status write.
func (a *Adapter) settle(ctx context.Context, j models.Job, newStatus string) {
	if a.Payments == nil || j.PaymentRef == "" || j.Status == newStatus {
		return
	}
	var err error
	switch newStatus {
	case status.Delivered:
		err = a.Payments.Capture(ctx, j.PaymentRef)
	case status.Canceled:
		err = a.Payments.Release(ctx, j.PaymentRef)
	default:
		return
	}
	if err != nil {
		a.Logger.Warn("payment settle failed", "job_id", j.ID, "status", newStatus, "error", err)
	}
}

// Ticket derives the fixed-width display code from a job key.
func Ticket(id string) string {
	if len(id) > 6 {
		id = id[len(id)-6:]
	}
	return "T-" + id
}

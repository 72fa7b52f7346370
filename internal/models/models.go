package models

import "time"

type Role string

const (
	RoleDispatcher Role = "dispatcher"
	RoleDriver     Role = "driver"
)

// User is the profile record created at signup. Role is fixed at creation.
type User struct {
	ID        string `json:"id,omitempty"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	CreatedAt int64  `json:"createdAt"`
}

// Location is a single GPS fix. Timestamp is unix milliseconds so the
// staleness window compares without clock conversions.
type Location struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
}

// Driver is the shared presence record keyed by the driver's user id.
// Location is written only by the owning driver's tracker; Status is a
// shared-write field (driver writes Online/Offline, dispatcher writes
// Assigned) resolved by last-write-wins at the store.
type Driver struct {
	ID       string    `json:"id,omitempty"`
	Name     string    `json:"name,omitempty"`
	Email    string    `json:"email,omitempty"`
	Status   string    `json:"status,omitempty"`
	Location *Location `json:"location,omitempty"`
}

// Driver presence statuses.
const (
	DriverOnline   = "Online"
	DriverOffline  = "Offline"
	DriverAssigned = "Assigned"
)

// DisplayName resolves the name shown to dispatchers: profile name, then
// email, then a truncated record key.
func (d Driver) DisplayName(id string) string {
	if d.Name != "" {
		return d.Name
	}
	if d.Email != "" {
		return d.Email
	}
	if len(id) > 6 {
		return id[:6]
	}
	return id
}

// Job is a unit of tow work. DriverName is a point-in-time copy of the
// driver's display name taken at assignment; it does not follow later
// renames.
type Job struct {
	ID         string `json:"id,omitempty"`
	Ticket     string `json:"ticket"`
	Status     string `json:"status"`
	Customer   string `json:"customer"`
	Phone      string `json:"phone"`
	Vehicle    string `json:"vehicle"`
	Service    string `json:"service"`
	Pickup     string `json:"pickup"`
	Dropoff    string `json:"dropoff"`
	Priority   string `json:"priority"`
	DriverID   string `json:"driverId"`
	DriverName string `json:"driverName"`
	PaymentRef string `json:"paymentRef,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

// Job priorities, lowest to highest.
const (
	PriorityLow    = "Low"
	PriorityNormal = "Normal"
	PriorityHigh   = "High"
	PriorityUrgent = "Urgent"
)

const DefaultService = "Light Duty Tow"

// NowMillis is the current time in unix milliseconds, the timestamp unit
// used across driver and job records.
func NowMillis() int64 { return time.Now().UnixMilli() }

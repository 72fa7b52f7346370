// Package client ties a session to its view: on every session change it
// resolves the role, activates exactly one of the two projections, and
// tears everything down again at logout. This is the application context
// that replaces any notion of global current-user state.
package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/tow-dispatch/internal/identity"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/presence"
	"github.com/example/tow-dispatch/internal/store"
	"github.com/example/tow-dispatch/internal/views"
)

// Client is one interactive session. Collaborators are injected; Map, Geo
// and Producer may be nil when the session never uses them.
type Client struct {
	Gate     *identity.Gate
	Store    store.Store
	Map      views.MapWidget
	Geo      presence.Geolocator
	Producer *presence.LocationProducer
	Logger   *slog.Logger
	// OnChange fires whenever the active view's rendered state moves.
	OnChange func()

	mu            sync.Mutex
	cancelSession store.CancelFunc
	userID        string
	role          models.Role
	dispatcher    *views.Dispatcher
	driver        *views.Driver
	tracker       *presence.Tracker
}

// Run subscribes to session-state change notifications. The current
// session is delivered immediately, so a signed-in client activates its
// view before Run returns.
func (c *Client) Run() {
	cancel := c.Gate.Provider.OnSessionChange(c.onSession)
	c.mu.Lock()
	c.cancelSession = cancel
	c.mu.Unlock()
}

// Close ends the session watch and tears down whatever view is active.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancelSession
	c.cancelSession = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.teardown()
}

// onSession is the single switch point between the signed-out state and
// the two mutually exclusive views. Re-delivery of an unchanged session is
// a no-op.
func (c *Client) onSession(s *identity.Session) {
	if s == nil {
		c.teardown()
		return
	}
	role := c.Gate.ResolveRole(context.Background(), s.UserID)

	c.mu.Lock()
	if c.userID == s.UserID && c.role == role {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.teardown()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = s.UserID
	c.role = role
	switch role {
	case models.RoleDispatcher:
		v := &views.Dispatcher{Store: c.Store, Map: c.Map, Logger: c.Logger, OnChange: c.OnChange}
		if err := v.Start(); err != nil {
			c.Logger.Error("dispatcher view start failed", "user_id", s.UserID, "error", err)
			return
		}
		c.dispatcher = v
	default:
		v := &views.Driver{Store: c.Store, Logger: c.Logger, DriverID: s.UserID, OnChange: c.OnChange}
		if err := v.Start(); err != nil {
			c.Logger.Error("driver view start failed", "user_id", s.UserID, "error", err)
			return
		}
		c.driver = v
		c.tracker = &presence.Tracker{
			Store:    c.Store,
			Geo:      c.Geo,
			Producer: c.Producer,
			Logger:   c.Logger,
			DriverID: s.UserID,
			Email:    s.Email,
		}
		if err := c.tracker.Start(context.Background()); err != nil {
			// no geolocation on this session; the driver view still works
			c.Logger.Warn("location tracking unavailable", "user_id", s.UserID, "error", err)
		}
	}
	c.Logger.Info("view activated", "user_id", s.UserID, "role", role)
}

// teardown closes the active view, stops tracking and forgets the session
// binding. Idempotent.
func (c *Client) teardown() {
	c.mu.Lock()
	d, dr, tr := c.dispatcher, c.driver, c.tracker
	c.dispatcher, c.driver, c.tracker = nil, nil, nil
	c.userID, c.role = "", ""
	c.mu.Unlock()

	if tr != nil {
		if err := tr.Stop(context.Background()); err != nil {
			c.Logger.Warn("tracker stop during teardown", "error", err)
		}
	}
	if d != nil {
		d.Close()
	}
	if dr != nil {
		dr.Close()
	}
}

// Dispatcher returns the active dispatcher view, nil outside that role.
func (c *Client) Dispatcher() *views.Dispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatcher
}

// Driver returns the active driver view, nil outside that role.
func (c *Client) Driver() *views.Driver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driver
}

// Tracker returns the session's presence tracker, nil outside the driver
// role.
func (c *Client) Tracker() *presence.Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker
}

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/store"
)

const usersCollection = "users"

// Gate resolves authenticated principals to a role and owns the user
// profile records.
type Gate struct {
	Provider Provider
	Store    store.Store
	Logger   *slog.Logger
}

// Register creates an account and its profile record. The role is fixed
// here and never changes afterwards.
func (g *Gate) Register(ctx context.Context, email, password string, isDispatcher bool) (string, error) {
	if email == "" || password == "" {
		return "", ErrInvalidCredentials
	}
	userID, err := g.Provider.CreateAccount(ctx, email, password)
	if err != nil {
		return "", err
	}
	role := models.RoleDriver
	if isDispatcher {
		role = models.RoleDispatcher
	}
	u := models.User{Email: email, Role: role, CreatedAt: models.NowMillis()}
	if err := g.Store.Write(ctx, usersCollection+"/"+userID, u); err != nil {
		return "", fmt.Errorf("identity: profile write: %w", err)
	}
	g.Logger.Info("user registered", "user_id", userID, "role", role)
	return userID, nil
}

func (g *Gate) Login(ctx context.Context, email, password string) (*Session, error) {
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	return g.Provider.Authenticate(ctx, email, password)
}

// ResolveRole reads the profile record. Missing or unreadable profiles
// default to driver. Fail-open on purpose: an account without a profile
// gets the least-privileged view rather than no view.
func (g *Gate) ResolveRole(ctx context.Context, userID string) models.Role {
	raw, err := g.Store.Read(ctx, usersCollection+"/"+userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.Logger.Warn("profile read failed, defaulting role", "user_id", userID, "error", err)
		}
		return models.RoleDriver
	}
	var u models.User
	if err := store.Decode(raw, &u); err != nil || u.Role == "" {
		return models.RoleDriver
	}
	return u.Role
}

// Logout ends the session. Session-change notifications drive the view
// teardown downstream.
func (g *Gate) Logout() { g.Provider.EndSession() }

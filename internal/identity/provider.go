// Package identity covers account creation, session handling and the role
// gate that decides which view a signed-in principal gets.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/tow-dispatch/internal/store"
)

// ErrInvalidCredentials covers empty fields and provider rejections alike.
var ErrInvalidCredentials = errors.New("identity: invalid credentials")

// Session is an authenticated principal with its bearer token.
type Session struct {
	UserID string
	Email  string
	Token  string
}

// Provider is the identity boundary: account creation, authentication,
// session end, and session-change notification. A nil session in the
// callback means signed out.
type Provider interface {
	CreateAccount(ctx context.Context, email, password string) (string, error)
	Authenticate(ctx context.Context, email, password string) (*Session, error)
	EndSession()
	OnSessionChange(fn func(*Session)) store.CancelFunc
}

const credentialsCollection = "credentials"

type credentialRecord struct {
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`
	UserID       string `json:"userId"`
}

// StoreProvider keeps credentials as bcrypt hashes in the record store and
// issues HS256 JWT session tokens.
type StoreProvider struct {
	store  store.Store
	secret []byte
	ttl    time.Duration

	mu        sync.Mutex
	current   *Session
	listeners map[int]func(*Session)
	nextID    int
}

func NewStoreProvider(s store.Store, secret []byte, ttl time.Duration) *StoreProvider {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &StoreProvider{
		store:     s,
		secret:    secret,
		ttl:       ttl,
		listeners: make(map[int]func(*Session)),
	}
}

func (p *StoreProvider) CreateAccount(ctx context.Context, email, password string) (string, error) {
	existing, err := p.store.Query(ctx, credentialsCollection, "email", email)
	if err != nil {
		return "", fmt.Errorf("identity: credential lookup: %w", err)
	}
	if len(existing) > 0 {
		return "", ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	userID := p.store.GenerateKey(credentialsCollection)
	rec := credentialRecord{Email: email, PasswordHash: string(hash), UserID: userID}
	if err := p.store.Write(ctx, credentialsCollection+"/"+userID, rec); err != nil {
		return "", fmt.Errorf("identity: credential write: %w", err)
	}
	// creating an account also begins a session, like any signup flow
	token, err := p.signToken(userID, email)
	if err != nil {
		return "", err
	}
	p.setSession(&Session{UserID: userID, Email: email, Token: token})
	return userID, nil
}

func (p *StoreProvider) Authenticate(ctx context.Context, email, password string) (*Session, error) {
	matches, err := p.store.Query(ctx, credentialsCollection, "email", email)
	if err != nil {
		return nil, fmt.Errorf("identity: credential lookup: %w", err)
	}
	var rec credentialRecord
	found := false
	for _, raw := range matches {
		if err := store.Decode(raw, &rec); err == nil {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	token, err := p.signToken(rec.UserID, email)
	if err != nil {
		return nil, err
	}
	sess := &Session{UserID: rec.UserID, Email: email, Token: token}
	p.setSession(sess)
	return sess, nil
}

func (p *StoreProvider) EndSession() { p.setSession(nil) }

func (p *StoreProvider) OnSessionChange(fn func(*Session)) store.CancelFunc {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	current := p.current
	p.mu.Unlock()

	// deliver current state immediately, mirroring the store's
	// subscribe-then-snapshot behavior
	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

// VerifyToken validates a bearer token and returns the session it encodes.
func (p *StoreProvider) VerifyToken(token string) (*Session, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidCredentials
	}
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	return &Session{UserID: claims.Subject, Email: claims.Issuer, Token: token}, nil
}

func (p *StoreProvider) signToken(userID, email string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

func (p *StoreProvider) setSession(s *Session) {
	p.mu.Lock()
	p.current = s
	fns := make([]func(*Session), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Package managementapi is the narrow administrative HTTP/RPC surface
// described in §6: onboarding review, device/trust/policy inspection and
// the websocket event feed. Routing follows the teacher's gorilla/mux
// usage (internal/adapters/web/handlers/wps_handler.go) and session
// handling follows its auth.AuthService (bcrypt hashes, in-memory
// token->session map with a fixed TTL).
package managementapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned for any login failure, deliberately
	// generic to avoid username enumeration.
	ErrInvalidCredentials = errors.New("invalid credentials")
	errInvalidSession     = errors.New("invalid or expired session")
)

type adminAccount struct {
	username     string
	passwordHash []byte
}

type session struct {
	username  string
	expiresAt time.Time
}

// AuthGate is a minimal single-administrator session store.
type AuthGate struct {
	mu       sync.RWMutex
	account  adminAccount
	sessions map[string]session
	ttl      time.Duration
}

// NewAuthGate provisions the one administrator account with a bcrypt-hashed
// password.
func NewAuthGate(username, password string, ttl time.Duration) (*AuthGate, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AuthGate{
		account:  adminAccount{username: username, passwordHash: hash},
		sessions: make(map[string]session),
		ttl:      ttl,
	}, nil
}

// Login validates credentials and returns a bearer token.
func (g *AuthGate) Login(ctx context.Context, username, password string) (string, error) {
	if username != g.account.username {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(g.account.passwordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := randomToken()
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	g.sessions[token] = session{username: username, expiresAt: time.Now().Add(g.ttl)}
	g.mu.Unlock()
	return token, nil
}

// Validate checks a bearer token, evicting it if expired.
func (g *AuthGate) Validate(token string) error {
	g.mu.RLock()
	sess, ok := g.sessions[token]
	g.mu.RUnlock()
	if !ok {
		return errInvalidSession
	}
	if time.Now().After(sess.expiresAt) {
		g.mu.Lock()
		delete(g.sessions, token)
		g.mu.Unlock()
		return errInvalidSession
	}
	return nil
}

// Logout invalidates a token.
func (g *AuthGate) Logout(token string) {
	g.mu.Lock()
	delete(g.sessions, token)
	g.mu.Unlock()
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

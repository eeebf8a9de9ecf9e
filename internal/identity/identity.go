// Package identity authenticates marketplace users from bearer tokens and
// resolves them to authorization actors.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/techswap/marketplace/internal/authz"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Role is a user's platform role.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is an account as seen by the order engine.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Actor converts a user into the authorization actor.
func (u *User) Actor() authz.Actor {
	return authz.Actor{ID: u.ID, Operator: u.Role == RoleAdmin}
}

// Directory resolves user IDs.
type Directory interface {
	Resolve(ctx context.Context, id string) (*User, error)
}

// MemoryDirectory is an in-memory Directory for development and tests.
type MemoryDirectory struct {
	users map[string]*User
	mu    sync.RWMutex
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]*User)}
}

// Put inserts or replaces a user.
func (m *MemoryDirectory) Put(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	if cp.Role == "" {
		cp.Role = RoleUser
	}
	m.users[u.ID] = &cp
}

func (m *MemoryDirectory) Resolve(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// claims carries the user id under "id".
type claims struct {
	ID string `json:"id"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	dir    Directory
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. The secret must be non-empty.
func NewAuthenticator(secret string, dir Directory) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("identity: JWT secret is required")
	}
	return &Authenticator{secret: []byte(secret), dir: dir, now: time.Now}, nil
}

// IssueToken signs a token for userID valid for ttl.
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := a.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		ID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString(a.secret)
}

// ParseToken verifies a token and returns the user id it names.
func (a *Authenticator) ParseToken(raw string) (string, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.ID == "" {
		return "", ErrInvalidToken
	}
	return c.ID, nil
}

// Authenticate verifies a token and resolves its user.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (*User, error) {
	id, err := a.ParseToken(raw)
	if err != nil {
		return nil, err
	}
	u, err := a.dir.Resolve(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidToken
	}
	return u, err
}

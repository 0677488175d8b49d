// Package auth issues and checks the signed session tokens used by the api
// and the websocket endpoint.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/store"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoToken      = errors.New("no token")
)

type Claims struct {
	UserId uint64      `json:"uid"`
	Email  string      `json:"email"`
	Name   string      `json:"name"`
	Role   common.Role `json:"role"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret        string
	SessionLength time.Duration
}

// Manager signs tokens with HS256. Revoked token ids are remembered until
// the token would have expired anyway. A revoked user loses every token
// issued up to the revocation.
type Manager struct {
	secret  []byte
	timeout time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time
	blocked map[uint64]time.Time
	now     func() time.Time
}

func NewManager(config *Config) (*Manager, error) {
	if config.Secret == "" {
		return nil, fmt.Errorf("auth secret is required")
	}
	timeout := config.SessionLength
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Manager{
		secret:  []byte(config.Secret),
		timeout: timeout,
		revoked: make(map[string]time.Time),
		blocked: make(map[uint64]time.Time),
		now:     time.Now,
	}, nil
}

func (m *Manager) Issue(u *store.User) (string, *common.Identity, error) {
	now := m.now()
	claims := &Claims{
		UserId: u.Id,
		Email:  u.Email,
		Name:   u.FullName,
		Role:   u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.Email,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.timeout)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims.identity(), nil
}

func (m *Manager) Validate(token string) (*common.Identity, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}
	if m.isRevoked(claims.ID) {
		return nil, fmt.Errorf("%w: revoked", ErrInvalidToken)
	}
	if m.isBlocked(claims.UserId, claims.IssuedAt) {
		return nil, fmt.Errorf("%w: user revoked", ErrInvalidToken)
	}
	return claims.identity(), nil
}

func (m *Manager) Revoke(id *common.Identity) {
	if id == nil || id.TokenId == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, until := range m.revoked {
		if now.After(until) {
			delete(m.revoked, k)
		}
	}
	m.revoked[id.TokenId] = id.ValidUntil
}

// RevokeUser invalidates the tokens of userId issued so far. Tokens carry
// second precision, so one issued in the same second is revoked too.
func (m *Manager) RevokeUser(userId uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, at := range m.blocked {
		if now.Sub(at) > m.timeout {
			delete(m.blocked, k)
		}
	}
	m.blocked[userId] = now
}

func (m *Manager) isBlocked(userId uint64, iat *jwt.NumericDate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.blocked[userId]
	if !ok {
		return false
	}
	return iat == nil || !iat.Time.After(at.Truncate(time.Second))
}

func (m *Manager) isRevoked(jti string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[jti]
	return ok
}

func (m *Manager) SessionLength() time.Duration {
	return m.timeout
}

func (c *Claims) identity() *common.Identity {
	id := &common.Identity{
		UserId:  c.UserId,
		Email:   c.Email,
		Name:    c.Name,
		Role:    c.Role,
		TokenId: c.ID,
	}
	if c.ExpiresAt != nil {
		id.ValidUntil = c.ExpiresAt.Time
	}
	return id
}

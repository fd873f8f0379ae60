package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Tyrowin/gochat/internal/model"
)

var (
	// ErrInvalidToken is returned when a token fails signature or structure checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the exp claim has passed.
	ErrExpiredToken = errors.New("token has expired")
	// ErrSessionNotFound is returned when the session id is not in the live table.
	ErrSessionNotFound = errors.New("session is not active")
)

const tokenIssuer = "gochat"

// Claims are carried inside the bearer token. RegisteredClaims.ID is the
// session id in the live table.
type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Sessions issues HS256 bearer tokens and keeps the live session table.
// A token validates only while its session id is present in the table, so
// revocation and process restarts both invalidate outstanding tokens.
type Sessions struct {
	secret []byte
	now    func() time.Time

	mu   sync.RWMutex
	live map[string]model.Session
}

// NewSessions creates a session manager. An empty secret is replaced with 32
// random bytes, which ties token validity to this process.
func NewSessions(secret string) (*Sessions, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
	}
	return &Sessions{
		secret: key,
		now:    time.Now,
		live:   make(map[string]model.Session),
	}, nil
}

// WithClock replaces the time source. Used by tests.
func (s *Sessions) WithClock(now func() time.Time) *Sessions {
	s.now = now
	return s
}

// Issue creates a session and returns its signed token.
func (s *Sessions) Issue(userID int64, username, role string, ttl time.Duration) (string, *Claims, error) {
	now := s.now()
	session := model.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Username:  username,
		Role:      role,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID,
			Issuer:    tokenIssuer,
			Subject:   fmt.Sprintf("%d", userID),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	s.mu.Lock()
	s.live[session.ID] = session
	s.mu.Unlock()

	return token, claims, nil
}

// Verify checks the signature, the exp claim and live-table membership.
func (s *Sessions) Verify(token string) (*Claims, error) {
	claims, err := s.parse(token, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	now := s.now()

	s.mu.RLock()
	session, ok := s.live[claims.ID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.Expired(now) {
		s.mu.Lock()
		delete(s.live, claims.ID)
		s.mu.Unlock()
		return nil, ErrExpiredToken
	}

	return claims, nil
}

// Revoke removes the token's session from the live table. Expired but
// correctly signed tokens are accepted. Idempotent; reports whether a live
// session was removed.
func (s *Sessions) Revoke(token string) bool {
	claims, err := s.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return false
	}
	return s.RevokeID(claims.ID)
}

// RevokeID removes a session by id.
func (s *Sessions) RevokeID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[id]; !ok {
		return false
	}
	delete(s.live, id)
	return true
}

// Sweep purges expired sessions and returns how many were removed.
func (s *Sessions) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.live {
		if session.Expired(now) {
			delete(s.live, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live sessions, for one user when userID > 0.
func (s *Sessions) Count(userID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if userID <= 0 {
		return len(s.live)
	}
	n := 0
	for _, session := range s.live {
		if session.UserID == userID {
			n++
		}
	}
	return n
}

func (s *Sessions) parse(token string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

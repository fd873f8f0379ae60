package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"regexp"
	"time"

	"github.com/Tyrowin/gochat/internal/model"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

// UserStore is the slice of the persistence layer auth depends on. Password
// hashing and comparison happen behind it.
type UserStore interface {
	CreateUser(ctx context.Context, username, email, password string) (*model.User, error)
	Authenticate(ctx context.Context, username, password string) (*model.User, error)
}

// Service ties credential checks, the live session table and the failed
// attempt guard together.
type Service struct {
	users    UserStore
	sessions *Sessions
	guard    *Guard
	ttl      time.Duration
}

// NewService creates the auth service. ttl is the lifetime of issued sessions.
func NewService(users UserStore, sessions *Sessions, guard *Guard, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{users: users, sessions: sessions, guard: guard, ttl: ttl}
}

// Register validates the input and creates the user.
func (s *Service) Register(ctx context.Context, username, email, password string) (*model.User, error) {
	if username == "" || email == "" || password == "" {
		return nil, model.NewValidationError("Username, email and password are required")
	}
	if !usernamePattern.MatchString(username) {
		return nil, model.NewValidationError("Username must be 3-32 characters of letters, digits, '.', '_' or '-'")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, model.NewValidationError("Invalid email address")
	}
	if strength := ValidatePasswordStrength(password); !strength.Valid {
		return nil, model.NewValidationError("Password does not meet requirements", strength.Issues...)
	}

	return s.users.CreateUser(ctx, username, email, password)
}

// Authenticate checks credentials. A failure is counted against address.
func (s *Service) Authenticate(ctx context.Context, address, username, password string) (*model.User, error) {
	if username == "" || password == "" {
		return nil, model.NewValidationError("Username and password are required")
	}

	user, err := s.users.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, model.ErrAuthInvalid) {
			s.guard.RecordFailedAttempt(address, username)
			return nil, model.NewAuthInvalidError("Invalid credentials")
		}
		return nil, err
	}
	return user, nil
}

// IssueSession creates a live session for user and returns its token.
func (s *Service) IssueSession(user *model.User) (string, error) {
	token, _, err := s.sessions.Issue(user.ID, user.Username, user.Role, s.ttl)
	return token, err
}

// VerifySession validates a bearer token. A bad token presented by address
// counts as a failed attempt.
func (s *Service) VerifySession(address, token string) (*Claims, error) {
	if token == "" {
		return nil, model.NewValidationError("Token is required")
	}
	claims, err := s.sessions.Verify(token)
	if err != nil {
		s.guard.RecordFailedAttempt(address, "")
		return nil, model.NewAuthInvalidError("Invalid or expired token")
	}
	return claims, nil
}

// RevokeSession removes the token's session. Idempotent.
func (s *Service) RevokeSession(token string) bool {
	if token == "" {
		return false
	}
	return s.sessions.Revoke(token)
}

// RecordFailedAttempt counts a failure outside the credential path.
func (s *Service) RecordFailedAttempt(address, username string) bool {
	return s.guard.RecordFailedAttempt(address, username)
}

// IsBlocked reports whether address is blocklisted.
func (s *Service) IsBlocked(address string) bool {
	return s.guard.IsBlocked(address)
}

// Unblock lifts a block on address.
func (s *Service) Unblock(address string) {
	s.guard.Unblock(address)
}

// ActiveSessions returns the live session count, for one user when userID > 0.
func (s *Service) ActiveSessions(userID int64) int {
	return s.sessions.Count(userID)
}

// BlockedAddresses returns the number of addresses currently blocked.
func (s *Service) BlockedAddresses() int {
	return s.guard.BlockedCount()
}

// Run sweeps expired sessions and stale attempt records every interval until
// ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("session sweeper started", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("session sweeper stopped")
			return
		case <-ticker.C:
			if removed := s.sessions.Sweep(); removed > 0 {
				logger.Info("expired sessions swept", slog.Int("count", removed))
			}
			s.guard.Prune()
		}
	}
}

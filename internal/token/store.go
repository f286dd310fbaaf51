package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrDenied is returned when a token is missing, expired, cancelled, or
// out of credits. The HTTP boundary maps it to 403.
var ErrDenied = errors.New("registration token denied")

// Token is one row of the registration_token table.
type Token struct {
	Secret      string
	Expiry      time.Time
	Cancelled   bool
	Credits     int
	ProfileName string
}

// Usable reports whether the token authorises a registration at the given
// instant.
func (t *Token) Usable(now time.Time) bool {
	return !t.Cancelled && now.Before(t.Expiry) && t.Credits > 0
}

// Store consumes registration tokens. Tokens are minted by operator
// actions outside the broker; the broker only spends them.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store backed by PostgreSQL.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Consume atomically validates the token and decrements its credits.
// decrement may be 0 for preflight checks. The WHERE clause carries the
// whole usability predicate, so two concurrent registrations against a
// one-credit token cannot both succeed.
func (s *Store) Consume(ctx context.Context, secret string, decrement int) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE registration_token
		SET credits = credits - $2
		WHERE secret = $1 AND NOT cancelled AND expiry > NOW() AND credits > 0
		RETURNING secret, expiry, cancelled, credits, profile_name`,
		secret, decrement)

	var t Token
	err := row.Scan(&t.Secret, &t.Expiry, &t.Cancelled, &t.Credits, &t.ProfileName)
	if err == sql.ErrNoRows {
		s.logger.Warn("attempt to register with unusable token")
		return nil, ErrDenied
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume registration token: %w", err)
	}
	return &t, nil
}

package profile

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
)

// Profile describes a server profile referenced by registration tokens.
// Profiles are authored through the admin surface; the broker only reads
// them to populate the agent bootstrap script.
type Profile struct {
	Name         string
	Managed      bool
	BasePackages []string
	RepoContents string
}

// Store reads server profiles from the shared manager database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store over the shared manager database.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Get returns the named profile, or an error when it does not exist.
func (s *Store) Get(ctx context.Context, name string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx,
		`SELECT name, managed, base_packages, repo_contents FROM server_profile WHERE name = $1`,
		name).Scan(&p.Name, &p.Managed, pq.Array(&p.BasePackages), &p.RepoContents)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("profile %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query profile %s: %w", name, err)
	}
	return &p, nil
}

package hoststore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Host is the slice of the managed-host relation the broker reads. The
// relation is owned by the job scheduler; the broker never creates or
// deletes rows here.
type Host struct {
	FQDN     string
	State    string
	Address  string
	BootTime sql.NullTime
}

// Store reads and minimally updates the external host relation.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store over the shared manager database.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// All returns every known host; used to prime the liveness tracker.
func (s *Store) All(ctx context.Context) ([]Host, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fqdn, state, address, boot_time FROM managed_host`)
	if err != nil {
		return nil, fmt.Errorf("failed to query hosts: %w", err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		var h Host
		if err := rows.Scan(&h.FQDN, &h.State, &h.Address, &h.BootTime); err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// GetByFQDN returns the host, or nil when unknown.
func (s *Store) GetByFQDN(ctx context.Context, fqdn string) (*Host, error) {
	var h Host
	err := s.db.QueryRowContext(ctx,
		`SELECT fqdn, state, address, boot_time FROM managed_host WHERE fqdn = $1`,
		fqdn).Scan(&h.FQDN, &h.State, &h.Address, &h.BootTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query host %s: %w", fqdn, err)
	}
	return &h, nil
}

// UpdateBootTime records a new server boot time observed on a heartbeat.
func (s *Store) UpdateBootTime(ctx context.Context, fqdn string, bootTime time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE managed_host SET boot_time = $2 WHERE fqdn = $1`, fqdn, bootTime)
	if err != nil {
		return fmt.Errorf("failed to update boot time for %s: %w", fqdn, err)
	}
	return nil
}

// UpdateFQDNAddress renames a host in place during agent reregistration.
func (s *Store) UpdateFQDNAddress(ctx context.Context, oldFQDN, newFQDN, address string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE managed_host SET fqdn = $2, address = $3 WHERE fqdn = $1`,
		oldFQDN, newFQDN, address)
	if err != nil {
		return fmt.Errorf("failed to update host %s: %w", oldFQDN, err)
	}
	return nil
}

package certstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Record is one row of the client_certificate table.
type Record struct {
	FQDN    string
	Serial  string
	Revoked bool
}

// persistence is the durable side of the store. The in-memory serial map
// is authoritative for the request hot path; the database is
// authoritative across restarts.
type persistence interface {
	Load(ctx context.Context) ([]Record, error)
	Insert(ctx context.Context, fqdn, serial string) error
	RevokeAll(ctx context.Context, fqdn string) error
	Reassign(ctx context.Context, serial, fqdn string) error
}

// Store maps certificate serials to the fqdn they authenticate.
type Store struct {
	db     persistence
	logger *slog.Logger

	mu      sync.RWMutex
	serials map[string]string

	// rejected dedupes security-log lines for serials that keep failing,
	// so a misbehaving client cannot flood the log.
	rejected *expirable.LRU[string, struct{}]
}

// New creates a Store backed by PostgreSQL. Call Prime before serving.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return newStore(&pgPersistence{db: db}, logger)
}

func newStore(db persistence, logger *slog.Logger) *Store {
	return &Store{
		db:       db,
		logger:   logger,
		serials:  make(map[string]string),
		rejected: expirable.NewLRU[string, struct{}](1024, nil, 10*time.Minute),
	}
}

// Prime loads every non-revoked certificate into the in-memory map. It is
// called once at startup.
func (s *Store) Prime(ctx context.Context) error {
	records, err := s.db.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load client certificates: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if !r.Revoked {
			s.serials[r.Serial] = r.FQDN
		}
	}
	s.logger.Info("client certificate map primed", "count", len(s.serials))
	return nil
}

// Authorize returns the fqdn bound to serial if the certificate is known,
// not revoked, and the presented name matches.
func (s *Store) Authorize(serial, name string) (string, bool) {
	s.mu.RLock()
	fqdn, ok := s.serials[serial]
	s.mu.RUnlock()

	if !ok {
		if _, seen := s.rejected.Get(serial); !seen {
			s.rejected.Add(serial, struct{}{})
			s.logger.Warn("rejecting unknown or revoked certificate serial")
		}
		return "", false
	}
	if fqdn != name {
		s.logger.Warn("certificate name mismatch", "expected", fqdn)
		return "", false
	}
	return fqdn, true
}

// Register records a newly issued certificate and makes it effective for
// authentication immediately.
func (s *Store) Register(ctx context.Context, fqdn, serial string) error {
	if err := s.db.Insert(ctx, fqdn, serial); err != nil {
		return fmt.Errorf("failed to persist client certificate: %w", err)
	}
	s.mu.Lock()
	s.serials[serial] = fqdn
	s.mu.Unlock()
	s.logger.Info("registered client certificate", "fqdn", fqdn, "serial", serial)
	return nil
}

// Reassign rebinds an existing serial to a new fqdn (agent reregistration
// after a hostname change). The old mapping is replaced, not duplicated.
func (s *Store) Reassign(ctx context.Context, serial, fqdn string) error {
	if err := s.db.Reassign(ctx, serial, fqdn); err != nil {
		return fmt.Errorf("failed to reassign client certificate: %w", err)
	}
	s.mu.Lock()
	s.serials[serial] = fqdn
	s.mu.Unlock()
	return nil
}

// RevokeAllFor marks every certificate for fqdn revoked and removes the
// serials from the hot-path map. Rows are kept for audit.
func (s *Store) RevokeAllFor(ctx context.Context, fqdn string) error {
	if err := s.db.RevokeAll(ctx, fqdn); err != nil {
		return fmt.Errorf("failed to revoke certificates for %s: %w", fqdn, err)
	}
	s.mu.Lock()
	removed := 0
	for serial, f := range s.serials {
		if f == fqdn {
			delete(s.serials, serial)
			removed++
		}
	}
	s.mu.Unlock()
	s.logger.Info("revoked client certificates", "fqdn", fqdn, "count", removed)
	return nil
}

// pgPersistence implements persistence on PostgreSQL via lib/pq.
type pgPersistence struct {
	db *sql.DB
}

func (p *pgPersistence) Load(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT host_fqdn, serial, revoked FROM client_certificate`)
	if err != nil {
		return nil, fmt.Errorf("failed to query certificates: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.FQDN, &r.Serial, &r.Revoked); err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (p *pgPersistence) Insert(ctx context.Context, fqdn, serial string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO client_certificate (host_fqdn, serial, revoked) VALUES ($1, $2, false)`,
		fqdn, serial)
	return err
}

func (p *pgPersistence) RevokeAll(ctx context.Context, fqdn string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE client_certificate SET revoked = true WHERE host_fqdn = $1`, fqdn)
	return err
}

func (p *pgPersistence) Reassign(ctx context.Context, serial, fqdn string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE client_certificate SET host_fqdn = $2 WHERE serial = $1 AND NOT revoked`,
		serial, fqdn)
	return err
}

// Package store persists the three storage strata: the append-only raw
// event log, and the replaceable aggregation output tables. It runs on
// either SQLite or Postgres through database/sql; queries keep their
// placeholders in ascending order so the same text works on both drivers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/civicstream/taxmart/internal/config"
	"github.com/civicstream/taxmart/internal/event"
)

// ErrNotFound is returned when a named output has never been written.
var ErrNotFound = errors.New("not found")

// SQLStore implements the event log and output tables on database/sql.
type SQLStore struct {
	db *sql.DB
}

// Open connects to the configured database. Init must be called before use.
func Open(cfg config.StorageConf) (*SQLStore, error) {
	driver := cfg.Driver
	if driver == "sqlite" {
		// modernc.org/sqlite registers as "sqlite".
	} else if driver != "postgres" {
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	return &SQLStore{db: db}, nil
}

// NewSQLStore wraps an existing handle (used by tests).
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	observed_time BIGINT NOT NULL,
	version BIGINT NOT NULL,
	arrived_at TIMESTAMP NOT NULL,
	arrival_date TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type_key ON events (entity_type, tenant_id, entity_id);
CREATE INDEX IF NOT EXISTS idx_events_type_arrival ON events (entity_type, arrival_date);
CREATE TABLE IF NOT EXISTS output_rows (
	output_name TEXT NOT NULL,
	position BIGINT NOT NULL,
	row TEXT NOT NULL,
	computed_at TIMESTAMP NOT NULL,
	PRIMARY KEY (output_name, position)
);
`

// Init creates the schema if missing.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Append adds one event to the immutable log. Duplicate and stale data are
// accepted without complaint; a replayed event (same ID) is a no-op, so the
// ingestion path is safe to retry. Failure here means the storage itself is
// unavailable, which is fatal to this append only.
func (s *SQLStore) Append(ctx context.Context, ev *event.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("append %s: marshal payload: %w", ev.Key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, entity_type, tenant_id, entity_id, observed_time, version, arrived_at, arrival_date, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.EntityType, ev.Key.TenantID, ev.Key.ID,
		ev.ObservedAt, ev.Version, ev.ArrivedAt.UTC(), ev.ArrivedAt.UTC().Format("2006-01-02"),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("append %s: %w", ev.Key, err)
	}
	return nil
}

// ScanOptions narrows a scan. Zero values mean no restriction.
type ScanOptions struct {
	TenantID string // key-prefix restriction (tenant is the key's first component)
	FromDate string // arrival_date lower bound, inclusive, YYYY-MM-DD
	ToDate   string // arrival_date upper bound, inclusive, YYYY-MM-DD
}

// Scan streams every stored event of one entity type through fn. Ordering
// within the scan is unspecified but stable for a given table state. An
// error from fn or from the underlying rows aborts the scan; a scan that
// cannot be completed must not be partially trusted by the caller.
func (s *SQLStore) Scan(ctx context.Context, entityType string, opts ScanOptions, fn func(*event.Event) error) error {
	query := `SELECT id, entity_type, tenant_id, entity_id, observed_time, version, arrived_at, payload
		FROM events WHERE entity_type = $1`
	args := []interface{}{entityType}
	if opts.TenantID != "" {
		args = append(args, opts.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if opts.FromDate != "" {
		args = append(args, opts.FromDate)
		query += fmt.Sprintf(" AND arrival_date >= $%d", len(args))
	}
	if opts.ToDate != "" {
		args = append(args, opts.ToDate)
		query += fmt.Sprintf(" AND arrival_date <= $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("scan %s: %w", entityType, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var ev event.Event
		var payload string
		var arrived time.Time
		if err := rows.Scan(&ev.ID, &ev.EntityType, &ev.Key.TenantID, &ev.Key.ID,
			&ev.ObservedAt, &ev.Version, &arrived, &payload); err != nil {
			return fmt.Errorf("scan %s: %w", entityType, err)
		}
		ev.ArrivedAt = arrived
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return fmt.Errorf("scan %s: event %s payload: %w", entityType, ev.ID, err)
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", entityType, err)
	}
	return nil
}

// CountEvents reports how many raw events one entity type holds.
func (s *SQLStore) CountEvents(ctx context.Context, entityType string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE entity_type = $1`, entityType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", entityType, err)
	}
	return n, nil
}

// ReplaceOutput swaps a named output table wholesale inside one
// transaction, so readers observe either the old rows or the new rows,
// never a mixture.
func (s *SQLStore) ReplaceOutput(ctx context.Context, name string, rows [][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace output %s: begin: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM output_rows WHERE output_name = $1`, name); err != nil {
		return fmt.Errorf("replace output %s: clear: %w", name, err)
	}
	now := time.Now().UTC()
	for i, row := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO output_rows (output_name, position, row, computed_at) VALUES ($1, $2, $3, $4)`,
			name, int64(i), string(row), now); err != nil {
			return fmt.Errorf("replace output %s: insert row %d: %w", name, i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace output %s: commit: %w", name, err)
	}
	return nil
}

// ReadOutput returns the rows of a named output in stored order.
func (s *SQLStore) ReadOutput(ctx context.Context, name string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT row FROM output_rows WHERE output_name = $1 ORDER BY position`, name)
	if err != nil {
		return nil, fmt.Errorf("read output %s: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	var out [][]byte
	for rows.Next() {
		var row string
		if err := rows.Scan(&row); err != nil {
			return nil, fmt.Errorf("read output %s: %w", name, err)
		}
		out = append(out, []byte(row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read output %s: %w", name, err)
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// Close releases the underlying handle.
func (s *SQLStore) Close() error { return s.db.Close() }

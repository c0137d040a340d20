// Package metadata records what is installed so the host can re-activate
// plugins after a restart.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DatabaseFile is the metadata database name under the data dir.
const DatabaseFile = "plugins.db"

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("installation record not found")

// Record describes one installed plugin.
type Record struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Source      string    `json:"source"`
	CacheKey    string    `json:"cache_key,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	InstallDir  string    `json:"install_dir"`
	InstalledAt time.Time `json:"installed_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Install options replayed by updates.
	PinnedChecksum string `json:"pinned_checksum,omitempty"`
	NoVerify       bool   `json:"no_verify,omitempty"`
	SkipValidation bool   `json:"skip_validation,omitempty"`
}

// Dialect is the SQL flavour of the backing database.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// Store persists installation records in SQLite or PostgreSQL.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open opens the metadata database. A postgres:// or postgresql:// DSN
// selects PostgreSQL; anything else is a SQLite file path, created if
// needed.
func Open(dsn string) (*Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return openPostgres(dsn)
	}
	return openSQLite(dsn)
}

func openPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to metadata database: %w", err)
	}

	store, err := NewWithDialect(db, DialectPostgres)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func openSQLite(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open SQLite database and ensures the schema exists.
func New(db *sql.DB) (*Store, error) {
	return NewWithDialect(db, DialectSQLite)
}

// NewWithDialect wraps an open database of the given dialect and ensures
// the schema exists.
func NewWithDialect(db *sql.DB, dialect Dialect) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &Store{db: db, dialect: dialect}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure plugins table: %w", err)
	}
	return s, nil
}

func (s *Store) ensureTable() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS plugins (
		id           TEXT PRIMARY KEY,
		version      TEXT NOT NULL,
		source       TEXT NOT NULL,
		cache_key    TEXT NOT NULL DEFAULT '',
		checksum     TEXT NOT NULL DEFAULT '',
		install_dir  TEXT NOT NULL,
		installed_at TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL,
		pinned_checksum TEXT NOT NULL DEFAULT '',
		no_verify       BOOLEAN NOT NULL DEFAULT FALSE,
		skip_validation BOOLEAN NOT NULL DEFAULT FALSE
	)`)
	return err
}

// Put inserts or replaces the record for rec.ID. The original install time
// is kept on update.
func (s *Store) Put(ctx context.Context, rec Record) error {
	now := time.Now().UTC()
	if rec.InstalledAt.IsZero() {
		rec.InstalledAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.rebind(`
	INSERT INTO plugins (id, version, source, cache_key, checksum, install_dir, installed_at, updated_at,
		pinned_checksum, no_verify, skip_validation)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		version = excluded.version,
		source = excluded.source,
		cache_key = excluded.cache_key,
		checksum = excluded.checksum,
		install_dir = excluded.install_dir,
		updated_at = excluded.updated_at,
		pinned_checksum = excluded.pinned_checksum,
		no_verify = excluded.no_verify,
		skip_validation = excluded.skip_validation`),
		rec.ID, rec.Version, rec.Source, rec.CacheKey, rec.Checksum, rec.InstallDir,
		rec.InstalledAt.UTC(), rec.UpdatedAt,
		rec.PinnedChecksum, rec.NoVerify, rec.SkipValidation)
	if err != nil {
		return fmt.Errorf("failed to save record for %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record for id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
	SELECT id, version, source, cache_key, checksum, install_dir, installed_at, updated_at,
		pinned_checksum, no_verify, skip_validation
	FROM plugins WHERE id = ?`), id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record for %s: %w", id, err)
	}
	return rec, nil
}

// List returns every record ordered by install time.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, version, source, cache_key, checksum, install_dir, installed_at, updated_at,
		pinned_checksum, no_verify, skip_validation
	FROM plugins ORDER BY installed_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes the record for id. Deleting a missing id returns
// ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM plugins WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete record for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete record for %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	if err := row.Scan(&rec.ID, &rec.Version, &rec.Source, &rec.CacheKey, &rec.Checksum,
		&rec.InstallDir, &rec.InstalledAt, &rec.UpdatedAt,
		&rec.PinnedChecksum, &rec.NoVerify, &rec.SkipValidation); err != nil {
		return nil, err
	}
	return &rec, nil
}

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLRepository is a SQLite-backed Repository. It creates its table on
// open:
//
//	CREATE TABLE pianoroll_sessions (
//	    id TEXT PRIMARY KEY,
//	    password TEXT NOT NULL,
//	    instruments TEXT NOT NULL,
//	    rolls TEXT NOT NULL,
//	    created_at INTEGER NOT NULL,
//	    updated_at INTEGER NOT NULL
//	);
//
// Timestamps are stored as Unix milliseconds.
type SQLRepository struct {
	db        *sql.DB
	tableName string
	ownDB     bool
}

// SQLOption configures SQLRepository behavior.
type SQLOption func(*sqlConfig)

type sqlConfig struct {
	tableName string
}

// WithSQLTableName sets the table name for session storage.
// Default: "pianoroll_sessions".
func WithSQLTableName(name string) SQLOption {
	return func(c *sqlConfig) {
		c.tableName = name
	}
}

// NewSQLRepository creates a repository on an existing SQLite connection
// pool. Close does not close db.
func NewSQLRepository(db *sql.DB, opts ...SQLOption) *SQLRepository {
	cfg := &sqlConfig{
		tableName: "pianoroll_sessions",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &SQLRepository{
		db:        db,
		tableName: cfg.tableName,
	}
}

// OpenSQLite opens (or creates) the SQLite database at path, creates the
// session table and returns a repository that owns the connection.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string, opts ...SQLOption) (*SQLRepository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite serializes writers, and ":memory:" databases are
	// per-connection.
	db.SetMaxOpenConns(1)

	repo := NewSQLRepository(db, opts...)
	repo.ownDB = true
	if err := repo.CreateTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Find loads a record by id.
func (s *SQLRepository) Find(ctx context.Context, id string) (*Record, error) {
	query := fmt.Sprintf(`
		SELECT id, password, instruments, rolls, created_at, updated_at
		FROM %s WHERE id = ?
	`, s.tableName)

	var (
		rec              Record
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.Password, &rec.Instruments, &rec.Rolls, &created, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return &rec, nil
}

// Upsert inserts rec or updates the stored row. created_at is kept from the
// first insert.
func (s *SQLRepository) Upsert(ctx context.Context, rec *Record) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, password, instruments, rolls, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			password = excluded.password,
			instruments = excluded.instruments,
			rolls = excluded.rolls,
			updated_at = excluded.updated_at
	`, s.tableName)

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Password, rec.Instruments, rec.Rolls,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	return err
}

// Close closes the database if OpenSQLite created it.
func (s *SQLRepository) Close() error {
	if s.ownDB {
		return s.db.Close()
	}
	return nil
}

// CreateTable creates the session table if it doesn't exist.
func (s *SQLRepository) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			password TEXT NOT NULL,
			instruments TEXT NOT NULL,
			rolls TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`, s.tableName)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.tableName, err)
	}
	return nil
}

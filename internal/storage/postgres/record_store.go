// Package postgres provides the Postgres-backed catalog index. Each row maps
// "<category>-<file name>" to the artifact's source URL and the engine that
// holds its body.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/imgharvest/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable       = "records"
	uniqueViolationSQL = "23505"
)

// Config controls the Postgres connection pool used for catalog records.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Record is one exported catalog row.
type Record struct {
	ID       int64
	Category string
	FileName string
	URL      string
}

// RecordStore reads and writes catalog rows.
type RecordStore struct {
	pool  Pool
	table string
}

// NewRecordStore connects a pool using the provided config.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRecordStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool Pool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordKey joins a category and file name into the unique column value.
func RecordKey(category, fileName string) string {
	return category + "-" + fileName
}

// SplitRecordKey reverses RecordKey.
func SplitRecordKey(key string) (category, fileName string, err error) {
	category, fileName, ok := strings.Cut(key, "-")
	if !ok || category == "" || fileName == "" {
		return "", "", fmt.Errorf("malformed record key %q", key)
	}
	return category, fileName, nil
}

// CreateSchema creates the records table.
func (s *RecordStore) CreateSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	category_and_file_name TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	storage_engine SMALLINT NOT NULL,
	create_time TIMESTAMPTZ NOT NULL DEFAULT now(),
	modify_time TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// DropSchema drops the records table.
func (s *RecordStore) DropSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", s.table)); err != nil {
		return fmt.Errorf("drop %s: %w", s.table, err)
	}
	return nil
}

// Exists reports whether a record for the category and file name exists.
func (s *RecordStore) Exists(ctx context.Context, category, fileName string) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE category_and_file_name = $1)", s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, RecordKey(category, fileName)).Scan(&exists); err != nil {
		return false, fmt.Errorf("check record: %w", err)
	}
	return exists, nil
}

// CountByCategory counts records whose key starts with the category prefix.
func (s *RecordStore) CountByCategory(ctx context.Context, category string) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE category_and_file_name LIKE $1", s.table)
	var n int64
	if err := s.pool.QueryRow(ctx, query, escapeLike(category)+"-%").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return int(n), nil
}

// Insert commits one record. It returns false without error when the record
// already exists.
func (s *RecordStore) Insert(ctx context.Context, category, fileName, url string, engine storage.Engine) (bool, error) {
	query := fmt.Sprintf(
		"INSERT INTO %s (category_and_file_name, url, storage_engine) VALUES ($1, $2, $3)",
		s.table,
	)
	if _, err := s.pool.Exec(ctx, query, RecordKey(category, fileName), url, int16(engine)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationSQL {
			return false, nil
		}
		return false, fmt.Errorf("insert record: %w", err)
	}
	return true, nil
}

// ExportSince streams records with id greater than afterID in id order and
// returns the highest id visited (afterID when none).
func (s *RecordStore) ExportSince(ctx context.Context, afterID int64, fn func(Record) error) (int64, error) {
	query := fmt.Sprintf(
		"SELECT id, category_and_file_name, url FROM %s WHERE id > $1 ORDER BY id",
		s.table,
	)
	rows, err := s.pool.Query(ctx, query, afterID)
	if err != nil {
		return afterID, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	maxID := afterID
	for rows.Next() {
		var (
			id  int64
			key string
			url string
		)
		if err := rows.Scan(&id, &key, &url); err != nil {
			return maxID, fmt.Errorf("scan record: %w", err)
		}
		category, fileName, err := SplitRecordKey(key)
		if err != nil {
			return maxID, err
		}
		if err := fn(Record{ID: id, Category: category, FileName: fileName, URL: url}); err != nil {
			return maxID, err
		}
		maxID = id
	}
	if err := rows.Err(); err != nil {
		return maxID, fmt.Errorf("iterate records: %w", err)
	}
	return maxID, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

package stagecache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"legacypipe/internal/pipeline"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store is a pipeline.Cache backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ pipeline.Cache = (*Store)(nil)

// Summary describes one cached stage without its values.
type Summary struct {
	Brick     string    `json:"brick"`
	Stage     string    `json:"stage"`
	RunID     string    `json:"run_id"`
	Digest    string    `json:"digest"`
	Produced  []string  `json:"produced"`
	Values    int       `json:"values"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Open initializes or connects to the stage cache database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// foreign_keys is per connection; a single connection keeps it in force.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to rebuild the stage cache)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Save replaces the cached closure for entry's (brick, stage).
func (s *Store) Save(ctx context.Context, entry *pipeline.Entry) error {
	if entry == nil {
		return errors.New("save: nil entry")
	}
	ctx = ensureContext(ctx)
	produced, err := json.Marshal(entry.Produced)
	if err != nil {
		return fmt.Errorf("encode produced list: %w", err)
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM stage_entries WHERE brick = ? AND stage = ?", entry.Brick, entry.Stage,
		); err != nil {
			return fmt.Errorf("delete previous entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stage_entries (brick, stage, run_id, digest, produced, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			entry.Brick, entry.Stage, entry.RunID, entry.Digest, string(produced),
			created.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO stage_values (brick, stage, name, payload) VALUES (?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("prepare value insert: %w", err)
		}
		defer stmt.Close()
		for name, payload := range entry.Values {
			if _, err := stmt.ExecContext(ctx, entry.Brick, entry.Stage, name, []byte(payload)); err != nil {
				return fmt.Errorf("insert value %s: %w", name, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit save: %w", err)
		}
		return nil
	})
}

// Load returns the cached closure for (brick, stage).
func (s *Store) Load(ctx context.Context, brick, stage string) (*pipeline.Entry, bool, error) {
	ctx = ensureContext(ctx)
	var (
		entry    = &pipeline.Entry{Brick: brick, Stage: stage}
		produced string
		created  string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT run_id, digest, produced, created_at FROM stage_entries WHERE brick = ? AND stage = ?",
		brick, stage,
	).Scan(&entry.RunID, &entry.Digest, &produced, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load entry: %w", err)
	}
	if err := json.Unmarshal([]byte(produced), &entry.Produced); err != nil {
		return nil, false, fmt.Errorf("decode produced list: %w", err)
	}
	entry.CreatedAt = parseTime(created)

	rows, err := s.db.QueryContext(ctx,
		"SELECT name, payload FROM stage_values WHERE brick = ? AND stage = ?", brick, stage)
	if err != nil {
		return nil, false, fmt.Errorf("load values: %w", err)
	}
	defer rows.Close()
	entry.Values = make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			name    string
			payload []byte
		)
		if err := rows.Scan(&name, &payload); err != nil {
			return nil, false, fmt.Errorf("scan value: %w", err)
		}
		entry.Values[name] = json.RawMessage(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate values: %w", err)
	}
	return entry, true, nil
}

// List summarizes the cached stages of brick ordered by creation time.
// An empty brick lists every brick.
func (s *Store) List(ctx context.Context, brick string) ([]Summary, error) {
	ctx = ensureContext(ctx)
	query := `SELECT e.brick, e.stage, e.run_id, e.digest, e.produced, e.created_at,
	                 COUNT(v.name), COALESCE(SUM(LENGTH(v.payload)), 0)
	          FROM stage_entries e
	          LEFT JOIN stage_values v ON v.brick = e.brick AND v.stage = e.stage`
	var args []any
	if brick != "" {
		query += " WHERE e.brick = ?"
		args = append(args, brick)
	}
	query += " GROUP BY e.brick, e.stage ORDER BY e.brick, e.created_at, e.stage"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum      Summary
			produced string
			created  string
		)
		if err := rows.Scan(&sum.Brick, &sum.Stage, &sum.RunID, &sum.Digest, &produced, &created, &sum.Values, &sum.Bytes); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(produced), &sum.Produced); err != nil {
			return nil, fmt.Errorf("decode produced list: %w", err)
		}
		sum.CreatedAt = parseTime(created)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes cached stages of brick. An empty stage removes all of them.
// It returns the number of entries removed.
func (s *Store) Delete(ctx context.Context, brick, stage string) (int64, error) {
	ctx = ensureContext(ctx)
	query := "DELETE FROM stage_entries WHERE brick = ?"
	args := []any{brick}
	if strings.TrimSpace(stage) != "" {
		query += " AND stage = ?"
		args = append(args, stage)
	}
	var removed int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}
	return removed, nil
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

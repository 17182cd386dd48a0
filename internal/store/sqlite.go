package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchemaVersion = 1

type sqliteKV struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) a SQLite database at path.
func OpenSQLiteStore(ctx context.Context, path string) (Store, error) {
	if path == "" {
		return nil, errors.New("sqlite store path required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, (5 * time.Second).Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of the hot path.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &sqliteKV{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migration failed: %w", err)
	}
	return newKVStore("sqlite", s), nil
}

func (s *sqliteKV) migrate(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= sqliteSchemaVersion {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		bucket TEXT NOT NULL,
		id TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (bucket, id)
	);
	`
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteKV) put(ctx context.Context, bucket, key string, value []byte) error {
	query := `
	INSERT INTO records (bucket, id, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(bucket, id) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, bucket, key, value, time.Now().UnixMilli())
	return err
}

func (s *sqliteKV) get(ctx context.Context, bucket, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM records WHERE bucket = ? AND id = ?", bucket, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *sqliteKV) del(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE bucket = ? AND id = ?", bucket, key)
	return err
}

func (s *sqliteKV) list(ctx context.Context, bucket string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT value FROM records WHERE bucket = ? ORDER BY id", bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

func (s *sqliteKV) close() error {
	return s.db.Close()
}

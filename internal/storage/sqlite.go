package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "coursebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./data/coursebot.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) EnableTracking(ctx context.Context, ch ChannelRef, courseID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tracking(chat_id, thread_id, course_id, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(chat_id, thread_id, course_id) DO NOTHING`,
		ch.ChatID, ch.ThreadID, courseID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) DisableTracking(ctx context.Context, ch ChannelRef, courseID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tracking WHERE chat_id = ? AND thread_id = ? AND course_id = ?`,
		ch.ChatID, ch.ThreadID, courseID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ListTracked(ctx context.Context, ch ChannelRef) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT course_id FROM tracking WHERE chat_id = ? AND thread_id = ? ORDER BY course_id`,
		ch.ChatID, ch.ThreadID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInt64s(rows)
}

func (s *sqliteStore) TrackedCourses(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT course_id FROM tracking ORDER BY course_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInt64s(rows)
}

func (s *sqliteStore) Watchers(ctx context.Context, courseID int64) ([]ChannelRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, thread_id FROM tracking WHERE course_id = ? ORDER BY chat_id, thread_id`,
		courseID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChannelRef
	for rows.Next() {
		var ch ChannelRef
		if err := rows.Scan(&ch.ChatID, &ch.ThreadID); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Snapshot(ctx context.Context, courseID int64) ([]string, bool, error) {
	var fetchedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT fetched_at FROM snapshot_meta WHERE course_id = ?`, courseID,
	).Scan(&fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT module_key FROM snapshot WHERE course_id = ?`, courseID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, false, err
		}
		keys = append(keys, k)
	}
	return keys, true, rows.Err()
}

func (s *sqliteStore) ReplaceSnapshot(ctx context.Context, courseID int64, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot WHERE course_id = ?`, courseID); err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot(course_id, module_key) VALUES(?,?)`, courseID, k); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta(course_id, fetched_at) VALUES(?,?)
		 ON CONFLICT(course_id) DO UPDATE SET fetched_at=excluded.fetched_at`,
		courseID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) DropCourse(ctx context.Context, courseID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM tracking WHERE course_id = ?`,
		`DELETE FROM snapshot WHERE course_id = ?`,
		`DELETE FROM snapshot_meta WHERE course_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, courseID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func scanInt64s(rows *sql.Rows) ([]int64, error) {
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Package store handles SQLite persistence of the capture session index.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/verte-zerg/rngviz/internal/model"

	_ "modernc.org/sqlite" // SQLite driver.
)

// Store wraps SQLite access for session summaries. The capture files hold
// the raw data; the index exists so past sessions can be listed and compared
// without re-reading every file.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database and applies migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		if cerr := db.Close(); cerr != nil {
			// Best-effort close on migration failure.
			_ = cerr
		}
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			device TEXT NOT NULL,
			window_size INTEGER NOT NULL,
			capture_path TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			game_up INTEGER NOT NULL,
			game_down INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_test_stats (
			session_id INTEGER NOT NULL,
			test TEXT NOT NULL,
			tier95 INTEGER NOT NULL,
			tier99 INTEGER NOT NULL,
			tier999 INTEGER NOT NULL,
			PRIMARY KEY (session_id, test)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_ended_at ON sessions(ended_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertSession stores a finished session and its per-test event tallies.
func (s *Store) InsertSession(ctx context.Context, summary model.SessionSummary, tallies []model.TestTally) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				// Best-effort rollback.
				_ = rerr
			}
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (started_at, ended_at, device, window_size, capture_path, bytes, game_up, game_down)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.StartedAt.Format(time.RFC3339Nano),
		summary.EndedAt.Format(time.RFC3339Nano),
		summary.Device,
		summary.WindowSize,
		summary.CapturePath,
		summary.Bytes,
		summary.GameUp,
		summary.GameDown,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if len(tallies) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO session_test_stats (session_id, test, tier95, tier99, tier999)
			 VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return 0, err
		}
		defer func() {
			if cerr := stmt.Close(); cerr != nil {
				// Best-effort statement close.
				_ = cerr
			}
		}()
		for _, tally := range tallies {
			if _, err := stmt.ExecContext(ctx, id, string(tally.Test), tally.Tier95, tally.Tier99, tally.Tier999); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// ListSessions returns session summaries matching the filter, oldest first.
func (s *Store) ListSessions(ctx context.Context, filter model.SessionFilter) ([]model.SessionSummary, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if filter.Device != "" {
		clauses = append(clauses, "device = ?")
		args = append(args, filter.Device)
	}
	if filter.Since != nil {
		clauses = append(clauses, "ended_at >= ?")
		args = append(args, filter.Since.Format(time.RFC3339Nano))
	}
	query := fmt.Sprintf(`SELECT id, started_at, ended_at, device, window_size, capture_path, bytes, game_up, game_down
		FROM sessions
		WHERE %s
		ORDER BY ended_at ASC`, strings.Join(clauses, " AND "))
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var sessions []model.SessionSummary
	for rows.Next() {
		var summary model.SessionSummary
		var startedAt, endedAt string
		if err := rows.Scan(&summary.ID, &startedAt, &endedAt, &summary.Device, &summary.WindowSize,
			&summary.CapturePath, &summary.Bytes, &summary.GameUp, &summary.GameDown); err != nil {
			return nil, err
		}
		if summary.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, err
		}
		if summary.EndedAt, err = time.Parse(time.RFC3339Nano, endedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetTestTallies returns the per-test event counts for one session.
func (s *Store) GetTestTallies(ctx context.Context, sessionID int64) ([]model.TestTally, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT test, tier95, tier99, tier999
		 FROM session_test_stats
		 WHERE session_id = ?
		 ORDER BY test ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var tallies []model.TestTally
	for rows.Next() {
		var tally model.TestTally
		var test string
		if err := rows.Scan(&test, &tally.Tier95, &tally.Tier99, &tally.Tier999); err != nil {
			return nil, err
		}
		tally.Test = model.TestKind(test)
		tallies = append(tallies, tally)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tallies, nil
}

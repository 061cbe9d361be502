package loop

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteSessionStore keeps sessions in the loop_sessions and loop_history
// tables created by persistence.Open.
type SQLiteSessionStore struct {
	db *sql.DB
}

// NewSQLiteSessionStore wraps an open database.
func NewSQLiteSessionStore(db *sql.DB) *SQLiteSessionStore {
	return &SQLiteSessionStore{db: db}
}

const dbTimeLayout = "2006-01-02T15:04:05.000000000Z"

func dbTime(t time.Time) string { return t.UTC().Format(dbTimeLayout) }

// Create implements SessionStore.
func (s *SQLiteSessionStore) Create(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	err = tx.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM loop_sessions WHERE id = ?) +
		(SELECT COUNT(*) FROM loop_history WHERE id = ?)`, sess.ID, sess.ID).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to check session %s: %w", sess.ID, err)
	}
	if n > 0 {
		return fmt.Errorf("%s: %w", sess.ID, ErrSessionExists)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO loop_sessions (id, data, started_at, updated_at) VALUES (?, ?, ?, ?)`,
		sess.ID, string(data), dbTime(sess.StartedAt), dbTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", sess.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session %s: %w", sess.ID, err)
	}
	return nil
}

// Get implements SessionStore.
func (s *SQLiteSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM loop_sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return &sess, nil
}

// Save implements SessionStore.
func (s *SQLiteSessionStore) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE loop_sessions SET data = ?, updated_at = ? WHERE id = ?`,
		string(data), dbTime(sess.UpdatedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", sess.ID, ErrSessionNotFound)
	}
	return nil
}

// Active implements SessionStore.
func (s *SQLiteSessionStore) Active(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM loop_sessions ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		var sess Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// Archive implements SessionStore. The history insert and live delete
// commit together.
func (s *SQLiteSessionStore) Archive(ctx context.Context, id string, outcome Outcome, at time.Time) (*HistoryRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data FROM loop_sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	rec := &HistoryRecord{Outcome: outcome, ArchivedAt: at.UTC()}
	if err := json.Unmarshal([]byte(data), &rec.Session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO loop_history (id, outcome, data, archived_at) VALUES (?, ?, ?, ?)`,
		id, string(outcome), string(recJSON), dbTime(rec.ArchivedAt)); err != nil {
		return nil, fmt.Errorf("failed to archive session %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM loop_sessions WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to remove live session %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit archive of %s: %w", id, err)
	}
	return rec, nil
}

// History implements SessionStore.
func (s *SQLiteSessionStore) History(ctx context.Context, id string) (*HistoryRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM loop_history WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history %s: %w", id, err)
	}
	var rec HistoryRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history %s: %w", id, err)
	}
	return &rec, nil
}

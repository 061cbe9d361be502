package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gatekeeper/pkg/workitem"
)

// SQLiteStore keeps items in a single table keyed by id with an indexed
// container column. A transition is one conditional UPDATE, so an item can
// never be visible in two containers.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLiteStore wraps a database opened by persistence.Open.
func NewSQLiteStore(db *sql.DB, opts ...Option) *SQLiteStore {
	return &SQLiteStore{db: db, opts: buildOptions(opts)}
}

const itemColumns = "id, kind, action_type, container, header, body, created_at, updated_at"

// dbTimeLayout is fixed width so ORDER BY on the text column is chronological.
const dbTimeLayout = "2006-01-02T15:04:05.000000000Z"

func dbTime(t time.Time) string { return t.UTC().Format(dbTimeLayout) }

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, container workitem.Container, kind string, header workitem.Header, body string) (*workitem.Item, error) {
	if !creatable(container) {
		return nil, fmt.Errorf("create into %q: %w", container, ErrInvalidContainer)
	}
	it, err := workitem.NewItem(container, kind, header, body, s.opts.now())
	if err != nil {
		return nil, err
	}
	headerJSON, err := json.Marshal(it.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.Kind, it.ActionType, string(container), string(headerJSON), it.Body,
		dbTime(it.CreatedAt), dbTime(it.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert item %s: %w", it.ID, err)
	}
	return it, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string, container workitem.Container) (*workitem.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ? AND container = ?`, id, string(container))
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id, container)
	}
	return it, err
}

// Locate implements Store.
func (s *SQLiteStore) Locate(ctx context.Context, id string) (workitem.Container, error) {
	var c string
	err := s.db.QueryRowContext(ctx, `SELECT container FROM items WHERE id = ?`, id).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to locate %s: %w", id, err)
	}
	return workitem.Container(c), nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, container workitem.Container) ([]*workitem.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE container = ? ORDER BY created_at, id`, string(container))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", container, err)
	}
	defer rows.Close()

	var items []*workitem.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", container, err)
	}
	return items, nil
}

// Move implements Store.
func (s *SQLiteStore) Move(ctx context.Context, id string, from, to workitem.Container, patch workitem.Header) (*workitem.Item, error) {
	if err := checkMove(id, from, to); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, from, func(it *workitem.Item) error {
		it.Container = to
		return nil
	}, patch)
}

// UpdateHeader implements Store.
func (s *SQLiteStore) UpdateHeader(ctx context.Context, id string, container workitem.Container, patch workitem.Header) (*workitem.Item, error) {
	return s.mutate(ctx, id, container, nil, patch)
}

// mutate reads the item from container, applies the change and patch, and
// writes it back guarded by the same container condition.
func (s *SQLiteStore) mutate(ctx context.Context, id string, container workitem.Container, change func(*workitem.Item) error, patch workitem.Header) (*workitem.Item, error) {
	normalized, err := workitem.Normalize(patch)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ? AND container = ?`, id, string(container))
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id, container)
	}
	if err != nil {
		return nil, err
	}

	if change != nil {
		if err := change(it); err != nil {
			return nil, err
		}
	}
	it.Header = it.Header.Merge(normalized)
	it.UpdatedAt = s.opts.now().UTC()

	headerJSON, err := json.Marshal(it.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE items SET container = ?, header = ?, updated_at = ? WHERE id = ? AND container = ?`,
		string(it.Container), string(headerJSON), dbTime(it.UpdatedAt), id, string(container))
	if err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, notFound(id, container)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit %s: %w", id, err)
	}
	return it, nil
}

// Close implements Store. The database is owned by the caller.
func (s *SQLiteStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*workitem.Item, error) {
	var (
		it                   workitem.Item
		container            string
		headerJSON           string
		createdAt, updatedAt string
	)
	if err := row.Scan(&it.ID, &it.Kind, &it.ActionType, &container, &headerJSON, &it.Body, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}
	it.Container = workitem.Container(container)
	if err := json.Unmarshal([]byte(headerJSON), &it.Header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal header of %s: %w", it.ID, err)
	}
	if it.Header == nil {
		it.Header = workitem.Header{}
	}
	it.CreatedAt, _ = time.Parse(dbTimeLayout, createdAt)
	it.UpdatedAt, _ = time.Parse(dbTimeLayout, updatedAt)
	return &it, nil
}

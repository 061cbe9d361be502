package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/pkg/persistence"
	"gatekeeper/pkg/workitem"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)}
}

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"sqlite", func(t *testing.T) Store {
			db, err := persistence.Open(filepath.Join(t.TempDir(), "gatekeeper.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return NewSQLiteStore(db, WithClock(newClock().Now))
		}},
		{"vault", func(t *testing.T) Store {
			v, err := NewVaultStore(t.TempDir(), WithClock(newClock().Now))
			require.NoError(t, err)
			return v
		}},
	}
}

// TestStoreContract runs the same behavioral checks against every backend.
func TestStoreContract(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, b.open(t)) })
			t.Run("CreateRejectsTerminalContainers", func(t *testing.T) { testCreateRejects(t, b.open(t)) })
			t.Run("MoveIsTheTransition", func(t *testing.T) { testMove(t, b.open(t)) })
			t.Run("MoveFromWrongContainer", func(t *testing.T) { testMoveNotFound(t, b.open(t)) })
			t.Run("MoveToSameContainerConflicts", func(t *testing.T) { testMoveSame(t, b.open(t)) })
			t.Run("UpdateHeaderMerges", func(t *testing.T) { testUpdateHeader(t, b.open(t)) })
			t.Run("ListOrdersByCreation", func(t *testing.T) { testList(t, b.open(t)) })
			t.Run("ConcurrentMovesHaveOneWinner", func(t *testing.T) { testConcurrentMoves(t, b.open(t)) })
			t.Run("ArchiveRoundTrip", func(t *testing.T) { testArchive(t, b.open(t)) })
		})
	}
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	it, err := s.Create(ctx, workitem.NeedsAction, "EMAIL", workitem.Header{
		workitem.KeyActionType: "send_email",
		workitem.KeyPriority:   "high",
		"x_thread":             "abc",
	}, "hello")
	require.NoError(t, err)
	require.NoError(t, workitem.ValidateID(it.ID))

	got, err := s.Get(ctx, it.ID, workitem.NeedsAction)
	require.NoError(t, err)
	assert.Equal(t, "send_email", got.ActionType)
	assert.Equal(t, "hello", got.Body)
	assert.Equal(t, "abc", got.Header["x_thread"])
	assert.Equal(t, workitem.StatusNew, got.Header.String(workitem.KeyStatus))

	c, err := s.Locate(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, workitem.NeedsAction, c)

	_, err = s.Get(ctx, it.ID, workitem.Approved)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testCreateRejects(t *testing.T, s Store) {
	_, err := s.Create(context.Background(), workitem.Done, "EMAIL", nil, "")
	assert.ErrorIs(t, err, ErrInvalidContainer)
}

func testMove(t *testing.T, s Store) {
	ctx := context.Background()
	it, err := s.Create(ctx, workitem.NeedsAction, "NOTE", nil, "body")
	require.NoError(t, err)

	moved, err := s.Move(ctx, it.ID, workitem.NeedsAction, workitem.Approved, workitem.Header{workitem.KeyStatus: workitem.StatusApproved})
	require.NoError(t, err)
	assert.Equal(t, workitem.Approved, moved.Container)
	assert.Equal(t, it.ID, moved.ID, "id is stable across moves")

	_, err = s.Get(ctx, it.ID, workitem.NeedsAction)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.Get(ctx, it.ID, workitem.Approved)
	require.NoError(t, err)
	assert.Equal(t, workitem.StatusApproved, got.Header.String(workitem.KeyStatus))
	assert.Equal(t, "body", got.Body)

	c, err := s.Locate(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, workitem.Approved, c)
}

func testMoveNotFound(t *testing.T, s Store) {
	ctx := context.Background()
	it, err := s.Create(ctx, workitem.NeedsAction, "NOTE", nil, "")
	require.NoError(t, err)

	_, err = s.Move(ctx, it.ID, workitem.PendingApproval, workitem.Rejected, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Move(ctx, "NOTE_20261015T080000.000Z_000000", workitem.NeedsAction, workitem.Approved, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testMoveSame(t *testing.T, s Store) {
	ctx := context.Background()
	it, err := s.Create(ctx, workitem.NeedsAction, "NOTE", nil, "")
	require.NoError(t, err)

	_, err = s.Move(ctx, it.ID, workitem.NeedsAction, workitem.NeedsAction, nil)
	assert.ErrorIs(t, err, ErrConflict)
}

func testUpdateHeader(t *testing.T, s Store) {
	ctx := context.Background()
	it, err := s.Create(ctx, workitem.Approved, "NOTE", workitem.Header{"x_owner": "watcher"}, "")
	require.NoError(t, err)

	patch := workitem.Header{workitem.KeyHandler: "note", "amount": 12.5}
	once, err := s.UpdateHeader(ctx, it.ID, workitem.Approved, patch)
	require.NoError(t, err)
	twice, err := s.UpdateHeader(ctx, it.ID, workitem.Approved, patch)
	require.NoError(t, err)

	assert.Equal(t, once.Header, twice.Header)
	assert.Equal(t, "watcher", twice.Header["x_owner"])
	assert.Equal(t, 12.5, twice.Header["amount"])

	_, err = s.UpdateHeader(ctx, it.ID, workitem.Done, patch)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testList(t *testing.T, s Store) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		it, err := s.Create(ctx, workitem.Approved, "NOTE", nil, "")
		require.NoError(t, err)
		ids = append(ids, it.ID)
	}
	_, err := s.Create(ctx, workitem.NeedsAction, "NOTE", nil, "")
	require.NoError(t, err)

	items, err := s.List(ctx, workitem.Approved)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, it := range items {
		assert.Equal(t, ids[i], it.ID)
	}

	empty, err := s.List(ctx, workitem.Done)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testConcurrentMoves(t *testing.T, s Store) {
	ctx := context.Background()
	it, err := s.Create(ctx, workitem.PendingApproval, "APPROVAL", nil, "")
	require.NoError(t, err)

	targets := []workitem.Container{workitem.Approved, workitem.Rejected, workitem.Approved, workitem.Rejected}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, to := range targets {
		wg.Add(1)
		go func(i int, to workitem.Container) {
			defer wg.Done()
			_, errs[i] = s.Move(ctx, it.ID, workitem.PendingApproval, to, nil)
		}(i, to)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrNotFound)
		}
	}
	assert.Equal(t, 1, wins)

	_, err = s.Locate(ctx, it.ID)
	assert.NoError(t, err, "item must be in exactly one container")
}

func testArchive(t *testing.T, s Store) {
	ctx := context.Background()
	it, err := s.Create(ctx, workitem.NeedsAction, "PAYMENT", nil, "")
	require.NoError(t, err)

	_, err = s.Move(ctx, it.ID, workitem.NeedsAction, workitem.Archive, workitem.Header{workitem.KeyStatus: workitem.StatusAwaitingApproval})
	require.NoError(t, err)

	items, err := s.List(ctx, workitem.Archive)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, it.ID, items[0].ID)
	assert.Equal(t, workitem.StatusAwaitingApproval, items[0].Header.String(workitem.KeyStatus))
}

func TestVaultRecordLayout(t *testing.T) {
	root := t.TempDir()
	v, err := NewVaultStore(root, WithClock(newClock().Now))
	require.NoError(t, err)
	ctx := context.Background()

	it, err := v.Create(ctx, workitem.NeedsAction, "EMAIL", workitem.Header{workitem.KeySource: "gmail"}, "Body text")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "Needs_Action", it.ID+".md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "source: gmail")
	assert.Contains(t, string(data), "---\nBody text")

	_, err = v.Move(ctx, it.ID, workitem.NeedsAction, workitem.Archive, nil)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "Archive", "2026-10", it.ID+".md"))
	assert.NoError(t, err)
}

func TestVaultDetectsLeftBehindDuplicate(t *testing.T) {
	root := t.TempDir()
	v, err := NewVaultStore(root, WithClock(newClock().Now))
	require.NoError(t, err)
	ctx := context.Background()

	it, err := v.Create(ctx, workitem.Approved, "NOTE", nil, "")
	require.NoError(t, err)

	// Simulate a crash after the link but before the unlink.
	src := filepath.Join(root, "Approved", it.ID+".md")
	require.NoError(t, os.Link(src, filepath.Join(root, "Done", it.ID+".md")))

	_, err = v.Locate(ctx, it.ID)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestVaultMoveConflict(t *testing.T) {
	root := t.TempDir()
	v, err := NewVaultStore(root, WithClock(newClock().Now))
	require.NoError(t, err)
	ctx := context.Background()

	it, err := v.Create(ctx, workitem.Approved, "NOTE", nil, "original")
	require.NoError(t, err)
	squatter := filepath.Join(root, "Done", it.ID+".md")
	require.NoError(t, os.WriteFile(squatter, []byte("---\n---\nsquatter"), 0o644))

	_, err = v.Move(ctx, it.ID, workitem.Approved, workitem.Done, nil)
	assert.ErrorIs(t, err, ErrConflict)

	data, err := os.ReadFile(squatter)
	require.NoError(t, err)
	assert.Equal(t, "---\n---\nsquatter", string(data), "destination is never overwritten")

	_, err = v.Get(ctx, it.ID, workitem.Approved)
	assert.NoError(t, err, "source stays in place after a conflict")
}

func TestVaultListSkipsForeignFiles(t *testing.T) {
	root := t.TempDir()
	v, err := NewVaultStore(root, WithClock(newClock().Now))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = v.Create(ctx, workitem.Approved, "NOTE", nil, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "Approved", "README.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Approved", "broken.md"), []byte("no header"), 0o644))

	items, err := v.List(ctx, workitem.Approved)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

package loop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/pkg/audit"
	"gatekeeper/pkg/lifecycle"
	"gatekeeper/pkg/persistence"
	"gatekeeper/pkg/store"
	"gatekeeper/pkg/workitem"
)

var start = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctrl     *Controller
	sessions SessionStore
	ledger   *lifecycle.Ledger
	store    store.Store
	audit    *audit.Logger
}

func newSQLiteSessions(t *testing.T) SessionStore {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "loop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteSessionStore(db)
}

func newFileSessions(t *testing.T) SessionStore {
	t.Helper()
	fs, err := NewFileSessionStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	return fs
}

func newFixture(t *testing.T, sessions SessionStore) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := persistence.Open(filepath.Join(dir, "gatekeeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewSQLiteStore(db)

	al, err := audit.NewLogger(filepath.Join(dir, "Logs"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = al.Close() })

	ledger := lifecycle.NewLedger(st, al, nil)
	return &fixture{
		ctrl:     NewController(sessions, ledger, Config{}),
		sessions: sessions,
		ledger:   ledger,
		store:    st,
		audit:    al,
	}
}

func (f *fixture) kinds(t *testing.T, target string) []audit.Kind {
	t.Helper()
	entries, err := f.audit.Query(context.Background(), audit.Filter{Target: target})
	require.NoError(t, err)
	out := make([]audit.Kind, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Kind)
	}
	return out
}

func count(kinds []audit.Kind, k audit.Kind) int {
	n := 0
	for _, got := range kinds {
		if got == k {
			n++
		}
	}
	return n
}

func TestSessionStores(t *testing.T) {
	backends := map[string]func(*testing.T) SessionStore{
		"sqlite": newSQLiteSessions,
		"file":   newFileSessions,
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("lifecycle", func(t *testing.T) {
				ss := open(t)
				s := &Session{ID: "s-1", Instruction: "fix it", Ceiling: 3, CompletionToken: "DONE", StartedAt: start, UpdatedAt: start}
				require.NoError(t, ss.Create(ctx, s))
				assert.ErrorIs(t, ss.Create(ctx, s), ErrSessionExists)

				s.Iteration = 2
				require.NoError(t, ss.Save(ctx, s))
				got, err := ss.Get(ctx, "s-1")
				require.NoError(t, err)
				assert.Equal(t, 2, got.Iteration)

				active, err := ss.Active(ctx)
				require.NoError(t, err)
				require.Len(t, active, 1)

				rec, err := ss.Archive(ctx, "s-1", OutcomeCompleted, start.Add(time.Minute))
				require.NoError(t, err)
				assert.Equal(t, OutcomeCompleted, rec.Outcome)
				assert.Equal(t, 2, rec.Iteration)

				_, err = ss.Get(ctx, "s-1")
				assert.ErrorIs(t, err, ErrSessionNotFound)
				assert.ErrorIs(t, ss.Save(ctx, s), ErrSessionNotFound)
				active, err = ss.Active(ctx)
				require.NoError(t, err)
				assert.Empty(t, active)

				hist, err := ss.History(ctx, "s-1")
				require.NoError(t, err)
				assert.Equal(t, OutcomeCompleted, hist.Outcome)
				assert.Equal(t, "fix it", hist.Instruction)
				assert.True(t, hist.ArchivedAt.Equal(start.Add(time.Minute)))

				// An archived id cannot be reused.
				assert.ErrorIs(t, ss.Create(ctx, &Session{ID: "s-1", StartedAt: start, UpdatedAt: start}), ErrSessionExists)
			})

			t.Run("archive exactly once", func(t *testing.T) {
				ss := open(t)
				require.NoError(t, ss.Create(ctx, &Session{ID: "race", StartedAt: start, UpdatedAt: start}))

				var wg sync.WaitGroup
				var mu sync.Mutex
				wins := 0
				for i := range 8 {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, err := ss.Archive(ctx, "race", OutcomeCeilingReached, start.Add(time.Duration(i)*time.Second))
						if err == nil {
							mu.Lock()
							wins++
							mu.Unlock()
							return
						}
						assert.ErrorIs(t, err, ErrSessionNotFound)
					}(i)
				}
				wg.Wait()
				assert.Equal(t, 1, wins)
			})

			t.Run("missing", func(t *testing.T) {
				ss := open(t)
				_, err := ss.Get(ctx, "nope")
				assert.ErrorIs(t, err, ErrSessionNotFound)
				_, err = ss.Archive(ctx, "nope", OutcomeCompleted, start)
				assert.ErrorIs(t, err, ErrSessionNotFound)
				_, err = ss.History(ctx, "nope")
				assert.ErrorIs(t, err, ErrSessionNotFound)
			})
		})
	}
}

func TestFileSessionLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	fs, err := NewFileSessionStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Create(ctx, &Session{ID: "abc", StartedAt: start, UpdatedAt: start}))
	require.NoError(t, fs.Create(ctx, &Session{ID: "abc-def", StartedAt: start, UpdatedAt: start}))
	_, err = os.Stat(filepath.Join(dir, "active", "abc.json"))
	require.NoError(t, err)

	_, err = fs.Archive(ctx, "abc-def", OutcomeCompleted, start)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "history", "abc-def-20261015T090000.000000000Z.json"))
	require.NoError(t, err)

	// "abc" shares a prefix with the archived "abc-def" but is still live.
	_, err = fs.History(ctx, "abc")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = fs.Get(ctx, "abc")
	require.NoError(t, err)

	assert.Error(t, fs.Create(ctx, &Session{ID: "../escape"}))
}

func TestCeilingReached(t *testing.T) {
	f := newFixture(t, newSQLiteSessions(t))
	ctx := context.Background()

	it, err := f.ledger.Create(ctx, "agent", workitem.NeedsAction, "TASK", workitem.Header{workitem.KeyActionType: "research"}, "")
	require.NoError(t, err)
	s, err := f.ctrl.Start(ctx, Spec{ID: "ceiling", Instruction: "keep going", Ceiling: 10, WatchItemID: it.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, s.Iteration)

	for i := 1; i <= 10; i++ {
		d, err := f.ctrl.OnExitAttempt(ctx, s.ID, "still working")
		require.NoError(t, err)
		require.Equal(t, ActionContinue, d.Action, "attempt %d", i)
		assert.Equal(t, "keep going", d.Prompt)
		assert.Equal(t, i, d.Iteration)

		persisted, err := f.ctrl.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, i, persisted.Iteration)
	}

	d, err := f.ctrl.OnExitAttempt(ctx, s.ID, "still working")
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, ReasonCeilingReached, d.Reason)

	hist, err := f.ctrl.History(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCeilingReached, hist.Outcome)
	assert.Equal(t, 10, hist.Iteration)

	// Later attempts find no session and never re-archive.
	d, err = f.ctrl.OnExitAttempt(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ReasonNoActiveSession, d.Reason)

	kinds := f.kinds(t, s.ID)
	assert.Equal(t, 1, count(kinds, audit.KindLoopStarted))
	assert.Equal(t, 10, count(kinds, audit.KindLoopContinued))
	assert.Equal(t, 1, count(kinds, audit.KindLoopCeilingReached))
}

func TestWatchedItemDoneIsDetected(t *testing.T) {
	f := newFixture(t, newFileSessions(t))
	ctx := context.Background()

	it, err := f.ledger.Create(ctx, "agent", workitem.Approved, "TASK", workitem.Header{workitem.KeyActionType: "research"}, "")
	require.NoError(t, err)
	s, err := f.ctrl.Start(ctx, Spec{Instruction: "finish the report", Ceiling: 10, WatchItemID: it.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	for i := 0; i < 3; i++ {
		d, err := f.ctrl.OnExitAttempt(ctx, s.ID, "")
		require.NoError(t, err)
		require.Equal(t, ActionContinue, d.Action)
	}

	_, err = f.ledger.Move(ctx, lifecycle.Transition{ID: it.ID, From: workitem.Approved, To: workitem.Done, Actor: "agent"})
	require.NoError(t, err)

	d, err := f.ctrl.OnExitAttempt(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, ReasonDetected, d.Reason)
	assert.Equal(t, "item", d.Strategy)
	assert.Equal(t, 3, d.Iteration)

	hist, err := f.ctrl.History(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, hist.Outcome)
	assert.Equal(t, 1, count(f.kinds(t, s.ID), audit.KindLoopCompleted))
}

func TestWatchedGatedItemFollowsRequest(t *testing.T) {
	f := newFixture(t, newSQLiteSessions(t))
	ctx := context.Background()

	origin, err := f.ledger.Create(ctx, "agent", workitem.NeedsAction, "EMAIL", workitem.Header{workitem.KeyActionType: "send_email"}, "")
	require.NoError(t, err)
	req, err := f.ledger.Create(ctx, "gate", workitem.PendingApproval, workitem.KindApproval, workitem.Header{
		workitem.KeyOriginID:   origin.ID,
		workitem.KeyActionType: "send_email",
	}, "")
	require.NoError(t, err)
	_, err = f.ledger.Move(ctx, lifecycle.Transition{
		ID: origin.ID, From: workitem.NeedsAction, To: workitem.Archive, Actor: "gate",
		Patch: workitem.Header{workitem.KeyApprovalID: req.ID},
	})
	require.NoError(t, err)

	s, err := f.ctrl.Start(ctx, Spec{Instruction: "send the email", Ceiling: 10, WatchItemID: origin.ID})
	require.NoError(t, err)

	d, err := f.ctrl.OnExitAttempt(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, d.Action, "archived while the request is pending")

	_, err = f.ledger.Move(ctx, lifecycle.Transition{ID: req.ID, From: workitem.PendingApproval, To: workitem.Approved, Actor: "alice"})
	require.NoError(t, err)
	d, err = f.ctrl.OnExitAttempt(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, d.Action, "approved but not executed")

	_, err = f.ledger.Move(ctx, lifecycle.Transition{ID: req.ID, From: workitem.Approved, To: workitem.Done, Actor: "dispatcher"})
	require.NoError(t, err)
	d, err = f.ctrl.OnExitAttempt(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, ReasonDetected, d.Reason)
	assert.Equal(t, "item", d.Strategy)
}

func TestWatchedItemLeavingOrigin(t *testing.T) {
	f := newFixture(t, newSQLiteSessions(t))
	ctx := context.Background()

	it, err := f.ledger.Create(ctx, "agent", workitem.NeedsAction, "TASK", workitem.Header{workitem.KeyActionType: "triage"}, "")
	require.NoError(t, err)
	s, err := f.ctrl.Start(ctx, Spec{Instruction: "triage the inbox", WatchItemID: it.ID, WatchOrigin: workitem.NeedsAction})
	require.NoError(t, err)
	assert.Equal(t, 10, s.Ceiling)

	d, err := f.ctrl.OnExitAttempt(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, d.Action)

	_, err = f.ledger.Move(ctx, lifecycle.Transition{ID: it.ID, From: workitem.NeedsAction, To: workitem.PendingApproval, Actor: "agent"})
	require.NoError(t, err)

	d, err = f.ctrl.OnExitAttempt(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ReasonDetected, d.Reason)
}

func TestCompletionToken(t *testing.T) {
	f := newFixture(t, newSQLiteSessions(t))
	ctx := context.Background()

	s, err := f.ctrl.Start(ctx, Spec{ID: "tok", Instruction: "write tests", CompletionToken: "ALL_GREEN"})
	require.NoError(t, err)

	// A bare mention is flagged, not trusted.
	d, err := f.ctrl.OnExitAttempt(ctx, s.ID, "I will print ALL_GREEN when finished")
	require.NoError(t, err)
	assert.Equal(t, ActionContinue, d.Action)
	assert.True(t, d.Flagged)

	got, err := f.ctrl.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Flagged)
	assert.Equal(t, 1, count(f.kinds(t, s.ID), audit.KindCompletionFlagged))

	d, err = f.ctrl.OnExitAttempt(ctx, s.ID, "done.\n<promise> ALL_GREEN </promise>")
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, ReasonDetected, d.Reason)
	assert.Equal(t, "token", d.Strategy)
}

func TestDefaultTokenAndUnknownSession(t *testing.T) {
	f := newFixture(t, newFileSessions(t))
	ctx := context.Background()

	d, err := f.ctrl.OnExitAttempt(ctx, "ghost", "")
	require.NoError(t, err)
	assert.Equal(t, Decision{Action: ActionAllow, Reason: ReasonNoActiveSession}, d)

	s, err := f.ctrl.Start(ctx, Spec{Instruction: "x"})
	require.NoError(t, err)
	assert.Equal(t, "TASK_COMPLETE", s.CompletionToken)
	d, err = f.ctrl.OnExitAttempt(ctx, s.ID, "<promise>TASK_COMPLETE</promise>")
	require.NoError(t, err)
	assert.Equal(t, ReasonDetected, d.Reason)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, newSQLiteSessions(t))
	ctx := context.Background()

	_, err := f.ctrl.Start(ctx, Spec{})
	assert.Error(t, err)
	_, err = f.ctrl.Start(ctx, Spec{Instruction: "x", WatchOrigin: workitem.NeedsAction})
	assert.Error(t, err)
	_, err = f.ctrl.Start(ctx, Spec{Instruction: "x", WatchItemID: "A", WatchOrigin: "Nowhere"})
	assert.Error(t, err)
	_, err = f.ctrl.Start(ctx, Spec{Instruction: "x", ID: "bad id"})
	assert.Error(t, err)

	_, err = f.ctrl.Start(ctx, Spec{ID: "dup", Instruction: "x"})
	require.NoError(t, err)
	_, err = f.ctrl.Start(ctx, Spec{ID: "dup", Instruction: "x"})
	assert.ErrorIs(t, err, ErrSessionExists)
}

type failingSave struct{ SessionStore }

func (failingSave) Save(context.Context, *Session) error { return errors.New("disk full") }

func TestContinueRequiresPersistence(t *testing.T) {
	f := newFixture(t, failingSave{newSQLiteSessions(t)})
	ctx := context.Background()

	s, err := f.ctrl.Start(ctx, Spec{Instruction: "x"})
	require.NoError(t, err)
	_, err = f.ctrl.OnExitAttempt(ctx, s.ID, "")
	require.Error(t, err)
	assert.Equal(t, 0, count(f.kinds(t, s.ID), audit.KindLoopContinued))
}

func TestConcurrentExitAttemptsArchiveOnce(t *testing.T) {
	f := newFixture(t, newSQLiteSessions(t))
	ctx := context.Background()
	s, err := f.ctrl.Start(ctx, Spec{Instruction: "x", Ceiling: 1})
	require.NoError(t, err)
	_, err = f.ctrl.OnExitAttempt(ctx, s.ID, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.ctrl.OnExitAttempt(ctx, s.ID, "")
			assert.NoError(t, err)
			assert.Equal(t, ActionAllow, d.Action)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, count(f.kinds(t, s.ID), audit.KindLoopCeilingReached))
}

package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t0 time.Time) func() time.Time {
	return func() time.Time { return t0 }
}

func TestAppendAssignsMonotonicOrder(t *testing.T) {
	dir := t.TempDir()
	// A frozen clock forces the tie-break path.
	l, err := NewLogger(dir, WithClock(fixedClock(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))))
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	var prev Entry
	for i := 0; i < 5; i++ {
		e, err := l.Append(ctx, Entry{Kind: KindCreated, Actor: "producer", Target: "NOTE_1"})
		require.NoError(t, err)
		assert.NotEmpty(t, e.ID)
		if i > 0 {
			assert.True(t, e.TS.After(prev.TS), "timestamps must strictly increase")
			assert.Equal(t, prev.Seq+1, e.Seq)
		}
		prev = e
	}

	entries, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Seq, entries[i].Seq)
	}
}

func TestAppendIsDurableBeforeReturn(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, WithClock(fixedClock(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))))
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(context.Background(), Entry{Kind: KindCompleted, Actor: "dispatcher", Target: "NOTE_1"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "audit-2026-10-15.jsonl"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"))
	assert.Contains(t, string(data), `"kind":"completed"`)
}

func TestPartitionsByDay(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 15, 23, 59, 59, 0, time.UTC)
	clock := func() time.Time { return now }
	l, err := NewLogger(dir, WithClock(clock))
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	_, err = l.Append(ctx, Entry{Kind: KindCreated, Target: "A"})
	require.NoError(t, err)
	now = now.Add(2 * time.Second)
	_, err = l.Append(ctx, Entry{Kind: KindCreated, Target: "B"})
	require.NoError(t, err)

	parts, err := ListPartitions(dir)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "2026-10-15", parts[0].Date)
	assert.Equal(t, "2026-10-16", parts[1].Date)
	assert.Equal(t, parts[1].Path, l.CurrentFile())

	entries, err := l.Query(ctx, Filter{Since: time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "B", entries[0].Target)
}

func TestQueryFilters(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	now := base
	l, err := NewLogger(dir, WithClock(func() time.Time { now = now.Add(time.Minute); return now }))
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	for _, e := range []Entry{
		{Kind: KindCreated, Actor: "producer", Target: "A"},
		{Kind: KindApproved, Actor: "gate:auto", Target: "A"},
		{Kind: KindCreated, Actor: "producer", Target: "B"},
		{Kind: KindCompleted, Actor: "dispatcher", Target: "A"},
	} {
		_, err := l.Append(ctx, e)
		require.NoError(t, err)
	}

	byTarget, err := l.Query(ctx, Filter{Target: "A"})
	require.NoError(t, err)
	assert.Len(t, byTarget, 3)

	byKind, err := l.Query(ctx, Filter{Kinds: []Kind{KindCreated}})
	require.NoError(t, err)
	assert.Len(t, byKind, 2)

	byActor, err := l.Query(ctx, Filter{Actor: "gate:auto"})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, KindApproved, byActor[0].Kind)

	window, err := l.Query(ctx, Filter{Since: base.Add(2 * time.Minute), Until: base.Add(4 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	latest, err := l.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, KindCompleted, latest[0].Kind)
}

func TestPayloadSanitizedBeforeWrite(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(context.Background(), Entry{
		Kind:   KindFailed,
		Target: "EMAIL_1",
		Payload: map[string]any{
			"detail":   "smtp auth failed for alice.smith@example.com",
			"api_key":  "sk-live-0123456789abcdef",
			"account":  "123456789012",
			"attempts": 2,
		},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(l.CurrentFile())
	require.NoError(t, err)
	text := string(raw)
	assert.NotContains(t, text, "alice.smith@")
	assert.NotContains(t, text, "0123456789abcdef")
	assert.NotContains(t, text, "123456789012")
	assert.Contains(t, text, "al***@example.com")
	assert.Contains(t, text, "********9012")
}

func TestQuerySkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	good := `{"id":"1","seq":1,"ts":"2026-10-15T09:00:00Z","kind":"created","actor":"p","target":"A","proc":"x"}`
	require.NoError(t, os.WriteFile(PartitionPath(dir, "2026-10-15"), []byte(good+"\n{\"id\":\"2\",\"se"), 0o644))

	entries, err := ReadDir(dir, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "A", entries[0].Target)
}

type recordingSink struct {
	mu      sync.Mutex
	entries []Entry
	fail    bool
}

func (s *recordingSink) Publish(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broker down")
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func TestSinksReceiveSanitizedEntries(t *testing.T) {
	ok := &recordingSink{}
	broken := &recordingSink{fail: true}
	l, err := NewLogger(t.TempDir(), WithSink(ok), WithSink(broken))
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(context.Background(), Entry{
		Kind:    KindCreated,
		Target:  "A",
		Payload: map[string]any{"password": "hunter2hunter2"},
	})
	require.NoError(t, err, "sink failure must not fail the append")

	require.Len(t, ok.entries, 1)
	assert.Equal(t, "[redacted]", ok.entries[0].Payload["password"])
}

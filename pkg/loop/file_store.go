package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileSessionStore keeps each live session at <dir>/active/<id>.json and
// archives it to <dir>/history/<id>-<timestamp>.json. Archival renames the
// live file, so only one caller can claim it.
type FileSessionStore struct {
	dir string
	mu  sync.Mutex
}

const historyTimeLayout = "20060102T150405.000000000Z"

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidSessionID reports whether id is usable as a session identifier.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

// NewFileSessionStore creates the active and history directories under dir.
func NewFileSessionStore(dir string) (*FileSessionStore, error) {
	for _, sub := range []string{"active", "history"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	return &FileSessionStore{dir: dir}, nil
}

func (f *FileSessionStore) activePath(id string) string {
	return filepath.Join(f.dir, "active", id+".json")
}

// Create implements SessionStore.
func (f *FileSessionStore) Create(_ context.Context, s *Session) error {
	if !ValidSessionID(s.ID) {
		return fmt.Errorf("invalid session id %q", s.ID)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.historyPath(s.ID); err == nil {
		return fmt.Errorf("%s: %w", s.ID, ErrSessionExists)
	}
	tmp, err := writeTemp(filepath.Join(f.dir, "active"), data)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()
	if err := os.Link(tmp, f.activePath(s.ID)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", s.ID, ErrSessionExists)
		}
		return fmt.Errorf("failed to create session %s: %w", s.ID, err)
	}
	return nil
}

// Get implements SessionStore.
func (f *FileSessionStore) Get(_ context.Context, id string) (*Session, error) {
	if !ValidSessionID(id) {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return readSession(f.activePath(id), id)
}

func readSession(path, id string) (*Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return &s, nil
}

// Save implements SessionStore.
func (f *FileSessionStore) Save(_ context.Context, s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.activePath(s.ID)
	if _, err := os.Stat(p); err != nil {
		return fmt.Errorf("%s: %w", s.ID, ErrSessionNotFound)
	}
	tmp, err := writeTemp(filepath.Dir(p), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

// Active implements SessionStore.
func (f *FileSessionStore) Active(_ context.Context) ([]*Session, error) {
	entries, err := os.ReadDir(filepath.Join(f.dir, "active"))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var out []*Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		s, err := readSession(f.activePath(id), id)
		if errors.Is(err, ErrSessionNotFound) {
			continue // archived since ReadDir
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Archive implements SessionStore. The live file is renamed into history
// first, which is the exactly-once claim, then rewritten with the outcome.
func (f *FileSessionStore) Archive(_ context.Context, id string, outcome Outcome, at time.Time) (*HistoryRecord, error) {
	if !ValidSessionID(id) {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	at = at.UTC()
	dst := filepath.Join(f.dir, "history", id+"-"+at.Format(historyTimeLayout)+".json")

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Rename(f.activePath(id), dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to archive session %s: %w", id, err)
	}

	s, err := readSession(dst, id)
	if err != nil {
		return nil, err
	}
	rec := &HistoryRecord{Session: *s, Outcome: outcome, ArchivedAt: at}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history %s: %w", id, err)
	}
	tmp, err := writeTemp(filepath.Dir(dst), data)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to write history %s: %w", id, err)
	}
	return rec, nil
}

// History implements SessionStore.
func (f *FileSessionStore) History(_ context.Context, id string) (*HistoryRecord, error) {
	p, err := f.historyPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read history %s: %w", id, err)
	}
	var rec HistoryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history %s: %w", id, err)
	}
	return &rec, nil
}

// historyPath finds <id>-<timestamp>.json. The timestamp has a fixed width,
// so ids that share a prefix do not collide.
func (f *FileSessionStore) historyPath(id string) (string, error) {
	dir := filepath.Join(f.dir, "history")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list history: %w", err)
	}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		if len(name) != len(id)+1+len(historyTimeLayout) || !strings.HasPrefix(name, id+"-") {
			continue
		}
		if _, err := time.Parse(historyTimeLayout, name[len(id)+1:]); err == nil {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("%s: %w", id, ErrSessionNotFound)
}

func writeTemp(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return name, nil
}

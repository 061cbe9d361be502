package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"gatekeeper/pkg/logx"
)

// Source serves the current policy table and swaps it atomically on reload.
// A failed reload keeps the previous table.
type Source struct {
	path    string
	current atomic.Pointer[Table]
	logger  *logx.Logger
}

// NewSource loads path. An empty path yields a source whose table has no
// entries, so every action type requires approval.
func NewSource(path string) (*Source, error) {
	s := &Source{path: path, logger: logx.NewLogger("policy")}
	if path == "" {
		s.current.Store(&Table{Policies: map[string]Policy{}})
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// StaticSource serves a fixed table.
func StaticSource(t *Table) *Source {
	s := &Source{logger: logx.NewLogger("policy")}
	s.current.Store(t)
	return s
}

// Current returns the active table.
func (s *Source) Current() *Table {
	return s.current.Load()
}

// Path returns the file backing the source, if any.
func (s *Source) Path() string { return s.path }

// Reload re-reads the policy file.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	t, err := Load(s.path)
	if err != nil {
		if prev := s.current.Load(); prev != nil {
			s.logger.Warn("policy reload failed, keeping table loaded at %s: %v", prev.LoadedAt.Format(time.RFC3339), err)
		}
		return err
	}
	s.current.Store(t)
	s.logger.Info("loaded %d policies from %s", len(t.Policies), s.path)
	return nil
}

// Watch reloads the table whenever the policy file changes until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}
	target := filepath.Clean(s.path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				// Let writes settle before reading.
				debounce = time.After(100 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			_ = s.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("policy watcher error: %v", err)
		}
	}
}

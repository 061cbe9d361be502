package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gatekeeper/pkg/logx"
	"gatekeeper/pkg/workitem"
)

// VaultStore keeps each item as a markdown record at <root>/<Container>/<ID>.md,
// so the vault can be browsed and edited by hand. Archive is partitioned by
// creation month: <root>/Archive/2026-10/<ID>.md.
//
// A move hard-links the new record into the destination, which fails if the
// name is taken, then unlinks the source. A crash between the two steps
// leaves the item in both containers; Locate reports that as ErrDuplicate.
type VaultStore struct {
	root   string
	opts   options
	mu     sync.Mutex
	logger *logx.Logger
}

// NewVaultStore creates the container directories under root.
func NewVaultStore(root string, opts ...Option) (*VaultStore, error) {
	dirs := append(workitem.Containers(), workitem.Logs)
	for _, c := range dirs {
		if err := os.MkdirAll(filepath.Join(root, string(c)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create container %s: %w", c, err)
		}
	}
	return &VaultStore{root: root, opts: buildOptions(opts), logger: logx.NewLogger("vault")}, nil
}

// Root returns the vault directory.
func (v *VaultStore) Root() string { return v.root }

// path returns the record path of id within container.
func (v *VaultStore) path(id string, c workitem.Container) string {
	if c == workitem.Archive {
		month := "unknown"
		if t, ok := workitem.CreatedFromID(id); ok {
			month = t.Format("2006-01")
		}
		return filepath.Join(v.root, string(c), month, workitem.FileName(id))
	}
	return filepath.Join(v.root, string(c), workitem.FileName(id))
}

// Create implements Store.
func (v *VaultStore) Create(_ context.Context, container workitem.Container, kind string, header workitem.Header, body string) (*workitem.Item, error) {
	if !creatable(container) {
		return nil, fmt.Errorf("create into %q: %w", container, ErrInvalidContainer)
	}
	it, err := workitem.NewItem(container, kind, header, body, v.opts.now())
	if err != nil {
		return nil, err
	}
	data, err := workitem.Encode(it)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.publish(v.path(it.ID, container), data); err != nil {
		return nil, fmt.Errorf("create %s: %w", it.ID, err)
	}
	return it, nil
}

// Get implements Store.
func (v *VaultStore) Get(_ context.Context, id string, container workitem.Container) (*workitem.Item, error) {
	if err := workitem.ValidateID(id); err != nil {
		return nil, err
	}
	return v.read(id, container)
}

func (v *VaultStore) read(id string, container workitem.Container) (*workitem.Item, error) {
	p := v.path(id, container)
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFound(id, container)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	it, err := workitem.Decode(id, container, data)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(p); err == nil {
		it.UpdatedAt = info.ModTime().UTC()
	}
	return it, nil
}

// Locate implements Store.
func (v *VaultStore) Locate(_ context.Context, id string) (workitem.Container, error) {
	if err := workitem.ValidateID(id); err != nil {
		return "", err
	}
	var found []workitem.Container
	for _, c := range workitem.Containers() {
		if _, err := os.Stat(v.path(id, c)); err == nil {
			found = append(found, c)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%s in %v: %w", id, found, ErrDuplicate)
	}
}

// List implements Store. Files that are not records are ignored; records
// that fail to parse are logged and skipped so one bad hand edit does not
// stall the container.
func (v *VaultStore) List(_ context.Context, container workitem.Container) ([]*workitem.Item, error) {
	if !container.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContainer, container)
	}
	dirs := []string{filepath.Join(v.root, string(container))}
	if container == workitem.Archive {
		months, err := os.ReadDir(dirs[0])
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", container, err)
		}
		dirs = dirs[:0]
		for _, m := range months {
			if m.IsDir() {
				dirs = append(dirs, filepath.Join(v.root, string(container), m.Name()))
			}
		}
	}

	var items []*workitem.Item
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", container, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
				continue
			}
			id := strings.TrimSuffix(name, ".md")
			it, err := v.read(id, container)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue // moved since ReadDir
				}
				v.logger.Warn("skipping unreadable record %s/%s: %v", container, name, err)
				continue
			}
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// Move implements Store.
func (v *VaultStore) Move(_ context.Context, id string, from, to workitem.Container, patch workitem.Header) (*workitem.Item, error) {
	if err := checkMove(id, from, to); err != nil {
		return nil, err
	}
	normalized, err := workitem.Normalize(patch)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	it, err := v.read(id, from)
	if err != nil {
		return nil, err
	}
	it.Container = to
	it.Header = it.Header.Merge(normalized)
	it.UpdatedAt = v.opts.now().UTC()
	data, err := workitem.Encode(it)
	if err != nil {
		return nil, err
	}

	dst := v.path(id, to)
	if err := v.publish(dst, data); err != nil {
		return nil, fmt.Errorf("move %s %s -> %s: %w", id, from, to, err)
	}
	if err := os.Remove(v.path(id, from)); err != nil {
		// Someone else moved the source first: undo our copy.
		_ = os.Remove(dst)
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(id, from)
		}
		return nil, fmt.Errorf("move %s: failed to remove source: %w", id, err)
	}
	return it, nil
}

// UpdateHeader implements Store.
func (v *VaultStore) UpdateHeader(_ context.Context, id string, container workitem.Container, patch workitem.Header) (*workitem.Item, error) {
	if err := workitem.ValidateID(id); err != nil {
		return nil, err
	}
	normalized, err := workitem.Normalize(patch)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	it, err := v.read(id, container)
	if err != nil {
		return nil, err
	}
	it.Header = it.Header.Merge(normalized)
	it.UpdatedAt = v.opts.now().UTC()
	data, err := workitem.Encode(it)
	if err != nil {
		return nil, err
	}

	p := v.path(id, container)
	tmp, err := writeTemp(filepath.Dir(p), data)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(p); err != nil {
		_ = os.Remove(tmp)
		return nil, notFound(id, container)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to replace %s: %w", p, err)
	}
	return it, nil
}

// Close implements Store.
func (v *VaultStore) Close() error { return nil }

// publish makes data visible at dst without ever replacing an existing
// record: the content is written to a temp file, synced, then hard-linked.
func (v *VaultStore) publish(dst string, data []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := writeTemp(dir, data)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Link(tmp, dst); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrConflict
		}
		return fmt.Errorf("failed to link %s: %w", dst, err)
	}
	return nil
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

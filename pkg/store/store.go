// Package store holds work items in named containers. Moving an item between
// containers is the lifecycle transition; UpdateHeader is the only in-place
// mutation. Two backends exist: SQLite (primary) and a vault of markdown
// files where each container is a directory.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatekeeper/pkg/workitem"
)

// Sentinel errors. Callers inspect them with errors.Is.
var (
	// ErrNotFound means the item is not in the expected container. Callers
	// must re-derive the current location rather than retry blindly.
	ErrNotFound = errors.New("item not found in container")
	// ErrConflict means the destination already holds an item with that id.
	ErrConflict = errors.New("item already exists in destination container")
	// ErrDuplicate means the item is visible in more than one container,
	// left behind by an interrupted move.
	ErrDuplicate = errors.New("item present in more than one container")
	// ErrInvalidContainer rejects unknown or non-item containers.
	ErrInvalidContainer = errors.New("invalid container")
)

// Store is the durable item namespace.
type Store interface {
	// Create writes a new item into container and returns it with its id.
	Create(ctx context.Context, container workitem.Container, kind string, header workitem.Header, body string) (*workitem.Item, error)
	// Get reads an item from a specific container.
	Get(ctx context.Context, id string, container workitem.Container) (*workitem.Item, error)
	// Locate returns the single container currently holding id.
	Locate(ctx context.Context, id string) (workitem.Container, error)
	// List returns the items of a container ordered by creation.
	List(ctx context.Context, container workitem.Container) ([]*workitem.Item, error)
	// Move atomically relocates id from one container to another, merging
	// patch into the header as part of the same transition. patch may be nil.
	Move(ctx context.Context, id string, from, to workitem.Container, patch workitem.Header) (*workitem.Item, error)
	// UpdateHeader merges patch into the header of the item in container.
	UpdateHeader(ctx context.Context, id string, container workitem.Container, patch workitem.Header) (*workitem.Item, error)
	// Close releases backend resources.
	Close() error
}

// Option configures a backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for timestamps and ids.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// creatable lists the containers producers and the gate may create into.
func creatable(c workitem.Container) bool {
	switch c {
	case workitem.Inbox, workitem.NeedsAction, workitem.PendingApproval, workitem.Approved:
		return true
	default:
		return false
	}
}

func checkMove(id string, from, to workitem.Container) error {
	if err := workitem.ValidateID(id); err != nil {
		return err
	}
	if !from.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidContainer, from)
	}
	if !to.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidContainer, to)
	}
	if from == to {
		return fmt.Errorf("move %s %s -> %s: %w", id, from, to, ErrConflict)
	}
	return nil
}

func notFound(id string, c workitem.Container) error {
	return fmt.Errorf("%s in %s: %w", id, c, ErrNotFound)
}

// Package workitem defines tracked work items, the containers they live in,
// and the text record format used to persist them.
package workitem

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Container is a named lifecycle bucket. An item resides in exactly one.
type Container string

// Container names.
const (
	Inbox           Container = "Inbox"
	NeedsAction     Container = "Needs_Action"
	PendingApproval Container = "Pending_Approval"
	Approved        Container = "Approved"
	Rejected        Container = "Rejected"
	Failed          Container = "Failed"
	Done            Container = "Done"
	Logs            Container = "Logs"
	Archive         Container = "Archive"
)

// Containers returns every container that can hold items, in lifecycle order.
func Containers() []Container {
	return []Container{Inbox, NeedsAction, PendingApproval, Approved, Rejected, Failed, Done, Archive}
}

// IsValid reports whether c names an item-bearing container.
func (c Container) IsValid() bool {
	for _, known := range Containers() {
		if c == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether items in c are finished.
func (c Container) IsTerminal() bool {
	return c == Done || c == Failed || c == Rejected || c == Archive
}

// Status is the value mirrored into the `status` header key on every move.
func (c Container) Status() string {
	switch c {
	case Inbox, NeedsAction:
		return StatusNew
	case PendingApproval:
		return StatusPending
	case Approved:
		return StatusApproved
	case Rejected:
		return StatusRejected
	case Failed:
		return StatusFailed
	case Done:
		return StatusDone
	case Archive:
		return StatusArchived
	default:
		return strings.ToLower(string(c))
	}
}

// Status values.
const (
	StatusNew              = "new"
	StatusPending          = "pending"
	StatusApproved         = "approved"
	StatusRejected         = "rejected"
	StatusExpired          = "expired"
	StatusFailed           = "failed"
	StatusDone             = "done"
	StatusArchived         = "archived"
	StatusAwaitingApproval = "awaiting_approval"
)

// Kinds produced by the engine itself.
const (
	KindApproval = "APPROVAL"
)

// Item is a tracked unit of work.
type Item struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	ActionType string    `json:"action_type"`
	Container  Container `json:"container"`
	Header     Header    `json:"header"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FileName is the record file name for the item.
func (it *Item) FileName() string {
	return FileName(it.ID)
}

// FileName returns the record file name for an id.
func FileName(id string) string {
	return id + ".md"
}

// NewID derives an immutable id from the kind and creation time plus a random suffix.
//
//	EMAIL_20261015T194512.123Z_a1b2c3
func NewID(kind string, created time.Time) (string, error) {
	suffix := make([]byte, 3)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate id suffix: %w", err)
	}
	return fmt.Sprintf("%s_%s_%x", normalizeKind(kind), created.UTC().Format(idTimeLayout), suffix), nil
}

const idTimeLayout = "20060102T150405.000Z"

// CreatedFromID recovers the creation time encoded in an id.
func CreatedFromID(id string) (time.Time, bool) {
	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		return time.Time{}, false
	}
	t, err := time.Parse(idTimeLayout, parts[len(parts)-2])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func normalizeKind(kind string) string {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return "ITEM"
	}
	var b strings.Builder
	for _, r := range strings.ToUpper(kind) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// ValidateID rejects ids that could escape a container directory.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("empty item id")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid item id %q", id)
	}
	return nil
}

// Package loop bounds an autonomous agent working on one task. Every time
// the agent tries to stop, the Controller either lets it exit or re-injects
// the instruction, based on completion detection and an iteration ceiling.
package loop

import (
	"context"
	"errors"
	"time"

	"gatekeeper/pkg/workitem"
)

// Session errors.
var (
	ErrSessionNotFound = errors.New("loop session not found")
	ErrSessionExists   = errors.New("loop session already exists")
)

// Outcome is the terminal result of a session.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeCeilingReached Outcome = "ceiling_reached"
)

// Session is the live record of one bounded loop. Iteration counts the
// continues already granted and never decreases.
type Session struct {
	ID              string             `json:"id"`
	Instruction     string             `json:"instruction"`
	Ceiling         int                `json:"ceiling"`
	Iteration       int                `json:"iteration"`
	WatchItemID     string             `json:"watch_item_id,omitempty"`
	WatchOrigin     workitem.Container `json:"watch_origin,omitempty"`
	CompletionToken string             `json:"completion_token"`
	Flagged         int                `json:"flagged,omitempty"`
	StartedAt       time.Time          `json:"started_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// HistoryRecord is an archived session. It is never modified.
type HistoryRecord struct {
	Session
	Outcome    Outcome   `json:"outcome"`
	ArchivedAt time.Time `json:"archived_at"`
}

// SessionStore persists live sessions and their history.
type SessionStore interface {
	// Create stores a new live session. Ids already live or archived are
	// rejected with ErrSessionExists.
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Save overwrites a live session.
	Save(ctx context.Context, s *Session) error
	// Active lists live sessions ordered by start time.
	Active(ctx context.Context) ([]*Session, error)
	// Archive moves a live session into history. Exactly one caller wins;
	// the rest get ErrSessionNotFound.
	Archive(ctx context.Context, id string, outcome Outcome, at time.Time) (*HistoryRecord, error)
	// History returns the archived record of id.
	History(ctx context.Context, id string) (*HistoryRecord, error)
}

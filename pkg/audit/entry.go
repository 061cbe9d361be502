// Package audit is the append-only, day-partitioned record of every
// lifecycle transition and execution attempt.
package audit

import "time"

// Kind identifies the type of audited event.
type Kind string

// Event kinds.
const (
	KindCreated           Kind = "created"
	KindApprovalRequested Kind = "approval_requested"
	KindApproved          Kind = "approved"
	KindRejected          Kind = "rejected"
	KindExpired           Kind = "expired"
	KindExecuting         Kind = "executing"
	KindRetryScheduled    Kind = "retry_scheduled"
	KindCompleted         Kind = "completed"
	KindFailed            Kind = "failed"
	KindDuplicateDetected Kind = "duplicate_detected"
	KindArchived          Kind = "archived"

	KindLoopStarted        Kind = "loop_started"
	KindLoopContinued      Kind = "loop_continued"
	KindLoopCompleted      Kind = "loop_completed"
	KindLoopCeilingReached Kind = "loop_ceiling_reached"
	KindCompletionFlagged  Kind = "completion_flagged"
)

// Entry is a single line in the audit log. Entries are immutable once written.
type Entry struct {
	ID      string         `json:"id"`
	Seq     uint64         `json:"seq"`
	TS      time.Time      `json:"ts"`
	Kind    Kind           `json:"kind"`
	Actor   string         `json:"actor"`
	Target  string         `json:"target"`
	From    string         `json:"from,omitempty"`
	To      string         `json:"to,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Proc    string         `json:"proc"`
}

// Filter selects entries on read. Zero fields match everything; Until is exclusive.
type Filter struct {
	Kinds  []Kind
	Target string
	Actor  string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Entry) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Target != "" && e.Target != f.Target {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if !f.Since.IsZero() && e.TS.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.TS.Before(f.Until) {
		return false
	}
	return true
}

package workitem

import "time"

// Classification of a handler failure.
type Classification string

const (
	Transient Classification = "transient"
	Permanent Classification = "permanent"
)

// AttemptError is one failed execution attempt.
type AttemptError struct {
	Attempt        int            `json:"attempt"`
	At             time.Time      `json:"at"`
	Classification Classification `json:"classification"`
	Detail         string         `json:"detail"`
}

// Outcomes of an execution record.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// ExecutionRecord is the terminal result of handling an approved item.
// It is stored under the `execution` header key so the record is
// self-describing without consulting the audit log.
type ExecutionRecord struct {
	Outcome        string         `json:"outcome"`
	AttemptCount   int            `json:"attempt_count"`
	Handler        string         `json:"handler,omitempty"`
	FirstAttemptAt time.Time      `json:"first_attempt_at"`
	LastAttemptAt  time.Time      `json:"last_attempt_at"`
	Result         any            `json:"result,omitempty"`
	FinalError     string         `json:"final_error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	Errors         []AttemptError `json:"errors"`
}

// Execution decodes the execution record of an item, if one was written.
func (it *Item) Execution() (*ExecutionRecord, bool) {
	if _, ok := it.Header[KeyExecution]; !ok {
		return nil, false
	}
	var rec ExecutionRecord
	if err := it.Header.Decode(KeyExecution, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

// AttemptErrors decodes the per-attempt error history accumulated so far.
func (it *Item) AttemptErrors() []AttemptError {
	var errs []AttemptError
	if err := it.Header.Decode(KeyErrors, &errs); err != nil {
		return nil
	}
	return errs
}

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = StatusPending
	ApprovalApproved ApprovalStatus = StatusApproved
	ApprovalRejected ApprovalStatus = StatusRejected
	ApprovalExpired  ApprovalStatus = StatusExpired
)

// ApprovalRequest is the approval view over an item of kind APPROVAL.
type ApprovalRequest struct {
	ID         string
	OriginID   string
	ActionType string
	Status     ApprovalStatus
	ExpiresAt  time.Time
	DecidedBy  string
	DecidedAt  time.Time
	Decided    bool
}

// IsApprovalRequest reports whether the item was created by the approval gate.
func (it *Item) IsApprovalRequest() bool {
	return it.Kind == KindApproval
}

// Approval returns the approval view of an item.
func (it *Item) Approval() ApprovalRequest {
	req := ApprovalRequest{
		ID:         it.ID,
		OriginID:   it.Header.String(KeyOriginID),
		ActionType: it.ActionType,
		Status:     ApprovalStatus(it.Header.String(KeyStatus)),
		DecidedBy:  it.Header.String(KeyDecidedBy),
	}
	if d := it.Header.String(KeyDecision); d != "" {
		req.Decided = true
		req.Status = ApprovalStatus(d)
	}
	if t, ok := it.Header.Time(KeyExpiresAt); ok {
		req.ExpiresAt = t
	}
	if t, ok := it.Header.Time(KeyDecidedAt); ok {
		req.DecidedAt = t
	}
	return req
}

// Expired reports whether a still-pending request is past its expiry at now.
func (r ApprovalRequest) Expired(now time.Time) bool {
	return !r.Decided && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

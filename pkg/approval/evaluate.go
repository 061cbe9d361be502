// Package approval is the policy-driven gate between intake and execution.
// It decides whether an item needs human sign-off, creates approval
// requests, observes human decisions by re-reading container membership and
// expires requests nobody answered.
package approval

import (
	"fmt"
	"time"

	"gatekeeper/pkg/policy"
	"gatekeeper/pkg/workitem"
)

// Decision is the outcome of Evaluate.
type Decision string

// Decisions.
const (
	AutoApprove     Decision = "auto_approve"
	RequireApproval Decision = "require_approval"
)

// Verdict explains a decision.
type Verdict struct {
	Decision Decision
	// Expiry is how long the approval request stays pending.
	Expiry time.Duration
	Reason string
	// Policy is the table key that matched, empty for the built-in fallback.
	Policy string
}

// Evaluate applies the policy table to an item. It has no side effects.
func Evaluate(it *workitem.Item, table *policy.Table) Verdict {
	p, explicit := table.Lookup(it.ActionType)
	name := ""
	if explicit {
		name = it.ActionType
		if _, own := table.Policies[it.ActionType]; !own {
			name = policy.DefaultKey
		}
	}
	v := Verdict{Expiry: p.Expiry(), Policy: name}

	switch {
	case it.Header.Bool(workitem.KeyApprovalRequired):
		v.Decision = RequireApproval
		v.Reason = "item requests approval"
	case !explicit:
		v.Decision = RequireApproval
		v.Reason = fmt.Sprintf("no policy for action type %q", it.ActionType)
	case p.AutoApproveThreshold != nil:
		amount, ok := it.Header.Float(workitem.KeyAmount)
		switch {
		case !ok:
			v.Decision = RequireApproval
			v.Reason = "amount missing"
		case amount <= *p.AutoApproveThreshold:
			v.Decision = AutoApprove
			v.Reason = fmt.Sprintf("amount %g within threshold %g", amount, *p.AutoApproveThreshold)
		default:
			v.Decision = RequireApproval
			v.Reason = fmt.Sprintf("amount %g above threshold %g", amount, *p.AutoApproveThreshold)
		}
	case p.RequiresApproval:
		v.Decision = RequireApproval
		v.Reason = "policy requires approval"
	default:
		v.Decision = AutoApprove
		v.Reason = "policy allows auto approval"
	}
	return v
}

package loop

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"gatekeeper/pkg/store"
	"gatekeeper/pkg/workitem"
)

// Detection is the result of one completion check.
type Detection struct {
	Matched bool
	// Flagged marks evidence that is not trusted on its own, such as the
	// token appearing outside its delimiter.
	Flagged bool
	Detail  string
}

// Strategy checks whether a session's task is complete.
type Strategy interface {
	Name() string
	Detect(ctx context.Context, s *Session, lastOutput string) Detection
}

// TokenStrategy looks for <promise>TOKEN</promise> in the agent's last
// output. A bare occurrence of the token is only flagged.
type TokenStrategy struct{}

func (TokenStrategy) Name() string { return "token" }

func (TokenStrategy) Detect(_ context.Context, s *Session, lastOutput string) Detection {
	token := strings.TrimSpace(s.CompletionToken)
	if token == "" || lastOutput == "" {
		return Detection{}
	}
	tag := regexp.MustCompile(`<promise>\s*` + regexp.QuoteMeta(token) + `\s*</promise>`)
	if tag.MatchString(lastOutput) {
		return Detection{Matched: true, Detail: "completion tag present"}
	}
	if strings.Contains(lastOutput, token) {
		return Detection{Flagged: true, Detail: "completion token present without tag"}
	}
	return Detection{}
}

// ItemStrategy checks the watched work item: it is complete once the item
// is in Done, or, when an origin container is set, once it has left it.
// A gated item waits in Archive while its approval request executes, so
// the request reaching Done completes the item too.
type ItemStrategy struct {
	Store store.Store
}

func (ItemStrategy) Name() string { return "item" }

func (i ItemStrategy) Detect(ctx context.Context, s *Session, _ string) Detection {
	if s.WatchItemID == "" || i.Store == nil {
		return Detection{}
	}
	c, err := i.Store.Locate(ctx, s.WatchItemID)
	switch {
	case err == nil && c == workitem.Done:
		return Detection{Matched: true, Detail: "watched item is in Done"}
	case err == nil && c == workitem.Archive && i.requestDone(ctx, s.WatchItemID):
		return Detection{Matched: true, Detail: "approval request for the watched item is in Done"}
	case err == nil && s.WatchOrigin != "" && c != s.WatchOrigin:
		return Detection{Matched: true, Detail: "watched item left " + string(s.WatchOrigin) + " for " + string(c)}
	case errors.Is(err, store.ErrNotFound) && s.WatchOrigin != "":
		return Detection{Matched: true, Detail: "watched item left " + string(s.WatchOrigin)}
	default:
		// Mid-move duplicates and read errors are inconclusive.
		return Detection{}
	}
}

// requestDone follows an archived item's approval_id to its request.
func (i ItemStrategy) requestDone(ctx context.Context, id string) bool {
	it, err := i.Store.Get(ctx, id, workitem.Archive)
	if err != nil {
		return false
	}
	reqID := it.Header.String(workitem.KeyApprovalID)
	if reqID == "" {
		return false
	}
	c, err := i.Store.Locate(ctx, reqID)
	return err == nil && c == workitem.Done
}

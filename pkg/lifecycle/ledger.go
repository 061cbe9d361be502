// Package lifecycle pairs every durable store transition with its audit
// entry. Components never touch the store for a transition directly.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gatekeeper/pkg/audit"
	"gatekeeper/pkg/logx"
	"gatekeeper/pkg/store"
	"gatekeeper/pkg/workitem"
)

// Observer is notified of completed transitions (metrics).
type Observer interface {
	ObserveTransition(from, to workitem.Container)
}

type nopObserver struct{}

func (nopObserver) ObserveTransition(_, _ workitem.Container) {}

// Ledger writes to the store first and audits second, so an audit entry
// never describes a transition that did not happen.
type Ledger struct {
	store    store.Store
	audit    audit.Appender
	observer Observer
	logger   *logx.Logger

	reported sync.Map // ids already audited as duplicates
}

// NewLedger creates a Ledger. observer may be nil.
func NewLedger(s store.Store, a audit.Appender, observer Observer) *Ledger {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Ledger{store: s, audit: a, observer: observer, logger: logx.NewLogger("ledger")}
}

// Store exposes the underlying store for reads.
func (l *Ledger) Store() store.Store { return l.store }

// Create stores a new item and audits it as created.
func (l *Ledger) Create(ctx context.Context, actor string, container workitem.Container, kind string, header workitem.Header, body string) (*workitem.Item, error) {
	it, err := l.store.Create(ctx, container, kind, header, body)
	if err != nil {
		return nil, err
	}
	l.record(ctx, audit.Entry{
		Kind:   audit.KindCreated,
		Actor:  actor,
		Target: it.ID,
		To:     string(container),
		Payload: map[string]any{
			"kind":        it.Kind,
			"action_type": it.ActionType,
		},
	})
	l.observer.ObserveTransition("", container)
	return it, nil
}

// Transition describes one audited move.
type Transition struct {
	ID    string
	From  workitem.Container
	To    workitem.Container
	Actor string
	// Kind is the audit kind; empty means the move is not audited.
	Kind    audit.Kind
	Patch   workitem.Header
	Payload map[string]any
}

// Move performs the transition. The header status is synced to the
// destination container unless the patch sets one explicitly.
func (l *Ledger) Move(ctx context.Context, t Transition) (*workitem.Item, error) {
	patch := workitem.Header{workitem.KeyStatus: t.To.Status()}.Merge(t.Patch)

	it, err := l.store.Move(ctx, t.ID, t.From, t.To, patch)
	if err != nil {
		return nil, fmt.Errorf("%s %s -> %s: %w", t.ID, t.From, t.To, err)
	}
	logx.DebugState(ctx, "lifecycle", t.ID, string(t.From), string(t.To))
	l.observer.ObserveTransition(t.From, t.To)

	if t.Kind != "" {
		l.record(ctx, audit.Entry{
			Kind:    t.Kind,
			Actor:   t.Actor,
			Target:  t.ID,
			From:    t.From.Status(),
			To:      patch.String(workitem.KeyStatus),
			Payload: withContainers(t.Payload, t.From, t.To),
		})
	}
	return it, nil
}

// Annotate merges patch into an item header in place and, when event is
// non-nil, audits it.
func (l *Ledger) Annotate(ctx context.Context, id string, container workitem.Container, patch workitem.Header, event *audit.Entry) (*workitem.Item, error) {
	it, err := l.store.UpdateHeader(ctx, id, container, patch)
	if err != nil {
		return nil, err
	}
	if event != nil {
		e := *event
		if e.Target == "" {
			e.Target = id
		}
		l.record(ctx, e)
	}
	return it, nil
}

// CheckUnique verifies id is visible in exactly one container. A left-behind
// duplicate from an interrupted move is audited once and returned as
// store.ErrDuplicate so the caller skips the item instead of reprocessing it.
func (l *Ledger) CheckUnique(ctx context.Context, actor, id string) error {
	_, err := l.store.Locate(ctx, id)
	if err == nil {
		l.reported.Delete(id)
		return nil
	}
	if errors.Is(err, store.ErrDuplicate) {
		if _, seen := l.reported.LoadOrStore(id, true); !seen {
			l.logger.Error("duplicate work detected: %v", err)
			l.record(ctx, audit.Entry{
				Kind:    audit.KindDuplicateDetected,
				Actor:   actor,
				Target:  id,
				Payload: map[string]any{"detail": err.Error()},
			})
		}
	}
	return err
}

// Record appends an entry that is not tied to a store write.
func (l *Ledger) Record(ctx context.Context, e audit.Entry) {
	l.record(ctx, e)
}

// record appends to the audit log. The store write already happened, so an
// audit failure is logged rather than unwinding the transition.
func (l *Ledger) record(ctx context.Context, e audit.Entry) {
	if _, err := l.audit.Append(ctx, e); err != nil {
		l.logger.Error("audit append failed for %s %s: %v", e.Kind, e.Target, err)
	}
}

func withContainers(payload map[string]any, from, to workitem.Container) map[string]any {
	out := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}
	out["from_container"] = string(from)
	out["to_container"] = string(to)
	return out
}

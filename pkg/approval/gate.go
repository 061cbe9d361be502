package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatekeeper/pkg/audit"
	"gatekeeper/pkg/lifecycle"
	"gatekeeper/pkg/logx"
	"gatekeeper/pkg/policy"
	"gatekeeper/pkg/store"
	"gatekeeper/pkg/workitem"
)

// Actors recorded by the gate.
const (
	ActorAuto   = "gate:auto"
	ActorGate   = "gate"
	ActorExpiry = "gate:expiry"
	ActorHuman  = "human"
)

// Outcomes reported to Metrics.
const (
	OutcomeAutoApproved = "auto_approved"
	OutcomeRequested    = "requested"
	OutcomeApproved     = "approved"
	OutcomeRejected     = "rejected"
	OutcomeExpired      = "expired"
)

// ErrNotPending is returned by Decide for items that are not approval requests.
var ErrNotPending = errors.New("item is not a pending approval request")

// Metrics receives gate outcomes.
type Metrics interface {
	ObserveApproval(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveApproval(string) {}

// Config configures a Gate.
type Config struct {
	// Interval between cycles of Run. Defaults to 5s.
	Interval time.Duration
	Now      func() time.Time
	Metrics  Metrics
}

// Gate runs intake, decision observation and expiry.
type Gate struct {
	ledger   *lifecycle.Ledger
	policies *policy.Source
	interval time.Duration
	now      func() time.Time
	metrics  Metrics
	logger   *logx.Logger
}

// NewGate creates a Gate.
func NewGate(ledger *lifecycle.Ledger, policies *policy.Source, cfg Config) *Gate {
	g := &Gate{
		ledger:   ledger,
		policies: policies,
		interval: cfg.Interval,
		now:      cfg.Now,
		metrics:  cfg.Metrics,
		logger:   logx.NewLogger("approval"),
	}
	if g.interval <= 0 {
		g.interval = 5 * time.Second
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.metrics == nil {
		g.metrics = nopMetrics{}
	}
	return g
}

// Run cycles until ctx is done. Each cycle first records human decisions,
// then expires stale requests, then takes in new items, so a human move
// that landed before the cycle always beats the expiry sweep.
func (g *Gate) Run(ctx context.Context) error {
	g.logger.Info("approval gate running every %s", g.interval)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		g.Cycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle performs one observe, sweep and intake pass.
func (g *Gate) Cycle(ctx context.Context) {
	if _, err := g.ObserveDecisions(ctx); err != nil {
		g.logger.Error("observe decisions: %v", err)
	}
	if _, err := g.SweepExpired(ctx); err != nil {
		g.logger.Error("expiry sweep: %v", err)
	}
	if _, err := g.Intake(ctx); err != nil {
		g.logger.Error("intake: %v", err)
	}
}

// Intake evaluates every item waiting in Inbox and Needs_Action. It returns
// the number of items routed.
func (g *Gate) Intake(ctx context.Context) (int, error) {
	st := g.ledger.Store()
	requested, err := g.requestedOrigins(ctx)
	if err != nil {
		return 0, err
	}
	table := g.policies.Current()

	routed := 0
	for _, container := range []workitem.Container{workitem.Inbox, workitem.NeedsAction} {
		items, err := st.List(ctx, container)
		if err != nil {
			return routed, err
		}
		for _, it := range items {
			if ctx.Err() != nil {
				return routed, ctx.Err()
			}
			if err := g.ledger.CheckUnique(ctx, ActorGate, it.ID); err != nil {
				continue
			}
			if approvalID, ok := requested[it.ID]; ok {
				// A request already exists; finish the interrupted hand-off.
				if err := g.archiveOrigin(ctx, it, approvalID, ""); err != nil {
					g.logger.Warn("archive %s: %v", it.ID, err)
				}
				continue
			}
			verdict := Evaluate(it, table)
			if err := g.route(ctx, it, verdict); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue // moved by someone else since List
				}
				g.logger.Error("route %s: %v", it.ID, err)
				continue
			}
			routed++
		}
	}
	return routed, nil
}

func (g *Gate) route(ctx context.Context, it *workitem.Item, v Verdict) error {
	now := g.now().UTC()
	gateInfo := map[string]any{"decision": string(v.Decision), "reason": v.Reason, "policy": v.Policy}

	if v.Decision == AutoApprove {
		_, err := g.ledger.Move(ctx, lifecycle.Transition{
			ID: it.ID, From: it.Container, To: workitem.Approved,
			Actor: ActorAuto, Kind: audit.KindApproved,
			Patch: workitem.Header{
				workitem.KeyGate:      gateInfo,
				workitem.KeyDecision:  workitem.StatusApproved,
				workitem.KeyDecidedBy: ActorAuto,
				workitem.KeyDecidedAt: workitem.FormatTime(now),
			},
			Payload: map[string]any{"reason": v.Reason, "policy": v.Policy},
		})
		if err == nil {
			g.metrics.ObserveApproval(OutcomeAutoApproved)
			logx.Debug(ctx, "approval", "%s auto-approved: %s", it.ID, v.Reason)
		}
		return err
	}

	header := workitem.Header{
		workitem.KeyOriginID:         it.ID,
		workitem.KeyActionType:       it.ActionType,
		workitem.KeyApprovalRequired: true,
		workitem.KeyExpiresAt:        workitem.FormatTime(now.Add(v.Expiry)),
		workitem.KeyGate:             gateInfo,
	}
	for _, key := range []string{workitem.KeyParams, workitem.KeyAmount, workitem.KeyPriority, workitem.KeySource} {
		if val, ok := it.Header[key]; ok {
			header[key] = val
		}
	}
	req, err := g.ledger.Create(ctx, ActorGate, workitem.PendingApproval, workitem.KindApproval, header, it.Body)
	if err != nil {
		return fmt.Errorf("failed to create approval request for %s: %w", it.ID, err)
	}
	g.metrics.ObserveApproval(OutcomeRequested)
	g.logger.Info("approval requested for %s as %s (%s), expires in %s", it.ID, req.ID, v.Reason, v.Expiry)
	return g.archiveOrigin(ctx, it, req.ID, v.Reason)
}

// archiveOrigin parks the origin item in Archive pointing at its request.
func (g *Gate) archiveOrigin(ctx context.Context, it *workitem.Item, approvalID, reason string) error {
	_, err := g.ledger.Move(ctx, lifecycle.Transition{
		ID: it.ID, From: it.Container, To: workitem.Archive,
		Actor: ActorGate, Kind: audit.KindApprovalRequested,
		Patch: workitem.Header{
			workitem.KeyStatus:     workitem.StatusAwaitingApproval,
			workitem.KeyApprovalID: approvalID,
			workitem.KeyArchivedAt: workitem.FormatTime(g.now()),
		},
		Payload: map[string]any{"approval_id": approvalID, "reason": reason},
	})
	return err
}

// requestedOrigins maps origin ids to the approval request made for them,
// whether that request is still open or already decided.
func (g *Gate) requestedOrigins(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, container := range []workitem.Container{
		workitem.PendingApproval, workitem.Approved, workitem.Rejected, workitem.Done, workitem.Failed,
	} {
		items, err := g.ledger.Store().List(ctx, container)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if origin := it.Header.String(workitem.KeyOriginID); origin != "" {
				out[origin] = it.ID
			}
		}
	}
	return out, nil
}

// ObserveDecisions records decisions made by moving approval-gated items
// into Approved or Rejected. Only an observed move clears an item for
// execution. It returns the number of decisions recorded.
func (g *Gate) ObserveDecisions(ctx context.Context) (int, error) {
	observed := 0
	for _, container := range []workitem.Container{workitem.Approved, workitem.Rejected} {
		items, err := g.ledger.Store().List(ctx, container)
		if err != nil {
			return observed, err
		}
		for _, it := range items {
			if !it.Header.Bool(workitem.KeyApprovalRequired) || it.Header.String(workitem.KeyDecision) != "" {
				continue
			}
			if err := g.observe(ctx, it); err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					g.logger.Error("observe %s: %v", it.ID, err)
				}
				continue
			}
			observed++
		}
	}
	return observed, nil
}

func (g *Gate) observe(ctx context.Context, it *workitem.Item) error {
	decision, kind, outcome := workitem.StatusApproved, audit.KindApproved, OutcomeApproved
	if it.Container == workitem.Rejected {
		decision, kind, outcome = workitem.StatusRejected, audit.KindRejected, OutcomeRejected
	}
	actor := it.Header.String(workitem.KeyDecidedBy)
	if actor == "" {
		actor = ActorHuman
	}
	now := workitem.FormatTime(g.now())

	payload := map[string]any{"origin_id": it.Header.String(workitem.KeyOriginID)}
	if c := it.Header.String(workitem.KeyComment); c != "" {
		payload["comment"] = c
	}
	_, err := g.ledger.Annotate(ctx, it.ID, it.Container, workitem.Header{
		workitem.KeyStatus:    decision,
		workitem.KeyDecision:  decision,
		workitem.KeyDecidedBy: actor,
		workitem.KeyDecidedAt: now,
	}, &audit.Entry{
		Kind:    kind,
		Actor:   actor,
		From:    workitem.StatusPending,
		To:      decision,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	g.metrics.ObserveApproval(outcome)
	g.noteOrigin(ctx, it, decision, now)
	return nil
}

// noteOrigin mirrors the decision onto the archived origin so it is
// self-describing. The origin may have been moved by hand; that is fine.
func (g *Gate) noteOrigin(ctx context.Context, req *workitem.Item, decision, at string) {
	origin := req.Header.String(workitem.KeyOriginID)
	if origin == "" {
		return
	}
	_, err := g.ledger.Store().UpdateHeader(ctx, origin, workitem.Archive, workitem.Header{
		workitem.KeyDecision:   decision,
		workitem.KeyDecidedAt:  at,
		workitem.KeyApprovalID: req.ID,
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.logger.Warn("failed to note decision on origin %s: %v", origin, err)
	}
}

// SweepExpired moves pending requests past their expiry to Rejected with
// reason expired. A request that is no longer in Pending_Approval when the
// move runs was decided by a human first; that counts as success.
func (g *Gate) SweepExpired(ctx context.Context) (int, error) {
	items, err := g.ledger.Store().List(ctx, workitem.PendingApproval)
	if err != nil {
		return 0, err
	}
	now := g.now().UTC()
	table := g.policies.Current()

	expired := 0
	for _, it := range items {
		req := it.Approval()
		if req.ExpiresAt.IsZero() {
			p, _ := table.Lookup(it.ActionType)
			req.ExpiresAt = it.CreatedAt.Add(p.Expiry())
		}
		if !req.Expired(now) {
			continue
		}
		_, err := g.ledger.Move(ctx, lifecycle.Transition{
			ID: it.ID, From: workitem.PendingApproval, To: workitem.Rejected,
			Actor: ActorExpiry, Kind: audit.KindExpired,
			Patch: workitem.Header{
				workitem.KeyStatus:    workitem.StatusExpired,
				workitem.KeyDecision:  workitem.StatusExpired,
				workitem.KeyReason:    "expired",
				workitem.KeyDecidedBy: ActorExpiry,
				workitem.KeyDecidedAt: workitem.FormatTime(now),
			},
			Payload: map[string]any{
				"reason":     "expired",
				"origin_id":  req.OriginID,
				"expires_at": workitem.FormatTime(req.ExpiresAt),
			},
		})
		if errors.Is(err, store.ErrNotFound) {
			logx.Debug(ctx, "approval", "%s left Pending_Approval before expiry; decision stands", it.ID)
			continue
		}
		if err != nil {
			g.logger.Error("expire %s: %v", it.ID, err)
			continue
		}
		expired++
		g.metrics.ObserveApproval(OutcomeExpired)
		g.noteOrigin(ctx, it, workitem.StatusExpired, workitem.FormatTime(now))
		g.logger.Info("approval request %s expired", it.ID)
	}
	return expired, nil
}

// Decide performs a human decision on a pending request: the move an
// operator would make by hand, with the actor and comment recorded, then
// observed immediately.
func (g *Gate) Decide(ctx context.Context, id string, approve bool, actor, comment string) (*workitem.Item, error) {
	if actor == "" {
		actor = ActorHuman
	}
	current, err := g.ledger.Store().Get(ctx, id, workitem.PendingApproval)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotPending)
		}
		return nil, err
	}
	if !current.Header.Bool(workitem.KeyApprovalRequired) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotPending)
	}

	to := workitem.Rejected
	if approve {
		to = workitem.Approved
	}
	patch := workitem.Header{workitem.KeyDecidedBy: actor}
	if comment != "" {
		patch[workitem.KeyComment] = comment
	}
	moved, err := g.ledger.Move(ctx, lifecycle.Transition{
		ID: id, From: workitem.PendingApproval, To: to, Actor: actor, Patch: patch,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotPending)
		}
		return nil, err
	}
	if err := g.observe(ctx, moved); err != nil {
		return nil, err
	}
	return g.ledger.Store().Get(ctx, id, to)
}

package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatekeeper/pkg/audit"
	"gatekeeper/pkg/lifecycle"
	"gatekeeper/pkg/logx"
	"gatekeeper/pkg/workitem"
)

// ActorLoop is the audit actor for loop decisions.
const ActorLoop = "loop"

// Action tells the agent host what to do with an exit attempt.
type Action string

const (
	ActionContinue Action = "continue"
	ActionAllow    Action = "allow"
)

// Reasons attached to Allow decisions.
const (
	ReasonCeilingReached  = "ceiling_reached"
	ReasonDetected        = "detected"
	ReasonNoActiveSession = "no_active_session"
)

// Decision answers one exit attempt.
type Decision struct {
	Action    Action `json:"action"`
	Prompt    string `json:"prompt,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Iteration int    `json:"iteration"`
	Flagged   bool   `json:"flagged,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
}

// Spec describes a session to start.
type Spec struct {
	ID              string
	Instruction     string
	Ceiling         int
	WatchItemID     string
	WatchOrigin     workitem.Container
	CompletionToken string
}

// Metrics receives loop decisions.
type Metrics interface {
	ObserveLoopDecision(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveLoopDecision(string) {}

// Config configures a Controller.
type Config struct {
	DefaultCeiling int    // default 10
	DefaultToken   string // default TASK_COMPLETE
	Now            func() time.Time
	Metrics        Metrics
}

// Controller decides exit attempts. It does no network I/O; every check
// reads local state so it can sit on the agent host's exit path.
type Controller struct {
	sessions   SessionStore
	ledger     *lifecycle.Ledger
	strategies []Strategy
	cfg        Config
	logger     *logx.Logger

	locks sync.Map // session id -> *sync.Mutex
}

// NewController creates a Controller. ledger provides both the audit
// trail and the store consulted by the watched-item strategy.
func NewController(sessions SessionStore, ledger *lifecycle.Ledger, cfg Config) *Controller {
	if cfg.DefaultCeiling <= 0 {
		cfg.DefaultCeiling = 10
	}
	if cfg.DefaultToken == "" {
		cfg.DefaultToken = "TASK_COMPLETE"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	return &Controller{
		sessions:   sessions,
		ledger:     ledger,
		strategies: []Strategy{ItemStrategy{Store: ledger.Store()}, TokenStrategy{}},
		cfg:        cfg,
		logger:     logx.NewLogger("loop"),
	}
}

func (c *Controller) lock(id string) func() {
	m, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Start creates a live session at iteration 0.
func (c *Controller) Start(ctx context.Context, spec Spec) (*Session, error) {
	if spec.Instruction == "" {
		return nil, errors.New("loop instruction is required")
	}
	if spec.Ceiling < 0 {
		return nil, fmt.Errorf("invalid ceiling %d", spec.Ceiling)
	}
	if spec.WatchOrigin != "" && !spec.WatchOrigin.IsValid() {
		return nil, fmt.Errorf("invalid watch origin %q", spec.WatchOrigin)
	}
	if spec.WatchOrigin != "" && spec.WatchItemID == "" {
		return nil, errors.New("watch origin requires a watched item")
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if !ValidSessionID(spec.ID) {
		return nil, fmt.Errorf("invalid session id %q", spec.ID)
	}

	now := c.cfg.Now().UTC()
	s := &Session{
		ID:              spec.ID,
		Instruction:     spec.Instruction,
		Ceiling:         spec.Ceiling,
		WatchItemID:     spec.WatchItemID,
		WatchOrigin:     spec.WatchOrigin,
		CompletionToken: spec.CompletionToken,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	if s.Ceiling == 0 {
		s.Ceiling = c.cfg.DefaultCeiling
	}
	if s.CompletionToken == "" {
		s.CompletionToken = c.cfg.DefaultToken
	}
	if err := c.sessions.Create(ctx, s); err != nil {
		return nil, err
	}

	payload := map[string]any{"ceiling": s.Ceiling}
	if s.WatchItemID != "" {
		payload["watch_item_id"] = s.WatchItemID
	}
	if s.WatchOrigin != "" {
		payload["watch_origin"] = string(s.WatchOrigin)
	}
	c.ledger.Record(ctx, audit.Entry{Kind: audit.KindLoopStarted, Actor: ActorLoop, Target: s.ID, Payload: payload})
	c.logger.Info("loop session %s started (ceiling %d)", s.ID, s.Ceiling)
	return s, nil
}

// OnExitAttempt decides whether the agent may stop. Checks run in order:
// the ceiling, then completion detection, then continue. A continue is
// persisted before it is returned.
func (c *Controller) OnExitAttempt(ctx context.Context, id, lastOutput string) (Decision, error) {
	unlock := c.lock(id)
	defer unlock()

	s, err := c.sessions.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		c.cfg.Metrics.ObserveLoopDecision(ReasonNoActiveSession)
		return Decision{Action: ActionAllow, Reason: ReasonNoActiveSession}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	if s.Iteration >= s.Ceiling {
		d := Decision{Action: ActionAllow, Reason: ReasonCeilingReached, Iteration: s.Iteration}
		c.finish(ctx, s, OutcomeCeilingReached, audit.KindLoopCeilingReached, map[string]any{
			"iteration": s.Iteration,
			"ceiling":   s.Ceiling,
		})
		c.cfg.Metrics.ObserveLoopDecision(ReasonCeilingReached)
		return d, nil
	}

	flagged := false
	var flagDetail string
	for _, st := range c.strategies {
		det := st.Detect(ctx, s, lastOutput)
		if det.Matched {
			d := Decision{Action: ActionAllow, Reason: ReasonDetected, Iteration: s.Iteration, Strategy: st.Name()}
			c.finish(ctx, s, OutcomeCompleted, audit.KindLoopCompleted, map[string]any{
				"iteration": s.Iteration,
				"strategy":  st.Name(),
				"detail":    det.Detail,
			})
			c.cfg.Metrics.ObserveLoopDecision(ReasonDetected)
			return d, nil
		}
		if det.Flagged {
			flagged = true
			flagDetail = det.Detail
		}
	}

	s.Iteration++
	s.UpdatedAt = c.cfg.Now().UTC()
	if flagged {
		s.Flagged++
	}
	if err := c.sessions.Save(ctx, s); err != nil {
		return Decision{}, fmt.Errorf("failed to persist iteration %d of %s: %w", s.Iteration, id, err)
	}

	if flagged {
		c.ledger.Record(ctx, audit.Entry{
			Kind:    audit.KindCompletionFlagged,
			Actor:   ActorLoop,
			Target:  s.ID,
			Payload: map[string]any{"iteration": s.Iteration, "detail": flagDetail},
		})
		c.logger.Warn("session %s: %s; continuing", s.ID, flagDetail)
	}
	c.ledger.Record(ctx, audit.Entry{
		Kind:    audit.KindLoopContinued,
		Actor:   ActorLoop,
		Target:  s.ID,
		Payload: map[string]any{"iteration": s.Iteration, "ceiling": s.Ceiling},
	})
	c.cfg.Metrics.ObserveLoopDecision(string(ActionContinue))
	logx.Debug(ctx, "loop", "session %s continue %d/%d", s.ID, s.Iteration, s.Ceiling)
	return Decision{Action: ActionContinue, Prompt: s.Instruction, Iteration: s.Iteration, Flagged: flagged}, nil
}

// finish archives s and audits the outcome. Only the caller whose archive
// succeeds audits, so a session is reported finished once.
func (c *Controller) finish(ctx context.Context, s *Session, outcome Outcome, kind audit.Kind, payload map[string]any) {
	if _, err := c.sessions.Archive(ctx, s.ID, outcome, c.cfg.Now()); err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			c.logger.Error("failed to archive session %s: %v", s.ID, err)
		}
		return
	}
	payload["outcome"] = string(outcome)
	c.ledger.Record(ctx, audit.Entry{Kind: kind, Actor: ActorLoop, Target: s.ID, Payload: payload})
	c.logger.Info("loop session %s finished: %s after %d iteration(s)", s.ID, outcome, s.Iteration)
}

// Get returns a live session.
func (c *Controller) Get(ctx context.Context, id string) (*Session, error) {
	return c.sessions.Get(ctx, id)
}

// History returns an archived session.
func (c *Controller) History(ctx context.Context, id string) (*HistoryRecord, error) {
	return c.sessions.History(ctx, id)
}

// Active lists live sessions.
func (c *Controller) Active(ctx context.Context) ([]*Session, error) {
	return c.sessions.Active(ctx)
}

// Package dispatch executes approved work items through their capability
// handlers, retrying transient failures on a fixed schedule and moving each
// item to Done or Failed with a self-describing execution record.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gatekeeper/pkg/audit"
	"gatekeeper/pkg/handler"
	"gatekeeper/pkg/lifecycle"
	"gatekeeper/pkg/logx"
	"gatekeeper/pkg/store"
	"gatekeeper/pkg/workitem"
)

// ActorDispatcher is the audit actor for executions.
const ActorDispatcher = "dispatcher"

// Error codes written to Failed items.
const (
	CodeUnroutable = "UnroutableAction"
	CodePermanent  = "PermanentHandlerError"
	CodeTransient  = "TransientHandlerError"
	CodeNeverRetry = "NeverRetry"
)

// ErrUnroutable means no handler is registered for the action type.
var ErrUnroutable = errors.New("no handler for action type")

// Metrics receives execution outcomes.
type Metrics interface {
	ObserveExecution(actionType, outcome string, d time.Duration)
	ObserveRetry(actionType string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveExecution(string, string, time.Duration) {}
func (nopMetrics) ObserveRetry(string)                            {}

// NeverRetryFunc reports whether policy forbids retrying actionType.
type NeverRetryFunc func(actionType string) bool

// Config configures an Orchestrator. Zero values take the defaults.
type Config struct {
	Tick           time.Duration   // default 5s
	DefaultTimeout time.Duration   // default 60s, used when a handler declares none
	MaxAttempts    int             // default 3
	Schedule       []time.Duration // delay before attempt n is Schedule[n-1]; default 0, 25s, 2h
	Concurrency    int             // default 4
	NeverRetry     NeverRetryFunc
	Now            func() time.Time
	Metrics        Metrics
	Tracer         trace.Tracer
}

// DefaultSchedule is the retry delay schedule used when none is configured.
func DefaultSchedule() []time.Duration {
	return []time.Duration{0, 25 * time.Second, 2 * time.Hour}
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if len(c.Schedule) == 0 {
		c.Schedule = DefaultSchedule()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.NeverRetry == nil {
		c.NeverRetry = func(string) bool { return false }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("gatekeeper/dispatch")
	}
	return c
}

// Orchestrator polls Approved and runs each item through its handler.
type Orchestrator struct {
	ledger   *lifecycle.Ledger
	registry *handler.Registry
	cfg      Config
	logger   *logx.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	slots    chan struct{}
	wg       sync.WaitGroup

	running  bool
	cancel   context.CancelFunc
	abort    context.CancelFunc
	loopDone chan struct{}
}

// New creates an Orchestrator.
func New(ledger *lifecycle.Ledger, registry *handler.Registry, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		ledger:   ledger,
		registry: registry,
		cfg:      cfg,
		logger:   logx.NewLogger("dispatch"),
		inflight: make(map[string]struct{}),
		slots:    make(chan struct{}, cfg.Concurrency),
	}
}

// Start launches the tick loop in the background. Executions it starts are
// not cancelled with ctx; Stop lets them finish.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("dispatcher is already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	execCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	o.running = true
	o.cancel = cancel
	o.abort = abort
	o.loopDone = make(chan struct{})
	o.mu.Unlock()

	o.logger.Info("Starting dispatcher (tick %s, max attempts %d, concurrency %d)",
		o.cfg.Tick, o.cfg.MaxAttempts, o.cfg.Concurrency)
	go func() {
		defer close(o.loopDone)
		o.run(loopCtx, execCtx)
	}()
	return nil
}

// Stop ends the tick loop and waits for in-flight executions, bounded by ctx.
// Handlers still running when ctx expires are abandoned unrecorded and are
// retried by the next process.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel, abort, loopDone := o.cancel, o.abort, o.loopDone
	o.mu.Unlock()

	o.logger.Info("Stopping dispatcher")
	cancel()

	done := make(chan struct{})
	go func() {
		<-loopDone
		o.Drain()
		close(done)
	}()
	select {
	case <-done:
		abort()
		o.logger.Info("Dispatcher stopped successfully")
		return nil
	case <-ctx.Done():
		abort()
		o.logger.Warn("Dispatcher stop timed out; abandoning %d execution(s)", o.InFlight())
		return ctx.Err()
	}
}

// Run ticks until ctx is done. Cancelling ctx also abandons executions.
func (o *Orchestrator) Run(ctx context.Context) {
	o.run(ctx, ctx)
}

func (o *Orchestrator) run(ctx, execCtx context.Context) {
	ticker := time.NewTicker(o.cfg.Tick)
	defer ticker.Stop()
	for {
		if _, err := o.tick(ctx, execCtx); err != nil && ctx.Err() == nil {
			o.logger.Error("tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain blocks until every execution started by Tick has finished.
func (o *Orchestrator) Drain() {
	o.wg.Wait()
}

// RunOnce performs one tick and waits for the executions it started.
func (o *Orchestrator) RunOnce(ctx context.Context) (int, error) {
	n, err := o.Tick(ctx)
	o.Drain()
	return n, err
}

// InFlight returns the number of executions currently running.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// Tick lists Approved and starts an execution for every eligible item,
// up to the concurrency limit. It returns the number started.
func (o *Orchestrator) Tick(ctx context.Context) (int, error) {
	return o.tick(ctx, ctx)
}

func (o *Orchestrator) tick(ctx, execCtx context.Context) (int, error) {
	items, err := o.ledger.Store().List(ctx, workitem.Approved)
	if err != nil {
		return 0, err
	}
	now := o.cfg.Now()

	started := 0
	for _, it := range items {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		if !o.eligible(ctx, it, now) {
			continue
		}

		h, ok := o.registry.Resolve(it.ActionType)
		if !ok {
			o.failUnroutable(ctx, it)
			continue
		}

		select {
		case o.slots <- struct{}{}:
		default:
			logx.Debug(ctx, "dispatch", "all %d slots busy; deferring remaining items", o.cfg.Concurrency)
			return started, nil
		}
		if !o.claim(it.ID) {
			<-o.slots
			continue
		}
		// The listing may predate an attempt that finished since; decide on
		// the stored copy.
		fresh, err := o.ledger.Store().Get(ctx, it.ID, workitem.Approved)
		if err != nil || !ready(fresh, now) {
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				o.logger.Warn("failed to re-read %s: %v", it.ID, err)
			}
			o.release(it.ID)
			<-o.slots
			continue
		}
		it = fresh

		o.wg.Add(1)
		go func(it *workitem.Item, h handler.Handler) {
			defer o.wg.Done()
			defer func() { <-o.slots }()
			defer o.release(it.ID)
			o.execute(execCtx, it, h)
		}(it, h)
		started++
	}
	return started, nil
}

// eligible filters items that must not start an attempt on this tick.
func (o *Orchestrator) eligible(ctx context.Context, it *workitem.Item, now time.Time) bool {
	if o.isInFlight(it.ID) || !ready(it, now) {
		return false
	}
	return o.ledger.CheckUnique(ctx, ActorDispatcher, it.ID) == nil
}

// ready reports whether the item's header allows an attempt at now.
func ready(it *workitem.Item, now time.Time) bool {
	// Gated items run only after the gate has observed the decision.
	if it.Header.Bool(workitem.KeyApprovalRequired) && it.Header.String(workitem.KeyDecision) == "" {
		return false
	}
	if next, ok := it.Header.Time(workitem.KeyNextAttemptAt); ok && now.Before(next) {
		return false
	}
	return true
}

func (o *Orchestrator) isInFlight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[id]
	return ok
}

func (o *Orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inflight[id]; ok {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, id)
}

func (o *Orchestrator) failUnroutable(ctx context.Context, it *workitem.Item) {
	now := o.cfg.Now().UTC()
	detail := fmt.Sprintf("%s: %q", ErrUnroutable, it.ActionType)
	rec := workitem.ExecutionRecord{
		Outcome:    workitem.OutcomeFailed,
		FinalError: detail,
		ErrorCode:  CodeUnroutable,
		Errors:     []workitem.AttemptError{},
	}
	_, err := o.ledger.Move(ctx, lifecycle.Transition{
		ID: it.ID, From: workitem.Approved, To: workitem.Failed,
		Actor: ActorDispatcher, Kind: audit.KindFailed,
		Patch: workitem.Header{
			workitem.KeyExecution: rec,
			workitem.KeyFailure: map[string]any{
				"code":   CodeUnroutable,
				"detail": detail,
				"at":     workitem.FormatTime(now),
			},
		},
		Payload: map[string]any{"error_code": CodeUnroutable, "detail": detail},
	})
	if err != nil {
		o.logger.Warn("failed to fail unroutable %s: %v", it.ID, err)
		return
	}
	o.cfg.Metrics.ObserveExecution(it.ActionType, workitem.OutcomeFailed, 0)
	o.logger.Warn("%s has no handler for %q; moved to Failed", it.ID, it.ActionType)
}

type callResult struct {
	res handler.Result
	err error
}

// execute runs one attempt and records its outcome.
func (o *Orchestrator) execute(ctx context.Context, it *workitem.Item, h handler.Handler) {
	attempt := it.Header.Int(workitem.KeyAttempts) + 1
	history := it.AttemptErrors()
	if attempt > 1 {
		o.ledger.Record(ctx, audit.Entry{
			Kind:   audit.KindExecuting,
			Actor:  ActorDispatcher,
			Target: it.ID,
			Payload: map[string]any{
				"attempt": attempt,
				"handler": h.Name(),
			},
		})
	}

	timeout := h.Timeout()
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}

	spanCtx, span := o.cfg.Tracer.Start(ctx, "dispatch.execute", trace.WithAttributes(
		attribute.String("item.id", it.ID),
		attribute.String("item.action_type", it.ActionType),
		attribute.String("handler", h.Name()),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	runCtx, cancel := context.WithTimeout(spanCtx, timeout)
	defer cancel()

	startedAt := o.cfg.Now().UTC()
	clockStart := time.Now()
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: handler.Permanent(fmt.Sprintf("handler panicked: %v", r), nil)}
			}
		}()
		res, err := h.Execute(runCtx, it.ActionType, it.Header.Params())
		done <- callResult{res: res, err: err}
	}()

	var out callResult
	select {
	case out = <-done:
		// A result that lands at or after the deadline is still a timeout.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			out.err = timeoutFailure(timeout)
		}
	case <-runCtx.Done():
		out.err = timeoutFailure(timeout)
	}
	elapsed := time.Since(clockStart)

	if ctx.Err() != nil && out.err != nil {
		// Shutting down: the attempt is not counted and runs again later.
		span.SetStatus(codes.Error, "abandoned on shutdown")
		o.logger.Warn("abandoned attempt %d of %s on shutdown", attempt, it.ID)
		return
	}
	// Recording must outlive a shutdown that races a finished attempt.
	recordCtx := context.WithoutCancel(ctx)

	first := startedAt
	if len(history) > 0 {
		first = history[0].At
	}

	if out.err == nil {
		span.SetStatus(codes.Ok, "")
		o.complete(recordCtx, it, h, attempt, first, startedAt, out.res, history, elapsed)
		return
	}

	failure := handler.Classify(out.err)
	span.RecordError(out.err)
	span.SetStatus(codes.Error, failure.Detail)
	history = append(history, workitem.AttemptError{
		Attempt:        attempt,
		At:             startedAt,
		Classification: failure.Class,
		Detail:         failure.Error(),
	})

	neverRetry := h.NeverRetry() || o.cfg.NeverRetry(it.ActionType)
	switch {
	case failure.Class == workitem.Permanent:
		o.fail(recordCtx, it, h, attempt, first, startedAt, history, CodePermanent, elapsed)
	case neverRetry:
		o.fail(recordCtx, it, h, attempt, first, startedAt, history, CodeNeverRetry, elapsed)
	case attempt >= o.cfg.MaxAttempts:
		o.fail(recordCtx, it, h, attempt, first, startedAt, history, CodeTransient, elapsed)
	default:
		o.scheduleRetry(recordCtx, it, h, attempt, history, failure)
	}
}

func timeoutFailure(timeout time.Duration) error {
	return handler.Transient(fmt.Sprintf("handler abandoned after %s timeout", timeout), context.DeadlineExceeded)
}

func (o *Orchestrator) complete(ctx context.Context, it *workitem.Item, h handler.Handler, attempt int, first, last time.Time, res handler.Result, history []workitem.AttemptError, elapsed time.Duration) {
	if history == nil {
		history = []workitem.AttemptError{}
	}
	rec := workitem.ExecutionRecord{
		Outcome:        workitem.OutcomeCompleted,
		AttemptCount:   attempt,
		Handler:        h.Name(),
		FirstAttemptAt: first,
		LastAttemptAt:  last,
		Result:         res.Output,
		Errors:         history,
	}
	payload := map[string]any{"attempt": attempt, "handler": h.Name()}
	if res.Detail != "" {
		payload["detail"] = res.Detail
	}
	_, err := o.ledger.Move(ctx, lifecycle.Transition{
		ID: it.ID, From: workitem.Approved, To: workitem.Done,
		Actor: ActorDispatcher, Kind: audit.KindCompleted,
		Patch: workitem.Header{
			workitem.KeyExecution:     rec,
			workitem.KeyAttempts:      attempt,
			workitem.KeyHandler:       h.Name(),
			workitem.KeyNextAttemptAt: nil,
		},
		Payload: payload,
	})
	if err != nil {
		o.logger.Error("completed %s but could not move it to Done: %v", it.ID, err)
		return
	}
	o.cfg.Metrics.ObserveExecution(it.ActionType, workitem.OutcomeCompleted, elapsed)
	o.logger.Info("%s completed by %s on attempt %d", it.ID, h.Name(), attempt)
}

func (o *Orchestrator) fail(ctx context.Context, it *workitem.Item, h handler.Handler, attempt int, first, last time.Time, history []workitem.AttemptError, code string, elapsed time.Duration) {
	final := history[len(history)-1]
	rec := workitem.ExecutionRecord{
		Outcome:        workitem.OutcomeFailed,
		AttemptCount:   attempt,
		Handler:        h.Name(),
		FirstAttemptAt: first,
		LastAttemptAt:  last,
		FinalError:     final.Detail,
		ErrorCode:      code,
		Errors:         history,
	}
	_, err := o.ledger.Move(ctx, lifecycle.Transition{
		ID: it.ID, From: workitem.Approved, To: workitem.Failed,
		Actor: ActorDispatcher, Kind: audit.KindFailed,
		Patch: workitem.Header{
			workitem.KeyExecution:     rec,
			workitem.KeyAttempts:      attempt,
			workitem.KeyErrors:        history,
			workitem.KeyHandler:       h.Name(),
			workitem.KeyNextAttemptAt: nil,
			workitem.KeyFailure: map[string]any{
				"code":   code,
				"detail": final.Detail,
				"at":     workitem.FormatTime(last),
			},
		},
		Payload: map[string]any{
			"attempt":        attempt,
			"handler":        h.Name(),
			"error_code":     code,
			"classification": string(final.Classification),
			"detail":         final.Detail,
		},
	})
	if err != nil {
		o.logger.Error("could not move %s to Failed: %v", it.ID, err)
		return
	}
	o.cfg.Metrics.ObserveExecution(it.ActionType, workitem.OutcomeFailed, elapsed)
	o.logger.Warn("%s failed after %d attempt(s) (%s): %s", it.ID, attempt, code, final.Detail)
}

func (o *Orchestrator) scheduleRetry(ctx context.Context, it *workitem.Item, h handler.Handler, attempt int, history []workitem.AttemptError, failure *handler.Failure) {
	delay := o.delayBefore(attempt + 1)
	next := o.cfg.Now().UTC().Add(delay)
	_, err := o.ledger.Annotate(ctx, it.ID, workitem.Approved, workitem.Header{
		workitem.KeyAttempts:      attempt,
		workitem.KeyErrors:        history,
		workitem.KeyHandler:       h.Name(),
		workitem.KeyNextAttemptAt: workitem.FormatTime(next),
	}, &audit.Entry{
		Kind:  audit.KindRetryScheduled,
		Actor: ActorDispatcher,
		Payload: map[string]any{
			"attempt":         attempt,
			"handler":         h.Name(),
			"detail":          failure.Error(),
			"next_attempt_at": workitem.FormatTime(next),
		},
	})
	if err != nil {
		o.logger.Error("could not schedule retry for %s: %v", it.ID, err)
		return
	}
	o.cfg.Metrics.ObserveRetry(it.ActionType)
	o.logger.Info("%s attempt %d failed transiently; retry in %s", it.ID, attempt, delay)
}

// delayBefore returns the configured delay before attempt n (1-based).
// Attempts past the end of the schedule reuse its last entry.
func (o *Orchestrator) delayBefore(n int) time.Duration {
	i := n - 1
	if i >= len(o.cfg.Schedule) {
		i = len(o.cfg.Schedule) - 1
	}
	if i < 0 {
		i = 0
	}
	return o.cfg.Schedule[i]
}

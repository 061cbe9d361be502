package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gatekeeper/pkg/audit"
	"gatekeeper/pkg/loop"
	"gatekeeper/pkg/metrics"
	"gatekeeper/pkg/store"
	"gatekeeper/pkg/version"
	"gatekeeper/pkg/workitem"
)

// Run creates the item.
func (c *CreateCmd) Run(a *App) error {
	k, err := a.Kernel()
	if err != nil {
		return err
	}

	header := workitem.Header{
		workitem.KeyActionType: c.ActionType,
		workitem.KeySource:     c.Source,
	}
	if len(c.Param) > 0 {
		params := make(map[string]any, len(c.Param))
		for key, v := range c.Param {
			params[key] = v
		}
		header[workitem.KeyParams] = params
	}
	if c.Amount != nil {
		header[workitem.KeyAmount] = *c.Amount
	}
	if c.Priority != "" {
		header[workitem.KeyPriority] = c.Priority
	}
	if c.Approval {
		header[workitem.KeyApprovalRequired] = true
	}

	body := c.Body
	if body == "-" {
		data, err := io.ReadAll(a.stdin)
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
		body = string(data)
	}

	it, err := k.Ledger.Create(context.Background(), c.Source, workitem.Container(c.Container), c.Kind, header, body)
	if err != nil {
		return err
	}
	if a.Table() {
		fmt.Fprintf(a.stdout, "%s created in %s\n", it.ID, it.Container)
		return nil
	}
	return writeJSON(a.stdout, it)
}

// Run lists items.
func (c *ListCmd) Run(a *App) error {
	containers := workitem.Containers()
	if len(c.Container) > 0 {
		containers = containers[:0]
		for _, name := range c.Container {
			ct := workitem.Container(name)
			if !ct.IsValid() {
				return fmt.Errorf("unknown container %q", name)
			}
			containers = append(containers, ct)
		}
	}

	k, err := a.Kernel()
	if err != nil {
		return err
	}
	items := []*workitem.Item{}
	for _, ct := range containers {
		list, err := k.Store.List(context.Background(), ct)
		if err != nil {
			return err
		}
		items = append(items, list...)
	}
	if a.Table() {
		renderItems(a.stdout, items)
		return nil
	}
	return writeJSON(a.stdout, items)
}

// Run shows an item.
func (c *ShowCmd) Run(a *App) error {
	if err := workitem.ValidateID(c.ID); err != nil {
		return err
	}
	k, err := a.Kernel()
	if err != nil {
		return err
	}
	ctx := context.Background()
	ct, err := k.Store.Locate(ctx, c.ID)
	if err != nil {
		return err
	}
	it, err := k.Store.Get(ctx, c.ID, ct)
	if err != nil {
		return err
	}
	if a.Table() {
		return renderItem(a.stdout, it)
	}
	return writeJSON(a.stdout, it)
}

// Run approves the request.
func (c *ApproveCmd) Run(a *App) error {
	return decide(a, c.ID, true, c.Actor, c.Comment)
}

// Run rejects the request.
func (c *RejectCmd) Run(a *App) error {
	return decide(a, c.ID, false, c.Actor, c.Comment)
}

func decide(a *App, id string, approve bool, actor, comment string) error {
	if actor == "" {
		actor = os.Getenv("USER")
	}
	k, err := a.Kernel()
	if err != nil {
		return err
	}
	it, err := k.Gate.Decide(context.Background(), id, approve, actor, comment)
	if err != nil {
		return err
	}
	if a.Table() {
		fmt.Fprintf(a.stdout, "%s %s by %s\n", it.ID, it.Header.String(workitem.KeyDecision), it.Header.String(workitem.KeyDecidedBy))
		return nil
	}
	return writeJSON(a.stdout, it)
}

// Run queries the audit log. Partitions are read directly so the command
// works while the daemon holds the current file open.
func (c *AuditCmd) Run(a *App) error {
	cfg, err := a.Config()
	if err != nil {
		return err
	}
	now := time.Now()
	f := audit.Filter{Target: c.Target, Actor: c.Actor, Limit: c.Limit}
	for _, kind := range c.Kind {
		f.Kinds = append(f.Kinds, audit.Kind(kind))
	}
	if f.Since, err = parseWhen(c.Since, now); err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	if f.Until, err = parseWhen(c.Until, now); err != nil {
		return fmt.Errorf("--until: %w", err)
	}

	entries, err := audit.ReadDir(cfg.LogDir, f)
	if err != nil {
		return err
	}
	if a.Table() {
		renderAudit(a.stdout, entries)
		return nil
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	return writeJSON(a.stdout, entries)
}

// parseWhen accepts an RFC3339 time or a duration before now.
func parseWhen(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

// Run prints the throughput report.
func (c *StatsCmd) Run(a *App) error {
	window, err := time.ParseDuration(c.Window)
	if err != nil {
		return fmt.Errorf("--window: %w", err)
	}
	url := c.Prometheus
	if url == "" {
		cfg, err := a.Config()
		if err != nil {
			return err
		}
		url = cfg.Metrics.PrometheusURL
	}
	if url == "" {
		return errors.New("no Prometheus URL: set metrics.prometheus_url or pass --prometheus")
	}

	qs, err := metrics.NewQueryService(url)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report, err := qs.Throughput(ctx, window)
	if err != nil {
		return err
	}
	if a.Table() {
		renderReport(a.stdout, report)
		return nil
	}
	return writeJSON(a.stdout, report)
}

// Run starts a loop session.
func (c *LoopStartCmd) Run(a *App) error {
	k, err := a.Kernel()
	if err != nil {
		return err
	}
	s, err := k.Loop.Start(context.Background(), loop.Spec{
		ID:              c.ID,
		Instruction:     c.Instruction,
		Ceiling:         c.Ceiling,
		WatchItemID:     c.Watch,
		WatchOrigin:     workitem.Container(c.Origin),
		CompletionToken: c.Token,
	})
	if err != nil {
		return err
	}
	if a.Table() {
		fmt.Fprintf(a.stdout, "session %s started (ceiling %d, token %s)\n", s.ID, s.Ceiling, s.CompletionToken)
		return nil
	}
	return writeJSON(a.stdout, s)
}

// HookInput is what the agent host writes to the exit hook.
type HookInput struct {
	SessionID  string `json:"session_id"`
	LastOutput string `json:"last_output"`
}

// HookOutput is the exit hook answer.
type HookOutput struct {
	Decision string `json:"decision"` // "block" keeps the agent working
	Reason   string `json:"reason,omitempty"`
}

// Run answers one exit attempt. It always prints a decision: when the
// controller cannot persist a continue, the agent is allowed to stop.
func (c *LoopExitHookCmd) Run(a *App) error {
	var in HookInput
	if err := json.NewDecoder(a.stdin).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read hook input: %w", err)
	}
	if c.Session != "" {
		in.SessionID = c.Session
	}
	if in.SessionID == "" {
		return writeJSON(a.stdout, HookOutput{Decision: "allow", Reason: loop.ReasonNoActiveSession})
	}

	k, err := a.Kernel()
	if err != nil {
		fmt.Fprintf(a.stderr, "gatekeeperctl: %v\n", err)
		return writeJSON(a.stdout, HookOutput{Decision: "allow", Reason: "error: " + err.Error()})
	}
	d, err := k.Loop.OnExitAttempt(context.Background(), in.SessionID, in.LastOutput)
	if err != nil {
		fmt.Fprintf(a.stderr, "gatekeeperctl: %v\n", err)
		return writeJSON(a.stdout, HookOutput{Decision: "allow", Reason: "error: " + err.Error()})
	}
	if d.Action == loop.ActionContinue {
		return writeJSON(a.stdout, HookOutput{Decision: "block", Reason: d.Prompt})
	}
	reason := d.Reason
	if d.Strategy != "" {
		reason += ":" + d.Strategy
	}
	return writeJSON(a.stdout, HookOutput{Decision: "allow", Reason: reason})
}

// Run shows live sessions, or one session live or archived.
func (c *LoopStatusCmd) Run(a *App) error {
	k, err := a.Kernel()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if c.ID == "" {
		sessions, err := k.Loop.Active(ctx)
		if err != nil {
			return err
		}
		if a.Table() {
			renderSessions(a.stdout, sessions)
			return nil
		}
		if sessions == nil {
			sessions = []*loop.Session{}
		}
		return writeJSON(a.stdout, sessions)
	}

	s, err := k.Loop.Get(ctx, c.ID)
	if err == nil {
		if a.Table() {
			renderSessions(a.stdout, []*loop.Session{s})
			return nil
		}
		return writeJSON(a.stdout, s)
	}
	if !errors.Is(err, loop.ErrSessionNotFound) {
		return err
	}
	h, err := k.Loop.History(ctx, c.ID)
	if err != nil {
		return err
	}
	if a.Table() {
		fmt.Fprintf(a.stdout, "%s %s after %d/%d iteration(s) at %s\n",
			h.ID, h.Outcome, h.Iteration, h.Ceiling, h.ArchivedAt.Format(time.RFC3339))
		return nil
	}
	return writeJSON(a.stdout, h)
}

// Run prints the version.
func (VersionCmd) Run(a *App) error {
	fmt.Fprintf(a.stdout, "gatekeeperctl %s\n", version.String())
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// notFound reports whether err means the item does not exist.
func notFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, loop.ErrSessionNotFound)
}

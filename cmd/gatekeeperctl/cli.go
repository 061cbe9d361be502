package main

import (
	"github.com/alecthomas/kong"

	"gatekeeper/pkg/version"
)

// CLI defines the command-line interface.
type CLI struct {
	Config  string `short:"c" default:"gatekeeper.json" help:"Config file path" type:"path"`
	EnvFile string `default:".env" help:"Environment file loaded before the config"`
	Output  string `short:"o" enum:"auto,json,table" default:"auto" help:"Output format (auto: table on a terminal, JSON otherwise)"`

	Create  CreateCmd  `cmd:"" help:"Create a work item"`
	List    ListCmd    `cmd:"" help:"List work items"`
	Show    ShowCmd    `cmd:"" help:"Show one work item"`
	Approve ApproveCmd `cmd:"" help:"Approve a pending approval request"`
	Reject  RejectCmd  `cmd:"" help:"Reject a pending approval request"`
	Audit   AuditCmd   `cmd:"" help:"Query the audit log"`
	Stats   StatsCmd   `cmd:"" help:"Throughput report from Prometheus"`
	Loop    LoopCmd    `cmd:"" help:"Loop controller sessions"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// CreateCmd creates a work item.
type CreateCmd struct {
	Kind       string            `arg:"" help:"Item kind, e.g. EMAIL or PAYMENT"`
	ActionType string            `short:"a" required:"" help:"Action type routed to a handler"`
	Container  string            `default:"Needs_Action" enum:"Inbox,Needs_Action" help:"Intake container"`
	Param      map[string]string `short:"p" help:"Handler parameter key=value (repeatable)"`
	Amount     *float64          `help:"Amount compared against the policy threshold"`
	Priority   string            `help:"Priority label"`
	Source     string            `default:"gatekeeperctl" help:"Producer recorded as the audit actor"`
	Approval   bool              `help:"Force human approval regardless of policy"`
	Body       string            `short:"b" help:"Item body; '-' reads stdin"`
}

// ListCmd lists items.
type ListCmd struct {
	Container []string `arg:"" optional:"" help:"Containers to list (default: all)"`
}

// ShowCmd shows one item.
type ShowCmd struct {
	ID string `arg:"" help:"Item id"`
}

// ApproveCmd approves a request.
type ApproveCmd struct {
	ID      string `arg:"" help:"Approval request id"`
	Actor   string `help:"Who decided (default: $USER)"`
	Comment string `short:"m" help:"Comment stored with the decision"`
}

// RejectCmd rejects a request.
type RejectCmd struct {
	ID      string `arg:"" help:"Approval request id"`
	Actor   string `help:"Who decided (default: $USER)"`
	Comment string `short:"m" help:"Comment stored with the decision"`
}

// AuditCmd queries the audit log.
type AuditCmd struct {
	Kind   []string `short:"k" help:"Entry kinds (repeatable)"`
	Target string   `short:"t" help:"Item or session id"`
	Actor  string   `help:"Actor"`
	Since  string   `help:"RFC3339 time or duration ago, e.g. 2h"`
	Until  string   `help:"RFC3339 time or duration ago"`
	Limit  int      `short:"n" help:"Newest N entries"`
}

// StatsCmd prints a throughput report.
type StatsCmd struct {
	Window     string `short:"w" default:"24h" help:"Report window"`
	Prometheus string `help:"Prometheus URL (default: metrics.prometheus_url from the config)"`
}

// LoopCmd groups the loop controller commands.
type LoopCmd struct {
	Start    LoopStartCmd    `cmd:"" help:"Start a loop session"`
	ExitHook LoopExitHookCmd `cmd:"" name:"exit-hook" help:"Decide an exit attempt (JSON on stdin)"`
	Status   LoopStatusCmd   `cmd:"" help:"Show live sessions or one session"`
}

// LoopStartCmd starts a session.
type LoopStartCmd struct {
	Instruction string `arg:"" help:"Instruction re-injected on every continue"`
	ID          string `help:"Session id (default: generated)"`
	Ceiling     int    `help:"Maximum iterations (default from config)"`
	Watch       string `help:"Item id whose completion ends the loop"`
	Origin      string `help:"Container the watched item must leave"`
	Token       string `help:"Completion token (default from config)"`
}

// LoopExitHookCmd answers an exit attempt.
type LoopExitHookCmd struct {
	Session string `help:"Session id (overrides session_id on stdin)"`
}

// LoopStatusCmd shows sessions.
type LoopStatusCmd struct {
	ID string `arg:"" optional:"" help:"Session id"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{
		"version": version.String(),
	}
}

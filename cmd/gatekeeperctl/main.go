// Command gatekeeperctl is the operator, producer and agent-host client.
// It opens the same data directory as the daemon; no daemon is needed.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"gatekeeper/internal/kernel"
	"gatekeeper/pkg/config"
	"gatekeeper/pkg/logx"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run parses args and executes the selected command, returning the exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var cli CLI
	exitCode := -1
	parser, err := kong.New(&cli,
		kong.Name("gatekeeperctl"),
		kong.Description("Create, inspect and decide gatekeeper work items; drive loop sessions."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) { exitCode = code }),
		kongVars(),
	)
	if err != nil {
		fmt.Fprintf(stderr, "gatekeeperctl: %v\n", err)
		return 2
	}
	kctx, err := parser.Parse(args)
	if exitCode >= 0 {
		// --help and friends
		return exitCode
	}
	if err != nil {
		fmt.Fprintf(stderr, "gatekeeperctl: %v\n", err)
		return 2
	}

	app := newApp(&cli, stdin, stdout, stderr)
	defer app.Close()

	if err := kctx.Run(app); err != nil {
		fmt.Fprintf(stderr, "gatekeeperctl: %v\n", err)
		if notFound(err) {
			return 3
		}
		return 1
	}
	return 0
}

// App carries the shared state commands run against.
type App struct {
	cli    *CLI
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	tty    bool

	cfg    *config.Config
	kernel *kernel.Kernel
}

func newApp(cli *CLI, stdin io.Reader, stdout, stderr io.Writer) *App {
	a := &App{cli: cli, stdin: stdin, stdout: stdout, stderr: stderr}
	if f, ok := stdout.(*os.File); ok {
		a.tty = term.IsTerminal(int(f.Fd()))
	}
	// Component logs would interleave with command output; the daemon
	// keeps them.
	logx.SetOutput(io.Discard)
	return a
}

// Table reports whether output is rendered for a person.
func (a *App) Table() bool {
	switch a.cli.Output {
	case "table":
		return true
	case "json":
		return false
	default:
		return a.tty
	}
}

// Config loads the configuration once.
func (a *App) Config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	if err := config.LoadDotEnv(a.cli.EnvFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(a.cli.Config)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

// Kernel builds the components once, without starting any loops. Commands
// are one-shot, so the kernel is offline.
func (a *App) Kernel() (*kernel.Kernel, error) {
	if a.kernel != nil {
		return a.kernel, nil
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	k, err := kernel.New(context.Background(), cfg, kernel.Offline())
	if err != nil {
		return nil, err
	}
	a.kernel = k
	return k, nil
}

// Close releases the kernel if one was built.
func (a *App) Close() {
	if a.kernel == nil {
		return
	}
	if err := a.kernel.Close(); err != nil {
		fmt.Fprintf(a.stderr, "gatekeeperctl: close: %v\n", err)
	}
}

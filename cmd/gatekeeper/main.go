// Command gatekeeper runs the approval gate, the dispatcher and the
// operator API against one data directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gatekeeper/internal/kernel"
	"gatekeeper/pkg/config"
	"gatekeeper/pkg/logx"
	"gatekeeper/pkg/version"
)

func main() {
	var (
		configPath  = flag.String("config", "gatekeeper.json", "Path to the JSON config file")
		policyPath  = flag.String("policy", "", "Policy file (overrides policy_file in the config)")
		envFile     = flag.String("env-file", ".env", "Environment file loaded before the config")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("gatekeeper %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	os.Exit(run(*configPath, *policyPath, *envFile))
}

// run contains the daemon logic and returns an exit code so deferred
// cleanup runs before os.Exit.
func run(configPath, policyPath, envFile string) int {
	logger := logx.NewLogger("gatekeeper")

	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load environment: %v\n", err)
		return 1
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if policyPath != "" {
		cfg.PolicyFile = policyPath
	}
	if cfg.Debug {
		logx.SetDebug(true, nil)
	}
	if cfg.PolicyFile == "" {
		logger.Warn("no policy file configured: every action type requires approval")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	k, err := kernel.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create kernel: %v\n", err)
		return 1
	}
	defer func() {
		if stopErr := k.Stop(); stopErr != nil {
			logger.Error("Error stopping kernel: %v", stopErr)
		}
	}()

	if err := k.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start kernel: %v\n", err)
		return 1
	}
	logger.Info("gatekeeper %s running (data dir %s)", version.Version, cfg.DataDir)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown requested")
			return 0
		case <-hup:
			if err := k.ReloadPolicy(); err != nil {
				logger.Error("policy reload failed: %v", err)
			} else {
				logger.Info("policy reloaded on SIGHUP")
			}
		}
	}
}

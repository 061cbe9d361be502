// Package kernel wires the gatekeeper components from configuration and
// owns their lifecycle. The daemon starts the background loops; the CLI
// builds the same components without starting them.
package kernel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gatekeeper/internal/httpapi"
	"gatekeeper/pkg/approval"
	"gatekeeper/pkg/audit"
	"gatekeeper/pkg/config"
	"gatekeeper/pkg/dispatch"
	"gatekeeper/pkg/handler"
	"gatekeeper/pkg/lifecycle"
	"gatekeeper/pkg/logx"
	"gatekeeper/pkg/loop"
	"gatekeeper/pkg/metrics"
	"gatekeeper/pkg/persistence"
	"gatekeeper/pkg/policy"
	"gatekeeper/pkg/store"
)

// Option adjusts kernel construction.
type Option func(*options)

type options struct {
	now     func() time.Time
	offline bool
}

// WithClock injects the clock shared by every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Offline builds a kernel for one-shot commands: no audit fan-out is dialed
// and Start never binds the operator API.
func Offline() Option {
	return func(o *options) { o.offline = true }
}

// Kernel holds the wired components.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // kernel lifecycle context
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Database   *sql.DB // nil when neither items nor sessions use SQLite
	Store      store.Store
	Audit      *audit.Logger
	Ledger     *lifecycle.Ledger
	Policies   *policy.Source
	Metrics    *metrics.Recorder
	Gate       *approval.Gate
	Handlers   *handler.Registry
	Dispatcher *dispatch.Orchestrator
	Loop       *loop.Controller
	API        *httpapi.Server

	offline   bool
	mu        sync.Mutex
	running   bool
	wg        sync.WaitGroup
	apiAddr   net.Addr
	apiDone   <-chan struct{}
	closeOnce sync.Once
}

// New builds every component from cfg. Nothing runs until Start.
func New(parent context.Context, cfg *config.Config, opts ...Option) (*Kernel, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config:  cfg,
		Logger:  logx.NewLogger("kernel"),
		offline: o.offline,
	}
	if err := k.initializeServices(o); err != nil {
		cancel()
		_ = k.Close()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices(o options) error {
	cfg := k.Config

	if cfg.Store == config.StoreSQLite || cfg.Loop.SessionStore == config.SessionsSQLite {
		db, err := persistence.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		k.Database = db
	}

	switch cfg.Store {
	case config.StoreVault:
		vs, err := store.NewVaultStore(cfg.VaultDir, store.WithClock(o.now))
		if err != nil {
			return fmt.Errorf("failed to open vault: %w", err)
		}
		k.Store = vs
	default:
		k.Store = store.NewSQLiteStore(k.Database, store.WithClock(o.now))
	}

	auditOpts := []audit.Option{
		audit.WithClock(o.now),
		audit.WithRedactor(audit.NewRedactor(cfg.Audit.RedactPatterns)),
	}
	if cfg.NATS.URL != "" && !o.offline {
		sink, err := audit.NewNATSSink(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			// Live fan-out is optional; the audit files stay authoritative.
			k.Logger.Warn("audit fan-out disabled: %v", err)
		} else {
			auditOpts = append(auditOpts, audit.WithSink(sink))
		}
	}
	al, err := audit.NewLogger(cfg.LogDir, auditOpts...)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	k.Audit = al

	k.Metrics = metrics.NewRecorder()
	k.Ledger = lifecycle.NewLedger(k.Store, k.Audit, k.Metrics)

	k.Policies, err = policy.NewSource(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	k.Gate = approval.NewGate(k.Ledger, k.Policies, approval.Config{
		Interval: cfg.Approval.SweepInterval.Std(),
		Now:      o.now,
		Metrics:  k.Metrics,
	})

	k.Handlers, err = buildHandlers(cfg.Handlers)
	if err != nil {
		return err
	}
	k.Dispatcher = dispatch.New(k.Ledger, k.Handlers, dispatch.Config{
		Tick:           cfg.Dispatch.Tick.Std(),
		DefaultTimeout: cfg.Dispatch.DefaultTimeout.Std(),
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		Schedule:       cfg.Dispatch.ScheduleDurations(),
		Concurrency:    cfg.Dispatch.Concurrency,
		NeverRetry:     k.neverRetry,
		Now:            o.now,
		Metrics:        k.Metrics,
	})

	var sessions loop.SessionStore
	switch cfg.Loop.SessionStore {
	case config.SessionsFile:
		fs, err := loop.NewFileSessionStore(cfg.Loop.SessionDir)
		if err != nil {
			return fmt.Errorf("failed to open session directory: %w", err)
		}
		sessions = fs
	default:
		sessions = loop.NewSQLiteSessionStore(k.Database)
	}
	k.Loop = loop.NewController(sessions, k.Ledger, loop.Config{
		DefaultCeiling: cfg.Loop.Ceiling,
		DefaultToken:   cfg.Loop.CompletionToken,
		Now:            o.now,
		Metrics:        k.Metrics,
	})

	k.API = httpapi.New(httpapi.Deps{
		Ledger:  k.Ledger,
		Gate:    k.Gate,
		Audit:   k.Audit,
		Loop:    k.Loop,
		Metrics: k.Metrics.Handler(),
	})

	k.Logger.Info("kernel initialized (store=%s, sessions=%s, %d handler(s))",
		cfg.Store, cfg.Loop.SessionStore, len(k.Handlers.ActionTypes()))
	return nil
}

// neverRetry consults the live policy table so a reload applies to the
// next failure.
func (k *Kernel) neverRetry(actionType string) bool {
	p, _ := k.Policies.Current().Lookup(actionType)
	return p.NeverRetry
}

func buildHandlers(cfgs map[string]config.HandlerConfig) (*handler.Registry, error) {
	reg := handler.NewRegistry()
	for actionType, hc := range cfgs {
		var h handler.Handler
		switch {
		case hc.Builtin == "note":
			h = handler.NoteHandler{}
		case len(hc.Command) > 0:
			ch, err := handler.NewCommandHandler(handler.CommandConfig{
				Name:       actionType,
				Command:    hc.Command,
				WorkDir:    hc.WorkDir,
				Env:        hc.Env,
				Timeout:    hc.Timeout.Std(),
				NeverRetry: hc.NeverRetry,
			})
			if err != nil {
				return nil, err
			}
			h = ch
		default:
			return nil, fmt.Errorf("handler for %s has no builtin or command", actionType)
		}
		if err := reg.Register(actionType, h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Start runs the policy watcher, the approval gate, the dispatcher and,
// unless disabled, the operator API.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return errors.New("kernel already running")
	}

	k.Logger.Info("starting kernel services")

	k.wg.Add(2)
	go func() {
		defer k.wg.Done()
		if err := k.Policies.Watch(k.ctx); err != nil {
			k.Logger.Warn("policy watcher stopped: %v", err)
		}
	}()
	go func() {
		defer k.wg.Done()
		if err := k.Gate.Run(k.ctx); err != nil && !errors.Is(err, context.Canceled) {
			k.Logger.Error("approval gate stopped: %v", err)
		}
	}()

	if err := k.Dispatcher.Start(k.ctx); err != nil {
		k.cancel()
		k.wg.Wait()
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	if !k.Config.HTTP.Disabled && !k.offline {
		addr, done, err := k.API.Start(k.ctx, k.Config.HTTP.Addr)
		if err != nil {
			k.cancel()
			k.wg.Wait()
			return err
		}
		k.apiAddr, k.apiDone = addr, done
	}

	k.running = true
	k.Logger.Info("kernel services started")
	return nil
}

// APIAddr returns the bound operator API address, nil before Start.
func (k *Kernel) APIAddr() net.Addr {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.apiAddr
}

// ReloadPolicy re-reads the policy file; on error the previous table stays
// active.
func (k *Kernel) ReloadPolicy() error {
	return k.Policies.Reload()
}

// Stop cancels the loops, lets in-flight executions finish within the
// configured shutdown timeout and releases resources.
func (k *Kernel) Stop() error {
	k.mu.Lock()
	running := k.running
	k.running = false
	k.mu.Unlock()

	if running {
		k.Logger.Info("stopping kernel services")
		k.cancel()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), k.Config.ShutdownTimeout.Std())
		if err := k.Dispatcher.Stop(stopCtx); err != nil {
			k.Logger.Warn("dispatcher did not drain: %v", err)
		}
		stopCancel()

		k.wg.Wait()
		if k.apiDone != nil {
			<-k.apiDone
		}
	}
	return k.Close()
}

// Close releases the audit log, the store and the database.
func (k *Kernel) Close() error {
	var errs []error
	k.closeOnce.Do(func() {
		k.cancel()
		if k.Audit != nil {
			if err := k.Audit.Close(); err != nil {
				errs = append(errs, fmt.Errorf("audit: %w", err))
			}
		}
		if k.Store != nil {
			if err := k.Store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("store: %w", err))
			}
		}
		if k.Database != nil {
			if err := k.Database.Close(); err != nil {
				errs = append(errs, fmt.Errorf("database: %w", err))
			}
		}
		k.Logger.Info("kernel closed")
	})
	return errors.Join(errs...)
}

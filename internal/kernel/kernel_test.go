package kernel

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/pkg/audit"
	"gatekeeper/pkg/config"
	"gatekeeper/pkg/loop"
	"gatekeeper/pkg/workitem"
)

const testPolicy = `
low_risk_note:
  requires_approval: false
payment:
  requires_approval: true
  auto_approve_threshold: 50
  never_retry: true
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(testPolicy), 0o644))

	cfg := &config.Config{
		DataDir:    dir,
		PolicyFile: policyPath,
		Dispatch:   config.DispatchConfig{Tick: config.Duration(20 * time.Millisecond)},
		Approval:   config.ApprovalConfig{SweepInterval: config.Duration(20 * time.Millisecond)},
		HTTP:       config.HTTPConfig{Addr: "127.0.0.1:0"},
	}
	cfgPath := filepath.Join(dir, "gatekeeper.json")
	require.NoError(t, config.Save(cfg, cfgPath))
	loaded, err := config.Load(cfgPath)
	require.NoError(t, err)
	return loaded
}

func TestNewWiresComponents(t *testing.T) {
	k, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer func() { require.NoError(t, k.Stop()) }()

	assert.NotNil(t, k.Database)
	assert.NotNil(t, k.Store)
	assert.NotNil(t, k.Audit)
	assert.NotNil(t, k.Ledger)
	assert.NotNil(t, k.Gate)
	assert.NotNil(t, k.Dispatcher)
	assert.NotNil(t, k.Loop)
	assert.NotNil(t, k.API)
	assert.Equal(t, []string{"low_risk_note"}, k.Handlers.ActionTypes())
	assert.Nil(t, k.APIAddr())
}

func TestNeverRetryFollowsPolicy(t *testing.T) {
	k, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer func() { _ = k.Close() }()

	assert.True(t, k.neverRetry("payment"))
	assert.False(t, k.neverRetry("low_risk_note"))
	assert.False(t, k.neverRetry("unknown"))

	require.NoError(t, os.WriteFile(k.Config.PolicyFile, []byte("payment:\n  requires_approval: true\n"), 0o644))
	require.NoError(t, k.ReloadPolicy())
	assert.False(t, k.neverRetry("payment"))
}

func TestRunningKernelCompletesNote(t *testing.T) {
	k, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	require.NoError(t, k.Start())
	assert.Error(t, k.Start(), "second start")

	ctx := context.Background()
	it, err := k.Ledger.Create(ctx, "test", workitem.NeedsAction, "NOTE", workitem.Header{
		workitem.KeyActionType: "low_risk_note",
		workitem.KeyParams:     map[string]any{"text": "remember the milk"},
	}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, err := k.Store.Locate(ctx, it.ID)
		return err == nil && c == workitem.Done
	}, 5*time.Second, 20*time.Millisecond)

	addr := k.APIAddr()
	require.NotNil(t, addr)
	resp, err := http.Get("http://" + addr.String() + "/items/" + it.ID)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, k.Stop())
	require.NoError(t, k.Stop(), "stop is idempotent")

	entries, err := audit.ReadDir(k.Config.LogDir, audit.Filter{Target: it.ID})
	require.NoError(t, err)
	kinds := make([]audit.Kind, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []audit.Kind{audit.KindCreated, audit.KindApproved, audit.KindCompleted}, kinds)
}

func TestVaultAndFileSessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = config.StoreVault
	cfg.Loop.SessionStore = config.SessionsFile
	cfg.LogDir = filepath.Join(cfg.VaultDir, "Logs")
	cfg.HTTP.Disabled = true

	k, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, k.Stop()) }()
	assert.Nil(t, k.Database, "no SQLite needed")

	ctx := context.Background()
	it, err := k.Ledger.Create(ctx, "test", workitem.Inbox, "NOTE", workitem.Header{
		workitem.KeyActionType: "low_risk_note",
	}, "")
	require.NoError(t, err)

	k.Gate.Cycle(ctx)
	_, err = k.Dispatcher.RunOnce(ctx)
	require.NoError(t, err)
	k.Dispatcher.Drain()

	_, err = os.Stat(filepath.Join(cfg.VaultDir, "Done", it.ID+".md"))
	require.NoError(t, err)
	assert.FileExists(t, k.Audit.CurrentFile())

	s, err := k.Loop.Start(ctx, loop.Spec{ID: "vault-loop", Instruction: "again"})
	require.NoError(t, err)
	assert.Equal(t, 10, s.Ceiling)
	assert.FileExists(t, filepath.Join(cfg.Loop.SessionDir, "active", "vault-loop.json"))
}

func TestBadHandlerConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Handlers["send_email"] = config.HandlerConfig{
		Command: []string{"send-mail"},
		WorkDir: filepath.Join(cfg.DataDir, "does-not-exist"),
	}
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestBadPolicyFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.PolicyFile, []byte("payment: [unclosed"), 0o644))
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestOfflineSkipsFanOutAndAPI(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	var dialed atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			dialed.Add(1)
			_ = conn.Close()
		}
	}()

	cfg := testConfig(t)
	cfg.NATS.URL = "nats://" + ln.Addr().String()

	began := time.Now()
	k, err := New(context.Background(), cfg, Offline())
	require.NoError(t, err)
	defer func() { require.NoError(t, k.Stop()) }()
	assert.Less(t, time.Since(began), 2*time.Second)

	_, err = k.Ledger.Create(context.Background(), "cli", workitem.NeedsAction, "NOTE", workitem.Header{workitem.KeyActionType: "low_risk_note"}, "")
	require.NoError(t, err)
	assert.FileExists(t, k.Audit.CurrentFile())

	require.NoError(t, k.Start())
	assert.Nil(t, k.APIAddr())
	assert.Zero(t, dialed.Load())
}

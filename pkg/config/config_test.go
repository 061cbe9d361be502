package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, filepath.Join(DefaultDataDir, "gatekeeper.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(DefaultDataDir, "logs"), cfg.LogDir)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.Tick.Std())
	assert.Equal(t, 60*time.Second, cfg.Dispatch.DefaultTimeout.Std())
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, []time.Duration{0, 25 * time.Second, 2 * time.Hour}, cfg.Dispatch.ScheduleDurations())
	assert.Equal(t, 10, cfg.Loop.Ceiling)
	assert.Equal(t, "TASK_COMPLETE", cfg.Loop.CompletionToken)
	assert.Contains(t, cfg.Handlers, "low_risk_note")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GK_TEST_NATS", "nats://127.0.0.1:4222")
	path := writeFile(t, dir, "gatekeeper.json", `{
		"data_dir": "/var/lib/gatekeeper",
		"store": "vault",
		"dispatch": {"tick": "1s", "max_attempts": 5, "schedule": ["0s", 30, "10m"]},
		"loop": {"session_store": "file"},
		"handlers": {"send_email": {"command": ["/usr/local/bin/send-mail"], "timeout": "15s", "never_retry": true}},
		"nats": {"url": "${GK_TEST_NATS}"},
		"audit": {"redact_patterns": [{"name": "ticket", "re": "TCK-[0-9]+"}]}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StoreVault, cfg.Store)
	assert.Equal(t, "/var/lib/gatekeeper/vault/Logs", cfg.LogDir)
	assert.Equal(t, time.Second, cfg.Dispatch.Tick.Std())
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, []time.Duration{0, 30 * time.Second, 10 * time.Minute}, cfg.Dispatch.ScheduleDurations())
	assert.Equal(t, SessionsFile, cfg.Loop.SessionStore)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	require.Len(t, cfg.Audit.RedactPatterns, 1)
	assert.Equal(t, "ticket", cfg.Audit.RedactPatterns[0].Name)

	h := cfg.Handlers["send_email"]
	assert.Equal(t, 15*time.Second, h.Timeout.Std())
	assert.True(t, h.NeverRetry)
	assert.NotContains(t, cfg.Handlers, "low_risk_note", "explicit handlers replace the default set")
}

func TestUnsetPlaceholderIsKept(t *testing.T) {
	assert.Equal(t, `{"url": "${GK_TEST_SURELY_UNSET}"}`, substituteEnv(`{"url": "${GK_TEST_SURELY_UNSET}"}`))
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "gatekeeper.json", `{
		"handlers": {"send_email": {"command": ["mail"]}}
	}`)
	t.Setenv("GATEKEEPER_STORE", "vault")
	t.Setenv("GATEKEEPER_DISPATCH_TICK", "250ms")
	t.Setenv("GATEKEEPER_DISPATCH_SCHEDULE", "0s, 1m")
	t.Setenv("GATEKEEPER_LOOP_CEILING", "4")
	t.Setenv("GATEKEEPER_DEBUG", "true")
	t.Setenv("GATEKEEPER_HANDLERS_SEND_EMAIL_NEVER_RETRY", "1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StoreVault, cfg.Store)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.Tick.Std())
	assert.Equal(t, []time.Duration{0, time.Minute}, cfg.Dispatch.ScheduleDurations())
	assert.Equal(t, 4, cfg.Loop.Ceiling)
	assert.True(t, cfg.Debug)
	assert.True(t, cfg.Handlers["send_email"].NeverRetry)
}

func TestBadEnvOverride(t *testing.T) {
	t.Setenv("GATEKEEPER_DISPATCH_MAX_ATTEMPTS", "three")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GATEKEEPER_DISPATCH_MAX_ATTEMPTS")
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Store = "postgres"
	cfg.Dispatch.MaxAttempts = -1
	cfg.Handlers["broken"] = HandlerConfig{}
	cfg.Handlers["both"] = HandlerConfig{Builtin: "note", Command: []string{"x"}}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `store must be`)
	assert.Contains(t, msg, "dispatch.max_attempts")
	assert.Contains(t, msg, "handlers.broken")
	assert.Contains(t, msg, "handlers.both")
}

func TestInvalidDuration(t *testing.T) {
	path := writeFile(t, t.TempDir(), "gatekeeper.json", `{"dispatch": {"tick": "soon"}}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gatekeeper.json")
	cfg := Default()
	cfg.Dispatch.Schedule = []Duration{Duration(time.Second), Duration(time.Minute)}
	require.NoError(t, Save(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"1m0s"`)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Dispatch.ScheduleDurations(), loaded.Dispatch.ScheduleDurations())
	assert.Equal(t, cfg.DBPath, loaded.DBPath)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "GK_DOTENV_ONLY=from-file\nGK_DOTENV_SET=from-file\n")
	t.Setenv("GK_DOTENV_SET", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("GK_DOTENV_ONLY") })

	require.NoError(t, LoadDotEnv(envFile, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("GK_DOTENV_ONLY"))
	assert.Equal(t, "from-env", os.Getenv("GK_DOTENV_SET"))
}

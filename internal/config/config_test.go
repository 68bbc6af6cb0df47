package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 25*time.Second, cfg.Network.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.Chat.LiveDedupWindow)
	assert.Equal(t, 30*time.Second, cfg.Chat.RecoveryDedupWindow)
	assert.Equal(t, 60*time.Second, cfg.Timer.WarningThreshold)
	assert.Equal(t, 3, cfg.Signaling.MaxIceRestarts)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  url: ws://consult.example/ws
network:
  heartbeat_interval: 15s
  backoff:
    base: 500ms
    cap: 10s
    max_attempts: 4
chat:
  typing_expiry: 3s
`)
	t.Setenv("CONSULT_NETWORK_BACKOFF_MAX_ATTEMPTS", "7")
	t.Setenv("CONSULT_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://consult.example/ws", cfg.Server.URL)
	assert.Equal(t, 15*time.Second, cfg.Network.HeartbeatInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Network.Backoff.Base)
	assert.Equal(t, 7, cfg.Network.Backoff.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Chat.TypingExpiry)
	assert.Equal(t, "debug", cfg.Log.Level)
	// 未出现在文件中的字段保持默认值
	assert.Equal(t, 10*time.Second, cfg.Session.JoinTimeout)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty url", func(c *Config) { c.Server.URL = "" }},
		{"zero heartbeat", func(c *Config) { c.Network.HeartbeatInterval = 0 }},
		{"cap below base", func(c *Config) { c.Network.Backoff.Cap = c.Network.Backoff.Base / 2 }},
		{"multiplier below one", func(c *Config) { c.Network.Backoff.Multiplier = 0.5 }},
		{"recovery window below live", func(c *Config) { c.Chat.RecoveryDedupWindow = time.Second }},
		{"background interval below live", func(c *Config) { c.Chat.MinBackgroundRecoveryInterval = time.Second }},
		{"zero tick", func(c *Config) { c.Timer.TickInterval = 0 }},
		{"negative restarts", func(c *Config) { c.Signaling.MaxIceRestarts = -1 }},
		{"recording without dir", func(c *Config) { c.Recording.Enabled = true; c.Recording.Dir = "" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestOptionsMapping(t *testing.T) {
	cfg := Default()
	cfg.Server.URL = "ws://x/ws"
	cfg.Session.JoinTimeout = 3 * time.Second
	cfg.Chat.MinRecoveryInterval = time.Second
	cfg.Signaling.AutoStartCall = true

	opts := cfg.Options()
	require.NotNil(t, opts.Connection)
	assert.Equal(t, "ws://x/ws", opts.Connection.URL)
	assert.Equal(t, cfg.Network.Backoff.MaxAttempts, opts.Connection.MaxReconnectAttempts)
	assert.Equal(t, 3*time.Second, opts.Room.JoinTimeout)
	assert.Equal(t, time.Second, opts.Chat.MinRecoveryInterval)
	assert.Equal(t, cfg.Timer.WarningThreshold, opts.Timer.WarningThreshold)
	assert.Equal(t, cfg.Signaling.CandidateBuffer, opts.Signaling.CandidateBuffer)
	assert.True(t, opts.AutoStartCall)
	assert.NotNil(t, opts.Dialer)

	mock := cfg.MockServer()
	assert.Equal(t, ":18090", mock.Addr)
	assert.True(t, mock.AutoStart)
	assert.Equal(t, 5*time.Second, mock.TimerInterval)
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")

	var calls []string
	cm := NewConfigManager(WithConfigPath(path), WithOnChange(func(old, new *Config) {
		calls = append(calls, old.Log.Level+"->"+new.Log.Level)
	}))

	cfg, err := cm.Get()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, path, cm.ConfigFile())

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))
	require.NoError(t, cm.Reload())

	cfg, err = cm.Get()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"info->warn"}, calls)

	// 无效配置不替换当前配置
	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: xml\n"), 0o644))
	assert.Error(t, cm.Reload())
	cfg, _ = cm.Get()
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Len(t, calls, 1)
}

func TestManagerWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "timer:\n  tick_interval: 1s\n")

	changed := make(chan *Config, 16)
	cm := NewConfigManager(WithConfigPath(path), WithWatchEnabled(true))
	cm.OnChange(func(_, new *Config) {
		select {
		case changed <- new:
		default:
		}
	})

	_, err := cm.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("timer:\n  tick_interval: 2s\n"), 0o644))

	// 写入可能触发多次事件，中间状态可能是空文件
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.Timer.TickInterval == 2*time.Second {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

func TestSummary(t *testing.T) {
	cm := NewConfigManager(WithConfigPath(writeConfig(t, "server:\n  url: ws://s/ws\n")))
	summary, err := cm.Summary()
	require.NoError(t, err)
	assert.Equal(t, "ws://s/ws", summary["server_url"])
	assert.Equal(t, false, summary["recording"])
}

func TestGlobalConfigManagerFirstCallWins(t *testing.T) {
	path := writeConfig(t, "server:\n  url: ws://global/ws\n")

	cm := GetGlobalConfigManager(WithConfigPath(path), WithWatchEnabled(false))
	assert.Same(t, cm, GetGlobalConfigManager(WithConfigPath("ignored.yaml")))

	cfg, err := cm.Get()
	require.NoError(t, err)
	assert.Equal(t, "ws://global/ws", cfg.Server.URL)
	assert.Equal(t, path, cm.ConfigFile())
}

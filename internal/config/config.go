package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ConsultSync/internal/chat"
	"ConsultSync/internal/connection"
	"ConsultSync/internal/consult"
	"ConsultSync/internal/room"
	"ConsultSync/internal/signaling"
	"ConsultSync/internal/testserver"
	"ConsultSync/internal/timersync"
	"ConsultSync/internal/transport"
)

// EnvPrefix 环境变量前缀，例如 CONSULT_NETWORK_HEARTBEAT_INTERVAL
const EnvPrefix = "CONSULT"

// Config 客户端完整配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Network   NetworkConfig   `mapstructure:"network"`
	Session   SessionConfig   `mapstructure:"session"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Timer     TimerConfig     `mapstructure:"timer"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Recording RecordingConfig `mapstructure:"recording"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig 服务端地址
type ServerConfig struct {
	URL         string           `mapstructure:"url"`
	Token       string           `mapstructure:"token"`
	MetricsAddr string           `mapstructure:"metrics_addr"`
	Mock        MockServerConfig `mapstructure:"mock"`
}

// MockServerConfig 本地模拟服务器
type MockServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	AutoStart     bool          `mapstructure:"auto_start"`
	TimerInterval time.Duration `mapstructure:"timer_interval"`
	DefaultBudget int           `mapstructure:"default_budget"`
	EchoToSender  bool          `mapstructure:"echo_to_sender"`
}

// NetworkConfig 连接与心跳
type NetworkConfig struct {
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	SendQueueSize     int           `mapstructure:"send_queue_size"`
	EnableCompression bool          `mapstructure:"enable_compression"`
	Backoff           BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig 重连退避
type BackoffConfig struct {
	Base        time.Duration `mapstructure:"base"`
	Cap         time.Duration `mapstructure:"cap"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// SessionConfig 房间加入与结束
type SessionConfig struct {
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
	EndTimeout  time.Duration `mapstructure:"end_timeout"`
}

// ChatConfig 消息同步
type ChatConfig struct {
	LiveDedupWindow               time.Duration `mapstructure:"live_dedup_window"`
	RecoveryDedupWindow           time.Duration `mapstructure:"recovery_dedup_window"`
	SendTimeout                   time.Duration `mapstructure:"send_timeout"`
	RecoveryTimeout               time.Duration `mapstructure:"recovery_timeout"`
	MinRecoveryInterval           time.Duration `mapstructure:"min_recovery_interval"`
	MinBackgroundRecoveryInterval time.Duration `mapstructure:"min_background_recovery_interval"`
	TypingExpiry                  time.Duration `mapstructure:"typing_expiry"`
	MaxContentLength              int           `mapstructure:"max_content_length"`
}

// TimerConfig 计时同步
type TimerConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	ResyncTimeout    time.Duration `mapstructure:"resync_timeout"`
	WarningThreshold time.Duration `mapstructure:"warning_threshold"`
}

// SignalingConfig 信令中继
type SignalingConfig struct {
	IceRestartTimeout time.Duration `mapstructure:"ice_restart_timeout"`
	MaxIceRestarts    int           `mapstructure:"max_ice_restarts"`
	OutboundBuffer    int           `mapstructure:"outbound_buffer"`
	CandidateBuffer   int           `mapstructure:"candidate_buffer"`
	AutoStartCall     bool          `mapstructure:"auto_start_call"`
}

// RecordingConfig 会话录制
type RecordingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// LogConfig 日志
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// setDefaultValues 每个字段都有默认值，环境变量覆盖依赖这些键已注册
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("server.url", "ws://127.0.0.1:18090/ws")
	v.SetDefault("server.token", "")
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("server.mock.addr", ":18090")
	v.SetDefault("server.mock.auto_start", true)
	v.SetDefault("server.mock.timer_interval", "5s")
	v.SetDefault("server.mock.default_budget", 0)
	v.SetDefault("server.mock.echo_to_sender", true)

	v.SetDefault("network.handshake_timeout", "10s")
	v.SetDefault("network.heartbeat_interval", "25s")
	v.SetDefault("network.write_timeout", "5s")
	v.SetDefault("network.request_timeout", "10s")
	v.SetDefault("network.send_queue_size", 256)
	v.SetDefault("network.enable_compression", true)
	v.SetDefault("network.backoff.base", "1s")
	v.SetDefault("network.backoff.cap", "30s")
	v.SetDefault("network.backoff.multiplier", 1.5)
	v.SetDefault("network.backoff.jitter", 0.0)
	v.SetDefault("network.backoff.max_attempts", 10)

	v.SetDefault("session.join_timeout", "10s")
	v.SetDefault("session.end_timeout", "10s")

	v.SetDefault("chat.live_dedup_window", "2s")
	v.SetDefault("chat.recovery_dedup_window", "30s")
	v.SetDefault("chat.send_timeout", "10s")
	v.SetDefault("chat.recovery_timeout", "15s")
	v.SetDefault("chat.min_recovery_interval", "2s")
	v.SetDefault("chat.min_background_recovery_interval", "10s")
	v.SetDefault("chat.typing_expiry", "6s")
	v.SetDefault("chat.max_content_length", 4000)

	v.SetDefault("timer.tick_interval", "1s")
	v.SetDefault("timer.resync_timeout", "10s")
	v.SetDefault("timer.warning_threshold", "60s")

	v.SetDefault("signaling.ice_restart_timeout", "10s")
	v.SetDefault("signaling.max_ice_restarts", 3)
	v.SetDefault("signaling.outbound_buffer", 64)
	v.SetDefault("signaling.candidate_buffer", 64)
	v.SetDefault("signaling.auto_start_call", false)

	v.SetDefault("recording.enabled", false)
	v.SetDefault("recording.dir", "recordings")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// newViper 创建带默认值与环境变量覆盖的viper实例；path为空时按约定目录搜索client.yaml
func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("client")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)
	return v
}

// read 读取配置文件并解析；文件不存在时使用默认值
func read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load 一次性加载配置
func Load(path string) (*Config, error) {
	return read(newViper(path))
}

// Default 只含默认值的配置
func Default() *Config {
	v := viper.New()
	setDefaultValues(v)
	var cfg Config
	// 默认值本身保证能解析
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate 拒绝无意义的取值
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if err := c.Connection().Validate(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if c.Network.WriteTimeout <= 0 {
		return fmt.Errorf("network.write_timeout must be positive")
	}
	if c.Session.JoinTimeout <= 0 || c.Session.EndTimeout <= 0 {
		return fmt.Errorf("session timeouts must be positive")
	}
	if c.Chat.LiveDedupWindow <= 0 || c.Chat.RecoveryDedupWindow < c.Chat.LiveDedupWindow {
		return fmt.Errorf("chat dedup windows invalid: live=%s recovery=%s",
			c.Chat.LiveDedupWindow, c.Chat.RecoveryDedupWindow)
	}
	if c.Chat.SendTimeout <= 0 || c.Chat.RecoveryTimeout <= 0 {
		return fmt.Errorf("chat timeouts must be positive")
	}
	if c.Chat.MinRecoveryInterval < 0 || c.Chat.MinBackgroundRecoveryInterval < c.Chat.MinRecoveryInterval {
		return fmt.Errorf("chat recovery intervals invalid")
	}
	if c.Chat.MaxContentLength <= 0 {
		return fmt.Errorf("chat.max_content_length must be positive")
	}
	if c.Timer.TickInterval <= 0 || c.Timer.ResyncTimeout <= 0 {
		return fmt.Errorf("timer intervals must be positive")
	}
	if c.Timer.WarningThreshold < 0 {
		return fmt.Errorf("timer.warning_threshold must not be negative")
	}
	if c.Signaling.IceRestartTimeout <= 0 || c.Signaling.MaxIceRestarts < 0 {
		return fmt.Errorf("signaling ice restart settings invalid")
	}
	if c.Signaling.OutboundBuffer <= 0 || c.Signaling.CandidateBuffer <= 0 {
		return fmt.Errorf("signaling buffers must be positive")
	}
	if c.Recording.Enabled && c.Recording.Dir == "" {
		return fmt.Errorf("recording.dir is required when recording is enabled")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// Connection 连接管理器配置
func (c *Config) Connection() *connection.Config {
	return &connection.Config{
		URL:                  c.Server.URL,
		HandshakeTimeout:     c.Network.HandshakeTimeout,
		HeartbeatInterval:    c.Network.HeartbeatInterval,
		RequestTimeout:       c.Network.RequestTimeout,
		SendQueueSize:        c.Network.SendQueueSize,
		ReconnectBase:        c.Network.Backoff.Base,
		ReconnectCap:         c.Network.Backoff.Cap,
		ReconnectMultiplier:  c.Network.Backoff.Multiplier,
		ReconnectJitter:      c.Network.Backoff.Jitter,
		MaxReconnectAttempts: c.Network.Backoff.MaxAttempts,
	}
}

// WebSocket 拨号器配置
func (c *Config) WebSocket() transport.WebSocketConfig {
	ws := transport.DefaultWebSocketConfig()
	ws.HandshakeTimeout = c.Network.HandshakeTimeout
	ws.WriteTimeout = c.Network.WriteTimeout
	ws.EnableCompression = c.Network.EnableCompression
	return ws
}

// Options 组装客户端选项；凭据、观察者和媒体层由调用方补充
func (c *Config) Options() consult.Options {
	return consult.Options{
		Connection: c.Connection(),
		Room: room.Config{
			JoinTimeout: c.Session.JoinTimeout,
			EndTimeout:  c.Session.EndTimeout,
		},
		Chat: chat.Config{
			LiveDedupWindow:               c.Chat.LiveDedupWindow,
			RecoveryDedupWindow:           c.Chat.RecoveryDedupWindow,
			SendTimeout:                   c.Chat.SendTimeout,
			RecoveryTimeout:               c.Chat.RecoveryTimeout,
			MinRecoveryInterval:           c.Chat.MinRecoveryInterval,
			MinBackgroundRecoveryInterval: c.Chat.MinBackgroundRecoveryInterval,
			TypingExpiry:                  c.Chat.TypingExpiry,
			MaxContentLength:              c.Chat.MaxContentLength,
		},
		Timer: timersync.Config{
			TickInterval:     c.Timer.TickInterval,
			ResyncTimeout:    c.Timer.ResyncTimeout,
			WarningThreshold: c.Timer.WarningThreshold,
		},
		Signaling: signaling.Config{
			IceRestartTimeout: c.Signaling.IceRestartTimeout,
			MaxIceRestarts:    c.Signaling.MaxIceRestarts,
			OutboundBuffer:    c.Signaling.OutboundBuffer,
			CandidateBuffer:   c.Signaling.CandidateBuffer,
		},
		Dialer:        transport.NewWebSocketDialer(c.WebSocket()),
		AutoStartCall: c.Signaling.AutoStartCall,
	}
}

// MockServer 模拟服务器配置
func (c *Config) MockServer() *testserver.ServerConfig {
	sc := testserver.DefaultServerConfig(c.Server.Mock.Addr)
	sc.AutoStart = c.Server.Mock.AutoStart
	sc.TimerInterval = c.Server.Mock.TimerInterval
	sc.DefaultBudget = c.Server.Mock.DefaultBudget
	sc.EchoToSender = c.Server.Mock.EchoToSender
	sc.WriteTimeout = c.Network.WriteTimeout
	sc.EnableCompression = c.Network.EnableCompression
	return sc
}

package connection

import (
	"fmt"
	"time"
)

// Config 连接管理器配置
type Config struct {
	URL               string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	SendQueueSize     int

	// 重连退避: delay = min(base * multiplier^attempt, cap)
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	ReconnectMultiplier  float64
	ReconnectJitter      float64
	MaxReconnectAttempts int
}

// DefaultConfig 返回默认配置
func DefaultConfig(url string) *Config {
	return &Config{
		URL:                  url,
		HandshakeTimeout:     10 * time.Second,
		HeartbeatInterval:    25 * time.Second,
		RequestTimeout:       10 * time.Second,
		SendQueueSize:        256,
		ReconnectBase:        time.Second,
		ReconnectCap:         30 * time.Second,
		ReconnectMultiplier:  1.5,
		ReconnectJitter:      0,
		MaxReconnectAttempts: 10,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("connection url is required")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.ReconnectBase <= 0 || c.ReconnectCap < c.ReconnectBase {
		return fmt.Errorf("invalid reconnect backoff: base=%s cap=%s", c.ReconnectBase, c.ReconnectCap)
	}
	if c.ReconnectMultiplier < 1 {
		return fmt.Errorf("reconnect multiplier must be >= 1")
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter >= 1 {
		return fmt.Errorf("reconnect jitter must be in [0,1)")
	}
	if c.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("max reconnect attempts must be positive")
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("send queue size must be positive")
	}
	return nil
}

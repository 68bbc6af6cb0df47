package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ChangeFunc 配置文件变化并重新加载成功后回调
type ChangeFunc func(old, new *Config)

// ConfigManager 统一配置管理器
type ConfigManager struct {
	mu           sync.RWMutex
	config       *Config
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
	onChange     []ChangeFunc
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// WithOnChange 注册配置变化回调
func WithOnChange(fn ChangeFunc) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.onChange = append(cm.onChange, fn)
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Load 加载配置，已加载时直接返回
func (cm *ConfigManager) Load() (*Config, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	v := newViper(cm.configPath)
	cfg, err := read(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cm.config = cfg
	cm.viper = v

	if cm.watchEnabled && v.ConfigFileUsed() != "" {
		cm.watch()
	}
	return cfg, nil
}

// Get 获取配置（未加载则自动加载）
func (cm *ConfigManager) Get() (*Config, error) {
	cm.mu.RLock()
	if cm.config != nil {
		defer cm.mu.RUnlock()
		return cm.config, nil
	}
	cm.mu.RUnlock()

	return cm.Load()
}

// Reload 重新读取配置文件；新配置校验失败时保留旧配置
func (cm *ConfigManager) Reload() error {
	cm.mu.Lock()
	if cm.viper == nil {
		cm.mu.Unlock()
		return fmt.Errorf("config not loaded")
	}
	cfg, err := read(cm.viper)
	if err != nil {
		cm.mu.Unlock()
		return fmt.Errorf("reload config: %w", err)
	}
	old := cm.config
	cm.config = cfg
	callbacks := append([]ChangeFunc(nil), cm.onChange...)
	cm.mu.Unlock()

	for _, fn := range callbacks {
		fn(old, cfg)
	}
	return nil
}

// OnChange 注册配置变化回调
func (cm *ConfigManager) OnChange(fn ChangeFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onChange = append(cm.onChange, fn)
}

// ConfigFile 实际使用的配置文件，未找到时为空
func (cm *ConfigManager) ConfigFile() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.viper == nil {
		return ""
	}
	return cm.viper.ConfigFileUsed()
}

// watch 监控配置文件变化
func (cm *ConfigManager) watch() {
	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := cm.Reload(); err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("config reload rejected")
			return
		}
		log.Info().Str("file", e.Name).Msg("config reloaded")
	})
	cm.viper.WatchConfig()
}

// Summary 配置摘要信息
func (cm *ConfigManager) Summary() (map[string]interface{}, error) {
	cfg, err := cm.Get()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"config_file":        cm.ConfigFile(),
		"server_url":         cfg.Server.URL,
		"heartbeat_interval": cfg.Network.HeartbeatInterval.String(),
		"max_attempts":       cfg.Network.Backoff.MaxAttempts,
		"recording":          cfg.Recording.Enabled,
		"log_level":          cfg.Log.Level,
	}, nil
}

// 全局配置管理器实例
var (
	globalConfigManager *ConfigManager
	configManagerOnce   sync.Once
)

// GetGlobalConfigManager 获取全局配置管理器，opts只在首次调用时生效
func GetGlobalConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	configManagerOnce.Do(func() {
		globalConfigManager = NewConfigManager(append([]ConfigManagerOption{WithWatchEnabled(true)}, opts...)...)
	})
	return globalConfigManager
}

package chat

import "time"

// Config 消息引擎配置
type Config struct {
	// 内容去重的时间容差：实时推送与恢复批次分别使用
	LiveDedupWindow     time.Duration
	RecoveryDedupWindow time.Duration

	SendTimeout     time.Duration
	RecoveryTimeout time.Duration

	// 两次恢复请求之间的最小间隔；前后台切换引起的触发使用更大的间隔
	MinRecoveryInterval           time.Duration
	MinBackgroundRecoveryInterval time.Duration

	TypingExpiry     time.Duration
	MaxContentLength int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		LiveDedupWindow:               2 * time.Second,
		RecoveryDedupWindow:           30 * time.Second,
		SendTimeout:                   10 * time.Second,
		RecoveryTimeout:               15 * time.Second,
		MinRecoveryInterval:           2 * time.Second,
		MinBackgroundRecoveryInterval: 10 * time.Second,
		TypingExpiry:                  6 * time.Second,
		MaxContentLength:              4000,
	}
}

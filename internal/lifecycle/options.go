package lifecycle

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config 为生命周期管理器的配置。
type Config struct {
	// PairingDelay 为客户端创建后到申请配对码之间的等待时间。
	PairingDelay time.Duration `mapstructure:"pairingDelay"`
	// PairingAttempts 为申请配对码的最大尝试次数。
	PairingAttempts uint `mapstructure:"pairingAttempts"`
	// ReconnectDelay 为连接意外关闭后发起重连前的固定等待时间。
	ReconnectDelay time.Duration `mapstructure:"reconnectDelay"`

	// NewReconnectBackOff 为每个会话创建一份重连等待策略，为空时使用 ReconnectDelay 的固定间隔。
	// 返回 backoff.Stop 表示放弃重连。
	NewReconnectBackOff func() backoff.BackOff `mapstructure:"-"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		PairingDelay:    1500 * time.Millisecond,
		PairingAttempts: 3,
		ReconnectDelay:  10 * time.Second,
	}
}

func (c Config) newBackOff() backoff.BackOff {
	if c.NewReconnectBackOff != nil {
		return c.NewReconnectBackOff()
	}
	return backoff.NewConstantBackOff(c.ReconnectDelay)
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.PairingDelay < 0 {
		c.PairingDelay = 0
	}
	if c.PairingAttempts == 0 {
		c.PairingAttempts = def.PairingAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	return c
}

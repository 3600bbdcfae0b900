package log

import "go.uber.org/atomic"

var (
	_ WithLogger   = &Binder{}
	_ LoggerBinder = &Binder{}
)

// WithLogger 由持有组件级 Logger 的类型实现。
type WithLogger interface {
	Logger() *MLogger
}

// LoggerBinder 允许在组件构造之后替换其 Logger，例如按模块配置的输出。
type LoggerBinder interface {
	SetLogger(logger *MLogger)
}

// Binder 嵌入到会话管理器、发送控制器和传输客户端中，
// 后台 goroutine 与配置加载可以并发读写其 Logger。
type Binder struct {
	logger atomic.Pointer[MLogger]
}

func (b *Binder) SetLogger(logger *MLogger) {
	b.logger.Store(logger)
}

// Logger 返回已绑定的 Logger，未绑定时返回全局 Logger。
func (b *Binder) Logger() *MLogger {
	if l := b.logger.Load(); l != nil {
		return l
	}
	return With()
}

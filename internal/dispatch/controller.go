// Package dispatch 实现按固定间隔循环发送消息列表的后台任务。
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/msgrelay-go/internal/session"
	"github.com/lk2023060901/msgrelay-go/internal/transport"
	"github.com/lk2023060901/msgrelay-go/pkg/log"
	"github.com/lk2023060901/msgrelay-go/pkg/metrics"
	"github.com/lk2023060901/msgrelay-go/pkg/util/conc"
	"github.com/lk2023060901/msgrelay-go/pkg/util/funcutil"
	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
)

// Config 为发送循环控制器的配置。
type Config struct {
	// MaxLoops 为同时运行的发送循环上限，<= 0 表示不限制。
	MaxLoops int `mapstructure:"maxLoops"`
	// MinInterval 为发送间隔下限，更小的间隔会被提升到该值。
	MinInterval time.Duration `mapstructure:"minInterval"`
	// SendTimeout 为单次发送的超时时间，<= 0 表示不设超时。
	SendTimeout time.Duration `mapstructure:"sendTimeout"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		MaxLoops:    1024,
		MinInterval: time.Second,
		SendTimeout: 30 * time.Second,
	}
}

// Request 描述一次发送循环。
type Request struct {
	SessionID  string
	Target     string
	TargetType transport.TargetType
	Messages   []string
	Interval   time.Duration
}

func (r Request) validate() error {
	if r.SessionID == "" {
		return merr.WrapErrParameterMissing("sessionId")
	}
	if r.Target == "" {
		return merr.WrapErrParameterMissing("target")
	}
	if len(r.Messages) == 0 {
		return merr.WrapErrParameterMissing("messages")
	}
	for i, msg := range r.Messages {
		if funcutil.IsBlank(msg) {
			return merr.WrapErrParameterInvalidMsg("message %d is blank", i)
		}
	}
	if r.Interval <= 0 {
		return merr.WrapErrParameterInvalidMsg("interval must be positive, got %s", r.Interval)
	}
	return nil
}

// Controller 管理所有会话的发送循环，每个会话同一时刻最多一个循环。
type Controller struct {
	log.Binder

	cfg      Config
	registry *session.Registry
	pool     *conc.Pool[struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int32

	closeOnce sync.Once
}

// NewController 创建发送循环控制器。
func NewController(cfg Config, registry *session.Registry) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:      cfg,
		registry: registry,
		pool: conc.NewPool[struct{}](cfg.MaxLoops,
			conc.WithName("dispatch"),
			conc.WithNonBlocking(true),
			conc.WithConcealPanic(true),
		),
		ctx:    ctx,
		cancel: cancel,
	}
	c.SetLogger(log.With(log.FieldComponent("dispatch")))
	return c
}

// Start 启动一个发送循环并立即返回，循环本身的结果不会回传给调用方。
func (c *Controller) Start(ctx context.Context, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return merr.WrapErrServiceClosed("dispatch")
	}

	sess, err := c.registry.Get(req.SessionID)
	if err != nil {
		return err
	}
	if state := sess.State(); state != session.StateOpen {
		return merr.WrapErrSessionNotConnected(req.SessionID, state.String())
	}

	interval := req.Interval
	if interval < c.cfg.MinInterval {
		interval = c.cfg.MinInterval
	}
	address := transport.Address(req.Target, req.TargetType)
	messages := append([]string(nil), req.Messages...)

	loopCtx, cancel := context.WithCancel(c.ctx)
	if err := sess.BeginDispatch(cancel); err != nil {
		cancel()
		return err
	}

	c.wg.Add(1)
	c.loopStarted()
	_, err = c.pool.TrySubmit(func() (struct{}, error) {
		defer c.wg.Done()
		defer c.loopEnded()
		defer sess.EndDispatch()
		c.run(loopCtx, sess, address, messages, interval)
		return struct{}{}, nil
	})
	if err != nil {
		c.wg.Done()
		c.loopEnded()
		sess.EndDispatch()
		return err
	}

	log.Ctx(ctx).Info("dispatch loop started",
		log.FieldSessionID(req.SessionID),
		zap.String("address", address),
		zap.Int("messages", len(messages)),
		zap.Duration("interval", interval))
	return nil
}

// run 循环发送消息：成功后游标前进并等待 interval，失败时保持游标并等待 2*interval。
func (c *Controller) run(ctx context.Context, sess *session.Session, address string, messages []string, interval time.Duration) {
	logger := c.Logger().With(log.FieldSessionID(sess.ID()), zap.String("address", address)).
		WithRateGroup("dispatch.send", 1, 10)
	cursor := 0
	for {
		if ctx.Err() != nil || !c.registry.Contains(sess) || !sess.SendingEnabled() {
			logger.Info("dispatch loop stopped")
			return
		}

		wait := interval
		if err := c.send(ctx, sess, address, messages[cursor]); err != nil {
			sess.RecordFailed()
			metrics.DispatchMessageTotal.WithLabelValues(metrics.FailLabel).Inc()
			logger.RatedWarn(1, "send message failed, will retry", zap.Int("cursor", cursor), zap.Error(err))
			wait = 2 * interval
		} else {
			sess.RecordSent()
			metrics.DispatchMessageTotal.WithLabelValues(metrics.SuccessLabel).Inc()
			cursor = (cursor + 1) % len(messages)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}
}

func (c *Controller) send(ctx context.Context, sess *session.Session, address, text string) error {
	if state := sess.State(); state != session.StateOpen {
		return merr.WrapErrSessionNotConnected(sess.ID(), state.String())
	}
	// 已经发出的请求不随停止信号中断
	sendCtx := context.WithoutCancel(ctx)
	if c.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(sendCtx, c.cfg.SendTimeout)
		defer cancel()
	}
	if err := sess.Client().SendMessage(sendCtx, address, transport.Message{Text: text}); err != nil {
		return merr.WrapErrTransportFailed("send message", err)
	}
	return nil
}

// Stop 请求停止属于 owner 的会话上的发送循环，循环会在下一个检查点退出。
func (c *Controller) Stop(ctx context.Context, id, owner string) error {
	sess, err := c.registry.GetOwned(id, owner)
	if err != nil {
		return err
	}
	was := sess.StopSending()
	log.Ctx(ctx).Info("dispatch stop requested", log.FieldSessionID(id), zap.Bool("wasSending", was))
	return nil
}

// StopAll 请求停止所有会话的发送循环。
func (c *Controller) StopAll() {
	c.registry.Range(func(sess *session.Session) bool {
		sess.StopSending()
		return true
	})
}

func (c *Controller) loopStarted() {
	c.active.Inc()
	metrics.DispatchLoopNum.Inc()
}

func (c *Controller) loopEnded() {
	c.active.Dec()
	metrics.DispatchLoopNum.Dec()
}

// Running 返回当前仍在运行的循环数量。
func (c *Controller) Running() int {
	return int(c.active.Load())
}

// Close 停止所有循环并等待其退出，ctx 结束时不再等待。
func (c *Controller) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.StopAll()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		c.pool.Release()
	})
	return err
}

// Package lifecycle 负责会话从创建、配对、连接状态迁移到断开的全过程。
package lifecycle

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lk2023060901/msgrelay-go/internal/session"
	"github.com/lk2023060901/msgrelay-go/internal/storage"
	"github.com/lk2023060901/msgrelay-go/internal/transport"
	"github.com/lk2023060901/msgrelay-go/pkg/log"
	"github.com/lk2023060901/msgrelay-go/pkg/metrics"
	"github.com/lk2023060901/msgrelay-go/pkg/util/conc"
	"github.com/lk2023060901/msgrelay-go/pkg/util/funcutil"
	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
	"github.com/lk2023060901/msgrelay-go/pkg/util/retry"
)

var ownerPattern = regexp.MustCompile(`^\d{10,15}$`)

// NormalizeOwner 去掉号码中的非数字字符并校验长度，返回规范化后的号码。
func NormalizeOwner(number string) (string, error) {
	digits := funcutil.KeepDigits(number)
	if !ownerPattern.MatchString(digits) {
		return "", merr.WrapErrParameterInvalidMsg("invalid owner number %q, expect 10 to 15 digits", number)
	}
	return digits, nil
}

// CreateResult 为创建会话的结果，PairingCode 仅在需要配对时非空。
type CreateResult struct {
	SessionID   string
	PairingCode string
}

// Manager 驱动会话的状态机。
//
// 会话记录的连接状态只在这里根据传输层事件修改；
// 重连任务运行在内部协程池中，失败只会体现为下一次关闭事件。
type Manager struct {
	log.Binder

	cfg      Config
	registry *session.Registry
	store    *storage.Store
	factory  transport.Factory

	pool   *conc.Pool[struct{}]
	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
}

// NewManager 创建生命周期管理器。
func NewManager(cfg Config, registry *session.Registry, store *storage.Store, factory transport.Factory) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg.normalize(),
		registry: registry,
		store:    store,
		factory:  factory,
		pool:     conc.NewPool[struct{}](0, conc.WithName("reconnect"), conc.WithConcealPanic(true)),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.SetLogger(log.With(log.FieldComponent("lifecycle")))
	return m
}

// Create 创建一个新会话。
//
// 任一步骤失败时会关闭已创建的客户端并删除存储目录，注册表中不会留下半成品。
func (m *Manager) Create(ctx context.Context, number string) (result CreateResult, err error) {
	owner, err := NormalizeOwner(number)
	if err != nil {
		return CreateResult{}, err
	}
	if m.ctx.Err() != nil {
		return CreateResult{}, merr.WrapErrServiceClosed("lifecycle")
	}

	id := uuid.NewString()
	logger := m.Logger().With(log.FieldSessionID(id), log.FieldOwner(owner))

	var client transport.Client
	defer func() {
		if err == nil {
			metrics.SessionCreatedTotal.WithLabelValues(metrics.SuccessLabel).Inc()
			return
		}
		metrics.SessionCreatedTotal.WithLabelValues(metrics.FailLabel).Inc()
		if client != nil {
			if cerr := client.Close(); cerr != nil {
				logger.Warn("failed to close client on rollback", zap.Error(cerr))
			}
		}
		if rerr := m.store.Remove(id); rerr != nil {
			logger.Warn("failed to remove storage on rollback", zap.Error(rerr))
		}
		logger.Warn("create session failed", zap.Error(err))
	}()

	dir, err := m.store.Create(id)
	if err != nil {
		return CreateResult{}, err
	}

	client, err = m.factory.NewClient(ctx, transport.ClientOptions{
		SessionID:   id,
		Dir:         dir,
		Credentials: m.store.Credentials(id),
	})
	if err != nil {
		return CreateResult{}, merr.WrapErrTransportFailed("create client", err)
	}

	// 记录创建时即乐观地视为已连接，后续由连接事件修正。
	sess := session.New(id, owner, client, session.StateOpen)
	w := m.subscribe(sess)
	if err = client.Connect(ctx); err != nil {
		return CreateResult{}, merr.WrapErrTransportFailed("connect", err)
	}

	result.SessionID = id
	if !client.IsRegistered() {
		var code string
		code, err = m.requestPairingCode(ctx, owner, client)
		if err != nil {
			return CreateResult{}, err
		}
		result.PairingCode = code
	}

	if err = m.registry.Put(sess); err != nil {
		return CreateResult{}, err
	}
	w.activate()
	m.registry.ReportMetrics()
	logger.Info("session created", zap.Bool("pairing", result.PairingCode != ""))
	return result, nil
}

func (m *Manager) requestPairingCode(ctx context.Context, owner string, client transport.Client) (string, error) {
	if m.cfg.PairingDelay > 0 {
		timer := time.NewTimer(m.cfg.PairingDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", merr.WrapErrPairingFailed(owner, ctx.Err())
		}
	}

	var code string
	err := retry.Do(ctx, func() error {
		var err error
		code, err = client.RequestPairingCode(ctx, owner)
		return err
	}, retry.Attempts(m.cfg.PairingAttempts))
	if err != nil {
		metrics.PairingCodeTotal.WithLabelValues(metrics.FailLabel).Inc()
		return "", merr.WrapErrPairingFailed(owner, err)
	}
	metrics.PairingCodeTotal.WithLabelValues(metrics.SuccessLabel).Inc()
	return code, nil
}

// subscribe 在连接建立之前为会话注册传输层事件处理函数，每个会话只调用一次。
func (m *Manager) subscribe(sess *session.Session) *watcher {
	client := sess.Client()
	creds := m.store.Credentials(sess.ID())
	w := &watcher{m: m, sess: sess, bo: m.cfg.newBackOff()}

	client.OnCredentialsUpdate(func(update transport.CredentialsUpdate) {
		if err := creds.Save(update.Creds); err != nil {
			m.Logger().Warn("failed to persist credentials",
				log.FieldSessionID(sess.ID()), zap.Error(err))
		}
	})
	client.OnConnectionUpdate(w.onConnectionUpdate)
	return w
}

// watcher 保存单个会话的重连策略。
//
// 会话登记到注册表之前收到的关闭事件只记为 pending，由 activate 补发重连。
type watcher struct {
	m    *Manager
	sess *session.Session

	mu      sync.Mutex
	bo      backoff.BackOff
	active  bool
	pending bool
}

// activate 在会话登记到注册表后调用。
func (w *watcher) activate() {
	w.mu.Lock()
	w.active = true
	pending := w.pending
	w.pending = false
	w.mu.Unlock()
	if pending {
		w.scheduleReconnect()
	}
}

func (w *watcher) onConnectionUpdate(update transport.ConnectionUpdate) {
	logger := w.m.Logger().With(log.FieldSessionID(w.sess.ID()))
	defer w.m.registry.ReportMetrics()

	switch update.Connection {
	case transport.ConnectionOpen:
		w.sess.SetState(session.StateOpen)
		w.mu.Lock()
		w.bo.Reset()
		w.pending = false
		w.mu.Unlock()
		logger.Info("connection opened")
	case transport.ConnectionClose:
		w.sess.SetState(session.StateClosed)
		if update.LoggedOut() {
			metrics.TransportReconnectTotal.WithLabelValues("logged_out").Inc()
			logger.Warn("connection closed by logout, not reconnecting", zap.Int("statusCode", update.StatusCode))
			return
		}
		w.mu.Lock()
		if !w.active {
			w.pending = true
			w.mu.Unlock()
			logger.Info("connection closed before registration, reconnect deferred",
				zap.Int("statusCode", update.StatusCode), zap.Error(update.Err))
			return
		}
		w.mu.Unlock()
		logger.Info("connection closed, scheduling reconnect",
			zap.Int("statusCode", update.StatusCode), zap.Error(update.Err))
		w.scheduleReconnect()
	case transport.ConnectionConnecting:
		w.sess.SetState(session.StateConnecting)
	}
}

func (w *watcher) scheduleReconnect() {
	w.mu.Lock()
	delay := w.bo.NextBackOff()
	w.mu.Unlock()

	logger := w.m.Logger().With(log.FieldSessionID(w.sess.ID()))
	if delay == backoff.Stop {
		metrics.TransportReconnectTotal.WithLabelValues("gave_up").Inc()
		logger.Warn("reconnect policy exhausted, giving up")
		return
	}

	_, err := w.m.pool.TrySubmit(func() (struct{}, error) {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-w.m.ctx.Done():
			return struct{}{}, nil
		}
		if !w.m.registry.Contains(w.sess) {
			return struct{}{}, nil
		}
		w.sess.SetState(session.StateConnecting)
		metrics.TransportReconnectTotal.WithLabelValues("closed").Inc()
		if err := w.sess.Client().Reconnect(w.m.ctx); err != nil {
			logger.Warn("reconnect failed", zap.Error(err))
		}
		return struct{}{}, nil
	})
	if err != nil {
		logger.Warn("failed to schedule reconnect", zap.Error(err))
	}
}

// Disconnect 关闭会话并将其从注册表中移除。
//
// 关闭失败只记录日志，记录总是会被移除，存储目录随之删除。
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	sess, err := m.registry.Remove(id)
	if err != nil {
		return err
	}
	ctx = log.WithSession(ctx, id)
	logger := log.Ctx(ctx).With(log.FieldComponent("lifecycle"))

	sess.StopSending()
	if err := sess.Close(); err != nil {
		logger.Warn("failed to close transport client", zap.Error(err))
	}
	if err := m.store.Remove(id); err != nil {
		logger.Warn("failed to remove session storage", zap.Error(err))
	}
	m.registry.ReportMetrics()
	logger.Info("session disconnected")
	return nil
}

// Shutdown 停止所有重连任务并关闭全部会话的传输客户端，存储目录保留。
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.shutdownOnce.Do(func() {
		m.cancel()
		var errs []error
		for _, sess := range m.registry.Close() {
			sess.StopSending()
			if cerr := sess.Close(); cerr != nil {
				errs = append(errs, merr.WrapErrTransportFailed("close "+sess.ID(), cerr))
			}
		}
		m.pool.Release()
		m.registry.ReportMetrics()
		if len(errs) > 0 {
			err = merr.Combine(errs...)
		}
		log.Ctx(ctx).Info("lifecycle manager stopped", zap.Int("errors", len(errs)))
	})
	return err
}

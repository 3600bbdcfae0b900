// Package control 是会话管理的对外操作集合，所有按号码划分权限的操作都在这里校验归属。
package control

import (
	"bufio"
	"context"
	"io"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/msgrelay-go/internal/dispatch"
	"github.com/lk2023060901/msgrelay-go/internal/lifecycle"
	"github.com/lk2023060901/msgrelay-go/internal/session"
	"github.com/lk2023060901/msgrelay-go/internal/transport"
	"github.com/lk2023060901/msgrelay-go/pkg/log"
	"github.com/lk2023060901/msgrelay-go/pkg/util/funcutil"
	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
)

// maxMessageLineSize 为消息文件中单行的最大长度。
const maxMessageLineSize = 1 << 20

// maxIntervalSeconds 为 time.Duration 能表示的最大发送间隔。
const maxIntervalSeconds = float64(math.MaxInt64 / time.Second)

// Lifecycle 为会话创建与断开能力。
type Lifecycle interface {
	Create(ctx context.Context, number string) (lifecycle.CreateResult, error)
	Disconnect(ctx context.Context, id string) error
}

// Dispatcher 为发送循环的启停能力。
type Dispatcher interface {
	Start(ctx context.Context, req dispatch.Request) error
	Stop(ctx context.Context, id, owner string) error
}

// Sessions 为会话查询能力。
type Sessions interface {
	GetOwned(id, owner string) (*session.Session, error)
	List(owner string) []session.Info
}

// CreateSessionResult 为 CreateSession 的返回值。
type CreateSessionResult struct {
	SessionID   string `json:"sessionId"`
	PairingCode string `json:"pairingCode,omitempty"`
}

// StartDispatchRequest 为 StartDispatch 的参数。
type StartDispatchRequest struct {
	SessionID       string
	Target          string
	TargetType      string
	Messages        []string
	IntervalSeconds float64
}

// Service 实现所有控制操作。
type Service struct {
	lifecycle  Lifecycle
	dispatcher Dispatcher
	sessions   Sessions
}

// NewService 创建控制服务。
func NewService(l Lifecycle, d Dispatcher, s Sessions) *Service {
	return &Service{
		lifecycle:  l,
		dispatcher: d,
		sessions:   s,
	}
}

// CreateSession 为 number 创建会话，需要配对时返回配对码。
func (s *Service) CreateSession(ctx context.Context, number string) (CreateSessionResult, error) {
	if funcutil.IsBlank(number) {
		return CreateSessionResult{}, merr.WrapErrParameterMissing("number")
	}
	result, err := s.lifecycle.Create(ctx, number)
	if err != nil {
		return CreateSessionResult{}, err
	}
	return CreateSessionResult{
		SessionID:   result.SessionID,
		PairingCode: result.PairingCode,
	}, nil
}

// StartDispatch 在会话上启动发送循环，立即返回。
func (s *Service) StartDispatch(ctx context.Context, req StartDispatchRequest) error {
	switch {
	case funcutil.IsBlank(req.SessionID):
		return merr.WrapErrParameterMissing("sessionId")
	case funcutil.IsBlank(req.Target):
		return merr.WrapErrParameterMissing("target")
	case funcutil.IsBlank(req.TargetType):
		return merr.WrapErrParameterMissing("targetType")
	case len(req.Messages) == 0:
		return merr.WrapErrParameterMissing("messages")
	case req.IntervalSeconds == 0:
		return merr.WrapErrParameterMissing("intervalSeconds")
	}
	if math.IsNaN(req.IntervalSeconds) || math.IsInf(req.IntervalSeconds, 0) {
		return merr.WrapErrParameterInvalidMsg("intervalSeconds must be finite, got %v", req.IntervalSeconds)
	}
	if req.IntervalSeconds < 0 || req.IntervalSeconds > maxIntervalSeconds {
		return merr.WrapErrParameterInvalidMsg("intervalSeconds must be in (0, %v], got %v", maxIntervalSeconds, req.IntervalSeconds)
	}
	targetType, err := transport.ParseTargetType(req.TargetType)
	if err != nil {
		return err
	}

	interval := time.Duration(req.IntervalSeconds * float64(time.Second))
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return s.dispatcher.Start(ctx, dispatch.Request{
		SessionID:  strings.TrimSpace(req.SessionID),
		Target:     strings.TrimSpace(req.Target),
		TargetType: targetType,
		Messages:   req.Messages,
		Interval:   interval,
	})
}

// ListSessions 返回属于 number 的所有会话，没有时返回空列表。
func (s *Service) ListSessions(ctx context.Context, number string) []session.Info {
	infos := s.sessions.List(funcutil.KeepDigits(number))
	if infos == nil {
		infos = []session.Info{}
	}
	log.Ctx(ctx).Debug("list sessions", zap.Int("count", len(infos)))
	return infos
}

// SessionInfo 返回属于 number 的单个会话状态。
func (s *Service) SessionInfo(ctx context.Context, id, number string) (session.Info, error) {
	if funcutil.IsBlank(id) {
		return session.Info{}, merr.WrapErrParameterMissing("sessionId")
	}
	sess, err := s.sessions.GetOwned(id, funcutil.KeepDigits(number))
	if err != nil {
		return session.Info{}, err
	}
	return sess.Snapshot(), nil
}

// StopDispatch 请求停止属于 number 的会话上的发送循环。
func (s *Service) StopDispatch(ctx context.Context, id, number string) error {
	if funcutil.IsBlank(id) {
		return merr.WrapErrParameterMissing("sessionId")
	}
	if funcutil.IsBlank(number) {
		return merr.WrapErrParameterMissing("number")
	}
	return s.dispatcher.Stop(ctx, id, funcutil.KeepDigits(number))
}

// DisconnectSession 关闭并移除会话；number 非空时先校验归属。
func (s *Service) DisconnectSession(ctx context.Context, id, number string) error {
	if funcutil.IsBlank(id) {
		return merr.WrapErrParameterMissing("sessionId")
	}
	if !funcutil.IsBlank(number) {
		if _, err := s.sessions.GetOwned(id, funcutil.KeepDigits(number)); err != nil {
			return err
		}
	}
	return s.lifecycle.Disconnect(ctx, id)
}

// ParseMessages 按行拆分消息文本，丢弃空白行，保留其余行的原样内容。
func ParseMessages(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageLineSize)

	var messages []string
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if funcutil.IsBlank(line) {
			continue
		}
		messages = append(messages, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, merr.WrapErrParameterInvalidMsg("read messages: %s", err.Error())
	}
	if len(messages) == 0 {
		return nil, merr.WrapErrParameterMissing("messages")
	}
	return messages, nil
}

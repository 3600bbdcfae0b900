package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lk2023060901/msgrelay-go/internal/transport"
	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
)

// ConnectionState 为会话的连接状态。
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosed
)

var stateNames = map[ConnectionState]string{
	StateConnecting: "connecting",
	StateOpen:       "open",
	StateClosed:     "closed",
}

func (s ConnectionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// States 返回所有连接状态，便于按状态统计。
func States() []ConnectionState {
	return []ConnectionState{StateConnecting, StateOpen, StateClosed}
}

// Session 是一条独立的消息协议会话记录。
//
// 约定：
//   - id 与 owner 创建后不可变；
//   - client 由 Session 独占，生命周期内只会被关闭一次；
//   - state 只由生命周期管理器根据传输层事件修改；
//   - sending 为发送循环的协作式取消标记，循环每轮都会检查该标记。
type Session struct {
	id        string
	owner     string
	client    transport.Client
	createdAt time.Time

	// seq 为注册顺序，由 Registry 在 Put 时分配，用于稳定排序。
	seq uint64

	mu         sync.RWMutex
	state      ConnectionState
	sending    bool
	loopActive bool
	cancelLoop context.CancelFunc

	sent   atomic.Int64
	failed atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// New 创建一条会话记录，sending 初始为 false。
func New(id, owner string, client transport.Client, state ConnectionState) *Session {
	return &Session{
		id:        id,
		owner:     owner,
		client:    client,
		createdAt: time.Now(),
		state:     state,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Owner() string {
	return s.owner
}

func (s *Session) Client() transport.Client {
	return s.client
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// OwnedBy 判断会话是否属于 owner。
func (s *Session) OwnedBy(owner string) bool {
	return s.owner == owner
}

func (s *Session) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState 修改连接状态，返回修改前的状态。
func (s *Session) SetState(state ConnectionState) ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = state
	return prev
}

func (s *Session) SendingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sending
}

// DispatchActive 判断当前是否有发送循环持有该会话（包括已请求停止但尚未退出的循环）。
func (s *Session) DispatchActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loopActive
}

// BeginDispatch 将会话标记为正在发送；已有循环时返回 merr.ErrDispatchRunning。
//
// cancel 为该循环的取消函数，StopSending 时会被调用以唤醒休眠中的循环。
func (s *Session) BeginDispatch(cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopActive {
		return merr.WrapErrDispatchRunning(s.id)
	}
	s.loopActive = true
	s.sending = true
	s.cancelLoop = cancel
	return nil
}

// EndDispatch 由发送循环退出时调用。
func (s *Session) EndDispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loopActive = false
	s.sending = false
	if s.cancelLoop != nil {
		s.cancelLoop()
		s.cancelLoop = nil
	}
}

// StopSending 清除发送标记并取消当前循环，返回调用前是否处于发送状态。
func (s *Session) StopSending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.sending
	s.sending = false
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	return was
}

// RecordSent 记录一次成功发送。
func (s *Session) RecordSent() {
	s.sent.Inc()
}

// RecordFailed 记录一次发送失败。
func (s *Session) RecordFailed() {
	s.failed.Inc()
}

// Close 关闭底层传输客户端，多次调用只会关闭一次。
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.client != nil {
			s.closeErr = s.client.Close()
		}
	})
	return s.closeErr
}

// Info 为会话状态的只读快照。
type Info struct {
	ID             string          `json:"sessionId"`
	Owner          string          `json:"-"`
	State          ConnectionState `json:"-"`
	Connected      bool            `json:"connected"`
	ConnectionName string          `json:"connectionState"`
	SendingEnabled bool            `json:"sending"`
	Sent           int64           `json:"sent"`
	Failed         int64           `json:"failed"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Snapshot 返回当前会话状态的快照。
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	state, sending := s.state, s.sending
	s.mu.RUnlock()
	return Info{
		ID:             s.id,
		Owner:          s.owner,
		State:          state,
		Connected:      state == StateOpen,
		ConnectionName: state.String(),
		SendingEnabled: sending,
		Sent:           s.sent.Load(),
		Failed:         s.failed.Load(),
		CreatedAt:      s.createdAt,
	}
}

package transport

import (
	"context"
	"strings"

	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
)

// Connection 表示传输层上报的连接状态。
type Connection string

const (
	ConnectionConnecting Connection = "connecting"
	ConnectionOpen       Connection = "open"
	ConnectionClose      Connection = "close"
)

// StatusLoggedOut 为对端返回的 “未授权，勿重试” 断开状态码。
const StatusLoggedOut = 401

// ConnectionUpdate 为一次连接状态变更事件。
type ConnectionUpdate struct {
	Connection Connection
	// StatusCode 为断开原因的状态码，仅在 Connection == ConnectionClose 时有意义。
	StatusCode int
	// Err 为断开原因，可为 nil。
	Err error
}

// LoggedOut 判断本次断开是否为鉴权失败（凭证已失效，不应再重连）。
func (u ConnectionUpdate) LoggedOut() bool {
	return u.Connection == ConnectionClose && u.StatusCode == StatusLoggedOut
}

// CredentialsUpdate 为传输层推送的凭证更新事件，Creds 为不透明的凭证数据。
type CredentialsUpdate struct {
	Creds []byte
}

// Message 为一条待发送的消息。
type Message struct {
	Text string
}

// CredentialStore 为单个会话的凭证持久化接口。
//
// Load 在尚无凭证时返回 (nil, nil)。
type CredentialStore interface {
	Load() ([]byte, error)
	Save(creds []byte) error
}

// ClientOptions 描述创建一个传输客户端所需的会话级参数。
type ClientOptions struct {
	SessionID   string
	Dir         string
	Credentials CredentialStore
}

// Client 抽象了一条有状态的消息协议连接。
//
// 约定：
//   - 每个会话独占一个 Client，Client 不在会话之间共享；
//   - Factory 只构造 Client，调用方先订阅事件再调用 Connect，连接建立后的首批事件不会丢失；
//   - 事件回调可能在任意 goroutine 中被调用，实现方需保证回调之间不会并发重入同一订阅者以外的状态；
//   - Close 之后不再上报任何事件。
type Client interface {
	// Connect 建立首次连接并完成握手，之后 IsRegistered 才有意义。
	Connect(ctx context.Context) error

	// IsRegistered 返回当前凭证是否已完成配对。
	IsRegistered() bool

	// RequestPairingCode 为号码 phone 请求一次配对码。
	RequestPairingCode(ctx context.Context, phone string) (string, error)

	// SendMessage 向 address 发送一条消息。
	SendMessage(ctx context.Context, address string, msg Message) error

	// OnCredentialsUpdate 订阅凭证更新事件。
	OnCredentialsUpdate(handler func(CredentialsUpdate))

	// OnConnectionUpdate 订阅连接状态变更事件。
	OnConnectionUpdate(handler func(ConnectionUpdate))

	// Reconnect 在同一个 Client 上重新建立连接。
	Reconnect(ctx context.Context) error

	// Close 关闭底层连接。
	Close() error
}

// Factory 根据会话的存储位置创建尚未连接的传输客户端。
type Factory interface {
	NewClient(ctx context.Context, opts ClientOptions) (Client, error)
}

// FactoryFunc 允许使用普通函数实现 Factory。
type FactoryFunc func(ctx context.Context, opts ClientOptions) (Client, error)

func (f FactoryFunc) NewClient(ctx context.Context, opts ClientOptions) (Client, error) {
	return f(ctx, opts)
}

// TargetType 为消息接收方的类型。
type TargetType string

const (
	TargetNumber TargetType = "number"
	TargetGroup  TargetType = "group"
)

const (
	// GroupDomain 为群组地址后缀。
	GroupDomain = "g.us"
	// IndividualDomain 为个人号码地址后缀。
	IndividualDomain = "s.whatsapp.net"
)

// ParseTargetType 解析接收方类型字符串。
func ParseTargetType(s string) (TargetType, error) {
	switch TargetType(strings.ToLower(strings.TrimSpace(s))) {
	case TargetNumber:
		return TargetNumber, nil
	case TargetGroup:
		return TargetGroup, nil
	default:
		return "", merr.WrapErrParameterInvalid("number|group", s, "invalid target type")
	}
}

// Address 根据接收方与类型构造传输层地址。
func Address(target string, targetType TargetType) string {
	if targetType == TargetGroup {
		return target + "@" + GroupDomain
	}
	return target + "@" + IndividualDomain
}

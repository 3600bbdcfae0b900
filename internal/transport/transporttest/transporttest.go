// Package transporttest 提供一个可编排的内存传输客户端，供各层单元测试使用。
package transporttest

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/msgrelay-go/internal/transport"
)

// ErrClosed 在客户端关闭后调用发送等操作时返回。
var ErrClosed = errors.New("transporttest: client closed")

// Sent 记录一次 SendMessage 调用。
type Sent struct {
	Address string
	Text    string
}

// Client 是 transport.Client 的内存实现。
//
// 通过 SetSendFunc 可以逐次决定发送结果，通过 EmitConnection/EmitCredentials 模拟对端事件。
type Client struct {
	mu sync.Mutex

	opts        transport.ClientOptions
	registered  bool
	pairingCode string
	pairingErr  error
	pairCalls   int
	sendFunc    func(call int, address string, msg transport.Message) error
	sendCalls   int
	sends       []Sent
	connects    int
	connectFn   func() error
	reconnects  int
	reconnectFn func() error
	closeCalls  int
	closeErr    error
	closed      bool

	credHandlers []func(transport.CredentialsUpdate)
	connHandlers []func(transport.ConnectionUpdate)

	sendNotify chan Sent
}

// NewClient 创建一个内存客户端。registered 表示是否已有有效凭证。
func NewClient(registered bool) *Client {
	return &Client{
		registered:  registered,
		pairingCode: "ABCD-EFGH",
		sendNotify:  make(chan Sent, 1024),
	}
}

func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Client) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairCalls++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.pairingErr != nil {
		return "", c.pairingErr
	}
	return c.pairingCode, nil
}

func (c *Client) SendMessage(ctx context.Context, address string, msg transport.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.sendCalls++
	call := c.sendCalls
	fn := c.sendFunc
	c.mu.Unlock()

	if fn != nil {
		if err := fn(call, address, msg); err != nil {
			return err
		}
	}

	sent := Sent{Address: address, Text: msg.Text}
	c.mu.Lock()
	c.sends = append(c.sends, sent)
	c.mu.Unlock()

	select {
	case c.sendNotify <- sent:
	default:
	}
	return nil
}

func (c *Client) OnCredentialsUpdate(handler func(transport.CredentialsUpdate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credHandlers = append(c.credHandlers, handler)
}

func (c *Client) OnConnectionUpdate(handler func(transport.ConnectionUpdate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connHandlers = append(c.connHandlers, handler)
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connects++
	fn := c.connectFn
	c.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.reconnects++
	fn := c.reconnectFn
	c.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	c.closed = true
	return c.closeErr
}

// SetPairing 设置 RequestPairingCode 的返回值。
func (c *Client) SetPairing(code string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairingCode = code
	c.pairingErr = err
}

// SetSendFunc 设置每次发送前调用的钩子，返回非 nil 错误表示本次发送失败。call 从 1 开始计数。
func (c *Client) SetSendFunc(fn func(call int, address string, msg transport.Message) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendFunc = fn
}

// SetConnectFunc 设置 Connect 的行为，fn 中可以调用 Emit* 模拟握手期间的事件。
func (c *Client) SetConnectFunc(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectFn = fn
}

// SetReconnectFunc 设置 Reconnect 的行为。
func (c *Client) SetReconnectFunc(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectFn = fn
}

// SetCloseErr 设置 Close 的返回值。
func (c *Client) SetCloseErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeErr = err
}

// EmitConnection 同步调用所有连接状态订阅者。
func (c *Client) EmitConnection(update transport.ConnectionUpdate) {
	c.mu.Lock()
	handlers := append([]func(transport.ConnectionUpdate){}, c.connHandlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(update)
	}
}

// EmitCredentials 同步调用所有凭证订阅者。
func (c *Client) EmitCredentials(creds []byte) {
	c.mu.Lock()
	handlers := append([]func(transport.CredentialsUpdate){}, c.credHandlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(transport.CredentialsUpdate{Creds: creds})
	}
}

// Sends 返回成功发送记录的副本。
func (c *Client) Sends() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sends...)
}

// SendCalls 返回 SendMessage 的调用次数（含失败）。
func (c *Client) SendCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendCalls
}

// SendNotify 返回每次成功发送时的通知通道。
func (c *Client) SendNotify() <-chan Sent {
	return c.sendNotify
}

func (c *Client) PairCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairCalls
}

func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *Client) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Options 返回创建该客户端时传入的参数。
func (c *Client) Options() transport.ClientOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Factory 是 transport.Factory 的内存实现，按顺序交付预先构造的客户端。
type Factory struct {
	mu sync.Mutex

	// Registered 为未预置客户端时新建客户端的注册状态。
	Registered bool
	// Err 非 nil 时 NewClient 直接失败。
	Err error

	queue   []*Client
	created []*Client
}

var _ transport.Factory = (*Factory)(nil)

// Enqueue 预置下一次 NewClient 返回的客户端。
func (f *Factory) Enqueue(clients ...*Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, clients...)
}

func (f *Factory) NewClient(ctx context.Context, opts transport.ClientOptions) (transport.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var c *Client
	if len(f.queue) > 0 {
		c, f.queue = f.queue[0], f.queue[1:]
	} else {
		c = NewClient(f.Registered)
	}
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
	f.created = append(f.created, c)
	return c, nil
}

// Created 返回已创建的客户端列表。
func (f *Factory) Created() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.created...)
}

// Last 返回最近一次创建的客户端，没有时返回 nil。
func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

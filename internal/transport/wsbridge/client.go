// Package wsbridge 通过 WebSocket 连接一个外部协议桥接进程，实现 transport.Client。
//
// 每个会话独占一条 WebSocket 连接。连接建立后先发送 hello 帧（携带会话 ID 与已保存的凭证），
// 之后以请求/应答帧完成配对码申请与消息发送，桥接进程通过事件帧推送凭证与连接状态变化。
package wsbridge

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/msgrelay-go/internal/json"
	"github.com/lk2023060901/msgrelay-go/internal/transport"
	"github.com/lk2023060901/msgrelay-go/pkg/log"
	"github.com/lk2023060901/msgrelay-go/pkg/util/conc"
	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
)

// closeCodeLoggedOut 为桥接进程以关闭帧表示“凭证失效”时使用的关闭码。
const closeCodeLoggedOut = 4401

var (
	// ErrClosed 在 Client 关闭后调用任何操作时返回。
	ErrClosed = errors.New("wsbridge: client closed")
	// ErrDisconnected 表示请求在应答到达之前连接已断开。
	ErrDisconnected = errors.New("wsbridge: connection lost")

	// errLostAfterHandshake 表示握手成功后连接随即断开，关闭事件已由读循环上报。
	errLostAfterHandshake = errors.New("wsbridge: connection lost after handshake")
)

// Config 描述桥接连接的配置。
type Config struct {
	URL            string        `mapstructure:"bridgeURL"`
	DialTimeout    time.Duration `mapstructure:"dialTimeout"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`

	Header http.Header `mapstructure:"-"`
}

func defaultConfig() Config {
	return Config{
		DialTimeout:    10 * time.Second,
		RequestTimeout: 30 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

func (c Config) normalize() Config {
	def := defaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Client 是基于桥接进程的 transport.Client 实现。
type Client struct {
	log.Binder

	cfg    Config
	opts   transport.ClientOptions
	dialer *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	gen        uint64
	openGen    uint64
	helloID    string
	registered bool
	closed     bool
	pending    map[string]chan frame

	writeMu sync.Mutex
	nextID  atomic.Uint64

	// emitMu 串行化事件上报，保证同一连接的 open 不会排在 close 之后。
	emitMu       sync.Mutex
	handlersMu   sync.RWMutex
	credHandlers []func(transport.CredentialsUpdate)
	connHandlers []func(transport.ConnectionUpdate)
}

var _ transport.Client = (*Client)(nil)

func newClient(cfg Config, opts transport.ClientOptions) *Client {
	c := &Client{
		cfg:  cfg,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		pending: make(map[string]chan frame),
	}
	c.SetLogger(log.With(log.FieldComponent("wsbridge"), log.FieldSessionID(opts.SessionID)).
		WithRateGroup("wsbridge.frame", 1, 10))
	return c
}

// connect 拨号并完成 hello 握手，成功后替换当前连接并返回其代号。
//
// hello 应答在读循环中处理，读到下一帧之前该代连接即视为已打开，
// 之后的断开都会以关闭事件上报。
func (c *Client) connect(ctx context.Context) (uint64, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return 0, merr.WrapErrTransportFailed("dial", err)
	}

	helloID := c.newID()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return 0, ErrClosed
	}
	old := c.conn
	c.gen++
	gen := c.gen
	c.conn = conn
	c.helloID = helloID
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	c.failPending(ErrDisconnected)

	_ = conc.Go(func() (struct{}, error) {
		c.readLoop(conn, gen)
		return struct{}{}, nil
	})

	if err := c.call(ctx, helloID, frameHello, helloRequest{
		SessionID: c.opts.SessionID,
		Creds:     c.loadCredentials(),
	}, nil); err != nil {
		c.dropConn(conn, gen)
		return 0, err
	}

	c.mu.Lock()
	closed := c.closed
	live := c.gen == gen && c.conn == conn
	opened := c.openGen == gen
	c.mu.Unlock()
	switch {
	case closed:
		return 0, ErrClosed
	case !opened:
		c.dropConn(conn, gen)
		return 0, merr.WrapErrTransportFailed(frameHello, errors.New("invalid hello result"))
	case !live:
		return 0, errLostAfterHandshake
	}
	return gen, nil
}

func (c *Client) loadCredentials() json.RawMessage {
	if c.opts.Credentials == nil {
		return nil
	}
	creds, err := c.opts.Credentials.Load()
	if err != nil {
		c.Logger().Warn("failed to load credentials", zap.Error(err))
		return nil
	}
	if len(creds) == 0 {
		return nil
	}
	if !json.Valid(creds) {
		c.Logger().Warn("stored credentials are not valid json, ignored")
		return nil
	}
	return creds
}

// dropConn 关闭指定代的连接，若其仍是当前连接则置空。
func (c *Client) dropConn(conn *websocket.Conn, gen uint64) {
	c.mu.Lock()
	if c.gen == gen {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// Connect 建立首次连接。握手后立即断开时返回 nil，断开已作为关闭事件上报。
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if _, err := c.connect(ctx); err != nil && !errors.Is(err, errLostAfterHandshake) {
		return err
	}
	return nil
}

func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Client) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	var result pairingResult
	if err := c.request(ctx, framePairingCode, pairingRequest{Number: phone}, &result); err != nil {
		return "", err
	}
	if result.Code == "" {
		return "", merr.WrapErrTransportFailed(framePairingCode, errors.New("empty pairing code"))
	}
	return result.Code, nil
}

func (c *Client) SendMessage(ctx context.Context, address string, msg transport.Message) error {
	return c.request(ctx, frameSendMessage, sendRequest{To: address, Text: msg.Text}, nil)
}

func (c *Client) OnCredentialsUpdate(handler func(transport.CredentialsUpdate)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.credHandlers = append(c.credHandlers, handler)
}

func (c *Client) OnConnectionUpdate(handler func(transport.ConnectionUpdate)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.connHandlers = append(c.connHandlers, handler)
}

// Reconnect 在同一 Client 上重新拨号；失败时上报一次关闭事件，成功时上报打开事件。
func (c *Client) Reconnect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	gen, err := c.connect(ctx)
	switch {
	case err == nil:
		c.emitOpen(gen)
		return nil
	case errors.Is(err, ErrClosed), errors.Is(err, errLostAfterHandshake):
		return err
	default:
		c.emitConnection(transport.ConnectionUpdate{Connection: transport.ConnectionClose, Err: err})
		return err
	}
}

// Close 关闭连接，之后不再上报任何事件。
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.failPending(ErrClosed)
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) newID() string {
	return strconv.FormatUint(c.nextID.Inc(), 10)
}

// request 发送一个请求帧并等待同 ID 的应答，out 为 nil 时忽略应答数据。
func (c *Client) request(ctx context.Context, typ string, data any, out any) error {
	return c.call(ctx, c.newID(), typ, data, out)
}

func (c *Client) call(ctx context.Context, id, typ string, data any, out any) error {
	payload, err := encodeFrame(id, typ, data)
	if err != nil {
		return merr.WrapErrTransportFailed(typ, err)
	}

	replyCh := make(chan frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return merr.WrapErrTransportFailed(typ, ErrDisconnected)
	}
	c.pending[id] = replyCh
	c.mu.Unlock()
	defer c.removePending(id)

	if err := c.write(conn, payload); err != nil {
		return merr.WrapErrTransportFailed(typ, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		switch reply.Type {
		case frameError:
			return merr.WrapErrTransportFailed(typ, errors.New(reply.Error))
		case frameResult:
			if out == nil {
				return nil
			}
			if err := decodeData(reply, out); err != nil {
				return merr.WrapErrTransportFailed(typ, err)
			}
			return nil
		case "":
			return merr.WrapErrTransportFailed(typ, errors.New(reply.Error))
		default:
			return merr.WrapErrTransportFailed(typ, errors.Newf("unexpected reply type %q", reply.Type))
		}
	case <-timer.C:
		return merr.WrapErrTransportFailed(typ, context.DeadlineExceeded)
	case <-ctx.Done():
		return merr.WrapErrTransportFailed(typ, ctx.Err())
	}
}

func (c *Client) write(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPending 让所有等待中的请求以 err 失败。
func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan frame)
	c.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- frame{Error: err.Error()}:
		default:
		}
	}
}

// deliver 把应答交给等待中的请求；gen 代连接的 hello 成功应答在此标记连接已打开。
func (c *Client) deliver(gen uint64, f frame) {
	c.mu.Lock()
	if gen == c.gen && f.ID == c.helloID && f.Type == frameResult {
		var result helloResult
		if err := decodeData(f, &result); err == nil {
			c.registered = result.Registered
			c.openGen = gen
		}
	}
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		c.Logger().Debug("drop reply without pending request", zap.String("id", f.ID))
		return
	}
	select {
	case ch <- f:
	default:
	}
}

// readLoop 读取 gen 代连接上的帧，连接出错时若仍为当前且已完成握手的连接则上报关闭事件。
func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onReadError(gen, err)
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.Logger().RatedWarn(1, "drop malformed frame", zap.Error(err))
			continue
		}
		if f.ID != "" {
			c.deliver(gen, f)
			continue
		}
		c.handleEvent(f)
	}
}

func (c *Client) onReadError(gen uint64, err error) {
	c.mu.Lock()
	current := !c.closed && c.gen == gen
	if current {
		c.conn = nil
	}
	opened := c.openGen == gen
	c.mu.Unlock()
	if !current {
		return
	}

	c.failPending(ErrDisconnected)
	if !opened {
		// 握手阶段的失败由 connect 的调用方处理
		return
	}
	update := transport.ConnectionUpdate{Connection: transport.ConnectionClose, Err: err}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		update.StatusCode = closeErr.Code
		if closeErr.Code == closeCodeLoggedOut {
			update.StatusCode = transport.StatusLoggedOut
		}
	}
	c.Logger().Info("bridge connection lost", zap.Int("statusCode", update.StatusCode), zap.Error(err))
	c.emitConnection(update)
}

func (c *Client) handleEvent(f frame) {
	switch f.Type {
	case eventCredsUpdate:
		var ev credsEvent
		if err := decodeData(f, &ev); err != nil {
			c.Logger().Warn("bad credentials event", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.registered = true
		c.mu.Unlock()
		c.emitCredentials(transport.CredentialsUpdate{Creds: []byte(ev.Creds)})
	case eventConnectionUpdate:
		var ev connectionEvent
		if err := decodeData(f, &ev); err != nil {
			c.Logger().Warn("bad connection event", zap.Error(err))
			return
		}
		update := transport.ConnectionUpdate{
			Connection: transport.Connection(ev.Connection),
			StatusCode: ev.StatusCode,
		}
		if ev.Error != "" {
			update.Err = errors.New(ev.Error)
		}
		c.emitConnection(update)
	default:
		c.Logger().Debug("ignore unknown event", zap.String("type", f.Type))
	}
}

// emitOpen 仅在 gen 代连接仍然存活时上报打开事件。
func (c *Client) emitOpen(gen uint64) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	live := !c.closed && c.gen == gen && c.conn != nil
	c.mu.Unlock()
	if live {
		c.dispatchConnection(transport.ConnectionUpdate{Connection: transport.ConnectionOpen})
	}
}

func (c *Client) emitConnection(update transport.ConnectionUpdate) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.isClosed() {
		return
	}
	c.dispatchConnection(update)
}

func (c *Client) dispatchConnection(update transport.ConnectionUpdate) {
	c.handlersMu.RLock()
	handlers := append([]func(transport.ConnectionUpdate){}, c.connHandlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(update)
	}
}

func (c *Client) emitCredentials(update transport.CredentialsUpdate) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.isClosed() {
		return
	}
	c.handlersMu.RLock()
	handlers := append([]func(transport.CredentialsUpdate){}, c.credHandlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(update)
	}
}

package wsbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/msgrelay-go/internal/transport"
	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
)

type bridgeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *bridgeConn) send(t *testing.T, id, typ string, data any) {
	payload, err := encodeFrame(id, typ, data)
	require.NoError(t, err)
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *bridgeConn) sendError(id, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(frame{ID: id, Type: frameError, Error: msg})
}

// fakeBridge 模拟桥接进程：应答 hello/pairing_code/send_message，并可主动推送事件或断开连接。
type fakeBridge struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	conns       []*bridgeConn
	hellos      []helloRequest
	sends       []sendRequest
	rejectHello bool
	// afterHello 在第 n 次 hello 应答写出后立即调用，n 从 1 开始。
	afterHello func(n int, conn *bridgeConn)
}

func newFakeBridge(t *testing.T) *fakeBridge {
	b := &fakeBridge{t: t}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &bridgeConn{conn: ws}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		b.serve(conn)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBridge) serve(conn *bridgeConn) {
	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			continue
		}
		switch f.Type {
		case frameHello:
			var req helloRequest
			_ = decodeData(f, &req)
			b.mu.Lock()
			b.hellos = append(b.hellos, req)
			n := len(b.hellos)
			reject := b.rejectHello
			after := b.afterHello
			b.mu.Unlock()
			if reject {
				conn.sendError(f.ID, "session rejected")
				continue
			}
			conn.send(b.t, f.ID, frameResult, helloResult{Registered: len(req.Creds) > 0})
			if after != nil {
				after(n, conn)
			}
		case framePairingCode:
			var req pairingRequest
			_ = decodeData(f, &req)
			conn.send(b.t, f.ID, frameResult, pairingResult{Code: "CODE-" + req.Number[len(req.Number)-4:]})
		case frameSendMessage:
			var req sendRequest
			_ = decodeData(f, &req)
			switch req.Text {
			case "fail":
				conn.sendError(f.ID, "recipient unavailable")
			case "hang":
			default:
				b.mu.Lock()
				b.sends = append(b.sends, req)
				b.mu.Unlock()
				conn.send(b.t, f.ID, frameResult, nil)
			}
		}
	}
}

func (b *fakeBridge) last() *bridgeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

func (b *fakeBridge) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBridge) helloList() []helloRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]helloRequest(nil), b.hellos...)
}

func (b *fakeBridge) sendList() []sendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sendRequest(nil), b.sends...)
}

// drop 以指定关闭码断开最近一条连接。
func (b *fakeBridge) drop(code int) {
	b.last().close(code)
}

func (c *bridgeConn) close(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, "bye"), time.Now().Add(time.Second))
	_ = c.conn.Close()
}

type memCreds struct {
	mu   sync.Mutex
	data []byte
}

func (m *memCreds) Load() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, nil
}

func (m *memCreds) Save(creds []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), creds...)
	return nil
}

// newIdleClient 返回尚未连接的客户端。
func newIdleClient(t *testing.T, b *fakeBridge, creds *memCreds) *Client {
	f, err := NewFactory(Config{URL: b.url(), RequestTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	if creds == nil {
		creds = &memCreds{}
	}
	client, err := f.NewClient(context.Background(), transport.ClientOptions{
		SessionID:   "s1",
		Dir:         t.TempDir(),
		Credentials: creds,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client.(*Client)
}

func newTestClient(t *testing.T, b *fakeBridge, creds *memCreds) *Client {
	client := newIdleClient(t, b, creds)
	require.NoError(t, client.Connect(context.Background()))
	return client
}

func collectConnection(c *Client) <-chan transport.ConnectionUpdate {
	ch := make(chan transport.ConnectionUpdate, 16)
	c.OnConnectionUpdate(func(u transport.ConnectionUpdate) { ch <- u })
	return ch
}

func waitUpdate(t *testing.T, ch <-chan transport.ConnectionUpdate) transport.ConnectionUpdate {
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no connection update")
		return transport.ConnectionUpdate{}
	}
}

func TestHandshakeAndPairing(t *testing.T) {
	b := newFakeBridge(t)
	client := newTestClient(t, b, nil)

	assert.False(t, client.IsRegistered())
	hellos := b.helloList()
	require.Len(t, hellos, 1)
	assert.Equal(t, "s1", hellos[0].SessionID)
	assert.Empty(t, hellos[0].Creds)

	code, err := client.RequestPairingCode(context.Background(), "15551234567")
	require.NoError(t, err)
	assert.Equal(t, "CODE-4567", code)
}

func TestHandshakeWithCredentials(t *testing.T) {
	b := newFakeBridge(t)
	client := newTestClient(t, b, &memCreds{data: []byte(`{"me":"1"}`)})

	assert.True(t, client.IsRegistered())
	assert.JSONEq(t, `{"me":"1"}`, string(b.helloList()[0].Creds))
}

func TestInvalidStoredCredentialsIgnored(t *testing.T) {
	b := newFakeBridge(t)
	client := newTestClient(t, b, &memCreds{data: []byte("not json")})
	assert.False(t, client.IsRegistered())
}

func TestSendMessage(t *testing.T) {
	b := newFakeBridge(t)
	client := newTestClient(t, b, nil)
	ctx := context.Background()

	require.NoError(t, client.SendMessage(ctx, "1@s.whatsapp.net", transport.Message{Text: "hi"}))
	assert.Equal(t, []sendRequest{{To: "1@s.whatsapp.net", Text: "hi"}}, b.sendList())

	err := client.SendMessage(ctx, "1@s.whatsapp.net", transport.Message{Text: "fail"})
	assert.ErrorIs(t, err, merr.ErrTransportFailed)
	assert.Contains(t, err.Error(), "recipient unavailable")

	err = client.SendMessage(ctx, "1@s.whatsapp.net", transport.Message{Text: "hang"})
	assert.ErrorIs(t, err, merr.ErrTransportFailed)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = client.SendMessage(cctx, "1@s.whatsapp.net", transport.Message{Text: "hang"})
	assert.ErrorIs(t, err, merr.ErrTransportFailed)
}

func TestBridgeEvents(t *testing.T) {
	b := newFakeBridge(t)
	client := newTestClient(t, b, nil)
	updates := collectConnection(client)
	creds := make(chan []byte, 1)
	client.OnCredentialsUpdate(func(u transport.CredentialsUpdate) { creds <- u.Creds })

	b.last().send(t, "", eventCredsUpdate, credsEvent{Creds: []byte(`{"registered":true}`)})
	select {
	case got := <-creds:
		assert.JSONEq(t, `{"registered":true}`, string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("no credentials update")
	}
	assert.True(t, client.IsRegistered())

	b.last().send(t, "", eventConnectionUpdate, connectionEvent{Connection: "close", StatusCode: 401, Error: "logged out"})
	u := waitUpdate(t, updates)
	assert.Equal(t, transport.ConnectionClose, u.Connection)
	assert.True(t, u.LoggedOut())
	assert.EqualError(t, u.Err, "logged out")

	b.last().send(t, "", eventConnectionUpdate, connectionEvent{Connection: "open"})
	assert.Equal(t, transport.ConnectionOpen, waitUpdate(t, updates).Connection)
}

func TestConnectionLostAndReconnect(t *testing.T) {
	b := newFakeBridge(t)
	creds := &memCreds{}
	client := newTestClient(t, b, creds)
	updates := collectConnection(client)

	b.drop(websocket.CloseGoingAway)
	u := waitUpdate(t, updates)
	assert.Equal(t, transport.ConnectionClose, u.Connection)
	assert.Equal(t, websocket.CloseGoingAway, u.StatusCode)
	assert.False(t, u.LoggedOut())

	err := client.SendMessage(context.Background(), "1@s.whatsapp.net", transport.Message{Text: "hi"})
	assert.ErrorIs(t, err, merr.ErrTransportFailed)

	require.NoError(t, creds.Save([]byte(`{"me":"1"}`)))
	require.NoError(t, client.Reconnect(context.Background()))
	assert.Equal(t, transport.ConnectionOpen, waitUpdate(t, updates).Connection)
	assert.Equal(t, 2, b.connCount())
	assert.True(t, client.IsRegistered())
	assert.JSONEq(t, `{"me":"1"}`, string(b.helloList()[1].Creds))

	require.NoError(t, client.SendMessage(context.Background(), "1@s.whatsapp.net", transport.Message{Text: "again"}))
}

func TestLoggedOutCloseCode(t *testing.T) {
	b := newFakeBridge(t)
	client := newTestClient(t, b, nil)
	updates := collectConnection(client)

	b.drop(closeCodeLoggedOut)
	u := waitUpdate(t, updates)
	assert.Equal(t, transport.StatusLoggedOut, u.StatusCode)
	assert.True(t, u.LoggedOut())
}

func TestReconnectFailureEmitsClose(t *testing.T) {
	b := newFakeBridge(t)
	client := newTestClient(t, b, nil)
	updates := collectConnection(client)

	b.mu.Lock()
	b.rejectHello = true
	b.mu.Unlock()

	err := client.Reconnect(context.Background())
	assert.ErrorIs(t, err, merr.ErrTransportFailed)
	u := waitUpdate(t, updates)
	assert.Equal(t, transport.ConnectionClose, u.Connection)
	assert.Never(t, func() bool { return len(updates) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestCloseSuppressesEvents(t *testing.T) {
	b := newFakeBridge(t)
	client := newTestClient(t, b, nil)
	updates := collectConnection(client)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Never(t, func() bool { return len(updates) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	err := client.SendMessage(context.Background(), "1@s.whatsapp.net", transport.Message{Text: "hi"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, client.Reconnect(context.Background()), ErrClosed)
}

func TestFactoryErrors(t *testing.T) {
	_, err := NewFactory(Config{})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)

	b := newFakeBridge(t)
	f, err := NewFactory(Config{URL: b.url()})
	require.NoError(t, err)
	_, err = f.NewClient(context.Background(), transport.ClientOptions{})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)

	client, err := f.NewClient(context.Background(), transport.ClientOptions{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 0, b.connCount())
	defer client.Close()

	b.mu.Lock()
	b.rejectHello = true
	b.mu.Unlock()
	assert.ErrorIs(t, client.Connect(context.Background()), merr.ErrTransportFailed)

	b.srv.Close()
	other, err := f.NewClient(context.Background(), transport.ClientOptions{SessionID: "s2"})
	require.NoError(t, err)
	defer other.Close()
	assert.ErrorIs(t, other.Connect(context.Background()), merr.ErrTransportFailed)

	require.NoError(t, other.Close())
	assert.ErrorIs(t, other.Connect(context.Background()), ErrClosed)
}

func TestEventsRightAfterHandshakeDelivered(t *testing.T) {
	b := newFakeBridge(t)
	b.afterHello = func(_ int, conn *bridgeConn) {
		conn.send(t, "", eventCredsUpdate, credsEvent{Creds: []byte(`{"me":"x"}`)})
		conn.send(t, "", eventConnectionUpdate, connectionEvent{Connection: "open"})
	}

	for i := 0; i < 20; i++ {
		client := newIdleClient(t, b, nil)
		creds := make(chan []byte, 1)
		client.OnCredentialsUpdate(func(u transport.CredentialsUpdate) { creds <- u.Creds })
		updates := collectConnection(client)

		require.NoError(t, client.Connect(context.Background()))
		select {
		case got := <-creds:
			assert.JSONEq(t, `{"me":"x"}`, string(got))
		case <-time.After(2 * time.Second):
			t.Fatalf("credentials update lost on attempt %d", i)
		}
		assert.Equal(t, transport.ConnectionOpen, waitUpdate(t, updates).Connection)
		assert.True(t, client.IsRegistered())
	}
}

func TestDropRightAfterHandshakeReportsClose(t *testing.T) {
	b := newFakeBridge(t)
	b.afterHello = func(n int, conn *bridgeConn) {
		if n == 1 {
			conn.close(websocket.CloseGoingAway)
		}
	}

	for i := 0; i < 20; i++ {
		b.mu.Lock()
		b.hellos = nil
		b.mu.Unlock()

		client := newIdleClient(t, b, nil)
		updates := collectConnection(client)

		require.NoError(t, client.Connect(context.Background()))
		u := waitUpdate(t, updates)
		assert.Equal(t, transport.ConnectionClose, u.Connection)
		assert.Equal(t, websocket.CloseGoingAway, u.StatusCode)

		require.NoError(t, client.Reconnect(context.Background()))
		assert.Equal(t, transport.ConnectionOpen, waitUpdate(t, updates).Connection)
		require.NoError(t, client.SendMessage(context.Background(), "1@s.whatsapp.net", transport.Message{Text: "hi"}))
		require.NoError(t, client.Close())
	}
}

func TestFrameCodec(t *testing.T) {
	data, err := encodeFrame("7", frameSendMessage, sendRequest{To: "a", Text: "b"})
	require.NoError(t, err)
	f, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, "7", f.ID)
	assert.Equal(t, frameSendMessage, f.Type)

	var req sendRequest
	require.NoError(t, decodeData(f, &req))
	assert.Equal(t, sendRequest{To: "a", Text: "b"}, req)

	_, err = decodeFrame([]byte(`{"id":"1"}`))
	assert.Error(t, err)
	_, err = decodeFrame([]byte(`nope`))
	assert.Error(t, err)
	assert.Error(t, decodeData(frame{Type: frameResult}, &req))
}

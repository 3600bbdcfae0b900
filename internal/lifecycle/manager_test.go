package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/msgrelay-go/internal/session"
	"github.com/lk2023060901/msgrelay-go/internal/storage"
	"github.com/lk2023060901/msgrelay-go/internal/transport"
	"github.com/lk2023060901/msgrelay-go/internal/transport/transporttest"
	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
)

type fixture struct {
	fs       afero.Fs
	registry *session.Registry
	store    *storage.Store
	factory  *transporttest.Factory
	manager  *Manager
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	fs := afero.NewMemMapFs()
	store := storage.New(fs, "/sessions")
	require.NoError(t, store.Init())

	cfg := Config{
		PairingDelay:    0,
		PairingAttempts: 2,
		ReconnectDelay:  10 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	f := &fixture{
		fs:       fs,
		registry: session.NewRegistry(),
		store:    store,
		factory:  &transporttest.Factory{},
	}
	f.manager = NewManager(cfg, f.registry, store, f.factory)
	t.Cleanup(func() { _ = f.manager.Shutdown(context.Background()) })
	return f
}

func (f *fixture) storageEntries(t *testing.T) int {
	entries, err := afero.ReadDir(f.fs, "/sessions")
	require.NoError(t, err)
	return len(entries)
}

func TestNormalizeOwner(t *testing.T) {
	cases := map[string]string{
		"15551234567":        "15551234567",
		"+1 (555) 123-4567":  "15551234567",
		"6281234567890":      "6281234567890",
		"123456789012345":    "123456789012345",
		" 62 812-3456-7890 ": "6281234567890",
	}
	for in, want := range cases {
		got, err := NormalizeOwner(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"", "abc", "123456789", "1234567890123456", "phone"} {
		_, err := NormalizeOwner(in)
		assert.ErrorIs(t, err, merr.ErrParameterInvalid, in)
	}
}

func TestCreateInvalidNumberAllocatesNothing(t *testing.T) {
	f := newFixture(t)
	for _, in := range []string{"abcdefghij", "12345", "1234567890123456789"} {
		_, err := f.manager.Create(context.Background(), in)
		assert.ErrorIs(t, err, merr.ErrParameterInvalid)
	}
	assert.Equal(t, 0, f.registry.Count())
	assert.Empty(t, f.factory.Created())
	assert.Equal(t, 0, f.storageEntries(t))
}

func TestCreateWithPairing(t *testing.T) {
	f := newFixture(t)

	result, err := f.manager.Create(context.Background(), "15551234567")
	require.NoError(t, err)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, "ABCD-EFGH", result.PairingCode)

	sess, err := f.registry.Get(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "15551234567", sess.Owner())
	assert.Equal(t, session.StateOpen, sess.State())
	assert.False(t, sess.SendingEnabled())

	client := f.factory.Last()
	assert.Equal(t, 1, client.PairCalls())
	assert.Equal(t, result.SessionID, client.Options().SessionID)
	assert.Equal(t, f.store.Path(result.SessionID), client.Options().Dir)
	assert.True(t, f.store.Exists(result.SessionID))
}

func TestCreateRegistered(t *testing.T) {
	f := newFixture(t)
	f.factory.Registered = true

	result, err := f.manager.Create(context.Background(), "15551234567")
	require.NoError(t, err)
	assert.Empty(t, result.PairingCode)
	assert.Equal(t, 0, f.factory.Last().PairCalls())
	assert.Equal(t, 1, f.registry.Count())
}

func TestCreateUniqueIDs(t *testing.T) {
	f := newFixture(t)
	f.factory.Registered = true

	seen := make(map[string]struct{})
	for i := 0; i < 10; i++ {
		result, err := f.manager.Create(context.Background(), "15551234567")
		require.NoError(t, err)
		_, dup := seen[result.SessionID]
		assert.False(t, dup)
		seen[result.SessionID] = struct{}{}
	}
	assert.Len(t, f.registry.List("15551234567"), 10)
}

func TestCreatePairingFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	client := transporttest.NewClient(false)
	client.SetPairing("", errors.New("bridge unavailable"))
	f.factory.Enqueue(client)

	_, err := f.manager.Create(context.Background(), "15551234567")
	assert.ErrorIs(t, err, merr.ErrPairingFailed)
	assert.Equal(t, 2, client.PairCalls())
	assert.Equal(t, 1, client.CloseCalls())
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 0, f.storageEntries(t))
}

func TestCreateFactoryFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.factory.Err = errors.New("dial failed")

	_, err := f.manager.Create(context.Background(), "15551234567")
	assert.ErrorIs(t, err, merr.ErrTransportFailed)
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 0, f.storageEntries(t))
}

func TestCreateHonoursPairingDelay(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PairingDelay = 50 * time.Millisecond })

	start := time.Now()
	_, err := f.manager.Create(context.Background(), "15551234567")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestCreatePairingDelayCanceled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PairingDelay = time.Minute })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.manager.Create(ctx, "15551234567")
	assert.ErrorIs(t, err, merr.ErrPairingFailed)
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 0, f.storageEntries(t))
}

func TestConnectionEvents(t *testing.T) {
	f := newFixture(t)
	f.factory.Registered = true
	result, err := f.manager.Create(context.Background(), "15551234567")
	require.NoError(t, err)
	sess, _ := f.registry.Get(result.SessionID)
	client := f.factory.Last()

	client.EmitConnection(transport.ConnectionUpdate{Connection: transport.ConnectionClose, StatusCode: 500})
	assert.Equal(t, session.StateClosed, sess.State())

	assert.Eventually(t, func() bool { return client.Reconnects() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, session.StateConnecting, sess.State())

	client.EmitConnection(transport.ConnectionUpdate{Connection: transport.ConnectionOpen})
	assert.Equal(t, session.StateOpen, sess.State())
	assert.False(t, sess.SendingEnabled())
}

func TestLoggedOutDoesNotReconnect(t *testing.T) {
	f := newFixture(t)
	f.factory.Registered = true
	result, err := f.manager.Create(context.Background(), "15551234567")
	require.NoError(t, err)
	sess, _ := f.registry.Get(result.SessionID)
	client := f.factory.Last()

	client.EmitConnection(transport.ConnectionUpdate{
		Connection: transport.ConnectionClose,
		StatusCode: transport.StatusLoggedOut,
	})
	assert.Equal(t, session.StateClosed, sess.State())
	assert.Never(t, func() bool { return client.Reconnects() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestReconnectRepeatsPerCloseEvent(t *testing.T) {
	f := newFixture(t)
	f.factory.Registered = true
	_, err := f.manager.Create(context.Background(), "15551234567")
	require.NoError(t, err)
	client := f.factory.Last()
	client.SetReconnectFunc(func() error { return errors.New("still down") })

	for i := 1; i <= 3; i++ {
		client.EmitConnection(transport.ConnectionUpdate{Connection: transport.ConnectionClose})
		want := i
		assert.Eventually(t, func() bool { return client.Reconnects() == want }, time.Second, 5*time.Millisecond)
	}
}

func TestReconnectBackOffStop(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.NewReconnectBackOff = func() backoff.BackOff { return &backoff.StopBackOff{} }
	})
	f.factory.Registered = true
	_, err := f.manager.Create(context.Background(), "15551234567")
	require.NoError(t, err)
	client := f.factory.Last()

	client.EmitConnection(transport.ConnectionUpdate{Connection: transport.ConnectionClose})
	assert.Never(t, func() bool { return client.Reconnects() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestCredentialsPersisted(t *testing.T) {
	f := newFixture(t)
	result, err := f.manager.Create(context.Background(), "15551234567")
	require.NoError(t, err)

	f.factory.Last().EmitCredentials([]byte(`{"me":"15551234567"}`))
	creds, err := f.store.Credentials(result.SessionID).Load()
	require.NoError(t, err)
	assert.JSONEq(t, `{"me":"15551234567"}`, string(creds))
}

func TestEventsDuringConnectHandled(t *testing.T) {
	f := newFixture(t)
	client := transporttest.NewClient(true)
	client.SetConnectFunc(func() error {
		client.EmitCredentials([]byte(`{"me":"x"}`))
		client.EmitConnection(transport.ConnectionUpdate{Connection: transport.ConnectionClose, StatusCode: 1001})
		return nil
	})
	f.factory.Enqueue(client)

	result, err := f.manager.Create(context.Background(), "15551234567")
	require.NoError(t, err)
	assert.Equal(t, 1, client.Connects())

	creds, err := f.store.Credentials(result.SessionID).Load()
	require.NoError(t, err)
	assert.JSONEq(t, `{"me":"x"}`, string(creds))

	sess, err := f.registry.Get(result.SessionID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return client.Reconnects() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, session.StateConnecting, sess.State())
}

func TestOpenDuringConnectClearsDeferredReconnect(t *testing.T) {
	f := newFixture(t)
	client := transporttest.NewClient(true)
	client.SetConnectFunc(func() error {
		client.EmitConnection(transport.ConnectionUpdate{Connection: transport.ConnectionClose})
		client.EmitConnection(transport.ConnectionUpdate{Connection: transport.ConnectionOpen})
		return nil
	})
	f.factory.Enqueue(client)

	result, err := f.manager.Create(context.Background(), "15551234567")
	require.NoError(t, err)
	sess, _ := f.registry.Get(result.SessionID)
	assert.Equal(t, session.StateOpen, sess.State())
	assert.Never(t, func() bool { return client.Reconnects() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestConnectFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	client := transporttest.NewClient(true)
	client.SetConnectFunc(func() error { return errors.New("bridge down") })
	f.factory.Enqueue(client)

	_, err := f.manager.Create(context.Background(), "15551234567")
	assert.ErrorIs(t, err, merr.ErrTransportFailed)
	assert.Equal(t, 1, client.CloseCalls())
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 0, f.storageEntries(t))
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	result, err := f.manager.Create(context.Background(), "15551234567")
	require.NoError(t, err)
	client := f.factory.Last()
	client.SetCloseErr(errors.New("already gone"))

	require.NoError(t, f.manager.Disconnect(context.Background(), result.SessionID))
	assert.Equal(t, 1, client.CloseCalls())
	assert.Equal(t, 0, f.registry.Count())
	assert.False(t, f.store.Exists(result.SessionID))
	assert.Empty(t, f.registry.List("15551234567"))

	err = f.manager.Disconnect(context.Background(), result.SessionID)
	assert.ErrorIs(t, err, merr.ErrSessionNotFound)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ReconnectDelay = 50 * time.Millisecond })
	f.factory.Registered = true
	result, err := f.manager.Create(context.Background(), "15551234567")
	require.NoError(t, err)
	client := f.factory.Last()

	client.EmitConnection(transport.ConnectionUpdate{Connection: transport.ConnectionClose})
	require.NoError(t, f.manager.Disconnect(context.Background(), result.SessionID))
	assert.Never(t, func() bool { return client.Reconnects() > 0 }, 150*time.Millisecond, 10*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t)
	f.factory.Registered = true
	for i := 0; i < 3; i++ {
		_, err := f.manager.Create(context.Background(), "15551234567")
		require.NoError(t, err)
	}
	f.factory.Created()[1].SetCloseErr(errors.New("boom"))

	err := f.manager.Shutdown(context.Background())
	assert.ErrorIs(t, err, merr.ErrTransportFailed)
	for _, c := range f.factory.Created() {
		assert.Equal(t, 1, c.CloseCalls())
	}
	assert.Equal(t, 0, f.registry.Count())
	// 存储目录在进程退出时保留
	assert.Equal(t, 3, f.storageEntries(t))

	_, err = f.manager.Create(context.Background(), "15551234567")
	assert.ErrorIs(t, err, merr.ErrServiceClosed)
	assert.NoError(t, f.manager.Shutdown(context.Background()))
}

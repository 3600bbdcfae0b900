package application

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/msgrelay-go/internal/httpapi"
	"github.com/lk2023060901/msgrelay-go/internal/json"
	"github.com/lk2023060901/msgrelay-go/internal/transport/transporttest"
)

func writeConfig(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigPriority(t *testing.T) {
	t.Setenv(envConfigFilePath, "")

	fromEnv := writeConfig(t, "server:\n  addr: \"127.0.0.1:7001\"\n")
	fromArgs := writeConfig(t, "server:\n  addr: \"127.0.0.1:7002\"\n")

	app := New(WithArgs(nil))
	cfg, err := app.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.GetString("server.addr"))
	assert.Equal(t, 1500*time.Millisecond, cfg.GetDuration("session.pairingDelay"))

	t.Setenv(envConfigFilePath, fromEnv)
	cfg, err = New(WithArgs(nil)).loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7001", cfg.GetString("server.addr"))

	cfg, err = New(WithArgs([]string{"--config", fromArgs})).loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7002", cfg.GetString("server.addr"))

	cfg, err = New(WithArgs([]string{"--config=" + fromArgs})).loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7002", cfg.GetString("server.addr"))
}

func TestLoadConfigErrors(t *testing.T) {
	t.Setenv(envConfigFilePath, "")

	_, err := New(WithArgs([]string{"--config"})).loadConfig()
	assert.Error(t, err)

	_, err = New(WithArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})).loadConfig()
	assert.Error(t, err)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv(envConfigFilePath, "")
	t.Setenv("MSGRELAY_DISPATCH_MAXLOOPS", "7")

	app := New(WithArgs(nil))
	cfg, err := app.loadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Unmarshal(&app.settings))
	assert.Equal(t, 7, app.settings.Dispatch.MaxLoops)
	assert.Equal(t, time.Second, app.settings.Dispatch.MinInterval)
	assert.Equal(t, 5, app.settings.Server.PairingRateLimit.Burst)
}

func TestGetenvHelpers(t *testing.T) {
	t.Setenv("MSGRELAY_TEST_BOOL", "on")
	assert.True(t, getenvBool("MSGRELAY_TEST_BOOL", false))
	t.Setenv("MSGRELAY_TEST_BOOL", "maybe")
	assert.True(t, getenvBool("MSGRELAY_TEST_BOOL", true))
	t.Setenv("MSGRELAY_TEST_STR", "  ")
	assert.Equal(t, "def", getenvDefault("MSGRELAY_TEST_STR", "def"))
}

func TestRunServesAndShutsDown(t *testing.T) {
	t.Setenv(envConfigFilePath, "")
	t.Setenv("MSGRELAY_LOG_ENABLE", "false")

	root := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
server:
  addr: "127.0.0.1:0"
  shutdownTimeout: 5s
  pairingRateLimit:
    requestsPerSecond: 0
storage:
  root: %q
session:
  pairingDelay: 1ms
  pairingAttempts: 1
metrics:
  enabled: true
  path: /metrics
logging:
  dispatch:
    level: debug
`, root))

	factory := &transporttest.Factory{}
	app := New(WithArgs([]string{"--config", path}), WithFactory(factory))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case <-app.Ready():
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server not ready")
	}
	base := "http://" + app.Addr()

	get := func(p string) (int, httpapi.Response) {
		resp, err := http.Get(base + p)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		var out httpapi.Response
		if resp.Header.Get("Content-Type") == "application/json; charset=utf-8" {
			require.NoError(t, json.Unmarshal(body, &out))
		}
		return resp.StatusCode, out
	}

	status, resp := get("/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.OK)

	status, resp = get("/code?number=15551234567")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, resp.Message, "Pairing Code: ABCD-EFGH")
	require.NotNil(t, factory.Last())
	assert.DirExists(t, factory.Last().Options().Dir)

	status, _ = get("/metrics")
	assert.Equal(t, http.StatusOK, status)

	assert.NotNil(t, app.Logger("dispatch"))
	assert.NotNil(t, app.Logger("unknown"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Equal(t, 1, factory.Last().CloseCalls())
	assert.DirExists(t, factory.Last().Options().Dir)
}

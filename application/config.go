package application

import (
	"time"

	"github.com/lk2023060901/msgrelay-go/internal/dispatch"
	"github.com/lk2023060901/msgrelay-go/internal/httpapi"
	"github.com/lk2023060901/msgrelay-go/internal/lifecycle"
	"github.com/lk2023060901/msgrelay-go/internal/transport/wsbridge"
	zviper "github.com/lk2023060901/msgrelay-go/pkg/util/viper"
)

const (
	envPrefix         = "MSGRELAY"
	envConfigFilePath = "MSGRELAY_CONFIG_FILE_PATH"
	defaultConfigPath = "./config.yaml"
)

// Settings is the typed view of the configuration file.
type Settings struct {
	Server    ServerSettings   `mapstructure:"server"`
	Storage   StorageSettings  `mapstructure:"storage"`
	Session   lifecycle.Config `mapstructure:"session"`
	Dispatch  dispatch.Config  `mapstructure:"dispatch"`
	Transport wsbridge.Config  `mapstructure:"transport"`
	Metrics   MetricsSettings  `mapstructure:"metrics"`
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	Addr             string                  `mapstructure:"addr"`
	ReadTimeout      time.Duration           `mapstructure:"readTimeout"`
	ShutdownTimeout  time.Duration           `mapstructure:"shutdownTimeout"`
	MaxUploadSize    int64                   `mapstructure:"maxUploadSize"`
	PairingRateLimit httpapi.RateLimitConfig `mapstructure:"pairingRateLimit"`
}

// StorageSettings configures per-session storage.
type StorageSettings struct {
	Root string `mapstructure:"root"`
}

// MetricsSettings configures the prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// registerDefaults registers every known key, so that env overrides
// (MSGRELAY_SECTION_KEY) work even when the key is absent from the file.
func registerDefaults(cfg *zviper.Config) {
	session := lifecycle.DefaultConfig()
	disp := dispatch.DefaultConfig()
	limit := httpapi.DefaultRateLimitConfig()

	cfg.SetDefault("server.addr", ":5000")
	cfg.SetDefault("server.readTimeout", 30*time.Second)
	cfg.SetDefault("server.shutdownTimeout", 10*time.Second)
	cfg.SetDefault("server.maxUploadSize", 8<<20)
	cfg.SetDefault("server.pairingRateLimit.requestsPerSecond", limit.RequestsPerSecond)
	cfg.SetDefault("server.pairingRateLimit.burst", limit.Burst)
	cfg.SetDefault("server.pairingRateLimit.entryTTL", limit.EntryTTL)

	cfg.SetDefault("storage.root", "/tmp/sessions")

	cfg.SetDefault("session.pairingDelay", session.PairingDelay)
	cfg.SetDefault("session.pairingAttempts", session.PairingAttempts)
	cfg.SetDefault("session.reconnectDelay", session.ReconnectDelay)

	cfg.SetDefault("dispatch.maxLoops", disp.MaxLoops)
	cfg.SetDefault("dispatch.minInterval", disp.MinInterval)
	cfg.SetDefault("dispatch.sendTimeout", disp.SendTimeout)

	cfg.SetDefault("transport.bridgeURL", "ws://127.0.0.1:8081/bridge")
	cfg.SetDefault("transport.dialTimeout", 10*time.Second)
	cfg.SetDefault("transport.requestTimeout", 30*time.Second)
	cfg.SetDefault("transport.writeTimeout", 10*time.Second)

	cfg.SetDefault("metrics.enabled", true)
	cfg.SetDefault("metrics.path", "/metrics")
}

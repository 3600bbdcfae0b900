package application

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/msgrelay-go/internal/control"
	"github.com/lk2023060901/msgrelay-go/internal/dispatch"
	"github.com/lk2023060901/msgrelay-go/internal/httpapi"
	"github.com/lk2023060901/msgrelay-go/internal/lifecycle"
	"github.com/lk2023060901/msgrelay-go/internal/session"
	"github.com/lk2023060901/msgrelay-go/internal/storage"
	"github.com/lk2023060901/msgrelay-go/internal/transport"
	"github.com/lk2023060901/msgrelay-go/internal/transport/wsbridge"
	zlog "github.com/lk2023060901/msgrelay-go/pkg/log"
	"github.com/lk2023060901/msgrelay-go/pkg/metrics"
	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
	zviper "github.com/lk2023060901/msgrelay-go/pkg/util/viper"
)

// Application is the main runtime container for the relay service.
// It owns configuration, wires the session components and serves the HTTP API.
type Application struct {
	args    []string
	factory transport.Factory

	cfg      *zviper.Config
	settings Settings
	loggers  map[string]*zlog.MLogger

	manager    *lifecycle.Manager
	controller *dispatch.Controller
	server     *http.Server

	readyOnce sync.Once
	ready     chan struct{}
	addr      string
}

// Option customizes an Application before Run.
type Option func(*Application)

// WithArgs replaces os.Args[1:] as the source of command-line flags.
func WithArgs(args []string) Option {
	return func(a *Application) {
		a.args = args
	}
}

// WithFactory replaces the bridge transport with the given factory.
func WithFactory(f transport.Factory) Option {
	return func(a *Application) {
		a.factory = f
	}
}

// New creates a new Application instance.
func New(opts ...Option) *Application {
	a := &Application{
		args:  os.Args[1:],
		ready: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run is the entry of the relay application.
// It parses command-line arguments and loads configuration file
// using the following priority:
//  1. Default: ./config.yaml (optional)
//  2. Env: MSGRELAY_CONFIG_FILE_PATH
//  3. CLI: --config <path> or --config=<path>
//
// Run blocks until ctx is cancelled or the HTTP server fails, then shuts
// every component down.
func (a *Application) Run(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := cfg.Unmarshal(&a.settings); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	if err := a.initLogging(); err != nil {
		return err
	}
	defer zlog.Sync()

	handler, err := a.build()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", a.settings.Server.Addr)
	if err != nil {
		_ = a.shutdown()
		return fmt.Errorf("failed to listen on %q: %w", a.settings.Server.Addr, err)
	}
	a.addr = listener.Addr().String()

	a.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: a.settings.Server.ReadTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	startCtx, span := zlog.NewIntentContext("msgrelay", "startup")
	zlog.Ctx(startCtx).Info("relay server listening",
		zap.String("addr", a.addr),
		zap.String("storage", a.settings.Storage.Root),
		zap.String("bridge", a.settings.Transport.URL))
	span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.readyOnce.Do(func() { close(a.ready) })
		if err := a.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})
	return g.Wait()
}

// Ready is closed once the HTTP listener accepts connections.
func (a *Application) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the bound listen address, valid after Ready.
func (a *Application) Addr() string {
	return a.addr
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *zviper.Config {
	return a.cfg
}

// Logger returns a named logger created from configuration.
// If the name is unknown, it falls back to the global logger.
func (a *Application) Logger(name string) *zlog.MLogger {
	if a.loggers == nil {
		return &zlog.MLogger{Logger: zlog.L()}
	}
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

// build wires storage, transport, session components and the HTTP handler.
func (a *Application) build() (http.Handler, error) {
	store := storage.NewOsStore(a.settings.Storage.Root)
	if err := store.Init(); err != nil {
		return nil, err
	}

	factory := a.factory
	if factory == nil {
		f, err := wsbridge.NewFactory(a.settings.Transport)
		if err != nil {
			return nil, err
		}
		factory = f
	}

	registry := session.NewRegistry()
	a.manager = lifecycle.NewManager(a.settings.Session, registry, store, factory)
	a.controller = dispatch.NewController(a.settings.Dispatch, registry)
	if lg, ok := a.loggers["lifecycle"]; ok {
		a.manager.SetLogger(lg)
	}
	if lg, ok := a.loggers["dispatch"]; ok {
		a.controller.SetLogger(lg)
	}

	svc := control.NewService(a.manager, a.controller, registry)

	opts := []httpapi.Option{
		httpapi.WithPairingRateLimit(a.settings.Server.PairingRateLimit),
	}
	if a.settings.Server.MaxUploadSize > 0 {
		opts = append(opts, httpapi.WithMaxUploadSize(a.settings.Server.MaxUploadSize))
	}
	if a.settings.Metrics.Enabled {
		metrics.Register(prometheus.DefaultRegisterer)
		opts = append(opts, httpapi.WithMetrics(a.settings.Metrics.Path, promhttp.Handler()))
	}
	return httpapi.New(svc, opts...), nil
}

// shutdown stops accepting requests, ends every message loop and closes
// all sessions. Session storage is kept so credentials survive restarts.
func (a *Application) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.settings.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if a.controller != nil {
		if err := a.controller.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatch shutdown: %w", err))
		}
	}
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session shutdown: %w", err))
		}
	}
	zlog.Info("relay server stopped", zap.Int("errors", len(errs)))
	return merr.Combine(errs...)
}

// loadConfig resolves config file path and loads it via viper wrapper.
// The default path is optional; an explicitly requested file must exist.
func (a *Application) loadConfig() (*zviper.Config, error) {
	configPath := defaultConfigPath
	explicit := false

	if envPath := os.Getenv(envConfigFilePath); envPath != "" {
		configPath = envPath
		explicit = true
	}

	args := a.args
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value after --config")
			}
			configPath = args[i+1]
			explicit = true
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			val := strings.TrimPrefix(arg, "--config=")
			if val != "" {
				configPath = val
				explicit = true
			}
			continue
		}
	}

	cfg := zviper.New(envPrefix)
	registerDefaults(cfg)

	if explicit {
		if err := cfg.LoadFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file %q: %w", configPath, err)
		}
		return cfg, nil
	}
	if _, err := cfg.LoadFileIfExists(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file %q: %w", configPath, err)
	}
	return cfg, nil
}

// initLogging initializes global and module-level loggers.
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	if err := a.initModuleLoggersFromConfig(); err != nil {
		return err
	}
	return nil
}

// initGlobalLoggerFromEnv configures the process-wide logger based on MSGRELAY_LOG_* env vars.
//
// Priority:
//   - MSGRELAY_LOG_ENABLE: "1"/"true" to enable outputs (default true).
//   - MSGRELAY_LOG_LEVEL: log level (default "info").
//   - MSGRELAY_LOG_STDOUT: whether to log to stdout (default true).
//   - MSGRELAY_LOG_FILE_DIR: log directory.
//   - MSGRELAY_LOG_FILE: log file name (empty means no file).
//   - MSGRELAY_LOG_FORMAT: log format ("text" or "json", default "text").
func (a *Application) initGlobalLoggerFromEnv() error {
	enabled := getenvBool("MSGRELAY_LOG_ENABLE", true)

	cfg := &zlog.Config{
		Level:               getenvDefault("MSGRELAY_LOG_LEVEL", "info"),
		Format:              getenvDefault("MSGRELAY_LOG_FORMAT", "text"),
		Stdout:              getenvBool("MSGRELAY_LOG_STDOUT", true),
		DisableErrorVerbose: true,
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("MSGRELAY_LOG_FILE_DIR", ""),
			Filename: getenvDefault("MSGRELAY_LOG_FILE", ""),
		},
	}

	// When not enabled, direct all outputs to a discarded sink.
	if !enabled {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("init global logger from env: %w", err)
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig creates named loggers from YAML config under "logging" key.
// Known names are "lifecycle" and "dispatch".
//
// Example:
//
//	logging:
//	  dispatch:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: dispatch.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil {
		return nil
	}

	raw := make(map[string]zlog.Config)
	if err := a.cfg.UnmarshalKey("logging", &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return fmt.Errorf("init module logger %q: %w", name, err)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger.With(zlog.FieldModule(name))}
	}

	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

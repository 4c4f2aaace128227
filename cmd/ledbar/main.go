package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"ledbar/internal/clock"
	"ledbar/internal/engine"
	"ledbar/internal/events"
	"ledbar/internal/ir"
	"ledbar/internal/motion"
	"ledbar/internal/output"
	"ledbar/internal/store"
	"ledbar/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path         string `yaml:"path"`
		HistoryLimit int    `yaml:"history_limit"`
	} `yaml:"store"`
	Scheduler struct {
		Interval      time.Duration `yaml:"interval"`
		OutsideWindow string        `yaml:"outside_window"` // "off" or "manual"
		OnDisable     string        `yaml:"on_disable"`     // "manual" or "off"
	} `yaml:"scheduler"`
	Output struct {
		Driver    string `yaml:"driver"` // "periph" or "log"
		Inverted  bool   `yaml:"inverted"`
		Frequency int    `yaml:"frequency"`
	} `yaml:"output"`
	IR struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"ir"`
	Motion struct {
		Enabled   bool          `yaml:"enabled"`
		Chip      string        `yaml:"chip"`
		Line      int           `yaml:"line"`
		ActiveLow bool          `yaml:"active_low"`
		Dwell     time.Duration `yaml:"dwell"`
		Poll      time.Duration `yaml:"poll"`
	} `yaml:"motion"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		ClientID        string `yaml:"client_id"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if _, err := engine.ParsePolicy(c.Scheduler.OutsideWindow, c.Scheduler.OnDisable); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if c.Scheduler.Interval < 100*time.Millisecond {
		return fmt.Errorf("scheduler.interval must be at least 100ms, got %s", c.Scheduler.Interval)
	}
	switch c.Output.Driver {
	case "periph", "log":
	default:
		return fmt.Errorf("unknown output.driver: %q (supported: periph, log)", c.Output.Driver)
	}
	if c.Output.Frequency <= 0 {
		return fmt.Errorf("output.frequency must be positive, got %d", c.Output.Frequency)
	}
	if c.Store.HistoryLimit <= 0 {
		return fmt.Errorf("store.history_limit must be positive, got %d", c.Store.HistoryLimit)
	}
	if c.Motion.Enabled && c.Motion.Chip == "" {
		return fmt.Errorf("motion.chip is required when motion is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		bootLogger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	// Create configured logger; the tee mirrors records to WebSocket clients.
	tee := newLogTee(cfg, os.Stdout)
	logger := slog.New(tee)
	slog.SetDefault(logger)
	logger.Info("ledbar starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path, cfg.Store.HistoryLimit)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	settings, err := store.LoadOrDefault(db, logger)
	if err != nil {
		return err
	}
	logger.Info("settings loaded", "device", settings.DeviceName, "channels", len(settings.Channels))

	driver, closeDriver, err := createOutput(cfg, logger)
	if err != nil {
		return fmt.Errorf("create output driver: %w", err)
	}
	defer closeDriver()

	// validate has already accepted the policy strings.
	policy, _ := engine.ParsePolicy(cfg.Scheduler.OutsideWindow, cfg.Scheduler.OnDisable)

	bus := events.NewBus(logger)
	clk := clock.NewSystem(settings.TimezoneOffset)
	rec := engine.NewReconciler(settings, clk, driver, db,
		engine.WithPolicy(policy),
		engine.WithMotionDwell(cfg.Motion.Dwell),
		engine.WithNotifier(bus),
		engine.WithLogger(logger.With("component", "engine")),
	)
	svc := engine.NewService(rec, cfg.Scheduler.Interval, logger.With("component", "engine"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	goRun := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(name+" stopped", "err", err)
			}
		}()
	}

	// The engine loop must be running before anything submits commands.
	goRun("engine", svc.Run)

	recorder := store.NewRecorder(db, clk.Time, logger)
	unsubHistory := bus.On(events.ChannelChanged, recorder.Handle)
	goRun("history", func(ctx context.Context) error {
		recorder.Run(ctx)
		return nil
	})

	if cfg.IR.Port != "" {
		recv := ir.NewSerialReceiver(cfg.IR.Port, cfg.IR.Baud, logger.With("component", "ir"))
		goRun("ir receiver", func(ctx context.Context) error {
			return recv.Run(ctx, func(ctx context.Context, code string) {
				if _, err := svc.IR(ctx, engine.IRCode{Code: code}); err != nil {
					logger.Warn("ir command", "code", code, "err", err)
				}
			})
		})
	}

	if cfg.Motion.Enabled {
		sensor, err := motion.NewGPIOSensor(cfg.Motion.Chip, cfg.Motion.Line, cfg.Motion.ActiveLow)
		if err != nil {
			logger.Error("open motion sensor", "chip", cfg.Motion.Chip, "line", cfg.Motion.Line, "err", err)
		} else {
			defer sensor.Close()
			// Report a held input twice per dwell so the lights stay on.
			watcher := motion.NewWatcher(sensor, cfg.Motion.Poll, logger.With("component", "motion"),
				motion.WithRetrigger(cfg.Motion.Dwell/2))
			goRun("motion watcher", func(ctx context.Context) error {
				return watcher.Run(ctx, func(ctx context.Context) {
					if _, err := svc.Motion(ctx); err != nil {
						logger.Warn("motion command", "err", err)
					}
				})
			})
		}
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(svc, bus, clk.Time, cfg, logger)

	// Start web server
	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithHistory(db),
		web.WithLogTee(tee),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer, err := web.NewServer(svc, bus, logger, webOpts...)
	if err != nil {
		auto.Stop()
		cancel()
		wg.Wait()
		return fmt.Errorf("create web server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(svc, bus, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	unsubHistory()
	cancel()
	wg.Wait()

	logger.Info("goodbye")
	return nil
}

func createOutput(cfg *Config, logger *slog.Logger) (output.Driver, func(), error) {
	logger = logger.With("component", "output")
	switch cfg.Output.Driver {
	case "periph":
		d, err := output.NewPeriphDriver(cfg.Output.Inverted, cfg.Output.Frequency, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using periph PWM driver", "frequency", cfg.Output.Frequency, "inverted", cfg.Output.Inverted)
		return d, func() { d.Close() }, nil
	case "log":
		logger.Info("using log output driver")
		return output.NewLogDriver(cfg.Output.Inverted, logger), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown output driver: %q", cfg.Output.Driver)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "0.0.0.0:80"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "ledbar.db"
	}
	if cfg.Store.HistoryLimit == 0 {
		cfg.Store.HistoryLimit = store.DefaultHistoryLimit
	}
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = engine.DefaultInterval
	}
	if cfg.Scheduler.OutsideWindow == "" {
		cfg.Scheduler.OutsideWindow = "off"
	}
	if cfg.Scheduler.OnDisable == "" {
		cfg.Scheduler.OnDisable = "manual"
	}
	if cfg.Output.Driver == "" {
		cfg.Output.Driver = "periph"
	}
	if cfg.Output.Frequency == 0 {
		cfg.Output.Frequency = 5000
	}
	if cfg.IR.Baud == 0 {
		cfg.IR.Baud = 9600
	}
	if cfg.Motion.Dwell == 0 {
		cfg.Motion.Dwell = engine.DefaultMotionDwell
	}
	if cfg.Motion.Poll == 0 {
		cfg.Motion.Poll = motion.DefaultPoll
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "ledbar"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogTee builds the console handler from the log section and wraps it
// so records at the same level also reach WebSocket clients.
func newLogTee(cfg *Config, w io.Writer) *web.LogTee {
	level := logLevel(cfg.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return web.NewLogTee(handler, level)
}

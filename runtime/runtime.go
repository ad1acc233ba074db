package runtime

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/InsulaLabs/agentgate/config"
	"github.com/InsulaLabs/agentgate/db/tkv"
	"github.com/InsulaLabs/agentgate/internal/agent"
	"github.com/InsulaLabs/agentgate/internal/auth"
	"github.com/InsulaLabs/agentgate/internal/core"
	"github.com/InsulaLabs/agentgate/internal/events"
	"github.com/InsulaLabs/agentgate/internal/onboarding"
	"github.com/InsulaLabs/agentgate/internal/sse"
	charmlog "github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const statsPeriod = time.Minute

// ErrConfigGenerated is returned by New after --new-cfg wrote a config file.
// There is nothing to run in that case.
var ErrConfigGenerated = errors.New("configuration generated")

// Runtime manages the execution of agentgated: flags, configuration, signal
// handling and the lifecycle of the gateway service.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	cfg        *config.Gateway
	configFile string
	rawArgs    []string

	currentLogLevel slog.Level
}

// New parses flags, loads the gateway configuration and installs the signal
// handler. Logging is configured from the loaded file.
func New(args []string, defaultConfigFile string) (*Runtime, error) {
	r := &Runtime{
		rawArgs:         args,
		currentLogLevel: slog.LevelInfo,
	}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "agentgateRuntime")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
			r.appCancel()
		case <-r.appCtx.Done():
		}
		signal.Stop(sigChan)
	}()

	var genConfigFile string
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the gateway configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new gateway configuration file to a given path.")

	if err := fs.Parse(r.rawArgs); err != nil {
		r.appCancel()
		return nil, errors.Wrap(err, "failed to parse flags")
	}

	if genConfigFile != "" {
		r.appCancel()
		if err := WriteConfig(genConfigFile, config.GenerateConfig()); err != nil {
			return nil, err
		}
		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		return nil, ErrConfigGenerated
	}

	cfg, err := config.LoadConfig(r.configFile)
	if err != nil {
		r.appCancel()
		return nil, errors.Wrapf(err, "failed to load configuration from %s", r.configFile)
	}
	r.cfg = cfg

	switch cfg.Logging.Level {
	case "", "info":
		r.currentLogLevel = slog.LevelInfo
	case "debug":
		r.currentLogLevel = slog.LevelDebug
	case "warn":
		r.currentLogLevel = slog.LevelWarn
	case "error":
		r.currentLogLevel = slog.LevelError
	default:
		color.HiYellow("Unknown logging level: %s, defaulting to info", cfg.Logging.Level)
		r.currentLogLevel = slog.LevelInfo
	}
	r.logger = NewLogger(os.Stderr, cfg.Logging.Format, r.currentLogLevel).With("service", "agentgateRuntime")

	return r, nil
}

// NewLogger builds the process logger. "pretty" renders through
// charmbracelet/log for terminals; anything else is JSON.
func NewLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	if format == "pretty" {
		handler := charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
		})
		return slog.New(handler)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// WriteConfig marshals cfg to YAML at path, creating parent directories.
func WriteConfig(path string, cfg *config.Gateway) error {
	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal generated config to YAML")
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory for config file %s", path)
		}
	}

	if err := os.WriteFile(path, yamlData, 0600); err != nil {
		return errors.Wrapf(err, "failed to write generated configuration to %s", path)
	}
	return nil
}

// Run builds the gateway and serves until a signal arrives or the server
// fails. The upstream event source is connected before anything listens, so
// a dead source fails the process at boot.
func (r *Runtime) Run() error {
	if r.cfg == nil {
		r.logger.Info("Runtime.Run called without a loaded configuration, nothing to run")
		return nil
	}
	defer r.appCancel()

	bus := events.NewBus(r.appCtx, r.busConfig())

	startCtx, cancelStart := context.WithTimeout(r.appCtx, r.cfg.Upstream.ConnectTimeout)
	err := bus.Start(startCtx)
	cancelStart()
	if err != nil {
		r.logger.Error("Upstream event source unavailable", "mode", r.cfg.Upstream.Mode, "error", err)
		return errors.Wrap(err, "start event bus")
	}

	undelivered, err := r.undeliveredStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := undelivered.Close(); err != nil {
			r.logger.Error("Failed to close undelivered store", "error", err)
		}
	}()
	streams := sse.NewManager(r.logger.WithGroup("sse"), undelivered)

	resolver := auth.New(auth.Config{
		Logger:            r.logger,
		GovernanceApiKey:  r.cfg.Auth.GovernanceApiKey,
		TenantAdminApiKey: r.cfg.Auth.TenantAdminApiKey,
		TenantJwtSecret:   r.cfg.Auth.TenantJwtSecret,
		CacheTTL:          r.cfg.Auth.CacheTTL,
	})
	defer resolver.Close()

	pool, err := agent.NewPool(agent.PoolConfig{
		AdminURL:  r.cfg.Agent.AdminURL,
		TenantURL: r.cfg.Agent.TenantURL,
		ApiKey:    r.cfg.Agent.ApiKey,
		Timeout:   r.cfg.Agent.RequestTimeout,
		Logger:    r.logger,
	})
	if err != nil {
		return errors.Wrap(err, "create agent pool")
	}
	defer pool.Close()

	coordinator, err := onboarding.New(onboarding.Config{
		Logger:      r.logger,
		Bus:         bus,
		Agents:      pool,
		StepTimeout: r.cfg.Onboarding.StepTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "create onboarding coordinator")
	}

	svc, err := core.New(r.appCtx, core.Config{
		Logger:    r.logger.WithGroup("service"),
		Gateway:   r.cfg,
		Bus:       bus,
		Streams:   streams,
		Identity:  resolver,
		Onboarder: coordinator,
	})
	if err != nil {
		return errors.Wrap(err, "create service")
	}

	g, gctx := errgroup.WithContext(r.appCtx)
	g.Go(func() error {
		err := svc.Run()
		// A server that stops on its own takes the rest of the process down.
		r.appCancel()
		return err
	})
	g.Go(func() error {
		r.reportStats(gctx, bus, svc)
		return nil
	})

	err = g.Wait()
	r.logger.Info("Gateway stopped", "error", err)
	return err
}

func (r *Runtime) busConfig() events.Config {
	cfg := events.Config{
		Logger:         r.logger,
		ConnectTimeout: r.cfg.Upstream.ConnectTimeout,
		ReconnectDelay: r.cfg.Upstream.ReconnectDelay,
		DeliveryGrace:  r.cfg.Bus.DeliveryGrace,
	}
	if r.cfg.Upstream.Mode == config.UpstreamModeWebsocket {
		cfg.Connector = events.NewWebsocketConnector(r.cfg.Upstream.URL, r.cfg.Upstream.ApiKey, r.logger)
	}
	return cfg
}

func (r *Runtime) undeliveredStore() (sse.UndeliveredStore, error) {
	bounds := sse.Bounds{
		MaxPerKey: r.cfg.SSE.Undelivered.MaxPerKey,
		MaxAge:    r.cfg.SSE.Undelivered.MaxAge,
	}
	logger := r.logger.WithGroup("undelivered")

	if r.cfg.SSE.Undelivered.Backend != config.UndeliveredBackendTKV {
		return sse.NewMemoryStore(logger, bounds), nil
	}

	store, err := tkv.New(tkv.Config{
		Logger:         logger,
		BadgerLogLevel: r.currentLogLevel,
		Directory:      r.cfg.SSE.Undelivered.Directory,
	})
	if err != nil {
		r.logger.Error("Failed to open undelivered store", "directory", r.cfg.SSE.Undelivered.Directory, "error", err)
		return nil, errors.Wrap(err, "open tkv store")
	}
	return sse.NewTKVStore(logger, store, bounds), nil
}

func (r *Runtime) reportStats(ctx context.Context, bus *events.Bus, svc *core.Core) {
	ticker := time.NewTicker(statsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logger.Debug("Gateway stats",
				"bus_subscribers", bus.SubscriberCount(),
				"relay_sessions", svc.RelaySessionCount(),
			)
		}
	}
}

// Wait blocks until the runtime's context is cancelled.
func (r *Runtime) Wait() {
	<-r.appCtx.Done()
	r.logger.Info("Runtime has been shut down.")
}

// Stop cancels the runtime's context, which shuts the server down.
func (r *Runtime) Stop() {
	r.logger.Info("Runtime stop requested.")
	r.appCancel()
}

func (r *Runtime) Config() *config.Gateway {
	return r.cfg
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloudspeed/internal/config"
	"cloudspeed/internal/eventbus"
	"cloudspeed/internal/packetloss"
	"cloudspeed/internal/transport"
	"cloudspeed/internal/transport/cloudflare"
	"cloudspeed/internal/transport/ookla"
	"cloudspeed/pkg/logx"
	"cloudspeed/pkg/speedtest"
)

const defaultLogLevel = "warn"

// Options carry command-line overrides. Zero values keep the file settings.
type Options struct {
	ConfigPath   string
	JSON         bool
	Quiet        bool
	LogLevel     string
	BaseURL      string
	NoPacketLoss bool

	// Stdout receives the report, Stderr progress lines. Nil means the
	// process streams.
	Stdout io.Writer
	Stderr io.Writer
}

// App runs one measurement from configuration to report.
type App struct {
	cfg  *config.Config
	opts Options

	logs *logx.Service
	log  logx.Logger

	client *cloudflare.Client
	engine *speedtest.Engine
	bus    *eventbus.Bus
}

func NewApp(opts Options) (*App, error) {
	if opts.Stdout == nil {
		opts.Stdout = logx.Stdout()
	}
	if opts.Stderr == nil {
		opts.Stderr = logx.Stderr()
	}
	if opts.LogLevel != "" && !logx.ValidLevel(opts.LogLevel) {
		return nil, fmt.Errorf("%w: unknown log level %q", speedtest.ErrInvalidConfig, opts.LogLevel)
	}

	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfgm.SetLogger(logx.NewConsole(opts.LogLevel))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", speedtest.ErrInvalidConfig, err)
	}
	applyOverrides(cfg, opts)

	logCfg := cfg.LogConfig()
	if logCfg.Level == "" {
		logCfg.Level = defaultLogLevel
	}
	logSvc, log := logx.New(logCfg)
	log = log.With(logx.String("comp", "app"))

	a, err := build(cfg, opts, logSvc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if cfgm.Found() {
		log.Debug("config loaded", logx.String("path", cfgm.Path()))
	}
	return a, nil
}

func applyOverrides(cfg *config.Config, opts Options) {
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if s := strings.TrimSpace(opts.BaseURL); s != "" {
		cfg.Server.BaseURL = s
	}
	if opts.NoPacketLoss && cfg.PacketLoss != nil {
		cfg.PacketLoss.Enabled = false
	}
	if opts.JSON {
		cfg.Output.JSON = true
	}
	if opts.Quiet {
		cfg.Output.Quiet = true
	}
}

func build(cfg *config.Config, opts Options, logSvc *logx.Service, log logx.Logger) (*App, error) {
	tc, err := cfg.TestConfig()
	if err != nil {
		return nil, err
	}
	topts, err := cfg.TransportOptions(logSvc.Logger())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", speedtest.ErrInvalidConfig, err)
	}
	client, err := cloudflare.New(topts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", speedtest.ErrInvalidConfig, err)
	}

	providers := []transport.NamedProvider{{Name: "cloudflare", Provider: client}}
	if cfg.MetadataFallback() {
		providers = append(providers, transport.NamedProvider{Name: "ookla", Provider: ookla.New(nil)})
	}

	bus := eventbus.New()
	engOpts := []speedtest.Option{
		speedtest.WithLogger(logSvc.Logger()),
		speedtest.WithObserver(bus),
		speedtest.WithMetadata(transport.MetadataChain{Providers: providers, Log: log}),
	}
	if tc.PacketLoss != nil {
		prober, err := packetloss.New(*tc.PacketLoss, logSvc.Logger())
		if err != nil {
			client.Close()
			return nil, err
		}
		engOpts = append(engOpts, speedtest.WithPacketLoss(prober))
	}
	eng, err := speedtest.NewEngine(tc, client, engOpts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	log.Debug("effective config", config.SummarizeEffective(cfg, eng.Config())...)

	return &App{
		cfg:    cfg,
		opts:   opts,
		logs:   logSvc,
		log:    log,
		client: client,
		engine: eng,
		bus:    bus,
	}, nil
}

// Run executes the measurement, prints progress and the report, and returns
// the results. The error is nil for a complete run; see speedtest.ExitCode
// for the mapping of the others.
func (a *App) Run(ctx context.Context) (*speedtest.SpeedTestResults, error) {
	var wg sync.WaitGroup
	unsubscribe := func() {}
	if !a.cfg.Output.Quiet {
		ch, unsub := a.bus.Subscribe(256)
		unsubscribe = unsub
		r := newProgressRenderer(a.opts.Stderr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.consume(ch)
		}()
	}

	res, err := a.engine.Run(ctx)
	unsubscribe()
	wg.Wait()
	if err != nil {
		return nil, err
	}
	if n := a.bus.Dropped(); n > 0 {
		a.log.Debug("progress events dropped", logx.Int64("count", int64(n)))
	}

	if a.cfg.Output.JSON {
		err = WriteJSON(a.opts.Stdout, res)
	} else {
		err = WriteText(a.opts.Stdout, res)
	}
	if err != nil {
		return res, fmt.Errorf("write report: %w", err)
	}

	runErr := res.Err()
	switch {
	case runErr == nil:
	case errors.Is(runErr, speedtest.ErrCancelled):
		a.log.Warn("run cancelled, results are partial")
	default:
		a.log.Warn("run incomplete", logx.Err(runErr))
	}
	return res, runErr
}

// Close releases connections and log files.
func (a *App) Close() error {
	a.client.Close()
	return a.logs.Close()
}

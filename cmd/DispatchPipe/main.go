package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BTreeMap/DispatchPipe/internal/adapter"
	"github.com/BTreeMap/DispatchPipe/internal/adapter/telegram"
	"github.com/BTreeMap/DispatchPipe/internal/adapter/twilio"
	"github.com/BTreeMap/DispatchPipe/internal/adapter/webhook"
	"github.com/BTreeMap/DispatchPipe/internal/adapter/whatsapp"
	"github.com/BTreeMap/DispatchPipe/internal/api"
	"github.com/BTreeMap/DispatchPipe/internal/config"
	"github.com/BTreeMap/DispatchPipe/internal/dispatch"
	"github.com/BTreeMap/DispatchPipe/internal/lockfile"
	"github.com/BTreeMap/DispatchPipe/internal/models"
	"github.com/BTreeMap/DispatchPipe/internal/ratelimit"
	"github.com/BTreeMap/DispatchPipe/internal/retry"
	"github.com/BTreeMap/DispatchPipe/internal/scheduler"
	"github.com/BTreeMap/DispatchPipe/internal/store"
)

func main() {
	// Info until the configured level is known
	initializeLogger(slog.LevelInfo)

	// Load .env, environment and flags
	config.LoadDotEnv()
	cfg, err := loadConfig(context.Background(), flag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}
	level, _ := cfg.Level()
	initializeLogger(level)

	platforms, err := config.LoadPlatforms(cfg.PlatformsFile)
	if err != nil {
		slog.Error("Failed to load platform settings", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	slog.Info("Bootstrapping DispatchPipe", "api_addr", cfg.APIAddr, "store", store.DetectDSNType(cfg.DSN()), "platforms_file", cfg.PlatformsFile)
	err = run(ctx, cfg, platforms)
	stop()
	if err != nil {
		slog.Error("DispatchPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("DispatchPipe exited successfully")
}

// initializeLogger sets up structured text logging at level.
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadConfig reads the environment, then lets flags in args override it.
func loadConfig(ctx context.Context, fs *flag.FlagSet, args []string) (config.Config, error) {
	cfg, err := config.FromEnv(ctx)
	if err != nil {
		return config.Config{}, err
	}
	set, err := cfg.ParseFlags(fs, args)
	if err != nil {
		return config.Config{}, err
	}
	slog.Debug("Final configuration", "explicit_flags", set, "state_dir", cfg.StateDir,
		"store", store.DetectDSNType(cfg.DSN()), "api_addr", cfg.APIAddr)
	return cfg, cfg.Validate()
}

// run wires store, adapters, dispatch service, scheduler and API, and
// serves until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, platforms config.Platforms) error {
	if cfg.UsesStateDir() {
		lock, err := lockfile.Acquire(cfg.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer st.Close()

	reg, closeAdapters, err := buildRegistry(ctx, cfg, platforms)
	if err != nil {
		return err
	}
	defer closeAdapters()

	promReg := newMetricsRegistry()
	svc := dispatch.NewService(reg, st,
		dispatch.WithLimiter(buildLimiter(platforms)),
		dispatch.WithRetryExecutor(buildRetryExecutor(platforms)),
		dispatch.WithMetrics(dispatch.NewMetrics(promReg)),
		dispatch.WithRetention(cfg.Retention),
	)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := scheduler.RegisterDispatchJobs(sched, svc, scheduler.Jobs{Sweep: cfg.SweepSchedule, Purge: cfg.PurgeSchedule}); err != nil {
		return err
	}

	return api.NewServer(svc, buildAPIOptions(cfg, promReg)...).Run(ctx)
}

// newMetricsRegistry returns a registry with the runtime collectors.
func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// baseOptions applies the platform file's settings for name on top of the
// adapter defaults.
func baseOptions(platforms config.Platforms, name string, defaults models.PlatformConstraints) []adapter.BaseOption {
	s, ok := platforms.For(name)
	if !ok {
		return nil
	}
	var opts []adapter.BaseOption
	if s.Enabled != nil {
		opts = append(opts, adapter.WithEnabled(*s.Enabled))
	}
	if s.SendTimeout > 0 {
		opts = append(opts, adapter.WithSendTimeout(s.SendTimeout))
	}
	if !s.Constraints.IsZero() {
		opts = append(opts, adapter.WithConstraints(s.Constraints.Apply(defaults)))
	}
	return opts
}

// buildRegistry registers every platform with credentials in cfg. The
// returned func releases adapter connections.
func buildRegistry(ctx context.Context, cfg config.Config, platforms config.Platforms) (*adapter.Registry, func(), error) {
	reg := adapter.NewRegistry()
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	var errs []error
	register := func(a adapter.Adapter, err error) {
		if err == nil {
			err = reg.Register(a)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Telegram.Token != "" {
		register(telegram.New(
			telegram.WithToken(cfg.Telegram.Token),
			telegram.WithChatID(cfg.Telegram.ChatID),
			telegram.WithAPIBase(cfg.Telegram.APIBase),
			telegram.WithBaseOptions(baseOptions(platforms, telegram.PlatformName, telegram.DefaultConstraints)...),
		))
	}
	if cfg.Webhook.URL != "" {
		defaults := webhook.DefaultConstraints
		defaults.SupportsHTML = cfg.Webhook.HTML
		register(webhook.New(
			webhook.WithURL(cfg.Webhook.URL),
			webhook.WithSecret(cfg.Webhook.Secret),
			webhook.WithHTML(cfg.Webhook.HTML),
			webhook.WithBaseOptions(baseOptions(platforms, webhook.PlatformName, defaults)...),
		))
	}
	if cfg.Twilio.AccountSID != "" || cfg.Twilio.From != "" {
		register(twilio.New(
			twilio.WithAccountSID(cfg.Twilio.AccountSID),
			twilio.WithAuthToken(cfg.Twilio.AuthToken),
			twilio.WithFrom(cfg.Twilio.From),
			twilio.WithDefaultTo(cfg.Twilio.To),
			twilio.WithBaseOptions(baseOptions(platforms, twilio.PlatformName, twilio.DefaultConstraints)...),
		))
	}
	if cfg.WhatsApp.Enabled {
		clientOpts := []whatsapp.ClientOption{whatsapp.WithDBDSN(cfg.WhatsAppDSN())}
		if cfg.WhatsApp.QROutput != "" {
			clientOpts = append(clientOpts, whatsapp.WithQRCodeOutput(cfg.WhatsApp.QROutput))
		}
		if cfg.WhatsApp.NumericCode {
			clientOpts = append(clientOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, clientOpts...)
		if err == nil {
			closers = append(closers, client.Disconnect)
			register(whatsapp.New(client,
				whatsapp.WithDefaultTo(cfg.WhatsApp.To),
				whatsapp.WithBaseOptions(baseOptions(platforms, whatsapp.PlatformName, whatsapp.DefaultConstraints)...),
			))
		} else {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("failed to configure platforms: %w", err)
	}
	for name := range platforms.Platforms {
		if _, ok := reg.Resolve(name); !ok {
			slog.Warn("Platform settings for unconfigured platform ignored", "platform", name)
		}
	}
	if len(reg.ListSupported()) == 0 {
		slog.Warn("No platforms configured; every message will fail with adapter_not_found")
	}
	slog.Info("Platforms registered", "supported", reg.ListSupported(), "active", reg.ListActive())
	return reg, closeAll, nil
}

// buildLimiter starts from the per-platform defaults and applies the
// platform file's rate limits.
func buildLimiter(platforms config.Platforms) *ratelimit.Limiter {
	var opts []ratelimit.Option
	for name, p := range ratelimit.PlatformPolicies {
		opts = append(opts, ratelimit.WithPolicy(name, p))
	}
	if platforms.DefaultRateLimit != nil {
		opts = append(opts, ratelimit.WithDefaultPolicy(*platforms.DefaultRateLimit))
	}
	for name, s := range platforms.Platforms {
		if s.RateLimit != nil {
			opts = append(opts, ratelimit.WithPolicy(name, *s.RateLimit))
		}
	}
	return ratelimit.New(opts...)
}

// buildRetryExecutor applies the platform file's retry policy.
func buildRetryExecutor(platforms config.Platforms) *retry.Executor {
	policy := retry.DefaultPolicy
	if platforms.Retry != nil {
		policy = *platforms.Retry
	}
	return retry.NewExecutor(policy)
}

// buildAPIOptions constructs API server configuration options.
func buildAPIOptions(cfg config.Config, gatherer prometheus.Gatherer) []api.Option {
	return []api.Option{
		api.WithAddr(cfg.APIAddr),
		api.WithMaxBulkSize(cfg.MaxBulkSize),
		api.WithMaxBodyBytes(cfg.MaxBodySize.Int64()),
		api.WithGatherer(gatherer),
	}
}

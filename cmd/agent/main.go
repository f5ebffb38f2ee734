package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/okian/fleetwatch/internal/adapters/iplookup"
	"github.com/okian/fleetwatch/internal/adapters/repository"
	"github.com/okian/fleetwatch/internal/agent"
	"github.com/okian/fleetwatch/internal/config"
	"github.com/okian/fleetwatch/pkg/logger"
)

func main() {
	def := agent.DefaultConfig()
	var (
		inspectors = flag.Int("inspectors", def.Inspectors, "Number of simulated inspectors")
		terminals  = flag.String("terminals", "", "Comma separated terminals to circle (default: every terminal)")
		namespace  = flag.String("namespace", def.Namespace, "Seed for deterministic inspector ids")
		interval   = flag.Duration("interval", 0, "Heartbeat interval (default: heartbeat_interval_ms from config)")
		period     = flag.Duration("period", def.Period, "Location update period")
		speed      = flag.Float64("speed", def.Speed, "Walking speed in m/s")
		startRate  = flag.Float64("rate", 0, "Inspectors started per second, 0 starts all at once")
		duration   = flag.Duration("duration", 0, "Stop after this long, 0 runs until interrupted")
		stats      = flag.Duration("stats", def.StatsInterval, "Progress log interval")
		help       = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		agent.ShowHelp()
		return
	}

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		_ = logger.SetLevelString("info")
	}

	run := agent.Config{
		Inspectors:    *inspectors,
		Terminals:     splitList(*terminals),
		Namespace:     *namespace,
		Interval:      *interval,
		Period:        *period,
		Speed:         *speed,
		StartRate:     *startRate,
		Duration:      *duration,
		StatsInterval: *stats,
	}
	if run.Interval <= 0 {
		run.Interval = cfg.HeartbeatInterval()
	}

	if err := execute(ctx, cfg, run); err != nil {
		logger.Get().Error(ctx, "agent failed", logger.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func execute(ctx context.Context, cfg *config.Config, run agent.Config) error {
	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	store, err := repository.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	a, err := agent.New(run, store,
		agent.WithRegistry(registry),
		agent.WithResolver(iplookup.NewHTTPResolver(cfg.ResolverOptions()...)),
	)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/fleetwatch/internal/adapters/http/api"
	"github.com/okian/fleetwatch/internal/adapters/http/ws"
	"github.com/okian/fleetwatch/internal/adapters/repository"
	service "github.com/okian/fleetwatch/internal/app"
	"github.com/okian/fleetwatch/internal/config"
	"github.com/okian/fleetwatch/internal/domain/week"
	"github.com/okian/fleetwatch/internal/presence"
	"github.com/okian/fleetwatch/pkg/logger"
)

// HTTP server timeout constants.
const (
	readTimeout            = 10 * time.Second
	writeTimeout           = 10 * time.Second
	idleTimeout            = 60 * time.Second
	readHeaderTimeout      = 5 * time.Second
	shutdownTimeout        = 30 * time.Second
	serviceMetricsInterval = 5 * time.Second
)

func main() {
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Defaults -> .env -> optional file -> env.
	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		logger.Get().Error(ctx, "fleetwatch exited", logger.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Get()

	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	svc, store, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn(context.Background(), "presence store close failed", logger.Error(err))
		}
	}()

	hub := ws.NewHub(func() ws.Message {
		entries, _ := svc.Presence()
		return ws.NewSnapshot(entries, time.Now())
	})
	svc.OnPresenceChange(func(entries []presence.Entry) {
		hub.Broadcast(ws.NewSnapshot(entries, time.Now()))
	})

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	go hub.Run(ctx)
	go startServiceMetricsUpdater(ctx, svc)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(svc, api.WithPresenceStream(hub)).Router(),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server",
			logger.String("addr", cfg.Addr),
			logger.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info(ctx, "shutting down server...")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "server shutdown failed", logger.Error(err))
	}

	log.Info(shutdownCtx, "server stopped")
	return nil
}

// newService wires the store, terminals and week zone from cfg. The caller
// owns the returned store.
func newService(ctx context.Context, cfg *config.Config) (*service.Service, repository.Store, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, nil, err
	}
	loc, err := week.LoadZone(cfg.Timezone)
	if err != nil {
		return nil, nil, err
	}
	store, err := repository.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, nil, err
	}

	svc := service.New(
		service.WithLogger(logger.Get().Named("service")),
		service.WithStore(store),
		service.WithRegistry(registry),
		service.WithHeartbeatInterval(cfg.HeartbeatInterval()),
		service.WithStaleAfter(cfg.StaleAfter()),
		service.WithDeviceTimeout(cfg.DeviceTimeout()),
		service.WithFixOptions(cfg.FixOptions()),
		service.WithLocation(loc),
	)
	return svc, store, nil
}

// startServiceMetricsUpdater refreshes service gauges until ctx is done.
func startServiceMetricsUpdater(ctx context.Context, svc *service.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = svc.GetStats()
		}
	}
}

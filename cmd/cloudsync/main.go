package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/cloudsync/internal/breaker"
	"github.com/23skdu/cloudsync/internal/cloudstore"
	"github.com/23skdu/cloudsync/internal/health"
	"github.com/23skdu/cloudsync/internal/logging"
	"github.com/23skdu/cloudsync/internal/reachability"
	"github.com/23skdu/cloudsync/internal/remote"
	"github.com/23skdu/cloudsync/internal/remote/s3store"
	"github.com/23skdu/cloudsync/internal/schema"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cloudsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envFile := flag.String("env", ".env", "Optional dotenv file loaded before the environment is read")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", *envFile, err)
	}
	var cfg Config
	if err := envconfig.Process("CLOUDSYNC", &cfg); err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	if err := ValidateConfig(&cfg); err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Output: os.Stdout})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := schema.LoadFile(cfg.SchemaPath, schema.NewRegistry())
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}

	backend, err := newRemote(ctx, &cfg)
	if err != nil {
		return err
	}
	guard := remote.NewGuard(backend, cfg.RemoteBackend, breaker.Settings{
		Name:    "remote-" + cfg.RemoteBackend,
		Timeout: 30 * time.Second,
	}, logger)

	opts, err := cfg.StoreOptions()
	if err != nil {
		return err
	}
	opts.Schema = sc

	prober := cfg.Prober()
	var monitor *reachability.Monitor
	if prober != nil {
		monitor = reachability.NewMonitor(reachability.StatusLocalNetwork, logger)
		opts.Reachability = monitor
	}

	st, err := cloudstore.Open(ctx, guard, opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close cloud store")
		}
	}()

	hm := health.NewHealthManager(version, logger)
	hm.RegisterChecker(health.NewPingChecker("store", st, 250*time.Millisecond))
	hm.RegisterChecker(health.NewFuncChecker("sync", syncHealth(st)))
	hm.RegisterChecker(health.NewFuncChecker("remote", remoteHealth(guard)))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", hm.HTTPHandler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("address", cfg.MetricsAddr).Msg("Starting metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return st.Run(gctx)
	})
	if monitor != nil {
		g.Go(func() error {
			if err := monitor.Run(gctx, prober, cfg.ProbeInterval); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		return forwardNotifications(gctx, st, cfg.ContainerID, logger)
	})

	logger.Info().
		Str("version", version).
		Str("container", cfg.ContainerID).
		Str("zone", cfg.Zone).
		Str("backend", cfg.RemoteBackend).
		Msg("cloudsync started")
	return g.Wait()
}

func newRemote(ctx context.Context, cfg *Config) (remote.Store, error) {
	switch cfg.RemoteBackend {
	case "s3":
		return s3store.New(ctx, cfg.S3())
	default:
		return remote.NewMemoryStore(cfg.AccountToken), nil
	}
}

// forwardNotifications treats SIGUSR1 as a remote change notification for
// the whole container.
func forwardNotifications(ctx context.Context, st *cloudstore.Store, container string, logger zerolog.Logger) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sig:
			logger.Debug().Msg("Remote change signal received")
			st.HandleRemoteNotification(cloudstore.Notification{ContainerID: container})
		}
	}
}

func syncHealth(st *cloudstore.Store) func(context.Context) (health.HealthStatus, string, map[string]interface{}) {
	return func(ctx context.Context) (health.HealthStatus, string, map[string]interface{}) {
		s, err := st.Status(ctx)
		if err != nil {
			return health.StatusUnhealthy, err.Error(), nil
		}
		meta := map[string]interface{}{
			"account":   s.Account.String(),
			"pending":   s.Pending,
			"queued":    s.Queued,
			"importing": s.Importing,
		}
		switch {
		case s.Halted:
			return health.StatusUnhealthy, "sync halted until the account changes", meta
		case s.Account != remote.AccountAvailable:
			return health.StatusDegraded, "account is " + s.Account.String(), meta
		}
		return health.StatusHealthy, "", meta
	}
}

func remoteHealth(g *remote.Guard) func(context.Context) (health.HealthStatus, string, map[string]interface{}) {
	return func(context.Context) (health.HealthStatus, string, map[string]interface{}) {
		state := g.Breaker().State()
		meta := map[string]interface{}{"breaker": state.String()}
		switch state {
		case breaker.StateOpen:
			return health.StatusUnhealthy, "circuit breaker open", meta
		case breaker.StateHalfOpen:
			return health.StatusDegraded, "circuit breaker probing", meta
		}
		return health.StatusHealthy, "", meta
	}
}

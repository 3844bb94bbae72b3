// Package main is the entry point for the signcast player.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Optionally connect to PostgreSQL, apply migrations and enable the media
//     cache, play log and retention job.
//  3. Build the rule service client, media resolver, player and dashboard
//     poller.
//  4. Start everything under a suture supervision tree: playback loops,
//     storage housekeeping, the control HTTP API (optionally also on a
//     tailnet) and the gRPC health service.
//  5. Wait for SIGINT/SIGTERM, then let the tree shut every service down.
//
// "signcast hash-token" prints a bcrypt hash for CONTROL_TOKEN_HASH.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"tailscale.com/tsnet"

	"github.com/matt-riley/signcast/internal/client"
	"github.com/matt-riley/signcast/internal/config"
	"github.com/matt-riley/signcast/internal/logging"
	"github.com/matt-riley/signcast/internal/media"
	"github.com/matt-riley/signcast/internal/metrics"
	"github.com/matt-riley/signcast/internal/middleware"
	"github.com/matt-riley/signcast/internal/playback"
	"github.com/matt-riley/signcast/internal/poller"
	"github.com/matt-riley/signcast/internal/repository"
	"github.com/matt-riley/signcast/internal/server"
	"github.com/matt-riley/signcast/internal/supervisor"
	"github.com/matt-riley/signcast/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	healthInterval        = time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		os.Exit(hashTokenCommand(os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
	}

	if err := run(); err != nil {
		slog.Error("signcast failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	api, err := client.New(client.Config{
		BaseURL: cfg.APIURL,
		Breaker: client.BreakerConfig{
			ConsecutiveFailures: uint32(cfg.BreakerFailures),
			Timeout:             cfg.BreakerTimeout,
			OnStateChange:       m.SetBreakerState,
		},
		Observe: m.ObserveUpstream,
	})
	if err != nil {
		return fmt.Errorf("init rule service client: %w", err)
	}

	var repo *repository.PostgresRepository
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		repo = repository.NewPostgresRepositoryWithChannel(pool, cfg.MediaNotifyChannel)
		if err := repo.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		if err := runMigrations(ctx, pool); err != nil {
			return err
		}
		metrics.RegisterPoolMetrics(m.Registry, pool)
	} else {
		log.Info("DATABASE_URL not set; media cache and play log disabled")
	}

	resolverOpts := []media.Option{
		media.WithLogger(logging.Component(log, "media")),
		media.WithLookupRecorder(m.IncMediaLookups),
	}
	if repo != nil {
		resolverOpts = append(resolverOpts, media.WithCache(repo))
	}
	resolver := media.NewResolver(api, resolverOpts...)

	playerOpts := []playback.Option{
		playback.WithLogger(logging.Component(log, "player")),
		playback.WithRecorder(m),
	}
	if repo != nil {
		playerOpts = append(playerOpts, playback.WithPlayLog(repo))
	}
	if cfg.Geolocate {
		locator, err := playback.NewHTTPLocator(cfg.GeoURL, nil)
		if err != nil {
			return fmt.Errorf("init locator: %w", err)
		}
		playerOpts = append(playerOpts, playback.WithLocator(locator))
	}

	player := playback.New(api, resolver, playback.Config{
		StorePollInterval:   cfg.StorePollInterval,
		CityRefreshInterval: cfg.CityRefreshInterval,
		SlideInterval:       cfg.SlideInterval,
		FadeSettle:          cfg.FadeSettle,
		FadeInDelay:         cfg.FadeInDelay,
		GeoTimeout:          cfg.GeoTimeout,
		FetchTimeout:        cfg.FetchTimeout,
		RecommendationLimit: cfg.RecommendationLimit,
	}, playback.Query{
		StoreID:   cfg.StoreID,
		SignID:    cfg.SignID,
		City:      cfg.City,
		TargetID:  cfg.TargetID,
		Geolocate: cfg.Geolocate,
	}, playerOpts...)

	shutdownTracer, err := tracing.Init(ctx, tracing.WithInstanceID(player.ID()))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	dashboard := poller.New(api, poller.Config{
		StoreID:         cfg.DashboardStoreID,
		City:            cfg.City,
		WeatherInterval: cfg.WeatherPollInterval,
		FetchTimeout:    cfg.FetchTimeout,
	}, poller.WithLogger(logging.Component(log, "poller")), poller.WithRecorder(m))

	tree := supervisor.NewTree(log, supervisor.TreeConfig{ShutdownTimeout: shutdownTimeout})
	tree.AddPlaybackService(player)
	tree.AddPlaybackService(dashboard)

	if repo != nil {
		tree.AddPlaybackService(media.NewInvalidationListener(resolver, repo, logging.Component(log, "media"), m.IncMediaInvalidations))
		retention := repository.Retention{
			Store:    repo,
			MediaTTL: cfg.MediaCacheTTL,
			PlayTTL:  cfg.PlayRetention,
			Logger:   logging.Component(log, "retention"),
		}
		tree.AddStorageService(supervisor.NewPeriodicService("retention", cfg.PruneInterval, retention.Run, log))
	}

	handler, err := newControlHandler(cfg, log, m, player, dashboard, api, repo, tree)
	if err != nil {
		return err
	}
	tree.AddAPIService(supervisor.NewHTTPServerService("control-http",
		newHTTPServer(handler), supervisor.TCPListener(cfg.HTTPAddr), shutdownTimeout))

	health := server.NewHealthReporter(player, healthInterval)
	tree.AddAPIService(health)
	tree.AddAPIService(supervisor.NewGRPCServerService("grpc-health",
		server.NewGRPCServer(health, m, log), supervisor.TCPListener(cfg.GRPCAddr), shutdownTimeout))

	if cfg.StatusHostname != "" {
		ts, err := newTailnet(cfg, log)
		if err != nil {
			return err
		}
		defer ts.Close()
		tree.AddAPIService(supervisor.NewHTTPServerService("tailnet-http", newHTTPServer(handler),
			func() (net.Listener, error) { return ts.Listen("tcp", ":80") }, shutdownTimeout))
		log.Info("control API on tailnet", "hostname", cfg.StatusHostname)
	}

	log.Info("signcast started",
		"player_id", player.ID(),
		"mode", player.Query().Mode(),
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
	)

	err = tree.Serve(ctx)
	log.Info("signcast shutting down")
	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		log.Warn("services did not stop in time", "count", len(report))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	return nil
}

func newControlHandler(
	cfg config.Config,
	log *slog.Logger,
	m *metrics.Metrics,
	player *playback.Player,
	dashboard *poller.Poller,
	api *client.Client,
	repo *repository.PostgresRepository,
	tree *supervisor.Tree,
) (http.Handler, error) {
	opts := []server.Option{
		server.WithLogger(log),
		server.WithMetrics(m),
		server.WithRuleChecker(api),
		server.WithCheckRulesTimeout(cfg.FetchTimeout),
	}
	if repo != nil {
		opts = append(opts, server.WithPlayHistory(repo), server.WithDatabase(repo))
	}

	if cfg.ControlTokenHash == "" {
		log.Warn("CONTROL_TOKEN_HASH not set; control API is unauthenticated")
	} else {
		validator, err := middleware.NewTokenHashValidator(cfg.ControlTokenHash)
		if err != nil {
			return nil, fmt.Errorf("init control auth: %w", err)
		}
		limiter := middleware.NewRateLimiter(cfg.AuthRateLimit)
		tree.AddAPIService(limiter)
		opts = append(opts, server.WithAuth(validator,
			middleware.WithOnAuthFailure(m.IncAuthFailures),
			middleware.WithRateLimiter(limiter),
		))
	}

	return server.NewHTTPHandler(player, dashboard, opts...), nil
}

func newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           otelhttp.NewHandler(handler, "signcast-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
}

func newTailnet(cfg config.Config, log *slog.Logger) (*tsnet.Server, error) {
	if err := os.MkdirAll(cfg.TSStateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create ts-state dir: %w", err)
	}
	tsLog := logging.Component(log, "tailscale")
	return &tsnet.Server{
		Hostname: cfg.StatusHostname,
		AuthKey:  cfg.TSAuthKey,
		Dir:      cfg.TSStateDir,
		Logf:     func(format string, args ...any) { tsLog.Debug(fmt.Sprintf(format, args...)) },
	}, nil
}

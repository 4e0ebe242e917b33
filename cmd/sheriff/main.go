package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/sheriffbot/sheriff/internal/audit"
	"github.com/sheriffbot/sheriff/internal/chat"
	"github.com/sheriffbot/sheriff/internal/classifier"
	"github.com/sheriffbot/sheriff/internal/config"
	"github.com/sheriffbot/sheriff/internal/engine"
	"github.com/sheriffbot/sheriff/internal/messaging"
	"github.com/sheriffbot/sheriff/internal/metrics"
	"github.com/sheriffbot/sheriff/internal/persona"
	"github.com/sheriffbot/sheriff/internal/platform"
	"github.com/sheriffbot/sheriff/internal/ratelimit"
	"github.com/sheriffbot/sheriff/internal/strikes"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:   "sheriff",
		Usage:  "LLM-backed group chat moderation daemon",
		Flags:  config.Flags(),
		Action: runSheriff,
	}
	return app.Run(args)
}

func runSheriff(cctx *cli.Context) error {
	cfg, err := config.Load(cctx)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = "sheriff"
	nc, err := messaging.NewNATSClient(natsCfg, logger)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	var (
		store   strikes.Store = strikes.NewMemStore()
		limiter engine.NotifyLimiter
	)
	if cfg.RedisURL != "" {
		rdb, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		store = strikes.NewRedisStore(rdb)
		limiter = ratelimit.NewLimiter(rdb, logger)
	} else {
		logger.Warn("no redis configured, strikes are kept in memory and notifications are not rate limited")
	}
	ledger := strikes.NewLedger(store, cfg.StrikeWindow, strikes.WithLogger(logger))

	var recorder engine.AuditRecorder
	if cfg.DatabaseURL != "" {
		db, err := openAudit(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		recorder = audit.NewStore(db)
	}

	cls, err := classifier.New(cfg.Classifier, logger)
	if err != nil {
		return err
	}
	pingCtx, cancelPing := context.WithTimeout(ctx, 10*time.Second)
	err = cls.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return fmt.Errorf("inference backend %s unreachable: %w", cfg.Classifier.BaseURL, err)
	}
	responder, err := persona.New(cfg.Persona, cls, logger)
	if err != nil {
		return err
	}

	deps := engine.Deps{
		Classifier: cls,
		Ledger:     ledger,
		Platform:   platform.NewNATS(nc, 10*time.Second),
		Notifier:   responder,
		History:    chat.NewMessageBuffer(chat.DefaultBufferMessages),
		Audit:      recorder,
		Feed:       nc,
		Limiter:    limiter,
		Logger:     logger,
	}
	eng, err := engine.New(cfg.Engine, deps)
	if err != nil {
		return err
	}

	consumer := engine.NewConsumer(eng, cfg.Consumer, logger)
	if err := consumer.Start(nc); err != nil {
		return fmt.Errorf("subscribe to platform events: %w", err)
	}
	if err := engine.NewAdmin(ledger, logger).Register(nc); err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsListen,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("sheriff running",
		"nats", cfg.NATSURL,
		"text_model", cfg.Classifier.TextModel,
		"vision_model", cfg.Classifier.VisionModel,
		"image_mode", cfg.Classifier.ImageMode,
		"persona", cfg.Engine.Persona,
		"thresholds", cfg.Engine.Policy.Table.String(),
		"fail_mode", cfg.Engine.Policy.FailMode,
		"strike_window", cfg.StrikeWindow,
		"workers", cfg.Consumer.Workers,
		"redis", cfg.RedisURL != "",
		"audit", cfg.DatabaseURL != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics listening", "addr", cfg.MetricsListen)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		nc.StopSubscriptions()
		if err := consumer.Close(shutdownCtx); err != nil {
			logger.Warn("consumer did not drain", "err", err, "pending", consumer.Pending())
		}
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

func openAudit(ctx context.Context, url string) (*sql.DB, error) {
	if err := audit.Migrate(url); err != nil {
		return nil, err
	}
	return audit.Open(ctx, url)
}

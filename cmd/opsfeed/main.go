package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/sheriffbot/sheriff/internal/config"
	"github.com/sheriffbot/sheriff/internal/messaging"
	"github.com/sheriffbot/sheriff/internal/opsfeed"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:   "opsfeed",
		Usage:  "moderator console: live enforcement feed and strike management",
		Flags:  config.FeedFlags(),
		Action: runFeed,
	}
	return app.Run(args)
}

func runFeed(cctx *cli.Context) error {
	cfg, err := config.LoadFeed(cctx)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Name = "sheriff-opsfeed"
	nc, err := messaging.NewNATSClient(natsCfg, logger)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	conns := opsfeed.NewRegistry()
	feed := opsfeed.NewFeed(conns, opsfeed.NewNATSBackend(nc), logger)

	srvCfg := opsfeed.DefaultConfig()
	srvCfg.ListenAddr = cfg.ListenAddr
	srvCfg.Token = cfg.Token
	srvCfg.MaxConnections = cfg.MaxConnections
	server := opsfeed.NewServer(srvCfg, conns, feed, logger)

	if err := nc.SubscribeAudit(feed.Publish); err != nil {
		return fmt.Errorf("subscribe to audit stream: %w", err)
	}
	if cfg.Token == "" {
		logger.Warn("no token configured, the console is open to anyone who can reach it")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/anychat/internal/agent"
	"github.com/MikeSquared-Agency/anychat/internal/api"
	"github.com/MikeSquared-Agency/anychat/internal/backfill"
	"github.com/MikeSquared-Agency/anychat/internal/capturelog"
	"github.com/MikeSquared-Agency/anychat/internal/collector"
	"github.com/MikeSquared-Agency/anychat/internal/config"
	"github.com/MikeSquared-Agency/anychat/internal/dedup"
	"github.com/MikeSquared-Agency/anychat/internal/delivery"
	"github.com/MikeSquared-Agency/anychat/internal/hermes"
	"github.com/MikeSquared-Agency/anychat/internal/store"
	"github.com/MikeSquared-Agency/anychat/internal/surface"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("anychat starting", "addr", cfg.Addr(), "log_path", cfg.LogPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Capture log + dedup index
	logWriter := capturelog.NewWriter(cfg.LogPath)
	defer logWriter.Close()

	var opts []collector.Option
	var db *store.Store

	// Postgres mirror (optional)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			slog.Error("failed to prepare database", "error", err)
			os.Exit(1)
		}
		opts = append(opts, collector.WithMirror(db))
		slog.Info("database mirror enabled")
	}

	// NATS/Hermes (optional)
	if cfg.NatsURL != "" {
		hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer hermesClient.Close()
		opts = append(opts, collector.WithPublisher(hermesClient, hermes.SubjectCaptureMerged))
		slog.Info("NATS connected", "url", cfg.NatsURL)
	}

	col := collector.New(logWriter, dedup.NewIndex(), slog.Default(), opts...)
	seeded, err := col.Seed(cfg.LogPath)
	if err != nil {
		slog.Warn("failed to replay capture log", "error", err)
	}
	slog.Info("dedup index seeded", "lines", seeded)

	g, gctx := errgroup.WithContext(ctx)

	// HTTP capture server
	var apiOpts []api.Option
	if db != nil {
		apiOpts = append(apiOpts, api.WithArchive(db))
	}
	srv := api.NewServer(cfg.Addr(), col, slog.Default(), apiOpts...)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	// Catch the mirror up with lines written while it was unavailable
	if db != nil {
		runner := backfill.NewRunner(backfill.Config{
			LogPath:   cfg.LogPath,
			StatePath: cfg.BackfillStatePath,
		}, db, slog.Default())
		g.Go(func() error {
			if _, err := runner.Run(gctx); err != nil && gctx.Err() == nil {
				slog.Warn("mirror backfill failed", "error", err)
			}
			return nil
		})
	}

	// Delivery channels shared by every surface
	scheme := delivery.NewScheme(cfg.Scheme, api.SchemeHandler(col, slog.Default()))
	loopback := delivery.NewHTTP(cfg.BaseURL(), 0)
	drainer := surface.NewDrainer(delivery.NewBeacon(cfg.BaseURL(), 0), slog.Default())

	// Browser surfaces (optional: without Chrome the server still accepts captures)
	host, err := surface.Connect(ctx, cfg.ChromeDebuggerURL, slog.Default())
	if err != nil {
		slog.Warn("browser unavailable, running capture server only", "error", err)
	} else {
		defer host.Close()
		agentCfg := agent.DefaultConfig()
		agentCfg.FlushInterval = cfg.FlushInterval
		agentCfg.Debounce = cfg.Debounce

		for i, serviceURL := range cfg.Services {
			id := "main"
			direct := delivery.NewDirect(col.Direct)
			if i > 0 {
				id = fmt.Sprintf("service-%d", i)
				direct = delivery.NewDirect(nil)
			}
			if err := startSurface(gctx, g, host, drainer, id, serviceURL, agentCfg,
				delivery.NewChain(slog.Default(), direct, scheme, loopback)); err != nil {
				slog.Error("failed to open surface", "surface", id, "url", serviceURL, "error", err)
			}
		}
	}

	if err := drainer.Start(gctx, cfg.DrainSchedule); err != nil {
		slog.Error("failed to start beacon drainer", "error", err)
		os.Exit(1)
	}
	defer drainer.Stop()

	slog.Info("anychat ready", "addr", cfg.Addr(), "services", len(cfg.Services))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-sigCh:
			slog.Info("shutting down")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("anychat stopped with error", "error", err)
		return
	}
	slog.Info("anychat stopped", "merged", col.Stats().Merged)
}

func startSurface(ctx context.Context, g *errgroup.Group, host *surface.Host, drainer *surface.Drainer,
	id, serviceURL string, cfg agent.Config, chain *delivery.Chain) error {
	page, err := host.Open(ctx, id)
	if err != nil {
		return err
	}
	logger := slog.Default().With("surface", id)
	a, err := agent.New(cfg, serviceURL, chain, logger)
	if err != nil {
		return err
	}

	wait, err := page.Watch(ctx, a)
	if err != nil {
		return err
	}
	g.Go(func() error {
		wait()
		return nil
	})
	g.Go(func() error {
		a.Run(ctx, page.Snapshot)
		return nil
	})
	drainer.Bind(page, a)

	if err := page.Navigate(ctx, serviceURL); err != nil {
		return err
	}
	logger.Info("surface opened", "url", serviceURL, "adapter", a.Kind().String(), "channels", chain.Names())
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

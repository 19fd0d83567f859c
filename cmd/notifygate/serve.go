package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/notify-gate/internal/clock"
	"github.com/tbourn/notify-gate/internal/config"
	httpapi "github.com/tbourn/notify-gate/internal/http"
	"github.com/tbourn/notify-gate/internal/observability"
	"github.com/tbourn/notify-gate/internal/queue"
	"github.com/tbourn/notify-gate/internal/repo"
	"github.com/tbourn/notify-gate/internal/services"
	"github.com/tbourn/notify-gate/internal/watch"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, delivery queue, and kill-switch watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(db)
	gin.SetMode(cfg.GinMode)

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown")
		}
	}()
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			return fmt.Errorf("gorm tracing: %w", err)
		}
	}

	settings, err := cfg.Settings()
	if err != nil {
		return err
	}

	ms, err := openMarkers(cfg.Marker)
	if err != nil {
		return err
	}
	if ms != nil {
		defer func() { _ = ms.Close() }()
	}

	clk := clock.System{}
	gate, recorder := services.Assemble(db, clk, gateMarkers(ms), settings)
	q := queue.New(queueConfig(cfg.Queue), queue.LogSender{}, recorder, queue.AuditDeadLetters(db, clk))

	r := gin.New()
	httpapi.RegisterRoutes(r, db, httpapi.App{Gate: gate, Recorder: recorder, Queue: q}, cfg)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	var sentinel *watch.SentinelWatcher
	if path := cfg.Gate.KillSwitchFile; path != "" {
		sentinel, err = watch.NewSentinelWatcher(path, gate.Startup)
		if err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		defer func() { _ = sentinel.Stop() }()
	}

	// The queue keeps its own context so queued jobs drain after the
	// listener stops; it is canceled only if draining overruns.
	qctx, cancelQueue := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelQueue()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(qctx) })
	g.Go(func() error {
		gate.Startup.WaitGrace(gctx)
		return nil
	})
	if sentinel != nil {
		g.Go(func() error {
			sentinel.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Dur("grace", settings.GracePeriod).Msg("notifygate listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)

		q.Close()
		time.AfterFunc(shutdownTimeout, cancelQueue)
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Int("undelivered", q.Len()).Msg("stopped")
	return nil
}

func queueConfig(c config.QueueConfig) queue.Config {
	return queue.Config{
		Workers:        c.Workers,
		MaxAttempts:    uint(c.MaxAttempts),
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
	}
}

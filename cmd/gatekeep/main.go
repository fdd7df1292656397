// Gatekeep — organizational authorization engine daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/d9705996/gatekeep/internal/config"
	"github.com/d9705996/gatekeep/internal/db"
	"github.com/d9705996/gatekeep/internal/health"
	"github.com/d9705996/gatekeep/internal/jobs"
	"github.com/d9705996/gatekeep/internal/link"
	"github.com/d9705996/gatekeep/internal/observability"
	"github.com/d9705996/gatekeep/internal/version"
	"github.com/d9705996/gatekeep/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability -------------------------------------------------------
	obs, log, err := observability.New(ctx, &observability.Config{
		ServiceName:    "gatekeep",
		ServiceVersion: version.Version,
		LogLevel:       cfg.Log.Level,
		LogFormat:      cfg.Log.Format,
		OTLPEndpoint:   cfg.OTel.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer obs.Shutdown(context.Background())
	slog.SetDefault(log)
	log.Info("starting gatekeep", "version", version.Version, "commit", version.Commit, "db_driver", cfg.DB.Driver)

	// --- Database ------------------------------------------------------------
	// db.New opens the connection, runs migrations (AutoMigrate for SQLite,
	// golang-migrate for Postgres), and returns the GORM handle plus an
	// optional pgxpool (non-nil only for postgres, used by River).
	gormDB, pool, err := db.New(ctx, &cfg.DB)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if pool != nil {
		defer pool.Close()
	}
	log.Info("database ready", "driver", cfg.DB.Driver)

	// --- Worker queue --------------------------------------------------------
	// The handlers close over the link store, which itself holds the queue;
	// the store variable is assigned right after the queue is built.
	if pool != nil {
		if err := worker.MigrateRiver(ctx, pool); err != nil {
			return fmt.Errorf("river migrations: %w", err)
		}
		log.Info("river migrations applied")
	}

	var links *link.Store
	handlers := worker.Handlers{
		Cascade: func(ctx context.Context, a jobs.CascadeRemovalArgs) error {
			return links.CascadeRemove(ctx, a.UserID, a.OrgID)
		},
		Deferred: func(ctx context.Context, a jobs.DeferredLinkArgs) error {
			return links.ApplyDeferred(ctx, a)
		},
		Notify: func(_ context.Context, a jobs.NotifyArgs) error {
			// Delivery belongs to the notification collaborator; this
			// worker only surfaces the event.
			log.Info("relationship event", "event", a.Event, "user", a.UserID, "org", a.OrgID)
			return nil
		},
	}

	wq, err := worker.New(ctx, pool, cfg.DB.Driver, cfg.Worker.Concurrency, handlers, log)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	links = link.NewStore(gormDB, wq, log)

	if err := wq.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := wq.Stop(stopCtx); err != nil {
			log.Error("worker stop error", "err", err)
		}
	}()

	// --- Operational HTTP routes ---------------------------------------------
	healthHandler := health.New(db.NewPinger(gormDB))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.ServeHealth)
	mux.HandleFunc("GET /ready", healthHandler.ServeReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Start server --------------------------------------------------------
	log.Info("http server listening", "addr", srv.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server stopped cleanly")
	return nil
}

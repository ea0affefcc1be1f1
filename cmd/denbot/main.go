// Command denbot hosts automated raid dens: it drives one or more consoles
// through seed injection, den hosting, and battle resolution, and serves the
// operator HTTP API.
//
// Usage:
//
//	denbot -config denbot.yaml
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/veldt/denbot/catalog"
	"github.com/veldt/denbot/coords"
	"github.com/veldt/denbot/dbopen"
	"github.com/veldt/denbot/den"
	"github.com/veldt/denbot/events"
	"github.com/veldt/denbot/httpapi"
	"github.com/veldt/denbot/pool"
	"github.com/veldt/denbot/queue"
)

func main() {
	configPath := flag.String("config", "denbot.yaml", "path to denbot.yaml config file")
	logLevel := flag.String("log-level", "", "log level override: debug, info, warn, error")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *logLevel); err != nil {
		slog.Error("denbot: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, logLevel string) error {
	cfg, err := pool.LoadConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	db, err := dbopen.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	store := events.NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("prepare database: %w", err)
	}

	if cfg.CoordsFile == "" {
		return errors.New("coords_file is required")
	}
	crd, err := coords.NewFileSource(cfg.CoordsFile, logger)
	if err != nil {
		return fmt.Errorf("load den coordinates: %w", err)
	}

	q := queue.New(queue.Options{
		GlobalCap:  cfg.Queue.GlobalCap,
		PerUserCap: cfg.Queue.PerUserCap,
		Logger:     logger,
	})
	if cfg.CatalogFile != "" {
		if err := seedFromCatalog(q, cfg.CatalogFile, logger); err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
	}

	sup, err := pool.New(*cfg, pool.Deps{
		Queue:  q,
		Coords: crd,
		Dens:   den.Default(),
		Events: store,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	httpapi.New(sup, q, store, logger).RegisterHTTP(r)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error {
		logger.Info("denbot: http listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return retentionLoop(gctx, db, cfg.Retention.Retention(), logger) })

	logger.Info("denbot: started", "sessions", len(cfg.Sessions))
	return g.Wait()
}

// seedFromCatalog queues every catalog entry as background filler. Caps are
// not fatal here: a catalog bigger than the queue just fills it.
func seedFromCatalog(q *queue.Q, path string, logger *slog.Logger) error {
	entries, err := catalog.ParseFile(path)
	if err != nil {
		return err
	}
	queued := 0
	for _, e := range entries {
		err := q.Enqueue(&queue.Request{
			Requester: "catalog",
			Origin:    "catalog",
			Seed:      e.Seed,
			Species:   e.Species,
			Stars:     e.Stars,
			Progress:  e.Progress,
			Priority:  queue.PriorityFiller,
		})
		var full *queue.QueueFullError
		if errors.As(err, &full) {
			break
		}
		if err != nil {
			return err
		}
		queued++
	}
	logger.Info("denbot: catalog loaded", "path", path, "queued", queued, "entries", len(entries))
	return nil
}

// retentionLoop prunes old event rows once a day.
func retentionLoop(ctx context.Context, db *sql.DB, retention events.RetentionConfig, logger *slog.Logger) error {
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := events.Cleanup(ctx, db, retention); err != nil {
				logger.Warn("denbot: event cleanup failed", "error", err)
			}
		}
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"

	"github.com/deidaraiorek/offlinesite/internal/cachestore"
	"github.com/deidaraiorek/offlinesite/internal/config"
	"github.com/deidaraiorek/offlinesite/internal/fetcher"
	"github.com/deidaraiorek/offlinesite/internal/logging"
	"github.com/deidaraiorek/offlinesite/internal/notify"
	"github.com/deidaraiorek/offlinesite/internal/router"
	"github.com/deidaraiorek/offlinesite/internal/scheduler"
	"github.com/deidaraiorek/offlinesite/internal/search"
	"github.com/deidaraiorek/offlinesite/internal/server"
	"github.com/deidaraiorek/offlinesite/internal/status"
	"github.com/deidaraiorek/offlinesite/internal/storage"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	logLevel   string

	cfg            *config.Config
	loggingCleanup func()
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warmer",
		Short: "Serve a site with an offline response cache and keep it warm",
		Long: `warmer proxies an origin through a response cache. Pages and assets
listed in the origin's offline manifest are fetched ahead of time so the
site keeps working when the network does not.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if loggingCleanup != nil {
				loggingCleanup()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the YAML config file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	cmd.AddCommand(newServeCmd(), newWarmCmd(), newClearCmd(), newStatusCmd())
	return cmd
}

// setup loads the configuration, applies flag overrides and installs the
// default logger.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}

	flags := cmd.Flags()
	if flags.Changed("origin") {
		loaded.Origin, _ = flags.GetString("origin")
	}
	if flags.Changed("listen") {
		loaded.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("workers") {
		loaded.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("data-dir") {
		loaded.DataDir, _ = flags.GetString("data-dir")
	}

	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, cleanup, err := logging.Setup(loaded.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg = loaded
	loggingCleanup = cleanup
	return nil
}

// app holds the stores and services every subcommand works with.
type app struct {
	cache  *cachestore.Store
	status *status.Store
	hub    *notify.Hub
	fetch  *fetcher.Fetcher
	sched  *scheduler.Scheduler
}

func openApp() (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}

	cache, err := cachestore.New(cfg.CachePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open response cache: %w", err)
	}
	statusStore, err := status.New(cfg.CachePath())
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("failed to open status store: %w", err)
	}

	a := &app{
		cache:  cache,
		status: statusStore,
		hub:    notify.NewHub(),
		fetch: fetcher.New(fetcher.Options{
			UserAgent:     cfg.UserAgent,
			RespectRobots: cfg.RespectRobots,
		}),
	}
	a.sched = scheduler.New(a.cache, a.status, a.fetch, a.hub, &scheduler.Config{
		Origin:        origin,
		ManifestURL:   cfg.ManifestURL,
		Workers:       cfg.Workers,
		ProgressEvery: cfg.ProgressEvery,
		OfflinePage:   cfg.OfflinePage,
		LockPath:      cfg.LockPath(),
	})
	return a, nil
}

func (a *app) Close() {
	a.status.Close()
	a.cache.Close()
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the offline proxy and warm the cache in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
	cmd.Flags().String("origin", "", "Origin to proxy and warm")
	cmd.Flags().String("listen", "", "Address to listen on")
	cmd.Flags().Int("workers", 0, "Concurrent warm-up fetches")
	cmd.Flags().String("data-dir", "", "Directory holding the cache and index databases")
	return cmd
}

func runServe(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	origin, _ := cfg.OriginURL()
	proxy, err := router.New(a.cache, a.fetch, a.hub, router.Config{
		Origin:      origin,
		Rules:       cfg.Rules(),
		OfflinePage: cfg.OfflinePage,
	})
	if err != nil {
		return err
	}
	defer proxy.Wait()

	index, err := storage.NewIndexDB(cfg.IndexPath())
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer index.Close()

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: server.New(server.Options{
			Proxy:    proxy,
			Status:   a.status,
			Warmer:   a.sched,
			Searcher: search.NewEngine(index),
			Hub:      a.hub,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Event streams never finish on their own.
	srv.RegisterOnShutdown(a.hub.Close)

	defer a.sched.Shutdown()
	a.sched.Start(ctx)

	if cfg.RewarmInterval > 0 {
		jobs, err := gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("failed to create re-warm scheduler: %w", err)
		}
		if _, err := jobs.NewJob(gocron.DurationJob(cfg.RewarmInterval), gocron.NewTask(func() {
			a.sched.Start(slogctx.Append(ctx, "trigger", "rewarm"))
		})); err != nil {
			return fmt.Errorf("failed to create re-warm job: %w", err)
		}
		jobs.Start()
		defer jobs.Shutdown()
	}

	errCh := make(chan error, 1)
	go func() {
		slogctx.Info(ctx, "offline proxy listening", "addr", cfg.Listen, "origin", cfg.Origin)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slogctx.Info(ctx, "shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newWarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Run one cache warm-up in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.sched.Warm(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cached %d of %d urls (%d fresh, %d already cached, %d failed)\n",
				result.Cached(), result.Total, result.Fresh, result.AlreadyCached, result.Failed)
			return nil
		},
	}
	cmd.Flags().String("origin", "", "Origin to warm")
	cmd.Flags().Int("workers", 0, "Concurrent fetches")
	cmd.Flags().String("data-dir", "", "Directory holding the cache database")
	return cmd
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Empty the response cache and reset the warm-up status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.sched.Clear(cmd.Context())
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the warm-up status record and cache size as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.status.Get(cmd.Context())
			if err != nil {
				return err
			}
			stored, err := a.cache.Count(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				status.Record
				StoredResponses int `json:"storedResponses"`
			}{rec, stored})
		},
	}
}

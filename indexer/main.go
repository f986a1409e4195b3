package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"

	"github.com/deidaraiorek/offlinesite/internal/cachestore"
	"github.com/deidaraiorek/offlinesite/internal/config"
	"github.com/deidaraiorek/offlinesite/internal/indexer"
	"github.com/deidaraiorek/offlinesite/internal/ingest"
	"github.com/deidaraiorek/offlinesite/internal/logging"
	"github.com/deidaraiorek/offlinesite/internal/search"
	"github.com/deidaraiorek/offlinesite/internal/storage"
)

const (
	totalDocumentsKey = "total_documents"
	lastIngestKey     = "last_ingested_at"
)

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
		Use:               "indexer",
		Short:             "Maintain and query the offline full-text index",
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

	cmd.AddCommand(newUpsertCmd(), newDeleteCmd(), newSearchCmd(), newIngestCmd(), newStatsCmd())
	return cmd
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
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

func openIndex() (*storage.IndexDB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := storage.NewIndexDB(cfg.IndexPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	return db, nil
}

func newUpsertCmd() *cobra.Command {
	var title, body, bodyFile, parentTitle string

	cmd := &cobra.Command{
		Use:   "upsert <url>",
		Short: "Add or replace one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bodyFile != "" {
				data, err := readBody(bodyFile, cmd.InOrStdin())
				if err != nil {
					return err
				}
				body = string(data)
			}

			db, err := openIndex()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := slogctx.Append(cmd.Context(), "url", args[0])
			if err := indexer.NewMaintainer(db).Upsert(ctx, args[0], title, body, parentTitle); err != nil {
				return err
			}
			slogctx.Info(ctx, "document indexed")
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Document title")
	cmd.Flags().StringVar(&body, "body", "", "Document body text")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "Read the body from a file, or - for stdin")
	cmd.Flags().StringVar(&parentTitle, "parent-title", "", "Title of the enclosing section")
	return cmd
}

func readBody(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <url-prefix>",
		Short: "Remove every document whose URL starts with the prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openIndex()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := slogctx.Append(cmd.Context(), "prefix", args[0])
			if err := indexer.NewMaintainer(db).Delete(ctx, args[0]); err != nil {
				return err
			}
			slogctx.Info(ctx, "documents deleted")
			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Run a query and print the results as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openIndex()
			if err != nil {
				return err
			}
			defer db.Close()

			resp, err := search.NewEngine(db).Search(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Index every HTML page held in the response cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			db, err := openIndex()
			if err != nil {
				return err
			}
			defer db.Close()

			cache, err := cachestore.New(cfg.CachePath())
			if err != nil {
				return fmt.Errorf("failed to open response cache: %w", err)
			}
			defer cache.Close()

			start := time.Now()
			stats, err := ingest.New(cache, indexer.NewMaintainer(db)).Run(ctx)
			if err != nil {
				return err
			}
			if err := db.SetMetadata(ctx, lastIngestKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d of %d cached pages in %s (%d skipped, %d removed)\n",
				stats.Indexed, stats.Pages, time.Since(start).Round(time.Millisecond), stats.Skipped, stats.Removed)
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			db, err := openIndex()
			if err != nil {
				return err
			}
			defer db.Close()

			docs, err := db.GetDocumentCount(ctx)
			if err != nil {
				return err
			}
			postings, err := db.GetPostingCount(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "documents: %d\n", docs)
			fmt.Fprintf(out, "postings:  %d\n", postings)
			for _, key := range []string{totalDocumentsKey, "index_version", lastIngestKey} {
				value, err := db.GetMetadata(ctx, key)
				if errors.Is(err, storage.ErrNotFound) {
					value = "never"
				} else if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %s\n", key, value)
			}
			return nil
		},
	}
}

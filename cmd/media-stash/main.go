package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pavel-fokin/media-stash/internal/fs"
	"github.com/pavel-fokin/media-stash/internal/media"
	"github.com/pavel-fokin/media-stash/internal/page"
	"github.com/pavel-fokin/media-stash/internal/server"
	"github.com/pavel-fokin/media-stash/internal/sqlite"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &server.Config{}

	rootCmd := &cobra.Command{
		Use:          "media-stash",
		Short:        "Media upload, processing and retrieval service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			if err := env.Parse(cfg); err != nil {
				return fmt.Errorf("failed to parse config: %w", err)
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: cfg.LogLevel,
			})))
			return nil
		},
	}

	rootCmd.AddCommand(newServeCmd(cfg), newListCmd(cfg), newHistoryCmd(cfg))
	return rootCmd
}

func newServeCmd(cfg *server.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *server.Config) error {
	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", srv.Addr, "data_dir", cfg.DataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func newListCmd(cfg *server.Config) *cobra.Command {
	var (
		typ, sort, search string
		pageNum, limit    int
		asJSON            bool
	)

	cmd := &cobra.Command{
		Use:     "ls",
		Short:   "List stored media",
		Example: "  media-stash ls --type image --sort size --limit 20",
		RunE: func(cmd *cobra.Command, args []string) error {
			var t media.Type
			if typ != "" {
				parsed, err := media.ParseType(typ)
				if err != nil {
					return err
				}
				t = parsed
			}
			s, err := media.ParseSort(sort)
			if err != nil {
				return err
			}

			layout, err := cfg.Layout()
			if err != nil {
				return err
			}
			catalog := media.NewCatalog(fs.NewStorage(layout), media.Links{BaseURL: cfg.BaseURL}, slog.Default())
			records, err := catalog.List(cmd.Context(), media.Query{Type: t, Sort: s, Search: search})
			if err != nil {
				return err
			}

			result := page.Paginate(records, pageNum, limit)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			return writeTable(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVarP(&typ, "type", "t", "", "Media type (image, video, audio, pdf, doc)")
	cmd.Flags().StringVarP(&sort, "sort", "s", "newest", "Sort order (newest, oldest, name, size, type)")
	cmd.Flags().StringVarP(&search, "search", "q", "", "Case-insensitive filename filter")
	cmd.Flags().IntVarP(&pageNum, "page", "p", 1, "Page number")
	cmd.Flags().IntVarP(&limit, "limit", "l", 10, "Items per page")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the page as JSON")
	return cmd
}

func newHistoryCmd(cfg *server.Config) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent uploads and deletions",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := sqlite.NewRepository(cfg.DatabasePath())
			if err != nil {
				return err
			}
			defer repo.Close()

			events, err := repo.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tACTION\tTYPE\tFILENAME\tSIZE")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", e.At.Local().Format(time.DateTime), e.Action, e.Type, e.Filename, e.Size)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Number of events")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, result page.Result[media.Record]) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tFILENAME\tSIZE\tCREATED")
	for _, r := range result.Items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.Type, r.Filename, r.Size, r.Created.Local().Format(time.DateTime))
	}
	fmt.Fprintf(tw, "\npage %d of %d, %d total\n", result.Page, max(result.Pages, 1), result.Total)
	return tw.Flush()
}

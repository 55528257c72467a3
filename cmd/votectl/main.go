package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"awards-be/internal/config"
	"awards-be/internal/container"
	"awards-be/internal/domain"
	"awards-be/pkg/logger"
)

// app is built lazily so --help never touches the database
type app struct {
	logLevel string
	c        *container.Container
}

func (a *app) open(ctx context.Context, migrate bool) (*container.Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if migrate {
		cfg.AutoMigrate = true
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	c, err := container.New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.c = c
	return c, nil
}

func (a *app) close() {
	if a.c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.c.Close(ctx)
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "votectl",
		Short:         "Operate the awards vote pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		migrateCmd(a),
		seedCmd(a),
		dispatchCmd(a),
		outboxCmd(a),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		a.close()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables and indexes in the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.open(cmd.Context(), true); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func seedCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load categories and nominations from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := loadSeed(file)
			if err != nil {
				return err
			}
			c, err := a.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			if err := applySeed(cmd.Context(), c.Repositories.Ledger, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d categories, %d nominations\n",
				len(data.Categories), len(data.Nominations))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "seed.json", "seed file")
	return cmd
}

func dispatchCmd(a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver pending outbox entries",
		Long: "Runs the outbox dispatcher in the foreground. With --once it drains\n" +
			"every entry that is currently due and exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			if !once {
				return c.Dispatcher.Run(cmd.Context())
			}

			total := 0
			for {
				n, err := c.Dispatcher.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				total += n
				if n < c.Config.OutboxBatchSize {
					break
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d entries\n", total)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "drain due entries and exit")
	return cmd
}

func outboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair the outbox",
	}

	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List entries that exhausted their delivery attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			entries, err := c.Services.Admin.ListFailedOutbox(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printEntries(cmd, entries)
		},
	}
	failed.Flags().IntVar(&limit, "limit", 100, "maximum entries to list")

	requeue := &cobra.Command{
		Use:   "requeue <id>...",
		Short: "Move failed entries back to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := c.Services.Admin.RequeueOutbox(cmd.Context(), id); err != nil {
					return fmt.Errorf("requeue %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
			}
			return nil
		},
	}

	var asJSON bool
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count entries per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			counts, err := c.Repositories.Outbox.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(counts)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STATUS\tCOUNT")
			for _, s := range []domain.OutboxStatus{domain.OutboxPending, domain.OutboxProcessing, domain.OutboxDone, domain.OutboxFailed} {
				fmt.Fprintf(tw, "%s\t%d\n", s, counts[s])
			}
			return tw.Flush()
		},
	}
	stats.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	cmd.AddCommand(failed, requeue, stats)
	return cmd
}

func printEntries(cmd *cobra.Command, entries []*domain.OutboxEntry) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEVENT\tAGGREGATE\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.EventType, e.AggregateID, e.Attempts,
			e.UpdatedAt.Format(time.RFC3339), truncate(e.LastError, 80))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

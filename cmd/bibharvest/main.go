package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"bibharvest/internal/app"
	"bibharvest/internal/config"
	"bibharvest/internal/infrastructure/scheduler"
	"bibharvest/internal/logging"
	"bibharvest/internal/progress"
	"bibharvest/internal/usecase"
)

var (
	flagConfig string
	flagResume bool
	flagFresh  bool
	flagEvery  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "bibharvest",
	Short: "Resilient incremental harvester for federation publication records",
	Long: `bibharvest walks each member organization's listing on the remote
content platform, fetches and classifies publication records, and downloads
their attachments. Runs are rate limited, circuit broken, and checkpointed
so an interrupted harvest resumes where it stopped.`,
}

func main() {
	// Local .env overrides are optional; absence is not an error.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config.yaml (defaults to BIBHARVEST_CONFIG or built-ins)")
	rootCmd.AddCommand(harvestCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(orgsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	if flagConfig != "" {
		return config.LoadPath(flagConfig)
	}
	return config.Load()
}

func harvestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Run a harvest (one-shot by default, recurring with --every)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := loadConfig()
			logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

			runOnce := func(ctx context.Context, resume bool) error {
				application, err := app.New(ctx, cfg, logger, app.RunOptions{Resume: resume, Fresh: flagFresh})
				if err != nil {
					return err
				}
				defer application.Close()

				sum, err := application.Harvest(ctx)
				switch {
				case errors.Is(err, usecase.ErrRunHalted):
					fmt.Fprintf(os.Stderr, "harvest %s halted at %s (%d/%d): upstream unavailable, re-run with --resume\n",
						sum.RunID, sum.Phase, sum.Processed, sum.Total)
					return err
				case errors.Is(err, context.Canceled):
					fmt.Fprintf(os.Stderr, "harvest %s interrupted, checkpoint saved, re-run with --resume\n", sum.RunID)
					return err
				case err != nil:
					return err
				}

				printSummary(sum)
				return nil
			}

			if flagEvery <= 0 {
				return runOnce(ctx, flagResume)
			}

			// Recurring mode: the first pass honors --resume, later passes
			// always continue whatever checkpoint the previous one left.
			sched := scheduler.NewIntervalScheduler(flagEvery)
			first := true
			err := sched.Start(ctx, func(time.Time) {
				resume := flagResume || !first
				first = false
				if err := runOnce(ctx, resume); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("scheduled harvest failed", "error", err)
				}
			})
			if err != nil {
				return err
			}
			<-ctx.Done()
			return sched.Stop(context.Background())
		},
	}
	cmd.Flags().BoolVar(&flagResume, "resume", false, "continue an interrupted run from its checkpoint")
	cmd.Flags().BoolVar(&flagFresh, "fresh", false, "discard any existing checkpoint and start over")
	cmd.Flags().DurationVar(&flagEvery, "every", 0, "re-run on this interval (e.g. 6h); 0 runs once")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current run's phase and progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			application, err := app.New(cmd.Context(), cfg, logging.New("error", cfg.Logging.Format), app.RunOptions{})
			if err != nil {
				return err
			}
			defer application.Close()

			report, err := application.Status(cmd.Context())
			if errors.Is(err, progress.ErrNoCheckpoint) {
				fmt.Println("no harvest has run yet")
				return nil
			}
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendRow(table.Row{"Run", report.RunID})
			tw.AppendRow(table.Row{"Phase", report.Phase})
			tw.AppendRow(table.Row{"Progress", fmt.Sprintf("%d/%d", report.Processed, report.Total)})
			tw.AppendRow(table.Row{"Skipped", report.Skipped})
			tw.AppendRow(table.Row{"Failed", report.Failed})
			tw.AppendRow(table.Row{"Breaker", report.Breaker})
			tw.AppendRow(table.Row{"Elapsed", report.Elapsed.Round(time.Second)})
			tw.AppendRow(table.Row{"Last saved", report.LastSaved.Format(time.RFC3339)})
			if report.LastRecord != "" {
				tw.AppendRow(table.Row{"Last record", report.LastRecord})
			}
			tw.Render()

			if len(report.RecentErrors) > 0 {
				fmt.Println("\nrecent errors:")
				for _, e := range report.RecentErrors {
					fmt.Printf("  %s %s: %s\n", e.At.Format(time.RFC3339), e.RecordID, e.Message)
				}
			}
			return nil
		},
	}
}

func orgsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orgs",
		Short: "Show stored publication counts per organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			application, err := app.New(cmd.Context(), cfg, logging.New("error", cfg.Logging.Format), app.RunOptions{})
			if err != nil {
				return err
			}
			defer application.Close()

			counts, err := application.Store().CountsByOrganization(cmd.Context())
			if err != nil {
				return err
			}
			unclassified, err := application.Store().CountUnclassified(cmd.Context())
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Organization", "Publications"})
			for _, org := range cfg.Members() {
				tw.AppendRow(table.Row{org.Name, counts[org.ID]})
			}
			tw.AppendRow(table.Row{"(unclassified)", unclassified})
			tw.Render()
			return nil
		},
	}
}

func printSummary(sum usecase.Summary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"Run", sum.RunID})
	tw.AppendRow(table.Row{"Processed", sum.Processed})
	tw.AppendRow(table.Row{"Skipped", sum.Skipped})
	tw.AppendRow(table.Row{"Failed", sum.Failed})
	tw.AppendRow(table.Row{"Errors logged", sum.Errors})
	tw.AppendRow(table.Row{"Elapsed", sum.Elapsed.Round(time.Second)})
	tw.Render()
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"XueXinwen/internal/app"
	"XueXinwen/internal/config"
	"XueXinwen/internal/domain"
	"XueXinwen/internal/logging"
	"XueXinwen/internal/usecase"
)

type rootOptions struct {
	configPath  string
	logLevel    string
	skipMigrate bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "xuexinwen",
		Short: "Grade Mandarin news articles for learners",
		Long: `xuexinwen segments Mandarin news articles, rewrites every section at the
configured learner levels, annotates named entities and word levels, and
stores the graded result for the read API.

Examples:
  # grade a JSON or NDJSON file inline
  xuexinwen process --file articles.json --levels A2,B1

  # push articles to the redis queue and consume them elsewhere
  xuexinwen enqueue --file - < articles.ndjson
  xuexinwen worker

  # read API with the periodic backfill of incomplete articles
  xuexinwen serve`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (default $XUEXINWEN_CONFIG)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newProcessCmd(opts),
		newEnqueueCmd(opts),
		newWorkerCmd(opts),
		newServeCmd(opts),
		newMigrateCmd(opts),
		newBackfillCmd(opts),
	)
	return root
}

func (o *rootOptions) config() (config.Config, error) {
	cfg := config.Load()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadFile(o.configPath); err != nil {
			return config.Config{}, err
		}
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// withApp builds the application, applies pending migrations and hands it to fn.
func (o *rootOptions) withApp(ctx context.Context, fn func(*app.Application, *slog.Logger) error) error {
	cfg, err := o.config()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := application.Close(); cerr != nil {
			logger.Warn("close application", "error", cerr)
		}
	}()

	if !o.skipMigrate {
		if err := application.Migrate(ctx); err != nil {
			return err
		}
	}
	return fn(application, logger)
}

func parseLevelsFlag(value string) ([]domain.Level, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	return domain.ParseLevels(strings.Split(value, ","))
}

func newProcessCmd(opts *rootOptions) *cobra.Command {
	var (
		file    string
		levels  string
		regrade bool
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process raw articles inline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseLevelsFlag(levels)
			if err != nil {
				return err
			}
			return opts.withApp(cmd.Context(), func(a *app.Application, logger *slog.Logger) error {
				report, err := a.Ingest(cmd.Context(), file, usecase.ProcessOptions{Levels: parsed, Regrade: regrade}, false)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "read %d, processed %d, failed %d\n", report.Read, report.Handled, report.Failed)
				if report.Failed > 0 {
					logger.Warn("some articles were not processed", "failed", report.Failed)
					return fmt.Errorf("%d article(s) failed", report.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON, JSON array or NDJSON file; - reads stdin")
	cmd.Flags().StringVar(&levels, "levels", "", "comma separated target levels (default pipeline.levels)")
	cmd.Flags().BoolVar(&regrade, "regrade", false, "grade every pair again even when stored")
	return cmd
}

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var (
		file    string
		levels  string
		regrade bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Push raw articles to the redis queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseLevelsFlag(levels)
			if err != nil {
				return err
			}
			return opts.withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				report, err := a.Ingest(cmd.Context(), file, usecase.ProcessOptions{Levels: parsed, Regrade: regrade}, true)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "read %d, queued %d, rejected %d\n", report.Read, report.Handled, report.Failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON, JSON array or NDJSON file; - reads stdin")
	cmd.Flags().StringVar(&levels, "levels", "", "comma separated target levels carried to the worker")
	cmd.Flags().BoolVar(&regrade, "regrade", false, "ask the worker to grade every pair again")
	return cmd
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume queued articles until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				return a.RunWorker(cmd.Context())
			})
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the read API and the backfill scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				return a.Serve(cmd.Context())
			})
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(*app.Application, *slog.Logger) error { return nil })
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.skipMigrate = true
			return opts.withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				statuses, err := a.MigrationStatus(cmd.Context())
				if err != nil {
					return err
				}
				for _, s := range statuses {
					state := "pending"
					if s.Applied {
						state = "applied"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%04d %-32s %s\n", s.Version, s.Description, state)
				}
				return nil
			})
		},
	})
	return cmd
}

func newBackfillCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Grade missing pairs of incomplete articles once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(a *app.Application, _ *slog.Logger) error {
				report, err := a.Backfill(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "candidates %d, completed %d, partial %d, failed %d\n",
					report.Candidates, report.Completed, report.Partial, report.Failed)
				return nil
			})
		},
	}
}

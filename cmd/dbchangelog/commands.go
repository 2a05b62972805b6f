package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dbchangelog/pkg/changelog"
)

// app хранит состояние, общее для команд одного запуска.
// app holds the state shared by the commands of one invocation.
type app struct {
	cfg    *config
	logger *zap.Logger
}

// newRootCmd собирает дерево команд CLI.
// Выход: корневая cobra-команда.
// newRootCmd builds the CLI command tree.
// Output: the root cobra command.
func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "dbchangelog",
		Short: "Apply versioned database change-logs",
		Long: `dbchangelog applies Liquibase-style change-logs (YAML or formatted SQL)
to a database, recording every change-set in databasechangelog and
serialising concurrent runs through databasechangeloglock.

Settings come from flags, DBCHANGELOG_* environment variables (e.g.
DBCHANGELOG_DSN, DBCHANGELOG_LOCK_TIMEOUT) or a --config file. Without a DSN
the Postgres drivers fall back to POSTGRES_HOST, POSTGRES_PORT,
POSTGRES_USER, POSTGRES_PASSWORD and POSTGRES_DB.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.logLevel, cfg.logFormat)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	registerFlags(root.PersistentFlags())

	root.AddCommand(
		a.updateCmd(),
		a.statusCmd(),
		a.validateCmd(),
		a.releaseLocksCmd(),
		versionCmd(),
	)
	return root
}

// withPipeline открывает БД, собирает конвейер и вызывает fn.
// withPipeline opens the database, builds the pipeline and calls fn.
func (a *app) withPipeline(cmd *cobra.Command, fn func(ctx context.Context, p *changelog.Pipeline) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.timeout)
	defer cancel()

	driver, db, err := a.cfg.openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := changelog.NewPipeline(os.DirFS(a.cfg.root), driver, db, a.cfg.pipelineConfig(),
		changelog.WithLogger(a.logger.With(zap.String("driver", driver.Name()))))
	if err != nil {
		return err
	}
	return fn(ctx, p)
}

func (a *app) updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Apply every pending change-set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withPipeline(cmd, func(ctx context.Context, p *changelog.Pipeline) error {
				bootstrap, err := changelog.Start(ctx, p)
				if err != nil {
					return err
				}
				result, err := bootstrap.Wait(ctx)
				if result != nil && (err == nil || len(result.Applied) > 0) {
					printResult(cmd.OutOrStdout(), result)
				}
				return err
			})
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending change-sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withPipeline(cmd, func(ctx context.Context, p *changelog.Pipeline) error {
				plan, records, err := p.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), plan, records)
				return nil
			})
		},
	}
}

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse the change-log and check recorded checksums",
		Long: `validate parses every change-log and computes checksums. With a DSN it also
compares them with databasechangelog. Nothing is executed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.dsn == "" {
				changeLog, err := changelog.NewLoader(os.DirFS(a.cfg.root)).Load(a.cfg.changeLogs...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d change-sets parsed, database not checked\n", len(changeLog.ChangeSets))
				return nil
			}
			return a.withPipeline(cmd, func(ctx context.Context, p *changelog.Pipeline) error {
				if err := p.Validate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "change-log is valid")
				return nil
			})
		},
	}
}

func (a *app) releaseLocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release-locks",
		Short: "Force-release the migration lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withPipeline(cmd, func(ctx context.Context, p *changelog.Pipeline) error {
				if err := p.ReleaseLocks(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migration lock released")
				return nil
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func printResult(w io.Writer, result *changelog.UpdateResult) {
	if len(result.Applied) == 0 {
		fmt.Fprintln(w, "no changes")
		return
	}
	for _, key := range result.Applied {
		fmt.Fprintln(w, "applied", key)
	}
	fmt.Fprintf(w, "deployment %s: %d applied, %d already applied, %d filtered by context\n",
		result.DeploymentID, len(result.Applied), len(result.Skipped), len(result.Filtered))
}

func printStatus(w io.Writer, plan *changelog.Plan, records []changelog.AppliedRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tCHANGESET\tFILE\tEXECUTED")
	for _, r := range records {
		fmt.Fprintf(tw, "applied\t%s\t%s\t%s\n", r.Key(), r.Filename, r.AppliedAt.Format("2006-01-02 15:04:05"))
	}
	for _, cs := range plan.Pending {
		fmt.Fprintf(tw, "pending\t%s\t%s\t-\n", cs.Key(), cs.File)
	}
	for _, cs := range plan.Filtered {
		fmt.Fprintf(tw, "filtered\t%s\t%s\t-\n", cs.Key(), cs.File)
	}
	_ = tw.Flush()
}

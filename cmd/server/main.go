package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/config"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/logger"
)

const rootLongDesc = `Genial AI healthcare assistant.

Runs the interview API that collects symptoms and images, maintains a
differential diagnosis and produces doctor reports.

Examples:
  genial serve --port 8000
  genial migrate up`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootCommander struct {
	cfg   *config.Config
	debug bool
	log   *zap.Logger
}

func newRootCmd() *cobra.Command {
	cmder := &rootCommander{}

	cmd := &cobra.Command{
		Use:           "genial",
		Short:         "Genial AI healthcare assistant",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = cmder.debug
			}
			cmder.cfg = cfg
			cmder.log = logger.NewLogger(cfg.Debug)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if cmder.log != nil {
				_ = cmder.log.Sync()
			}
		},
	}
	cmd.PersistentFlags().BoolVar(&cmder.debug, "debug", false, "Enable debug logging (overrides DEBUG)")

	cmd.AddCommand(newServeCmd(cmder), newMigrateCmd(cmder))
	return cmd
}

func newMigrateCmd(root *rootCommander) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the session store schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			return runMigrations(root.cfg, root.log, direction)
		},
	}
}

func runMigrations(cfg *config.Config, log *zap.Logger, direction string) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	m, err := migrate.New("file://"+cfg.MigrationsPath, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration init: %w", err)
	}
	defer m.Close()

	switch direction {
	case "down":
		err = m.Down()
	default:
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	log.Info("migrations applied", zap.String("direction", direction), zap.Bool("changed", err == nil))
	return nil
}

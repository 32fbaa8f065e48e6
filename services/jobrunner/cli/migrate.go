package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-ingest-flow/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|status]",
	Short: "Run database migrations",
	Long: `Connect to PostgreSQL and apply the embedded run-history migrations.

Reads the DSN from --postgres-dsn flag, POSTGRES_DSN env var, or config file.
The command defaults to "up".`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{postgres.MigrateUp, postgres.MigrateDown, postgres.MigrateStatus},
	RunE:      runMigrate,
}

func runMigrate(_ *cobra.Command, args []string) error {
	command := postgres.MigrateUp
	if len(args) == 1 {
		command = args[0]
	}
	logger := buildLogger(viper.GetString("log_level"), "jobrunner-migrate")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, viper.GetString("postgres_dsn"))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool, command, logger); err != nil {
		return err
	}
	logger.Info("migrations complete", slog.String("command", command))
	return nil
}

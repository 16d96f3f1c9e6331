package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devlikebear/aiapps-sub000/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Connect to PostgreSQL and create the snapshot table.

Reads the DSN from --postgres-dsn flag, POSTGRES_DSN env var, or config file.
The sqlite and mongo drivers create their schema on open and need no migration.`,
	// Bound here rather than in init: serve binds the same key.
	PreRun: func(cmd *cobra.Command, _ []string) {
		bindFlag("postgres_dsn", cmd.Flags(), "postgres-dsn")
	},
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN")
}

func runMigrate(_ *cobra.Command, _ []string) error {
	dsn := viper.GetString("postgres_dsn")
	if dsn == "" {
		return fmt.Errorf("postgres_dsn is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	applied, err := postgres.Migrate(ctx, pool)
	for _, f := range applied {
		fmt.Printf("applied %s\n", f)
	}
	if err != nil {
		return err
	}

	fmt.Println("migrations complete")
	return nil
}

package bootstrap

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/Sheety35/multi-store-k8s-platform/platform/go/persistence"
)

type config struct {
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBName     string `env:"DB_NAME" envDefault:"stores"`
	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"postgres"`
}

// Command returns the bootstrap subcommand. It applies the control-plane DDL
// and is safe to run repeatedly.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the control-plane tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config
			if err := env.Parse(&cfg); err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := cmd.Context()
			connString := persistence.BuildConnString(cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBUser, cfg.DBPassword)
			pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: connString})
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer persistence.ClosePool(pool)

			if err := persistence.BootstrapSchema(ctx, pool); err != nil {
				return fmt.Errorf("bootstrap schema: %w", err)
			}

			cmd.Println("control-plane schema is up to date")
			return nil
		},
	}
}

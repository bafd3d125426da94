package gc

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/Sheety35/multi-store-k8s-platform/domains/stores/be/maintenance"
	platformlogging "github.com/Sheety35/multi-store-k8s-platform/platform/go/logging"
	"github.com/Sheety35/multi-store-k8s-platform/platform/go/persistence"
)

type config struct {
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBName     string `env:"DB_NAME" envDefault:"stores"`
	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"postgres"`

	ProvisioningTimeoutMS int `env:"PROVISIONING_TIMEOUT_MS" envDefault:"300000"`
	IdempotencyWindowMS   int `env:"IDEMPOTENCY_WINDOW_MS" envDefault:"300000"`
}

// Command returns the gc subcommand. It runs a single maintenance sweep and
// prints what was cleaned up.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run one maintenance sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config
			if err := env.Parse(&cfg); err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger, err := platformlogging.NewLogger(platformlogging.Config{
				Component: "cli-gc",
				Level:     cfg.LogLevel,
			})
			if err != nil {
				return fmt.Errorf("init zap logger: %w", err)
			}
			defer func() {
				_ = logger.Sync()
			}()

			ctx := cmd.Context()
			connString := persistence.BuildConnString(cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBUser, cfg.DBPassword)
			pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: connString})
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer persistence.ClosePool(pool)

			storeStore, err := persistence.NewStoreStore(pool)
			if err != nil {
				return fmt.Errorf("init store store: %w", err)
			}

			janitor := maintenance.New(storeStore, maintenance.Config{
				IdempotencyWindow:   time.Duration(cfg.IdempotencyWindowMS) * time.Millisecond,
				ProvisioningTimeout: time.Duration(cfg.ProvisioningTimeoutMS) * time.Millisecond,
			}, logger)

			idempotency, rate, stale := janitor.Sweep(ctx)
			cmd.Printf("removed %d idempotency keys, %d rate records; reaped %d stale stores\n", idempotency, rate, stale)
			return nil
		},
	}
}

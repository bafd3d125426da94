package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	storeshandler "github.com/Sheety35/multi-store-k8s-platform/domains/stores/be/handler"
	"github.com/Sheety35/multi-store-k8s-platform/domains/stores/be/maintenance"
	"github.com/Sheety35/multi-store-k8s-platform/domains/stores/be/orchestrator"
	storesrepo "github.com/Sheety35/multi-store-k8s-platform/domains/stores/be/repo"
	storesservice "github.com/Sheety35/multi-store-k8s-platform/domains/stores/be/service"
	platformaudit "github.com/Sheety35/multi-store-k8s-platform/platform/go/audit"
	platformlogging "github.com/Sheety35/multi-store-k8s-platform/platform/go/logging"
	platformmiddleware "github.com/Sheety35/multi-store-k8s-platform/platform/go/middleware"
	"github.com/Sheety35/multi-store-k8s-platform/platform/go/persistence"
	"github.com/Sheety35/multi-store-k8s-platform/platform/go/tenantctx"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`

	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBName     string `env:"DB_NAME" envDefault:"stores"`
	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"postgres"`

	DNSSuffix  string `env:"DNS_SUFFIX" envDefault:"stores.local"`
	ChartPath  string `env:"CHART_PATH" envDefault:"./charts/store"`
	HelmBin    string `env:"HELM_BIN" envDefault:"helm"`
	KubectlBin string `env:"KUBECTL_BIN" envDefault:"kubectl"`

	MaxStoresGlobal          int           `env:"MAX_STORES_GLOBAL" envDefault:"100"`
	MaxStoresPerTenant       int           `env:"MAX_STORES_PER_TENANT" envDefault:"10"`
	MaxStoresPerHour         int           `env:"MAX_STORES_PER_HOUR" envDefault:"5"`
	ProvisioningTimeoutMS    int           `env:"PROVISIONING_TIMEOUT_MS" envDefault:"300000"`
	ReadinessCheckIntervalMS int           `env:"READINESS_CHECK_INTERVAL_MS" envDefault:"5000"`
	MaxReadinessChecks       int           `env:"MAX_READINESS_CHECKS" envDefault:"60"`
	IdempotencyWindowMS      int           `env:"IDEMPOTENCY_WINDOW_MS" envDefault:"300000"`
	MaintenanceInterval      time.Duration `env:"MAINTENANCE_INTERVAL" envDefault:"5m"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "api-server",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	connString := persistence.BuildConnString(cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBUser, cfg.DBPassword)
	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: connString})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	if err := persistence.BootstrapSchema(ctx, pool); err != nil {
		logger.Fatal("bootstrap schema", zap.Error(err))
	}

	storeStore, err := persistence.NewStoreStore(pool)
	if err != nil {
		logger.Fatal("init store store", zap.Error(err))
	}

	auditStore, err := persistence.NewAuditStore(pool)
	if err != nil {
		logger.Fatal("init audit store", zap.Error(err))
	}
	recorder := platformaudit.NewRecorder(auditStore, logger, 0)
	defer recorder.Close()

	orchClient := orchestrator.NewClient(orchestrator.Config{
		HelmBin:    cfg.HelmBin,
		KubectlBin: cfg.KubectlBin,
		ChartPath:  cfg.ChartPath,
	}, nil, logger)

	storesRepo := storesrepo.NewPostgresRepository(storeStore)
	storeService := storesservice.New(storesRepo, orchClient, storesservice.Config{
		DNSSuffix:           cfg.DNSSuffix,
		MaxGlobal:           cfg.MaxStoresGlobal,
		MaxPerTenant:        cfg.MaxStoresPerTenant,
		MaxPerHour:          cfg.MaxStoresPerHour,
		IdempotencyWindow:   time.Duration(cfg.IdempotencyWindowMS) * time.Millisecond,
		ProvisioningTimeout: time.Duration(cfg.ProvisioningTimeoutMS) * time.Millisecond,
		ReadinessInterval:   time.Duration(cfg.ReadinessCheckIntervalMS) * time.Millisecond,
		MaxReadinessChecks:  cfg.MaxReadinessChecks,
	}, logger)
	defer storeService.Close()

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	janitor := maintenance.New(storeStore, maintenance.Config{
		Interval:            cfg.MaintenanceInterval,
		IdempotencyWindow:   time.Duration(cfg.IdempotencyWindowMS) * time.Millisecond,
		ProvisioningTimeout: time.Duration(cfg.ProvisioningTimeoutMS) * time.Millisecond,
	}, logger)
	go janitor.Run(janitorCtx)
	defer func() {
		stopJanitor()
		janitor.Wait()
	}()

	storesHandler := storeshandler.New(storeService, pool, recorder, logger)

	router := chi.NewRouter()
	router.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.DefaultCORS(),
	)
	router.Use(platformlogging.RequestLogger(logger))
	router.Use(tenantctx.Middleware)

	storesHandler.Mount(router)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

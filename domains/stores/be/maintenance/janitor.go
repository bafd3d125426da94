// Package maintenance hosts the periodic janitor: it expires idempotency and
// rate records, and reaps stores stranded in Provisioning by a dead replica.
package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Store is the persistence surface the janitor needs.
type Store interface {
	DeleteExpiredIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExpiredRateRecords(ctx context.Context, cutoff time.Time) (int64, error)
	FailStaleProvisioning(ctx context.Context, cutoff time.Time, reason string) (int64, error)
}

// Config tunes the janitor cadence and the windows it enforces.
type Config struct {
	Interval            time.Duration
	IdempotencyWindow   time.Duration
	RateWindow          time.Duration
	ProvisioningTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = 5 * time.Minute
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Hour
	}
	if c.ProvisioningTimeout <= 0 {
		c.ProvisioningTimeout = 5 * time.Minute
	}
	return c
}

const staleProvisioningReason = "Provisioning timeout exceeded"

// Janitor runs garbage collection on a fixed interval. Transient database
// errors are logged and retried on the next tick; the janitor never blocks
// request handling.
type Janitor struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	done   chan struct{}
}

// New constructs a Janitor.
func New(store Store, cfg Config, logger *zap.Logger) *Janitor {
	if store == nil {
		panic("maintenance store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Janitor{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run ticks until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Wait blocks until Run has returned.
func (j *Janitor) Wait() {
	<-j.done
}

// Sweep performs one maintenance pass and returns what it cleaned up.
func (j *Janitor) Sweep(ctx context.Context) (idempotency, rate, stale int64) {
	now := time.Now().UTC()

	idempotency, err := j.store.DeleteExpiredIdempotencyKeys(ctx, now.Add(-j.cfg.IdempotencyWindow))
	if err != nil {
		j.logger.Warn("expire idempotency keys", zap.Error(err))
	}

	rate, err = j.store.DeleteExpiredRateRecords(ctx, now.Add(-j.cfg.RateWindow))
	if err != nil {
		j.logger.Warn("expire rate records", zap.Error(err))
	}

	stale, err = j.store.FailStaleProvisioning(ctx, now.Add(-j.cfg.ProvisioningTimeout), staleProvisioningReason)
	if err != nil {
		j.logger.Warn("reap stale provisioning", zap.Error(err))
	}

	if idempotency > 0 || rate > 0 || stale > 0 {
		j.logger.Info("maintenance sweep",
			zap.Int64("idempotency_keys", idempotency),
			zap.Int64("rate_records", rate),
			zap.Int64("stale_stores", stale),
		)
	}
	return idempotency, rate, stale
}

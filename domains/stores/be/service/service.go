package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Sheety35/multi-store-k8s-platform/domains/stores/be/orchestrator"
)

// Errors returned by the service layer.
var (
	ErrNotFound            = errors.New("store not found")
	ErrConflict            = errors.New("store already exists")
	ErrGlobalQuotaExceeded = errors.New("global store quota exceeded")
	ErrTenantQuotaExceeded = errors.New("tenant store quota exceeded")
)

// RateLimitError reports a sliding-window rejection and when to retry.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("store creation rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

// Status enumerates the store lifecycle states.
type Status string

const (
	StatusProvisioning Status = "Provisioning"
	StatusReady        Status = "Ready"
	StatusFailed       Status = "Failed"
	StatusDeleting     Status = "Deleting"
	StatusDeleted      Status = "Deleted"
)

// Store represents the domain model for a provisioned workload instance.
type Store struct {
	ID                    string
	TenantID              string
	Namespace             string
	Host                  string
	Status                Status
	FailureReason         *string
	CreatedAt             time.Time
	ProvisioningStartedAt *time.Time
	ReadyAt               *time.Time
	DeletionStartedAt     *time.Time
	DeletedAt             *time.Time
}

// DeleteDisposition describes what a delete request found.
type DeleteDisposition int

const (
	// DeleteStarted means the store moved to Deleting and teardown was scheduled.
	DeleteStarted DeleteDisposition = iota
	// DeleteInProgress means a previous request already started teardown.
	DeleteInProgress
	// DeleteAlreadyDone means the store was already Deleted.
	DeleteAlreadyDone
)

// GateParams carries one creation attempt through the repository's quota and
// idempotency gate.
type GateParams struct {
	Store             Store
	IdempotencyKey    string
	Now               time.Time
	IdempotencyWindow time.Duration
	RateWindow        time.Duration
	MaxGlobal         int
	MaxPerTenant      int
	MaxPerHour        int
}

// Repository abstracts persistence. CreateWithGate must run the full gate
// atomically; the bool result reports an idempotent replay.
type Repository interface {
	CreateWithGate(ctx context.Context, p GateParams) (Store, bool, error)
	Get(ctx context.Context, id, tenantID string) (Store, error)
	List(ctx context.Context, tenantID string) ([]Store, error)
	MarkReady(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
	BeginDeletion(ctx context.Context, id, tenantID string, at time.Time) (Store, DeleteDisposition, error)
	MarkDeleted(ctx context.Context, id string, at time.Time) error
}

// Orchestrator abstracts the cluster-side operations.
type Orchestrator interface {
	Install(ctx context.Context, id, namespace, host string) error
	Uninstall(ctx context.Context, id, namespace string) error
	CheckPodReadiness(ctx context.Context, namespace string) orchestrator.Readiness
	CheckIngressReadiness(ctx context.Context, host string) orchestrator.Readiness
}

// Config carries the lifecycle and gate tunables.
type Config struct {
	DNSSuffix           string
	MaxGlobal           int
	MaxPerTenant        int
	MaxPerHour          int
	RateWindow          time.Duration
	IdempotencyWindow   time.Duration
	ProvisioningTimeout time.Duration
	ReadinessInterval   time.Duration
	MaxReadinessChecks  int
	CreateRetries       int
}

func (c Config) withDefaults() Config {
	if c.DNSSuffix == "" {
		c.DNSSuffix = "stores.local"
	}
	if c.MaxGlobal <= 0 {
		c.MaxGlobal = 100
	}
	if c.MaxPerTenant <= 0 {
		c.MaxPerTenant = 10
	}
	if c.MaxPerHour <= 0 {
		c.MaxPerHour = 5
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Hour
	}
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = 5 * time.Minute
	}
	if c.ProvisioningTimeout <= 0 {
		c.ProvisioningTimeout = 5 * time.Minute
	}
	if c.ReadinessInterval <= 0 {
		c.ReadinessInterval = 5 * time.Second
	}
	if c.MaxReadinessChecks <= 0 {
		c.MaxReadinessChecks = 60
	}
	if c.CreateRetries <= 0 {
		c.CreateRetries = 3
	}
	return c
}

// Service drives the store lifecycle: the create gate, the asynchronous
// readiness watch, and teardown. Background tasks are tracked so Close can
// drain them on shutdown; all state lives in the database.
type Service struct {
	repo   Repository
	orch   Orchestrator
	cfg    Config
	logger *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Service with required dependencies.
func New(repo Repository, orch Orchestrator, cfg Config, logger *zap.Logger) *Service {
	if repo == nil {
		panic("stores repo is required")
	}
	if orch == nil {
		panic("orchestrator is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:    repo,
		orch:    orch,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Close stops in-flight watchers and waits for them. Stores left in
// Provisioning are reaped later by the maintenance sweeper.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// NewStoreID returns a fresh identifier of the form store-<8 lowercase hex>.
func NewStoreID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "store-" + hex[:8]
}

// NewIdempotencyKey returns an opaque key for requests that did not send one.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// CreateInput carries a create request.
type CreateInput struct {
	TenantID       string
	IdempotencyKey string
}

// Create runs the quota and idempotency gate and, for a fresh store, starts
// the asynchronous provisioning task. The bool result reports an idempotent
// replay, in which case no work was scheduled and no budget consumed.
func (s *Service) Create(ctx context.Context, input CreateInput) (Store, bool, error) {
	now := time.Now().UTC()

	// An id collision rolls the gate back; retry with a fresh id.
	var lastErr error
	for attempt := 0; attempt < s.cfg.CreateRetries; attempt++ {
		id := NewStoreID()
		st := Store{
			ID:                    id,
			TenantID:              input.TenantID,
			Namespace:             id,
			Host:                  id + "." + s.cfg.DNSSuffix,
			Status:                StatusProvisioning,
			CreatedAt:             now,
			ProvisioningStartedAt: &now,
		}

		created, replayed, err := s.repo.CreateWithGate(ctx, GateParams{
			Store:             st,
			IdempotencyKey:    input.IdempotencyKey,
			Now:               now,
			IdempotencyWindow: s.cfg.IdempotencyWindow,
			RateWindow:        s.cfg.RateWindow,
			MaxGlobal:         s.cfg.MaxGlobal,
			MaxPerTenant:      s.cfg.MaxPerTenant,
			MaxPerHour:        s.cfg.MaxPerHour,
		})
		if errors.Is(err, ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return Store{}, false, err
		}
		if replayed {
			return created, true, nil
		}

		s.spawn(func() { s.provision(created) })
		return created, false, nil
	}

	return Store{}, false, lastErr
}

// Get returns a tenant's store by id.
func (s *Service) Get(ctx context.Context, id, tenantID string) (Store, error) {
	return s.repo.Get(ctx, id, tenantID)
}

// List returns the tenant's stores excluding Deleted ones, newest first.
func (s *Service) List(ctx context.Context, tenantID string) ([]Store, error) {
	return s.repo.List(ctx, tenantID)
}

// Delete transitions a store to Deleting and schedules teardown. Deletes of a
// store already Deleting or Deleted are idempotent successes.
func (s *Service) Delete(ctx context.Context, id, tenantID string) (Store, DeleteDisposition, error) {
	st, disp, err := s.repo.BeginDeletion(ctx, id, tenantID, time.Now().UTC())
	if err != nil {
		return Store{}, 0, err
	}

	if disp == DeleteStarted {
		s.spawn(func() { s.teardown(st) })
	}
	return st, disp, nil
}

func (s *Service) spawn(task func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		task()
	}()
}

// terminalCtx returns a context for persisting terminal transitions. It is
// detached from the watcher context so a shutdown does not lose the write.
func terminalCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

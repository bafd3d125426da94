package repo

import (
	"context"
	"errors"
	"time"

	"github.com/Sheety35/multi-store-k8s-platform/domains/stores/be/service"
	"github.com/Sheety35/multi-store-k8s-platform/platform/go/persistence"
)

// PostgresRepository implements the stores repository over the shared
// persistence layer.
type PostgresRepository struct {
	store *persistence.StoreStore
}

// NewPostgresRepository constructs a repository backed by StoreStore.
func NewPostgresRepository(store *persistence.StoreStore) *PostgresRepository {
	if store == nil {
		panic("store store is required")
	}
	return &PostgresRepository{store: store}
}

func (r *PostgresRepository) CreateWithGate(ctx context.Context, p service.GateParams) (service.Store, bool, error) {
	rec, replayed, err := r.store.CreateWithGate(ctx, persistence.CreateGateParams{
		Store:             toRecord(p.Store),
		IdempotencyKey:    p.IdempotencyKey,
		Now:               p.Now,
		IdempotencyWindow: p.IdempotencyWindow,
		RateWindow:        p.RateWindow,
		MaxGlobal:         p.MaxGlobal,
		MaxPerTenant:      p.MaxPerTenant,
		MaxPerHour:        p.MaxPerHour,
	})
	if err != nil {
		return service.Store{}, false, mapError(err)
	}
	return toServiceStore(rec), replayed, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id, tenantID string) (service.Store, error) {
	rec, err := r.store.Get(ctx, id, tenantID)
	if err != nil {
		return service.Store{}, mapError(err)
	}
	return toServiceStore(rec), nil
}

func (r *PostgresRepository) List(ctx context.Context, tenantID string) ([]service.Store, error) {
	recs, err := r.store.ListForTenant(ctx, tenantID)
	if err != nil {
		return nil, mapError(err)
	}
	stores := make([]service.Store, 0, len(recs))
	for _, rec := range recs {
		stores = append(stores, toServiceStore(rec))
	}
	return stores, nil
}

func (r *PostgresRepository) MarkReady(ctx context.Context, id string, at time.Time) error {
	return r.store.MarkReady(ctx, id, at)
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.store.MarkFailed(ctx, id, reason)
}

func (r *PostgresRepository) BeginDeletion(ctx context.Context, id, tenantID string, at time.Time) (service.Store, service.DeleteDisposition, error) {
	rec, disp, err := r.store.BeginDeletion(ctx, id, tenantID, at)
	if err != nil {
		return service.Store{}, 0, mapError(err)
	}
	return toServiceStore(rec), toServiceDisposition(disp), nil
}

func (r *PostgresRepository) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	return r.store.MarkDeleted(ctx, id, at)
}

func toServiceDisposition(d persistence.DeleteDisposition) service.DeleteDisposition {
	switch d {
	case persistence.DeletionInProgress:
		return service.DeleteInProgress
	case persistence.DeletionAlreadyDone:
		return service.DeleteAlreadyDone
	default:
		return service.DeleteStarted
	}
}

func mapError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return service.ErrNotFound
	case errors.Is(err, persistence.ErrConflict):
		return service.ErrConflict
	case errors.Is(err, persistence.ErrGlobalQuotaExceeded):
		return service.ErrGlobalQuotaExceeded
	case errors.Is(err, persistence.ErrTenantQuotaExceeded):
		return service.ErrTenantQuotaExceeded
	}
	var rateErr *persistence.RateLimitedError
	if errors.As(err, &rateErr) {
		return &service.RateLimitError{RetryAfterSeconds: rateErr.RetryAfterSeconds}
	}
	return err
}

func toRecord(st service.Store) persistence.StoreRecord {
	return persistence.StoreRecord{
		ID:                    st.ID,
		TenantID:              st.TenantID,
		Namespace:             st.Namespace,
		Host:                  st.Host,
		Status:                string(st.Status),
		FailureReason:         st.FailureReason,
		CreatedAt:             st.CreatedAt,
		ProvisioningStartedAt: st.ProvisioningStartedAt,
		ReadyAt:               st.ReadyAt,
		DeletionStartedAt:     st.DeletionStartedAt,
		DeletedAt:             st.DeletedAt,
	}
}

func toServiceStore(rec persistence.StoreRecord) service.Store {
	return service.Store{
		ID:                    rec.ID,
		TenantID:              rec.TenantID,
		Namespace:             rec.Namespace,
		Host:                  rec.Host,
		Status:                service.Status(rec.Status),
		FailureReason:         rec.FailureReason,
		CreatedAt:             rec.CreatedAt,
		ProvisioningStartedAt: rec.ProvisioningStartedAt,
		ReadyAt:               rec.ReadyAt,
		DeletionStartedAt:     rec.DeletionStartedAt,
		DeletedAt:             rec.DeletedAt,
	}
}

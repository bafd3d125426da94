package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func gateParams(rec StoreRecord, key string, now time.Time) CreateGateParams {
	return CreateGateParams{
		Store:             rec,
		IdempotencyKey:    key,
		Now:               now,
		IdempotencyWindow: 5 * time.Minute,
		RateWindow:        time.Hour,
		MaxGlobal:         100,
		MaxPerTenant:      10,
		MaxPerHour:        5,
	}
}

func newStoreRecord(seq int, tenantID string) StoreRecord {
	id := fmt.Sprintf("store-%08x", seq)
	now := time.Now().UTC().Truncate(time.Millisecond)
	return StoreRecord{
		ID:                    id,
		TenantID:              tenantID,
		Namespace:             id,
		Host:                  id + ".stores.local",
		Status:                StatusProvisioning,
		CreatedAt:             now,
		ProvisioningStartedAt: &now,
	}
}

func TestStoreStoreIntegration(t *testing.T) {
	pool, cleanup := mustTestPool(t)
	defer cleanup()

	ctx := context.Background()
	store, err := NewStoreStore(pool)
	require.NoError(t, err)

	t.Run("insert get round trip", func(t *testing.T) {
		rec := newStoreRecord(0x1001, "rt-tenant")

		inserted, err := store.Insert(ctx, rec)
		require.NoError(t, err)
		require.Equal(t, rec.ID, inserted.ID)

		fetched, err := store.Get(ctx, rec.ID, "rt-tenant")
		require.NoError(t, err)
		require.Equal(t, rec.Host, fetched.Host)
		require.Equal(t, StatusProvisioning, fetched.Status)
		require.True(t, rec.CreatedAt.Equal(fetched.CreatedAt))
		require.Nil(t, fetched.FailureReason)

		_, err = store.Get(ctx, rec.ID, "other-tenant")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("host conflict", func(t *testing.T) {
		rec := newStoreRecord(0x1002, "conflict-tenant")
		_, err := store.Insert(ctx, rec)
		require.NoError(t, err)

		dup := rec
		dup.ID = "store-1002dup0"
		dup.Namespace = dup.ID
		_, err = store.Insert(ctx, dup)
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("list excludes deleted newest first", func(t *testing.T) {
		tenant := "list-tenant"
		first := newStoreRecord(0x1003, tenant)
		first.CreatedAt = first.CreatedAt.Add(-time.Minute)
		second := newStoreRecord(0x1004, tenant)
		gone := newStoreRecord(0x1005, tenant)
		gone.Status = StatusDeleted
		deletedAt := time.Now().UTC()
		gone.DeletedAt = &deletedAt

		for _, rec := range []StoreRecord{first, second, gone} {
			_, err := store.Insert(ctx, rec)
			require.NoError(t, err)
		}

		listed, err := store.ListForTenant(ctx, tenant)
		require.NoError(t, err)
		require.Len(t, listed, 2)
		require.Equal(t, second.ID, listed[0].ID)
		require.Equal(t, first.ID, listed[1].ID)
	})

	t.Run("gate replay consumes no budget", func(t *testing.T) {
		tenant := "replay-tenant"
		now := time.Now().UTC()

		first, replayed, err := store.CreateWithGate(ctx, gateParams(newStoreRecord(0x1006, tenant), "replay-key", now))
		require.NoError(t, err)
		require.False(t, replayed)

		again, replayed, err := store.CreateWithGate(ctx, gateParams(newStoreRecord(0x1007, tenant), "replay-key", now.Add(30*time.Second)))
		require.NoError(t, err)
		require.True(t, replayed)
		require.Equal(t, first.ID, again.ID)
		require.True(t, first.CreatedAt.Equal(again.CreatedAt))

		count, err := store.CountRateWindow(ctx, tenant, now.Add(-time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, count)
	})

	t.Run("gate idempotency expiry", func(t *testing.T) {
		tenant := "expiry-tenant"
		now := time.Now().UTC()

		first, _, err := store.CreateWithGate(ctx, gateParams(newStoreRecord(0x1008, tenant), "expiry-key", now))
		require.NoError(t, err)

		// Past the window the key no longer replays.
		later := now.Add(5*time.Minute + time.Second)
		second, replayed, err := store.CreateWithGate(ctx, gateParams(newStoreRecord(0x1009, tenant), "expiry-key-2", later))
		require.NoError(t, err)
		require.False(t, replayed)
		require.NotEqual(t, first.ID, second.ID)

		// Reusing the expired key creates a fresh store; the stale row is purged.
		p := gateParams(newStoreRecord(0x100a, tenant), "expiry-key", later)
		third, replayed, err := store.CreateWithGate(ctx, p)
		require.NoError(t, err)
		require.False(t, replayed)
		require.NotEqual(t, first.ID, third.ID)
	})

	t.Run("gate tenant cap", func(t *testing.T) {
		tenant := "cap-tenant"
		now := time.Now().UTC()

		for i := 0; i < 2; i++ {
			p := gateParams(newStoreRecord(0x1010+i, tenant), fmt.Sprintf("cap-key-%d", i), now)
			p.MaxPerTenant = 2
			p.MaxPerHour = 10
			_, _, err := store.CreateWithGate(ctx, p)
			require.NoError(t, err)
		}

		p := gateParams(newStoreRecord(0x1012, tenant), "cap-key-2", now)
		p.MaxPerTenant = 2
		p.MaxPerHour = 10
		_, _, err := store.CreateWithGate(ctx, p)
		require.ErrorIs(t, err, ErrTenantQuotaExceeded)
	})

	t.Run("gate global cap", func(t *testing.T) {
		now := time.Now().UTC()
		global, err := store.CountGlobalActive(ctx)
		require.NoError(t, err)

		p := gateParams(newStoreRecord(0x1013, "global-tenant"), "global-key", now)
		p.MaxGlobal = global
		_, _, err = store.CreateWithGate(ctx, p)
		require.ErrorIs(t, err, ErrGlobalQuotaExceeded)
	})

	t.Run("gate rate limit retry after", func(t *testing.T) {
		tenant := "rate-tenant"
		now := time.Now().UTC()

		p := gateParams(newStoreRecord(0x1014, tenant), "rate-key-0", now)
		p.MaxPerHour = 1
		_, _, err := store.CreateWithGate(ctx, p)
		require.NoError(t, err)

		p = gateParams(newStoreRecord(0x1015, tenant), "rate-key-1", now.Add(time.Second))
		p.MaxPerHour = 1
		_, _, err = store.CreateWithGate(ctx, p)

		var rateErr *RateLimitedError
		require.ErrorAs(t, err, &rateErr)
		require.GreaterOrEqual(t, rateErr.RetryAfterSeconds, 1)
		require.LessOrEqual(t, rateErr.RetryAfterSeconds, 3600)
	})

	t.Run("status transitions", func(t *testing.T) {
		rec := newStoreRecord(0x1016, "transition-tenant")
		_, err := store.Insert(ctx, rec)
		require.NoError(t, err)

		readyAt := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, store.MarkReady(ctx, rec.ID, readyAt))

		got, err := store.Get(ctx, rec.ID, rec.TenantID)
		require.NoError(t, err)
		require.Equal(t, StatusReady, got.Status)
		require.NotNil(t, got.ReadyAt)
		require.True(t, readyAt.Equal(*got.ReadyAt))

		require.NoError(t, store.MarkFailed(ctx, rec.ID, "Pods not ready: app-0"))
		got, err = store.Get(ctx, rec.ID, rec.TenantID)
		require.NoError(t, err)
		require.Equal(t, StatusFailed, got.Status)
		require.NotNil(t, got.FailureReason)
	})

	t.Run("deletion flow", func(t *testing.T) {
		rec := newStoreRecord(0x1017, "delete-tenant")
		_, err := store.Insert(ctx, rec)
		require.NoError(t, err)

		now := time.Now().UTC().Truncate(time.Millisecond)
		locked, disp, err := store.BeginDeletion(ctx, rec.ID, rec.TenantID, now)
		require.NoError(t, err)
		require.Equal(t, DeletionStarted, disp)
		require.Equal(t, StatusDeleting, locked.Status)
		require.NotNil(t, locked.DeletionStartedAt)

		_, disp, err = store.BeginDeletion(ctx, rec.ID, rec.TenantID, now)
		require.NoError(t, err)
		require.Equal(t, DeletionInProgress, disp)

		deletedAt := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, store.MarkDeleted(ctx, rec.ID, deletedAt))

		_, disp, err = store.BeginDeletion(ctx, rec.ID, rec.TenantID, now)
		require.NoError(t, err)
		require.Equal(t, DeletionAlreadyDone, disp)

		// Deleted is terminal: a late watcher write cannot resurrect the row.
		require.NoError(t, store.MarkFailed(ctx, rec.ID, "late failure"))
		got, err := store.Get(ctx, rec.ID, rec.TenantID)
		require.NoError(t, err)
		require.Equal(t, StatusDeleted, got.Status)

		_, _, err = store.BeginDeletion(ctx, "store-ffffffff", rec.TenantID, now)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("maintenance gc", func(t *testing.T) {
		tenant := "gc-tenant"
		now := time.Now().UTC()

		_, _, err := store.CreateWithGate(ctx, gateParams(newStoreRecord(0x1018, tenant), "gc-key", now))
		require.NoError(t, err)

		removedIdem, err := store.DeleteExpiredIdempotencyKeys(ctx, now.Add(time.Minute))
		require.NoError(t, err)
		require.GreaterOrEqual(t, removedIdem, int64(1))

		removedRate, err := store.DeleteExpiredRateRecords(ctx, now.Add(time.Minute))
		require.NoError(t, err)
		require.GreaterOrEqual(t, removedRate, int64(1))

		count, err := store.CountRateWindow(ctx, tenant, now.Add(-time.Hour))
		require.NoError(t, err)
		require.Zero(t, count)
	})

	t.Run("stale provisioning sweep", func(t *testing.T) {
		rec := newStoreRecord(0x1019, "sweep-tenant")
		stale := time.Now().UTC().Add(-10 * time.Minute)
		rec.ProvisioningStartedAt = &stale
		_, err := store.Insert(ctx, rec)
		require.NoError(t, err)

		fresh := newStoreRecord(0x101a, "sweep-tenant")
		_, err = store.Insert(ctx, fresh)
		require.NoError(t, err)

		reaped, err := store.FailStaleProvisioning(ctx, time.Now().UTC().Add(-5*time.Minute), "Provisioning timeout exceeded")
		require.NoError(t, err)
		require.EqualValues(t, 1, reaped)

		got, err := store.Get(ctx, rec.ID, rec.TenantID)
		require.NoError(t, err)
		require.Equal(t, StatusFailed, got.Status)
		require.Equal(t, "Provisioning timeout exceeded", *got.FailureReason)

		got, err = store.Get(ctx, fresh.ID, fresh.TenantID)
		require.NoError(t, err)
		require.Equal(t, StatusProvisioning, got.Status)
	})
}

func TestAuditStoreInsert(t *testing.T) {
	pool, cleanup := mustTestPool(t)
	defer cleanup()

	ctx := context.Background()
	store, err := NewAuditStore(pool)
	require.NoError(t, err)

	err = store.Insert(ctx, AuditRecord{
		TenantID:     "t1",
		Action:       "create_store",
		ResourceType: "store",
		ResourceID:   "store-abcd1234",
		Status:       "success",
		Details:      []byte(`{"host":"store-abcd1234.stores.local"}`),
		IPAddress:    "10.0.0.1",
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs WHERE tenant_id = 't1'`).Scan(&count))
	require.Equal(t, 1, count)
}

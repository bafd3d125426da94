package persistence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Table names for the control-plane schema.
const (
	StoresTable          = "stores"
	IdempotencyKeysTable = "idempotency_keys"
	RateLimitsTable      = "rate_limits"
)

// Store status values as persisted. The lifecycle engine owns the transition
// rules; the guards in this file only protect terminal states from racing
// background writers.
const (
	StatusProvisioning = "Provisioning"
	StatusReady        = "Ready"
	StatusFailed       = "Failed"
	StatusDeleting     = "Deleting"
	StatusDeleted      = "Deleted"
)

// StoreRecord represents a row of the stores table.
type StoreRecord struct {
	ID                    string     `db:"id"`
	TenantID              string     `db:"tenant_id"`
	Namespace             string     `db:"namespace"`
	Host                  string     `db:"host"`
	Status                string     `db:"status"`
	FailureReason         *string    `db:"failure_reason"`
	CreatedAt             time.Time  `db:"created_at"`
	ProvisioningStartedAt *time.Time `db:"provisioning_started_at"`
	ReadyAt               *time.Time `db:"ready_at"`
	DeletionStartedAt     *time.Time `db:"deletion_started_at"`
	DeletedAt             *time.Time `db:"deleted_at"`
}

const storeColumns = `id, tenant_id, namespace, host, status, failure_reason, created_at,
        provisioning_started_at, ready_at, deletion_started_at, deleted_at`

// StoreStore provides access to the stores, idempotency_keys and rate_limits tables.
type StoreStore struct {
	pool *pgxpool.Pool
}

// NewStoreStore creates a store; assumes bootstrap already created the tables.
func NewStoreStore(pool *pgxpool.Pool) (*StoreStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &StoreStore{pool: pool}, nil
}

// Insert writes a store row outside of the create gate. It is used by tests;
// the request path goes through CreateWithGate.
func (s *StoreStore) Insert(ctx context.Context, rec StoreRecord) (StoreRecord, error) {
	row := s.pool.QueryRow(ctx, insertStoreSQL,
		rec.ID, rec.TenantID, rec.Namespace, rec.Host, rec.Status, rec.FailureReason,
		rec.CreatedAt, rec.ProvisioningStartedAt, rec.ReadyAt, rec.DeletionStartedAt, rec.DeletedAt,
	)
	out, err := scanStoreRecord(row)
	if err != nil {
		if isUniqueViolation(err, "") {
			return StoreRecord{}, ErrConflict
		}
		return StoreRecord{}, err
	}
	return out, nil
}

var insertStoreSQL = fmt.Sprintf(`
        INSERT INTO %s (%s)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        RETURNING %s`, StoresTable, storeColumns, storeColumns)

// Get fetches a store visible to the given tenant.
func (s *StoreStore) Get(ctx context.Context, id, tenantID string) (StoreRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND tenant_id = $2`, storeColumns, StoresTable)
	return scanStoreRecord(s.pool.QueryRow(ctx, query, id, tenantID))
}

// ListForTenant returns the tenant's stores excluding Deleted ones, newest first.
func (s *StoreStore) ListForTenant(ctx context.Context, tenantID string) ([]StoreRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE tenant_id = $1 AND status <> $2
        ORDER BY created_at DESC`, storeColumns, StoresTable)

	rows, err := s.pool.Query(ctx, query, tenantID, StatusDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []StoreRecord
	for rows.Next() {
		rec, err := scanStoreRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkReady transitions a Provisioning store to Ready. A store that already
// left Provisioning (a concurrent delete) is left untouched.
func (s *StoreStore) MarkReady(ctx context.Context, id string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s
        SET status = $2, ready_at = $3, failure_reason = NULL
        WHERE id = $1 AND status = $4`, StoresTable)
	_, err := s.pool.Exec(ctx, query, id, StatusReady, at, StatusProvisioning)
	return err
}

// MarkFailed records a terminal failure with its reason. Deleted stores are
// never resurrected.
func (s *StoreStore) MarkFailed(ctx context.Context, id, reason string) error {
	query := fmt.Sprintf(`UPDATE %s
        SET status = $2, failure_reason = $3
        WHERE id = $1 AND status <> $4`, StoresTable)
	_, err := s.pool.Exec(ctx, query, id, StatusFailed, reason, StatusDeleted)
	return err
}

// MarkDeleted finishes a teardown started by BeginDeletion.
func (s *StoreStore) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s
        SET status = $2, deleted_at = $3, failure_reason = NULL
        WHERE id = $1 AND status = $4`, StoresTable)
	_, err := s.pool.Exec(ctx, query, id, StatusDeleted, at, StatusDeleting)
	return err
}

// DeleteDisposition describes the outcome of BeginDeletion.
type DeleteDisposition int

const (
	// DeletionStarted means the row moved to Deleting and teardown should run.
	DeletionStarted DeleteDisposition = iota
	// DeletionInProgress means another request already moved the row to Deleting.
	DeletionInProgress
	// DeletionAlreadyDone means the store was already Deleted.
	DeletionAlreadyDone
)

// BeginDeletion locks the store row and, unless deletion already happened or
// is underway, transitions it to Deleting. The row lock serialises concurrent
// delete requests across replicas.
func (s *StoreStore) BeginDeletion(ctx context.Context, id, tenantID string, at time.Time) (StoreRecord, DeleteDisposition, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return StoreRecord{}, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	lockQuery := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, storeColumns, StoresTable)
	rec, err := scanStoreRecord(tx.QueryRow(ctx, lockQuery, id, tenantID))
	if err != nil {
		return StoreRecord{}, 0, err
	}

	switch rec.Status {
	case StatusDeleted:
		return rec, DeletionAlreadyDone, tx.Commit(ctx)
	case StatusDeleting:
		return rec, DeletionInProgress, tx.Commit(ctx)
	}

	update := fmt.Sprintf(`UPDATE %s
        SET status = $2, deletion_started_at = $3, failure_reason = NULL
        WHERE id = $1
        RETURNING %s`, StoresTable, storeColumns)
	rec, err = scanStoreRecord(tx.QueryRow(ctx, update, id, StatusDeleting, at))
	if err != nil {
		return StoreRecord{}, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return StoreRecord{}, 0, err
	}
	return rec, DeletionStarted, nil
}

// CountGlobalActive counts non-Deleted stores across all tenants.
func (s *StoreStore) CountGlobalActive(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status <> $1`, StoresTable)
	var n int
	err := s.pool.QueryRow(ctx, query, StatusDeleted).Scan(&n)
	return n, err
}

// CountTenantActive counts the tenant's non-Deleted stores.
func (s *StoreStore) CountTenantActive(ctx context.Context, tenantID string) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant_id = $1 AND status <> $2`, StoresTable)
	var n int
	err := s.pool.QueryRow(ctx, query, tenantID, StatusDeleted).Scan(&n)
	return n, err
}

// CountRateWindow counts the tenant's rate records at or after the cutoff.
func (s *StoreStore) CountRateWindow(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant_id = $1 AND created_at >= $2`, RateLimitsTable)
	var n int
	err := s.pool.QueryRow(ctx, query, tenantID, cutoff).Scan(&n)
	return n, err
}

// OldestRateInWindow returns the oldest in-window rate record timestamp.
func (s *StoreStore) OldestRateInWindow(ctx context.Context, tenantID string, cutoff time.Time) (time.Time, error) {
	query := fmt.Sprintf(`SELECT MIN(created_at) FROM %s WHERE tenant_id = $1 AND created_at >= $2`, RateLimitsTable)
	var oldest *time.Time
	if err := s.pool.QueryRow(ctx, query, tenantID, cutoff).Scan(&oldest); err != nil {
		return time.Time{}, err
	}
	if oldest == nil {
		return time.Time{}, ErrNotFound
	}
	return *oldest, nil
}

// CreateGateParams carries one creation attempt through the quota and
// idempotency gate.
type CreateGateParams struct {
	Store             StoreRecord
	IdempotencyKey    string
	Now               time.Time
	IdempotencyWindow time.Duration
	RateWindow        time.Duration
	MaxGlobal         int
	MaxPerTenant      int
	MaxPerHour        int
}

// CreateWithGate runs the full create gate in a single transaction:
// idempotent replay, global cap, tenant cap, rate window, then the atomic
// insert of store + idempotency + rate rows. The checks are strictly ordered;
// a replay consumes no quota or rate budget. The returned bool reports a replay.
//
// A losing race on the idempotency key is resolved by re-reading the winner.
// A collision on store id or host surfaces ErrConflict so the caller can
// retry with a fresh id.
func (s *StoreStore) CreateWithGate(ctx context.Context, p CreateGateParams) (StoreRecord, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return StoreRecord{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if rec, ok, err := lookupIdempotent(ctx, tx, p.IdempotencyKey, p.Now.Add(-p.IdempotencyWindow)); err != nil {
		return StoreRecord{}, false, err
	} else if ok {
		return rec, true, tx.Commit(ctx)
	}

	var globalActive int
	if err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status <> $1`, StoresTable), StatusDeleted).Scan(&globalActive); err != nil {
		return StoreRecord{}, false, fmt.Errorf("count global active: %w", err)
	}
	if globalActive >= p.MaxGlobal {
		return StoreRecord{}, false, ErrGlobalQuotaExceeded
	}

	var tenantActive int
	if err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant_id = $1 AND status <> $2`, StoresTable), p.Store.TenantID, StatusDeleted).Scan(&tenantActive); err != nil {
		return StoreRecord{}, false, fmt.Errorf("count tenant active: %w", err)
	}
	if tenantActive >= p.MaxPerTenant {
		return StoreRecord{}, false, ErrTenantQuotaExceeded
	}

	rateCutoff := p.Now.Add(-p.RateWindow)
	var inWindow int
	if err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant_id = $1 AND created_at >= $2`, RateLimitsTable), p.Store.TenantID, rateCutoff).Scan(&inWindow); err != nil {
		return StoreRecord{}, false, fmt.Errorf("count rate window: %w", err)
	}
	if inWindow >= p.MaxPerHour {
		var oldest *time.Time
		if err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT MIN(created_at) FROM %s WHERE tenant_id = $1 AND created_at >= $2`, RateLimitsTable), p.Store.TenantID, rateCutoff).Scan(&oldest); err != nil {
			return StoreRecord{}, false, fmt.Errorf("oldest rate in window: %w", err)
		}
		retryAfter := 1
		if oldest != nil {
			retryAfter = int(math.Ceil(oldest.Add(p.RateWindow).Sub(p.Now).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
		}
		return StoreRecord{}, false, &RateLimitedError{RetryAfterSeconds: retryAfter}
	}

	// An expired record must not block reuse of its key before the janitor
	// gets to it.
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND created_at < $2`, IdempotencyKeysTable),
		p.IdempotencyKey, p.Now.Add(-p.IdempotencyWindow)); err != nil {
		return StoreRecord{}, false, fmt.Errorf("expire idempotency key: %w", err)
	}

	row := tx.QueryRow(ctx, insertStoreSQL,
		p.Store.ID, p.Store.TenantID, p.Store.Namespace, p.Store.Host, p.Store.Status, p.Store.FailureReason,
		p.Store.CreatedAt, p.Store.ProvisioningStartedAt, p.Store.ReadyAt, p.Store.DeletionStartedAt, p.Store.DeletedAt,
	)
	rec, err := scanStoreRecord(row)
	if err != nil {
		if isUniqueViolation(err, "") {
			return StoreRecord{}, false, ErrConflict
		}
		return StoreRecord{}, false, fmt.Errorf("insert store: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (key, store_id, created_at) VALUES ($1,$2,$3)`, IdempotencyKeysTable),
		p.IdempotencyKey, rec.ID, p.Now); err != nil {
		if isUniqueViolation(err, "idempotency_keys_pkey") {
			// A concurrent request with the same key won; surface its store.
			_ = tx.Rollback(ctx)
			if winner, ok, lerr := s.lookupIdempotentCommitted(ctx, p.IdempotencyKey, p.Now.Add(-p.IdempotencyWindow)); lerr == nil && ok {
				return winner, true, nil
			}
			return StoreRecord{}, false, ErrConflict
		}
		return StoreRecord{}, false, fmt.Errorf("insert idempotency key: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (tenant_id, store_id, created_at) VALUES ($1,$2,$3)`, RateLimitsTable),
		rec.TenantID, rec.ID, p.Now); err != nil {
		return StoreRecord{}, false, fmt.Errorf("insert rate record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err, "") {
			return StoreRecord{}, false, ErrConflict
		}
		return StoreRecord{}, false, err
	}
	return rec, false, nil
}

// LookupIdempotent returns the store recorded for a non-expired idempotency key.
func (s *StoreStore) LookupIdempotent(ctx context.Context, key string, notBefore time.Time) (StoreRecord, bool, error) {
	return s.lookupIdempotentCommitted(ctx, key, notBefore)
}

func (s *StoreStore) lookupIdempotentCommitted(ctx context.Context, key string, notBefore time.Time) (StoreRecord, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s s
        JOIN %s k ON k.store_id = s.id
        WHERE k.key = $1 AND k.created_at >= $2`, qualifiedStoreColumns("s"), StoresTable, IdempotencyKeysTable)
	rec, err := scanStoreRecord(s.pool.QueryRow(ctx, query, key, notBefore))
	if errors.Is(err, ErrNotFound) {
		return StoreRecord{}, false, nil
	}
	if err != nil {
		return StoreRecord{}, false, err
	}
	return rec, true, nil
}

func lookupIdempotent(ctx context.Context, tx pgx.Tx, key string, notBefore time.Time) (StoreRecord, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s s
        JOIN %s k ON k.store_id = s.id
        WHERE k.key = $1 AND k.created_at >= $2`, qualifiedStoreColumns("s"), StoresTable, IdempotencyKeysTable)
	rec, err := scanStoreRecord(tx.QueryRow(ctx, query, key, notBefore))
	if errors.Is(err, ErrNotFound) {
		return StoreRecord{}, false, nil
	}
	if err != nil {
		return StoreRecord{}, false, err
	}
	return rec, true, nil
}

func qualifiedStoreColumns(alias string) string {
	return fmt.Sprintf(`%[1]s.id, %[1]s.tenant_id, %[1]s.namespace, %[1]s.host, %[1]s.status, %[1]s.failure_reason,
        %[1]s.created_at, %[1]s.provisioning_started_at, %[1]s.ready_at, %[1]s.deletion_started_at, %[1]s.deleted_at`, alias)
}

// DeleteExpiredIdempotencyKeys removes idempotency records older than the cutoff.
func (s *StoreStore) DeleteExpiredIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, IdempotencyKeysTable), cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredRateRecords removes rate records older than the cutoff.
func (s *StoreStore) DeleteExpiredRateRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, RateLimitsTable), cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FailStaleProvisioning reaps stores stuck in Provisioning since before the
// cutoff, typically because the replica driving their readiness watch died.
func (s *StoreStore) FailStaleProvisioning(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s
        SET status = $1, failure_reason = $2
        WHERE status = $3 AND provisioning_started_at IS NOT NULL AND provisioning_started_at < $4`, StoresTable)
	tag, err := s.pool.Exec(ctx, query, StatusFailed, reason, StatusProvisioning, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanStoreRecord(row pgx.Row) (StoreRecord, error) {
	var rec StoreRecord
	if err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.Namespace, &rec.Host, &rec.Status, &rec.FailureReason,
		&rec.CreatedAt, &rec.ProvisioningStartedAt, &rec.ReadyAt, &rec.DeletionStartedAt, &rec.DeletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StoreRecord{}, ErrNotFound
		}
		return StoreRecord{}, err
	}
	return rec, nil
}

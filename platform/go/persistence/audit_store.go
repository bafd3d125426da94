package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLogsTable holds the append-only audit trail.
const AuditLogsTable = "audit_logs"

// AuditRecord represents a row of the audit_logs table. Details is stored as
// JSONB and may be nil.
type AuditRecord struct {
	ID           uuid.UUID `db:"id"`
	TenantID     string    `db:"tenant_id"`
	Action       string    `db:"action"`
	ResourceType string    `db:"resource_type"`
	ResourceID   string    `db:"resource_id"`
	Status       string    `db:"status"`
	Details      []byte    `db:"details"`
	IPAddress    string    `db:"ip_address"`
	CreatedAt    time.Time `db:"created_at"`
}

// AuditStore appends to the audit_logs table. Durability is best-effort by
// design; callers go through the audit recorder which swallows errors.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a store over the shared pool.
func NewAuditStore(pool *pgxpool.Pool) (*AuditStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &AuditStore{pool: pool}, nil
}

// Insert appends one audit entry.
func (s *AuditStore) Insert(ctx context.Context, rec AuditRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var details any
	if len(rec.Details) > 0 {
		details = rec.Details
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (id, tenant_id, action, resource_type, resource_id, status, details, ip_address, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, AuditLogsTable)

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.TenantID, rec.Action, rec.ResourceType, nullable(rec.ResourceID), rec.Status,
		details, nullable(rec.IPAddress), rec.CreatedAt,
	)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

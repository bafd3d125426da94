// Package audit appends control-plane actions to the audit trail without ever
// blocking or failing the request they describe. Entries are queued on a
// bounded channel and written by a single background worker; a full queue
// drops the entry, and insert errors are logged and swallowed. Consumers of
// the audit table accept at-most-once durability.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Sheety35/multi-store-k8s-platform/platform/go/persistence"
)

// Entry is one audit event as emitted by handlers.
type Entry struct {
	TenantID     string
	Action       string
	ResourceType string
	ResourceID   string
	Status       string
	Details      map[string]any
	IPAddress    string
}

// Inserter abstracts the audit table for tests.
type Inserter interface {
	Insert(ctx context.Context, rec persistence.AuditRecord) error
}

const defaultBuffer = 256

// Recorder is the fire-and-forget front of the audit trail.
type Recorder struct {
	store   Inserter
	logger  *zap.Logger
	ch      chan persistence.AuditRecord
	wg      sync.WaitGroup
	once    sync.Once
	timeout time.Duration
}

// NewRecorder starts the background writer. buffer <= 0 picks the default.
func NewRecorder(store Inserter, logger *zap.Logger, buffer int) *Recorder {
	if store == nil {
		panic("audit store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	r := &Recorder{
		store:   store,
		logger:  logger,
		ch:      make(chan persistence.AuditRecord, buffer),
		timeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go r.run()

	return r
}

// Record enqueues an entry. It never blocks; when the queue is full the entry
// is dropped and a warning logged.
func (r *Recorder) Record(e Entry) {
	rec := persistence.AuditRecord{
		ID:           uuid.New(),
		TenantID:     e.TenantID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Status:       e.Status,
		IPAddress:    e.IPAddress,
		CreatedAt:    time.Now().UTC(),
	}
	if len(e.Details) > 0 {
		details, err := json.Marshal(e.Details)
		if err != nil {
			r.logger.Warn("marshal audit details", zap.Error(err))
		} else {
			rec.Details = details
		}
	}

	select {
	case r.ch <- rec:
	default:
		r.logger.Warn("audit queue full, dropping entry",
			zap.String("action", e.Action),
			zap.String("resource_id", e.ResourceID),
		)
	}
}

// Close stops accepting entries and flushes the queue.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.ch)
	})
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for rec := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.store.Insert(ctx, rec); err != nil {
			r.logger.Warn("write audit entry",
				zap.String("action", rec.Action),
				zap.String("resource_id", rec.ResourceID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

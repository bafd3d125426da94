package persistence

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested row does not exist (or is not visible to the tenant).
	ErrNotFound = errors.New("store not found")

	// ErrConflict is returned when an insert collides on a unique constraint (store id or host).
	ErrConflict = errors.New("store already exists")

	// ErrGlobalQuotaExceeded is returned by the create gate when the platform-wide active cap is reached.
	ErrGlobalQuotaExceeded = errors.New("global store quota exceeded")

	// ErrTenantQuotaExceeded is returned by the create gate when the tenant's active cap is reached.
	ErrTenantQuotaExceeded = errors.New("tenant store quota exceeded")
)

// RateLimitedError reports a sliding-window rate rejection together with the
// number of seconds after which the oldest in-window record expires.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("store creation rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

const uniqueViolationCode = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolationCode {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

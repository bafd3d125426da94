package sqlassets

import _ "embed"

//go:embed schema/control_plane/stores.sql
var StoresSQL string

//go:embed schema/control_plane/idempotency_keys.sql
var IdempotencyKeysSQL string

//go:embed schema/control_plane/rate_limits.sql
var RateLimitsSQL string

//go:embed schema/control_plane/audit_logs.sql
var AuditLogsSQL string

package audit

import "context"

// Store persists audit records. Implementations handle batching and
// rotation; the async service in front of them keeps Append off the
// request path.
type Store interface {
	// Append writes records in order.
	Append(ctx context.Context, records ...Record) error

	// Recent returns up to limit records, newest first, from the
	// in-memory cache. Best-effort: records still in flight may be
	// missing.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources. Idempotent.
	Close() error
}

package repositories

import (
	"context"
	"time"
)

// KeyValue is the fast-access store for coordination state: the per-user
// in-progress conversation id and the scoped locks. Single-instance
// deployments use the in-process implementation; multi-instance deployments
// promote this to a shared store without touching callers.
type KeyValue interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// CompareAndSet writes value only if the current value equals old
	// ("" means absent). Returns false on a lost race.
	CompareAndSet(ctx context.Context, key, old, value string) (bool, error)
	Delete(ctx context.Context, key string) error
	// AcquireLock takes a scoped lock (per uid+person, per uid+date, ...).
	// The returned release func is idempotent.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

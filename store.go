package rbac

import (
	"context"
	"time"
)

// ============================================================================
// DURABLE STORE
// ============================================================================

// EntityKind names the entity class a batch operation touches.
type EntityKind string

const (
	EntityPermission EntityKind = "permission"
	EntityRole       EntityKind = "role"
	EntityAssignment EntityKind = "assignment"
	EntityPolicy     EntityKind = "policy"
)

// BatchOp upserts Value under Key, or deletes Key when Value is nil.
// Value is one of *Permission, *Role, *RoleAssignment or *SecurityPolicy.
type BatchOp struct {
	Kind  EntityKind
	Key   string
	Value any
	prev  any
}

// Batch is applied atomically by a Store.
type Batch struct {
	Ops []BatchOp
}

func (b *Batch) put(kind EntityKind, key string, value, prev any) {
	b.Ops = append(b.Ops, BatchOp{Kind: kind, Key: key, Value: value, prev: prev})
}

func (b *Batch) del(kind EntityKind, key string, prev any) {
	b.Ops = append(b.Ops, BatchOp{Kind: kind, Key: key, prev: prev})
}

func (b *Batch) empty() bool { return b == nil || len(b.Ops) == 0 }

// inverse undoes b, used when a persisted batch loses a commit race.
func (b *Batch) inverse() *Batch {
	out := &Batch{Ops: make([]BatchOp, 0, len(b.Ops))}
	for i := len(b.Ops) - 1; i >= 0; i-- {
		op := b.Ops[i]
		out.Ops = append(out.Ops, BatchOp{Kind: op.Kind, Key: op.Key, Value: op.prev, prev: op.Value})
	}
	return out
}

// Dataset is the full persisted state returned by Store.Load.
type Dataset struct {
	Permissions []*Permission
	Roles       []*Role
	Assignments []*RoleAssignment
	Policies    []*SecurityPolicy
}

// Store is the durable backing of the four owned entity classes.
// Apply must be all-or-nothing.
type Store interface {
	Load(ctx context.Context) (*Dataset, error)
	Apply(ctx context.Context, batch *Batch) error
	Ping(ctx context.Context) error
}

// nopStore keeps everything in memory only.
type nopStore struct{}

func (nopStore) Load(context.Context) (*Dataset, error) { return &Dataset{}, nil }
func (nopStore) Apply(context.Context, *Batch) error    { return nil }
func (nopStore) Ping(context.Context) error             { return nil }

// withTimeout bounds a single store or cache access.
func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

// persist writes a batch without retry: a blind retry could double-apply.
func (e *Engine) persist(ctx context.Context, op string, batch *Batch) error {
	if batch.empty() {
		return nil
	}
	sctx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err := e.store.Apply(sctx, batch); err != nil {
		e.logger.Error("store write failed", "op", op, "error", err)
		return unavailable(op, err)
	}
	return nil
}

// readWithRetry retries a read a bounded number of times with exponential backoff.
func readWithRetry[T any](ctx context.Context, e *Engine, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	backoff := e.cfg.RetryBackoff
	attempts := e.cfg.StoreReadRetries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return zero, unavailable(op, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		sctx, cancel := e.withTimeout(ctx)
		v, err := fn(sctx)
		cancel()
		if err == nil {
			return v, nil
		}
		lastErr = err
		e.logger.Warn("store read failed", "op", op, "attempt", i+1, "error", err)
	}
	return zero, unavailable(op, lastErr)
}

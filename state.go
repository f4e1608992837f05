package rbac

import (
	"context"
	"maps"
	"sync"
)

// state is an immutable view of the four stores. Writers build a new state
// and publish it with a single pointer swap, so a check never sees half of a mutation.
type state struct {
	version     uint64
	permissions map[string]*Permission
	roles       *roleArena
	ledger      *ledgerState
	policies    map[string]*SecurityPolicy
	// policyOrder lists policy ids in ascending id order.
	policyOrder []string
}

func emptyState() *state {
	return &state{
		permissions: make(map[string]*Permission),
		roles:       newRoleArena(),
		ledger:      newLedgerState(),
		policies:    make(map[string]*SecurityPolicy),
	}
}

// clone copies the top-level containers; the entities themselves are shared
// and must be replaced rather than mutated.
func (s *state) clone() *state {
	return &state{
		version:     s.version,
		permissions: maps.Clone(s.permissions),
		roles:       s.roles.clone(),
		ledger:      s.ledger.clone(),
		policies:    maps.Clone(s.policies),
		policyOrder: append([]string(nil), s.policyOrder...),
	}
}

func (e *Engine) snapshot() *state {
	return e.cur.Load()
}

// commit applies fn to the latest state under the commit lock and publishes the result.
func (e *Engine) commit(fn func(next *state) error) (*state, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	next := e.cur.Load().clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.version++
	e.cur.Store(next)
	return next, nil
}

// mutation describes one write: how to build the next state, and what to persist.
type mutation struct {
	op    string
	apply func(next *state) (*Batch, error)
	// audit entries are emitted only once the state is published.
	audit func(batch *Batch) []AuditEntry
}

// mutate validates against the current snapshot, persists, then commits.
// If the commit-time re-validation fails (a concurrent writer in another lock
// domain won), the persisted batch is rolled back.
func (e *Engine) mutate(ctx context.Context, m mutation) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	probe := e.snapshot().clone()
	batch, err := m.apply(probe)
	if err != nil {
		return err
	}
	if err := e.persist(ctx, m.op, batch); err != nil {
		return err
	}
	if _, err := e.commit(func(next *state) error {
		_, err := m.apply(next)
		return err
	}); err != nil {
		if !batch.empty() {
			if rerr := e.persist(context.WithoutCancel(ctx), m.op+".rollback", batch.inverse()); rerr != nil {
				e.logger.Error("rollback failed", "op", m.op, "error", rerr)
			}
		}
		return err
	}
	e.invalidate(ctx)
	if m.audit != nil {
		actor := ActorFromContext(ctx)
		for _, entry := range m.audit(batch) {
			if entry.Actor == "" {
				entry.Actor = actor
			}
			if entry.Timestamp.IsZero() {
				entry.Timestamp = e.now()
			}
			e.audit.Record(entry)
		}
	}
	return nil
}

// keyedMutex serializes work per key (principal or role code).
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

type actorKey struct{}

// WithActor attaches the administrative actor recorded on mutation audit entries.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor set by WithActor, or "system".
func ActorFromContext(ctx context.Context) string {
	if ctx != nil {
		if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
			return v
		}
	}
	return "system"
}

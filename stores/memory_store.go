package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/oarkflow/rbac"
)

// ErrInjected is returned by MemoryStore while a failure is injected.
var ErrInjected = errors.New("stores: injected failure")

// MemoryStore keeps JSON copies of every entity so callers cannot alias
// persisted state. FailNext and SetDown simulate an unreachable backend.
type MemoryStore struct {
	mu          sync.RWMutex
	permissions map[string][]byte
	roles       map[string][]byte
	assignments map[string][]byte
	policies    map[string][]byte

	down     atomic.Bool
	failNext atomic.Int64
	applied  atomic.Int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		permissions: make(map[string][]byte),
		roles:       make(map[string][]byte),
		assignments: make(map[string][]byte),
		policies:    make(map[string][]byte),
	}
}

// FailNext makes the next n calls fail.
func (s *MemoryStore) FailNext(n int) { s.failNext.Store(int64(n)) }

// SetDown makes every call fail until reset.
func (s *MemoryStore) SetDown(down bool) { s.down.Store(down) }

// Applied counts successful Apply calls.
func (s *MemoryStore) Applied() int64 { return s.applied.Load() }

func (s *MemoryStore) fail() error {
	if s.down.Load() {
		return ErrInjected
	}
	for {
		n := s.failNext.Load()
		if n <= 0 {
			return nil
		}
		if s.failNext.CompareAndSwap(n, n-1) {
			return ErrInjected
		}
	}
}

func (s *MemoryStore) table(kind rbac.EntityKind) (map[string][]byte, error) {
	switch kind {
	case rbac.EntityPermission:
		return s.permissions, nil
	case rbac.EntityRole:
		return s.roles, nil
	case rbac.EntityAssignment:
		return s.assignments, nil
	case rbac.EntityPolicy:
		return s.policies, nil
	}
	return nil, fmt.Errorf("unknown entity kind %q", kind)
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fail()
}

func (s *MemoryStore) Load(ctx context.Context) (*rbac.Dataset, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds := &rbac.Dataset{}
	if err := decodeAll(s.permissions, &ds.Permissions); err != nil {
		return nil, err
	}
	if err := decodeAll(s.roles, &ds.Roles); err != nil {
		return nil, err
	}
	if err := decodeAll(s.assignments, &ds.Assignments); err != nil {
		return nil, err
	}
	if err := decodeAll(s.policies, &ds.Policies); err != nil {
		return nil, err
	}
	return ds, nil
}

func decodeAll[T any](table map[string][]byte, out *[]*T) error {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := new(T)
		if err := json.Unmarshal(table[k], v); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		*out = append(*out, v)
	}
	return nil
}

// Apply encodes the whole batch before touching any table.
func (s *MemoryStore) Apply(ctx context.Context, batch *rbac.Batch) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}
	type write struct {
		table map[string][]byte
		key   string
		doc   []byte
	}
	writes := make([]write, 0, len(batch.Ops))
	for _, op := range batch.Ops {
		t, err := s.table(op.Kind)
		if err != nil {
			return err
		}
		w := write{table: t, key: op.Key}
		if !absent(op.Value) {
			if w.doc, err = json.Marshal(op.Value); err != nil {
				return fmt.Errorf("%s %s: %w", op.Kind, op.Key, err)
			}
		}
		writes = append(writes, w)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		if w.doc == nil {
			delete(w.table, w.key)
			continue
		}
		w.table[w.key] = w.doc
	}
	s.applied.Add(1)
	return nil
}

// Len reports how many entities of kind are stored.
func (s *MemoryStore) Len(kind rbac.EntityKind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(kind)
	if err != nil {
		return 0
	}
	return len(t)
}

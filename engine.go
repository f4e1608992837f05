package rbac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oarkflow/rbac/logger"
)

// Engine is the authorization engine: four owned stores behind one
// copy-on-write snapshot, plus the decision cache and the audit recorder.
type Engine struct {
	cfg RBACConfig

	cur      atomic.Pointer[state]
	commitMu sync.Mutex
	// structMu serializes catalog, role and policy writes.
	structMu       sync.Mutex
	principalLocks *keyedMutex

	store     Store
	cache     DecisionCache
	quota     QuotaCounter
	auditSink AuditSink
	audit     *AuditRecorder
	flight    singleflight.Group
	clock     *BusinessClock

	logger      logger.Logger
	traceIDFunc logger.TraceIDFunc
	nowFn       func() time.Time

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepWG   sync.WaitGroup

	closed atomic.Bool
}

// New builds an engine from cfg. The configuration is copied; the engine
// holds no global state.
func New(cfg RBACConfig, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:            cfg,
		principalLocks: newKeyedMutex(),
		store:          nopStore{},
		logger:         logger.NewNullLogger(),
		nowFn:          time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	clock, err := NewBusinessClock(cfg.BusinessHours)
	if err != nil {
		return nil, &ValidationError{Field: "business_hours", Message: err.Error()}
	}
	e.clock = clock
	if e.cache == nil {
		e.cache, err = newConfiguredCache(cfg)
		if err != nil {
			return nil, err
		}
	}
	if e.quota == nil {
		q := NewMemoryQuotaCounter()
		q.now = e.nowFn
		e.quota = q
	}
	if e.auditSink == nil {
		e.auditSink = NewMemoryAuditSink()
	}
	e.audit = NewAuditRecorder(e.auditSink, cfg.Audit, e.logger)
	e.cur.Store(emptyState())
	return e, nil
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() RBACConfig { return e.cfg }

// AuditRecorder exposes the recorder for queries and flushing.
func (e *Engine) AuditRecorder() *AuditRecorder { return e.audit }

func (e *Engine) now() time.Time { return e.nowFn() }

func (e *Engine) resolveTime(ac AccessContext) time.Time {
	if ac.Time.IsZero() {
		return e.now()
	}
	return ac.Time
}

func (e *Engine) traceID() string {
	if e.traceIDFunc == nil {
		return ""
	}
	return e.traceIDFunc()
}

func (e *Engine) lockStructure() func() {
	e.structMu.Lock()
	return e.structMu.Unlock
}

// invalidate drops every cached decision. Failures are logged; the snapshot
// version check keeps stale entries from being written after this point.
func (e *Engine) invalidate(ctx context.Context) {
	cctx, cancel := e.withTimeout(context.WithoutCancel(ctx))
	defer cancel()
	if err := e.cache.Purge(cctx); err != nil {
		e.logger.Error("decision cache purge failed", "error", err)
	}
}

// Version is the number of committed mutations since the engine started.
func (e *Engine) Version() uint64 { return e.snapshot().version }

// Ping checks the durable store.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := readWithRetry(ctx, e, "ping", func(c context.Context) (struct{}, error) {
		return struct{}{}, e.store.Ping(c)
	})
	return err
}

// Load replaces the in-memory state with the content of the durable store.
func (e *Engine) Load(ctx context.Context) error {
	ds, err := readWithRetry(ctx, e, "load", e.store.Load)
	if err != nil {
		return err
	}
	built, err := e.buildState(ds)
	if err != nil {
		return err
	}
	e.structMu.Lock()
	defer e.structMu.Unlock()
	if _, err := e.commit(func(next *state) error {
		version := next.version
		*next = *built
		next.version = version
		return nil
	}); err != nil {
		return err
	}
	e.invalidate(ctx)
	e.logger.Info("state loaded", "permissions", len(ds.Permissions), "roles", len(ds.Roles),
		"assignments", len(ds.Assignments), "policies", len(ds.Policies))
	return nil
}

func (e *Engine) buildState(ds *Dataset) (*state, error) {
	s := emptyState()
	for _, p := range ds.Permissions {
		p = p.clone()
		p.normalize()
		s.permissions[p.Code] = p
	}
	for _, r := range ds.Roles {
		r = r.clone()
		r.normalize()
		s.roles.add(r)
	}
	s.roles.relink()
	for _, idx := range s.roles.liveIndices() {
		if s.roles.createsCycle(idx, s.roles.nodes[idx].parent) {
			return nil, &ConflictError{Entity: "role", ID: s.roles.nodes[idx].role.Code, Reason: "stored hierarchy has a cycle"}
		}
	}
	for _, a := range ds.Assignments {
		if !a.Status.valid() {
			return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("assignment %s: unknown status %q", a.ID, a.Status)}
		}
		s.ledger.put(a.clone())
	}
	for _, p := range ds.Policies {
		p = p.clone()
		if err := p.compile(e.cfg.DefaultEvaluationMode); err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.ID, err)
		}
		s.policies[p.ID] = p
		s.policyOrder = insertPolicyOrder(s.policyOrder, p.ID)
	}
	return s, nil
}

// StartSweeper runs SweepExpired every interval until ctx ends or Close is called.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.SweepInterval
	}
	if interval <= 0 {
		return
	}
	e.sweepMu.Lock()
	if e.sweepStop != nil {
		e.sweepMu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.sweepStop = stop
	e.sweepMu.Unlock()

	e.sweepWG.Add(1)
	go func() {
		defer e.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ledger := e.Assignments()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := ledger.SweepExpired(WithActor(ctx, "sweeper"), e.now()); err != nil && !errors.Is(err, context.Canceled) {
					e.logger.Error("expiry sweep failed", "error", err)
				}
			}
		}
	}()
}

// StopSweeper stops the background sweeper and waits for it.
func (e *Engine) StopSweeper(ctx context.Context) error {
	e.sweepMu.Lock()
	stop := e.sweepStop
	e.sweepStop = nil
	e.sweepMu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	done := make(chan struct{})
	go func() {
		e.sweepWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close stops background work and drains the audit queue. Later mutations fail
// with ErrEngineClosed and later checks deny.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(e.StopSweeper(ctx), e.audit.Close(ctx))
}

package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/rbac/logger"
)

// ============================================================================
// AUDIT
// ============================================================================

// Audit entry kinds.
const (
	AuditMutation = "mutation"
	AuditDecision = "decision"
)

// Audit results.
const (
	ResultAllow = "allow"
	ResultDeny  = "deny"
	ResultOK    = "ok"
)

// AuditEntry is one immutable audit record.
type AuditEntry struct {
	ID         string            `json:"id" yaml:"id" cbor:"id"`
	Kind       string            `json:"kind" yaml:"kind" cbor:"kind"`
	Action     string            `json:"action" yaml:"action" cbor:"action"`
	TargetType string            `json:"target_type" yaml:"target_type" cbor:"target_type"`
	TargetID   string            `json:"target_id" yaml:"target_id" cbor:"target_id"`
	Actor      string            `json:"actor,omitempty" yaml:"actor,omitempty" cbor:"actor,omitempty"`
	Principal  string            `json:"principal,omitempty" yaml:"principal,omitempty" cbor:"principal,omitempty"`
	Before     any               `json:"before,omitempty" yaml:"before,omitempty" cbor:"before,omitempty"`
	After      any               `json:"after,omitempty" yaml:"after,omitempty" cbor:"after,omitempty"`
	Result     string            `json:"result" yaml:"result" cbor:"result"`
	Reason     string            `json:"reason,omitempty" yaml:"reason,omitempty" cbor:"reason,omitempty"`
	Timestamp  time.Time         `json:"timestamp" yaml:"timestamp" cbor:"timestamp"`
	Latency    time.Duration     `json:"latency,omitempty" yaml:"latency,omitempty" cbor:"latency,omitempty"`
	TraceID    string            `json:"trace_id,omitempty" yaml:"trace_id,omitempty" cbor:"trace_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty" cbor:"metadata,omitempty"`
}

// AuditFilter selects entries for Query. Zero fields match everything.
type AuditFilter struct {
	Kind         string
	Action       string
	ActionPrefix string
	TargetType   string
	TargetID     string
	Actor        string
	Principal    string
	Start        time.Time
	End          time.Time
	Limit        int
	Offset       int
}

// Match reports whether entry satisfies every set field of f.
func (f AuditFilter) Match(entry *AuditEntry) bool {
	switch {
	case f.Kind != "" && entry.Kind != f.Kind:
		return false
	case f.Action != "" && entry.Action != f.Action:
		return false
	case f.ActionPrefix != "" && !strings.HasPrefix(entry.Action, f.ActionPrefix):
		return false
	case f.TargetType != "" && entry.TargetType != f.TargetType:
		return false
	case f.TargetID != "" && entry.TargetID != f.TargetID:
		return false
	case f.Actor != "" && entry.Actor != f.Actor:
		return false
	case f.Principal != "" && entry.Principal != f.Principal:
		return false
	case !f.Start.IsZero() && entry.Timestamp.Before(f.Start):
		return false
	case !f.End.IsZero() && entry.Timestamp.After(f.End):
		return false
	}
	return true
}

// AuditSink is the append-only destination of audit entries.
type AuditSink interface {
	WriteBatch(ctx context.Context, entries []AuditEntry) error
	// Query returns matching entries in timestamp order.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
	// Purge removes entries older than before and reports how many went.
	Purge(ctx context.Context, before time.Time) (int, error)
}

func mutationEntry(action, targetType, targetID string, before, after any) AuditEntry {
	return AuditEntry{
		Kind:       AuditMutation,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Before:     before,
		After:      after,
		Result:     ResultOK,
	}
}

func decisionEntry(principal Principal, res *AccessCheckResult) AuditEntry {
	result := ResultDeny
	if res.Allowed {
		result = ResultAllow
	}
	meta := map[string]string{}
	if res.MatchedRole != "" {
		meta["matched_role"] = res.MatchedRole
	}
	if res.MatchedPolicy != "" {
		meta["matched_policy"] = res.MatchedPolicy
		meta["matched_rule"] = res.MatchedRule
	}
	if res.Cached {
		meta["cached"] = "true"
	}
	return AuditEntry{
		Kind:       AuditDecision,
		Action:     "access.check",
		TargetType: "permission",
		TargetID:   res.Permission,
		Actor:      principal.Key(),
		Principal:  principal.Key(),
		Result:     result,
		Reason:     res.Reason,
		Timestamp:  res.EvaluatedAt,
		Latency:    res.Latency,
		TraceID:    res.TraceID,
		Metadata:   meta,
	}
}

// MemoryAuditSink keeps entries in a slice.
type MemoryAuditSink struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

func NewMemoryAuditSink() *MemoryAuditSink { return &MemoryAuditSink{} }

func (s *MemoryAuditSink) WriteBatch(_ context.Context, entries []AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *MemoryAuditSink) Query(_ context.Context, filter AuditFilter) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]AuditEntry, 0)
	for i := range s.entries {
		if filter.Match(&s.entries[i]) {
			result = append(result, s.entries[i])
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return result[:0], nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryAuditSink) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, entry := range s.entries {
		if !entry.Timestamp.Before(before) {
			kept = append(kept, entry)
		}
	}
	n := len(s.entries) - len(kept)
	s.entries = kept
	return n, nil
}

// ============================================================================
// RECORDER
// ============================================================================

// Overflow policies of the audit queue.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowBlock      = "block"
)

// AuditRecorder queues entries on a bounded channel drained by a single
// writer goroutine, so entries reach the sink in submission order.
type AuditRecorder struct {
	sink   AuditSink
	cfg    AuditConfig
	logger logger.Logger

	ch      chan AuditEntry
	flushCh chan chan struct{}
	done    chan struct{}

	// mu orders Record against Close so nothing is sent on a closed channel.
	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewAuditRecorder starts the writer goroutine.
func NewAuditRecorder(sink AuditSink, cfg AuditConfig, l logger.Logger) *AuditRecorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	r := &AuditRecorder{
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With(l, "component", "audit"),
		ch:      make(chan AuditEntry, cfg.BufferSize),
		flushCh: make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues entry. It never fails; overflow follows the configured policy.
func (r *AuditRecorder) Record(entry AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	if r.cfg.Overflow == OverflowBlock {
		r.enqueueBlocking(entry)
		return
	}
	for {
		select {
		case r.ch <- entry:
			return
		default:
		}
		select {
		case <-r.ch:
			r.dropped.Add(1)
		default:
		}
	}
}

func (r *AuditRecorder) enqueueBlocking(entry AuditEntry) {
	timeout := r.cfg.BlockTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r.ch <- entry:
	case <-timer.C:
		r.dropped.Add(1)
		r.logger.Warn("audit queue full, entry dropped", "action", entry.Action, "target", entry.TargetID)
	}
}

func (r *AuditRecorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	buf := make([]AuditEntry, 0, r.cfg.BatchSize)
	for {
		select {
		case entry, ok := <-r.ch:
			if !ok {
				r.write(buf)
				return
			}
			buf = append(buf, entry)
			if len(buf) >= r.cfg.BatchSize {
				buf = r.write(buf)
			}
		case <-ticker.C:
			buf = r.write(buf)
		case ack := <-r.flushCh:
			buf = r.drain(buf)
			buf = r.write(buf)
			close(ack)
		}
	}
}

// drain moves whatever is queued right now into buf, flushing full batches.
func (r *AuditRecorder) drain(buf []AuditEntry) []AuditEntry {
	for {
		select {
		case entry, ok := <-r.ch:
			if !ok {
				return buf
			}
			buf = append(buf, entry)
			if len(buf) >= r.cfg.BatchSize {
				buf = r.write(buf)
			}
		default:
			return buf
		}
	}
}

func (r *AuditRecorder) write(buf []AuditEntry) []AuditEntry {
	if len(buf) == 0 {
		return buf
	}
	ctx := context.Background()
	if r.cfg.StorageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.StorageTimeout)
		defer cancel()
	}
	batch := make([]AuditEntry, len(buf))
	copy(batch, buf)
	if err := r.sink.WriteBatch(ctx, batch); err != nil {
		r.failed.Add(uint64(len(batch)))
		r.logger.Error("audit write failed", "entries", len(batch), "error", err)
	} else {
		r.written.Add(uint64(len(batch)))
	}
	return buf[:0]
}

// Flush blocks until everything queued before the call reached the sink.
func (r *AuditRecorder) Flush(ctx context.Context) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil
	}
	ack := make(chan struct{})
	select {
	case r.flushCh <- ack:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query flushes pending entries and queries the sink.
func (r *AuditRecorder) Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if err := r.Flush(ctx); err != nil {
		return nil, err
	}
	return r.sink.Query(ctx, filter)
}

// PurgeExpired removes entries older than the retention period.
func (r *AuditRecorder) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if r.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := r.sink.Purge(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("audit purge: %w", err)
	}
	if n > 0 {
		r.logger.Info("audit retention purge", "removed", n)
	}
	return n, nil
}

// Stats reports how many entries were written, dropped and lost to sink errors.
func (r *AuditRecorder) Stats() (written, dropped, failed uint64) {
	return r.written.Load(), r.dropped.Load(), r.failed.Load()
}

// Close stops accepting entries and waits for the queue to drain.
func (r *AuditRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package rbac

import (
	"errors"
	"time"

	"github.com/oarkflow/rbac/logger"
)

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine) error

// WithLogger installs a Logger on the Engine.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		e.logger = l
		return nil
	}
}

// WithTraceIDFunc installs a custom trace ID generator on the engine.
func WithTraceIDFunc(f logger.TraceIDFunc) EngineOption {
	return func(e *Engine) error {
		e.traceIDFunc = f
		return nil
	}
}

// WithStore sets the durable store. Without it state lives in memory only.
func WithStore(s Store) EngineOption {
	return func(e *Engine) error {
		if s == nil {
			return errors.New("store is nil")
		}
		e.store = s
		return nil
	}
}

// WithDecisionCache overrides the cache chosen by cache_backend.
func WithDecisionCache(c DecisionCache) EngineOption {
	return func(e *Engine) error {
		if c == nil {
			return errors.New("decision cache is nil")
		}
		e.cache = c
		return nil
	}
}

// WithQuotaCounter sets where quota usage is counted. The default is process-local.
func WithQuotaCounter(q QuotaCounter) EngineOption {
	return func(e *Engine) error {
		if q == nil {
			return errors.New("quota counter is nil")
		}
		e.quota = q
		return nil
	}
}

// WithAuditSink sets where audit entries are written.
func WithAuditSink(s AuditSink) EngineOption {
	return func(e *Engine) error {
		if s == nil {
			return errors.New("audit sink is nil")
		}
		e.auditSink = s
		return nil
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now == nil {
			return errors.New("clock is nil")
		}
		e.nowFn = now
		return nil
	}
}

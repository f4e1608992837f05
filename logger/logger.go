package logger

// Logger is the structured logging surface used by the engine and its stores.
// Arguments after msg are alternating key/value pairs.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation id for a check or mutation.
// It must be safe for concurrent calls.
type TraceIDFunc func() string

// With returns a Logger that prepends keyvals to every call.
func With(l Logger, keyvals ...any) Logger {
	if l == nil {
		return NewNullLogger()
	}
	if len(keyvals) == 0 {
		return l
	}
	return &scoped{next: l, fields: keyvals}
}

type scoped struct {
	next   Logger
	fields []any
}

func (s *scoped) merge(keyvals []any) []any {
	out := make([]any, 0, len(s.fields)+len(keyvals))
	out = append(out, s.fields...)
	return append(out, keyvals...)
}

func (s *scoped) Debug(msg string, keyvals ...any) { s.next.Debug(msg, s.merge(keyvals)...) }
func (s *scoped) Info(msg string, keyvals ...any)  { s.next.Info(msg, s.merge(keyvals)...) }
func (s *scoped) Warn(msg string, keyvals ...any)  { s.next.Warn(msg, s.merge(keyvals)...) }
func (s *scoped) Error(msg string, keyvals ...any) { s.next.Error(msg, s.merge(keyvals)...) }

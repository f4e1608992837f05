package logger

// NullLogger discards everything. Used as the engine default and in tests.
type NullLogger struct{}

func NewNullLogger() *NullLogger { return &NullLogger{} }

func (n *NullLogger) Debug(msg string, keyvals ...any) {}
func (n *NullLogger) Info(msg string, keyvals ...any)  {}
func (n *NullLogger) Warn(msg string, keyvals ...any)  {}
func (n *NullLogger) Error(msg string, keyvals ...any) {}

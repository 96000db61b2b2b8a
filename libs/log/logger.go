package log

// Logger defines a generic logging interface compatible with structured
// key-value logging. Every long-lived component in the tree takes one.
type Logger interface {
	Debug(msg string, keyVals ...interface{})
	Info(msg string, keyVals ...interface{})
	Error(msg string, keyVals ...interface{})

	With(keyVals ...interface{}) Logger
}

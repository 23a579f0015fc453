package observability

import (
	"runtime/debug"
)

// RecoverPanic logs a recovered panic with its stack. Deferred around
// webhook deliveries and the retry worker loop so one bad handler
// cannot take the broker down. The panic is swallowed, not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logger.WithFields(map[string]interface{}{
			"panic": r,
			"stack": string(debug.Stack()),
			"where": where,
		}).Error("panic recovered")
	}
}

// RecoverPanicWithCallback logs a recovered panic and then runs
// callback. The callback only fires when a panic actually occurred,
// which lets HTTP middleware answer 500 for the dead handler.
func RecoverPanicWithCallback(logger *Logger, where string, callback func()) {
	if r := recover(); r != nil {
		logger.WithFields(map[string]interface{}{
			"panic": r,
			"stack": string(debug.Stack()),
			"where": where,
		}).Error("panic recovered")
		if callback != nil {
			callback()
		}
	}
}

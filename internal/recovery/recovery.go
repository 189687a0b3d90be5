// Package recovery turns goroutine panics into logged errors.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError carries a recovered panic value and the stack it was raised on.
type PanicError struct {
	Name  string
	Value interface{}
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

// Run calls fn and returns a *PanicError if it panics. The panic is logged
// with its stack; a nil logger skips logging.
//
// Example:
//
//	err := recovery.Run(logger, "receive loop", func() {
//	    loopErr = c.receive()
//	})
func Run(logger *slog.Logger, name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Name: name, Value: r, Stack: string(debug.Stack())}
			if logger != nil {
				logger.Error("panic recovered",
					"goroutine", name,
					"panic", fmt.Sprintf("%v", r),
					"stack", pe.Stack)
			}
			err = pe
		}
	}()

	fn()
	return nil
}

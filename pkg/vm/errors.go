package vm

import (
	"fmt"
	"strings"

	"github.com/kristofer/cmel/pkg/value"
)

// StackFrame is one frame of a runtime error's stack trace: the function
// name and the source line active in that frame when the error was raised.
// Grounded on the teacher's pkg/vm/errors.go StackFrame, trimmed to the
// fields spec.md's diagnostics format actually needs (no selector/column,
// since Cmel has no message sends).
type StackFrame struct {
	Name       string
	SourceLine int
}

// RuntimeError is a Cmel runtime error together with the call stack active
// when it was raised, formatted per spec.md §6: the message, then one
// "[line N] in <frame>" line per frame, outermost last.
type RuntimeError struct {
	Message string
	Stack   []StackFrame
}

func (e *RuntimeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	for _, f := range e.Stack {
		b.WriteByte('\n')
		fmt.Fprintf(&b, "[line %d] in %s", f.SourceLine, f.Name)
	}
	return b.String()
}

func newRuntimeError(message string, stack []StackFrame) *RuntimeError {
	return &RuntimeError{Message: message, Stack: stack}
}

// failErr is the *RuntimeError-only-returning form of fail, for call sites
// (call.go's call/invoke helpers) that never need fail's value.Value result.
func (vm *VM) failErr(base int, format string, args ...interface{}) *RuntimeError {
	_, err := vm.fail(base, format, args...)
	return err
}

// nativeError records a message for a NativeFn that is about to return
// value.Err(), read by callNative/callBoundNative/invokePrimitive right
// after the call returns.
func (vm *VM) nativeError(format string, args ...interface{}) value.Value {
	vm.lastNativeError = fmt.Sprintf(format, args...)
	return value.Err()
}

package compiler

import "fmt"

// CompileError is one diagnostic produced while compiling a chunk. A
// compilation can produce several of these — see spec.md §4.2's
// panic-mode synchronization, which lets the compiler resume at the next
// statement boundary after an error instead of aborting outright.
type CompileError struct {
	Line    int
	Where   string // token lexeme/location detail, may be empty
	Message string
}

func (e *CompileError) Error() string {
	if e.Where != "" {
		return fmt.Sprintf("[line %d] Error at %s: %s", e.Line, e.Where, e.Message)
	}
	return fmt.Sprintf("[line %d] Error: %s", e.Line, e.Message)
}

// Package vm implements Cmel's bytecode virtual machine: a stack-based
// interpreter with call frames, closures with shared upvalues, bound
// methods, primitive-type method dispatch, module isolation, and a
// tracing garbage collector over its own heap.
//
// The VM is a single explicit value (no package-level singleton, per
// spec.md §9's "no ambient state" design note) that owns its value stack,
// call frames, globals, string-intern table, and module cache. Structurally
// it is grounded on the teacher's pkg/vm.VM (a stack + stack pointer +
// globals map + a fetch-decode-execute Run loop dispatching on opcode), with
// the teacher's Smalltalk message-send dispatch replaced by Cmel's
// CALL/INVOKE/SUPER_INVOKE opcode family and its `interface{}` stack
// replaced by the tagged pkg/value.Value union.
package vm

import (
	"fmt"
	"io"

	"github.com/kristofer/cmel/pkg/bytecode"
	"github.com/kristofer/cmel/pkg/compiler"
	"github.com/kristofer/cmel/pkg/table"
	"github.com/kristofer/cmel/pkg/value"
)

// InterpretResult is the outcome of running a top-level program, mirroring
// the exit-code contract spec.md §6 assigns to the CLI driver.
type InterpretResult int

const (
	InterpretOK InterpretResult = iota
	InterpretCompileError
	InterpretRuntimeError
)

// CallFrame is one activation record: the closure being executed, its
// instruction pointer, and the stack address its locals are based at.
type CallFrame struct {
	Closure  *value.ObjClosure
	IP       int
	SlotBase int
}

// VM is Cmel's virtual machine. Callers construct one with New, then call
// Interpret once per top-level program (REPL line or source file).
type VM struct {
	Config Config

	out    io.Writer
	errOut io.Writer

	stack    []value.Value
	stackTop int

	frames     []CallFrame
	frameCount int

	globals *table.Table[value.Value]
	strings *table.Table[*value.ObjStringT]
	modules *table.Table[*value.ObjModule]
	loading []string // in-progress import paths, for circular-import detection

	initString *value.ObjStringT

	stringMethods map[string]*value.ObjNativeT
	numberMethods map[string]*value.ObjNativeT
	listMethods   map[string]*value.ObjNativeT
	mapMethods    map[string]*value.ObjNativeT

	openUpvalues *value.ObjUpvalueT

	objects        value.Object
	bytesAllocated int
	nextGC         int
	grayStack      []value.Object
	tempRoots      []value.Value

	// compiling is set from the start of a compiler.Compile/CompileModule
	// call until the compiled function's closure is on the VM stack. The
	// compiler's function/chunk tree is not a GC root before then (see
	// gc.go's track), so collection is suppressed until that push makes
	// the tree reachable.
	compiling bool

	testMode     bool
	currentTest  string
	testFailures []string

	// lastNativeError holds the message a native set via vm.nativeError
	// before returning value.Err() — callNative/callBoundNative/
	// invokePrimitive read it immediately after the call returns.
	lastNativeError string

	// ModuleLoader resolves a canonicalized module path ("name.cmel") to
	// source text, preferring the filesystem and falling back to the
	// embedded stdlib bootstrap per spec.md §4.6. Set by cmd/cmel's main,
	// whose loader falls back to pkg/stdlib.Load; a nil loader makes every
	// import fail.
	ModuleLoader func(path string) (string, bool)
}

// New constructs a VM with its stack, frames, and globals preallocated at
// cfg's sizes — the stack is never reallocated afterward, the stability
// guarantee spec.md §9 requires so open upvalues keep valid addresses.
func New(cfg Config, out, errOut io.Writer) *VM {
	vm := &VM{
		Config:  cfg,
		out:     out,
		errOut:  errOut,
		stack:   make([]value.Value, cfg.FramesMax*cfg.StackPerFrame),
		frames:  make([]CallFrame, cfg.FramesMax),
		globals: table.New[value.Value](),
		strings: table.New[*value.ObjStringT](),
		modules: table.New[*value.ObjModule](),
		nextGC:  cfg.InitialGCThreshold,
	}
	vm.initString = vm.intern("init")
	vm.stringMethods = vm.buildStringMethods()
	vm.numberMethods = vm.buildNumberMethods()
	vm.listMethods = vm.buildListMethods()
	vm.mapMethods = vm.buildMapMethods()
	vm.defineNatives(vm.globals)
	return vm
}

// Interpret compiles and runs source as a top-level program. Each call
// starts from a clean stack, the same REPL contract the teacher's Run
// loop gives one line at a time.
func (vm *VM) Interpret(source string) InterpretResult {
	vm.resetStack()
	vm.compiling = true
	fn, errs := compiler.Compile(source, vm.intern)
	if len(errs) > 0 {
		vm.compiling = false
		for _, e := range errs {
			fmt.Fprintln(vm.errOut, e.Error())
		}
		return InterpretCompileError
	}
	vm.adoptFunction(fn)
	closure := vm.newClosure(fn)
	vm.push(value.Obj(closure))
	vm.compiling = false
	ok, rtErr := vm.callClosure(0, closure, 0)
	if !ok {
		if rtErr != nil {
			return InterpretRuntimeError
		}
		return InterpretOK
	}
	_, rtErr = vm.runLoop(0)
	if rtErr != nil {
		return InterpretRuntimeError
	}
	return InterpretOK
}

func (vm *VM) resetStack() {
	vm.stackTop = 0
	vm.frameCount = 0
	vm.openUpvalues = nil
}

func (vm *VM) push(v value.Value) {
	vm.stack[vm.stackTop] = v
	vm.stackTop++
}

func (vm *VM) pop() value.Value {
	vm.stackTop--
	return vm.stack[vm.stackTop]
}

func (vm *VM) peek(distance int) value.Value {
	return vm.stack[vm.stackTop-1-distance]
}

// globalsFor returns the table GET_GLOBAL/SET_GLOBAL/DEFINE_GLOBAL/EXPORT
// resolve against for frame: a module's own globals if its closure belongs
// to one, otherwise the VM's top-level globals. Each closure records its
// owning module explicitly at OP_CLOSURE time (propagated from its
// enclosing frame), so this needs no mutable "current globals" singleton —
// the explicit-Vm design note in spec.md §9 applies here too.
func (vm *VM) globalsFor(frame *CallFrame) *table.Table[value.Value] {
	if frame.Closure.Module != nil {
		return frame.Closure.Module.Globals
	}
	return vm.globals
}

// buildTrace renders the current call stack innermost-first, ending with
// the outermost frame last, matching spec.md §6's diagnostic order
// ("...ending with script (or function name) for the outermost frame").
func (vm *VM) buildTrace() []StackFrame {
	trace := make([]StackFrame, 0, vm.frameCount)
	for i := vm.frameCount - 1; i >= 0; i-- {
		f := &vm.frames[i]
		line := 0
		chunk := &f.Closure.Function.Chunk
		if f.IP > 0 && f.IP-1 < len(chunk.Lines) {
			line = chunk.Lines[f.IP-1]
		}
		trace = append(trace, StackFrame{Name: f.Closure.Function.DisplayName(), SourceLine: line})
	}
	return trace
}

// unwindTo discards frames down to (but not including) frame index base,
// closing any upvalues that pointed into the discarded region and
// restoring the stack to the position it held right before that frame's
// call — i.e. as if the call had never happened.
func (vm *VM) unwindTo(base int) {
	slot := 0
	if base < vm.frameCount {
		slot = vm.frames[base].SlotBase
	} else if vm.frameCount > 0 {
		slot = vm.frames[vm.frameCount-1].SlotBase
	}
	vm.closeUpvalues(slot)
	vm.stackTop = slot
	vm.frameCount = base
}

// fail raises a runtime error at call-frame depth base. Outside test mode
// this prints the diagnostic and unwinds the entire VM (spec.md §7: "inside
// the VM, no recovery"). In test mode it instead records the message and
// unwinds only to base, returning a clean (non-error) result so the caller
// of whatever call produced base — normally the test harness invoking one
// test function — can continue with the next test, per spec.md §6's
// test-mode native protocol.
func (vm *VM) fail(base int, format string, args ...interface{}) (value.Value, *RuntimeError) {
	msg := fmt.Sprintf(format, args...)
	trace := vm.buildTrace()
	if vm.testMode {
		vm.testFailures = append(vm.testFailures, msg)
		vm.unwindTo(base)
		return value.Nil, nil
	}
	fmt.Fprintln(vm.errOut, msg)
	for _, f := range trace {
		fmt.Fprintf(vm.errOut, "[line %d] in %s\n", f.SourceLine, f.Name)
	}
	vm.unwindTo(0)
	return value.Nil, newRuntimeError(msg, trace)
}

// currentLine reports the source line of the instruction frame last
// executed — the one whose opcode byte sits just before IP.
func currentLine(frame *CallFrame) int {
	chunk := &frame.Closure.Function.Chunk
	if frame.IP > 0 && frame.IP-1 < len(chunk.Lines) {
		return chunk.Lines[frame.IP-1]
	}
	return 0
}

func readByte(frame *CallFrame) byte {
	b := frame.Closure.Function.Chunk.Code[frame.IP]
	frame.IP++
	return b
}

func readU16(frame *CallFrame) int {
	hi := readByte(frame)
	lo := readByte(frame)
	return bytecode.DecodeU16(hi, lo)
}

func readConstant(frame *CallFrame, idx int) value.Value {
	return frame.Closure.Function.Chunk.Constants[idx]
}

func readString(frame *CallFrame, idx int) *value.ObjStringT {
	return readConstant(frame, idx).AsString()
}

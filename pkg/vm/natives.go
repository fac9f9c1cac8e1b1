package vm

import (
	"bufio"
	"os"
	"strconv"
	"time"

	"github.com/kristofer/cmel/pkg/table"
	"github.com/kristofer/cmel/pkg/value"
)

// defineNatives registers spec.md §6's always-present built-ins plus the
// test-mode protocol natives into dest (either the VM's top-level globals
// or a freshly created module's own globals table, per spec.md §4.6 step 5
// "preloaded with native bindings and primitive classes").
func (vm *VM) defineNatives(dest *table.Table[value.Value]) {
	vm.define(dest, "clock", 0, vm.nativeClock)
	vm.define(dest, "input", 0, vm.nativeInput)
	vm.define(dest, "readFile", 1, vm.nativeReadFile)
	vm.define(dest, "number", 1, vm.nativeNumber)
	vm.define(dest, "assert", -2, vm.nativeAssert)
	vm.define(dest, "assertEqual", 2, vm.nativeAssertEqual)

	vm.define(dest, "__enterTestMode", 0, vm.nativeEnterTestMode)
	vm.define(dest, "__exitTestMode", 0, vm.nativeExitTestMode)
	vm.define(dest, "__setCurrentTest", 1, vm.nativeSetCurrentTest)
	vm.define(dest, "__testFailed", 0, vm.nativeTestFailed)
	vm.define(dest, "__getLastFailure", 0, vm.nativeGetLastFailure)
	vm.define(dest, "__clearLastFailure", 0, vm.nativeClearLastFailure)
}

func (vm *VM) define(dest *table.Table[value.Value], name string, arity int, fn value.NativeFn) {
	native := vm.newNative(name, arity, fn)
	dest.Set(vm.intern(name), value.Obj(native))
}

func (vm *VM) nativeClock(args []value.Value) value.Value {
	return value.Number(float64(time.Now().UnixNano()) / 1e9)
}

// nativeInput reads one line from stdin. spec.md §9's open questions bound
// it at 255 bytes plus the trailing newline and call overlong input an
// error deliberately, not a case to silently truncate or grow past.
func (vm *VM) nativeInput(args []value.Value) value.Value {
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return value.Obj(vm.intern(""))
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if len(line) > 255 {
		return vm.nativeError("input() line exceeds 255 bytes.")
	}
	return value.Obj(vm.intern(line))
}

// nativeReadFile reads path's entire contents into memory, closing the
// file on every exit path per spec.md §5.
func (vm *VM) nativeReadFile(args []value.Value) value.Value {
	if !args[0].IsString() {
		return vm.nativeError("readFile expects a string path.")
	}
	path := args[0].AsString().String()
	f, err := os.Open(path)
	if err != nil {
		return vm.nativeError("Could not open file '%s'.", path)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return vm.nativeError("Could not stat file '%s'.", path)
	}
	buf := make([]byte, info.Size())
	if _, err := f.Read(buf); err != nil && info.Size() > 0 {
		return vm.nativeError("Could not read file '%s'.", path)
	}
	return value.Obj(vm.intern(string(buf)))
}

// nativeNumber parses a string into a number; this is the counterpart the
// "Laws" section's round-trip property composes with PRINT's Stringify.
func (vm *VM) nativeNumber(args []value.Value) value.Value {
	v := args[0]
	if v.IsNumber() {
		return v
	}
	if !v.IsString() {
		return vm.nativeError("number() expects a string or number.")
	}
	n, err := strconv.ParseFloat(v.AsString().String(), 64)
	if err != nil {
		return vm.nativeError("Could not convert '%s' to a number.", v.AsString().String())
	}
	return value.Number(n)
}

// nativeAssert implements `assert(cond, msg?)`: a failing assertion is an
// ordinary native failure (value.Err() via vm.nativeError, so it becomes a
// runtime error, diverted under test mode like any other) whose message is
// the caller-supplied one, or "Assertion failed." when none is given.
func (vm *VM) nativeAssert(args []value.Value) value.Value {
	if args[0].Truthy() {
		return value.Nil
	}
	msg := "Assertion failed."
	if len(args) > 1 && args[1].IsString() {
		msg = args[1].AsString().String()
	}
	return vm.nativeError("%s", msg)
}

func (vm *VM) nativeAssertEqual(args []value.Value) value.Value {
	if !value.Equal(args[0], args[1]) {
		return vm.nativeError("Expected %s to equal %s.", value.Stringify(args[1]), value.Stringify(args[0]))
	}
	return value.Nil
}

func (vm *VM) nativeEnterTestMode(args []value.Value) value.Value {
	vm.testMode = true
	vm.testFailures = nil
	return value.Nil
}

func (vm *VM) nativeExitTestMode(args []value.Value) value.Value {
	vm.testMode = false
	return value.Nil
}

func (vm *VM) nativeSetCurrentTest(args []value.Value) value.Value {
	if args[0].IsString() {
		vm.currentTest = args[0].AsString().String()
	}
	return value.Nil
}

func (vm *VM) nativeTestFailed(args []value.Value) value.Value {
	return value.Bool_(len(vm.testFailures) > 0)
}

func (vm *VM) nativeGetLastFailure(args []value.Value) value.Value {
	if len(vm.testFailures) == 0 {
		return value.Nil
	}
	return value.Obj(vm.intern(vm.testFailures[len(vm.testFailures)-1]))
}

func (vm *VM) nativeClearLastFailure(args []value.Value) value.Value {
	if len(vm.testFailures) > 0 {
		vm.testFailures = vm.testFailures[:len(vm.testFailures)-1]
	}
	return value.Nil
}

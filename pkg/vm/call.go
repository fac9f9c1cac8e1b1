package vm

import "github.com/kristofer/cmel/pkg/value"

// Every call* / invoke* helper below returns (ok, err). ok=true means
// execution should simply continue (either a new CallFrame was pushed, or a
// result was computed and left on the stack). ok=false with err!=nil is a
// fatal runtime error that must propagate all the way out of the current
// runLoop. ok=false with err==nil means test mode swallowed the error and
// already unwound the stack back to base — the caller should let runLoop's
// own loop condition decide whether to keep going (it won't, if base was
// this runLoop's own argument).

func (vm *VM) callValue(base int, callee value.Value, argc int) (bool, *RuntimeError) {
	if !callee.IsObject() {
		return false, vm.failErr(base, "Can only call functions and classes.")
	}
	switch c := callee.Obj.(type) {
	case *value.ObjClosure:
		return vm.callClosure(base, c, argc)
	case *value.ObjNativeT:
		return vm.callNative(base, c, argc)
	case *value.ObjBoundMethodT:
		vm.stack[vm.stackTop-argc-1] = c.Receiver
		return vm.callClosure(base, c.Method, argc)
	case *value.ObjBoundNativeT:
		return vm.callBoundNative(base, c, argc)
	case *value.ObjClass:
		return vm.callClass(base, c, argc)
	default:
		return false, vm.failErr(base, "Can only call functions and classes.")
	}
}

func (vm *VM) callClosure(base int, closure *value.ObjClosure, argc int) (bool, *RuntimeError) {
	if argc != closure.Function.Arity {
		return false, vm.failErr(base, "Expected %d arguments but got %d.", closure.Function.Arity, argc)
	}
	if vm.frameCount == len(vm.frames) {
		return false, vm.failErr(base, "Stack overflow.")
	}
	frame := &vm.frames[vm.frameCount]
	vm.frameCount++
	frame.Closure = closure
	frame.IP = 0
	frame.SlotBase = vm.stackTop - argc - 1
	return true, nil
}

func (vm *VM) callNative(base int, native *value.ObjNativeT, argc int) (bool, *RuntimeError) {
	if err := vm.checkArity(base, native, argc); err != nil {
		return false, err
	}
	args := vm.stack[vm.stackTop-argc : vm.stackTop]
	vm.lastNativeError = ""
	result := native.Fn(args)
	vm.stackTop -= argc + 1
	if result.IsError() {
		return false, vm.failErr(base, "%s", vm.lastNativeError)
	}
	vm.push(result)
	return true, nil
}

func (vm *VM) callBoundNative(base int, bound *value.ObjBoundNativeT, argc int) (bool, *RuntimeError) {
	if err := vm.checkArity(base, bound.Native, argc); err != nil {
		return false, err
	}
	args := make([]value.Value, argc+1)
	copy(args, vm.stack[vm.stackTop-argc:vm.stackTop])
	args[argc] = bound.Receiver
	vm.stackTop -= argc + 1
	vm.lastNativeError = ""
	result := bound.Native.Fn(args)
	if result.IsError() {
		return false, vm.failErr(base, "%s", vm.lastNativeError)
	}
	vm.push(result)
	return true, nil
}

func (vm *VM) checkArity(base int, native *value.ObjNativeT, argc int) *RuntimeError {
	if native.Arity >= 0 && argc != native.Arity {
		return vm.failErr(base, "Expected %d arguments but got %d.", native.Arity, argc)
	}
	if native.Arity < 0 && argc < -native.Arity-1 {
		return vm.failErr(base, "Expected at least %d arguments but got %d.", -native.Arity-1, argc)
	}
	return nil
}

// callClass implements `Class(args)`: allocate an instance, then dispatch
// to `init` if the class defines one (spec.md §4.3's CALL semantics).
func (vm *VM) callClass(base int, class *value.ObjClass, argc int) (bool, *RuntimeError) {
	instance := vm.newInstance(class)
	vm.stack[vm.stackTop-argc-1] = value.Obj(instance)
	if init, ok := class.Methods.Get(vm.initString); ok {
		return vm.callClosure(base, init, argc)
	}
	if argc != 0 {
		return false, vm.failErr(base, "Expected 0 arguments but got %d.", argc)
	}
	return true, nil
}

// invoke implements OP_INVOKE's fused property-get-and-call: instances
// check fields first (a callable field overrides a method of the same
// name), then their class's method table; any other receiver dispatches to
// its primitive-type method table.
func (vm *VM) invoke(base int, receiver value.Value, name *value.ObjStringT, argc int) (bool, *RuntimeError) {
	if receiver.IsObject() {
		if inst, ok := receiver.Obj.(*value.ObjInstance); ok {
			if field, ok := inst.Fields.Get(name); ok {
				vm.stack[vm.stackTop-argc-1] = field
				return vm.callValue(base, field, argc)
			}
			method, ok := inst.Class.Methods.Get(name)
			if !ok {
				return false, vm.failErr(base, "Undefined property '%s'.", name.String())
			}
			return vm.callClosure(base, method, argc)
		}
	}
	return vm.invokePrimitive(base, receiver, name, argc)
}

// invokePrimitive dispatches a method call on a non-instance receiver
// (String, Number, List, Map) directly against its native method table,
// skipping the intermediate BoundNative allocation OP_GET_PROPERTY would
// need — spec.md §4.3 describes this as "pushed beneath the args as if it
// were a bound native".
func (vm *VM) invokePrimitive(base int, receiver value.Value, name *value.ObjStringT, argc int) (bool, *RuntimeError) {
	methods, ok := vm.methodTableFor(receiver)
	if !ok {
		return false, vm.failErr(base, "Only instances and primitive values have methods.")
	}
	native, ok := methods[name.String()]
	if !ok {
		return false, vm.failErr(base, "Undefined property '%s'.", name.String())
	}
	if err := vm.checkArity(base, native, argc); err != nil {
		return false, err
	}
	args := make([]value.Value, argc+1)
	copy(args, vm.stack[vm.stackTop-argc:vm.stackTop])
	args[argc] = receiver
	vm.stackTop -= argc + 1
	vm.lastNativeError = ""
	result := native.Fn(args)
	if result.IsError() {
		return false, vm.failErr(base, "%s", vm.lastNativeError)
	}
	vm.push(result)
	return true, nil
}

func (vm *VM) methodTableFor(v value.Value) (map[string]*value.ObjNativeT, bool) {
	if v.IsNumber() {
		return vm.numberMethods, true
	}
	if v.IsObject() {
		switch v.Obj.(type) {
		case *value.ObjStringT:
			return vm.stringMethods, true
		case *value.ObjListT:
			return vm.listMethods, true
		case *value.ObjMapT:
			return vm.mapMethods, true
		}
	}
	return nil, false
}

// bindMethod wraps receiver and method into a BoundMethod, the value
// OP_GET_PROPERTY produces for a plain (non-invoked) `instance.method`
// access.
func (vm *VM) bindMethod(receiver value.Value, method *value.ObjClosure) *value.ObjBoundMethodT {
	return vm.newBoundMethod(receiver, method)
}

// captureUpvalue returns the open upvalue for stack slot, reusing an
// existing one if the VM already has one open at that exact slot —
// required so two closures capturing the same local share one cell.
func (vm *VM) captureUpvalue(slot int) *value.ObjUpvalueT {
	var prev *value.ObjUpvalueT
	cur := vm.openUpvalues
	for cur != nil && cur.Slot > slot {
		prev = cur
		cur = cur.NextOpen
	}
	if cur != nil && cur.Slot == slot {
		return cur
	}
	up := vm.newUpvalue(&vm.stack[slot])
	up.Slot = slot
	up.NextOpen = cur
	if prev == nil {
		vm.openUpvalues = up
	} else {
		prev.NextOpen = up
	}
	return up
}

// callFunctionValue calls callee (closure, native, bound method/native, or
// class) with args and runs it to completion, used by primitive methods
// that take a callback (List.map/filter/find) — the one place a native
// needs to re-enter bytecode execution synchronously, per spec.md §5's
// "import executes... synchronously" model extended to callbacks.
func (vm *VM) callFunctionValue(callee value.Value, args []value.Value) (value.Value, bool) {
	callBase := vm.frameCount
	savedTop := vm.stackTop
	vm.push(callee)
	for _, a := range args {
		vm.push(a)
	}
	ok, _ := vm.callValue(callBase, callee, len(args))
	if !ok {
		vm.stackTop = savedTop
		return value.Nil, false
	}
	if vm.frameCount > callBase {
		if _, err := vm.runLoop(callBase); err != nil {
			return value.Nil, false
		}
	}
	return vm.pop(), true
}

// closeUpvalues closes every open upvalue at or above fromSlot, copying
// its stack value into its own cell before the frame that owned that slot
// is discarded.
func (vm *VM) closeUpvalues(fromSlot int) {
	for vm.openUpvalues != nil && vm.openUpvalues.Slot >= fromSlot {
		up := vm.openUpvalues
		up.Closed = *up.Location
		up.Location = &up.Closed
		vm.openUpvalues = up.NextOpen
		up.NextOpen = nil
	}
}

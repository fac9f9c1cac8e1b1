package vm

import "github.com/kristofer/cmel/pkg/value"

// getProperty implements OP_GET_PROPERTY's plain (non-invoked) access:
// instance field, else bound method; primitive receivers bind to a
// BoundNative so the method can be stored or passed around as a value.
// The bool result follows the call/invoke convention: false+nil means test
// mode already unwound, false+err means a fatal error.
func (vm *VM) getProperty(base int, receiver value.Value, name *value.ObjStringT) (value.Value, *RuntimeError, bool) {
	if receiver.IsObject() {
		if inst, ok := receiver.Obj.(*value.ObjInstance); ok {
			if field, ok := inst.Fields.Get(name); ok {
				return field, nil, true
			}
			if method, ok := inst.Class.Methods.Get(name); ok {
				return value.Obj(vm.bindMethod(receiver, method)), nil, true
			}
			_, rtErr := vm.fail(base, "Undefined property '%s'.", name.String())
			return value.Nil, rtErr, false
		}
	}
	methods, ok := vm.methodTableFor(receiver)
	if !ok {
		_, rtErr := vm.fail(base, "Only instances and primitive values have properties.")
		return value.Nil, rtErr, false
	}
	native, ok := methods[name.String()]
	if !ok {
		_, rtErr := vm.fail(base, "Undefined property '%s'.", name.String())
		return value.Nil, rtErr, false
	}
	return value.Obj(vm.newBoundNative(receiver, native)), nil, true
}

// index implements OP_INDEX for List (numeric, supports negative indices
// counting from the end) and Map (string key) receivers.
func (vm *VM) index(base int, receiver, idx value.Value) (value.Value, *RuntimeError, bool) {
	if receiver.IsObject() {
		switch recv := receiver.Obj.(type) {
		case *value.ObjListT:
			if !idx.IsNumber() {
				_, rtErr := vm.fail(base, "List index must be a number.")
				return value.Nil, rtErr, false
			}
			i := normalizeIndex(idx.Number, len(recv.Items))
			if i < 0 || i >= len(recv.Items) {
				_, rtErr := vm.fail(base, "List index out of bounds.")
				return value.Nil, rtErr, false
			}
			return recv.Items[i], nil, true
		case *value.ObjMapT:
			if !idx.IsString() {
				_, rtErr := vm.fail(base, "Map key must be a string.")
				return value.Nil, rtErr, false
			}
			v, ok := recv.Entries.Get(idx.AsString())
			if !ok {
				return value.Nil, nil, true
			}
			return v, nil, true
		case *value.ObjStringT:
			if !idx.IsNumber() {
				_, rtErr := vm.fail(base, "String index must be a number.")
				return value.Nil, rtErr, false
			}
			i := normalizeIndex(idx.Number, len(recv.Chars))
			if i < 0 || i >= len(recv.Chars) {
				_, rtErr := vm.fail(base, "String index out of bounds.")
				return value.Nil, rtErr, false
			}
			return value.Obj(vm.intern(string(recv.Chars[i]))), nil, true
		}
	}
	_, rtErr := vm.fail(base, "Only lists, maps, and strings are indexable.")
	return value.Nil, rtErr, false
}

// store implements OP_STORE (`recv[idx] = v`) for List and Map receivers.
// Strings are immutable and have no store form.
func (vm *VM) store(base int, receiver, idx, v value.Value) (*RuntimeError, bool) {
	if receiver.IsObject() {
		switch recv := receiver.Obj.(type) {
		case *value.ObjListT:
			if !idx.IsNumber() {
				return vm.failErr(base, "List index must be a number."), false
			}
			i := normalizeIndex(idx.Number, len(recv.Items))
			if i < 0 || i >= len(recv.Items) {
				return vm.failErr(base, "List index out of bounds."), false
			}
			recv.Items[i] = v
			return nil, true
		case *value.ObjMapT:
			if !idx.IsString() {
				return vm.failErr(base, "Map key must be a string."), false
			}
			recv.Set(idx.AsString(), v)
			return nil, true
		}
	}
	return vm.failErr(base, "Only lists and maps support indexed assignment."), false
}

func normalizeIndex(n float64, length int) int {
	i := int(n)
	if i < 0 {
		i += length
	}
	return i
}

package vm

import (
	"fmt"
	"math"

	"github.com/kristofer/cmel/pkg/bytecode"
	"github.com/kristofer/cmel/pkg/value"
)

// runLoop fetches, decodes, and executes instructions until the frame stack
// drops back to depth base — the top-level script returning, a module's
// loading closure returning to loadModule, or (in test mode) a failure
// unwinding a single test invocation without touching frames below base.
// Every nested "logical re-entry point" spec.md §4.3's state machine
// describes (CALL into RUNNING, IMPORT into ENTERING_MODULE) is a fresh Go
// call to runLoop with that entry point's own base, not a separate
// trampoline state.
func (vm *VM) runLoop(base int) (value.Value, *RuntimeError) {
	for vm.frameCount > base {
		frame := &vm.frames[vm.frameCount-1]
		op := bytecode.Op(readByte(frame))

		switch op {
		case bytecode.OpConstant:
			vm.push(readConstant(frame, int(readByte(frame))))

		case bytecode.OpConstantLong:
			idx := bytecode.DecodeU24(readByte(frame), readByte(frame), readByte(frame))
			vm.push(readConstant(frame, idx))

		case bytecode.OpNil:
			vm.push(value.Nil)
		case bytecode.OpTrue:
			vm.push(value.Bool_(true))
		case bytecode.OpFalse:
			vm.push(value.Bool_(false))
		case bytecode.OpPop:
			vm.pop()

		case bytecode.OpGetLocal:
			slot := int(readByte(frame))
			vm.push(vm.stack[frame.SlotBase+slot])
		case bytecode.OpSetLocal:
			slot := int(readByte(frame))
			vm.stack[frame.SlotBase+slot] = vm.peek(0)

		case bytecode.OpGetGlobal:
			name := readString(frame, int(readByte(frame)))
			v, ok := vm.globalsFor(frame).Get(name)
			if !ok {
				if _, rtErr := vm.fail(base, "Undefined variable '%s'.", name.String()); rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
			vm.push(v)
		case bytecode.OpDefineGlobal:
			name := readString(frame, int(readByte(frame)))
			vm.globalsFor(frame).Set(name, vm.pop())
		case bytecode.OpSetGlobal:
			name := readString(frame, int(readByte(frame)))
			table := vm.globalsFor(frame)
			if _, ok := table.Get(name); !ok {
				if _, rtErr := vm.fail(base, "Undefined variable '%s'.", name.String()); rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
			table.Set(name, vm.peek(0))

		case bytecode.OpGetUpvalue:
			idx := int(readByte(frame))
			vm.push(*frame.Closure.Upvalues[idx].Location)
		case bytecode.OpSetUpvalue:
			idx := int(readByte(frame))
			*frame.Closure.Upvalues[idx].Location = vm.peek(0)

		case bytecode.OpGetProperty:
			name := readString(frame, int(readByte(frame)))
			receiver := vm.pop()
			v, rtErr, ok := vm.getProperty(base, receiver, name)
			if !ok {
				if rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
			vm.push(v)
		case bytecode.OpSetProperty:
			name := readString(frame, int(readByte(frame)))
			v := vm.pop()
			receiver := vm.pop()
			inst, ok := receiver.Obj.(*value.ObjInstance)
			if !receiver.IsObject() || !ok {
				if _, rtErr := vm.fail(base, "Only instances have settable fields."); rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
			inst.Fields.Set(name, v)
			vm.push(v)
		case bytecode.OpGetSuper:
			name := readString(frame, int(readByte(frame)))
			super := vm.pop().Obj.(*value.ObjClass)
			receiver := vm.pop()
			method, ok := super.Methods.Get(name)
			if !ok {
				if _, rtErr := vm.fail(base, "Undefined property '%s'.", name.String()); rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
			vm.push(value.Obj(vm.bindMethod(receiver, method)))

		case bytecode.OpAdd:
			b, a := vm.pop(), vm.pop()
			if a.IsString() || b.IsString() {
				vm.push(value.Obj(vm.intern(value.Stringify(a) + value.Stringify(b))))
				continue
			}
			if !a.IsNumber() || !b.IsNumber() {
				if _, rtErr := vm.fail(base, "Operands must be two numbers or at least one string."); rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
			vm.push(value.Number(a.Number + b.Number))
		case bytecode.OpSub:
			ok, rtErr := vm.numericBinOp(base, func(a, b float64) float64 { return a - b })
			if !ok {
				if rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
		case bytecode.OpMul:
			ok, rtErr := vm.numericBinOp(base, func(a, b float64) float64 { return a * b })
			if !ok {
				if rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
		case bytecode.OpDiv:
			ok, rtErr := vm.numericBinOp(base, func(a, b float64) float64 { return a / b })
			if !ok {
				if rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
		case bytecode.OpMod:
			ok, rtErr := vm.numericBinOp(base, fmod)
			if !ok {
				if rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
		case bytecode.OpNeg:
			a := vm.pop()
			if !a.IsNumber() {
				if _, rtErr := vm.fail(base, "Operand must be a number."); rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
			vm.push(value.Number(-a.Number))
		case bytecode.OpNot:
			vm.push(value.Bool_(vm.pop().Falsy()))
		case bytecode.OpEqual:
			b, a := vm.pop(), vm.pop()
			vm.push(value.Bool_(value.Equal(a, b)))
		case bytecode.OpGreater:
			ok, rtErr := vm.compareBinOp(base, func(a, b float64) bool { return a > b })
			if !ok {
				if rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
		case bytecode.OpLess:
			ok, rtErr := vm.compareBinOp(base, func(a, b float64) bool { return a < b })
			if !ok {
				if rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}

		case bytecode.OpPrint:
			fmt.Fprintln(vm.out, value.Stringify(vm.pop()))

		case bytecode.OpJump:
			offset := readU16(frame)
			frame.IP += offset
		case bytecode.OpJumpIfFalse:
			offset := readU16(frame)
			if vm.peek(0).Falsy() {
				frame.IP += offset
			}
		case bytecode.OpLoop:
			offset := readU16(frame)
			frame.IP -= offset

		case bytecode.OpCall:
			argc := int(readByte(frame))
			callee := vm.peek(argc)
			ok, rtErr := vm.callValue(base, callee, argc)
			if !ok {
				if rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}

		case bytecode.OpInvoke:
			name := readString(frame, int(readByte(frame)))
			argc := int(readByte(frame))
			receiver := vm.peek(argc)
			ok, rtErr := vm.invoke(base, receiver, name, argc)
			if !ok {
				if rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}

		case bytecode.OpSuperInvoke:
			name := readString(frame, int(readByte(frame)))
			argc := int(readByte(frame))
			super := vm.pop().Obj.(*value.ObjClass)
			method, ok := super.Methods.Get(name)
			if !ok {
				if _, rtErr := vm.fail(base, "Undefined property '%s'.", name.String()); rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
			ok2, rtErr := vm.callClosure(base, method, argc)
			if !ok2 {
				if rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}

		case bytecode.OpClosure:
			fnIdx := int(readByte(frame))
			fn := readConstant(frame, fnIdx).Obj.(*value.ObjFunction)
			closure := vm.newClosure(fn)
			closure.Module = frame.Closure.Module
			for i := 0; i < fn.UpvalCount; i++ {
				isLocal := readByte(frame) == 1
				idx := int(readByte(frame))
				if isLocal {
					closure.Upvalues[i] = vm.captureUpvalue(frame.SlotBase + idx)
				} else {
					closure.Upvalues[i] = frame.Closure.Upvalues[idx]
				}
			}
			vm.push(value.Obj(closure))
		case bytecode.OpCloseUpvalue:
			vm.closeUpvalues(vm.stackTop - 1)
			vm.pop()

		case bytecode.OpReturn:
			result := vm.pop()
			vm.closeUpvalues(frame.SlotBase)
			vm.frameCount--
			vm.stackTop = frame.SlotBase
			if vm.frameCount == base {
				vm.push(result)
				return result, nil
			}
			vm.push(result)

		case bytecode.OpClass:
			name := readString(frame, int(readByte(frame)))
			vm.push(value.Obj(vm.newClass(name)))
		case bytecode.OpInherit:
			sub := vm.peek(0).Obj.(*value.ObjClass)
			superVal := vm.peek(1)
			super, ok := superVal.Obj.(*value.ObjClass)
			if !superVal.IsObject() || !ok {
				if _, rtErr := vm.fail(base, "Superclass must be a class."); rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
			sub.Methods.AddAll(super.Methods)
			vm.pop() // the subclass copy pushed for this opcode; "super" local below it stays
		case bytecode.OpMethod:
			name := readString(frame, int(readByte(frame)))
			method := vm.pop().Obj.(*value.ObjClosure)
			class := vm.peek(0).Obj.(*value.ObjClass)
			class.Methods.Set(name, method)

		case bytecode.OpBuildList:
			count := int(readByte(frame))
			items := make([]value.Value, count)
			copy(items, vm.stack[vm.stackTop-count:vm.stackTop])
			vm.stackTop -= count
			vm.push(value.Obj(vm.newList(items)))
		case bytecode.OpBuildMap:
			pairs := int(readByte(frame))
			m := vm.newMap()
			mapBase := vm.stackTop - pairs*2
			badKey := false
			for i := 0; i < pairs; i++ {
				k := vm.stack[mapBase+i*2]
				v := vm.stack[mapBase+i*2+1]
				if !k.IsString() {
					badKey = true
					break
				}
				m.Set(k.AsString(), v)
			}
			vm.stackTop = mapBase
			if badKey {
				if _, rtErr := vm.fail(base, "Map keys must be strings."); rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
			vm.push(value.Obj(m))
		case bytecode.OpIndex:
			idx := vm.pop()
			recv := vm.pop()
			v, rtErr, ok := vm.index(base, recv, idx)
			if !ok {
				if rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
			vm.push(v)
		case bytecode.OpStore:
			v := vm.pop()
			idx := vm.pop()
			recv := vm.pop()
			rtErr, ok := vm.store(base, recv, idx, v)
			if !ok {
				if rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
			vm.push(v)

		case bytecode.OpImport:
			path := readString(frame, int(readByte(frame)))
			mod, rtErr := vm.loadModule(path.String())
			if rtErr != nil {
				return value.Nil, rtErr
			}
			dest := vm.globalsFor(frame)
			for _, k := range mod.Exports.Keys() {
				v, _ := mod.Exports.Get(k)
				dest.Set(k, v)
			}
		case bytecode.OpImportFrom:
			path := readString(frame, int(readByte(frame)))
			name := readString(frame, int(readByte(frame)))
			mod, rtErr := vm.loadModule(path.String())
			if rtErr != nil {
				return value.Nil, rtErr
			}
			v, ok := mod.Exports.Get(name)
			if !ok {
				if _, rtErr := vm.fail(base, "Module '%s' has no export '%s'.", path.String(), name.String()); rtErr != nil {
					return value.Nil, rtErr
				}
				continue
			}
			vm.globalsFor(frame).Set(name, v)
		case bytecode.OpExport:
			name := readString(frame, int(readByte(frame)))
			v, _ := vm.globalsFor(frame).Get(name)
			if frame.Closure.Module != nil {
				frame.Closure.Module.Exports.Set(name, v)
			}

		default:
			if _, rtErr := vm.fail(base, "Unknown opcode %d.", byte(op)); rtErr != nil {
				return value.Nil, rtErr
			}
		}
	}
	return value.Nil, nil
}

func fmod(a, b float64) float64 { return math.Mod(a, b) }

// numericBinOp returns (true, nil) on success, (false, nil) if test mode
// swallowed the type error, (false, err) if it was fatal — callers switch
// on this exactly like every call/invoke helper.
func (vm *VM) numericBinOp(base int, op func(a, b float64) float64) (bool, *RuntimeError) {
	b, a := vm.pop(), vm.pop()
	if !a.IsNumber() || !b.IsNumber() {
		return false, vm.failErr(base, "Operands must be numbers.")
	}
	vm.push(value.Number(op(a.Number, b.Number)))
	return true, nil
}

func (vm *VM) compareBinOp(base int, op func(a, b float64) bool) (bool, *RuntimeError) {
	b, a := vm.pop(), vm.pop()
	if !a.IsNumber() || !b.IsNumber() {
		return false, vm.failErr(base, "Operands must be numbers.")
	}
	vm.push(value.Bool_(op(a.Number, b.Number)))
	return true, nil
}

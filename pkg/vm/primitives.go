package vm

import "github.com/kristofer/cmel/pkg/value"

// buildStringMethods, buildNumberMethods, buildListMethods, and
// buildMapMethods construct the fixed per-type method tables spec.md §6
// names exactly. Every entry receives its arguments followed by the
// receiver as the last element (invokePrimitive's binding convention), and
// Arity excludes that implicit receiver slot.

func (vm *VM) buildStringMethods() map[string]*value.ObjNativeT {
	m := map[string]*value.ObjNativeT{
		"length": vm.newNative("length", 0, vm.stringLength),
		"split":  vm.newNative("split", 1, vm.stringSplit),
		"charAt": vm.newNative("charAt", 1, vm.stringCharAt),
		"slice":  vm.newNative("slice", -2, vm.stringSlice),
	}
	return m
}

func (vm *VM) stringLength(args []value.Value) value.Value {
	s := args[len(args)-1].AsString()
	return value.Number(float64(len(s.Chars)))
}

func (vm *VM) stringSplit(args []value.Value) value.Value {
	sep := args[0]
	s := args[1].AsString()
	if !sep.IsString() {
		return vm.nativeError("split() expects a string separator.")
	}
	sepStr := sep.AsString().String()
	var parts []string
	if sepStr == "" {
		for _, b := range s.Chars {
			parts = append(parts, string(b))
		}
	} else {
		parts = splitString(s.String(), sepStr)
	}
	items := make([]value.Value, len(parts))
	for i, p := range parts {
		items[i] = value.Obj(vm.intern(p))
	}
	return value.Obj(vm.newList(items))
}

func splitString(s, sep string) []string {
	var parts []string
	for {
		i := indexOf(s, sep)
		if i < 0 {
			parts = append(parts, s)
			return parts
		}
		parts = append(parts, s[:i])
		s = s[i+len(sep):]
	}
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

func (vm *VM) stringCharAt(args []value.Value) value.Value {
	if !args[0].IsNumber() {
		return vm.nativeError("charAt() expects a number index.")
	}
	s := args[1].AsString()
	i := normalizeIndex(args[0].Number, len(s.Chars))
	if i < 0 || i >= len(s.Chars) {
		return vm.nativeError("String index out of bounds.")
	}
	return value.Obj(vm.intern(string(s.Chars[i])))
}

func (vm *VM) stringSlice(args []value.Value) value.Value {
	receiver := args[len(args)-1].AsString()
	if !args[0].IsNumber() {
		return vm.nativeError("slice() expects a number start index.")
	}
	start := clampIndex(args[0].Number, len(receiver.Chars))
	end := len(receiver.Chars)
	if len(args) > 2 && args[1].IsNumber() {
		end = clampIndex(args[1].Number, len(receiver.Chars))
	}
	if end < start {
		end = start
	}
	return value.Obj(vm.intern(string(receiver.Chars[start:end])))
}

func clampIndex(n float64, length int) int {
	i := int(n)
	if i < 0 {
		i += length
	}
	if i < 0 {
		i = 0
	}
	if i > length {
		i = length
	}
	return i
}

func (vm *VM) buildNumberMethods() map[string]*value.ObjNativeT {
	return map[string]*value.ObjNativeT{
		"add": vm.newNative("add", 1, vm.numberAdd),
	}
}

func (vm *VM) numberAdd(args []value.Value) value.Value {
	if !args[0].IsNumber() {
		return vm.nativeError("add() expects a number.")
	}
	return value.Number(args[1].Number + args[0].Number)
}

func (vm *VM) buildListMethods() map[string]*value.ObjNativeT {
	return map[string]*value.ObjNativeT{
		"add":      vm.newNative("add", 1, vm.listAdd),
		"remove":   vm.newNative("remove", 1, vm.listRemove),
		"length":   vm.newNative("length", 0, vm.listLength),
		"map":      vm.newNative("map", 1, vm.listMap),
		"filter":   vm.newNative("filter", 1, vm.listFilter),
		"find":     vm.newNative("find", 1, vm.listFind),
		"contains": vm.newNative("contains", 1, vm.listContains),
		"reverse":  vm.newNative("reverse", 0, vm.listReverse),
		"sum":      vm.newNative("sum", 0, vm.listSum),
	}
}

func (vm *VM) listAdd(args []value.Value) value.Value {
	l := args[1].Obj.(*value.ObjListT)
	l.Items = append(l.Items, args[0])
	return value.Nil
}

func (vm *VM) listRemove(args []value.Value) value.Value {
	if !args[0].IsNumber() {
		return vm.nativeError("remove() expects a number index.")
	}
	l := args[1].Obj.(*value.ObjListT)
	i := normalizeIndex(args[0].Number, len(l.Items))
	if i < 0 || i >= len(l.Items) {
		return vm.nativeError("List index out of bounds.")
	}
	removed := l.Items[i]
	l.Items = append(l.Items[:i], l.Items[i+1:]...)
	return removed
}

func (vm *VM) listLength(args []value.Value) value.Value {
	l := args[0].Obj.(*value.ObjListT)
	return value.Number(float64(len(l.Items)))
}

func (vm *VM) listMap(args []value.Value) value.Value {
	fn := args[0]
	receiver := args[1]
	l := receiver.Obj.(*value.ObjListT)
	vm.pushTempRoot(receiver)
	defer vm.popTempRoot()
	out := make([]value.Value, len(l.Items))
	for i, item := range l.Items {
		result, ok := vm.callFunctionValue(fn, []value.Value{item})
		if !ok {
			return vm.nativeError("map() callback failed.")
		}
		out[i] = result
	}
	return value.Obj(vm.newList(out))
}

func (vm *VM) listFilter(args []value.Value) value.Value {
	fn := args[0]
	receiver := args[1]
	l := receiver.Obj.(*value.ObjListT)
	vm.pushTempRoot(receiver)
	defer vm.popTempRoot()
	var out []value.Value
	for _, item := range l.Items {
		result, ok := vm.callFunctionValue(fn, []value.Value{item})
		if !ok {
			return vm.nativeError("filter() callback failed.")
		}
		if result.Truthy() {
			out = append(out, item)
		}
	}
	return value.Obj(vm.newList(out))
}

func (vm *VM) listFind(args []value.Value) value.Value {
	fn := args[0]
	receiver := args[1]
	l := receiver.Obj.(*value.ObjListT)
	vm.pushTempRoot(receiver)
	defer vm.popTempRoot()
	for _, item := range l.Items {
		result, ok := vm.callFunctionValue(fn, []value.Value{item})
		if !ok {
			return vm.nativeError("find() callback failed.")
		}
		if result.Truthy() {
			return item
		}
	}
	return value.Nil
}

func (vm *VM) listContains(args []value.Value) value.Value {
	l := args[1].Obj.(*value.ObjListT)
	for _, item := range l.Items {
		if value.Equal(item, args[0]) {
			return value.Bool_(true)
		}
	}
	return value.Bool_(false)
}

func (vm *VM) listReverse(args []value.Value) value.Value {
	l := args[0].Obj.(*value.ObjListT)
	for i, j := 0, len(l.Items)-1; i < j; i, j = i+1, j-1 {
		l.Items[i], l.Items[j] = l.Items[j], l.Items[i]
	}
	return args[0]
}

func (vm *VM) listSum(args []value.Value) value.Value {
	l := args[0].Obj.(*value.ObjListT)
	total := 0.0
	for _, item := range l.Items {
		if !item.IsNumber() {
			return vm.nativeError("sum() requires every element to be a number.")
		}
		total += item.Number
	}
	return value.Number(total)
}

func (vm *VM) buildMapMethods() map[string]*value.ObjNativeT {
	return map[string]*value.ObjNativeT{
		"keys":   vm.newNative("keys", 0, vm.mapKeys),
		"values": vm.newNative("values", 0, vm.mapValues),
		"has":    vm.newNative("has", 1, vm.mapHas),
		"remove": vm.newNative("remove", 1, vm.mapRemove),
		"length": vm.newNative("length", 0, vm.mapLength),
	}
}

func (vm *VM) mapKeys(args []value.Value) value.Value {
	m := args[0].Obj.(*value.ObjMapT)
	items := make([]value.Value, len(m.Order))
	for i, k := range m.Order {
		items[i] = value.Obj(k)
	}
	return value.Obj(vm.newList(items))
}

func (vm *VM) mapValues(args []value.Value) value.Value {
	m := args[0].Obj.(*value.ObjMapT)
	items := make([]value.Value, len(m.Order))
	for i, k := range m.Order {
		v, _ := m.Entries.Get(k)
		items[i] = v
	}
	return value.Obj(vm.newList(items))
}

func (vm *VM) mapHas(args []value.Value) value.Value {
	if !args[0].IsString() {
		return vm.nativeError("has() expects a string key.")
	}
	m := args[1].Obj.(*value.ObjMapT)
	_, ok := m.Entries.Get(args[0].AsString())
	return value.Bool_(ok)
}

func (vm *VM) mapRemove(args []value.Value) value.Value {
	if !args[0].IsString() {
		return vm.nativeError("remove() expects a string key.")
	}
	m := args[1].Obj.(*value.ObjMapT)
	return value.Bool_(m.Delete(args[0].AsString()))
}

func (vm *VM) mapLength(args []value.Value) value.Value {
	m := args[0].Obj.(*value.ObjMapT)
	return value.Number(float64(m.Entries.Len()))
}

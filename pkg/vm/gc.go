package vm

import (
	"github.com/kristofer/cmel/pkg/table"
	"github.com/kristofer/cmel/pkg/value"
)

// track links o into the VM's intrusive allocation list and folds its
// estimated size into bytesAllocated, collecting first if the next-GC
// threshold has been crossed. Every heap allocation the VM performs after
// compilation goes through here, mirroring the teacher's single
// allocateObject choke point.
//
// While vm.compiling is set, the threshold check is skipped: strings
// interned mid-compile (via the InternFunc handed to compiler.Compile)
// aren't reachable from any VM root yet — they live only in the
// in-progress Chunk the compiler is still building, which adoptFunction
// doesn't walk until Compile returns. Collecting in that window would
// sweep those strings right back out of vm.strings, breaking the
// content-equal-implies-identity-equal invariant for the next lookup.
func (vm *VM) track(o value.Object, size int) {
	if !vm.compiling && vm.bytesAllocated+size > vm.nextGC {
		vm.collectGarbage()
	}
	vm.bytesAllocated += size
	h := o.Header()
	h.Size = size
	h.Next = vm.objects
	vm.objects = o
}

const (
	sizeString  = 32
	sizeClosure = 48
	sizeClass   = 40
	sizeInst    = 32
	sizeBound   = 24
	sizeUpvalue = 32
	sizeList    = 24
	sizeMap     = 32
	sizeModule  = 40
)

// intern returns the canonical *ObjStringT for s, allocating and tracking a
// new one only the first time s's bytes are seen — spec.md §4.4's
// string-interning requirement, grounded on the teacher's sole string pool.
func (vm *VM) intern(s string) *value.ObjStringT {
	bytes := []byte(s)
	hash := value.FNV1a(bytes)
	if k, ok := vm.strings.FindKey(bytes, hash); ok {
		return k.(*value.ObjStringT)
	}
	str := &value.ObjStringT{Chars: bytes, Hash: hash}
	vm.track(str, sizeString+len(bytes))
	vm.strings.Set(str, str)
	return str
}

// adoptFunction walks a freshly compiled ObjFunction tree (the compiler
// allocates these bare, without VM involvement) and tracks every function
// it reaches in the VM's allocation list. String constants need no work
// here: the compiler interned them through vm.intern, which already
// tracked them.
func (vm *VM) adoptFunction(fn *value.ObjFunction) {
	vm.track(fn, 64+len(fn.Chunk.Code))
	for _, c := range fn.Chunk.Constants {
		switch o := c.Obj.(type) {
		case *value.ObjFunction:
			vm.adoptFunction(o)
		case *value.ObjStringT:
			vm.adoptString(o)
		}
	}
}

// adoptString registers a compiler-produced string constant that was
// already uniqued against the compiler's own intern callback (vm.intern
// itself, passed to compiler.Compile) — by the time we get here it is
// already in vm.strings, so this only exists to make adoptFunction's switch
// exhaustive without a special case; interning already tracked it.
func (vm *VM) adoptString(s *value.ObjStringT) {}

func (vm *VM) newClosure(fn *value.ObjFunction) *value.ObjClosure {
	c := &value.ObjClosure{Function: fn, Upvalues: make([]*value.ObjUpvalueT, fn.UpvalCount)}
	vm.track(c, sizeClosure+8*len(c.Upvalues))
	return c
}

func (vm *VM) newUpvalue(slot *value.Value) *value.ObjUpvalueT {
	up := &value.ObjUpvalueT{Location: slot}
	vm.track(up, sizeUpvalue)
	return up
}

func (vm *VM) newClass(name *value.ObjStringT) *value.ObjClass {
	c := value.NewClass(name)
	vm.track(c, sizeClass)
	return c
}

func (vm *VM) newInstance(class *value.ObjClass) *value.ObjInstance {
	i := value.NewInstance(class)
	vm.track(i, sizeInst)
	return i
}

func (vm *VM) newBoundMethod(receiver value.Value, method *value.ObjClosure) *value.ObjBoundMethodT {
	b := &value.ObjBoundMethodT{Receiver: receiver, Method: method}
	vm.track(b, sizeBound)
	return b
}

func (vm *VM) newBoundNative(receiver value.Value, native *value.ObjNativeT) *value.ObjBoundNativeT {
	b := &value.ObjBoundNativeT{Receiver: receiver, Native: native}
	vm.track(b, sizeBound)
	return b
}

func (vm *VM) newNative(name string, arity int, fn value.NativeFn) *value.ObjNativeT {
	n := &value.ObjNativeT{Name: name, Arity: arity, Fn: fn}
	vm.track(n, sizeString+8)
	return n
}

func (vm *VM) newList(items []value.Value) *value.ObjListT {
	l := &value.ObjListT{Items: items}
	vm.track(l, sizeList+16*len(items))
	return l
}

func (vm *VM) newMap() *value.ObjMapT {
	m := value.NewMap()
	vm.track(m, sizeMap)
	return m
}

func (vm *VM) newModule(name *value.ObjStringT) *value.ObjModule {
	m := value.NewModule(name)
	vm.track(m, sizeModule)
	return m
}

// pushTempRoot protects v from a collection triggered by further
// allocation before v has anywhere else a root scan would find it — e.g.
// while building a list literal's backing array one push() at a time.
func (vm *VM) pushTempRoot(v value.Value) {
	vm.tempRoots = append(vm.tempRoots, v)
}

func (vm *VM) popTempRoot() {
	vm.tempRoots = vm.tempRoots[:len(vm.tempRoots)-1]
}

// collectGarbage runs one full tracing mark-and-sweep pass: mark every root
// (stack, frames' closures, open upvalues, globals, modules, temp roots,
// the primitive-type method natives, initString), blacken the gray
// stack to transitive closure, sweep every unmarked object out of the
// allocation list, then double the next-GC threshold from the post-sweep
// live size — grounded on spec.md §4.5's tri-color mark-sweep description.
func (vm *VM) collectGarbage() {
	vm.markRoots()
	vm.traceReferences()
	vm.sweep()
	vm.nextGC = vm.bytesAllocated * vm.Config.GCGrowthFactor
	if vm.nextGC < vm.Config.InitialGCThreshold {
		vm.nextGC = vm.Config.InitialGCThreshold
	}
}

func (vm *VM) markRoots() {
	for i := 0; i < vm.stackTop; i++ {
		vm.markValue(vm.stack[i])
	}
	for i := 0; i < vm.frameCount; i++ {
		vm.markObject(vm.frames[i].Closure)
	}
	for up := vm.openUpvalues; up != nil; up = up.NextOpen {
		vm.markObject(up)
	}
	vm.markTable(vm.globals)
	for _, k := range vm.modules.Keys() {
		vm.markObject(k.(*value.ObjStringT))
		mod, _ := vm.modules.Get(k)
		vm.markObject(mod)
	}
	for _, v := range vm.tempRoots {
		vm.markValue(v)
	}
	for _, m := range []map[string]*value.ObjNativeT{vm.stringMethods, vm.numberMethods, vm.listMethods, vm.mapMethods} {
		for _, n := range m {
			vm.markObject(n)
		}
	}
	if vm.initString != nil {
		vm.markObject(vm.initString)
	}
}

func (vm *VM) markTable(t *table.Table[value.Value]) {
	for _, k := range t.Keys() {
		vm.markObject(k.(*value.ObjStringT))
		v, _ := t.Get(k)
		vm.markValue(v)
	}
}

func (vm *VM) markValue(v value.Value) {
	if v.Kind == value.KindObject {
		vm.markObject(v.Obj)
	}
}

func (vm *VM) markObject(o value.Object) {
	if o == nil {
		return
	}
	h := o.Header()
	if h.IsMarked {
		return
	}
	h.IsMarked = true
	vm.grayStack = append(vm.grayStack, o)
}

func (vm *VM) traceReferences() {
	for len(vm.grayStack) > 0 {
		o := vm.grayStack[len(vm.grayStack)-1]
		vm.grayStack = vm.grayStack[:len(vm.grayStack)-1]
		vm.blackenObject(o)
	}
}

func (vm *VM) blackenObject(o value.Object) {
	switch ov := o.(type) {
	case *value.ObjClosure:
		vm.markObject(ov.Function)
		for _, up := range ov.Upvalues {
			vm.markObject(up)
		}
		if ov.Module != nil {
			vm.markObject(ov.Module)
		}
	case *value.ObjFunction:
		if ov.Name != nil {
			vm.markObject(ov.Name)
		}
		for _, c := range ov.Chunk.Constants {
			vm.markValue(c)
		}
	case *value.ObjUpvalueT:
		vm.markValue(*ov.Location)
	case *value.ObjClass:
		vm.markObject(ov.Name)
		for _, k := range ov.Methods.Keys() {
			vm.markObject(k.(*value.ObjStringT))
			m, _ := ov.Methods.Get(k)
			vm.markObject(m)
		}
	case *value.ObjInstance:
		vm.markObject(ov.Class)
		for _, k := range ov.Fields.Keys() {
			vm.markObject(k.(*value.ObjStringT))
			v, _ := ov.Fields.Get(k)
			vm.markValue(v)
		}
	case *value.ObjBoundMethodT:
		vm.markValue(ov.Receiver)
		vm.markObject(ov.Method)
	case *value.ObjBoundNativeT:
		vm.markValue(ov.Receiver)
		vm.markObject(ov.Native)
	case *value.ObjListT:
		for _, v := range ov.Items {
			vm.markValue(v)
		}
	case *value.ObjMapT:
		for _, k := range ov.Order {
			vm.markObject(k)
			v, _ := ov.Entries.Get(k)
			vm.markValue(v)
		}
	case *value.ObjModule:
		vm.markObject(ov.Name)
		vm.markTable(ov.Globals)
		vm.markTable(ov.Exports)
	case *value.ObjStringT, *value.ObjNativeT:
		// no outgoing references
	}
}

// sweep walks the allocation list once, dropping every object left
// unmarked (and its tracked size from bytesAllocated) and clearing the
// mark bit on everything that survives for the next cycle. Unmarked
// interned strings are also removed from vm.strings so the pool doesn't
// pin otherwise-dead strings forever.
func (vm *VM) sweep() {
	var prev value.Object
	cur := vm.objects
	for cur != nil {
		h := cur.Header()
		next := h.Next
		if h.IsMarked {
			h.IsMarked = false
			prev = cur
		} else {
			vm.bytesAllocated -= h.Size
			if s, ok := cur.(*value.ObjStringT); ok {
				vm.strings.Delete(s)
			}
			if prev == nil {
				vm.objects = next
			} else {
				prev.Header().Next = next
			}
		}
		cur = next
	}
}

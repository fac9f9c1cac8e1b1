// Package value implements Cmel's tagged value union and heap object model.
//
// A Value is either nil, a bool, a number, or a reference to a heap Object.
// Heap objects embed a common header (IsMarked, Next, Size) so the garbage
// collector can thread every allocation into one sweepable list without
// knowing the concrete variant ahead of time. Object identity is Go pointer
// identity; strings are interned so that content equality and pointer
// equality coincide for them (see Table.FindKey in pkg/table).
package value

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kristofer/cmel/pkg/table"
)

// ObjType tags the concrete variant of a heap Object.
type ObjType uint8

const (
	ObjString ObjType = iota
	ObjFunctionType
	ObjClosureType
	ObjUpvalue
	ObjClassType
	ObjInstanceType
	ObjBoundMethod
	ObjBoundNative
	ObjNative
	ObjList
	ObjMap
	ObjModuleType
)

func (t ObjType) String() string {
	switch t {
	case ObjString:
		return "string"
	case ObjFunctionType:
		return "function"
	case ObjClosureType:
		return "closure"
	case ObjUpvalue:
		return "upvalue"
	case ObjClassType:
		return "class"
	case ObjInstanceType:
		return "instance"
	case ObjBoundMethod, ObjBoundNative:
		return "bound method"
	case ObjNative:
		return "native function"
	case ObjList:
		return "list"
	case ObjMap:
		return "map"
	case ObjModuleType:
		return "module"
	default:
		return "object"
	}
}

// Object is implemented by every heap-allocated value variant. The Header
// method gives the collector uniform access to the mark bit and the
// intrusive allocation-list pointer regardless of concrete type.
type Object interface {
	Header() *ObjHeader
	Type() ObjType
}

// ObjHeader is embedded in every heap object. Next threads all live
// allocations into one list, newest first, so Sweep can walk every
// object without a separate registry. Size is the byte estimate the VM
// added to its allocation count when it tracked the object; sweeping the
// object subtracts it again.
type ObjHeader struct {
	IsMarked bool
	Next     Object
	Size     int
}

func (h *ObjHeader) Header() *ObjHeader { return h }

// ObjStringT is an immutable, interned byte string.
type ObjStringT struct {
	ObjHeader
	Chars []byte
	Hash  uint32
}

func (s *ObjStringT) Type() ObjType { return ObjString }
func (s *ObjStringT) String() string { return string(s.Chars) }

// TableBytes and TableHash satisfy pkg/table.Key so interned strings can
// key any Table instance (globals, method tables, field tables, ...)
// without that package importing this one.
func (s *ObjStringT) TableBytes() []byte { return s.Chars }
func (s *ObjStringT) TableHash() uint32  { return s.Hash }

// FNV1a computes the 32-bit FNV-1a hash used for string interning.
func FNV1a(b []byte) uint32 {
	var hash uint32 = 2166136261
	for _, c := range b {
		hash ^= uint32(c)
		hash *= 16777619
	}
	return hash
}

// Chunk is the bytecode + constants + line table for one compiled function.
// Defined here (rather than in pkg/bytecode) so that ObjFunction can embed
// it without an import cycle between value and bytecode; pkg/bytecode
// defines the opcode constants that index into Code.
type Chunk struct {
	Code      []byte
	Lines     []int
	Constants []Value
}

func (c *Chunk) Write(b byte, line int) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

func (c *Chunk) AddConstant(v Value) int {
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// ObjFunction is a compiled function: arity, upvalue count, optional name,
// and the chunk the compiler produced for its body.
type ObjFunction struct {
	ObjHeader
	Arity      int
	UpvalCount int
	Name       *ObjStringT // nil for the top-level script
	Chunk      Chunk
}

func (f *ObjFunction) Type() ObjType { return ObjFunctionType }

func (f *ObjFunction) DisplayName() string {
	if f.Name == nil {
		return "script"
	}
	return f.Name.String()
}

// ObjUpvalueT is either open (Location points into a live VM stack slot) or
// closed (Location == &Closed after the stack frame that owned the slot
// returned).
type ObjUpvalueT struct {
	ObjHeader
	Location *Value
	Closed   Value
	Slot     int          // stack slot Location points at while open; meaningless once closed
	NextOpen *ObjUpvalueT // threads the VM's open-upvalue list, descending by Slot
}

func (u *ObjUpvalueT) Type() ObjType { return ObjUpvalue }

func (u *ObjUpvalueT) IsOpen() bool { return u.Location != &u.Closed }

// ObjClosure wraps a non-owning reference to a Function plus the upvalue
// handles captured at creation time, and (for module-loaded closures) the
// module whose globals GET_GLOBAL/SET_GLOBAL should resolve against.
type ObjClosure struct {
	ObjHeader
	Function *ObjFunction
	Upvalues []*ObjUpvalueT
	Module   *ObjModule // nil outside of module-loading contexts
}

func (c *ObjClosure) Type() ObjType { return ObjClosureType }

// ObjClass is a name plus a method table (name -> closure). OP_INHERIT
// copies the superclass's methods into the subclass table at class-creation
// time, so method lookup at a call site never needs to walk a parent chain.
type ObjClass struct {
	ObjHeader
	Name    *ObjStringT
	Methods *table.Table[*ObjClosure]
}

func (c *ObjClass) Type() ObjType { return ObjClassType }

// NewClass allocates a class with an empty method table.
func NewClass(name *ObjStringT) *ObjClass {
	return &ObjClass{Name: name, Methods: table.New[*ObjClosure]()}
}

// ObjInstance is a class pointer plus a field table.
type ObjInstance struct {
	ObjHeader
	Class  *ObjClass
	Fields *table.Table[Value]
}

// NewInstance allocates an instance with an empty field table.
func NewInstance(class *ObjClass) *ObjInstance {
	return &ObjInstance{Class: class, Fields: table.New[Value]()}
}

func (i *ObjInstance) Type() ObjType { return ObjInstanceType }

// ObjBoundMethodT binds a receiver instance to one of its class's closures,
// produced by property access (`instance.method`) without a call.
type ObjBoundMethodT struct {
	ObjHeader
	Receiver Value
	Method   *ObjClosure
}

func (b *ObjBoundMethodT) Type() ObjType { return ObjBoundMethod }

// NativeFn is the signature every built-in and primitive-type method
// implements. args is the callee's argument window on the VM stack (for
// primitive methods, the receiver is appended as the final argument per the
// binding convention described in spec.md §4.3). Returning the Error
// sentinel aborts the call; the native is expected to have already recorded
// a message for the VM to surface.
type NativeFn func(args []Value) Value

// ObjNativeT wraps a Go function pointer with the arity contract natives
// advertise to the compiler/VM: Arity >= 0 means exact, Arity < 0 means
// variadic with a minimum of -Arity-1 arguments.
type ObjNativeT struct {
	ObjHeader
	Name  string
	Arity int
	Fn    NativeFn
}

func (n *ObjNativeT) Type() ObjType { return ObjNative }

// ObjBoundNativeT binds a receiver primitive value to a native method
// implementation, produced when a primitive's OP_INVOKE path needs to hand
// back a first-class callable (e.g. storing `list.add` in a variable).
type ObjBoundNativeT struct {
	ObjHeader
	Receiver Value
	Native   *ObjNativeT
}

func (b *ObjBoundNativeT) Type() ObjType { return ObjBoundNative }

// ObjListT is a dynamic array of values.
type ObjListT struct {
	ObjHeader
	Items []Value
}

func (l *ObjListT) Type() ObjType { return ObjList }

// ObjMapT is a hash table from interned strings to arbitrary values,
// backing Cmel's `{}` literal. Keyed on *ObjStringT identity exactly like
// pkg/table.Table, so two ObjMapT instances never share storage.
type ObjMapT struct {
	ObjHeader
	Entries *table.Table[Value]
	// Order preserves insertion order for keys()/values() iteration, which
	// open addressing does not guarantee on its own.
	Order []*ObjStringT
}

func (m *ObjMapT) Type() ObjType { return ObjMap }

func (m *ObjMapT) Set(key *ObjStringT, v Value) {
	if _, exists := m.Entries.Get(key); !exists {
		m.Order = append(m.Order, key)
	}
	m.Entries.Set(key, v)
}

func (m *ObjMapT) Delete(key *ObjStringT) bool {
	if !m.Entries.Delete(key) {
		return false
	}
	for i, k := range m.Order {
		if k == key {
			m.Order = append(m.Order[:i], m.Order[i+1:]...)
			break
		}
	}
	return true
}

// NewMap allocates an empty map object with its backing table initialized.
func NewMap() *ObjMapT {
	return &ObjMapT{Entries: table.New[Value]()}
}

// ObjModule is a loaded `.cmel` module: its own globals namespace and the
// subset of those globals promoted by `export` declarations.
type ObjModule struct {
	ObjHeader
	Name    *ObjStringT
	Globals *table.Table[Value]
	Exports *table.Table[Value]
}

func (m *ObjModule) Type() ObjType { return ObjModuleType }

// NewModule allocates a module with empty globals/exports tables.
func NewModule(name *ObjStringT) *ObjModule {
	return &ObjModule{Name: name, Globals: table.New[Value](), Exports: table.New[Value]()}
}

// Stringify renders v the way OP_ADD's implicit string coercion and PRINT
// do: numbers in shortest round-trippable form, booleans as "true"/"false",
// nil as "nil", objects via their own display form.
func Stringify(v Value) string {
	switch v.Kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'g', -1, 64)
	case KindObject:
		return stringifyObject(v.Obj)
	default:
		return fmt.Sprintf("<value kind %d>", v.Kind)
	}
}

func stringifyObject(o Object) string {
	switch ov := o.(type) {
	case *ObjStringT:
		return ov.String()
	case *ObjFunction:
		return "<fn " + ov.DisplayName() + ">"
	case *ObjClosure:
		return "<fn " + ov.Function.DisplayName() + ">"
	case *ObjClass:
		return ov.Name.String()
	case *ObjInstance:
		return ov.Class.Name.String() + " instance"
	case *ObjBoundMethodT:
		return "<fn " + ov.Method.Function.DisplayName() + ">"
	case *ObjBoundNativeT:
		return "<native fn " + ov.Native.Name + ">"
	case *ObjNativeT:
		return "<native fn " + ov.Name + ">"
	case *ObjListT:
		parts := make([]string, len(ov.Items))
		for i, it := range ov.Items {
			parts[i] = Stringify(it)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *ObjMapT:
		parts := make([]string, 0, len(ov.Order))
		for _, k := range ov.Order {
			v, _ := ov.Entries.Get(k)
			parts = append(parts, fmt.Sprintf("%q: %s", k.String(), Stringify(v)))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case *ObjModule:
		return "<module " + ov.Name.String() + ">"
	default:
		return "<object>"
	}
}

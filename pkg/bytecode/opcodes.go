// Package bytecode defines Cmel's instruction set: the opcodes a compiled
// Chunk (pkg/value.Chunk) holds and the small encode/decode helpers shared
// by the compiler (which writes them) and the VM (which reads them).
//
// Every instruction is one opcode byte followed by zero or more operand
// bytes inlined directly into the code stream (no separate operand table),
// the same flat layout the teacher's Instruction{Op, Operand} pair encodes
// logically — Cmel just serializes it into a byte slice instead of a
// struct slice so OP_CLOSURE's variable-length upvalue trailer and OP_LOOP's
// backward jumps fall out naturally.
package bytecode

// Op is a single bytecode instruction opcode.
type Op byte

const (
	OpConstant     Op = iota // u8  index into the chunk's constant pool
	OpConstantLong           // u24 little-endian index, for pools >= 256 entries
	OpNil
	OpTrue
	OpFalse
	OpPop

	OpGetLocal  // u8 slot
	OpSetLocal  // u8 slot
	OpGetGlobal // u8 name-constant index
	OpDefineGlobal
	OpSetGlobal
	OpGetUpvalue // u8 upvalue index
	OpSetUpvalue

	OpGetProperty // u8 name-constant index
	OpSetProperty
	OpGetSuper

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg
	OpNot
	OpEqual
	OpGreater
	OpLess

	OpPrint
	OpJump         // u16
	OpJumpIfFalse  // u16
	OpLoop         // u16 backward offset
	OpCall         // u8 argc

	OpInvoke      // u8 name-constant index, u8 argc
	OpSuperInvoke // u8 name-constant index, u8 argc

	OpClosure // u8 function-constant index, then (u8 isLocal, u8 index) per upvalue
	OpCloseUpvalue

	OpReturn
	OpClass    // u8 name-constant index
	OpInherit
	OpMethod   // u8 name-constant index
	OpBuildList // u8 count
	OpBuildMap  // u8 pair count
	OpIndex
	OpStore // indexed assignment: list[i] = v / map[k] = v

	OpImport     // u8 path-constant index
	OpImportFrom // u8 path-constant index, u8 name-constant index
	OpExport     // u8 name-constant index
)

var names = map[Op]string{
	OpConstant:     "OP_CONSTANT",
	OpConstantLong: "OP_CONSTANT_LONG",
	OpNil:          "OP_NIL",
	OpTrue:         "OP_TRUE",
	OpFalse:        "OP_FALSE",
	OpPop:          "OP_POP",
	OpGetLocal:     "OP_GET_LOCAL",
	OpSetLocal:     "OP_SET_LOCAL",
	OpGetGlobal:    "OP_GET_GLOBAL",
	OpDefineGlobal: "OP_DEFINE_GLOBAL",
	OpSetGlobal:    "OP_SET_GLOBAL",
	OpGetUpvalue:   "OP_GET_UPVALUE",
	OpSetUpvalue:   "OP_SET_UPVALUE",
	OpGetProperty:  "OP_GET_PROPERTY",
	OpSetProperty:  "OP_SET_PROPERTY",
	OpGetSuper:     "OP_GET_SUPER",
	OpAdd:          "OP_ADD",
	OpSub:          "OP_SUB",
	OpMul:          "OP_MUL",
	OpDiv:          "OP_DIV",
	OpMod:          "OP_MOD",
	OpNeg:          "OP_NEG",
	OpNot:          "OP_NOT",
	OpEqual:        "OP_EQUAL",
	OpGreater:      "OP_GREATER",
	OpLess:         "OP_LESS",
	OpPrint:        "OP_PRINT",
	OpJump:         "OP_JUMP",
	OpJumpIfFalse:  "OP_JUMP_IF_FALSE",
	OpLoop:         "OP_LOOP",
	OpCall:         "OP_CALL",
	OpInvoke:       "OP_INVOKE",
	OpSuperInvoke:  "OP_SUPER_INVOKE",
	OpClosure:      "OP_CLOSURE",
	OpCloseUpvalue: "OP_CLOSE_UPVALUE",
	OpReturn:       "OP_RETURN",
	OpClass:        "OP_CLASS",
	OpInherit:      "OP_INHERIT",
	OpMethod:       "OP_METHOD",
	OpBuildList:    "OP_BUILD_LIST",
	OpBuildMap:     "OP_BUILD_MAP",
	OpIndex:        "OP_INDEX",
	OpStore:        "OP_STORE",
	OpImport:       "OP_IMPORT",
	OpImportFrom:   "OP_IMPORT_FROM",
	OpExport:       "OP_EXPORT",
}

func (op Op) String() string {
	if n, ok := names[op]; ok {
		return n
	}
	return "OP_UNKNOWN"
}

// MaxConstants is the hard limit on a chunk's constant pool imposed by the
// 24-bit OP_CONSTANT_LONG operand.
const MaxConstants = 1 << 24

// MaxJump is the largest forward/backward offset a 16-bit jump operand can
// encode; the compiler reports a compile error rather than overflow it.
const MaxJump = 1<<16 - 1

// EncodeU24 writes n as three little-endian bytes, the layout
// OP_CONSTANT_LONG's operand uses.
func EncodeU24(n int) [3]byte {
	return [3]byte{byte(n), byte(n >> 8), byte(n >> 16)}
}

func DecodeU24(b0, b1, b2 byte) int {
	return int(b0) | int(b1)<<8 | int(b2)<<16
}

func EncodeU16(n int) [2]byte {
	return [2]byte{byte(n >> 8), byte(n)}
}

func DecodeU16(hi, lo byte) int {
	return int(hi)<<8 | int(lo)
}

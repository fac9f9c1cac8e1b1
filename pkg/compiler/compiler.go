// Package compiler implements Cmel's single-pass Pratt compiler: it scans
// and parses source text with operator-precedence climbing and emits
// bytecode directly into a pkg/value.Chunk as each construct is recognized,
// never building an explicit AST. Locals, upvalues, class scopes, and
// break-jump patching are all resolved online during this one pass.
//
// The overall shape — a Compiler that owns the current function's Chunk,
// walks tokens with advance/consume/match, and calls emit* helpers — is
// grounded on the teacher's pkg/compiler.Compiler (symbol table + emit
// helpers) and pkg/parser.Parser (token cursor, error list, synchronize-ish
// recovery), merged into one pass because spec.md §4.2 requires a
// single-pass compiler with no separate AST stage.
package compiler

import (
	"strconv"

	"github.com/kristofer/cmel/pkg/bytecode"
	"github.com/kristofer/cmel/pkg/lexer"
	"github.com/kristofer/cmel/pkg/value"
)

// InternFunc interns a string, returning the canonical *ObjStringT for its
// content. The VM owns the one global intern table (spec.md §3's "String
// identity <-> content equality" invariant), so the compiler never
// allocates its own strings — it asks the VM to.
type InternFunc func(s string) *value.ObjStringT

// FunctionType distinguishes the kind of function body currently being
// compiled, since `this`/`super`/implicit-instance-return rules differ for
// methods, initializers, plain functions, and the top-level script.
type FunctionType int

const (
	TypeFunction FunctionType = iota
	TypeScript
	TypeMethod
	TypeInitializer
)

// Local tracks one declared local variable's name, scope depth, whether
// it's captured by a closure (and so must be closed, not just popped, when
// its scope ends), and whether it was declared `const`.
type Local struct {
	Name       string
	Depth      int // -1 while declared-but-not-yet-defined (forbids `var x = x;`)
	IsCaptured bool
	IsConst    bool
}

// upvalueRef records one captured variable a function's OP_CLOSURE must
// wire up: either a direct capture of the enclosing function's local slot,
// or a capture of one of the enclosing function's own upvalues.
type upvalueRef struct {
	index   byte
	isLocal bool
}

// loopState tracks one enclosing loop so `break` can patch its jump once
// the loop's exit address is known.
type loopState struct {
	startIP      int
	scopeDepth   int
	breakJumps   []int
}

// classCompiler threads the compile-time class nesting stack so methods
// know whether `super` is valid.
type classCompiler struct {
	enclosing     *classCompiler
	hasSuperclass bool
}

// Compiler compiles one function body (the top-level script, or a nested
// fun/method/lambda) into bytecode. Nested functions get their own Compiler
// linked via enclosing, mirroring clox's compiler-chain-as-call-stack.
type Compiler struct {
	enclosing *Compiler

	lexer   *lexer.Lexer
	intern  InternFunc
	current lexer.Token
	prev    lexer.Token

	hadError   bool
	panicMode  bool
	errors     []*CompileError

	function *value.ObjFunction
	fnType   FunctionType

	locals     []Local
	scopeDepth int

	upvalues []upvalueRef

	loops []loopState
	class *classCompiler

	// inModule is true while compiling a module body, enabling OP_EXPORT;
	// spec.md §4.2 makes `export` outside a module-load context an error.
	inModule bool

	// constGlobals records which top-level names were declared `const`.
	// Only ever populated on the outermost Compiler (see root()), since
	// globals are shared across every nested function compiler in one
	// compilation the way locals are not.
	constGlobals map[string]bool
}

// root returns the outermost Compiler in the enclosing chain, the one
// whose constGlobals map is authoritative for the whole compilation.
func (c *Compiler) root() *Compiler {
	r := c
	for r.enclosing != nil {
		r = r.enclosing
	}
	return r
}

func (c *Compiler) markGlobalConst(name string) {
	root := c.root()
	if root.constGlobals == nil {
		root.constGlobals = make(map[string]bool)
	}
	root.constGlobals[name] = true
}

func (c *Compiler) isGlobalConst(name string) bool {
	return c.root().constGlobals[name]
}

// Compile compiles a full top-level program (the REPL input or a whole
// file) into the top-level script Function. intern must be the VM's own
// string interner so compiled constants share the VM's global intern pool.
func Compile(source string, intern InternFunc) (*value.ObjFunction, []*CompileError) {
	return compileWith(source, intern, false)
}

// CompileModule compiles source as a module body, allowing `export`.
func CompileModule(source string, intern InternFunc) (*value.ObjFunction, []*CompileError) {
	return compileWith(source, intern, true)
}

func compileWith(source string, intern InternFunc, inModule bool) (*value.ObjFunction, []*CompileError) {
	c := newCompiler(nil, TypeScript, intern)
	c.lexer = lexer.New(source)
	c.inModule = inModule
	c.function.Name = nil

	c.advance()
	for !c.match(lexer.TokenEOF) {
		c.declaration()
	}
	fn := c.endCompiler()
	if c.hadError {
		return nil, c.errors
	}
	return fn, nil
}

func newCompiler(enclosing *Compiler, fnType FunctionType, intern InternFunc) *Compiler {
	c := &Compiler{
		enclosing: enclosing,
		intern:    intern,
		function:  &value.ObjFunction{},
		fnType:    fnType,
	}
	if enclosing != nil {
		c.lexer = enclosing.lexer
		c.current = enclosing.current
		c.prev = enclosing.prev
		c.inModule = enclosing.inModule
		c.class = enclosing.class
	}
	// Slot 0 is reserved: `this` for methods/initializers, otherwise unnamed
	// (the calling convention still leaves the callee itself in slot 0).
	name := ""
	if fnType == TypeMethod || fnType == TypeInitializer {
		name = "this"
	}
	c.locals = append(c.locals, Local{Name: name, Depth: 0})
	return c
}

// ---- token stream helpers ----

func (c *Compiler) advance() {
	c.prev = c.current
	for {
		c.current = c.lexer.NextToken()
		if c.current.Type != lexer.TokenError {
			break
		}
		c.errorAtCurrent(c.current.Lexeme)
	}
}

func (c *Compiler) check(t lexer.TokenType) bool { return c.current.Type == t }

func (c *Compiler) match(t lexer.TokenType) bool {
	if !c.check(t) {
		return false
	}
	c.advance()
	return true
}

func (c *Compiler) consume(t lexer.TokenType, msg string) {
	if c.current.Type == t {
		c.advance()
		return
	}
	c.errorAtCurrent(msg)
}

func (c *Compiler) errorAtCurrent(msg string) { c.errorAt(c.current, msg) }
func (c *Compiler) error(msg string)          { c.errorAt(c.prev, msg) }

func (c *Compiler) errorAt(tok lexer.Token, msg string) {
	if c.panicMode {
		return
	}
	c.panicMode = true
	where := tok.Lexeme
	if tok.Type == lexer.TokenEOF {
		where = "end"
	}
	c.errors = append(c.errors, &CompileError{Line: tok.Line, Where: where, Message: msg})
	c.hadError = true
}

// synchronize implements panic-mode recovery: skip forward to the next
// statement boundary (a semicolon, or a token that starts a new
// declaration) so one compilation can report more than one error.
func (c *Compiler) synchronize() {
	c.panicMode = false
	for c.current.Type != lexer.TokenEOF {
		if c.prev.Type == lexer.TokenSemicolon {
			return
		}
		switch c.current.Type {
		case lexer.TokenClass, lexer.TokenFun, lexer.TokenVar, lexer.TokenConst,
			lexer.TokenFor, lexer.TokenIf, lexer.TokenWhile, lexer.TokenPrint,
			lexer.TokenReturn:
			return
		}
		c.advance()
	}
}

// ---- emission ----

func (c *Compiler) chunk() *value.Chunk { return &c.function.Chunk }

func (c *Compiler) emitByte(b byte) {
	c.chunk().Write(b, c.prev.Line)
}

func (c *Compiler) emitOp(op bytecode.Op) { c.emitByte(byte(op)) }

func (c *Compiler) emitOps(op bytecode.Op, b byte) {
	c.emitOp(op)
	c.emitByte(b)
}

func (c *Compiler) emitU16Operand(n int) {
	enc := bytecode.EncodeU16(n)
	c.emitByte(enc[0])
	c.emitByte(enc[1])
}

func (c *Compiler) makeConstant(v value.Value) int {
	idx := c.chunk().AddConstant(v)
	if idx >= bytecode.MaxConstants {
		c.error("Too many constants in one chunk.")
		return 0
	}
	return idx
}

// emitConstant pushes v via OP_CONSTANT (8-bit index) or OP_CONSTANT_LONG
// (24-bit little-endian index) per spec.md §4.2's constant-pool rule.
func (c *Compiler) emitConstant(v value.Value) {
	idx := c.makeConstant(v)
	if idx < 256 {
		c.emitOps(bytecode.OpConstant, byte(idx))
		return
	}
	c.emitOp(bytecode.OpConstantLong)
	enc := bytecode.EncodeU24(idx)
	c.emitByte(enc[0])
	c.emitByte(enc[1])
	c.emitByte(enc[2])
}

func (c *Compiler) identifierConstant(name string) int {
	return c.makeConstant(value.Obj(c.intern(name)))
}

// emitNameOp emits op followed by an 8-bit name-constant index, the shape
// every identifier-indexed opcode (GET/SET_GLOBAL, GET/SET_PROPERTY,
// GET_SUPER, CLASS, METHOD, IMPORT*, EXPORT) uses per spec.md §4.3 — none
// of those opcodes has a "long" 24-bit form, unlike OP_CONSTANT.
func (c *Compiler) emitNameOp(op bytecode.Op, idx int) {
	if idx >= 256 {
		c.error("Too many named constants in one chunk.")
		idx = 0
	}
	c.emitOps(op, byte(idx))
}

// emitJump writes op followed by a placeholder 16-bit offset and returns
// the offset of that placeholder for patchJump to fill in later.
func (c *Compiler) emitJump(op bytecode.Op) int {
	c.emitOp(op)
	c.emitByte(0xff)
	c.emitByte(0xff)
	return len(c.chunk().Code) - 2
}

func (c *Compiler) patchJump(offset int) {
	jump := len(c.chunk().Code) - offset - 2
	if jump > bytecode.MaxJump {
		c.error("Too much code to jump over.")
		return
	}
	enc := bytecode.EncodeU16(jump)
	c.chunk().Code[offset] = enc[0]
	c.chunk().Code[offset+1] = enc[1]
}

func (c *Compiler) emitLoop(loopStart int) {
	c.emitOp(bytecode.OpLoop)
	offset := len(c.chunk().Code) - loopStart + 2
	if offset > bytecode.MaxJump {
		c.error("Loop body too large.")
	}
	enc := bytecode.EncodeU16(offset)
	c.emitByte(enc[0])
	c.emitByte(enc[1])
}

func (c *Compiler) emitReturn() {
	if c.fnType == TypeInitializer {
		c.emitOps(bytecode.OpGetLocal, 0)
	} else {
		c.emitOp(bytecode.OpNil)
	}
	c.emitOp(bytecode.OpReturn)
}

func (c *Compiler) endCompiler() *value.ObjFunction {
	c.emitReturn()
	return c.function
}

// ---- scopes & locals ----

func (c *Compiler) beginScope() { c.scopeDepth++ }

func (c *Compiler) endScope() {
	c.scopeDepth--
	for len(c.locals) > 0 && c.locals[len(c.locals)-1].Depth > c.scopeDepth {
		if c.locals[len(c.locals)-1].IsCaptured {
			c.emitOp(bytecode.OpCloseUpvalue)
		} else {
			c.emitOp(bytecode.OpPop)
		}
		c.locals = c.locals[:len(c.locals)-1]
	}
}

func (c *Compiler) addLocal(name string, isConst bool) {
	if len(c.locals) >= 256 {
		c.error("Too many local variables in function.")
		return
	}
	c.locals = append(c.locals, Local{Name: name, Depth: -1, IsConst: isConst})
}

func (c *Compiler) declareVariable(name string, isConst bool) {
	if c.scopeDepth == 0 {
		if isConst {
			c.markGlobalConst(name)
		}
		return
	}
	for i := len(c.locals) - 1; i >= 0; i-- {
		l := c.locals[i]
		if l.Depth != -1 && l.Depth < c.scopeDepth {
			break
		}
		if l.Name == name {
			c.error("Already a variable with this name in this scope.")
		}
	}
	c.addLocal(name, isConst)
}

func (c *Compiler) markInitialized() {
	if c.scopeDepth == 0 {
		return
	}
	c.locals[len(c.locals)-1].Depth = c.scopeDepth
}

func (c *Compiler) resolveLocal(name string) (int, bool) {
	for i := len(c.locals) - 1; i >= 0; i-- {
		if c.locals[i].Name == name {
			if c.locals[i].Depth == -1 {
				c.error("Can't read local variable in its own initializer.")
			}
			return i, true
		}
	}
	return 0, false
}

// resolveUpvalue recursively searches enclosing functions for name, adding
// an upvalue capture at every intermediate function on the way and
// deduplicating repeats, per spec.md §4.2.
func (c *Compiler) resolveUpvalue(name string) (int, bool) {
	if c.enclosing == nil {
		return 0, false
	}
	if local, ok := c.enclosing.resolveLocal(name); ok {
		c.enclosing.locals[local].IsCaptured = true
		return c.addUpvalue(byte(local), true), true
	}
	if up, ok := c.enclosing.resolveUpvalue(name); ok {
		return c.addUpvalue(byte(up), false), true
	}
	return 0, false
}

func (c *Compiler) addUpvalue(index byte, isLocal bool) int {
	for i, u := range c.upvalues {
		if u.index == index && u.isLocal == isLocal {
			return i
		}
	}
	if len(c.upvalues) >= 256 {
		c.error("Too many closure variables in function.")
		return 0
	}
	c.upvalues = append(c.upvalues, upvalueRef{index: index, isLocal: isLocal})
	c.function.UpvalCount = len(c.upvalues)
	return len(c.upvalues) - 1
}

// ---- variable declare/define/resolve used by statements and the `variable` prefix rule ----

func (c *Compiler) parseVariable(msg string, isConst bool) int {
	c.consume(lexer.TokenIdentifier, msg)
	name := c.prev.Lexeme
	c.declareVariable(name, isConst)
	if c.scopeDepth > 0 {
		return 0
	}
	return c.identifierConstant(name)
}

func (c *Compiler) defineVariable(global int) {
	if c.scopeDepth > 0 {
		c.markInitialized()
		return
	}
	c.emitNameOp(bytecode.OpDefineGlobal, global)
}

// numberValue parses the previous NUMBER token's text into a float64 constant.
func (c *Compiler) numberValue() float64 {
	n, _ := strconv.ParseFloat(c.prev.Lexeme, 64)
	return n
}

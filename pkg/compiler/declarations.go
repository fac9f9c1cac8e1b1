package compiler

import (
	"github.com/kristofer/cmel/pkg/bytecode"
	"github.com/kristofer/cmel/pkg/lexer"
	"github.com/kristofer/cmel/pkg/value"
)

// declaration parses one top-level-or-block declaration: `var`, `const`,
// `fun`, `class`, any of those prefixed with `export`, or a plain
// statement. Panic-mode synchronization happens here so a single bad
// declaration doesn't abort the whole compilation.
func (c *Compiler) declaration() {
	exported := c.match(lexer.TokenExport)
	switch {
	case c.match(lexer.TokenVar):
		c.varDeclaration(false, exported)
	case c.match(lexer.TokenConst):
		c.varDeclaration(true, exported)
	case c.match(lexer.TokenFun):
		c.funDeclaration(exported)
	case c.match(lexer.TokenClass):
		c.classDeclaration(exported)
	default:
		if exported {
			c.errorAtCurrent("Expect a declaration after 'export'.")
		}
		c.statement()
	}
	if c.panicMode {
		c.synchronize()
	}
}

func (c *Compiler) maybeEmitExport(name string, exported bool) {
	if !exported {
		return
	}
	if !c.inModule {
		c.error("'export' is only valid inside a module.")
	}
	if c.scopeDepth > 0 {
		c.error("'export' is only valid at the top level of a module.")
		return
	}
	idx := c.identifierConstant(name)
	c.emitNameOp(bytecode.OpExport, idx)
}

func (c *Compiler) varDeclaration(isConst bool, exported bool) {
	global := c.parseVariable("Expect variable name.", isConst)
	name := c.prev.Lexeme

	if c.match(lexer.TokenEqual) {
		c.expression()
	} else {
		c.emitOp(bytecode.OpNil)
	}
	c.consume(lexer.TokenSemicolon, "Expect ';' after variable declaration.")
	c.defineVariable(global)
	c.maybeEmitExport(name, exported)
}

func (c *Compiler) funDeclaration(exported bool) {
	global := c.parseVariable("Expect function name.", false)
	name := c.prev.Lexeme
	c.markInitialized()
	c.function_(TypeFunction, name)
	c.defineVariable(global)
	c.maybeEmitExport(name, exported)
}

// function_ compiles a function body (parameters + block) into a fresh,
// nested Compiler, then emits OP_CLOSURE with the compiled function as a
// constant plus a trailing (isLocal, index) pair per captured upvalue.
func (c *Compiler) function_(fnType FunctionType, name string) {
	sub := newCompiler(c, fnType, c.intern)
	sub.function.Name = c.intern(name)
	sub.beginScope()

	sub.consume(lexer.TokenLeftParen, "Expect '(' after function name.")
	if !sub.check(lexer.TokenRightParen) {
		for {
			sub.function.Arity++
			if sub.function.Arity > 255 {
				sub.errorAtCurrent("Can't have more than 255 parameters.")
			}
			paramConst := sub.parseVariable("Expect parameter name.", false)
			sub.defineVariable(paramConst)
			if !sub.match(lexer.TokenComma) {
				break
			}
		}
	}
	sub.consume(lexer.TokenRightParen, "Expect ')' after parameters.")
	sub.consume(lexer.TokenLeftBrace, "Expect '{' before function body.")
	sub.block()

	fn := sub.endCompiler()
	c.current, c.prev = sub.current, sub.prev
	c.propagateErrors(sub)

	idx := c.makeConstant(value.Obj(fn))
	c.emitOps(bytecode.OpClosure, byte(idx))
	for _, up := range sub.upvalues {
		if up.isLocal {
			c.emitByte(1)
		} else {
			c.emitByte(0)
		}
		c.emitByte(up.index)
	}
}

func (c *Compiler) propagateErrors(sub *Compiler) {
	if sub.hadError {
		c.hadError = true
		c.errors = append(c.errors, sub.errors...)
	}
}

func (c *Compiler) classDeclaration(exported bool) {
	c.consume(lexer.TokenIdentifier, "Expect class name.")
	className := c.prev.Lexeme
	nameConst := c.identifierConstant(className)
	c.declareVariable(className, false)

	c.emitNameOp(bytecode.OpClass, nameConst)
	c.defineVariable(nameConst)

	cc := &classCompiler{enclosing: c.class}
	c.class = cc

	if c.match(lexer.TokenLess) {
		c.consume(lexer.TokenIdentifier, "Expect superclass name.")
		superName := c.prev.Lexeme
		if superName == className {
			c.error("A class can't inherit from itself.")
		}
		c.namedVariable(superName, false) // push superclass value

		c.beginScope()
		c.addLocal("super", true)
		c.markInitialized()

		c.namedVariable(className, false) // push subclass value
		c.emitOp(bytecode.OpInherit)
		cc.hasSuperclass = true
	}

	c.namedVariable(className, false) // push class value for OP_METHOD targets
	c.consume(lexer.TokenLeftBrace, "Expect '{' before class body.")
	for !c.check(lexer.TokenRightBrace) && !c.check(lexer.TokenEOF) {
		c.method()
	}
	c.consume(lexer.TokenRightBrace, "Expect '}' after class body.")
	c.emitOp(bytecode.OpPop) // pop the class value pushed for OP_METHOD

	if cc.hasSuperclass {
		c.endScope()
	}
	c.class = cc.enclosing
	c.maybeEmitExport(className, exported)
}

func (c *Compiler) method() {
	c.consume(lexer.TokenIdentifier, "Expect method name.")
	name := c.prev.Lexeme
	nameConst := c.identifierConstant(name)

	fnType := TypeMethod
	if name == "init" {
		fnType = TypeInitializer
	}
	c.function_(fnType, name)
	c.emitNameOp(bytecode.OpMethod, nameConst)
}

func (c *Compiler) importStatement() {
	c.consume(lexer.TokenString, "Expect a module path string.")
	path := c.prev.Lexeme
	pathConst := c.identifierConstant(path)
	c.consume(lexer.TokenSemicolon, "Expect ';' after import.")
	c.emitNameOp(bytecode.OpImport, pathConst)
}

// importFromStatement compiles `import a, b from "path";`, already having
// consumed the first identifier (handled by the caller's lookahead).
func (c *Compiler) importFromStatement(first string) {
	names := []string{first}
	for c.match(lexer.TokenComma) {
		c.consume(lexer.TokenIdentifier, "Expect imported name.")
		names = append(names, c.prev.Lexeme)
	}
	c.consume(lexer.TokenFrom, "Expect 'from' after import names.")
	c.consume(lexer.TokenString, "Expect a module path string.")
	path := c.prev.Lexeme
	pathConst := c.identifierConstant(path)
	c.consume(lexer.TokenSemicolon, "Expect ';' after import.")
	for _, n := range names {
		nameConst := c.identifierConstant(n)
		c.emitOp(bytecode.OpImportFrom)
		if pathConst >= 256 || nameConst >= 256 {
			c.error("Too many named constants in one chunk.")
			continue
		}
		c.emitByte(byte(pathConst))
		c.emitByte(byte(nameConst))
	}
}

// ---- statements ----

func (c *Compiler) statement() {
	switch {
	case c.match(lexer.TokenPrint):
		c.printStatement()
	case c.match(lexer.TokenIf):
		c.ifStatement()
	case c.match(lexer.TokenWhile):
		c.whileStatement()
	case c.match(lexer.TokenFor):
		c.forStatement()
	case c.match(lexer.TokenReturn):
		c.returnStatement()
	case c.match(lexer.TokenBreak):
		c.breakStatement()
	case c.match(lexer.TokenImport):
		c.importOrImportFrom()
	case c.match(lexer.TokenLeftBrace):
		c.beginScope()
		c.block()
		c.endScope()
	default:
		c.expressionStatement()
	}
}

func (c *Compiler) importOrImportFrom() {
	if c.check(lexer.TokenString) {
		c.importStatement()
		return
	}
	c.consume(lexer.TokenIdentifier, "Expect imported name or module path.")
	first := c.prev.Lexeme
	c.importFromStatement(first)
}

func (c *Compiler) block() {
	for !c.check(lexer.TokenRightBrace) && !c.check(lexer.TokenEOF) {
		c.declaration()
	}
	c.consume(lexer.TokenRightBrace, "Expect '}' after block.")
}

func (c *Compiler) expressionStatement() {
	c.expression()
	c.consume(lexer.TokenSemicolon, "Expect ';' after expression.")
	c.emitOp(bytecode.OpPop)
}

func (c *Compiler) printStatement() {
	c.expression()
	c.consume(lexer.TokenSemicolon, "Expect ';' after value.")
	c.emitOp(bytecode.OpPrint)
}

func (c *Compiler) ifStatement() {
	c.consume(lexer.TokenLeftParen, "Expect '(' after 'if'.")
	c.expression()
	c.consume(lexer.TokenRightParen, "Expect ')' after condition.")

	thenJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emitOp(bytecode.OpPop)
	c.statement()

	elseJump := c.emitJump(bytecode.OpJump)
	c.patchJump(thenJump)
	c.emitOp(bytecode.OpPop)

	if c.match(lexer.TokenElse) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *Compiler) whileStatement() {
	loopStart := len(c.chunk().Code)
	c.loops = append(c.loops, loopState{startIP: loopStart, scopeDepth: c.scopeDepth})

	c.consume(lexer.TokenLeftParen, "Expect '(' after 'while'.")
	c.expression()
	c.consume(lexer.TokenRightParen, "Expect ')' after condition.")

	exitJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emitOp(bytecode.OpPop)
	c.statement()
	c.emitLoop(loopStart)

	c.patchJump(exitJump)
	c.emitOp(bytecode.OpPop)
	c.endLoop()
}

func (c *Compiler) forStatement() {
	c.beginScope()
	c.consume(lexer.TokenLeftParen, "Expect '(' after 'for'.")

	switch {
	case c.match(lexer.TokenSemicolon):
		// no initializer
	case c.match(lexer.TokenVar):
		c.varDeclaration(false, false)
	default:
		c.expressionStatement()
	}

	loopStart := len(c.chunk().Code)
	c.loops = append(c.loops, loopState{startIP: loopStart, scopeDepth: c.scopeDepth})

	exitJump := -1
	if !c.match(lexer.TokenSemicolon) {
		c.expression()
		c.consume(lexer.TokenSemicolon, "Expect ';' after loop condition.")
		exitJump = c.emitJump(bytecode.OpJumpIfFalse)
		c.emitOp(bytecode.OpPop)
	}

	if !c.check(lexer.TokenRightParen) {
		bodyJump := c.emitJump(bytecode.OpJump)
		incrementStart := len(c.chunk().Code)
		c.expression()
		c.emitOp(bytecode.OpPop)
		c.consume(lexer.TokenRightParen, "Expect ')' after for clauses.")

		c.emitLoop(loopStart)
		c.loops[len(c.loops)-1].startIP = incrementStart
		loopStart = incrementStart
		c.patchJump(bodyJump)
	} else {
		c.consume(lexer.TokenRightParen, "Expect ')' after for clauses.")
	}

	c.statement()
	c.emitLoop(loopStart)

	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emitOp(bytecode.OpPop)
	}

	c.endLoop()
	c.endScope()
}

func (c *Compiler) endLoop() {
	loop := c.loops[len(c.loops)-1]
	c.loops = c.loops[:len(c.loops)-1]
	for _, jump := range loop.breakJumps {
		c.patchJump(jump)
	}
}

func (c *Compiler) breakStatement() {
	if len(c.loops) == 0 {
		c.error("Can't use 'break' outside of a loop.")
		c.consume(lexer.TokenSemicolon, "Expect ';' after 'break'.")
		return
	}
	loop := &c.loops[len(c.loops)-1]
	// Pop any locals declared inside the loop body before jumping out,
	// mirroring what endScope would do if we fell off the end normally.
	for i := len(c.locals) - 1; i >= 0 && c.locals[i].Depth > loop.scopeDepth; i-- {
		if c.locals[i].IsCaptured {
			c.emitOp(bytecode.OpCloseUpvalue)
		} else {
			c.emitOp(bytecode.OpPop)
		}
	}
	jump := c.emitJump(bytecode.OpJump)
	loop.breakJumps = append(loop.breakJumps, jump)
	c.consume(lexer.TokenSemicolon, "Expect ';' after 'break'.")
}

func (c *Compiler) returnStatement() {
	if c.fnType == TypeScript {
		c.error("Can't return from top-level code.")
	}
	if c.match(lexer.TokenSemicolon) {
		c.emitReturn()
		return
	}
	if c.fnType == TypeInitializer {
		c.error("Can't return a value from an initializer.")
	}
	c.expression()
	c.consume(lexer.TokenSemicolon, "Expect ';' after return value.")
	c.emitOp(bytecode.OpReturn)
}

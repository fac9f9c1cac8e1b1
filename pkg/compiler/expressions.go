package compiler

import (
	"github.com/kristofer/cmel/pkg/bytecode"
	"github.com/kristofer/cmel/pkg/lexer"
	"github.com/kristofer/cmel/pkg/value"
)

// Precedence levels climb from loosest to tightest binding, the classic
// Pratt-parser ladder spec.md §4.2 names explicitly: assignment, or, and,
// equality, comparison, term, factor, unary, call, primary.
type Precedence int

const (
	PrecNone Precedence = iota
	PrecAssignment
	PrecOr
	PrecAnd
	PrecEquality
	PrecComparison
	PrecTerm
	PrecFactor
	PrecUnary
	PrecCall
	PrecPrimary
)

type parseFn func(c *Compiler, canAssign bool)

type rule struct {
	prefix     parseFn
	infix      parseFn
	precedence Precedence
}

var rules map[lexer.TokenType]rule

func init() {
	rules = map[lexer.TokenType]rule{
		lexer.TokenLeftParen:    {prefix: (*Compiler).grouping, infix: (*Compiler).call, precedence: PrecCall},
		lexer.TokenDot:          {infix: (*Compiler).dot, precedence: PrecCall},
		lexer.TokenLeftBracket:  {prefix: (*Compiler).listLiteral, infix: (*Compiler).subscript, precedence: PrecCall},
		lexer.TokenLeftBrace:    {prefix: (*Compiler).mapLiteral},
		lexer.TokenMinus:        {prefix: (*Compiler).unary, infix: (*Compiler).binary, precedence: PrecTerm},
		lexer.TokenPlus:         {infix: (*Compiler).binary, precedence: PrecTerm},
		lexer.TokenSlash:        {infix: (*Compiler).binary, precedence: PrecFactor},
		lexer.TokenStar:         {infix: (*Compiler).binary, precedence: PrecFactor},
		lexer.TokenPercent:      {infix: (*Compiler).binary, precedence: PrecFactor},
		lexer.TokenBang:         {prefix: (*Compiler).unary},
		lexer.TokenBangEqual:    {infix: (*Compiler).binary, precedence: PrecEquality},
		lexer.TokenEqualEqual:   {infix: (*Compiler).binary, precedence: PrecEquality},
		lexer.TokenGreater:      {infix: (*Compiler).binary, precedence: PrecComparison},
		lexer.TokenGreaterEqual: {infix: (*Compiler).binary, precedence: PrecComparison},
		lexer.TokenLess:         {infix: (*Compiler).binary, precedence: PrecComparison},
		lexer.TokenLessEqual:    {infix: (*Compiler).binary, precedence: PrecComparison},
		lexer.TokenIdentifier:   {prefix: (*Compiler).variable},
		lexer.TokenString:       {prefix: (*Compiler).stringLiteral},
		lexer.TokenNumber:       {prefix: (*Compiler).numberLiteral},
		lexer.TokenAnd:          {infix: (*Compiler).and_, precedence: PrecAnd},
		lexer.TokenOr:           {infix: (*Compiler).or_, precedence: PrecOr},
		lexer.TokenFalse:        {prefix: (*Compiler).literal},
		lexer.TokenTrue:         {prefix: (*Compiler).literal},
		lexer.TokenNil:          {prefix: (*Compiler).literal},
		lexer.TokenThis:         {prefix: (*Compiler).this_},
		lexer.TokenSuper:        {prefix: (*Compiler).super_},
		lexer.TokenFun:          {prefix: (*Compiler).lambda},
	}
}

func (c *Compiler) getRule(t lexer.TokenType) rule { return rules[t] }

func (c *Compiler) expression() {
	c.parsePrecedence(PrecAssignment)
}

func (c *Compiler) parsePrecedence(prec Precedence) {
	c.advance()
	prefixRule := c.getRule(c.prev.Type).prefix
	if prefixRule == nil {
		c.error("Expect expression.")
		return
	}
	canAssign := prec <= PrecAssignment
	prefixRule(c, canAssign)

	for prec <= c.getRule(c.current.Type).precedence {
		c.advance()
		infixRule := c.getRule(c.prev.Type).infix
		infixRule(c, canAssign)
	}

	if canAssign && c.match(lexer.TokenEqual) {
		c.error("Invalid assignment target.")
	}
}

func (c *Compiler) numberLiteral(_ bool) {
	c.emitConstant(value.Number(c.numberValue()))
}

func (c *Compiler) stringLiteral(_ bool) {
	c.emitConstant(value.Obj(c.intern(c.prev.Lexeme)))
}

func (c *Compiler) literal(_ bool) {
	switch c.prev.Type {
	case lexer.TokenFalse:
		c.emitOp(bytecode.OpFalse)
	case lexer.TokenTrue:
		c.emitOp(bytecode.OpTrue)
	case lexer.TokenNil:
		c.emitOp(bytecode.OpNil)
	}
}

func (c *Compiler) grouping(_ bool) {
	c.expression()
	c.consume(lexer.TokenRightParen, "Expect ')' after expression.")
}

func (c *Compiler) unary(_ bool) {
	opType := c.prev.Type
	c.parsePrecedence(PrecUnary)
	switch opType {
	case lexer.TokenMinus:
		c.emitOp(bytecode.OpNeg)
	case lexer.TokenBang:
		c.emitOp(bytecode.OpNot)
	}
}

// binary implements arithmetic, comparison, and equality. <= and >= are
// deliberately compiled as !(a > b) / !(a < b), per spec.md §9's Open
// Question: this means NaN comparisons are not IEEE-correct for those two
// operators, and that behavior must be preserved rather than "fixed".
func (c *Compiler) binary(_ bool) {
	opType := c.prev.Type
	r := c.getRule(opType)
	c.parsePrecedence(r.precedence + 1)

	switch opType {
	case lexer.TokenPlus:
		c.emitOp(bytecode.OpAdd)
	case lexer.TokenMinus:
		c.emitOp(bytecode.OpSub)
	case lexer.TokenStar:
		c.emitOp(bytecode.OpMul)
	case lexer.TokenSlash:
		c.emitOp(bytecode.OpDiv)
	case lexer.TokenPercent:
		c.emitOp(bytecode.OpMod)
	case lexer.TokenBangEqual:
		c.emitOp(bytecode.OpEqual)
		c.emitOp(bytecode.OpNot)
	case lexer.TokenEqualEqual:
		c.emitOp(bytecode.OpEqual)
	case lexer.TokenGreater:
		c.emitOp(bytecode.OpGreater)
	case lexer.TokenGreaterEqual:
		c.emitOp(bytecode.OpLess)
		c.emitOp(bytecode.OpNot)
	case lexer.TokenLess:
		c.emitOp(bytecode.OpLess)
	case lexer.TokenLessEqual:
		c.emitOp(bytecode.OpGreater)
		c.emitOp(bytecode.OpNot)
	}
}

func (c *Compiler) and_(_ bool) {
	endJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emitOp(bytecode.OpPop)
	c.parsePrecedence(PrecAnd)
	c.patchJump(endJump)
}

func (c *Compiler) or_(_ bool) {
	elseJump := c.emitJump(bytecode.OpJumpIfFalse)
	endJump := c.emitJump(bytecode.OpJump)
	c.patchJump(elseJump)
	c.emitOp(bytecode.OpPop)
	c.parsePrecedence(PrecOr)
	c.patchJump(endJump)
}

func (c *Compiler) argumentList() int {
	argc := 0
	if !c.check(lexer.TokenRightParen) {
		for {
			c.expression()
			if argc == 255 {
				c.error("Can't have more than 255 arguments.")
			}
			argc++
			if !c.match(lexer.TokenComma) {
				break
			}
		}
	}
	c.consume(lexer.TokenRightParen, "Expect ')' after arguments.")
	return argc
}

func (c *Compiler) call(_ bool) {
	argc := c.argumentList()
	c.emitOps(bytecode.OpCall, byte(argc))
}

// dot compiles `.name`, fusing into OP_INVOKE when immediately called
// (`recv.name(args)`) the way spec.md §4.3 describes, and otherwise
// emitting a plain GET/SET_PROPERTY.
func (c *Compiler) dot(canAssign bool) {
	c.consume(lexer.TokenIdentifier, "Expect property name after '.'.")
	name := c.prev.Lexeme
	nameConst := c.identifierConstant(name)

	switch {
	case canAssign && c.match(lexer.TokenEqual):
		c.expression()
		c.emitNameOp(bytecode.OpSetProperty, nameConst)
	case c.match(lexer.TokenLeftParen):
		argc := c.argumentList()
		c.emitOp(bytecode.OpInvoke)
		c.emitInvokeOperand(nameConst, argc)
	default:
		c.emitNameOp(bytecode.OpGetProperty, nameConst)
	}
}

func (c *Compiler) emitInvokeOperand(nameConst, argc int) {
	if nameConst >= 256 {
		c.error("Too many named constants in one chunk.")
		nameConst = 0
	}
	c.emitByte(byte(nameConst))
	c.emitByte(byte(argc))
}

// subscript compiles `recv[index]`, either as a read (OP_INDEX) or, when
// followed by `=` in assignable position, a write (OP_STORE).
func (c *Compiler) subscript(canAssign bool) {
	c.expression()
	c.consume(lexer.TokenRightBracket, "Expect ']' after index.")
	if canAssign && c.match(lexer.TokenEqual) {
		c.expression()
		c.emitOp(bytecode.OpStore)
		return
	}
	c.emitOp(bytecode.OpIndex)
}

func (c *Compiler) listLiteral(_ bool) {
	count := 0
	if !c.check(lexer.TokenRightBracket) {
		for {
			c.expression()
			count++
			if count > 255 {
				c.error("Can't have more than 255 list elements in a literal.")
			}
			if !c.match(lexer.TokenComma) {
				break
			}
		}
	}
	c.consume(lexer.TokenRightBracket, "Expect ']' after list elements.")
	c.emitOps(bytecode.OpBuildList, byte(count))
}

func (c *Compiler) mapLiteral(_ bool) {
	pairs := 0
	if !c.check(lexer.TokenRightBrace) {
		for {
			c.expression()
			c.consume(lexer.TokenColon, "Expect ':' after map key.")
			c.expression()
			pairs++
			if pairs > 255 {
				c.error("Can't have more than 255 map entries in a literal.")
			}
			if !c.match(lexer.TokenComma) {
				break
			}
		}
	}
	c.consume(lexer.TokenRightBrace, "Expect '}' after map entries.")
	c.emitOps(bytecode.OpBuildMap, byte(pairs))
}

// lambda compiles an anonymous `fun(params) { body }` expression.
func (c *Compiler) lambda(_ bool) {
	c.function_(TypeFunction, "")
}

func (c *Compiler) variable(canAssign bool) {
	c.namedVariable(c.prev.Lexeme, canAssign)
}

func (c *Compiler) namedVariable(name string, canAssign bool) {
	var getOp, setOp bytecode.Op
	var isConst bool
	arg, ok := c.resolveLocal(name)
	if ok {
		getOp, setOp = bytecode.OpGetLocal, bytecode.OpSetLocal
		isConst = c.locals[arg].IsConst
	} else if up, ok := c.resolveUpvalue(name); ok {
		arg = up
		getOp, setOp = bytecode.OpGetUpvalue, bytecode.OpSetUpvalue
	} else {
		arg = c.identifierConstant(name)
		getOp, setOp = bytecode.OpGetGlobal, bytecode.OpSetGlobal
		isConst = c.isGlobalConst(name)
	}

	if canAssign && c.match(lexer.TokenEqual) {
		if isConst {
			c.error("Can't assign to a const variable.")
		}
		c.expression()
		if setOp == bytecode.OpSetGlobal {
			c.emitNameOp(setOp, arg)
		} else {
			c.emitOps(setOp, byte(arg))
		}
		return
	}
	if getOp == bytecode.OpGetGlobal {
		c.emitNameOp(getOp, arg)
	} else {
		c.emitOps(getOp, byte(arg))
	}
}

func (c *Compiler) this_(_ bool) {
	if c.class == nil {
		c.error("Can't use 'this' outside of a class.")
		return
	}
	c.variable(false)
}

func (c *Compiler) super_(_ bool) {
	if c.class == nil {
		c.error("Can't use 'super' outside of a class.")
	} else if !c.class.hasSuperclass {
		c.error("Can't use 'super' in a class with no superclass.")
	}
	c.consume(lexer.TokenDot, "Expect '.' after 'super'.")
	c.consume(lexer.TokenIdentifier, "Expect superclass method name.")
	name := c.prev.Lexeme
	nameConst := c.identifierConstant(name)

	c.namedVariable("this", false)
	if c.match(lexer.TokenLeftParen) {
		argc := c.argumentList()
		c.namedVariable("super", false)
		c.emitOp(bytecode.OpSuperInvoke)
		c.emitInvokeOperand(nameConst, argc)
		return
	}
	c.namedVariable("super", false)
	c.emitNameOp(bytecode.OpGetSuper, nameConst)
}

package compiler

import (
	"fmt"
	"strings"
	"testing"

	"github.com/kristofer/cmel/pkg/table"
	"github.com/kristofer/cmel/pkg/value"
	"github.com/stretchr/testify/require"
)

// testIntern is a standalone string interner for compiler tests that don't
// need a full VM, backed by the same pkg/table the real VM uses so
// FindString-style dedup behavior matches production.
func testIntern() InternFunc {
	strings := table.New[*value.ObjStringT]()
	return func(s string) *value.ObjStringT {
		hash := value.FNV1a([]byte(s))
		if k, ok := strings.FindKey([]byte(s), hash); ok {
			return k.(*value.ObjStringT)
		}
		str := &value.ObjStringT{Chars: []byte(s), Hash: hash}
		strings.Set(str, str)
		return str
	}
}

func compileOK(t *testing.T, source string) *value.ObjFunction {
	t.Helper()
	fn, errs := Compile(source, testIntern())
	require.Empty(t, errs, "expected no compile errors")
	require.NotNil(t, fn)
	return fn
}

func compileErr(t *testing.T, source string) []*CompileError {
	t.Helper()
	fn, errs := Compile(source, testIntern())
	require.Nil(t, fn)
	require.NotEmpty(t, errs)
	return errs
}

// firstFunctionConstant returns the first nested function in fn's
// constant pool, or nil if it has none.
func firstFunctionConstant(fn *value.ObjFunction) *value.ObjFunction {
	for _, c := range fn.Chunk.Constants {
		if f, ok := c.Obj.(*value.ObjFunction); ok {
			return f
		}
	}
	return nil
}

func TestCompile_SimpleProgramSucceeds(t *testing.T) {
	compileOK(t, `print "hi"; var x = 1; x = x + 1;`)
}

func TestCompile_BreakOutsideLoopIsError(t *testing.T) {
	errs := compileErr(t, `break;`)
	require.Contains(t, errs[0].Message, "break")
}

func TestCompile_BreakInsideLoopIsFine(t *testing.T) {
	compileOK(t, `while (true) { break; }`)
}

func TestCompile_ReturnOutsideFunctionIsError(t *testing.T) {
	errs := compileErr(t, `return 1;`)
	require.Contains(t, errs[0].Message, "top-level")
}

func TestCompile_ReturnValueFromInitializerIsError(t *testing.T) {
	errs := compileErr(t, `class C { init() { return 1; } }`)
	require.Contains(t, errs[0].Message, "initializer")
}

func TestCompile_ThisOutsideClassIsError(t *testing.T) {
	errs := compileErr(t, `fun f() { return this; }`)
	require.Contains(t, errs[0].Message, "this")
}

func TestCompile_SuperOutsideClassIsError(t *testing.T) {
	errs := compileErr(t, `fun f() { return super.foo(); }`)
	require.Contains(t, errs[0].Message, "super")
}

func TestCompile_SuperWithoutSuperclassIsError(t *testing.T) {
	errs := compileErr(t, `class C { m() { return super.foo(); } }`)
	require.Contains(t, errs[0].Message, "no superclass")
}

func TestCompile_SuperWithSuperclassIsFine(t *testing.T) {
	compileOK(t, `class A { f() { return 1; } } class B < A { f() { return super.f(); } }`)
}

func TestCompile_ClassCannotInheritFromItself(t *testing.T) {
	errs := compileErr(t, `class A < A {}`)
	require.Contains(t, errs[0].Message, "inherit from itself")
}

func TestCompile_DuplicateLocalInSameScopeIsError(t *testing.T) {
	errs := compileErr(t, `{ var x = 1; var x = 2; }`)
	require.Contains(t, errs[0].Message, "Already a variable")
}

func TestCompile_ShadowingInNestedScopeIsFine(t *testing.T) {
	compileOK(t, `{ var x = 1; { var x = 2; print x; } print x; }`)
}

func TestCompile_ReadLocalInOwnInitializerIsError(t *testing.T) {
	errs := compileErr(t, `{ var x = x; }`)
	require.Contains(t, errs[0].Message, "own initializer")
}

func TestCompile_ConstReassignmentIsError(t *testing.T) {
	errs := compileErr(t, `const x = 1; x = 2;`)
	require.Contains(t, errs[0].Message, "const")
}

func TestCompile_ConstLocalReassignmentIsError(t *testing.T) {
	errs := compileErr(t, `{ const x = 1; x = 2; }`)
	require.Contains(t, errs[0].Message, "const")
}

func TestCompile_InvalidAssignmentTargetIsError(t *testing.T) {
	errs := compileErr(t, `1 + 2 = 3;`)
	require.Contains(t, errs[0].Message, "Invalid assignment target")
}

func TestCompile_ExportOutsideModuleIsError(t *testing.T) {
	fn, errs := Compile(`export var x = 1;`, testIntern())
	require.Nil(t, fn)
	require.NotEmpty(t, errs)
	require.Contains(t, errs[0].Message, "module")
}

func TestCompile_ExportInsideModuleIsFine(t *testing.T) {
	fn, errs := CompileModule(`export var x = 1;`, testIntern())
	require.Empty(t, errs)
	require.NotNil(t, fn)
}

func TestCompile_ExportNotAtModuleTopLevelIsError(t *testing.T) {
	_, errs := CompileModule(`fun f() { export var x = 1; }`, testIntern())
	require.NotEmpty(t, errs)
}

func TestCompile_MultipleErrorsCollectViaSynchronization(t *testing.T) {
	// Two independent bad statements in one compilation should both be
	// reported, proving panic-mode synchronization resumes at the next
	// statement boundary instead of aborting after the first error.
	errs := compileErr(t, `break; return 1;`)
	require.GreaterOrEqual(t, len(errs), 2)
}

func TestCompile_FunctionArityRecorded(t *testing.T) {
	fn := compileOK(t, `fun add(a, b) { return a + b; }`)
	// add's own ObjFunction lives in the script's constant pool, not as
	// the returned top-level function (which always has arity 0).
	require.Equal(t, 0, fn.Arity)
	add := firstFunctionConstant(fn)
	require.NotNil(t, add)
	require.Equal(t, 2, add.Arity)
}

func TestCompile_ClosureCapturesUpvalue(t *testing.T) {
	fn := compileOK(t, `
		fun outer() {
			var x = 1;
			fun inner() { return x; }
			return inner;
		}
	`)
	require.NotNil(t, fn)
	outer := firstFunctionConstant(fn)
	require.NotNil(t, outer)
	inner := firstFunctionConstant(outer)
	require.NotNil(t, inner)
	require.Equal(t, 1, inner.UpvalCount)
}

func TestCompile_GlobalAssignmentWithManyNameConstantsStaysInBounds(t *testing.T) {
	// Enough distinct global names pushes the identifier-constant index
	// for the final assignment target past 255; without the setOp bounds
	// check comparing against OpSetGlobal (not OpGetGlobal), this would
	// silently truncate the constant index via byte(arg) instead of
	// raising "Too many named constants in one chunk."
	var b strings.Builder
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&b, "var g%d = %d;\n", i, i)
	}
	b.WriteString("g299 = 1;\n")
	errs := compileErr(t, b.String())
	found := false
	for _, e := range errs {
		if strings.Contains(e.Message, "Too many named constants") {
			found = true
		}
	}
	require.True(t, found, "expected a 'too many named constants' error among: %v", errs)
	// The definitions themselves already overflow the name-constant range,
	// so also require the error raised by the assignment on line 301.
	assignErr := false
	for _, e := range errs {
		if e.Line == 301 && strings.Contains(e.Message, "Too many named constants") {
			assignErr = true
		}
	}
	require.True(t, assignErr, "expected the line-301 assignment to report 'too many named constants' among: %v", errs)
}

func TestCompileError_FormatsLineAndMessage(t *testing.T) {
	errs := compileErr(t, "\n\nbreak;")
	require.Equal(t, 3, errs[0].Line)
	require.Contains(t, errs[0].Error(), "[line 3]")
}

// Package test exercises whole Cmel programs end to end against a real VM,
// the way the teacher's own integration-level tests run a full program
// rather than poking compiler/VM internals directly. Each test mirrors one
// of spec.md §8's literal worked scenarios.
package test

import (
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/kristofer/cmel/pkg/vm"
	"github.com/stretchr/testify/require"
)

func interpret(t *testing.T, source string) (stdout, stderr string, result vm.InterpretResult) {
	t.Helper()
	var out, errOut bytes.Buffer
	v := vm.New(vm.DefaultConfig(), &out, &errOut)
	result = v.Interpret(source)
	return out.String(), errOut.String(), result
}

func TestScenario_ClosuresAndUpvalues(t *testing.T) {
	out, _, result := interpret(t, `
		fun outer() { var x = "outer"; fun inner() { print x; } return inner; }
		outer()();
	`)
	require.Equal(t, vm.InterpretOK, result)
	require.Equal(t, "outer\n", out)
}

func TestScenario_BreakInsideNestedLoops(t *testing.T) {
	out, _, result := interpret(t, `
		for (var i = 0; i < 5; i = i + 1) { if (i == 3) break; print i; } print "end";
	`)
	require.Equal(t, vm.InterpretOK, result)
	require.Equal(t, "0\n1\n2\nend\n", out)
}

func TestScenario_StackTraceFormat(t *testing.T) {
	_, errOut, result := interpret(t, `
		fun c() { return c(1); }  fun b() { c(); }  fun a() { b(); }  a();
	`)
	require.Equal(t, vm.InterpretRuntimeError, result)
	require.Contains(t, errOut, "Expected 0 arguments but got 1.")
	require.Contains(t, errOut, "in script")
	lineCount := 0
	for _, line := range splitLines(errOut) {
		if line != "" {
			lineCount++
		}
	}
	require.Equal(t, 5, lineCount, "one message line plus four '[line N] in ...' frames")
}

func TestScenario_StringPlusNumberConcatenation(t *testing.T) {
	out, _, result := interpret(t, `print "Answer: " + 42;`)
	require.Equal(t, vm.InterpretOK, result)
	require.Equal(t, "Answer: 42\n", out)
}

func TestScenario_MapOperations(t *testing.T) {
	out, _, result := interpret(t, `
		var m = {"a": 1, "b": 2}; m["c"] = 3; print m.has("b"); print m["z"];
	`)
	require.Equal(t, vm.InterpretOK, result)
	require.Equal(t, "true\nnil\n", out)
}

func TestScenario_ModuleIsolation(t *testing.T) {
	var out, errOut bytes.Buffer
	v := vm.New(vm.DefaultConfig(), &out, &errOut)
	v.ModuleLoader = func(path string) (string, bool) {
		if path == "lib.cmel" {
			return `export var V = 1; fun hidden() { return V; }`, true
		}
		return "", false
	}
	result := v.Interpret(`import V from "lib"; print V;`)
	require.Equal(t, vm.InterpretOK, result)
	require.Equal(t, "1\n", out.String())

	_, _, result2 := interpretWithLoader(t, v.ModuleLoader, `import hidden from "lib"; hidden();`)
	require.Equal(t, vm.InterpretRuntimeError, result2, "hidden() is not exported and must not resolve from main")
}

func interpretWithLoader(t *testing.T, loader func(string) (string, bool), source string) (stdout, stderr string, result vm.InterpretResult) {
	t.Helper()
	var out, errOut bytes.Buffer
	v := vm.New(vm.DefaultConfig(), &out, &errOut)
	v.ModuleLoader = loader
	result = v.Interpret(source)
	return out.String(), errOut.String(), result
}

func TestLaw_StringConcatMatchesExplicitStringConversionForNumbers(t *testing.T) {
	out1, _, _ := interpret(t, `print "x" + 42;`)
	out2, _, _ := interpret(t, `print "x" + number("42");`)
	require.Equal(t, out1, out2)
}

func TestLaw_ListReverseTwiceReturnsOriginal(t *testing.T) {
	out, _, result := interpret(t, `
		var l = [1, 2, 3];
		print l.reverse().reverse();
	`)
	require.Equal(t, vm.InterpretOK, result)
	require.Equal(t, "[1, 2, 3]\n", out)
}

func TestLaw_MapHasMatchesKeysContains(t *testing.T) {
	out, _, result := interpret(t, `
		var m = {"a": 1};
		print m.has("a") == m.keys().contains("a");
		print m.has("z") == m.keys().contains("z");
	`)
	require.Equal(t, vm.InterpretOK, result)
	require.Equal(t, "true\ntrue\n", out)
}

func TestLaw_ImportIsIdempotent(t *testing.T) {
	var out, errOut bytes.Buffer
	v := vm.New(vm.DefaultConfig(), &out, &errOut)
	loadCount := 0
	v.ModuleLoader = func(path string) (string, bool) {
		if path == "counted.cmel" {
			loadCount++
			return `export var N = 1; print "loaded";`, true
		}
		return "", false
	}
	result := v.Interpret(`import N from "counted"; import N from "counted";`)
	require.Equal(t, vm.InterpretOK, result)
	require.Equal(t, "loaded\n", out.String(), "the module body runs exactly once across two imports")
}

func TestLaw_NumberRoundTripsThroughPrintAndNumber(t *testing.T) {
	// The law is that re-parsing the printed text recovers the original
	// value, not that the printed text is the input's literal spelling
	// (large whole numbers print in shortest round-trippable form, which
	// may use scientific notation).
	for _, n := range []string{"0", "1", "42", "9007199254740992"} {
		want, err := strconv.ParseFloat(n, 64)
		require.NoError(t, err)

		out, _, result := interpret(t, `print number("`+n+`");`)
		require.Equal(t, vm.InterpretOK, result)

		printed := strings.TrimSuffix(out, "\n")
		got, err := strconv.ParseFloat(printed, 64)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestDivideByZero_YieldsInfinityNotRuntimeError(t *testing.T) {
	out, _, result := interpret(t, `print 1 / 0;`)
	require.Equal(t, vm.InterpretOK, result)
	require.Equal(t, "+Inf\n", out)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

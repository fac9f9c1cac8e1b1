// Command cmel is Cmel's command-line driver: an interactive REPL and a
// single-file runner, grounded on the teacher's cmd/smog main (flag-less
// argument dispatch, a persistent VM across REPL lines) but retargeted to
// Cmel's line-buffered statement grammar and spec.md §6's exit-code
// contract instead of smog's period-terminated Smalltalk statements.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kristofer/cmel/pkg/stdlib"
	"github.com/kristofer/cmel/pkg/vm"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code spec.md §6 assigns: 0 success, 64
// argument misuse, 65 compile error, 70 runtime error.
func run(args []string) int {
	if len(args) == 0 {
		runREPL()
		return 0
	}

	switch args[0] {
	case "version", "-v", "--version":
		fmt.Printf("cmel version %s\n", version)
		return 0
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "repl":
		runREPL()
		return 0
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: no file specified")
			printUsage()
			return 64
		}
		return runFile(args[1])
	default:
		return runFile(args[0])
	}
}

func printUsage() {
	fmt.Println("cmel - a small class-based scripting language")
	fmt.Println("\nUsage:")
	fmt.Println("  cmel                  Start interactive REPL")
	fmt.Println("  cmel [file]           Run a .cmel file")
	fmt.Println("  cmel run [file]       Run a .cmel file")
	fmt.Println("  cmel repl             Start interactive REPL")
	fmt.Println("  cmel version          Show version")
	fmt.Println("  cmel help             Show this help")
}

// newInterpreter wires a VM whose ModuleLoader tries the file's own
// directory first, falling back to the embedded stdlib bootstrap per
// spec.md §4.6 step 3.
func newInterpreter(baseDir string) *vm.VM {
	v := vm.New(vm.DefaultConfig(), os.Stdout, os.Stderr)
	v.ModuleLoader = func(path string) (string, bool) {
		candidate := path
		if baseDir != "" {
			candidate = filepath.Join(baseDir, path)
		}
		if data, err := os.ReadFile(candidate); err == nil {
			return string(data), true
		}
		return stdlib.Load(path)
	}
	return v
}

func runFile(filename string) int {
	data, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
		return 64
	}

	v := newInterpreter(filepath.Dir(filename))
	switch v.Interpret(string(data)) {
	case vm.InterpretCompileError:
		return 65
	case vm.InterpretRuntimeError:
		return 70
	default:
		return 0
	}
}

// runREPL reads one line at a time from stdin and interprets each as its
// own top-level program, the same one-statement-per-turn contract the
// teacher's REPL gives a persistent VM and compiler across inputs. Lines are
// not buffered together: statements end at ';' (newlines are plain
// whitespace to the scanner), so each statement has to fit on one line.
func runREPL() {
	fmt.Printf("cmel REPL v%s\n", version)
	fmt.Println("Type ':quit' or ':exit' to exit")
	fmt.Println()

	v := newInterpreter("")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("cmel> ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		switch line {
		case ":quit", ":exit":
			return
		case "":
			continue
		}
		v.Interpret(line)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
	}
}

package vm

import (
	"strings"

	"github.com/kristofer/cmel/pkg/compiler"
	"github.com/kristofer/cmel/pkg/value"
)

func canonicalModulePath(path string) string {
	if strings.HasSuffix(path, ".cmel") {
		return path
	}
	return path + ".cmel"
}

// loadModule implements spec.md §4.6: canonicalize, check the module
// cache, read source (filesystem first, embedded stdlib fallback via
// vm.ModuleLoader), compile as a module body, and run it to completion in
// a nested runLoop before caching and returning the result.
//
// Rather than swap a single mutable "current globals" pointer around the
// nested run (which the prose describes but spec.md §9 explicitly rules
// out as ambient state), the new Module's Globals table is wired directly
// into the loading closure's Module field, so every GET_GLOBAL/SET_GLOBAL/
// DEFINE_GLOBAL/EXPORT the module body executes already resolves against
// it — no copy-back step is needed once the nested runLoop returns.
func (vm *VM) loadModule(path string) (*value.ObjModule, *RuntimeError) {
	canon := canonicalModulePath(path)
	key := vm.intern(canon)

	if mod, ok := vm.modules.Get(key); ok {
		return mod, nil
	}
	for _, p := range vm.loading {
		if p == canon {
			return nil, newRuntimeError("Circular import of module '"+canon+"'.", vm.buildTrace())
		}
	}

	source, ok := vm.resolveModuleSource(canon)
	if !ok {
		return nil, newRuntimeError("Module '"+canon+"' not found.", vm.buildTrace())
	}

	vm.compiling = true
	fn, errs := compiler.CompileModule(source, vm.intern)
	if len(errs) > 0 {
		vm.compiling = false
		msg := "Compile error in module '" + canon + "': " + errs[0].Error()
		return nil, newRuntimeError(msg, vm.buildTrace())
	}
	vm.adoptFunction(fn)

	mod := vm.newModule(key)
	vm.defineNatives(mod.Globals)
	closure := vm.newClosure(fn)
	closure.Module = mod

	vm.loading = append(vm.loading, canon)
	defer func() { vm.loading = vm.loading[:len(vm.loading)-1] }()

	base := vm.frameCount
	savedTop := vm.stackTop
	vm.push(value.Obj(closure))
	vm.compiling = false
	ok2, rtErr := vm.callClosure(base, closure, 0)
	if !ok2 {
		vm.stackTop = savedTop
		if rtErr != nil {
			return nil, rtErr
		}
		return mod, nil
	}
	if _, rtErr := vm.runLoop(base); rtErr != nil {
		return nil, rtErr
	}
	vm.stackTop = savedTop

	vm.modules.Set(key, mod)
	return mod, nil
}

// resolveModuleSource prefers vm.ModuleLoader (filesystem lookup, falling
// back to the embedded stdlib bootstrap per spec.md §4.6) since the VM
// itself has no filesystem dependency — that lives in cmd/cmel and
// pkg/stdlib so pkg/vm stays embeddable without an os import.
func (vm *VM) resolveModuleSource(canonPath string) (string, bool) {
	if vm.ModuleLoader == nil {
		return "", false
	}
	return vm.ModuleLoader(canonPath)
}

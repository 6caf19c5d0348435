package script

import (
	"fmt"

	"github.com/dop251/goja"
)

// Globals that must never be reachable from pipeline scripts. goja does not
// define the Node.js ones, they are pinned to undefined so a script cannot
// probe for them either.
var blockedGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

// resetProgram clears everything a script left behind on the global object
// before the VM goes back to the pool.
var resetProgram = goja.MustCompile("reset", `
	(function() {
		var keep = {};
		var builtins = [
			'Object', 'Array', 'Function', 'String', 'Number', 'Boolean',
			'Date', 'RegExp', 'Error', 'TypeError', 'RangeError', 'Math',
			'JSON', 'Map', 'Set', 'Symbol', 'Promise', 'Proxy', 'Reflect',
			'parseInt', 'parseFloat', 'isNaN', 'isFinite',
			'decodeURI', 'decodeURIComponent', 'encodeURI', 'encodeURIComponent',
			'undefined', 'NaN', 'Infinity', 'eval', 'globalThis'
		];
		for (var i = 0; i < builtins.length; i++) {
			keep[builtins[i]] = true;
		}
		var names = Object.getOwnPropertyNames(this);
		for (var i = 0; i < names.length; i++) {
			if (!keep[names[i]]) {
				try { delete this[names[i]]; } catch (e) {}
			}
		}
	}).call(this)
`, false)

// newVM creates a sandboxed runtime.
func newVM() (*goja.Runtime, error) {
	vm := goja.New()

	for _, name := range blockedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("failed to block global %s: %w", name, err)
		}
	}

	// Scripts transform documents, they have no business evaluating
	// generated code.
	restrictedEval := func(call goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("eval is not available to pipeline scripts"))
	}
	if err := vm.Set("eval", restrictedEval); err != nil {
		return nil, fmt.Errorf("failed to restrict eval: %w", err)
	}

	return vm, nil
}

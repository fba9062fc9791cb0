package filter

import (
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"github.com/devzarr/devzarr/globals"
)

// Compile compiles a subscription filter expression against the filter Env.
func Compile(expression string) (*vm.Program, error) {
	return expr.Compile(expression, expr.Env(Env{}))
}

// Run evaluates a compiled filter. A nil program passes everything; any
// evaluation error or non-true result means "do not deliver".
func Run(prog *vm.Program, env Env) bool {
	if prog == nil {
		return true
	}
	env.AsInt = AsInt
	env.AsFloat = AsFloat
	env.AsStringSlice = AsStringSlice
	env.AsIntSlice = AsIntSlice
	env.AsFloatSlice = AsFloatSlice
	res, err := expr.Run(prog, env)
	if err != nil {
		globals.AppLogger.Error("could not run filter", "error", err)
		return false
	}
	bRes, ok := res.(bool)
	return ok && bRes
}

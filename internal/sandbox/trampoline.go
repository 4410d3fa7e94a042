package sandbox

import (
	"fmt"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/parser"
)

// Global slots used to hand a closure and its arguments to a trampoline
// program. They sit at the top of the globals table, far above anything the
// compiler hands out to script symbols.
const (
	maxCallArgs   = 4
	slotResult    = tengo.GlobalsSize - 1
	slotFunc      = tengo.GlobalsSize - 2
	slotFirstArg  = tengo.GlobalsSize - 2 - maxCallArgs
	trampolineTag = "<callback>"
)

// trampoline builds a bytecode program that shares the unit's constant pool
// and file set, loads the closure and its arguments from reserved globals,
// calls it and stores the result. A closure compiled into the unit can only
// run against that unit's constants, so a fresh main function is the only
// way to invoke it from Go.
func trampoline(unit *tengo.Bytecode, nargs int) *tengo.Bytecode {
	var ins []byte
	ins = append(ins, tengo.MakeInstruction(parser.OpGetGlobal, slotFunc)...)
	for i := 0; i < nargs; i++ {
		ins = append(ins, tengo.MakeInstruction(parser.OpGetGlobal, slotFirstArg+i)...)
	}
	ins = append(ins, tengo.MakeInstruction(parser.OpCall, nargs, 0)...)
	ins = append(ins, tengo.MakeInstruction(parser.OpSetGlobal, slotResult)...)
	ins = append(ins, tengo.MakeInstruction(parser.OpSuspend)...)

	return &tengo.Bytecode{
		FileSet: unit.FileSet,
		MainFunction: &tengo.CompiledFunction{
			Instructions: ins,
		},
		Constants: unit.Constants,
	}
}

// fitArgs trims or pads args to what fn declares.
func fitArgs(fn *tengo.CompiledFunction, args []tengo.Object) ([]tengo.Object, error) {
	if fn.VarArgs {
		if len(args) > maxCallArgs {
			return nil, fmt.Errorf("%s: too many arguments: %d", trampolineTag, len(args))
		}
		return args, nil
	}
	want := fn.NumParameters
	if want > maxCallArgs {
		return nil, fmt.Errorf("%s: handler takes %d parameters, at most %d supported", trampolineTag, want, maxCallArgs)
	}
	if len(args) > want {
		return args[:want], nil
	}
	for len(args) < want {
		args = append(args, tengo.UndefinedValue)
	}
	return args, nil
}

// loadCall stores fn and args in the reserved globals and returns a
// function that reads the result back after the VM ran.
func loadCall(globals []tengo.Object, fn *tengo.CompiledFunction, args []tengo.Object) func() tengo.Object {
	globals[slotFunc] = fn
	for i, a := range args {
		globals[slotFirstArg+i] = a
	}
	globals[slotResult] = tengo.UndefinedValue
	return func() tengo.Object {
		res := globals[slotResult]
		globals[slotFunc] = nil
		globals[slotResult] = nil
		for i := 0; i < maxCallArgs; i++ {
			globals[slotFirstArg+i] = nil
		}
		if res == nil {
			return tengo.UndefinedValue
		}
		return res
	}
}

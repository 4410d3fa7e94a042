// Package compiler turns script source of any supported dialect into tengo
// bytecode, or into diagnostics positioned in the author's own source.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/parser"

	"github.com/nfrund/scriptd/internal/script"
)

// Options configure a Compiler.
type Options struct {
	// Globals are the names the sandbox defines before running a unit.
	// They resolve like builtins and keep their order as global indexes.
	Globals []string
	// Modules is the import allow-list. Nil allows no imports.
	Modules *Modules
	// Transpiler handles the indent dialect. Defaults to IndentTranspiler.
	Transpiler Transpiler
	Logger     *slog.Logger
}

// Request is one compilation.
type Request struct {
	ID       string
	Source   string
	Dialect  script.Dialect
	Filename string
	Prelude  *Prelude
	Global   bool
}

// CompiledUnit is the executable result of a successful compilation.
type CompiledUnit struct {
	ScriptID     string
	Filename     string
	Dialect      script.Dialect
	Global       bool
	Native       string // the script's own text in native form
	Text         string // prelude plus native, what the VM executes
	Map          *SourceMap
	Bytecode     *tengo.Bytecode
	Symbols      map[string]int // global name to VM global index
	Intrinsics   map[string]int // checked operator globals, see Intrinsics
	Diagnostics  []script.Diagnostic
	Declarations string
	CompiledAt   time.Time
}

// Recorder receives declaration fragments of global scripts.
type Recorder interface {
	Record(scriptID, fragment string)
}

// Compiler compiles script units. It is safe for concurrent use and
// implements declarations.Consumer.
type Compiler struct {
	mu      sync.RWMutex
	ambient map[string]string

	globals    []string
	modules    *Modules
	transpiler Transpiler
	logger     *slog.Logger
}

// New creates a Compiler.
func New(opts Options) *Compiler {
	if opts.Transpiler == nil {
		opts.Transpiler = IndentTranspiler{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Compiler{
		ambient:    make(map[string]string),
		globals:    append([]string(nil), opts.Globals...),
		modules:    opts.Modules,
		transpiler: opts.Transpiler,
		logger:     opts.Logger.With("component", "compiler"),
	}
}

// SetAmbient replaces the ambient declarations typed scripts are checked against.
func (c *Compiler) SetAmbient(files map[string]string) {
	parsed := parseAmbient(files)
	c.mu.Lock()
	c.ambient = parsed
	c.mu.Unlock()
}

// Ambient returns the declared kind of every ambient name.
func (c *Compiler) Ambient() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.ambient))
	for k, v := range c.ambient {
		out[k] = v
	}
	return out
}

// Compile compiles req. A failure is returned as *script.CompileError.
func (c *Compiler) Compile(ctx context.Context, req Request) (*CompiledUnit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Dialect == "" {
		req.Dialect = script.DialectNative
	}
	if req.Filename == "" {
		req.Filename = req.ID + req.Dialect.Extension()
	}
	prelude := req.Prelude
	if prelude == nil {
		prelude = &Prelude{}
	}

	start := time.Now()
	var (
		native   string
		fragment string
		diags    []script.Diagnostic
	)
	switch req.Dialect {
	case script.DialectNative:
		native = req.Source
		fragment = nativeDeclarations(req.Filename, native)
	case script.DialectTyped:
		native, fragment, diags = checkTyped(req.Filename, req.Source, c.Ambient())
	case script.DialectIndent:
		out, err := c.transpiler.Transpile(ctx, req.Source)
		if err != nil {
			return nil, c.fail(req, withFile(transpileDiagnostics(err), req.Filename))
		}
		native = out
	default:
		return nil, fmt.Errorf("unsupported dialect %q", req.Dialect)
	}
	if hasErrors(diags) {
		return nil, c.fail(req, withFile(diags, req.Filename))
	}

	if native != "" && native[len(native)-1] != '\n' {
		native += "\n"
	}
	smap := NewSourceMap(req.Filename, prelude)
	text := prelude.Text + native

	bytecode, symbols, intrinsics, err := c.build(req.Filename, text)
	if err != nil {
		return nil, c.fail(req, parseDiagnostics(err, smap))
	}

	c.logger.Debug("Script compiled",
		"script", req.ID,
		"dialect", req.Dialect,
		"prelude_lines", prelude.Lines,
		"compilation_time", time.Since(start),
	)

	return &CompiledUnit{
		ScriptID:     req.ID,
		Filename:     req.Filename,
		Dialect:      req.Dialect,
		Global:       req.Global,
		Native:       native,
		Text:         text,
		Map:          smap,
		Bytecode:     bytecode,
		Symbols:      symbols,
		Intrinsics:   intrinsics,
		Diagnostics:  withFile(diags, req.Filename),
		Declarations: fragment,
		CompiledAt:   time.Now(),
	}, nil
}

// BuildPrelude compiles global scripts in the given order. Each global sees
// the prelude built so far, and its declaration fragment is recorded before
// the next one compiles. Globals that fail are left out of the prelude and
// reported in the returned map.
func (c *Compiler) BuildPrelude(ctx context.Context, globals []*script.Descriptor, rec Recorder) (*Prelude, map[string]error) {
	prelude := &Prelude{}
	failed := make(map[string]error)
	for _, g := range globals {
		unit, err := c.Compile(ctx, Request{
			ID:       g.ID,
			Source:   g.Source,
			Dialect:  g.Dialect,
			Filename: g.Filename(),
			Prelude:  prelude.Clone(),
			Global:   true,
		})
		if err != nil {
			failed[g.ID] = err
			continue
		}
		if rec != nil && unit.Declarations != "" {
			rec.Record(g.ID, unit.Declarations)
		}
		prelude.Append(g.ID, unit.Filename, unit.Native)
	}
	return prelude, failed
}

func (c *Compiler) build(filename, text string) (*tengo.Bytecode, map[string]int, map[string]int, error) {
	fileSet := parser.NewFileSet()
	srcFile := fileSet.AddFile(filename, -1, len(text))
	file, err := parser.NewParser(srcFile, []byte(text), nil).ParseFile()
	if err != nil {
		return nil, nil, nil, err
	}
	checkDivision(file)

	symbolTable := tengo.NewSymbolTable()
	for idx, fn := range tengo.GetAllBuiltinFunctions() {
		symbolTable.DefineBuiltin(idx, fn.Name)
	}
	symbols := make(map[string]int, len(c.globals))
	for _, name := range c.globals {
		symbols[name] = symbolTable.Define(name).Index
	}
	intrinsics := map[string]int{
		checkedQuo: symbolTable.Define(checkedQuo).Index,
		checkedRem: symbolTable.Define(checkedRem).Index,
	}

	comp := tengo.NewCompiler(srcFile, symbolTable, nil, c.modules.Map(), nil)
	if err := comp.Compile(file); err != nil {
		return nil, nil, nil, err
	}
	bytecode := comp.Bytecode()
	bytecode.RemoveDuplicates()
	return bytecode, symbols, intrinsics, nil
}

func (c *Compiler) fail(req Request, diags []script.Diagnostic) error {
	err := &script.CompileError{ScriptID: req.ID, Filename: req.Filename, Diagnostics: diags}
	c.logger.Debug("Script compilation failed", "script", req.ID, "error", err.Error())
	return err
}

func hasErrors(diags []script.Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == script.SeverityError {
			return true
		}
	}
	return false
}

func withFile(diags []script.Diagnostic, filename string) []script.Diagnostic {
	for i := range diags {
		if diags[i].File == "" {
			diags[i].File = filename
		}
	}
	return diags
}

// parseDiagnostics converts tengo parser and compiler errors. Positions in
// the executed text are mapped through smap when it is given.
func parseDiagnostics(err error, smap *SourceMap) []script.Diagnostic {
	resolve := func(file string, line, col int, msg string) script.Diagnostic {
		if smap != nil && file == smap.filename {
			file, line = smap.Resolve(line)
		}
		return script.Diagnostic{File: file, Line: line, Column: col, Severity: script.SeverityError, Message: msg}
	}

	var list parser.ErrorList
	if errors.As(err, &list) {
		diags := make([]script.Diagnostic, 0, len(list))
		for _, e := range list {
			diags = append(diags, resolve(e.Pos.Filename, e.Pos.Line, e.Pos.Column, e.Msg))
		}
		return diags
	}

	var compileErr *tengo.CompilerError
	if errors.As(err, &compileErr) {
		pos := compileErr.FileSet.Position(compileErr.Node.Pos())
		return []script.Diagnostic{resolve(pos.Filename, pos.Line, pos.Column, compileErr.Err.Error())}
	}

	return []script.Diagnostic{{Severity: script.SeverityError, Message: err.Error()}}
}

func transpileDiagnostics(err error) []script.Diagnostic {
	var te *TranspileError
	if errors.As(err, &te) {
		return []script.Diagnostic{{Line: te.Line, Column: te.Column, Severity: script.SeverityError, Message: te.Msg}}
	}
	return []script.Diagnostic{{Severity: script.SeverityError, Message: err.Error()}}
}

package compiler

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/d5/tengo/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/scriptd/internal/declarations"
	"github.com/nfrund/scriptd/internal/script"
)

var testGlobals = []string{"log", "getState", "setState", "on"}

func newTestCompiler(t *testing.T) *Compiler {
	t.Helper()
	modules, err := NewModules([]string{"fmt", "math"})
	require.NoError(t, err)
	return New(Options{Globals: testGlobals, Modules: modules})
}

func compileErr(t *testing.T, err error) *script.CompileError {
	t.Helper()
	require.Error(t, err)
	var ce *script.CompileError
	require.True(t, errors.As(err, &ce), "expected CompileError, got %T", err)
	require.NotEmpty(t, ce.Diagnostics)
	return ce
}

func TestCompile_Native(t *testing.T) {
	c := newTestCompiler(t)

	unit, err := c.Compile(context.Background(), Request{
		ID:     "script.js.lights",
		Source: "level := 10\nlog(\"level\", level)\n",
	})
	require.NoError(t, err)

	assert.Equal(t, "script.js.lights.tengo", unit.Filename)
	assert.Equal(t, script.DialectNative, unit.Dialect)
	assert.NotNil(t, unit.Bytecode)
	assert.Len(t, unit.Symbols, len(testGlobals))
	assert.Equal(t, "declare level: int\n", unit.Declarations)
}

func TestCompile_UnresolvedIdentifier(t *testing.T) {
	c := newTestCompiler(t)

	_, err := c.Compile(context.Background(), Request{
		ID:     "script.js.broken",
		Source: "a := 1\nb := missing + a\n",
	})
	ce := compileErr(t, err)
	assert.Equal(t, 2, ce.Diagnostics[0].Line)
	assert.Equal(t, "script.js.broken.tengo", ce.Diagnostics[0].File)
	assert.Contains(t, ce.Diagnostics[0].Message, "missing")
}

func TestCompile_SyntaxError(t *testing.T) {
	c := newTestCompiler(t)

	_, err := c.Compile(context.Background(), Request{ID: "script.js.syntax", Source: "x := (1 +\n"})
	compileErr(t, err)
}

func TestCompile_ImportAllowList(t *testing.T) {
	c := newTestCompiler(t)

	_, err := c.Compile(context.Background(), Request{ID: "script.js.ok", Source: "fmt := import(\"fmt\")\n"})
	require.NoError(t, err)

	_, err = c.Compile(context.Background(), Request{ID: "script.js.os", Source: "os := import(\"os\")\n"})
	compileErr(t, err)
}

func TestCompile_TypedDialect(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		ambient string
		wantErr bool
		line    int
	}{
		{
			name:   "matching annotation",
			source: "threshold: int := 10\nlabel: string := \"hall\"\n",
		},
		{
			name:    "literal of another kind",
			source:  "x := 1\nthreshold: int := \"ten\"\n",
			wantErr: true,
			line:    2,
		},
		{
			name:    "reassignment of annotated local",
			source:  "flag: bool := true\nflag = 3\n",
			wantErr: true,
			line:    2,
		},
		{
			name:    "reassignment of ambient name",
			source:  "counter = \"x\"\n",
			ambient: "declare counter: int\n",
			wantErr: true,
			line:    1,
		},
		{
			name:   "int literal into float",
			source: "ratio: float := 1\n",
		},
		{
			name:    "unknown type",
			source:  "x: number := 1\n",
			wantErr: true,
			line:    1,
		},
		{
			name:    "unresolved identifier",
			source:  "x: int := 1\ny: int := x + nothing\n",
			wantErr: true,
			line:    2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCompiler(t)
			if tt.ambient != "" {
				c.SetAmbient(map[string]string{declarations.AmbientFilename: tt.ambient})
			}

			unit, err := c.Compile(context.Background(), Request{
				ID:      "script.js.typed",
				Source:  tt.source,
				Dialect: script.DialectTyped,
			})
			if tt.wantErr {
				ce := compileErr(t, err)
				assert.Equal(t, tt.line, ce.Diagnostics[0].Line)
				assert.Nil(t, unit)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, unit.Declarations)
		})
	}
}

func TestCompile_TypedKeepsColumns(t *testing.T) {
	c := newTestCompiler(t)

	unit, err := c.Compile(context.Background(), Request{
		ID:      "script.js.cols",
		Source:  "x: int := 1\n",
		Dialect: script.DialectTyped,
	})
	require.NoError(t, err)
	assert.Equal(t, "x      := 1\n", unit.Native)
	assert.Equal(t, "declare x: int\n", unit.Declarations)
}

func TestCompile_IndentDialect(t *testing.T) {
	c := newTestCompiler(t)

	unit, err := c.Compile(context.Background(), Request{
		ID:      "script.js.indent",
		Source:  "let n = 1\ndef twice(v):\n    return v * 2\nlog(twice(n))\n",
		Dialect: script.DialectIndent,
	})
	require.NoError(t, err)
	assert.Empty(t, unit.Declarations)

	_, err = c.Compile(context.Background(), Request{
		ID:      "script.js.indent",
		Source:  "let n = 1\nif n > 0:\nlog(n)\n",
		Dialect: script.DialectIndent,
	})
	ce := compileErr(t, err)
	assert.Equal(t, 2, ce.Diagnostics[0].Line)
}

func TestBuildPrelude_OrderAndLineMapping(t *testing.T) {
	c := newTestCompiler(t)
	p := declarations.New()
	p.Register(c)

	globals := []*script.Descriptor{
		{ID: "script.js.global.base", Source: "base := 5\nhelper := func(v) { return v + base }\n", Dialect: script.DialectNative},
		{ID: "script.js.global.derived", Source: "derived: int := 7\n", Dialect: script.DialectTyped},
		{ID: "script.js.global.bad", Source: "oops := nope\n", Dialect: script.DialectNative},
	}

	prelude, failed := c.BuildPrelude(context.Background(), globals, p)
	require.Len(t, failed, 1)
	assert.Contains(t, failed, "script.js.global.bad")
	require.Len(t, prelude.Segments, 2)
	assert.Equal(t, 3, prelude.Lines)

	// the typed global was checked after base recorded its declarations
	assert.Equal(t, []string{"script.js.global.base", "script.js.global.derived"}, p.Contributors())
	snap, ok := p.Snapshot("script.js.global.derived")
	require.True(t, ok)
	assert.Contains(t, snap[declarations.AmbientFilename], "declare base: int")
	assert.NotContains(t, snap[declarations.AmbientFilename], "derived")

	// per-script code sees global symbols and gets its own line numbers
	_, err := c.Compile(context.Background(), Request{
		ID:      "script.js.user",
		Source:  "total := helper(derived)\nlog(total, unknownName)\n",
		Prelude: prelude,
	})
	ce := compileErr(t, err)
	assert.Equal(t, "script.js.user.tengo", ce.Diagnostics[0].File)
	assert.Equal(t, 2, ce.Diagnostics[0].Line)

	// a typed script may not assign another kind to a global's variable
	_, err = c.Compile(context.Background(), Request{
		ID:      "script.js.typeduser",
		Source:  "derived = \"seven\"\n",
		Dialect: script.DialectTyped,
		Prelude: prelude,
	})
	compileErr(t, err)
}

func TestSourceMap_Resolve(t *testing.T) {
	prelude := &Prelude{}
	prelude.Append("script.js.global.a", "script.js.global.a.tengo", "a := 1\nb := 2")
	prelude.Append("script.js.global.b", "script.js.global.b.tengo", "c := 3\n")

	m := NewSourceMap("script.js.s.tengo", prelude)
	assert.Equal(t, 3, m.PreludeLines())

	file, line := m.Resolve(2)
	assert.Equal(t, "script.js.global.a.tengo", file)
	assert.Equal(t, 2, line)

	file, line = m.Resolve(3)
	assert.Equal(t, "script.js.global.b.tengo", file)
	assert.Equal(t, 1, line)

	file, line = m.Resolve(5)
	assert.Equal(t, "script.js.s.tengo", file)
	assert.Equal(t, 2, line)

	msg, trace := m.SplitRuntimeError(errors.New("Runtime Error: not callable: int\nat script.js.s.tengo:5:3\nat script.js.s.tengo:1:1"))
	assert.Equal(t, "not callable: int", msg)
	assert.Equal(t, []string{"script.js.s.tengo:2:3", "script.js.global.a.tengo:1:1"}, trace)
}

func TestCompile_DivisionUsesCheckedOperators(t *testing.T) {
	c := newTestCompiler(t)

	unit, err := c.Compile(context.Background(), Request{
		ID:     "script.js.ratio",
		Source: "a := 6 / 3\nb := a % 2\na /= 2\nf := func(x) { return x / a }\n",
	})
	require.NoError(t, err)
	require.Contains(t, unit.Intrinsics, checkedQuo)
	require.Contains(t, unit.Intrinsics, checkedRem)
	for name, idx := range unit.Intrinsics {
		for _, own := range unit.Symbols {
			assert.NotEqual(t, own, idx, "intrinsic %s shares a capability slot", name)
		}
	}
}

func TestIntrinsics_CheckedOperators(t *testing.T) {
	ops := Intrinsics()
	quo, rem := ops[checkedQuo], ops[checkedRem]

	res, err := quo.Call(&tengo.Int{Value: 7}, &tengo.Int{Value: 2})
	require.NoError(t, err)
	assert.Equal(t, &tengo.Int{Value: 3}, res)

	res, err = rem.Call(&tengo.Int{Value: 7}, &tengo.Int{Value: 4})
	require.NoError(t, err)
	assert.Equal(t, &tengo.Int{Value: 3}, res)

	_, err = quo.Call(&tengo.Int{Value: 1}, &tengo.Int{Value: 0})
	assert.ErrorIs(t, err, ErrDivisionByZero)
	_, err = rem.Call(&tengo.Int{Value: 1}, &tengo.Int{Value: 0})
	assert.ErrorIs(t, err, ErrDivisionByZero)

	// float division keeps IEEE semantics
	res, err = quo.Call(&tengo.Float{Value: 1}, &tengo.Int{Value: 0})
	require.NoError(t, err)
	assert.True(t, math.IsInf(res.(*tengo.Float).Value, 1))

	_, err = quo.Call(&tengo.String{Value: "a"}, &tengo.Int{Value: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid operation")
}

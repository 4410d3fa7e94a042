package libraries

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/scriptd/internal/compiler"
	"github.com/nfrund/scriptd/internal/retry"
	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/store"
)

func fastBackoff() *retry.Backoff {
	return &retry.Backoff{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func library(name, src string) *store.Object {
	return &store.Object{ID: Prefix + name, Type: "library", Common: map[string]any{"source": src}}
}

func TestInstaller_Install(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SetObject(ctx, library("mathx", `export { triple: func(x) { return x * 3 } }`)))

	modules, err := compiler.NewModules([]string{"fmt"})
	require.NoError(t, err)
	reporter := script.NewErrorReporter(nil)
	in := New(Options{Store: mem, Target: modules, Backoff: fastBackoff(), Reporter: reporter})

	installed, errs := in.Install(ctx, []string{"mathx", "missing"})
	assert.Equal(t, []string{"mathx"}, installed)
	require.Len(t, errs, 1)

	var lerr *script.LibraryInstallError
	require.True(t, errors.As(errs[0], &lerr))
	assert.Equal(t, "missing", lerr.Library)
	assert.Equal(t, 2, lerr.Attempts)
	assert.ErrorIs(t, lerr, store.ErrNotFound)

	summary := reporter.GetErrorSummary()
	assert.Equal(t, 1, summary.ErrorsByType[script.ErrorTypeLibraryInstall])
	assert.Contains(t, modules.Names(), "mathx")

	// installed modules are importable by scripts
	c := compiler.New(compiler.Options{Modules: modules})
	_, err = c.Compile(ctx, compiler.Request{ID: "script.js.use", Source: `m := import("mathx"); x := m.triple(2)`})
	assert.NoError(t, err)
}

func TestInstaller_RetriesUntilSourceAppears(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	modules, err := compiler.NewModules(nil)
	require.NoError(t, err)

	backoff := &retry.Backoff{MaxRetries: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 1}
	in := New(Options{Store: mem, Target: modules, Backoff: backoff})

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = mem.SetObject(ctx, library("late", `export { v: 1 }`))
	}()

	installed, errs := in.Install(ctx, []string{"late"})
	assert.Empty(t, errs)
	assert.Equal(t, []string{"late"}, installed)
}

func TestInstaller_RejectsStdlibShadowing(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SetObject(ctx, library("fmt", `export {}`)))
	modules, err := compiler.NewModules(nil)
	require.NoError(t, err)

	in := New(Options{Store: mem, Target: modules, Backoff: fastBackoff()})
	installed, errs := in.Install(ctx, []string{"fmt"})
	assert.Empty(t, installed)
	assert.Len(t, errs, 1)
}

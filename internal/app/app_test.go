package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/scriptd/internal/config"
	"github.com/nfrund/scriptd/internal/lifecycle"
	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.tengo"), []byte(`onStop(func() {})`), 0o644))

	cfg := config.Default()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.ScriptsDir = dir
	cfg.StopTimeout = config.Duration{Duration: 200 * time.Millisecond}
	cfg.Libraries = []string{"absent"}
	cfg.LibraryAttempts = 1
	return cfg
}

func TestApp_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, testConfig(t), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	manager := do.MustInvoke[*lifecycle.Manager](a.Injector())
	assert.Eventually(t, func() bool {
		lctx, lcancel := context.WithTimeout(ctx, time.Second)
		defer lcancel()
		st, ok, err := manager.Lookup(lctx, "script.js.hello")
		return err == nil && ok && st.State == lifecycle.StateRunning
	}, 3*time.Second, 10*time.Millisecond)

	// a missing library is reported but does not stop the daemon
	reporter := do.MustInvoke[*script.ErrorReporter](a.Injector())
	assert.Equal(t, 1, reporter.GetErrorSummary().ErrorsByType[script.ErrorTypeLibraryInstall])

	st := do.MustInvoke[store.Store](a.Injector())
	obj, err := st.GetObject(ctx, "script.js.hello")
	require.NoError(t, err)
	assert.Equal(t, "hello.tengo", obj.Native["file"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_InvalidTracing(t *testing.T) {
	cfg := config.Default()
	cfg.Tracing.Enabled = true
	cfg.Tracing.ZipkinURL = "://bad"

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

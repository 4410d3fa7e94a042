package scriptdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/store"
)

const engine = "system.adapter.javascript.0"

func newImporter(t *testing.T, fs afero.Fs, dir string) (*Importer, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return New(Options{Fs: fs, Dir: dir, Store: mem, Engine: engine}), mem
}

func TestImporter_ScriptID(t *testing.T) {
	im, _ := newImporter(t, afero.NewMemMapFs(), "/scripts")

	tests := []struct {
		path    string
		id      string
		dialect script.Dialect
		wantErr bool
	}{
		{"/scripts/lights/hall.tengo", "script.js.lights.hall", script.DialectNative, false},
		{"/scripts/global/helpers.tts", "script.js.global.helpers", script.DialectTyped, false},
		{"/scripts/heating.its", "script.js.heating", script.DialectIndent, false},
		{"/scripts/readme.md", "", "", true},
		{"/scripts/bad.name/x.tengo", "", "", true},
		{"/elsewhere/x.tengo", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			id, dialect, err := im.ScriptID(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.dialect, dialect)
		})
	}
}

func TestImporter_ImportAll(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/scripts/lights/hall.tengo", []byte(`x := 1`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/scripts/global/helpers.tts", []byte(`limit: int := 3`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/scripts/notes.txt", []byte(`ignored`), 0o644))
	im, mem := newImporter(t, fs, "/scripts")

	n, err := im.ImportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	obj, err := mem.GetObject(ctx, "script.js.lights.hall")
	require.NoError(t, err)
	assert.Equal(t, "x := 1", obj.CommonString("source"))
	assert.Equal(t, engine, obj.CommonString("engine"))
	assert.True(t, obj.CommonBool("enabled"))
	assert.Equal(t, "lights/hall.tengo", obj.Native[fileKey])

	global, err := mem.GetObject(ctx, "script.js.global.helpers")
	require.NoError(t, err)
	assert.Equal(t, string(script.DialectTyped), global.CommonString("engineType"))

	// unchanged files are not rewritten
	n, err = im.ImportAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestImporter_KeepsUserFlags(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/scripts/a.tengo", []byte(`x := 2`), 0o644))
	im, mem := newImporter(t, fs, "/scripts")

	existing := script.NewObject("script.js.a", "x := 1", script.DialectNative, "system.adapter.javascript.1", false)
	require.NoError(t, mem.SetObject(ctx, existing))

	_, err := im.ImportAll(ctx)
	require.NoError(t, err)

	obj, err := mem.GetObject(ctx, "script.js.a")
	require.NoError(t, err)
	assert.Equal(t, "x := 2", obj.CommonString("source"))
	assert.False(t, obj.CommonBool("enabled"))
	assert.Equal(t, "system.adapter.javascript.1", obj.CommonString("engine"))
}

func TestImporter_MissingDirectory(t *testing.T) {
	im, _ := newImporter(t, afero.NewMemMapFs(), "/nowhere")
	n, err := im.ImportAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImporter_HandleEvent(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	im, mem := newImporter(t, fs, "/scripts")

	require.NoError(t, afero.WriteFile(fs, "/scripts/a.tengo", []byte(`x := 1`), 0o644))
	im.handleEvent(ctx, fsnotify.Event{Name: "/scripts/a.tengo", Op: fsnotify.Create})
	obj, err := mem.GetObject(ctx, "script.js.a")
	require.NoError(t, err)
	assert.Equal(t, "x := 1", obj.CommonString("source"))

	require.NoError(t, afero.WriteFile(fs, "/scripts/a.tengo", []byte(`x := 2`), 0o644))
	im.handleEvent(ctx, fsnotify.Event{Name: "/scripts/a.tengo", Op: fsnotify.Write})
	obj, err = mem.GetObject(ctx, "script.js.a")
	require.NoError(t, err)
	assert.Equal(t, "x := 2", obj.CommonString("source"))

	require.NoError(t, fs.Remove("/scripts/a.tengo"))
	im.handleEvent(ctx, fsnotify.Event{Name: "/scripts/a.tengo", Op: fsnotify.Remove})
	_, err = mem.GetObject(ctx, "script.js.a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestImporter_RemoveSparesForeignObjects(t *testing.T) {
	ctx := context.Background()
	im, mem := newImporter(t, afero.NewMemMapFs(), "/scripts")
	require.NoError(t, mem.SetObject(ctx, script.NewObject("script.js.a", "x := 1", script.DialectNative, engine, true)))

	im.handleEvent(ctx, fsnotify.Event{Name: "/scripts/a.tengo", Op: fsnotify.Remove})

	_, err := mem.GetObject(ctx, "script.js.a")
	assert.NoError(t, err)
}

func TestImporter_Watch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping file system watcher test in short mode")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	im, mem := newImporter(t, afero.NewOsFs(), dir)
	require.NoError(t, im.Watch(ctx))
	defer im.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "live.tengo"), []byte(`x := 1`), 0o644))
	assert.Eventually(t, func() bool {
		obj, err := mem.GetObject(ctx, "script.js.live")
		return err == nil && obj.CommonString("source") == "x := 1"
	}, 2*time.Second, 10*time.Millisecond)
}

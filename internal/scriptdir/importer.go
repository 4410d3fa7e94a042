// Package scriptdir imports script files from a directory into the object
// store and keeps them in sync while the files are edited.
//
// A file at <dir>/lights/hall.tengo becomes the script object
// script.js.lights.hall. The extension selects the dialect: .tengo for
// native, .tts for typed and .its for indented source. Files below
// <dir>/global/ become global scripts.
package scriptdir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/store"
)

// fileKey is the native field recording which file an object came from.
const fileKey = "file"

var dialects = map[string]script.Dialect{
	".tengo": script.DialectNative,
	".tts":   script.DialectTyped,
	".its":   script.DialectIndent,
}

type Options struct {
	Fs     afero.Fs
	Dir    string
	Store  store.Store
	Engine string
	Logger *slog.Logger
}

type Importer struct {
	fs     afero.Fs
	dir    string
	store  store.Store
	engine string
	log    *script.ScriptLogger
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

func New(opts Options) *Importer {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "scriptdir")
	return &Importer{
		fs:     opts.Fs,
		dir:    filepath.Clean(opts.Dir),
		store:  opts.Store,
		engine: opts.Engine,
		log:    script.NewScriptLogger(logger),
		logger: logger,
	}
}

// DialectFor returns the dialect selected by the extension of path.
func DialectFor(path string) (script.Dialect, bool) {
	d, ok := dialects[strings.ToLower(filepath.Ext(path))]
	return d, ok
}

// ScriptID maps a file path below the directory to a script id and dialect.
func (im *Importer) ScriptID(path string) (string, script.Dialect, error) {
	rel, err := filepath.Rel(im.dir, path)
	if err != nil {
		return "", "", err
	}
	if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", "", fmt.Errorf("%s is outside %s", path, im.dir)
	}
	ext := filepath.Ext(rel)
	dialect, ok := DialectFor(rel)
	if !ok {
		return "", "", fmt.Errorf("%s: unsupported extension %q", path, ext)
	}
	parts := strings.Split(strings.TrimSuffix(rel, ext), string(filepath.Separator))
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, ". ") {
			return "", "", fmt.Errorf("%s: invalid path segment %q", path, p)
		}
	}
	return script.Prefix + strings.Join(parts, "."), dialect, nil
}

// ImportAll upserts every script file below the directory and returns how
// many objects were written.
func (im *Importer) ImportAll(ctx context.Context) (int, error) {
	written := 0
	err := afero.Walk(im.fs, im.dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if _, _, err := im.ScriptID(path); err != nil {
			return nil
		}
		changed, err := im.upsert(ctx, path)
		if err != nil {
			return err
		}
		if changed {
			written++
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		im.logger.Debug("Scripts directory does not exist, nothing to import", "path", im.dir)
		return 0, nil
	}
	return written, err
}

// upsert writes the file's script object. Existing objects keep their
// enabled flag and engine; an unchanged source is not written again.
func (im *Importer) upsert(ctx context.Context, path string) (bool, error) {
	id, dialect, err := im.ScriptID(path)
	if err != nil {
		return false, err
	}
	src, err := afero.ReadFile(im.fs, path)
	if err != nil {
		im.log.HotReload("read", id, path, err)
		return false, err
	}
	rel, _ := filepath.Rel(im.dir, path)

	obj, err := im.store.GetObject(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		obj = script.NewObject(id, string(src), dialect, im.engine, true)
	case err != nil:
		return false, err
	default:
		if obj.CommonString("source") == string(src) && obj.CommonString("engineType") == string(dialect) {
			return false, nil
		}
		obj = obj.Clone()
		obj.Common["source"] = string(src)
		obj.Common["engineType"] = string(dialect)
	}
	if obj.Native == nil {
		obj.Native = map[string]any{}
	}
	obj.Native[fileKey] = filepath.ToSlash(rel)

	err = im.store.SetObject(ctx, obj)
	im.log.HotReload("upsert", id, path, err)
	return err == nil, err
}

// remove deletes the object of a removed file, if it was imported from it.
func (im *Importer) remove(ctx context.Context, path string) error {
	id, _, err := im.ScriptID(path)
	if err != nil {
		return err
	}
	obj, err := im.store.GetObject(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rel, _ := filepath.Rel(im.dir, path)
	if from, _ := obj.Native[fileKey].(string); from != filepath.ToSlash(rel) {
		return nil
	}
	err = im.store.DelObject(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		err = nil
	}
	im.log.HotReload("delete", id, path, err)
	return err
}

// Watch follows file changes until ctx is done. It needs a directory on
// the OS filesystem.
func (im *Importer) Watch(ctx context.Context) error {
	im.mu.Lock()
	if im.watcher != nil {
		im.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		im.mu.Unlock()
		return fmt.Errorf("failed to create file system watcher: %w", err)
	}
	im.watcher = watcher
	im.mu.Unlock()

	err = afero.Walk(im.fs, im.dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		im.Stop()
		return fmt.Errorf("failed to add directories to watcher: %w", err)
	}

	go im.watch(ctx, watcher)
	im.logger.Debug("Watching scripts directory", "path", im.dir)
	return nil
}

func (im *Importer) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer im.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			im.handleEvent(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			im.logger.Error("File system watcher error", "error", err)
		}
	}
}

func (im *Importer) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := im.fs.Stat(event.Name); err == nil && info.IsDir() {
			im.mu.Lock()
			if im.watcher != nil {
				if err := im.watcher.Add(event.Name); err != nil {
					im.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
				}
			}
			im.mu.Unlock()
			return
		}
	}
	if _, _, err := im.ScriptID(event.Name); err != nil {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if err := im.remove(ctx, event.Name); err != nil {
			im.logger.Error("Failed to remove script", "path", event.Name, "error", err)
		}
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		if _, err := im.upsert(ctx, event.Name); err != nil {
			im.logger.Error("Failed to import script", "path", event.Name, "error", err)
		}
	}
}

// Stop closes the watcher.
func (im *Importer) Stop() {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.watcher != nil {
		_ = im.watcher.Close()
		im.watcher = nil
	}
}

// Package libraries installs optional source modules that scripts can
// import. A library named "mathx" is the object script.lib.mathx whose
// common.source holds tengo module source.
package libraries

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nfrund/scriptd/internal/retry"
	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/store"
)

// Prefix is the object id prefix of library sources.
const Prefix = "script.lib."

// Target receives installed sources. compiler.Modules implements it.
type Target interface {
	AddSource(name string, src []byte) error
}

type Options struct {
	Store    store.Store
	Target   Target
	Attempts int
	Backoff  *retry.Backoff
	Reporter *script.ErrorReporter
	Logger   *slog.Logger
}

// Installer loads libraries from the store into the module allow-list.
type Installer struct {
	store    store.Store
	target   Target
	backoff  *retry.Backoff
	reporter *script.ErrorReporter
	log      *script.ScriptLogger
}

func New(opts Options) *Installer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	if opts.Backoff == nil {
		opts.Backoff = retry.New(opts.Attempts - 1)
	}
	return &Installer{
		store:    opts.Store,
		target:   opts.Target,
		backoff:  opts.Backoff,
		reporter: opts.Reporter,
		log:      script.NewScriptLogger(opts.Logger.With("component", "libraries")),
	}
}

// Install installs each named library. A library that still fails after
// every attempt is reported as a LibraryInstallError and skipped; the
// others are unaffected. It returns the names that were installed.
func (in *Installer) Install(ctx context.Context, names []string) ([]string, []error) {
	var (
		installed []string
		errs      []error
	)
	for _, name := range names {
		if err := in.install(ctx, name); err != nil {
			if ctx.Err() != nil {
				return installed, append(errs, ctx.Err())
			}
			lerr := &script.LibraryInstallError{Library: name, Attempts: in.backoff.Attempts(), Cause: err}
			in.log.Error(script.Classify(Prefix+name, lerr))
			if in.reporter != nil {
				in.reporter.Report(Prefix+name, lerr)
			}
			errs = append(errs, lerr)
			continue
		}
		installed = append(installed, name)
		in.log.System(slog.LevelInfo, "Library installed", slog.String("library", name))
	}
	return installed, errs
}

func (in *Installer) install(ctx context.Context, name string) error {
	return in.backoff.Retry(ctx, func() error {
		obj, err := in.store.GetObject(ctx, Prefix+name)
		if err != nil {
			return err
		}
		src := obj.CommonString("source")
		if src == "" {
			return fmt.Errorf("library %s has no source", name)
		}
		return in.target.AddSource(name, []byte(src))
	})
}

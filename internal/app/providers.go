package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/do/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/scriptd/internal/compiler"
	"github.com/nfrund/scriptd/internal/config"
	"github.com/nfrund/scriptd/internal/declarations"
	"github.com/nfrund/scriptd/internal/eventloop"
	"github.com/nfrund/scriptd/internal/indicator"
	"github.com/nfrund/scriptd/internal/libraries"
	"github.com/nfrund/scriptd/internal/lifecycle"
	"github.com/nfrund/scriptd/internal/messaging"
	"github.com/nfrund/scriptd/internal/pubsub"
	"github.com/nfrund/scriptd/internal/retry"
	"github.com/nfrund/scriptd/internal/sandbox"
	"github.com/nfrund/scriptd/internal/schedule"
	"github.com/nfrund/scriptd/internal/script"
	"github.com/nfrund/scriptd/internal/scriptdir"
	"github.com/nfrund/scriptd/internal/server"
	"github.com/nfrund/scriptd/internal/store"
	"github.com/nfrund/scriptd/internal/store/surreal"
	"github.com/nfrund/scriptd/internal/subscription"
)

// provide registers every service constructor. Services are built lazily on
// first Invoke; ctx bounds the ones that connect to something.
func provide(ctx context.Context, i do.Injector) {
	do.Provide(i, func(i do.Injector) (store.Store, error) {
		cfg := do.MustInvoke[*config.Config](i)
		logger := do.MustInvoke[*slog.Logger](i)
		switch cfg.Store {
		case "surreal":
			st, err := surreal.Open(ctx, cfg.SurrealConfig(), logger)
			if err != nil {
				return nil, fmt.Errorf("open surreal store: %w", err)
			}
			return st, nil
		default:
			return store.NewMemory(), nil
		}
	})

	do.Provide(i, func(i do.Injector) (*eventloop.Loop, error) {
		return eventloop.New(do.MustInvoke[*slog.Logger](i)), nil
	})

	do.Provide(i, func(i do.Injector) (*script.ErrorReporter, error) {
		return script.NewErrorReporter(do.MustInvoke[*slog.Logger](i)), nil
	})

	do.Provide(i, func(i do.Injector) (*indicator.Indicators, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return indicator.New(
			do.MustInvoke[store.Store](i),
			cfg.Namespace,
			do.MustInvoke[*script.ErrorReporter](i),
			do.MustInvoke[*slog.Logger](i),
		), nil
	})

	do.Provide(i, func(i do.Injector) (*subscription.Registry, error) {
		return subscription.NewRegistry(
			do.MustInvoke[store.Store](i),
			do.MustInvoke[*indicator.Indicators](i),
			do.MustInvoke[*slog.Logger](i),
		), nil
	})

	do.Provide(i, func(i do.Injector) (*schedule.Cron, error) {
		return schedule.NewCron(do.MustInvoke[*slog.Logger](i)), nil
	})

	do.Provide(i, func(i do.Injector) (*compiler.Modules, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return compiler.NewModules(cfg.AllowedModules)
	})

	do.Provide(i, func(i do.Injector) (*compiler.Compiler, error) {
		return compiler.New(compiler.Options{
			Globals: sandbox.CapabilityNames,
			Modules: do.MustInvoke[*compiler.Modules](i),
			Logger:  do.MustInvoke[*slog.Logger](i),
		}), nil
	})

	do.Provide(i, func(i do.Injector) (*declarations.Propagator, error) {
		p := declarations.New()
		p.Register(do.MustInvoke[*compiler.Compiler](i))
		return p, nil
	})

	do.Provide(i, func(i do.Injector) (*sandbox.Executor, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return sandbox.NewExecutor(sandbox.Dependencies{
			Loop:      do.MustInvoke[*eventloop.Loop](i),
			Store:     do.MustInvoke[store.Store](i),
			Registry:  do.MustInvoke[*subscription.Registry](i),
			Scheduler: do.MustInvoke[*schedule.Cron](i),
			Health:    do.MustInvoke[*indicator.Indicators](i),
			Limits:    cfg.Limits(),
			Logger:    do.MustInvoke[*slog.Logger](i),
		}), nil
	})

	do.Provide(i, func(i do.Injector) (*lifecycle.Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return lifecycle.New(lifecycle.Dependencies{
			Loop:         do.MustInvoke[*eventloop.Loop](i),
			Store:        do.MustInvoke[store.Store](i),
			Compiler:     do.MustInvoke[*compiler.Compiler](i),
			Declarations: do.MustInvoke[*declarations.Propagator](i),
			Executor:     do.MustInvoke[*sandbox.Executor](i),
			Registry:     do.MustInvoke[*subscription.Registry](i),
			Indicators:   do.MustInvoke[*indicator.Indicators](i),
			Engine:       cfg.Instance,
			Logger:       do.MustInvoke[*slog.Logger](i),
		}), nil
	})

	do.Provide(i, func(i do.Injector) (*pubsub.WatermillBridge, error) {
		return pubsub.NewWatermillBridgeWithTracer(
			do.MustInvoke[trace.Tracer](i),
			do.MustInvoke[*slog.Logger](i),
		), nil
	})

	do.Provide(i, func(i do.Injector) (*messaging.Router, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return messaging.NewRouter(messaging.Dependencies{
			Bus:          do.MustInvoke[*pubsub.WatermillBridge](i),
			Loop:         do.MustInvoke[*eventloop.Loop](i),
			Scripts:      do.MustInvoke[*sandbox.Executor](i).Bus(),
			Declarations: do.MustInvoke[*declarations.Propagator](i),
			ReplyTimeout: cfg.HandlerTimeout.Duration,
			Logger:       do.MustInvoke[*slog.Logger](i),
		}), nil
	})

	do.Provide(i, func(i do.Injector) (*libraries.Installer, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return libraries.New(libraries.Options{
			Store:    do.MustInvoke[store.Store](i),
			Target:   do.MustInvoke[*compiler.Modules](i),
			Backoff:  retry.New(cfg.LibraryAttempts - 1),
			Reporter: do.MustInvoke[*script.ErrorReporter](i),
			Logger:   do.MustInvoke[*slog.Logger](i),
		}), nil
	})

	do.Provide(i, func(i do.Injector) (*scriptdir.Importer, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return scriptdir.New(scriptdir.Options{
			Dir:    cfg.ScriptsDir,
			Store:  do.MustInvoke[store.Store](i),
			Engine: cfg.Instance,
			Logger: do.MustInvoke[*slog.Logger](i),
		}), nil
	})

	do.Provide(i, func(i do.Injector) (*server.Server, error) {
		return server.New(server.Dependencies{
			Scripts:      do.MustInvoke[*lifecycle.Manager](i),
			Declarations: do.MustInvoke[*declarations.Propagator](i),
			Messages:     do.MustInvoke[*messaging.Router](i),
			Errors:       do.MustInvoke[*script.ErrorReporter](i),
			Logger:       do.MustInvoke[*slog.Logger](i),
		}), nil
	})
}

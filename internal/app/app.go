// Package app wires the daemon together and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/do/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/nfrund/scriptd/internal/config"
	"github.com/nfrund/scriptd/internal/eventloop"
	"github.com/nfrund/scriptd/internal/libraries"
	"github.com/nfrund/scriptd/internal/lifecycle"
	"github.com/nfrund/scriptd/internal/messaging"
	"github.com/nfrund/scriptd/internal/pubsub"
	"github.com/nfrund/scriptd/internal/schedule"
	"github.com/nfrund/scriptd/internal/scriptdir"
	"github.com/nfrund/scriptd/internal/server"
	"github.com/nfrund/scriptd/internal/store"
)

const httpShutdownTimeout = 5 * time.Second

// App owns the service container of one daemon run.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	injector       do.Injector
	tracerShutdown func()
}

// New sets up tracing and registers the services. Nothing connects until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tracer, shutdown, err := pubsub.SetupOTel(ctx, cfg.TracingConfig())
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	i := do.New()
	do.ProvideValue(i, cfg)
	do.ProvideValue(i, logger)
	do.ProvideValue[trace.Tracer](i, tracer)
	provide(ctx, i)

	return &App{cfg: cfg, logger: logger, injector: i, tracerShutdown: shutdown}, nil
}

// Injector exposes the container, mainly for tests.
func (a *App) Injector() do.Injector { return a.injector }

// Run starts the engine and the admin API and blocks until ctx is done or
// the HTTP server fails. Everything is stopped in reverse order before it
// returns.
func (a *App) Run(ctx context.Context) error {
	defer a.tracerShutdown()

	st, err := do.Invoke[store.Store](a.injector)
	if err != nil {
		return err
	}
	defer closeStore(st, a.logger)

	loop := do.MustInvoke[*eventloop.Loop](a.injector)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		// the loop outlives ctx so scripts can run their stop handlers
		if err := loop.Run(context.Background()); err != nil {
			a.logger.Error("Event loop failed", "error", err)
		}
	}()
	defer func() {
		loop.Close()
		<-loopDone
	}()

	cron := do.MustInvoke[*schedule.Cron](a.injector)
	cron.Start()
	defer cron.Stop(context.Background())

	bus := do.MustInvoke[*pubsub.WatermillBridge](a.injector)
	defer func() {
		if err := bus.Close(); err != nil {
			a.logger.Warn("Failed to close message bus", "error", err)
		}
	}()

	if len(a.cfg.Libraries) > 0 {
		installer := do.MustInvoke[*libraries.Installer](a.injector)
		installed, errs := installer.Install(ctx, a.cfg.Libraries)
		a.logger.Info("Libraries installed", "installed", len(installed), "failed", len(errs))
	}

	if a.cfg.ScriptsDir != "" {
		importer := do.MustInvoke[*scriptdir.Importer](a.injector)
		n, err := importer.ImportAll(ctx)
		if err != nil {
			return fmt.Errorf("import scripts: %w", err)
		}
		a.logger.Info("Script files imported", "dir", a.cfg.ScriptsDir, "changed", n)
		if a.cfg.WatchScripts {
			if err := importer.Watch(ctx); err != nil {
				return fmt.Errorf("watch scripts: %w", err)
			}
			defer importer.Stop()
		}
	}

	router := do.MustInvoke[*messaging.Router](a.injector)
	if err := router.Start(ctx); err != nil {
		return err
	}

	manager := do.MustInvoke[*lifecycle.Manager](a.injector)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start scripts: %w", err)
	}
	defer a.stopScripts(manager)

	srv := do.MustInvoke[*server.Server](a.injector)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(a.cfg.HTTPAddr) }()

	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			a.logger.Error("Admin API failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Admin API shutdown failed", "error", err)
	}
	return err
}

// stopScripts gives every script its stop timeout plus a second of slack.
func (a *App) stopScripts(m *lifecycle.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StopTimeout.Duration+time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		a.logger.Warn("Scripts did not stop in time", "error", err)
	}
}

func closeStore(st store.Store, logger *slog.Logger) {
	c, ok := st.(interface{ Close(context.Context) error })
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Failed to close store", "error", err)
	}
}

// Package server exposes the admin and editor HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nfrund/scriptd/internal/lifecycle"
	"github.com/nfrund/scriptd/internal/messaging"
	"github.com/nfrund/scriptd/internal/script"
)

// Scripts reports script status. lifecycle.Manager implements it.
type Scripts interface {
	Snapshot(ctx context.Context) ([]lifecycle.Status, error)
	Lookup(ctx context.Context, id string) (lifecycle.Status, bool, error)
}

// Requester sends an envelope through the message bus and waits for the
// reply. messaging.Router implements it.
type Requester interface {
	Request(ctx context.Context, env messaging.Envelope) (*messaging.Reply, error)
}

// ErrorSummaries reports counted script errors.
type ErrorSummaries interface {
	GetErrorSummary() *script.ErrorSummary
}

type Dependencies struct {
	Scripts      Scripts
	Declarations messaging.DeclarationSource
	Messages     Requester
	Errors       ErrorSummaries
	Logger       *slog.Logger
}

// Server holds the HTTP dependencies.
type Server struct {
	E    *echo.Echo
	deps Dependencies
}

func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(deps.Logger))
	setupErrorHandling(e)

	s := &Server{E: e, deps: deps}
	s.RegisterRoutes()
	return s
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "HTTP request", attrs...)
			return nil
		},
	})
}

// setupErrorHandling logs unhandled errors with a stack trace and answers
// them with a JSON error body.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			slog.Error("Internal Server Error (Unhandled)",
				"error", err.Error(),
				"method", c.Request().Method,
				"path", c.Path(),
				"stack_trace", string(debug.Stack()),
			)
			he = echo.NewHTTPError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		}
		msg := fmt.Sprint(he.Message)
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(he.Code)
		} else {
			err = c.JSON(he.Code, map[string]string{"error": msg})
		}
		if err != nil {
			slog.Error("Failed to write error response", "error", err)
		}
	}
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.deps.Logger.Info("Admin API listening", "addr", addr)
	if err := s.E.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.E.Shutdown(ctx)
}

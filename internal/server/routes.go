package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/scriptd/internal/lifecycle"
	"github.com/nfrund/scriptd/internal/messaging"
)

const messageTimeout = 10 * time.Second

// RegisterRoutes sets up all the API routes.
func (s *Server) RegisterRoutes() {
	s.E.GET("/healthz", s.health)

	api := s.E.Group("/api")
	api.GET("/scripts", s.listScripts)
	api.GET("/scripts/:id", s.getScript)
	api.GET("/declarations", s.getDeclarations)
	api.GET("/errors", s.getErrors)
	api.POST("/messages", s.postMessage)
}

func (s *Server) health(c echo.Context) error {
	all, err := s.deps.Scripts.Snapshot(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	counts := map[lifecycle.State]int{}
	for _, st := range all {
		counts[st.State]++
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"scripts": counts,
	})
}

func (s *Server) listScripts(c echo.Context) error {
	all, err := s.deps.Scripts.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, all)
}

func (s *Server) getScript(c echo.Context) error {
	st, ok, err := s.deps.Scripts.Lookup(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown script "+c.Param("id"))
	}
	return c.JSON(http.StatusOK, st)
}

// getDeclarations returns the ambient declaration files. With ?script= set
// to a global script, only the declarations before it are returned.
func (s *Server) getDeclarations(c echo.Context) error {
	id := c.QueryParam("script")
	if id == "" {
		return c.JSON(http.StatusOK, s.deps.Declarations.Ambient())
	}
	files, ok := s.deps.Declarations.Snapshot(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, id+" contributes no declarations")
	}
	return c.JSON(http.StatusOK, files)
}

func (s *Server) getErrors(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Errors.GetErrorSummary())
}

// postMessage delivers a toScript command and returns the reply.
func (s *Server) postMessage(c echo.Context) error {
	var p messaging.ToScript
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	env, err := messaging.NewEnvelope(messaging.CommandToScript, p)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := env.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), messageTimeout)
	defer cancel()
	reply, err := s.deps.Messages.Request(ctx, env)
	if errors.Is(err, context.DeadlineExceeded) {
		return echo.NewHTTPError(http.StatusGatewayTimeout, "no reply from engine")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reply)
}

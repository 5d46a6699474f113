// Package server is the thin HTTP facade over the agent core: it accepts
// queries, streams phase events back as server-sent events, and exposes the
// admin endpoints for plan approval and memory inspection. The transport is
// deliberately dumb; everything interesting happens in internal/agent.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"synapse/internal/agent"
	"synapse/internal/config"
	"synapse/internal/store"
)

// defaultWorkers bounds how many agent requests run concurrently.
const defaultWorkers = 4

// Server wires the echo router to the agent service.
type Server struct {
	echo    *echo.Echo
	service *agent.Service
	cfg     *config.Manager
	log     *zap.Logger
	workers *semaphore.Weighted
}

// New builds the facade.
func New(service *agent.Service, cfg *config.Manager, log *zap.Logger, workers int) *Server {
	if workers <= 0 {
		workers = defaultWorkers
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		service: service,
		cfg:     cfg,
		log:     log,
		workers: semaphore.NewWeighted(int64(workers)),
	}

	e.POST("/agent/query", s.handleQuery)
	e.POST("/plan/approve", s.handleApprovePlan)
	e.GET("/plan", s.handleGetPlan)
	e.GET("/memory/trace", s.handleTrace)
	e.POST("/projects/:id/register", s.handleRegisterProject)
	e.POST("/projects/:id/sync", s.handleSyncProject)
	return s
}

// Start blocks serving on addr.
func (s *Server) Start(addr string) error {
	s.log.Info("agent facade listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

type queryRequest struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

// handleQuery runs one agent request, streaming phase events as SSE frames
// and closing with a FINAL/answer frame.
func (s *Server) handleQuery(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Prompt == "" || req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id and prompt are required")
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}

	ctx := c.Request().Context()
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
	}
	defer s.workers.Release(1)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.WriteHeader(http.StatusOK)

	observer := agent.ObserverFunc(func(ev agent.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(res, "data: %s\n\n", data)
		res.Flush()
	})

	answer := s.service.Run(ctx, agent.Request{
		ProjectID: req.ProjectID,
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
	}, observer)

	final, _ := json.Marshal(map[string]string{"answer": answer})
	fmt.Fprintf(res, "data: %s\n\n", final)
	res.Flush()
	return nil
}

// handleApprovePlan moves the pending plan to APPROVED.
func (s *Server) handleApprovePlan(c echo.Context) error {
	s.service.Planner().Approve()
	return c.JSON(http.StatusOK, s.service.Planner().Snapshot())
}

// handleGetPlan returns the current plan snapshot.
func (s *Server) handleGetPlan(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.Planner().Snapshot())
}

// handleTrace returns the bounded phase-event trace.
func (s *Server) handleTrace(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.Trace().Entries())
}

// handleRegisterProject persists a project config.
func (s *Server) handleRegisterProject(c echo.Context) error {
	projectID := c.Param("id")

	var cfg config.ProjectConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid project config")
	}
	if err := s.cfg.SaveProject(projectID, cfg); err != nil {
		s.log.Error("project registration failed", zap.String("project", projectID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not save config")
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// handleSyncProject ingests crawler output into the project graph.
func (s *Server) handleSyncProject(c echo.Context) error {
	projectID := c.Param("id")

	var nodes []store.CodeNode
	if err := c.Bind(&nodes); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sync payload")
	}

	if err := s.service.IngestSyncResults(projectID, nodes); err != nil {
		s.log.Error("sync ingestion failed", zap.String("project", projectID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "ingestion failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ingested", "count": len(nodes)})
}

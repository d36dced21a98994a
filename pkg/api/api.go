// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api serves the resource dashboard API of the app host.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/apphost"
	"github.com/united-manufacturing-hub/apphost/pkg/events"
	"github.com/united-manufacturing-hub/apphost/pkg/logger"
	"github.com/united-manufacturing-hub/apphost/pkg/logstore"
	"github.com/united-manufacturing-hub/apphost/pkg/metrics"
	"github.com/united-manufacturing-hub/apphost/pkg/sentry"
	"github.com/united-manufacturing-hub/apphost/pkg/standarderrors"
)

const (
	// EventsPath streams transitions as newline delimited JSON.
	EventsPath = "/api/v1/events"

	defaultLogTail = 100
)

// Host is what the API controls.
type Host interface {
	Resources() ([]apphost.ResourceStatus, error)
	Resource(name string) (apphost.ResourceStatus, error)
	StartResource(ctx context.Context, name string) error
	StopResource(ctx context.Context, name string) error
	Logs() *logstore.Store
	Events() *events.Broadcaster
}

var _ Host = (*apphost.AppHost)(nil)

// Server holds the router.
type Server struct {
	router *gin.Engine
	host   Host
	logger *zap.SugaredLogger
}

// NewServer builds the router. health, when not nil, is mounted at /live and /ready.
func NewServer(host Host, health http.Handler, log *zap.SugaredLogger) *Server {
	log = logger.OrDefault(log, logger.ComponentAPI)

	router := gin.New()

	// Logs all requests, like a combined access and error log.
	router.Use(ginzap.Ginzap(log.Desugar(), time.RFC3339, true))
	// Logs all panic to error log
	router.Use(ginzap.RecoveryWithZap(log.Desugar(), true))

	s := &Server{router: router, host: host, logger: log}

	if health != nil {
		router.GET("/live", gin.WrapH(health))
		router.GET("/ready", gin.WrapH(health))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/events", s.streamEvents)

		resources := v1.Group("/resources", gzip.Gzip(gzip.DefaultCompression))
		resources.GET("", s.listResources)
		resources.GET("/:name", s.getResource)
		resources.GET("/:name/logs", s.getLogs)
		resources.POST("/:name/start", s.startResource)
		resources.POST("/:name/stop", s.stopResource)
		resources.POST("/:name/restart", s.restartResource)
	}

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API on addr in the background.
func (s *Server) Start(addr string) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeError, s.logger)
		}
	}()

	s.logger.Infof("API listening on %s", addr)

	return server
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, standarderrors.ErrUnknownResource):
		return http.StatusNotFound
	case errors.Is(err, apphost.ErrResourceActive), errors.Is(err, apphost.ErrStartCancelled),
		errors.Is(err, standarderrors.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, apphost.ErrNotRunning), errors.Is(err, apphost.ErrShutdown):
		return http.StatusServiceUnavailable
	case standarderrors.IsWaitOutcome(err):
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Errorw("Internal server error", "path", c.FullPath(), "error", err)
		metrics.IncErrorCount(metrics.ComponentAPI, c.Param("name"))
	}

	c.JSON(code, errorResponse{Error: err.Error()})
}

func (s *Server) listResources(c *gin.Context) {
	statuses, err := s.host.Resources()
	if err != nil {
		s.handleError(c, err)

		return
	}

	c.JSON(http.StatusOK, statuses)
}

func (s *Server) getResource(c *gin.Context) {
	status, err := s.host.Resource(c.Param("name"))
	if err != nil {
		s.handleError(c, err)

		return
	}

	c.JSON(http.StatusOK, status)
}

type logsRequest struct {
	Tail int `form:"tail"`
}

func (s *Server) getLogs(c *gin.Context) {
	var req logsRequest
	if err := c.ShouldBindQuery(&req); err != nil || req.Tail < 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "tail must be a non-negative integer"})

		return
	}

	if req.Tail == 0 {
		req.Tail = defaultLogTail
	}

	name := c.Param("name")
	if _, err := s.host.Resource(name); err != nil {
		s.handleError(c, err)

		return
	}

	lines := s.host.Logs().Lines(name, req.Tail)
	if lines == nil {
		lines = []logstore.LogEntry{}
	}

	c.JSON(http.StatusOK, lines)
}

func (s *Server) respondStatus(c *gin.Context, name string) {
	status, err := s.host.Resource(name)
	if err != nil {
		s.handleError(c, err)

		return
	}

	c.JSON(http.StatusAccepted, status)
}

func (s *Server) startResource(c *gin.Context) {
	name := c.Param("name")

	if err := s.host.StartResource(c.Request.Context(), name); err != nil {
		s.handleError(c, err)

		return
	}

	s.respondStatus(c, name)
}

func (s *Server) stopResource(c *gin.Context) {
	name := c.Param("name")

	if err := s.host.StopResource(c.Request.Context(), name); err != nil {
		s.handleError(c, err)

		return
	}

	s.respondStatus(c, name)
}

// restartResource stops the current instance and starts a new one.
func (s *Server) restartResource(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()

	if err := s.host.StopResource(ctx, name); err != nil {
		s.handleError(c, err)

		return
	}

	if err := s.host.StartResource(ctx, name); err != nil {
		s.handleError(c, err)

		return
	}

	s.logger.Infow("resource_restarted_via_api", "resource", name)

	s.respondStatus(c, name)
}

// parseBuffer reads the optional buffer query parameter.
func parseBuffer(c *gin.Context) (int, error) {
	raw := c.Query("buffer")
	if raw == "" {
		return 0, nil
	}

	return strconv.Atoi(raw)
}

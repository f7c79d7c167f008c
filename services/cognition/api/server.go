// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the cognition query surface over HTTP.
//
// Routes, under /v1/cognition:
//
//	GET  /health                          liveness
//	GET  /ready                           engine running and ledger writable
//	GET  /cycles/day/:date                cycle ids for YYYY-MM-DD
//	GET  /cycles/hour/:date/:hour         cycle ids for one hour
//	GET  /cycles/file?name=               cycle ids associated with a file
//	GET  /cycles/:id                      index entry of one cycle
//	GET  /stats                           engine, ledger and index counters
//	GET  /reconstruct?ts=&mode=           state at an instant
//	GET  /evolution?metric=&from=&to=     metric series
//	GET  /snapshots/closest?ts=           snapshot nearest an instant
//	POST /verify                          full ledger chain check
//	GET  /stream                          websocket, one message per cycle
//
// /metrics serves Prometheus. Timestamps are RFC 3339.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/cognition/services/cognition"
	"github.com/AleutianAI/cognition/services/cognition/index"
	"github.com/AleutianAI/cognition/services/cognition/ledger"
	"github.com/AleutianAI/cognition/services/cognition/reconstruct"
	"github.com/AleutianAI/cognition/services/cognition/snapshot"
	"github.com/AleutianAI/cognition/services/cognition/telemetry"
)

// Backend is the query surface the handlers need. *cognition.Service
// implements it.
type Backend interface {
	Ready() (bool, string)
	CyclesForDay(day string) []int64
	CyclesForHour(day string, hour int) []int64
	CyclesForFile(name string) []int64
	Entry(cycleID int64) (index.Entry, bool)
	Stats() cognition.Stats
	ReconstructAt(ctx context.Context, ts time.Time, mode reconstruct.Mode) (reconstruct.State, error)
	MetricEvolution(ctx context.Context, metric string, from, to time.Time) ([]reconstruct.Point, error)
	FindClosestSnapshot(ts time.Time) (snapshot.IndexEntry, bool, error)
	Verify() (ledger.VerifyResult, error)
}

var _ Backend = (*cognition.Service)(nil)

// Config configures the router.
type Config struct {
	// ServiceName labels otelgin spans. Default: "cognition".
	ServiceName string

	// RateLimit is requests per second; Burst the bucket size. A zero
	// RateLimit disables limiting.
	RateLimit float64
	Burst     int

	Logger *slog.Logger
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// CyclesResponse lists cycle ids for a key.
type CyclesResponse struct {
	Key    string  `json:"key"`
	Cycles []int64 `json:"cycles"`
}

// Server holds the router and the stream hub.
type Server struct {
	backend Backend
	hub     *Hub
	logger  *slog.Logger
	router  *gin.Engine
}

// NewServer builds the router. Feed completed cycles to Hub().Publish.
func NewServer(b Backend, cfg Config) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "cognition"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{backend: b, hub: NewHub(logger), logger: logger.With("component", "api")}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		router.Use(rateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)))
	}

	metrics := telemetry.MetricsHandler()
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metrics))

	v1 := router.Group("/v1/cognition")
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/ready", s.handleReady)
		v1.GET("/cycles/day/:date", s.handleDay)
		v1.GET("/cycles/hour/:date/:hour", s.handleHour)
		v1.GET("/cycles/file", s.handleFile)
		v1.GET("/cycles/:id", s.handleEntry)
		v1.GET("/stats", s.handleStats)
		v1.GET("/reconstruct", s.handleReconstruct)
		v1.GET("/evolution", s.handleEvolution)
		v1.GET("/snapshots/closest", s.handleClosestSnapshot)
		v1.POST("/verify", s.handleVerify)
		v1.GET("/stream", s.hub.Serve)
	}
	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the cycle stream hub.
func (s *Server) Hub() *Hub { return s.hub }

func rateLimit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded",
				Code:  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: code})
}

func (s *Server) internalError(c *gin.Context, code string, err error) {
	s.logger.Error("api.request_failed", "path", c.FullPath(), "code", code, "error", err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: code})
}

// parseTime parses an RFC 3339 query parameter. Empty returns zero.
func parseTime(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		badRequest(c, "INVALID_TIME", name+" must be RFC 3339")
		return time.Time{}, false
	}
	return ts, true
}

func validDay(day string) bool {
	_, err := time.Parse("2006-01-02", day)
	return err == nil
}

// ===== Handlers =====

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	ready, reason := s.backend.Ready()
	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "reason": reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) handleDay(c *gin.Context) {
	day := c.Param("date")
	if !validDay(day) {
		badRequest(c, "INVALID_DATE", "date must be YYYY-MM-DD")
		return
	}
	c.JSON(http.StatusOK, CyclesResponse{Key: day, Cycles: nonNil(s.backend.CyclesForDay(day))})
}

func (s *Server) handleHour(c *gin.Context) {
	day := c.Param("date")
	if !validDay(day) {
		badRequest(c, "INVALID_DATE", "date must be YYYY-MM-DD")
		return
	}
	hour, err := strconv.Atoi(c.Param("hour"))
	if err != nil || hour < 0 || hour > 23 {
		badRequest(c, "INVALID_HOUR", "hour must be 0-23")
		return
	}
	c.JSON(http.StatusOK, CyclesResponse{
		Key:    index.HourKey(day, hour),
		Cycles: nonNil(s.backend.CyclesForHour(day, hour)),
	})
}

func (s *Server) handleFile(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		badRequest(c, "MISSING_NAME", "name is required")
		return
	}
	c.JSON(http.StatusOK, CyclesResponse{Key: name, Cycles: nonNil(s.backend.CyclesForFile(name))})
}

func (s *Server) handleEntry(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		badRequest(c, "INVALID_ID", "id must be a positive integer")
		return
	}
	entry, ok := s.backend.Entry(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "cycle not indexed", Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Stats())
}

func (s *Server) handleReconstruct(c *gin.Context) {
	ts, ok := parseTime(c, "ts")
	if !ok {
		return
	}
	if ts.IsZero() {
		badRequest(c, "MISSING_TIME", "ts is required")
		return
	}
	mode, err := reconstruct.ParseMode(c.DefaultQuery("mode", string(reconstruct.ModeApproximate)))
	if err != nil {
		badRequest(c, "INVALID_MODE", err.Error())
		return
	}
	state, err := s.backend.ReconstructAt(c.Request.Context(), ts, mode)
	if err != nil {
		s.internalError(c, "RECONSTRUCT_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleEvolution(c *gin.Context) {
	metric := c.Query("metric")
	if metric == "" {
		badRequest(c, "MISSING_METRIC", "metric is required")
		return
	}
	from, ok := parseTime(c, "from")
	if !ok {
		return
	}
	to, ok := parseTime(c, "to")
	if !ok {
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		badRequest(c, "INVALID_RANGE", "to is before from")
		return
	}
	points, err := s.backend.MetricEvolution(c.Request.Context(), metric, from, to)
	if err != nil {
		s.internalError(c, "EVOLUTION_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metric": metric, "points": points})
}

func (s *Server) handleClosestSnapshot(c *gin.Context) {
	ts, ok := parseTime(c, "ts")
	if !ok {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	entry, found, err := s.backend.FindClosestSnapshot(ts)
	if err != nil {
		s.internalError(c, "SNAPSHOT_LOOKUP_FAILED", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no snapshots", Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleVerify(c *gin.Context) {
	res, err := s.backend.Verify()
	if err != nil {
		code := "VERIFY_FAILED"
		if errors.Is(err, ledger.ErrClosed) {
			code = "LEDGER_CLOSED"
		}
		s.internalError(c, code, err)
		return
	}
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusConflict
	}
	c.JSON(status, res)
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

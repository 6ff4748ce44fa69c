// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers exposes the composer service over HTTP.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/cadenzalab/cadenza/services/composer"
	"github.com/cadenzalab/cadenza/services/composer/analysis"
	"github.com/cadenzalab/cadenza/services/composer/artifact"
	"github.com/cadenzalab/cadenza/services/composer/extern"
	"github.com/cadenzalab/cadenza/services/composer/ledger"
	"github.com/cadenzalab/cadenza/services/composer/plan"
	"github.com/cadenzalab/cadenza/services/composer/revision"
	"github.com/cadenzalab/cadenza/services/composer/score"
)

// Handler wires the service into gin routes.
type Handler struct {
	svc    *composer.Service
	logger *slog.Logger
}

// New creates a Handler.
func New(svc *composer.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger.With(slog.String("component", "http"))}
}

// Register mounts all routes on the engine.
func (h *Handler) Register(r *gin.Engine) {
	r.Use(otelgin.Middleware("composer"))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.POST("/projects", h.createProject)
		v1.GET("/projects/:id", h.getProject)
		v1.POST("/projects/:id/generate", h.generate)
		v1.POST("/projects/:id/revise", h.revise)
		v1.POST("/projects/:id/analyze", h.analyze)
		v1.GET("/projects/:id/versions", h.listVersions)
		v1.GET("/projects/:id/versions/:number", h.getVersion)
		v1.GET("/projects/:id/diff", h.diff)
	}
}

type createProjectRequest struct {
	Name string     `json:"name" binding:"required"`
	Spec score.Spec `json:"spec" binding:"required"`
}

func (h *Handler) createProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proj, err := h.svc.CreateProject(c.Request.Context(), req.Name, req.Spec)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, proj)
}

func (h *Handler) getProject(c *gin.Context) {
	proj, err := h.svc.Project(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, proj)
}

func (h *Handler) generate(c *gin.Context) {
	v, err := h.svc.GenerateInitial(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

type reviseRequest struct {
	// Feedback is free text, interpreted into a plan. Exactly one of
	// Feedback and Plan must be set.
	Feedback string `json:"feedback,omitempty"`

	// Plan replays a pre-built revision plan verbatim.
	Plan *plan.RevisionPlan `json:"plan,omitempty"`
}

func (h *Handler) revise(c *gin.Context) {
	var req reviseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if (req.Feedback == "") == (req.Plan == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of feedback and plan is required"})
		return
	}

	var v *ledger.Version
	var err error
	if req.Plan != nil {
		v, err = h.svc.RevisePlan(c.Request.Context(), c.Param("id"), req.Plan)
	} else {
		v, err = h.svc.Revise(c.Request.Context(), c.Param("id"), req.Feedback)
	}
	if err != nil {
		// A failed iteration still recorded a partial version worth
		// returning alongside the error.
		if v != nil && v.Partial {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "version": v})
			return
		}
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

type analyzeRequest struct {
	Version uint64 `json:"version" binding:"required"`
}

func (h *Handler) analyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := h.svc.Analyze(c.Request.Context(), c.Param("id"), req.Version)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handler) listVersions(c *gin.Context) {
	versions, err := h.svc.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

func (h *Handler) getVersion(c *gin.Context) {
	number, err := strconv.ParseUint(c.Param("number"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version number must be a positive integer"})
		return
	}

	v, err := h.svc.Version(c.Request.Context(), c.Param("id"), number)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) diff(c *gin.Context) {
	from, err1 := strconv.ParseUint(c.Query("from"), 10, 64)
	to, err2 := strconv.ParseUint(c.Query("to"), 10, 64)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to query parameters are required version numbers"})
		return
	}

	d, err := h.svc.Compare(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// renderError maps domain errors onto HTTP statuses.
func (h *Handler) renderError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, revision.ErrBusy),
		errors.Is(err, revision.ErrAlreadyGenerated):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrSequenceConflict):
		return http.StatusConflict
	case errors.Is(err, plan.ErrInvalidPlan),
		errors.Is(err, plan.ErrScopeOutOfRange),
		errors.Is(err, extern.ErrUnparseableFeedback),
		errors.Is(err, artifact.ErrInvalidKey),
		errors.Is(err, analysis.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, extern.ErrTransient):
		return http.StatusBadGateway
	case errors.Is(err, extern.ErrMalformedScore),
		errors.Is(err, revision.ErrNoScore):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package composer assembles the composition system: the ledger, artifact
// store and analysis cache over one shared database, plus a per-project
// revision controller. It is the single entry point the HTTP handlers and
// the CLI talk to.
package composer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cadenzalab/cadenza/services/composer/analysis"
	"github.com/cadenzalab/cadenza/services/composer/artifact"
	"github.com/cadenzalab/cadenza/services/composer/diffengine"
	"github.com/cadenzalab/cadenza/services/composer/extern"
	"github.com/cadenzalab/cadenza/services/composer/ledger"
	"github.com/cadenzalab/cadenza/services/composer/plan"
	"github.com/cadenzalab/cadenza/services/composer/revision"
	"github.com/cadenzalab/cadenza/services/composer/score"
	"github.com/cadenzalab/cadenza/services/composer/storage/badgerdb"
)

// Options configures a Service. Zero-value collaborator fields fall back to
// the built-in reference implementations.
type Options struct {
	// DB is the shared database. Required.
	DB *badgerdb.DB

	Generator   extern.Generator
	Bridge      extern.NotationBridge
	Interpreter extern.FeedbackInterpreter
	Analyzers   []revision.AnalyzerBinding

	// MaxRenderAttempts bounds render retries per iteration. Default 3.
	MaxRenderAttempts int

	Logger *slog.Logger
}

// Service is the composition system facade.
//
// Thread Safety: safe for concurrent use. Each project gets one controller;
// concurrent iterations on the same project are rejected with
// revision.ErrBusy, different projects proceed independently.
type Service struct {
	db        *badgerdb.DB
	ledger    *ledger.Ledger
	artifacts *artifact.Store
	cache     *analysis.Cache

	generator         extern.Generator
	bridge            extern.NotationBridge
	interpreter       extern.FeedbackInterpreter
	analyzers         []revision.AnalyzerBinding
	maxRenderAttempts int

	mu          sync.Mutex
	controllers map[string]*revision.Controller

	logger *slog.Logger
}

// New assembles a Service from opts.
func New(opts Options) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("composer: database is required")
	}
	if opts.Generator == nil {
		opts.Generator = extern.NewBaselineGenerator()
	}
	if opts.Bridge == nil {
		opts.Bridge = extern.NewInlineBridge()
	}
	if opts.Interpreter == nil {
		opts.Interpreter = extern.NewKeywordInterpreter()
	}
	if opts.Analyzers == nil {
		opts.Analyzers = []revision.AnalyzerBinding{
			{Analyzer: extern.NewNotationAnalyzer(), Role: artifact.RoleScore},
			{Analyzer: extern.NewAudioAnalyzer(), Role: artifact.RoleRender},
		}
	}
	if opts.MaxRenderAttempts == 0 {
		opts.MaxRenderAttempts = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Service{
		db:                opts.DB,
		ledger:            ledger.New(opts.DB, opts.Logger),
		artifacts:         artifact.NewStore(opts.DB, opts.Logger),
		cache:             analysis.NewCache(opts.DB, opts.Logger),
		generator:         opts.Generator,
		bridge:            opts.Bridge,
		interpreter:       opts.Interpreter,
		analyzers:         opts.Analyzers,
		maxRenderAttempts: opts.MaxRenderAttempts,
		controllers:       make(map[string]*revision.Controller),
		logger:            opts.Logger.With(slog.String("component", "composer")),
	}, nil
}

// Close releases the underlying database.
func (s *Service) Close() error {
	return s.db.Close()
}

// CreateProject registers a project from a composition spec.
func (s *Service) CreateProject(ctx context.Context, name string, spec score.Spec) (*ledger.Project, error) {
	return s.ledger.CreateProject(ctx, name, spec)
}

// Project loads a project by id.
func (s *Service) Project(ctx context.Context, projectID string) (*ledger.Project, error) {
	return s.ledger.GetProject(ctx, projectID)
}

// GenerateInitial produces version 1 from the project's spec alone. Once a
// complete version exists it fails with revision.ErrAlreadyGenerated.
func (s *Service) GenerateInitial(ctx context.Context, projectID string) (*ledger.Version, error) {
	c, err := s.controllerFor(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return c.GenerateInitial(ctx)
}

// Revise interprets feedback against the latest version and produces the
// next one.
func (s *Service) Revise(ctx context.Context, projectID, feedback string) (*ledger.Version, error) {
	c, err := s.controllerFor(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return c.Revise(ctx, feedback)
}

// RevisePlan produces the next version from a pre-built revision plan.
func (s *Service) RevisePlan(ctx context.Context, projectID string, p *plan.RevisionPlan) (*ledger.Version, error) {
	c, err := s.controllerFor(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return c.RevisePlan(ctx, p)
}

// Analyze runs the analyzers over an existing version, through the cache.
func (s *Service) Analyze(ctx context.Context, projectID string, number uint64) (map[string]analysis.Result, error) {
	c, err := s.controllerFor(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return c.Analyze(ctx, number)
}

// History returns all versions of a project in sequence order.
func (s *Service) History(ctx context.Context, projectID string) ([]ledger.Version, error) {
	return s.ledger.List(ctx, projectID)
}

// Version loads one version record.
func (s *Service) Version(ctx context.Context, projectID string, number uint64) (*ledger.Version, error) {
	return s.ledger.Get(ctx, projectID, number)
}

// Compare diffs two versions of a project.
func (s *Service) Compare(ctx context.Context, projectID string, from, to uint64) (*diffengine.Diff, error) {
	older, err := s.versionContent(ctx, projectID, from)
	if err != nil {
		return nil, err
	}
	newer, err := s.versionContent(ctx, projectID, to)
	if err != nil {
		return nil, err
	}
	return diffengine.Compare(older, newer)
}

// versionContent assembles a version's comparable material: its score and
// the metrics of all its analysis results, namespaced by analyzer so the
// same metric name from two analyzers stays distinct.
func (s *Service) versionContent(ctx context.Context, projectID string, number uint64) (*diffengine.VersionContent, error) {
	v, err := s.ledger.Get(ctx, projectID, number)
	if err != nil {
		return nil, err
	}

	content := &diffengine.VersionContent{Number: v.Number}

	if v.Artifacts.Score != "" {
		raw, err := s.artifacts.Get(ctx, v.Artifacts.Score)
		if err != nil {
			return nil, fmt.Errorf("load score for version %d: %w", number, err)
		}
		parsed, err := score.Unmarshal(raw)
		if err != nil {
			return nil, err
		}
		content.Score = parsed
	}

	if len(v.Analysis) > 0 {
		content.Metrics = make(map[string]float64)
		for id, result := range v.Analysis {
			name := analysis.AnalyzerName(id)
			for metric, value := range result.Metrics {
				content.Metrics[name+"."+metric] = value
			}
		}
	}
	return content, nil
}

// controllerFor returns the project's controller, creating it on first use.
func (s *Service) controllerFor(ctx context.Context, projectID string) (*revision.Controller, error) {
	s.mu.Lock()
	if c, ok := s.controllers[projectID]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	// Verify the project outside the lock; badger reads can block.
	if _, err := s.ledger.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.controllers[projectID]; ok {
		return c, nil
	}
	c := revision.NewController(
		projectID,
		s.ledger,
		s.artifacts,
		s.cache,
		s.generator,
		s.bridge,
		s.interpreter,
		s.analyzers,
		revision.WithMaxRenderAttempts(s.maxRenderAttempts),
		revision.WithLogger(s.logger),
	)
	s.controllers[projectID] = c
	return c, nil
}

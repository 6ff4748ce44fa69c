// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package revision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/cadenzalab/cadenza/services/composer/analysis"
	"github.com/cadenzalab/cadenza/services/composer/artifact"
	"github.com/cadenzalab/cadenza/services/composer/extern"
	"github.com/cadenzalab/cadenza/services/composer/ledger"
	"github.com/cadenzalab/cadenza/services/composer/plan"
	"github.com/cadenzalab/cadenza/services/composer/score"
)

// Sentinel errors for the controller.
var (
	// ErrBusy indicates an iteration is already running for this project.
	ErrBusy = errors.New("iteration already in progress")

	// ErrNoScore indicates the prior version has no score artifact to
	// revise, e.g. after a generation-step failure.
	ErrNoScore = errors.New("prior version has no score artifact")

	// ErrAlreadyGenerated indicates the project already has a complete
	// version; further versions come from Revise, not regeneration.
	ErrAlreadyGenerated = errors.New("project already generated")
)

// AnalyzerBinding attaches an analyzer to the artifact role it consumes.
type AnalyzerBinding struct {
	Analyzer extern.AudioAnalyzer
	Role     artifact.Role
}

// Controller runs iterations for one project.
//
// Description:
//
//	Each iteration walks generate -> render -> analyze -> record. Admission
//	is a compare-and-swap on a busy flag: a second request while one runs
//	fails fast with ErrBusy rather than queueing. Transient render failures
//	are retried up to the attempt bound; any step failure records a partial
//	version preserving the artifacts produced before the failure.
//
// Thread Safety: safe for concurrent use; at most one iteration runs.
type Controller struct {
	projectID string

	ledger    *ledger.Ledger
	artifacts *artifact.Store
	cache     *analysis.Cache

	generator   extern.Generator
	bridge      extern.NotationBridge
	interpreter extern.FeedbackInterpreter
	analyzers   []AnalyzerBinding

	maxRenderAttempts int

	busy atomic.Bool

	mu          sync.Mutex
	state       State
	lastSession *Session

	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxRenderAttempts bounds render retries; minimum 1.
func WithMaxRenderAttempts(n int) Option {
	return func(c *Controller) {
		if n >= 1 {
			c.maxRenderAttempts = n
		}
	}
}

// WithLogger sets the controller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// NewController creates a controller for one project.
func NewController(
	projectID string,
	l *ledger.Ledger,
	artifacts *artifact.Store,
	cache *analysis.Cache,
	generator extern.Generator,
	bridge extern.NotationBridge,
	interpreter extern.FeedbackInterpreter,
	analyzers []AnalyzerBinding,
	opts ...Option,
) *Controller {
	c := &Controller{
		projectID:         projectID,
		ledger:            l,
		artifacts:         artifacts,
		cache:             cache,
		generator:         generator,
		bridge:            bridge,
		interpreter:       interpreter,
		analyzers:         analyzers,
		maxRenderAttempts: 3,
		state:             StateIdle,
		logger:            slog.Default(),
		tracer:            otel.Tracer("composer/revision"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(
		slog.String("component", "revision_controller"),
		slog.String("project_id", projectID),
	)
	return c
}

// LastSession returns the trace of the most recently finished iteration.
func (c *Controller) LastSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSession
}

// admit claims the controller for one iteration.
func (c *Controller) admit() error {
	if !c.busy.CompareAndSwap(false, true) {
		busyRejections.Inc()
		return fmt.Errorf("%w: project %s", ErrBusy, c.projectID)
	}
	return nil
}

func (c *Controller) release() {
	c.busy.Store(false)
}

// GenerateInitial produces version 1 straight from the project's spec, with
// no feedback involved. Valid only while the project has no complete
// version; a partial version left by a failed first iteration may be
// retried. Once a complete version exists, new versions come from Revise.
func (c *Controller) GenerateInitial(ctx context.Context) (*ledger.Version, error) {
	if err := c.admit(); err != nil {
		return nil, err
	}
	defer c.release()

	prior, err := c.latestOrNil(ctx)
	if err != nil {
		return nil, err
	}
	if prior != nil && !prior.Partial {
		return nil, fmt.Errorf("%w: project %s has version %d", ErrAlreadyGenerated, c.projectID, prior.Number)
	}
	return c.iterate(ctx, prior, nil)
}

// Revise interprets feedback against the latest version and produces the
// next one.
func (c *Controller) Revise(ctx context.Context, feedback string) (*ledger.Version, error) {
	if err := c.admit(); err != nil {
		return nil, err
	}
	defer c.release()

	prior, err := c.ledger.Latest(ctx, c.projectID)
	if err != nil {
		return nil, err
	}
	priorScore, err := c.loadScore(ctx, prior)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "revision.interpret")
	c.transition(StateInterpretingFeedback)
	started := time.Now()
	p, err := c.interpreter.Interpret(ctx, feedback, priorScore, prior.Number)
	stepSeconds.WithLabelValues(string(StateInterpretingFeedback)).Observe(time.Since(started).Seconds())
	span.End()
	if err != nil {
		c.transition(StateFailed)
		c.transition(StateIdle)
		return nil, fmt.Errorf("interpret feedback: %w", err)
	}

	// Interpreters are not trusted to return resolvable scopes. An invalid
	// plan is the caller's error and must not touch the ledger.
	if err := p.Resolve(priorScore); err != nil {
		c.transition(StateFailed)
		c.transition(StateIdle)
		return nil, fmt.Errorf("validate plan: %w", err)
	}

	// iterate moves straight to Generating, a legal edge from here.
	return c.iterate(ctx, prior, p)
}

// RevisePlan produces the next version from an already-built plan, skipping
// interpretation. Used to replay recorded plans.
func (c *Controller) RevisePlan(ctx context.Context, p *plan.RevisionPlan) (*ledger.Version, error) {
	if err := c.admit(); err != nil {
		return nil, err
	}
	defer c.release()

	prior, err := c.ledger.Latest(ctx, c.projectID)
	if err != nil {
		return nil, err
	}
	priorScore, err := c.loadScore(ctx, prior)
	if err != nil {
		return nil, err
	}
	if err := p.Resolve(priorScore); err != nil {
		return nil, fmt.Errorf("validate plan: %w", err)
	}
	return c.iterate(ctx, prior, p)
}

// Analyze runs the configured analyzers over an existing version's
// artifacts, through the cache. The version record is not modified and the
// lifecycle state does not move; only the busy flag is held.
func (c *Controller) Analyze(ctx context.Context, number uint64) (map[string]analysis.Result, error) {
	if err := c.admit(); err != nil {
		return nil, err
	}
	defer c.release()

	v, err := c.ledger.Get(ctx, c.projectID, number)
	if err != nil {
		return nil, err
	}

	return c.analyze(ctx, v)
}

// iterate runs one full pipeline pass. Caller holds the busy flag.
func (c *Controller) iterate(ctx context.Context, prior *ledger.Version, p *plan.RevisionPlan) (*ledger.Version, error) {
	ctx, span := c.tracer.Start(ctx, "revision.iterate",
		trace.WithAttributes(attribute.String("project_id", c.projectID)))
	defer span.End()

	proj, err := c.ledger.GetProject(ctx, c.projectID)
	if err != nil {
		return nil, err
	}

	v := c.newVersion(proj, prior, p)
	session := &Session{
		ProjectID:     c.projectID,
		VersionNumber: v.Number,
		StartedAt:     time.Now(),
	}
	defer func() {
		session.FinishedAt = time.Now()
		c.mu.Lock()
		c.lastSession = session
		c.mu.Unlock()
	}()

	// Generate.
	composed, err := c.stepGenerate(ctx, session, proj, prior, p, v)
	if err != nil {
		return c.fail(ctx, session, v, StateGenerating, err)
	}

	// Render.
	if err := c.stepRender(ctx, session, composed, v); err != nil {
		return c.fail(ctx, session, v, StateRendering, err)
	}

	// Analyze. Results that completed before a failure ride along on the
	// partial version.
	c.transition(StateAnalyzing)
	started := time.Now()
	results, err := c.analyze(ctx, v)
	session.record(StateAnalyzing, started, 1, err)
	stepSeconds.WithLabelValues(string(StateAnalyzing)).Observe(time.Since(started).Seconds())
	v.Analysis = results
	if err != nil {
		return c.fail(ctx, session, v, StateAnalyzing, err)
	}

	// Record.
	c.transition(StateRecording)
	started = time.Now()
	err = c.ledger.Append(ctx, c.projectID, v)
	session.record(StateRecording, started, 1, err)
	if err != nil {
		c.transition(StateFailed)
		c.transition(StateIdle)
		session.FinalState = StateFailed
		session.FailedStep = StateRecording
		return nil, fmt.Errorf("record version: %w", err)
	}
	c.transition(StateAwaitingFeedback)
	session.FinalState = StateAwaitingFeedback

	iterationsTotal.WithLabelValues(outcomeComplete).Inc()
	c.logger.Info("iteration complete",
		slog.Uint64("version", v.Number),
		slog.Int("analyzers", len(results)),
	)
	return v, nil
}

func (c *Controller) newVersion(proj *ledger.Project, prior *ledger.Version, p *plan.RevisionPlan) *ledger.Version {
	priorFp := ""
	number := uint64(1)
	if prior != nil {
		priorFp = prior.Fingerprint
		number = prior.Number + 1
	}
	planHash := ""
	if p != nil {
		// A plan that fails to marshal would already have failed
		// validation; the empty hash still yields a unique fingerprint
		// because the prior fingerprint differs every iteration.
		planHash, _ = p.Hash()
	}
	return &ledger.Version{
		Number:      number,
		Fingerprint: score.VersionFingerprint(proj.SpecHash, priorFp, planHash),
		Plan:        p,
	}
}

func (c *Controller) stepGenerate(
	ctx context.Context,
	session *Session,
	proj *ledger.Project,
	prior *ledger.Version,
	p *plan.RevisionPlan,
	v *ledger.Version,
) (*score.Score, error) {
	ctx, span := c.tracer.Start(ctx, "revision.generate")
	defer span.End()

	c.transition(StateGenerating)
	started := time.Now()
	defer func() {
		stepSeconds.WithLabelValues(string(StateGenerating)).Observe(time.Since(started).Seconds())
	}()

	var priorScore *score.Score
	if p != nil {
		var err error
		priorScore, err = c.loadScore(ctx, prior)
		if err != nil {
			session.record(StateGenerating, started, 1, err)
			return nil, err
		}
	}

	composed, err := c.generator.Generate(ctx, &proj.Spec, priorScore, p)
	if err != nil {
		session.record(StateGenerating, started, 1, err)
		return nil, err
	}

	raw, err := composed.Marshal()
	if err == nil {
		var key artifact.Key
		key, err = c.artifacts.Put(ctx, raw, artifact.RoleScore)
		v.Artifacts.Score = key
	}
	session.record(StateGenerating, started, 1, err)
	if err != nil {
		return nil, err
	}
	return composed, nil
}

func (c *Controller) stepRender(ctx context.Context, session *Session, composed *score.Score, v *ledger.Version) error {
	ctx, span := c.tracer.Start(ctx, "revision.render")
	defer span.End()

	c.transition(StateRendering)
	started := time.Now()
	defer func() {
		stepSeconds.WithLabelValues(string(StateRendering)).Observe(time.Since(started).Seconds())
	}()

	var result *extern.RenderResult
	var err error
	attempts := 0
	for attempts < c.maxRenderAttempts {
		attempts++
		result, err = c.bridge.Render(ctx, composed)
		if err == nil || !extern.IsTransient(err) || ctx.Err() != nil {
			break
		}
		renderRetries.Inc()
		c.logger.Warn("render attempt failed",
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()),
		)
	}
	if err != nil {
		session.record(StateRendering, started, attempts, err)
		return err
	}

	renderKey, err := c.artifacts.Put(ctx, result.Audio, artifact.RoleRender)
	if err != nil {
		session.record(StateRendering, started, attempts, err)
		return err
	}
	v.Artifacts.Render = renderKey

	if len(result.MIDI) > 0 {
		midiKey, err := c.artifacts.Put(ctx, result.MIDI, artifact.RoleMIDI)
		if err != nil {
			session.record(StateRendering, started, attempts, err)
			return err
		}
		v.Artifacts.MIDI = midiKey
	}

	session.record(StateRendering, started, attempts, nil)
	return nil
}

// analyze fans the bound analyzers out over the version's artifacts through
// the cache. Analyzers whose input artifact is absent are skipped.
func (c *Controller) analyze(ctx context.Context, v *ledger.Version) (map[string]analysis.Result, error) {
	results := make(map[string]analysis.Result, len(c.analyzers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, binding := range c.analyzers {
		key := c.artifactForRole(v, binding.Role)
		if key == "" {
			continue
		}
		analyzer := binding.Analyzer
		g.Go(func() error {
			res, err := c.cache.GetOrCompute(gctx, string(key), analyzer.ID(), func(ctx context.Context) (*analysis.Result, error) {
				content, err := c.artifacts.Get(ctx, key)
				if err != nil {
					return nil, err
				}
				return analyzer.Analyze(ctx, string(key), content)
			})
			if err != nil {
				return fmt.Errorf("analyzer %s: %w", analyzer.ID(), err)
			}
			mu.Lock()
			results[analyzer.ID()] = *res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (c *Controller) artifactForRole(v *ledger.Version, role artifact.Role) artifact.Key {
	switch role {
	case artifact.RoleScore:
		return v.Artifacts.Score
	case artifact.RoleRender:
		return v.Artifacts.Render
	case artifact.RoleMIDI:
		return v.Artifacts.MIDI
	default:
		return ""
	}
}

// fail records a partial version for the broken iteration and resets the
// lifecycle. The append runs on a detached context so cancellation of the
// iteration still preserves the artifacts produced before it.
func (c *Controller) fail(ctx context.Context, session *Session, v *ledger.Version, step State, cause error) (*ledger.Version, error) {
	c.transition(StateFailed)
	session.FailedStep = step
	session.FinalState = StateFailed
	if ctx.Err() != nil {
		session.CancelReason = context.Cause(ctx).Error()
	}

	v.Partial = true
	v.FailedStep = string(step)
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.ledger.Append(appendCtx, c.projectID, v); err != nil {
		c.logger.Error("failed to record partial version",
			slog.Uint64("version", v.Number),
			slog.String("error", err.Error()),
		)
	}

	c.transition(StateIdle)
	iterationsTotal.WithLabelValues(outcomePartial).Inc()
	c.logger.Warn("iteration failed",
		slog.Uint64("version", v.Number),
		slog.String("step", string(step)),
		slog.String("error", cause.Error()),
	)
	return v, fmt.Errorf("%s: %w", step, cause)
}

// latestOrNil returns the latest version, or nil for a fresh project.
func (c *Controller) latestOrNil(ctx context.Context) (*ledger.Version, error) {
	latest, err := c.ledger.Latest(ctx, c.projectID)
	if errors.Is(err, ledger.ErrNotFound) {
		// Distinguish "no versions yet" from "no such project".
		if _, perr := c.ledger.GetProject(ctx, c.projectID); perr != nil {
			return nil, perr
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return latest, nil
}

// loadScore fetches and parses a version's score artifact.
func (c *Controller) loadScore(ctx context.Context, v *ledger.Version) (*score.Score, error) {
	if v.Artifacts.Score == "" {
		return nil, fmt.Errorf("%w: version %d", ErrNoScore, v.Number)
	}
	raw, err := c.artifacts.Get(ctx, v.Artifacts.Score)
	if err != nil {
		return nil, fmt.Errorf("load score for version %d: %w", v.Number, err)
	}
	return score.Unmarshal(raw)
}

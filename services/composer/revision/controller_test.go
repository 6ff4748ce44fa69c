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
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzalab/cadenza/services/composer/analysis"
	"github.com/cadenzalab/cadenza/services/composer/artifact"
	"github.com/cadenzalab/cadenza/services/composer/extern"
	"github.com/cadenzalab/cadenza/services/composer/ledger"
	"github.com/cadenzalab/cadenza/services/composer/plan"
	"github.com/cadenzalab/cadenza/services/composer/score"
	"github.com/cadenzalab/cadenza/services/composer/storage/badgerdb"
)

type fixture struct {
	ledger    *ledger.Ledger
	artifacts *artifact.Store
	cache     *analysis.Cache
	project   *ledger.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l := ledger.New(db, nil)
	proj, err := l.CreateProject(context.Background(), "test", score.Spec{
		Title:           "Quartet in C",
		Tempo:           96,
		Instrumentation: []string{"violin I", "violin II", "viola", "cello"},
		Form:            []score.SectionPlan{{Label: "A", Measures: 4}},
	})
	require.NoError(t, err)

	return &fixture{
		ledger:    l,
		artifacts: artifact.NewStore(db, nil),
		cache:     analysis.NewCache(db, nil),
		project:   proj,
	}
}

func (f *fixture) controller(bridge extern.NotationBridge, analyzers []AnalyzerBinding, opts ...Option) *Controller {
	if bridge == nil {
		bridge = extern.NewInlineBridge()
	}
	return NewController(
		f.project.ID,
		f.ledger,
		f.artifacts,
		f.cache,
		extern.NewBaselineGenerator(),
		bridge,
		extern.NewKeywordInterpreter(),
		analyzers,
		opts...,
	)
}

// flakyBridge fails transiently failCount times before delegating.
type flakyBridge struct {
	inner     extern.NotationBridge
	failCount int32
	calls     atomic.Int32
}

func (b *flakyBridge) Render(ctx context.Context, s *score.Score) (*extern.RenderResult, error) {
	if b.calls.Add(1) <= b.failCount {
		return nil, fmt.Errorf("%w: synth crashed", extern.ErrTransient)
	}
	return b.inner.Render(ctx, s)
}

// brokenBridge always fails with a non-transient error.
type brokenBridge struct{ calls atomic.Int32 }

func (b *brokenBridge) Render(ctx context.Context, s *score.Score) (*extern.RenderResult, error) {
	b.calls.Add(1)
	return nil, extern.ErrMalformedScore
}

// blockingBridge parks until released, to hold an iteration open.
type blockingBridge struct {
	inner    extern.NotationBridge
	entered  chan struct{}
	release  chan struct{}
	reported atomic.Bool
}

func (b *blockingBridge) Render(ctx context.Context, s *score.Score) (*extern.RenderResult, error) {
	if b.reported.CompareAndSwap(false, true) {
		close(b.entered)
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.inner.Render(ctx, s)
}

// countingAnalyzer wraps an analyzer and counts invocations.
type countingAnalyzer struct {
	inner extern.AudioAnalyzer
	calls atomic.Int32
}

func (a *countingAnalyzer) ID() string { return a.inner.ID() }

func (a *countingAnalyzer) Analyze(ctx context.Context, key string, content []byte) (*analysis.Result, error) {
	a.calls.Add(1)
	return a.inner.Analyze(ctx, key, content)
}

// failingAnalyzer always errors.
type failingAnalyzer struct{}

func (failingAnalyzer) ID() string { return "failing-metrics@0.0.1" }

func (failingAnalyzer) Analyze(ctx context.Context, key string, content []byte) (*analysis.Result, error) {
	return nil, errors.New("analyzer backend offline")
}

func defaultAnalyzers() []AnalyzerBinding {
	return []AnalyzerBinding{
		{Analyzer: extern.NewNotationAnalyzer(), Role: artifact.RoleScore},
		{Analyzer: extern.NewAudioAnalyzer(), Role: artifact.RoleRender},
	}
}

func TestGenerateInitialProducesVersionOne(t *testing.T) {
	f := newFixture(t)
	c := f.controller(nil, defaultAnalyzers())
	ctx := context.Background()

	v, err := c.GenerateInitial(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), v.Number)
	assert.False(t, v.Partial)
	assert.True(t, v.Artifacts.Score.Valid())
	assert.True(t, v.Artifacts.Render.Valid())
	assert.True(t, v.Artifacts.MIDI.Valid())
	assert.Len(t, v.Analysis, 2)
	assert.Equal(t, StateAwaitingFeedback, c.CurrentState())

	stored, err := f.ledger.Get(ctx, f.project.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, v.Fingerprint, stored.Fingerprint)

	session := c.LastSession()
	require.NotNil(t, session)
	assert.Equal(t, uint64(1), session.VersionNumber)
	assert.Empty(t, session.FailedStep)
	assert.Equal(t, StateAwaitingFeedback, session.FinalState)
	assert.Empty(t, session.CancelReason)
}

func TestReviseProducesVersionTwo(t *testing.T) {
	f := newFixture(t)
	c := f.controller(nil, defaultAnalyzers())
	ctx := context.Background()

	v1, err := c.GenerateInitial(ctx)
	require.NoError(t, err)

	v2, err := c.Revise(ctx, "add drama to measures 2-3")
	require.NoError(t, err)

	assert.Equal(t, uint64(2), v2.Number)
	assert.NotEqual(t, v1.Fingerprint, v2.Fingerprint)
	require.NotNil(t, v2.Plan)
	assert.Equal(t, uint64(1), v2.Plan.TargetVersion)
	assert.Equal(t, plan.ActionIntensify, v2.Plan.Directives[0].Action)
}

func TestTransientRenderFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	bridge := &flakyBridge{inner: extern.NewInlineBridge(), failCount: 2}
	c := f.controller(bridge, nil)

	v, err := c.GenerateInitial(context.Background())
	require.NoError(t, err)
	assert.False(t, v.Partial)
	assert.Equal(t, int32(3), bridge.calls.Load())

	session := c.LastSession()
	require.NotNil(t, session)
	for _, step := range session.Steps {
		if step.Step == StateRendering {
			assert.Equal(t, 3, step.Attempts)
		}
	}
}

func TestRetriesExhaustedRecordsPartialVersion(t *testing.T) {
	f := newFixture(t)
	bridge := &flakyBridge{inner: extern.NewInlineBridge(), failCount: 99}
	c := f.controller(bridge, nil, WithMaxRenderAttempts(3))
	ctx := context.Background()

	v, err := c.GenerateInitial(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, extern.ErrTransient)
	assert.Equal(t, int32(3), bridge.calls.Load())

	// The partial version preserves the score produced before the failure.
	require.NotNil(t, v)
	assert.True(t, v.Partial)
	assert.Equal(t, string(StateRendering), v.FailedStep)
	assert.True(t, v.Artifacts.Score.Valid())
	assert.Empty(t, v.Artifacts.Render)

	stored, err := f.ledger.Get(ctx, f.project.ID, 1)
	require.NoError(t, err)
	assert.True(t, stored.Partial)
	assert.Equal(t, StateIdle, c.CurrentState())
}

func TestNonTransientRenderFailureNotRetried(t *testing.T) {
	f := newFixture(t)
	bridge := &brokenBridge{}
	c := f.controller(bridge, nil)

	_, err := c.GenerateInitial(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, extern.ErrMalformedScore)
	assert.Equal(t, int32(1), bridge.calls.Load())
}

func TestControllerReadmitsAfterFailure(t *testing.T) {
	f := newFixture(t)
	bridge := &flakyBridge{inner: extern.NewInlineBridge(), failCount: 3}
	c := f.controller(bridge, nil, WithMaxRenderAttempts(3))
	ctx := context.Background()

	_, err := c.GenerateInitial(ctx)
	require.Error(t, err)

	// The next iteration succeeds (attempt 4 passes) and takes number 2.
	v, err := c.GenerateInitial(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.Number)
	assert.False(t, v.Partial)
}

func TestConcurrentIterationRejectedWithBusy(t *testing.T) {
	f := newFixture(t)
	bridge := &blockingBridge{
		inner:   extern.NewInlineBridge(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := f.controller(bridge, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.GenerateInitial(ctx)
		done <- err
	}()

	<-bridge.entered
	_, err := c.GenerateInitial(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	close(bridge.release)
	require.NoError(t, <-done)

	// Released: a new iteration is admitted.
	v, err := c.Revise(ctx, "add drama to measures 2-3")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.Number)
}

func TestCancellationPreservesArtifacts(t *testing.T) {
	f := newFixture(t)
	bridge := &blockingBridge{
		inner:   extern.NewInlineBridge(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := f.controller(bridge, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var got *ledger.Version
	go func() {
		v, err := c.GenerateInitial(ctx)
		got = v
		done <- err
	}()

	<-bridge.entered
	cancel()
	err := <-done
	require.Error(t, err)

	// The partial version with the generated score survived cancellation.
	require.NotNil(t, got)
	assert.True(t, got.Partial)
	assert.True(t, got.Artifacts.Score.Valid())

	stored, err := f.ledger.Get(context.Background(), f.project.ID, 1)
	require.NoError(t, err)
	assert.True(t, stored.Partial)

	content, err := f.artifacts.Get(context.Background(), stored.Artifacts.Score)
	require.NoError(t, err)
	assert.NotEmpty(t, content)

	// The session distinguishes cancellation from an ordinary step failure.
	session := c.LastSession()
	require.NotNil(t, session)
	assert.Equal(t, StateFailed, session.FinalState)
	assert.Equal(t, context.Canceled.Error(), session.CancelReason)
}

func TestAnalyzeReusesCachedResults(t *testing.T) {
	f := newFixture(t)
	counting := &countingAnalyzer{inner: extern.NewNotationAnalyzer()}
	c := f.controller(nil, []AnalyzerBinding{{Analyzer: counting, Role: artifact.RoleScore}})
	ctx := context.Background()

	v, err := c.GenerateInitial(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), counting.calls.Load())

	// Re-analysis of the same artifacts hits the cache.
	results, err := c.Analyze(ctx, v.Number)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(1), counting.calls.Load(), "analyzer must not rerun on identical content")

	results2, err := c.Analyze(ctx, v.Number)
	require.NoError(t, err)
	assert.Equal(t, results[counting.ID()].Metrics, results2[counting.ID()].Metrics)
	assert.Equal(t, int32(1), counting.calls.Load())
}

func TestReviseWithoutVersionsFails(t *testing.T) {
	f := newFixture(t)
	c := f.controller(nil, nil)

	_, err := c.Revise(context.Background(), "louder please")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestOutOfRangePlanLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	c := f.controller(nil, nil)
	ctx := context.Background()

	_, err := c.GenerateInitial(ctx)
	require.NoError(t, err)

	p := &plan.RevisionPlan{
		TargetVersion: 1,
		Directives: []plan.Directive{
			{Action: plan.ActionIntensify, Scope: plan.Scope{Section: "A", FromMeasure: 10, ToMeasure: 20}},
		},
	}
	_, err = c.RevisePlan(ctx, p)
	assert.ErrorIs(t, err, plan.ErrScopeOutOfRange)

	// The rejected plan reached no pipeline step and appended nothing.
	count, err := f.ledger.Count(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
	assert.Equal(t, StateAwaitingFeedback, c.CurrentState())
}

func TestAnalyzerFailureRecordsPartialVersion(t *testing.T) {
	f := newFixture(t)
	c := f.controller(nil, []AnalyzerBinding{{Analyzer: failingAnalyzer{}, Role: artifact.RoleScore}})
	ctx := context.Background()

	v, err := c.GenerateInitial(ctx)
	require.Error(t, err)

	// The version is recorded partial with the artifacts that did succeed.
	require.NotNil(t, v)
	assert.True(t, v.Partial)
	assert.Equal(t, string(StateAnalyzing), v.FailedStep)
	assert.True(t, v.Artifacts.Score.Valid())
	assert.True(t, v.Artifacts.Render.Valid())

	stored, err := f.ledger.Get(ctx, f.project.ID, 1)
	require.NoError(t, err)
	assert.True(t, stored.Partial)

	session := c.LastSession()
	require.NotNil(t, session)
	assert.Equal(t, StateFailed, session.FinalState)
	assert.Equal(t, StateAnalyzing, session.FailedStep)
	assert.Empty(t, session.CancelReason)
}

func TestGenerateInitialRejectedAfterCompleteVersion(t *testing.T) {
	f := newFixture(t)
	c := f.controller(nil, nil)
	ctx := context.Background()

	_, err := c.GenerateInitial(ctx)
	require.NoError(t, err)

	_, err = c.GenerateInitial(ctx)
	assert.ErrorIs(t, err, ErrAlreadyGenerated)

	count, err := f.ledger.Count(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extern defines the interfaces to the collaborators the revision
// pipeline drives: the score generator, the notation bridge that renders
// scores to audio and MIDI, the audio analyzers, and the feedback
// interpreter. Reference implementations live alongside the interfaces.
//
// All implementations classify their failures: transient errors (wrapped
// with ErrTransient) are retried by the controller, everything else fails
// the step immediately.
package extern

import (
	"context"
	"errors"

	"github.com/cadenzalab/cadenza/services/composer/analysis"
	"github.com/cadenzalab/cadenza/services/composer/plan"
	"github.com/cadenzalab/cadenza/services/composer/score"
)

// Sentinel errors shared by collaborator implementations.
var (
	// ErrTransient marks a failure worth retrying: a timeout, a crashed
	// subprocess, a rate-limited API. Wrap it, never return it bare.
	ErrTransient = errors.New("transient failure")

	// ErrMalformedScore indicates the bridge rejected the score as
	// unrenderable. Not retryable; the score itself is wrong.
	ErrMalformedScore = errors.New("malformed score")

	// ErrUnreadableAudio indicates an analyzer could not decode its input.
	ErrUnreadableAudio = errors.New("unreadable audio")

	// ErrUnparseableFeedback indicates the interpreter could not turn the
	// feedback text into directives.
	ErrUnparseableFeedback = errors.New("unparseable feedback")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Generator produces scores from a composition spec, optionally revising a
// prior score under a revision plan.
type Generator interface {
	// Generate produces a score. prior and p are nil for an initial
	// version; for a revision both are set and every directive in p has
	// been resolved against prior.
	Generate(ctx context.Context, spec *score.Spec, prior *score.Score, p *plan.RevisionPlan) (*score.Score, error)
}

// RenderResult is the bridge's output for one score.
type RenderResult struct {
	// Audio is the rendered audio bytes (WAV).
	Audio []byte

	// MIDI is the rendered MIDI bytes.
	MIDI []byte
}

// NotationBridge renders a score to audio and MIDI.
type NotationBridge interface {
	Render(ctx context.Context, s *score.Score) (*RenderResult, error)
}

// AudioAnalyzer inspects a render (or the score itself) and produces a
// Result for the cache.
type AudioAnalyzer interface {
	// ID returns the analyzer identity including its version, e.g.
	// "audio-metrics@2.1.0". Bumping the version invalidates cached
	// results.
	ID() string

	// Analyze runs over the artifact bytes addressed by artifactKey. The
	// returned Result must carry that key and the analyzer's ID.
	Analyze(ctx context.Context, artifactKey string, content []byte) (*analysis.Result, error)
}

// FeedbackInterpreter turns free-text feedback on a version into a
// structured revision plan.
type FeedbackInterpreter interface {
	Interpret(ctx context.Context, feedback string, target *score.Score, targetVersion uint64) (*plan.RevisionPlan, error)
}

// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extern

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cadenzalab/cadenza/services/composer/analysis"
	"github.com/cadenzalab/cadenza/services/composer/score"
)

// NotationAnalyzer inspects the score artifact itself: structural metrics
// and findings for suspicious notation (empty measures, extreme dynamics).
type NotationAnalyzer struct{}

// NewNotationAnalyzer returns the score-structure analyzer.
func NewNotationAnalyzer() *NotationAnalyzer {
	return &NotationAnalyzer{}
}

func (a *NotationAnalyzer) ID() string { return "notation-metrics@1.2.0" }

// Analyze parses the score bytes and derives structural metrics.
func (a *NotationAnalyzer) Analyze(ctx context.Context, artifactKey string, content []byte) (*analysis.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, err := score.Unmarshal(content)
	if err != nil {
		return &analysis.Result{
			ArtifactKey: artifactKey,
			AnalyzerID:  a.ID(),
			Findings: []analysis.Finding{{
				Severity: analysis.SeverityError,
				Code:     "unparseable-score",
				Message:  err.Error(),
			}},
			Valid:           false,
			ComputedAtMilli: time.Now().UnixMilli(),
		}, nil
	}

	result := &analysis.Result{
		ArtifactKey:     artifactKey,
		AnalyzerID:      a.ID(),
		Valid:           true,
		ComputedAtMilli: time.Now().UnixMilli(),
		Metrics: map[string]float64{
			"sections":      float64(len(s.Sections)),
			"measures":      float64(s.MeasureCount()),
			"dynamic_range": dynamicRange(s),
		},
	}

	notes := 0
	for _, sec := range s.Sections {
		for _, m := range sec.Measures {
			notes += len(m.Notes)
			if len(m.Notes) == 0 {
				result.Findings = append(result.Findings, analysis.Finding{
					Severity: analysis.SeverityWarning,
					Code:     "empty-measure",
					Message:  fmt.Sprintf("measure %d of section %q has no notes", m.Index, sec.Label),
					Section:  sec.Label,
					Measure:  m.Index,
				})
			}
		}
	}
	result.Metrics["notes"] = float64(notes)
	result.Metrics["issues"] = float64(result.IssueCount())
	return result, nil
}

// dynamicRange measures the spread of dynamic levels in use, 0..1.
func dynamicRange(s *score.Score) float64 {
	lo, hi := len(dynamicLevels), -1
	for _, sec := range s.Sections {
		for _, m := range sec.Measures {
			for i, lvl := range dynamicLevels {
				if lvl == m.Dynamic {
					if i < lo {
						lo = i
					}
					if i > hi {
						hi = i
					}
				}
			}
		}
	}
	if hi < 0 {
		return 0
	}
	return float64(hi-lo) / float64(len(dynamicLevels)-1)
}

// AudioAnalyzerImpl inspects rendered audio bytes. Real signal analysis
// lives in the renderer toolchain; this analyzer validates container
// structure and reports size-derived metrics.
type AudioAnalyzerImpl struct{}

// NewAudioAnalyzer returns the render-artifact analyzer.
func NewAudioAnalyzer() *AudioAnalyzerImpl {
	return &AudioAnalyzerImpl{}
}

func (a *AudioAnalyzerImpl) ID() string { return "audio-metrics@2.1.0" }

// Analyze validates the audio container and derives metrics.
//
// Outputs:
//
//	*analysis.Result - Invalid (Valid=false) with an unreadable-audio
//	                   finding when the bytes are not a RIFF container.
func (a *AudioAnalyzerImpl) Analyze(ctx context.Context, artifactKey string, content []byte) (*analysis.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &analysis.Result{
		ArtifactKey:     artifactKey,
		AnalyzerID:      a.ID(),
		ComputedAtMilli: time.Now().UnixMilli(),
		Metrics:         map[string]float64{"audio_bytes": float64(len(content))},
	}

	if len(content) < 12 || !bytes.HasPrefix(content, []byte("RIFF")) {
		result.Valid = false
		result.Findings = append(result.Findings, analysis.Finding{
			Severity: analysis.SeverityError,
			Code:     "unreadable-audio",
			Message:  ErrUnreadableAudio.Error(),
		})
		result.Metrics["issues"] = 1
		return result, nil
	}

	result.Valid = true
	result.Metrics["issues"] = 0
	return result, nil
}

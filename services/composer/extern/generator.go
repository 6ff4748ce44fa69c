// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extern

import (
	"context"
	"fmt"

	"github.com/cadenzalab/cadenza/services/composer/plan"
	"github.com/cadenzalab/cadenza/services/composer/score"
)

// dynamicLevels orders dynamics from softest to loudest for the
// intensify/soften rules.
var dynamicLevels = []string{"pp", "p", "mp", "mf", "f", "ff"}

// pitchCycle is the material the baseline generator draws from.
var pitchCycle = []string{"C4", "E4", "G4", "A4", "G4", "E4"}

// BaselineGenerator is a deterministic rule-based generator. It produces a
// simple but valid score from the spec and applies revision directives as
// mechanical edits. It exists so the pipeline runs end to end without an
// external composition engine and serves as the fallback when one is not
// configured.
//
// Thread Safety: stateless; safe for concurrent use.
type BaselineGenerator struct{}

// NewBaselineGenerator returns the rule-based generator.
func NewBaselineGenerator() *BaselineGenerator {
	return &BaselineGenerator{}
}

// Generate builds a score from the spec, or revises prior under p.
func (g *BaselineGenerator) Generate(ctx context.Context, spec *score.Spec, prior *score.Score, p *plan.RevisionPlan) (*score.Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if prior == nil {
		return g.initial(spec)
	}
	if p == nil {
		return nil, fmt.Errorf("revision of %q requested without a plan", prior.Title)
	}
	return g.revise(prior, p)
}

func (g *BaselineGenerator) initial(spec *score.Spec) (*score.Score, error) {
	s := &score.Score{
		Title:    spec.Title,
		Sections: make([]score.Section, 0, len(spec.Form)),
	}

	for secIdx, sp := range spec.Form {
		sec := score.Section{
			Label:           sp.Label,
			Instrumentation: append([]string(nil), spec.Instrumentation...),
			Measures:        make([]score.Measure, 0, sp.Measures),
		}
		for i := 1; i <= sp.Measures; i++ {
			m := score.Measure{
				Index:   i,
				Dynamic: "mp",
			}
			if secIdx == 0 && i == 1 {
				m.TimeSignature = "4/4"
				m.Tempo = spec.Tempo
			}
			// One note per voice, walking the pitch cycle so measures
			// differ from each other.
			for voice := range spec.Instrumentation {
				m.Notes = append(m.Notes, score.Note{
					Pitch:    pitchCycle[(i+voice)%len(pitchCycle)],
					Duration: "1/4",
					Voice:    voice,
				})
			}
			sec.Measures = append(sec.Measures, m)
		}
		s.Sections = append(s.Sections, sec)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("generated score invalid: %w", err)
	}
	return s, nil
}

func (g *BaselineGenerator) revise(prior *score.Score, p *plan.RevisionPlan) (*score.Score, error) {
	if err := p.Resolve(prior); err != nil {
		return nil, err
	}

	revised := clone(prior)
	for _, d := range p.Directives {
		applyDirective(revised, d)
	}

	if err := revised.Validate(); err != nil {
		return nil, fmt.Errorf("revised score invalid: %w", err)
	}
	return revised, nil
}

// applyDirective edits every measure the directive's scope covers. An
// instrument scope narrows note edits to that voice; Dynamic and Tempo are
// measure attributes, so instrument scoping cannot narrow them further.
func applyDirective(s *score.Score, d plan.Directive) {
	for si := range s.Sections {
		sec := &s.Sections[si]
		voice := -1
		if d.Scope.Instrument != "" {
			voice = indexOf(sec.Instrumentation, d.Scope.Instrument)
			if voice < 0 {
				continue
			}
		}
		for mi := range sec.Measures {
			m := &sec.Measures[mi]
			if !d.Scope.Covers(sec.Label, m.Index) {
				continue
			}
			switch d.Action {
			case plan.ActionIntensify:
				m.Dynamic = shiftDynamic(m.Dynamic, 1)
			case plan.ActionSoften:
				m.Dynamic = shiftDynamic(m.Dynamic, -1)
			case plan.ActionSimplify:
				m.Notes = thinNotes(m.Notes, voice)
			case plan.ActionReharmonize:
				transpose(m.Notes, voice)
			case plan.ActionReorchestrate:
				rotateVoices(m.Notes, len(sec.Instrumentation), voice)
			case plan.ActionAdjustTempo:
				if m.Tempo > 0 {
					m.Tempo += 8
				}
			}
		}
	}
}

func shiftDynamic(current string, by int) string {
	idx := 2 // default "mp" when unset or unknown
	for i, lvl := range dynamicLevels {
		if lvl == current {
			idx = i
			break
		}
	}
	idx += by
	if idx < 0 {
		idx = 0
	}
	if idx >= len(dynamicLevels) {
		idx = len(dynamicLevels) - 1
	}
	return dynamicLevels[idx]
}

// thinNotes keeps the first note of each voice. A non-negative voice limits
// the thinning to that voice; other voices keep all their notes.
func thinNotes(notes []score.Note, voice int) []score.Note {
	seen := map[int]bool{}
	out := notes[:0]
	for _, n := range notes {
		if voice >= 0 && n.Voice != voice {
			out = append(out, n)
			continue
		}
		if seen[n.Voice] {
			continue
		}
		seen[n.Voice] = true
		out = append(out, n)
	}
	return out
}

// transpose nudges each pitch one step along the cycle. A non-negative voice
// limits the edit to that voice.
func transpose(notes []score.Note, voice int) {
	for i, n := range notes {
		if voice >= 0 && n.Voice != voice {
			continue
		}
		for j, p := range pitchCycle {
			if p == n.Pitch {
				notes[i].Pitch = pitchCycle[(j+1)%len(pitchCycle)]
				break
			}
		}
	}
}

func rotateVoices(notes []score.Note, voices int, voice int) {
	if voices < 2 {
		return
	}
	for i := range notes {
		if voice >= 0 && notes[i].Voice != voice {
			continue
		}
		notes[i].Voice = (notes[i].Voice + 1) % voices
	}
}

func indexOf(list []string, want string) int {
	for i, v := range list {
		if v == want {
			return i
		}
	}
	return -1
}

func clone(s *score.Score) *score.Score {
	out := &score.Score{
		Title:    s.Title,
		Composer: s.Composer,
		Sections: make([]score.Section, len(s.Sections)),
	}
	for i, sec := range s.Sections {
		c := score.Section{
			Label:           sec.Label,
			Instrumentation: append([]string(nil), sec.Instrumentation...),
			Measures:        make([]score.Measure, len(sec.Measures)),
		}
		for j, m := range sec.Measures {
			mc := m
			mc.Notes = append([]score.Note(nil), m.Notes...)
			c.Measures[j] = mc
		}
		out.Sections[i] = c
	}
	return out
}

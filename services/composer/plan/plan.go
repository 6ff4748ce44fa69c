// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package plan defines revision plans: the structured edit directives the
// feedback interpreter produces and the generator consumes.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/cadenzalab/cadenza/services/composer/score"
)

// Sentinel errors for plan validation.
var (
	// ErrInvalidPlan indicates the plan fails structural validation.
	ErrInvalidPlan = errors.New("invalid revision plan")

	// ErrScopeOutOfRange indicates a directive scope that does not resolve
	// against the target score. Scopes are never clamped; a plan naming
	// measures the score does not have is rejected outright.
	ErrScopeOutOfRange = errors.New("directive scope out of range")
)

// Action is the kind of musical edit a directive requests.
type Action string

const (
	ActionIntensify     Action = "intensify"
	ActionSoften        Action = "soften"
	ActionSimplify      Action = "simplify"
	ActionReharmonize   Action = "reharmonize"
	ActionReorchestrate Action = "reorchestrate"
	ActionAdjustTempo   Action = "adjust_tempo"
)

// knownActions drives the "action" validator tag.
var knownActions = map[Action]bool{
	ActionIntensify:     true,
	ActionSoften:        true,
	ActionSimplify:      true,
	ActionReharmonize:   true,
	ActionReorchestrate: true,
	ActionAdjustTempo:   true,
}

// Scope narrows a directive to part of the score. A zero Scope means the
// whole score. FromMeasure/ToMeasure are 1-based, inclusive, and require a
// Section to resolve against.
type Scope struct {
	Section     string `json:"section,omitempty"`
	Instrument  string `json:"instrument,omitempty"`
	FromMeasure int    `json:"from_measure,omitempty" validate:"gte=0"`
	ToMeasure   int    `json:"to_measure,omitempty" validate:"gte=0,gtefield=FromMeasure"`
}

// Directive is a single structured edit.
type Directive struct {
	Action Action `json:"action" validate:"required,action"`
	Scope  Scope  `json:"scope"`

	// Detail carries free-text nuance from the interpreted feedback, e.g.
	// "build toward a climax". Generators may use or ignore it.
	Detail string `json:"detail,omitempty"`
}

// RevisionPlan is the full set of directives for one revision, derived from
// one round of external feedback against a specific version.
type RevisionPlan struct {
	// TargetVersion is the version number the feedback was given against.
	TargetVersion uint64 `json:"target_version" validate:"gt=0"`

	Directives []Directive `json:"directives" validate:"required,min=1,dive"`

	// RawFeedback preserves the original feedback text for the ledger.
	RawFeedback string `json:"raw_feedback,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("action", func(fl validator.FieldLevel) bool {
		return knownActions[Action(fl.Field().String())]
	})
	return v
}

// Validate checks structural validity independent of any score.
func (p *RevisionPlan) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	for i, d := range p.Directives {
		if d.Scope.FromMeasure > 0 && d.Scope.Section == "" {
			return fmt.Errorf("%w: directive %d has a measure range but no section", ErrInvalidPlan, i)
		}
		if (d.Scope.FromMeasure == 0) != (d.Scope.ToMeasure == 0) {
			return fmt.Errorf("%w: directive %d has a half-open measure range", ErrInvalidPlan, i)
		}
	}
	return nil
}

// Resolve checks that every directive scope exists in the given score.
// Section names must match a section, instruments must appear in that
// section's (or any section's, for score-wide directives) instrumentation,
// and measure ranges must fall within the section.
func (p *RevisionPlan) Resolve(s *score.Score) error {
	if err := p.Validate(); err != nil {
		return err
	}
	for i, d := range p.Directives {
		if err := resolveScope(s, d.Scope); err != nil {
			return fmt.Errorf("directive %d (%s): %w", i, d.Action, err)
		}
	}
	return nil
}

func resolveScope(s *score.Score, sc Scope) error {
	if sc.Section == "" {
		if sc.Instrument != "" && !anySectionHas(s, sc.Instrument) {
			return fmt.Errorf("%w: instrument %q not in score", ErrScopeOutOfRange, sc.Instrument)
		}
		return nil
	}

	sec := s.Section(sc.Section)
	if sec == nil {
		return fmt.Errorf("%w: section %q not in score", ErrScopeOutOfRange, sc.Section)
	}
	if sc.Instrument != "" && !contains(sec.Instrumentation, sc.Instrument) {
		return fmt.Errorf("%w: instrument %q not in section %q", ErrScopeOutOfRange, sc.Instrument, sc.Section)
	}
	if sc.FromMeasure > 0 {
		if sc.ToMeasure > len(sec.Measures) {
			return fmt.Errorf("%w: measures %d-%d in section %q (%d measures)",
				ErrScopeOutOfRange, sc.FromMeasure, sc.ToMeasure, sc.Section, len(sec.Measures))
		}
	}
	return nil
}

func anySectionHas(s *score.Score, instrument string) bool {
	for _, sec := range s.Sections {
		if contains(sec.Instrumentation, instrument) {
			return true
		}
	}
	return false
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// Covers reports whether the scope includes the given section and 1-based
// measure index. Used by generators applying directives measure by measure.
func (sc Scope) Covers(sectionLabel string, measureIndex int) bool {
	if sc.Section != "" && sc.Section != sectionLabel {
		return false
	}
	if sc.FromMeasure > 0 && (measureIndex < sc.FromMeasure || measureIndex > sc.ToMeasure) {
		return false
	}
	return true
}

// Hash returns the plan's content fingerprint for version derivation.
func (p *RevisionPlan) Hash() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}
	return score.HashBytes(data), nil
}

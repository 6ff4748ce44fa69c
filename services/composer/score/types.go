// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package score defines the notation interchange format exchanged between
// the generator and the notation bridge, and the content fingerprinting
// used for version and cache keys.
//
// The interchange format is canonical JSON: struct field order is fixed, so
// json.Marshal of a Score is deterministic and safe to hash.
package score

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Note is a single pitched event within a measure.
type Note struct {
	// Pitch in scientific pitch notation, e.g. "C4", "F#3".
	Pitch string `json:"pitch"`

	// Duration as a fraction of a whole note, e.g. "1/4", "3/8".
	Duration string `json:"duration"`

	// Voice assigns the note to an instrument by index into the
	// section's Instrumentation list.
	Voice int `json:"voice"`
}

// Measure is one measure of music within a section. Indexes are 1-based
// and dense within a section.
type Measure struct {
	Index         int    `json:"index"`
	TimeSignature string `json:"time_signature,omitempty"`
	Tempo         int    `json:"tempo,omitempty"`
	Dynamic       string `json:"dynamic,omitempty"`
	Notes         []Note `json:"notes"`
}

// Section is a structural unit of the composition (e.g. "A", "B", "Coda")
// with a declared instrumentation ordering.
type Section struct {
	Label           string    `json:"label"`
	Instrumentation []string  `json:"instrumentation"`
	Measures        []Measure `json:"measures"`
}

// Identity returns the stable alignment key for the section: its label plus
// the declared instrumentation ordering. Two sections with the same identity
// are treated as "the same section" by the diff engine even when their
// musical content differs.
func (s *Section) Identity() string {
	return s.Label + "|" + strings.Join(s.Instrumentation, ",")
}

// Score is the root of the interchange format.
type Score struct {
	Title    string    `json:"title"`
	Composer string    `json:"composer,omitempty"`
	Sections []Section `json:"sections"`
}

// Validate checks structural invariants: at least one section, unique
// section labels, 1-based dense measure indexes, and note voices that
// resolve against the section's instrumentation.
func (s *Score) Validate() error {
	if len(s.Sections) == 0 {
		return fmt.Errorf("score %q has no sections", s.Title)
	}
	seen := make(map[string]bool, len(s.Sections))
	for _, sec := range s.Sections {
		if sec.Label == "" {
			return fmt.Errorf("score %q has a section with an empty label", s.Title)
		}
		if seen[sec.Label] {
			return fmt.Errorf("duplicate section label %q", sec.Label)
		}
		seen[sec.Label] = true

		for i, m := range sec.Measures {
			if m.Index != i+1 {
				return fmt.Errorf("section %q: measure index %d at position %d, want %d",
					sec.Label, m.Index, i, i+1)
			}
			for _, n := range m.Notes {
				if n.Voice < 0 || n.Voice >= len(sec.Instrumentation) {
					return fmt.Errorf("section %q measure %d: voice %d outside instrumentation (%d parts)",
						sec.Label, m.Index, n.Voice, len(sec.Instrumentation))
				}
			}
		}
	}
	return nil
}

// MeasureCount returns the total number of measures across all sections.
func (s *Score) MeasureCount() int {
	total := 0
	for _, sec := range s.Sections {
		total += len(sec.Measures)
	}
	return total
}

// Section returns the section with the given label, or nil.
func (s *Score) Section(label string) *Section {
	for i := range s.Sections {
		if s.Sections[i].Label == label {
			return &s.Sections[i]
		}
	}
	return nil
}

// Marshal serializes the score to its canonical interchange bytes.
func (s *Score) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal score: %w", err)
	}
	return data, nil
}

// Unmarshal parses interchange bytes and validates the result.
func Unmarshal(data []byte) (*Score, error) {
	var s Score
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal score: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid score: %w", err)
	}
	return &s, nil
}

// SectionPlan is one planned section in a composition specification.
type SectionPlan struct {
	Label    string `json:"label" validate:"required"`
	Measures int    `json:"measures" validate:"gt=0"`
}

// Spec is the composition specification a project is created from. The
// generator turns a Spec (plus an optional prior version and revision plan)
// into a Score.
type Spec struct {
	Title           string        `json:"title" validate:"required"`
	Style           string        `json:"style,omitempty"`
	Tempo           int           `json:"tempo,omitempty"`
	Instrumentation []string      `json:"instrumentation" validate:"required,min=1"`
	Form            []SectionPlan `json:"form" validate:"required,min=1,dive"`
}

// Hash returns the spec's content fingerprint.
func (sp *Spec) Hash() (string, error) {
	data, err := json.Marshal(sp)
	if err != nil {
		return "", fmt.Errorf("marshal spec: %w", err)
	}
	return HashBytes(data), nil
}

// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package diffengine computes structural comparisons between two versions of
// a composition: section alignment, per-measure changes, and metric deltas.
//
// Output is deterministic: comparing the same pair of versions always
// produces byte-identical results, and comparing a version against itself
// produces an empty diff.
package diffengine

import (
	"github.com/cadenzalab/cadenza/services/composer/score"
)

// VersionContent is the material the engine compares: a version's score plus
// its merged analysis metrics. Callers assemble it from the ledger and the
// artifact store.
type VersionContent struct {
	Number  uint64
	Score   *score.Score
	Metrics map[string]float64
}

// MeasureChange records one changed measure within an aligned section pair.
type MeasureChange struct {
	// Index is the 1-based measure position. Zero on pure insertions or
	// deletions past the shorter side's end is not possible; added and
	// removed measures carry the index they hold in their own side.
	Index int `json:"index"`

	// Kind is "changed", "added", or "removed".
	Kind string `json:"kind"`
}

const (
	MeasureChanged = "changed"
	MeasureAdded   = "added"
	MeasureRemoved = "removed"
)

// SectionChange describes one section present in both versions whose content
// differs.
type SectionChange struct {
	// Identity is the section's stable alignment key.
	Identity string `json:"identity"`

	Label string `json:"label"`

	Measures []MeasureChange `json:"measures"`
}

// MetricStatus classifies a metric delta.
type MetricStatus string

const (
	MetricChanged MetricStatus = "changed"
	MetricNew     MetricStatus = "new"
	MetricRemoved MetricStatus = "removed"
)

// MetricDelta is the movement of one analysis metric between versions.
type MetricDelta struct {
	Name   string       `json:"name"`
	Status MetricStatus `json:"status"`

	// Old and New are meaningful per Status: both for "changed", New only
	// for "new", Old only for "removed".
	Old   float64 `json:"old"`
	New   float64 `json:"new"`
	Delta float64 `json:"delta"`
}

// Diff is the full comparison of two versions.
type Diff struct {
	FromVersion uint64 `json:"from_version"`
	ToVersion   uint64 `json:"to_version"`

	// AddedSections and RemovedSections hold section identities, in the
	// order they appear in their respective versions.
	AddedSections   []string `json:"added_sections"`
	RemovedSections []string `json:"removed_sections"`

	ChangedSections []SectionChange `json:"changed_sections"`

	// MetricDeltas are sorted by metric name.
	MetricDeltas []MetricDelta `json:"metric_deltas"`

	Summary string `json:"summary"`
}

// Empty reports whether the diff records no structural or metric movement.
func (d *Diff) Empty() bool {
	return len(d.AddedSections) == 0 &&
		len(d.RemovedSections) == 0 &&
		len(d.ChangedSections) == 0 &&
		len(d.MetricDeltas) == 0
}

// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diffengine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMissingScore indicates a comparison input without score content, e.g.
// a partial version whose generation step failed.
var ErrMissingScore = errors.New("version has no score to compare")

// Compare computes the structural and metric diff from one version to
// another.
//
// Description:
//
//	Sections are aligned by identity via longest common subsequence, so
//	reordering reads as moves rather than wholesale add/remove churn.
//	Aligned sections are compared measure by measure on content hashes.
//	Metrics present in both versions yield "changed" deltas only when the
//	values differ; metrics on one side only are reported as new or removed.
//
// Outputs:
//
//	*Diff - Deterministic: same inputs always produce an identical Diff,
//	        and comparing a version to itself produces an empty one.
//	error - ErrMissingScore when either side lacks a score.
func Compare(from, to *VersionContent) (*Diff, error) {
	if from.Score == nil {
		return nil, fmt.Errorf("%w: version %d", ErrMissingScore, from.Number)
	}
	if to.Score == nil {
		return nil, fmt.Errorf("%w: version %d", ErrMissingScore, to.Number)
	}

	d := &Diff{
		FromVersion: from.Number,
		ToVersion:   to.Number,
	}

	al := alignSections(from.Score, to.Score)
	d.AddedSections = al.added
	d.RemovedSections = al.removed

	for _, pair := range al.pairs {
		measures := diffMeasures(pair.old, pair.new)
		if len(measures) == 0 {
			continue
		}
		d.ChangedSections = append(d.ChangedSections, SectionChange{
			Identity: pair.identity,
			Label:    pair.new.Label,
			Measures: measures,
		})
	}

	d.MetricDeltas = metricDeltas(from.Metrics, to.Metrics)
	d.Summary = summarize(d)
	return d, nil
}

// metricDeltas diffs two metric maps, sorted by name for determinism.
func metricDeltas(old, new map[string]float64) []MetricDelta {
	names := make(map[string]bool, len(old)+len(new))
	for name := range old {
		names[name] = true
	}
	for name := range new {
		names[name] = true
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	var deltas []MetricDelta
	for _, name := range sorted {
		oldVal, inOld := old[name]
		newVal, inNew := new[name]
		switch {
		case inOld && inNew:
			if oldVal != newVal {
				deltas = append(deltas, MetricDelta{
					Name: name, Status: MetricChanged,
					Old: oldVal, New: newVal, Delta: newVal - oldVal,
				})
			}
		case inNew:
			deltas = append(deltas, MetricDelta{Name: name, Status: MetricNew, New: newVal})
		default:
			deltas = append(deltas, MetricDelta{Name: name, Status: MetricRemoved, Old: oldVal})
		}
	}
	return deltas
}

// summarize renders a one-line human summary of the diff.
func summarize(d *Diff) string {
	if d.Empty() {
		return fmt.Sprintf("versions %d and %d are identical", d.FromVersion, d.ToVersion)
	}

	var parts []string
	if n := len(d.AddedSections); n > 0 {
		parts = append(parts, fmt.Sprintf("%d section(s) added", n))
	}
	if n := len(d.RemovedSections); n > 0 {
		parts = append(parts, fmt.Sprintf("%d section(s) removed", n))
	}
	if n := len(d.ChangedSections); n > 0 {
		measures := 0
		for _, sc := range d.ChangedSections {
			measures += len(sc.Measures)
		}
		parts = append(parts, fmt.Sprintf("%d measure(s) changed across %d section(s)", measures, n))
	}
	if n := len(d.MetricDeltas); n > 0 {
		parts = append(parts, fmt.Sprintf("%d metric(s) moved", n))
	}
	return fmt.Sprintf("v%d -> v%d: %s", d.FromVersion, d.ToVersion, strings.Join(parts, ", "))
}

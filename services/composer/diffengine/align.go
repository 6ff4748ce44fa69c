// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diffengine

import (
	"github.com/cadenzalab/cadenza/services/composer/score"
)

// sectionPair is one aligned (old, new) section sharing an identity.
type sectionPair struct {
	identity string
	old      *score.Section
	new      *score.Section
}

// alignment is the outcome of matching two section lists.
type alignment struct {
	pairs   []sectionPair
	added   []string // identities only in new, in new order
	removed []string // identities only in old, in old order
}

// alignSections matches sections of old and new by identity using a longest
// common subsequence, so a section moved past an inserted one still pairs
// with itself. When several alignments tie, the one preserving the earlier
// (old-side) ordering wins, keeping output deterministic.
func alignSections(old, new *score.Score) alignment {
	a := identities(old)
	b := identities(new)

	// Classic LCS table. n and m stay small (sections per score), so the
	// quadratic table is fine.
	n, m := len(a), len(b)
	table := make([][]int, n+1)
	for i := range table {
		table[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				table[i][j] = table[i+1][j+1] + 1
			} else if table[i+1][j] >= table[i][j+1] {
				// >= prefers advancing the old side, which is the
				// earlier-ordering tie-break.
				table[i][j] = table[i+1][j]
			} else {
				table[i][j] = table[i][j+1]
			}
		}
	}

	var out alignment
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			out.pairs = append(out.pairs, sectionPair{
				identity: a[i],
				old:      &old.Sections[i],
				new:      &new.Sections[j],
			})
			i++
			j++
		case table[i+1][j] >= table[i][j+1]:
			out.removed = append(out.removed, a[i])
			i++
		default:
			out.added = append(out.added, b[j])
			j++
		}
	}
	for ; i < n; i++ {
		out.removed = append(out.removed, a[i])
	}
	for ; j < m; j++ {
		out.added = append(out.added, b[j])
	}
	return out
}

func identities(s *score.Score) []string {
	ids := make([]string, len(s.Sections))
	for i := range s.Sections {
		ids[i] = s.Sections[i].Identity()
	}
	return ids
}

// diffMeasures compares two aligned sections measure by measure. Measure
// indexes are dense and 1-based, so position is identity: a measure changed
// when its content hash at the same index differs, and indexes past the
// shorter side are additions or removals.
func diffMeasures(old, new *score.Section) []MeasureChange {
	var changes []MeasureChange
	shared := min(len(old.Measures), len(new.Measures))

	for i := 0; i < shared; i++ {
		if old.Measures[i].ContentHash() != new.Measures[i].ContentHash() {
			changes = append(changes, MeasureChange{Index: i + 1, Kind: MeasureChanged})
		}
	}
	for i := shared; i < len(old.Measures); i++ {
		changes = append(changes, MeasureChange{Index: i + 1, Kind: MeasureRemoved})
	}
	for i := shared; i < len(new.Measures); i++ {
		changes = append(changes, MeasureChange{Index: i + 1, Kind: MeasureAdded})
	}
	return changes
}

// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package score

import (
	"testing"
)

func testScore() *Score {
	return &Score{
		Title: "Quartet",
		Sections: []Section{
			{
				Label:           "A",
				Instrumentation: []string{"violin I", "violin II", "viola", "cello"},
				Measures: []Measure{
					{Index: 1, TimeSignature: "4/4", Tempo: 72, Dynamic: "mf",
						Notes: []Note{{Pitch: "C4", Duration: "1/4", Voice: 0}}},
					{Index: 2, Notes: []Note{{Pitch: "E4", Duration: "1/4", Voice: 1}}},
				},
			},
		},
	}
}

func TestScoreFingerprintDeterministic(t *testing.T) {
	s := testScore()
	fp1, err := s.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fp2, err := s.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint second call: %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprints differ: %s vs %s", fp1, fp2)
	}
	if !ValidHash(fp1) {
		t.Errorf("fingerprint %q is not 64 lowercase hex chars", fp1)
	}
}

func TestScoreFingerprintSensitivity(t *testing.T) {
	a := testScore()
	b := testScore()
	b.Sections[0].Measures[1].Notes[0].Pitch = "F4"

	fpA, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint a: %v", err)
	}
	fpB, err := b.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint b: %v", err)
	}
	if fpA == fpB {
		t.Error("fingerprints equal for different content")
	}
}

func TestMeasureContentHashIncludesIndex(t *testing.T) {
	m1 := Measure{Index: 1, Notes: []Note{{Pitch: "C4", Duration: "1/4"}}}
	m2 := Measure{Index: 2, Notes: []Note{{Pitch: "C4", Duration: "1/4"}}}
	if m1.ContentHash() == m2.ContentHash() {
		t.Error("identical content at different indexes produced the same hash")
	}
}

func TestVersionFingerprintOrderMatters(t *testing.T) {
	a := VersionFingerprint("spec", "prior", "plan")
	b := VersionFingerprint("prior", "spec", "plan")
	if a == b {
		t.Error("swapping input order did not change the fingerprint")
	}

	// Absent segments must not collapse into adjacent ones.
	c := VersionFingerprint("specprior", "", "plan")
	if a == c {
		t.Error("segment boundaries are not preserved")
	}
}

func TestScoreValidate(t *testing.T) {
	t.Run("valid score passes", func(t *testing.T) {
		if err := testScore().Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("gap in measure indexes rejected", func(t *testing.T) {
		s := testScore()
		s.Sections[0].Measures[1].Index = 3
		if err := s.Validate(); err == nil {
			t.Error("Validate = nil, want error for index gap")
		}
	})

	t.Run("voice outside instrumentation rejected", func(t *testing.T) {
		s := testScore()
		s.Sections[0].Measures[0].Notes[0].Voice = 7
		if err := s.Validate(); err == nil {
			t.Error("Validate = nil, want error for out-of-range voice")
		}
	})

	t.Run("duplicate section labels rejected", func(t *testing.T) {
		s := testScore()
		s.Sections = append(s.Sections, Section{Label: "A", Instrumentation: []string{"piano"}})
		if err := s.Validate(); err == nil {
			t.Error("Validate = nil, want error for duplicate label")
		}
	})
}

func TestUnmarshalRoundTrip(t *testing.T) {
	s := testScore()
	data, err := s.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	parsed, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if parsed.Title != s.Title || len(parsed.Sections) != len(s.Sections) {
		t.Errorf("round trip lost content: %+v", parsed)
	}
}

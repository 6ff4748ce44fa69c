// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ledger maintains the append-only version history of each project.
//
// Versions are numbered 1..N with no gaps and are immutable once appended.
// Every append runs in one optimistic transaction that checks the expected
// sequence number, so two racing appends against the same project resolve
// to exactly one winner and one ErrSequenceConflict.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cadenzalab/cadenza/services/composer/analysis"
	"github.com/cadenzalab/cadenza/services/composer/artifact"
	"github.com/cadenzalab/cadenza/services/composer/plan"
	"github.com/cadenzalab/cadenza/services/composer/score"
)

// Sentinel errors for the ledger.
var (
	// ErrSequenceConflict indicates a concurrent append won the race for
	// this version number. The caller should reload and retry or surface
	// the conflict.
	ErrSequenceConflict = errors.New("version sequence conflict")

	// ErrNotFound indicates an unknown project or version number.
	ErrNotFound = errors.New("not found in ledger")

	// ErrProjectExists indicates a create for an id already in use.
	ErrProjectExists = errors.New("project already exists")

	// ErrCorrupt indicates a stored record failed its checksum. The record
	// is surfaced as unreadable rather than silently repaired.
	ErrCorrupt = errors.New("corrupt ledger record")

	// ErrFingerprintCollision indicates an append whose fingerprint is
	// already held by an earlier version of the same project.
	ErrFingerprintCollision = errors.New("version fingerprint collision")

	// ErrInvalidVersion indicates a structurally invalid version record.
	ErrInvalidVersion = errors.New("invalid version record")
)

// Project is the root record of a composition effort.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Spec is the composition specification the project was created from.
	Spec score.Spec `json:"spec"`

	// SpecHash is the spec's content fingerprint, computed once at create
	// time and reused for every version derivation.
	SpecHash string `json:"spec_hash"`

	CreatedAtMilli int64 `json:"created_at_milli"`
}

// ArtifactRefs are the non-owning artifact keys a version points at. Any of
// them may be absent (empty) on a partial version, and even present keys may
// dangle after a crash; readers treat artifact.ErrNotFound as a normal state.
type ArtifactRefs struct {
	Score  artifact.Key `json:"score,omitempty"`
	Render artifact.Key `json:"render,omitempty"`
	MIDI   artifact.Key `json:"midi,omitempty"`
}

// Version is one immutable entry in a project's history.
type Version struct {
	// Number is the 1-based position in the project's sequence.
	Number uint64 `json:"number"`

	// Fingerprint is derived from (spec hash, prior fingerprint, plan
	// hash) and uniquely identifies the version's generating inputs.
	Fingerprint string `json:"fingerprint"`

	CreatedAtMilli int64 `json:"created_at_milli"`

	Artifacts ArtifactRefs `json:"artifacts"`

	// Analysis holds results per analyzer id for this version's artifacts.
	Analysis map[string]analysis.Result `json:"analysis,omitempty"`

	// Plan is the revision plan that produced this version; nil for
	// version 1 and for regenerations without feedback.
	Plan *plan.RevisionPlan `json:"plan,omitempty"`

	// Partial marks a version recorded after a pipeline failure: the
	// artifacts that were produced are preserved, the rest are absent.
	Partial bool `json:"partial,omitempty"`

	// FailedStep names the pipeline step that failed, for partial versions.
	FailedStep string `json:"failed_step,omitempty"`

	// Checksum guards the record against torn writes. It is computed over
	// the record's canonical bytes with Checksum itself blanked.
	Checksum string `json:"checksum"`
}

// seal computes and sets the record checksum. Must be called last before
// the record is stored.
func (v *Version) seal() error {
	v.Checksum = ""
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}
	v.Checksum = score.HashBytes(data)
	return nil
}

// verify recomputes the checksum and compares it to the stored one.
func (v *Version) verify() error {
	want := v.Checksum
	clone := *v
	clone.Checksum = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}
	if got := score.HashBytes(data); got != want {
		return fmt.Errorf("%w: version %d checksum mismatch", ErrCorrupt, v.Number)
	}
	return nil
}

func (v *Version) validate() error {
	if v.Number == 0 {
		return fmt.Errorf("%w: version number 0", ErrInvalidVersion)
	}
	if !score.ValidHash(v.Fingerprint) {
		return fmt.Errorf("%w: malformed fingerprint %q", ErrInvalidVersion, v.Fingerprint)
	}
	return nil
}

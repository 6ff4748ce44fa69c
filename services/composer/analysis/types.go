// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analysis defines analysis results and the content-keyed cache
// that memoizes them.
//
// A result is keyed by (artifact key, analyzer identity). The analyzer
// identity embeds its version string ("audio-metrics@2.1.0"), so bumping an
// analyzer naturally invalidates its old entries without any TTL or manual
// eviction: entries for the old identity simply stop being looked up.
package analysis

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the analysis cache.
var (
	// ErrMiss indicates no cached result exists for the key. Callers run
	// the analyzer and Store the outcome.
	ErrMiss = errors.New("analysis cache miss")

	// ErrCacheCorruption indicates a cached entry does not match the key it
	// was stored under (fingerprint collision or torn write). The offending
	// entry is evicted; the operation must not proceed with the bad data.
	ErrCacheCorruption = errors.New("analysis cache corruption")

	// ErrInvalidKey indicates a malformed artifact key or analyzer id.
	ErrInvalidKey = errors.New("invalid analysis cache key")

	// ErrNotCacheable indicates a result flagged non-deterministic was
	// offered to the cache.
	ErrNotCacheable = errors.New("non-deterministic result is not cacheable")
)

// Severity of a finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding is a single technical or compliance issue located in the score.
type Finding struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`

	// Section and Measure locate the finding. Measure 0 means whole-score.
	Section string `json:"section,omitempty"`
	Measure int    `json:"measure,omitempty"`
}

// Result is the outcome of running one analyzer over one artifact.
//
// A Result is pure with respect to its key: the same artifact analyzed by
// the same analyzer version must produce the same Result. Analyzers that
// cannot guarantee that set NonDeterministic, which excludes the result
// from the cache.
type Result struct {
	// ArtifactKey is the content fingerprint of the analyzed artifact.
	ArtifactKey string `json:"artifact_key"`

	// AnalyzerID is the analyzer identity including version, e.g.
	// "notation-validate@1.4.0".
	AnalyzerID string `json:"analyzer_id"`

	// Findings are technical issues and compliance findings.
	Findings []Finding `json:"findings"`

	// Metrics are numeric measurements (tempo, dynamic range, issue
	// counts, compliance score) compared by the diff engine.
	Metrics map[string]float64 `json:"metrics"`

	// Valid is false when the analyzer ran but could not produce a
	// trustworthy result (e.g. unreadable audio).
	Valid bool `json:"valid"`

	// NonDeterministic flags documented analyzer nondeterminism. Such
	// results are surfaced but never cached.
	NonDeterministic bool `json:"non_deterministic,omitempty"`

	// ComputedAtMilli is when the analyzer ran (Unix milliseconds UTC).
	ComputedAtMilli int64 `json:"computed_at_milli"`
}

// IssueCount returns the number of findings at or above warning severity.
func (r *Result) IssueCount() int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity != SeverityInfo {
			n++
		}
	}
	return n
}

// AnalyzerName splits an analyzer id into its name, dropping the version.
func AnalyzerName(analyzerID string) string {
	if i := strings.IndexByte(analyzerID, '@'); i >= 0 {
		return analyzerID[:i]
	}
	return analyzerID
}

// validateKey checks both halves of a cache key.
func validateKey(artifactKey, analyzerID string) error {
	if len(artifactKey) != 64 {
		return fmt.Errorf("%w: artifact key %q", ErrInvalidKey, artifactKey)
	}
	if analyzerID == "" || strings.ContainsRune(analyzerID, 0) {
		return fmt.Errorf("%w: analyzer id %q", ErrInvalidKey, analyzerID)
	}
	return nil
}

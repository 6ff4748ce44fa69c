// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package score

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

// validHashPattern matches a full SHA-256 fingerprint: 64 lowercase hex chars.
var validHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// HashBytes returns the SHA-256 of data as 64 lowercase hex characters.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ValidHash reports whether s is a well-formed fingerprint.
func ValidHash(s string) bool {
	return validHashPattern.MatchString(s)
}

// Fingerprint returns the content fingerprint of the score's canonical bytes.
func (s *Score) Fingerprint() (string, error) {
	data, err := s.Marshal()
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// ContentHash returns the fingerprint of a single measure's content.
// The measure index participates so that moving identical content to a
// different position still reads as a change at both positions.
func (m *Measure) ContentHash() string {
	data, err := marshalMeasure(m)
	if err != nil {
		// Measure contains only JSON-serializable fields; reaching this
		// means a programming error, not bad input.
		panic(fmt.Sprintf("marshal measure %d: %v", m.Index, err))
	}
	return HashBytes(data)
}

func marshalMeasure(m *Measure) ([]byte, error) {
	return json.Marshal(m)
}

// VersionFingerprint derives the fingerprint of a composition version from
// its generating inputs. The concatenation order is fixed: specification
// hash, then prior-version fingerprint, then revision-plan hash. Absent
// inputs (version 1 has no prior and no plan) contribute an empty segment,
// keeping the derivation injective over the input tuple.
func VersionFingerprint(specHash, priorFingerprint, planHash string) string {
	h := sha256.New()
	h.Write([]byte(specHash))
	h.Write([]byte{0})
	h.Write([]byte(priorFingerprint))
	h.Write([]byte{0})
	h.Write([]byte(planHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzalab/cadenza/services/composer/storage/badgerdb"
)

const testArtifactKey = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func newTestCache(t *testing.T) (*Cache, *badgerdb.DB) {
	t.Helper()
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewCache(db, nil), db
}

func testResult(artifactKey, analyzerID string) *Result {
	return &Result{
		ArtifactKey:     artifactKey,
		AnalyzerID:      analyzerID,
		Metrics:         map[string]float64{"tempo": 72},
		Valid:           true,
		ComputedAtMilli: time.Now().UnixMilli(),
	}
}

func TestStoreLookupRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	result := testResult(testArtifactKey, "audio-metrics@1.0.0")
	require.NoError(t, cache.Store(ctx, testArtifactKey, "audio-metrics@1.0.0", result))

	got, err := cache.Lookup(ctx, testArtifactKey, "audio-metrics@1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 72.0, got.Metrics["tempo"])
	assert.True(t, got.Valid)
}

func TestLookupMiss(t *testing.T) {
	cache, _ := newTestCache(t)
	_, err := cache.Lookup(context.Background(), testArtifactKey, "audio-metrics@1.0.0")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestAnalyzerVersionChangeIsAMiss(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	result := testResult(testArtifactKey, "audio-metrics@1.0.0")
	require.NoError(t, cache.Store(ctx, testArtifactKey, "audio-metrics@1.0.0", result))

	_, err := cache.Lookup(ctx, testArtifactKey, "audio-metrics@2.0.0")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestNonDeterministicResultsNeverCached(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	result := testResult(testArtifactKey, "audio-metrics@1.0.0")
	result.NonDeterministic = true
	assert.ErrorIs(t, cache.Store(ctx, testArtifactKey, "audio-metrics@1.0.0", result), ErrNotCacheable)

	// GetOrCompute surfaces the result but recomputes every call.
	var calls atomic.Int32
	compute := func(ctx context.Context) (*Result, error) {
		calls.Add(1)
		r := testResult(testArtifactKey, "audio-metrics@1.0.0")
		r.NonDeterministic = true
		return r, nil
	}
	_, err := cache.GetOrCompute(ctx, testArtifactKey, "audio-metrics@1.0.0", compute)
	require.NoError(t, err)
	_, err = cache.GetOrCompute(ctx, testArtifactKey, "audio-metrics@1.0.0", compute)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrComputeRunsAnalyzerAtMostOnce(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	compute := func(ctx context.Context) (*Result, error) {
		calls.Add(1)
		return testResult(testArtifactKey, "audio-metrics@1.0.0"), nil
	}

	first, err := cache.GetOrCompute(ctx, testArtifactKey, "audio-metrics@1.0.0", compute)
	require.NoError(t, err)
	second, err := cache.GetOrCompute(ctx, testArtifactKey, "audio-metrics@1.0.0", compute)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load(), "second call must be a cache hit")
	assert.Equal(t, first.Metrics, second.Metrics)
}

func TestConcurrentStoresForDifferentAnalyzers(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	analyzers := []string{"audio-metrics@1.0.0", "notation-validate@1.0.0", "compliance@1.0.0"}
	var wg sync.WaitGroup
	for _, id := range analyzers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, cache.Store(ctx, testArtifactKey, id, testResult(testArtifactKey, id)))
		}(id)
	}
	wg.Wait()

	for _, id := range analyzers {
		got, err := cache.Lookup(ctx, testArtifactKey, id)
		require.NoError(t, err, "entry for %s lost", id)
		assert.Equal(t, id, got.AnalyzerID)
	}
}

func TestCorruptEntryDetectedAndEvicted(t *testing.T) {
	cache, db := newTestCache(t)
	ctx := context.Background()

	// Plant an entry whose body describes a different artifact.
	bad := testResult(strings.Repeat("0", 64), "audio-metrics@1.0.0")
	raw, err := json.Marshal(bad)
	require.NoError(t, err)
	require.NoError(t, db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(entryKey(testArtifactKey, "audio-metrics@1.0.0"), raw)
	}))

	_, err = cache.Lookup(ctx, testArtifactKey, "audio-metrics@1.0.0")
	assert.ErrorIs(t, err, ErrCacheCorruption)

	// The corrupt entry must be gone: next lookup is a clean miss.
	_, err = cache.Lookup(ctx, testArtifactKey, "audio-metrics@1.0.0")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestStoreRejectsMismatchedResult(t *testing.T) {
	cache, _ := newTestCache(t)
	result := testResult(strings.Repeat("a", 64), "audio-metrics@1.0.0")
	err := cache.Store(context.Background(), testArtifactKey, "audio-metrics@1.0.0", result)
	assert.ErrorIs(t, err, ErrCacheCorruption)
}

func TestIssueCountSkipsInfo(t *testing.T) {
	r := Result{Findings: []Finding{
		{Severity: SeverityInfo},
		{Severity: SeverityWarning},
		{Severity: SeverityError},
	}}
	assert.Equal(t, 2, r.IssueCount())
}

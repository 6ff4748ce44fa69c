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
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/cadenzalab/cadenza/services/composer/storage/badgerdb"
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "composer_analysis_cache_hits_total",
		Help: "Number of analysis cache hits.",
	}, []string{"analyzer"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "composer_analysis_cache_misses_total",
		Help: "Number of analysis cache misses.",
	}, []string{"analyzer"})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "composer_analysis_cache_evictions_total",
		Help: "Number of cache entries evicted after corruption detection.",
	})
)

const entryPrefix = "analysis:"

// entryKey builds the badger key for (artifactKey, analyzerID). The NUL
// separator cannot appear in either half, so keys never collide.
func entryKey(artifactKey, analyzerID string) []byte {
	return []byte(entryPrefix + artifactKey + "\x00" + analyzerID)
}

// Cache memoizes analysis results keyed by artifact content and analyzer
// identity. Entries are invalidated only by analyzer-version change, never
// by time: the key embeds the artifact's content fingerprint, so a stale
// hit for different content is impossible.
//
// Thread Safety: safe for concurrent use. Stores for different analyzer
// ids use disjoint keys; concurrent stores for the same key carry identical
// content (results are pure), so last-write-wins is harmless.
type Cache struct {
	db     *badgerdb.DB
	logger *slog.Logger
	group  singleflight.Group
}

// NewCache creates a Cache over the shared database.
func NewCache(db *badgerdb.DB, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{db: db, logger: logger.With(slog.String("component", "analysis_cache"))}
}

// Lookup returns the cached result for (artifactKey, analyzerID).
//
// Outputs:
//
//	*Result - The cached result on a hit.
//	error - ErrMiss on a miss; ErrCacheCorruption (after eviction) if the
//	        stored entry does not match its key.
func (c *Cache) Lookup(ctx context.Context, artifactKey, analyzerID string) (*Result, error) {
	if err := validateKey(artifactKey, analyzerID); err != nil {
		return nil, err
	}

	var raw []byte
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(artifactKey, analyzerID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMiss
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, ErrMiss) {
		cacheMisses.WithLabelValues(AnalyzerName(analyzerID)).Inc()
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		c.evict(ctx, artifactKey, analyzerID, "undecodable entry")
		return nil, fmt.Errorf("%w: %v", ErrCacheCorruption, err)
	}

	// The entry must describe the key it was stored under. A mismatch
	// means a fingerprint collision or a torn write; proceeding would
	// hand out analysis of different content.
	if result.ArtifactKey != artifactKey || result.AnalyzerID != analyzerID {
		c.evict(ctx, artifactKey, analyzerID, "key mismatch")
		return nil, fmt.Errorf("%w: entry for %s/%s found under %s/%s",
			ErrCacheCorruption, result.ArtifactKey, result.AnalyzerID, artifactKey, analyzerID)
	}

	cacheHits.WithLabelValues(AnalyzerName(analyzerID)).Inc()
	return &result, nil
}

// Store writes a result under its key.
//
// Results flagged NonDeterministic are rejected with ErrNotCacheable: they
// are surfaced to callers but must be recomputed every time.
func (c *Cache) Store(ctx context.Context, artifactKey, analyzerID string, result *Result) error {
	if err := validateKey(artifactKey, analyzerID); err != nil {
		return err
	}
	if result.NonDeterministic {
		return ErrNotCacheable
	}
	if result.ArtifactKey != artifactKey || result.AnalyzerID != analyzerID {
		return fmt.Errorf("%w: result describes %s/%s, storing under %s/%s",
			ErrCacheCorruption, result.ArtifactKey, result.AnalyzerID, artifactKey, analyzerID)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	err = c.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(entryKey(artifactKey, analyzerID), raw)
	})
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}

	c.logger.Debug("analysis result cached",
		slog.String("artifact", artifactKey[:12]),
		slog.String("analyzer", analyzerID),
	)
	return nil
}

// GetOrCompute returns the cached result or runs compute exactly once for
// concurrent callers with the same key, caching a cacheable outcome.
//
// Description:
//
//	Consults the cache first. On a miss, concurrent callers for the same
//	(artifactKey, analyzerID) are collapsed into a single compute call via
//	singleflight; the winner's result is stored (unless flagged
//	non-deterministic) and shared.
func (c *Cache) GetOrCompute(
	ctx context.Context,
	artifactKey, analyzerID string,
	compute func(ctx context.Context) (*Result, error),
) (*Result, error) {
	cached, err := c.Lookup(ctx, artifactKey, analyzerID)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrMiss) && !errors.Is(err, ErrCacheCorruption) {
		return nil, err
	}

	v, err, _ := c.group.Do(artifactKey+"\x00"+analyzerID, func() (any, error) {
		// Re-check under the flight: another caller may have stored
		// between our Lookup and here.
		if cached, err := c.Lookup(ctx, artifactKey, analyzerID); err == nil {
			return cached, nil
		}

		result, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if !result.NonDeterministic {
			if err := c.Store(ctx, artifactKey, analyzerID, result); err != nil {
				// A failed store degrades to recomputation next time;
				// the result itself is still good.
				c.logger.Warn("failed to cache analysis result",
					slog.String("analyzer", analyzerID),
					slog.String("error", err.Error()),
				)
			}
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// evict removes a corrupt entry so the next lookup recomputes.
func (c *Cache) evict(ctx context.Context, artifactKey, analyzerID, reason string) {
	err := c.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(entryKey(artifactKey, analyzerID))
	})
	if err != nil {
		c.logger.Error("failed to evict corrupt cache entry",
			slog.String("analyzer", analyzerID),
			slog.String("error", err.Error()),
		)
		return
	}
	cacheEvictions.Inc()
	c.logger.Warn("evicted corrupt cache entry",
		slog.String("artifact", artifactKey[:12]),
		slog.String("analyzer", analyzerID),
		slog.String("reason", reason),
	)
}

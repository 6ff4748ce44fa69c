// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package revision

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	iterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "composer_iterations_total",
		Help: "Completed iterations by outcome (complete, partial, rejected).",
	}, []string{"outcome"})

	stepSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "composer_pipeline_step_seconds",
		Help:    "Wall time per pipeline step.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"step"})

	renderRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "composer_render_retries_total",
		Help: "Render attempts beyond the first.",
	})

	busyRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "composer_busy_rejections_total",
		Help: "Iteration requests rejected because one was already running.",
	})
)

const (
	outcomeComplete = "complete"
	outcomePartial  = "partial"
)

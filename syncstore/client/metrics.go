// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "weft",
			Subsystem: "client",
			Name:      "sync_request_duration_seconds",
			Help:      "Wall time of one /sync long-poll round trip.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
	syncLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "weft",
			Subsystem: "client",
			Name:      "sync_lag_seconds",
			Help:      "Gap between successive successful syncs beyond the long-poll timeout.",
		},
	)
	syncFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "weft",
			Subsystem: "client",
			Name:      "sync_failures_total",
			Help:      "Failed /sync round trips, retried with backoff.",
		},
	)
)

func init() {
	prometheus.MustRegister(syncDurationHistogram, syncLagSeconds, syncFailures)
}

func observeSyncMetrics(duration, lag time.Duration) {
	syncDurationHistogram.Observe(duration.Seconds())
	if lag < 0 {
		lag = 0
	}
	syncLagSeconds.Set(lag.Seconds())
}

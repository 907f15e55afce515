// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	payloadsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weft",
			Subsystem: "syncstore",
			Name:      "payloads_applied_total",
			Help:      "Sync payloads reconciled into the room collection, by kind.",
		},
		[]string{"kind"},
	)
	knownRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "weft",
			Subsystem: "syncstore",
			Name:      "known_rooms",
			Help:      "Rooms currently held in the store, left rooms included.",
		},
	)
	triggersFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weft",
			Subsystem: "syncstore",
			Name:      "triggers_fired_total",
			Help:      "Trigger signals delivered to subscribers.",
		},
		[]string{"trigger"},
	)
)

func init() {
	prometheus.MustRegister(payloadsApplied, knownRooms, triggersFired)
}

// matrixchat - A Matrix room feed client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package feed

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reasons an event is ignored by the pipeline.
const (
	ignoreKind = "kind"
	ignoreRoom = "room"
	ignoreNoID = "no_id"
	ignoreLate = "stale_merge"
)

// Metrics counts pipeline activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ingested  prometheus.Counter
	duplicate prometheus.Counter
	ignored   *prometheus.CounterVec
	fallbacks prometheus.Counter
	merges    prometheus.Counter
}

// NewMetrics creates the pipeline counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matrixchat_events_ingested_total",
			Help: "Room messages accepted into the pending batch",
		}),
		duplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matrixchat_events_duplicate_total",
			Help: "Room messages discarded because their event ID was already seen",
		}),
		ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matrixchat_events_ignored_total",
			Help: "Events that were not ingested, by reason",
		}, []string{"reason"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matrixchat_profile_fallbacks_total",
			Help: "Messages shown with a display name derived from the sender ID",
		}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matrixchat_feed_merges_total",
			Help: "Batches merged into the feed",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ingested, m.duplicate, m.ignored, m.fallbacks, m.merges)
	}
	return m
}

func (m *Metrics) incIngested() {
	if m != nil {
		m.ingested.Inc()
	}
}

func (m *Metrics) incDuplicate() {
	if m != nil {
		m.duplicate.Inc()
	}
}

func (m *Metrics) incIgnored(reason string) {
	if m != nil {
		m.ignored.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incFallback() {
	if m != nil {
		m.fallbacks.Inc()
	}
}

func (m *Metrics) incMerges() {
	if m != nil {
		m.merges.Inc()
	}
}

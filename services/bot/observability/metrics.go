// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the bot core.
//
// # Description
//
// Metrics cover the conversation path end to end:
//   - Inbound message counters (by input class)
//   - Pipeline outcome counters (by error kind)
//   - Cache hit/miss counters
//   - Pipeline latency histogram
//   - Ingestion reconnect counter and liveness gauge
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "askbot"

// Metrics holds all Prometheus metrics for the bot. Initialize once at
// startup via NewMetrics.
type Metrics struct {
	MessagesTotal    *prometheus.CounterVec
	PipelineTotal    *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	ReconnectsTotal  prometheus.Counter
	ChannelLive      prometheus.Gauge
}

// NewMetrics registers the bot metrics on reg and returns them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Inbound direct messages by input class (command, credential, query).",
		}, []string{"class"}),
		PipelineTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pipeline_runs_total",
			Help:      "Query pipeline runs by outcome (ok or error kind).",
		}, []string{"outcome"}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Wall time of a full query pipeline run.",
			Buckets:   prometheus.DefBuckets,
		}),
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_hits_total",
			Help:      "Query cache hits.",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_misses_total",
			Help:      "Query cache misses.",
		}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ingest_reconnects_total",
			Help:      "Websocket reconnect attempts by the ingestion channel.",
		}),
		ChannelLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "ingest_channel_live",
			Help:      "1 when the event subscription is connected and authenticated.",
		}),
	}
}

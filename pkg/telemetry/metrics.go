// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry registers the prometheus collectors exposed on
// /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors used across the request pipeline and
// the cache manager.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     *prometheus.CounterVec

	CacheRefreshTotal    *prometheus.CounterVec
	CacheRefreshDuration *prometheus.HistogramVec
	CacheSnapshotRows    *prometheus.GaugeVec
}

// New creates a metrics bundle with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flapi_requests_total",
			Help: "Requests served, by endpoint and status code.",
		}, []string{"endpoint", "code"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flapi_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flapi_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"endpoint"}),
		CacheRefreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flapi_cache_refresh_total",
			Help: "Cache refresh attempts, by endpoint and result.",
		}, []string{"endpoint", "result"}),
		CacheRefreshDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flapi_cache_refresh_duration_seconds",
			Help:    "Cache refresh latency.",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
		}, []string{"endpoint"}),
		CacheSnapshotRows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flapi_cache_snapshot_rows",
			Help: "Row count of the latest committed snapshot.",
		}, []string{"endpoint"}),
	}
}

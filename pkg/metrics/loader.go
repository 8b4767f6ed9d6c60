/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Cache metrics
	cacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decisionloader_cache_hits_total",
		Help: "Total number of decision document cache hits",
	}, []string{"loader"})

	cacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decisionloader_cache_misses_total",
		Help: "Total number of decision document cache misses",
	}, []string{"loader"})

	cacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decisionloader_cache_evictions_total",
		Help: "Total number of entries removed from the document cache",
	}, []string{"loader", "reason"})

	cacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "decisionloader_cache_entries",
		Help: "Current number of entries in the document cache",
	}, []string{"loader"})

	cacheWeightBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "decisionloader_cache_weight_bytes",
		Help: "Current weight of the document cache in bytes",
	}, []string{"loader"})

	// Fetch metrics
	fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "decisionloader_fetch_duration_seconds",
		Help:    "Duration of single remote fetch attempts",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"loader", "status"})

	fetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decisionloader_fetch_total",
		Help: "Total number of remote fetch attempts",
	}, []string{"loader", "status"})

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decisionloader_retries_total",
		Help: "Total number of retries after a retryable fetch failure",
	}, []string{"loader"})

	coalescedLoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "decisionloader_coalesced_loads_total",
		Help: "Total number of loads whose fetch was shared with concurrent callers",
	}, []string{"loader"})
)

func init() {
	// Register loader metrics with controller-runtime's registry
	metrics.Registry.MustRegister(
		cacheHitsTotal,
		cacheMissesTotal,
		cacheEvictionsTotal,
		cacheEntries,
		cacheWeightBytes,
		fetchDuration,
		fetchTotal,
		retriesTotal,
		coalescedLoadsTotal,
	)
}

// RecordCacheHit records a cache hit
func RecordCacheHit(loader string) {
	cacheHitsTotal.WithLabelValues(loader).Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss(loader string) {
	cacheMissesTotal.WithLabelValues(loader).Inc()
}

// RecordCacheEviction records an entry leaving the cache
// reason: "capacity", "expired", or "invalidated"
func RecordCacheEviction(loader, reason string) {
	cacheEvictionsTotal.WithLabelValues(loader, reason).Inc()
}

// UpdateCacheStats sets the cache gauges
func UpdateCacheStats(loader string, entries int, weightBytes int64) {
	cacheEntries.WithLabelValues(loader).Set(float64(entries))
	cacheWeightBytes.WithLabelValues(loader).Set(float64(weightBytes))
}

// RecordFetch records one fetch attempt
// status: the HTTP status code, or "error" when no response was received
func RecordFetch(loader, status string, durationSeconds float64) {
	fetchDuration.WithLabelValues(loader, status).Observe(durationSeconds)
	fetchTotal.WithLabelValues(loader, status).Inc()
}

// RecordRetry records a retry scheduled after a retryable failure
func RecordRetry(loader string) {
	retriesTotal.WithLabelValues(loader).Inc()
}

// RecordCoalescedLoad records a load that shared another caller's fetch
func RecordCoalescedLoad(loader string) {
	coalescedLoadsTotal.WithLabelValues(loader).Inc()
}

// DeleteLoader drops every series labelled with loader, used when a loader is closed
func DeleteLoader(loader string) {
	labels := prometheus.Labels{"loader": loader}
	for _, vec := range []interface {
		DeletePartialMatch(prometheus.Labels) int
	}{
		cacheHitsTotal,
		cacheMissesTotal,
		cacheEvictionsTotal,
		cacheEntries,
		cacheWeightBytes,
		fetchDuration,
		fetchTotal,
		retriesTotal,
		coalescedLoadsTotal,
	} {
		vec.DeletePartialMatch(labels)
	}
}

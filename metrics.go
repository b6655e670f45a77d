// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package earwig

import "github.com/prometheus/client_golang/prometheus"

var (
	transcriptionRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "earwig",
			Name:      "transcription_request_ops_total",
			Help:      "The total number of transcription requests.",
		},
		[]string{"model"},
	)
	tokenGenerationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "earwig",
			Name:      "token_generation_ops_total",
			Help:      "The total number of text tokens generated.",
		},
		[]string{"model"},
	)

	transcriptionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "earwig",
			Name:      "transcription_duration_seconds",
			Help:      "Transcription request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"model"},
	)
	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "earwig",
			Name:      "model_load_duration_seconds",
			Help:      "Time to load and warm up a model in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"model"},
	)
	warmupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "earwig",
			Name:      "model_warmup_failures_total",
			Help:      "The total number of failed model warm-up attempts.",
		},
		[]string{"model"},
	)
	modelLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "earwig",
			Name:      "model_loaded",
			Help:      "Whether a model is currently loaded (0 or 1).",
		},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "earwig",
			Name:      "cache_hits_total",
			Help:      "The total number of cache hits.",
		},
		[]string{"cache"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "earwig",
			Name:      "cache_misses_total",
			Help:      "The total number of cache misses.",
		},
		[]string{"cache"},
	)
)

// RecordTranscriptionRequest increments the request counter for a model.
func RecordTranscriptionRequest(model string) {
	transcriptionRequestOps.WithLabelValues(model).Inc()
}

// RecordTokensGenerated adds generated token counts for a model.
func RecordTokensGenerated(model string, n int) {
	tokenGenerationOps.WithLabelValues(model).Add(float64(n))
}

// RecordTranscriptionDuration records a request duration in seconds.
func RecordTranscriptionDuration(model string, seconds float64) {
	transcriptionDuration.WithLabelValues(model).Observe(seconds)
}

// RecordModelLoadDuration records a load-and-warmup duration in seconds.
func RecordModelLoadDuration(model string, seconds float64) {
	modelLoadDuration.WithLabelValues(model).Observe(seconds)
}

// RecordWarmupFailure increments the warm-up failure counter.
func RecordWarmupFailure(model string) {
	warmupFailures.WithLabelValues(model).Inc()
}

// SetModelLoaded flips the loaded-model gauge.
func SetModelLoaded(loaded bool) {
	if loaded {
		modelLoaded.Set(1)
	} else {
		modelLoaded.Set(0)
	}
}

// RecordCacheHit increments the hit counter for a named cache.
func RecordCacheHit(cache string) {
	cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss increments the miss counter for a named cache.
func RecordCacheMiss(cache string) {
	cacheMisses.WithLabelValues(cache).Inc()
}

func init() {
	prometheus.MustRegister(transcriptionRequestOps)
	prometheus.MustRegister(tokenGenerationOps)
	prometheus.MustRegister(transcriptionDuration)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(warmupFailures)
	prometheus.MustRegister(modelLoaded)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
}

package bench

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	iterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archer_bench_iterations_total",
		Help: "Benchmark iterations started",
	})
	failuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archer_bench_failures_total",
		Help: "Benchmark iterations that failed",
	})
	fitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archer_bench_fit_seconds",
		Help:    "Wall time of distributed fits",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})
	predictSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archer_bench_predict_seconds",
		Help:    "Wall time of distributed predicts",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})
)

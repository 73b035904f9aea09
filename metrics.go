package permazen

import "github.com/prometheus/client_golang/prometheus"

var ValidationDrains = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "permazen",
	Subsystem: "validation",
	Name:      "drains",
}, []string{"result"})

var ValidationChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "permazen",
	Subsystem: "validation",
	Name:      "checks",
}, []string{"type", "check", "result"})

var ValidationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "permazen",
	Subsystem: "validation",
	Name:      "drain_duration",
	Buckets:   []float64{0, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
}, []string{"result"})

var MigrationCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "permazen",
	Subsystem: "schema",
	Name:      "migrations",
}, []string{"type", "result"})

var CopyCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "permazen",
	Subsystem: "copy",
	Name:      "objects",
}, []string{"kind"})

var QueryCacheResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "permazen",
	Subsystem: "query",
	Name:      "descriptor_cache",
}, []string{"result"})

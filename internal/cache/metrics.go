package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookupCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queryinsight",
			Subsystem: "context_cache",
			Name:      "lookups_total",
			Help:      "Context cache lookups by result (hit or miss).",
		},
		[]string{"result"},
	)
	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queryinsight",
			Subsystem: "context_cache",
			Name:      "errors_total",
			Help:      "Context cache store failures by operation.",
		},
		[]string{"op"},
	)
	rebuildCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "queryinsight",
			Subsystem: "context_cache",
			Name:      "rebuilds_total",
			Help:      "Context entries rebuilt from the persistent store.",
		},
	)
	staleCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "queryinsight",
			Subsystem: "context_cache",
			Name:      "stale_rebuilds_total",
			Help:      "Rebuilt context entries not kept because the target was invalidated during the rebuild.",
		},
	)
)

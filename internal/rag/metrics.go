package rag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trellis_chunks_indexed_total",
		Help: "Chunks written to the chunk store by the indexer.",
	})
	indexJobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trellis_index_jobs_failed_total",
		Help: "Index queue entries that failed and were left for retry.",
	})
	indexJobsDead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trellis_index_jobs_dead_total",
		Help: "Index queue entries moved to the dead letter state.",
	})
	searchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trellis_searches_total",
		Help: "Semantic searches served.",
	})
)

// Package metrics exposes prometheus collectors for the ingestion pipeline
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChunksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_chunks_received_total",
		Help: "Chunks accepted by the chunk store",
	})

	ChunkBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_chunk_bytes_total",
		Help: "Bytes accepted by the chunk store",
	})

	AssemblyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_assembly_duration_seconds",
		Help:    "Time spent merging chunks into one file",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	Finalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_finalized_total",
		Help: "Finished ingestions by result",
	}, []string{"result"})

	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_dedup_hits_total",
		Help: "Uploads that reused an existing blob",
	})

	BytesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_dedup_bytes_saved_total",
		Help: "Bytes not stored thanks to deduplication",
	})

	BlobsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_blobs_reclaimed_total",
		Help: "Blobs physically deleted after their last reference was released",
	})

	ProcessorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_processor_failures_total",
		Help: "Media processor failures that degraded to pass-through storage",
	}, []string{"kind"})

	// HTTP
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "http_active_requests",
		Help: "Number of active HTTP requests",
	})
)

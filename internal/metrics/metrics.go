package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the chunk store.
type Metrics struct {
	// Object store metrics
	ObjectRequests  *prometheus.CounterVec // chunkstore_object_requests_total{operation,status}
	ObjectRetries   *prometheus.CounterVec // chunkstore_object_retries_total{operation}
	BytesUploaded   prometheus.Counter     // chunkstore_bytes_uploaded_total
	BytesDownloaded prometheus.Counter     // chunkstore_bytes_downloaded_total

	// Engine metrics
	Uploads       *prometheus.CounterVec // chunkstore_uploads_total{result}
	Downloads     *prometheus.CounterVec // chunkstore_downloads_total{result}
	ChunksWritten prometheus.Counter     // chunkstore_chunks_written_total
}

// New creates the metrics and registers them with registry. A nil registry
// leaves them unregistered, which is what tests want.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		ObjectRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkstore_object_requests_total",
			Help: "Object store requests by operation and status",
		}, []string{"operation", "status"}),

		ObjectRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkstore_object_retries_total",
			Help: "Object store attempts that failed and were retried",
		}, []string{"operation"}),

		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkstore_bytes_uploaded_total",
			Help: "Total chunk bytes written to the object store",
		}),

		BytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkstore_bytes_downloaded_total",
			Help: "Total chunk bytes read from the object store",
		}),

		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkstore_uploads_total",
			Help: "File uploads by result",
		}, []string{"result"}),

		Downloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkstore_downloads_total",
			Help: "File downloads by result",
		}, []string{"result"}),

		ChunksWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "chunkstore_chunks_written_total",
			Help: "Chunk metadata rows written",
		}),
	}
}

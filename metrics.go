package ndtiff

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional set of prometheus instruments a Dataset and its
// SingleFileWriters report to. Passing nil anywhere a *Metrics is
// accepted disables instrumentation entirely; every call site nil-checks
// before touching it.
type Metrics struct {
	ImagesWritten   prometheus.Counter
	BytesWritten    prometheus.Counter
	FilesRolledOver prometheus.Counter
	FilesFinished   prometheus.Counter
	PendingImages   prometheus.Gauge
}

// NewMetrics builds a Metrics instance and registers its instruments with
// reg. Passing a prometheus.Registry (or any prometheus.Registerer) lets
// the caller choose whether/how to expose them over HTTP; this package
// never starts its own listener.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ImagesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndtiff",
			Name:      "images_written_total",
			Help:      "Number of images written across all datasets using this Metrics instance.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndtiff",
			Name:      "bytes_written_total",
			Help:      "Bytes of IFD+pixel+metadata blocks written to disk.",
		}),
		FilesRolledOver: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndtiff",
			Name:      "files_rolled_over_total",
			Help:      "Number of times a dataset's writer rolled over to a new NDTiffStack_N.tif file.",
		}),
		FilesFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndtiff",
			Name:      "files_finished_total",
			Help:      "Number of single-file writers that completed finish_writing.",
		}),
		PendingImages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ndtiff",
			Name:      "pending_images",
			Help:      "Images accepted by PutImage but not yet installed in a dataset's index.",
		}),
	}
	reg.MustRegister(m.ImagesWritten, m.BytesWritten, m.FilesRolledOver, m.FilesFinished, m.PendingImages)
	return m
}

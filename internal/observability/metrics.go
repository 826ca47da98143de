package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Memory metrics
	BytesLost        prometheus.Counter
	Promotions       *prometheus.CounterVec
	GlobalFillRatio  prometheus.Gauge
	ThreadsAttached  prometheus.Gauge
	RepositorySize   *prometheus.GaugeVec
	ThrottleSamples  *prometheus.CounterVec
	PersistedBytes   *prometheus.CounterVec

	// Chunk metrics
	ChunkFlushes   *prometheus.CounterVec
	ChunkRotations prometheus.Counter
	ChunkSize      prometheus.Gauge
	FlushDuration  prometheus.Histogram

	// Archive metrics
	Archives        *prometheus.CounterVec
	ArchiveDuration *prometheus.HistogramVec
	ArchivedSize    *prometheus.HistogramVec
	StorageErrors   *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		// Memory metrics
		BytesLost: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flightrec_bytes_lost_total",
				Help: "Total number of event bytes dropped for lack of buffer capacity",
			},
		),
		Promotions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flightrec_promotions_total",
				Help: "Total number of buffer promotions into global memory",
			},
			[]string{"kind", "result"},
		),
		GlobalFillRatio: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flightrec_global_buffer_fill_ratio",
				Help: "Fill ratio of the global buffer most recently written",
			},
		),
		ThreadsAttached: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flightrec_threads_attached",
				Help: "Number of producer threads currently attached",
			},
		),
		RepositorySize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flightrec_repository_entries",
				Help: "Number of interned entries per constant pool in the current epoch",
			},
			[]string{"repository"},
		),
		ThrottleSamples: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flightrec_throttle_samples_total",
				Help: "Total number of throttle decisions",
			},
			[]string{"event", "outcome"},
		),
		PersistedBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flightrec_persisted_bytes_total",
				Help: "Total number of bytes written to chunk files",
			},
			[]string{"source"},
		),

		// Chunk metrics
		ChunkFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flightrec_chunk_flushes_total",
				Help: "Total number of chunk flushes",
			},
			[]string{"kind"},
		),
		ChunkRotations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "flightrec_chunk_rotations_total",
				Help: "Total number of chunk rotations",
			},
		),
		ChunkSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "flightrec_chunk_size_bytes",
				Help: "Size of the open chunk after its last flush",
			},
		),
		FlushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flightrec_flush_duration_seconds",
				Help:    "Duration of chunk flushes",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		// Archive metrics
		Archives: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flightrec_archive_total",
				Help: "Total number of completed chunks archived",
			},
			[]string{"backend", "status"},
		),
		ArchiveDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flightrec_archive_duration_seconds",
				Help:    "Duration of chunk archive operations including compression",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		ArchivedSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flightrec_archived_size_bytes",
				Help:    "Size of archived chunk objects",
				Buckets: prometheus.ExponentialBuckets(64*1024, 2, 12), // 64KB to 128MB
			},
			[]string{"backend"},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flightrec_storage_errors_total",
				Help: "Total number of storage errors",
			},
			[]string{"backend", "operation"},
		),
		Notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flightrec_notifications_total",
				Help: "Total number of chunk notifications published",
			},
			[]string{"status"},
		),
	}
}

// AddBytesLost adds to the lost bytes counter.
func (m *Metrics) AddBytesLost(n int) {
	m.BytesLost.Add(float64(n))
}

// IncPromotions increments the promotions counter.
func (m *Metrics) IncPromotions(kind string, result string) {
	m.Promotions.WithLabelValues(kind, result).Inc()
}

// SetGlobalFillRatio sets the global buffer fill ratio gauge.
func (m *Metrics) SetGlobalFillRatio(ratio float64) {
	m.GlobalFillRatio.Set(ratio)
}

// SetThreadsAttached sets the attached threads gauge.
func (m *Metrics) SetThreadsAttached(n int) {
	m.ThreadsAttached.Set(float64(n))
}

// SetRepositoryEntries sets the entries gauge of a constant pool.
func (m *Metrics) SetRepositoryEntries(repository string, entries int) {
	m.RepositorySize.WithLabelValues(repository).Set(float64(entries))
}

// IncThrottleSamples increments the throttle decisions counter.
func (m *Metrics) IncThrottleSamples(eventType string, outcome string) {
	m.ThrottleSamples.WithLabelValues(eventType, outcome).Inc()
}

// AddPersistedBytes adds to the persisted bytes counter.
func (m *Metrics) AddPersistedBytes(source string, n int) {
	m.PersistedBytes.WithLabelValues(source).Add(float64(n))
}

// IncChunkFlushes increments the chunk flushes counter.
func (m *Metrics) IncChunkFlushes(kind string) {
	m.ChunkFlushes.WithLabelValues(kind).Inc()
}

// IncChunkRotations increments the chunk rotations counter.
func (m *Metrics) IncChunkRotations() {
	m.ChunkRotations.Inc()
}

// SetChunkSize sets the chunk size gauge.
func (m *Metrics) SetChunkSize(size float64) {
	m.ChunkSize.Set(size)
}

// ObserveFlushDuration observes flush duration.
func (m *Metrics) ObserveFlushDuration(duration float64) {
	m.FlushDuration.Observe(duration)
}

// IncArchives increments the archive counter.
func (m *Metrics) IncArchives(backend string, status string) {
	m.Archives.WithLabelValues(backend, status).Inc()
}

// ObserveArchiveDuration observes archive duration.
func (m *Metrics) ObserveArchiveDuration(backend string, duration float64) {
	m.ArchiveDuration.WithLabelValues(backend).Observe(duration)
}

// ObserveArchivedSize observes the size of an archived object.
func (m *Metrics) ObserveArchivedSize(backend string, size float64) {
	m.ArchivedSize.WithLabelValues(backend).Observe(size)
}

// IncStorageErrors increments storage errors counter.
func (m *Metrics) IncStorageErrors(backend string, operation string) {
	m.StorageErrors.WithLabelValues(backend, operation).Inc()
}

// IncNotifications increments the notifications counter.
func (m *Metrics) IncNotifications(status string) {
	m.Notifications.WithLabelValues(status).Inc()
}

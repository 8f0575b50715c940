package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineStats provides the metrics collector access to live pipeline
// state.
type PipelineStats interface {
	TranscribeQueueDepth() int
	PersistQueueDepth() int
	InFlight() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  *pgxpool.Pool
	stats PipelineStats

	// Descriptors for scrape-time gauges.
	transcribeQueue *prometheus.Desc
	persistQueue    *prometheus.Desc
	inFlight        *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil (metrics will report 0). stats may be nil if no pipeline is running.
func NewCollector(pool *pgxpool.Pool, stats PipelineStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		transcribeQueue: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "transcribe_queue_depth"),
			"Recordings waiting for a transcribe worker.",
			nil, nil,
		),
		persistQueue: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "persist_queue_depth"),
			"Transcribed results waiting for a persist worker.",
			nil, nil,
		),
		inFlight: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "recordings_in_flight"),
			"Recordings currently held by a worker.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.transcribeQueue
	ch <- c.persistQueue
	ch <- c.inFlight
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	// Pipeline stats
	if c.stats != nil {
		ch <- prometheus.MustNewConstMetric(c.transcribeQueue, prometheus.GaugeValue, float64(c.stats.TranscribeQueueDepth()))
		ch <- prometheus.MustNewConstMetric(c.persistQueue, prometheus.GaugeValue, float64(c.stats.PersistQueueDepth()))
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(c.stats.InFlight()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.transcribeQueue, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.persistQueue, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, 0)
	}

	// Database pool stats
	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}

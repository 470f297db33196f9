// Package telemetry exposes Prometheus metrics for the HTTP surface, the
// ingest queue, the change-stream broker, and the document store.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "choptso",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "status"})

	requestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "choptso",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Requests currently being served.",
	})

	opsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "choptso",
		Subsystem: "ingest",
		Name:      "ops_applied_total",
		Help:      "Mutations applied by the worker pool, by outcome.",
	}, []string{"op", "outcome"})
)

// ObserveOp records one applied (or failed) ingest operation.
func ObserveOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	opsApplied.WithLabelValues(op, outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware instruments a handler with request duration and in-flight
// gauges.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestsInFlight.Inc()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		requestsInFlight.Dec()
		requestDuration.WithLabelValues(r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

// QueueStats is what the ingest queue exposes for scraping.
type QueueStats interface {
	Len() int
	Cap() int
	Accepted() uint64
	Dropped() uint64
}

// StoreStats is what the document store exposes for scraping.
type StoreStats interface {
	GetStats() StoreSnapshot
}

// StoreSnapshot mirrors the store's stats struct without importing it, so
// the dependency points store->nothing and app wires the two together.
type StoreSnapshot struct {
	DiskBytes     uint64
	WALBytes      uint64
	MemtableBytes uint64
	Writes        uint64
}

// SubCounter reports live change-stream subscriptions.
type SubCounter interface{ Count() int }

// DiskSampler reports filesystem capacity for the data directory.
type DiskSampler interface{ Disk() (total, free uint64) }

type collector struct {
	queue  QueueStats
	store  func() StoreSnapshot
	broker SubCounter
	disk   DiskSampler

	queueDepth   *prometheus.Desc
	queueCap     *prometheus.Desc
	enqAccepted  *prometheus.Desc
	enqDropped   *prometheus.Desc
	subscribers  *prometheus.Desc
	storeDisk    *prometheus.Desc
	storeWAL     *prometheus.Desc
	storeMemtbl  *prometheus.Desc
	storeWrites  *prometheus.Desc
	fsTotalBytes *prometheus.Desc
	fsFreeBytes  *prometheus.Desc
}

// Register installs gauge collectors for the queue, broker, store, and disk
// sampler. Any of the arguments may be nil; its metrics are then omitted.
func Register(queue QueueStats, storeFn func() StoreSnapshot, broker SubCounter, disk DiskSampler) {
	c := &collector{
		queue:  queue,
		store:  storeFn,
		broker: broker,
		disk:   disk,

		queueDepth:   prometheus.NewDesc("choptso_ingest_queue_depth", "Queued ops awaiting a worker.", nil, nil),
		queueCap:     prometheus.NewDesc("choptso_ingest_queue_capacity", "Configured queue capacity.", nil, nil),
		enqAccepted:  prometheus.NewDesc("choptso_ingest_accepted_total", "Ops accepted into the queue.", nil, nil),
		enqDropped:   prometheus.NewDesc("choptso_ingest_dropped_total", "Ops rejected by a full queue.", nil, nil),
		subscribers:  prometheus.NewDesc("choptso_stream_subscriptions", "Live change-stream subscriptions.", nil, nil),
		storeDisk:    prometheus.NewDesc("choptso_store_disk_bytes", "Bytes used by the store directory.", nil, nil),
		storeWAL:     prometheus.NewDesc("choptso_store_wal_bytes", "Pebble WAL size.", nil, nil),
		storeMemtbl:  prometheus.NewDesc("choptso_store_memtable_bytes", "Pebble memtable size.", nil, nil),
		storeWrites:  prometheus.NewDesc("choptso_store_writes_total", "Write batches applied.", nil, nil),
		fsTotalBytes: prometheus.NewDesc("choptso_fs_total_bytes", "Filesystem capacity at the data path.", nil, nil),
		fsFreeBytes:  prometheus.NewDesc("choptso_fs_free_bytes", "Filesystem free space at the data path.", nil, nil),
	}
	prometheus.MustRegister(c)
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.queueCap
	ch <- c.enqAccepted
	ch <- c.enqDropped
	ch <- c.subscribers
	ch <- c.storeDisk
	ch <- c.storeWAL
	ch <- c.storeMemtbl
	ch <- c.storeWrites
	ch <- c.fsTotalBytes
	ch <- c.fsFreeBytes
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	if c.queue != nil {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(c.queue.Len()))
		ch <- prometheus.MustNewConstMetric(c.queueCap, prometheus.GaugeValue, float64(c.queue.Cap()))
		ch <- prometheus.MustNewConstMetric(c.enqAccepted, prometheus.CounterValue, float64(c.queue.Accepted()))
		ch <- prometheus.MustNewConstMetric(c.enqDropped, prometheus.CounterValue, float64(c.queue.Dropped()))
	}
	if c.broker != nil {
		ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(c.broker.Count()))
	}
	if c.store != nil {
		st := c.store()
		ch <- prometheus.MustNewConstMetric(c.storeDisk, prometheus.GaugeValue, float64(st.DiskBytes))
		ch <- prometheus.MustNewConstMetric(c.storeWAL, prometheus.GaugeValue, float64(st.WALBytes))
		ch <- prometheus.MustNewConstMetric(c.storeMemtbl, prometheus.GaugeValue, float64(st.MemtableBytes))
		ch <- prometheus.MustNewConstMetric(c.storeWrites, prometheus.CounterValue, float64(st.Writes))
	}
	if c.disk != nil {
		total, free := c.disk.Disk()
		ch <- prometheus.MustNewConstMetric(c.fsTotalBytes, prometheus.GaugeValue, float64(total))
		ch <- prometheus.MustNewConstMetric(c.fsFreeBytes, prometheus.GaugeValue, float64(free))
	}
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentsight/relay/internal/archive"
	"github.com/agentsight/relay/internal/batcher"
	"github.com/agentsight/relay/internal/model"
	"github.com/agentsight/relay/internal/queue"
)

// namespace prefixes every metric family.
const namespace = "relay"

// connectionStates enumerates the labels of the one-hot state gauge.
var connectionStates = []model.ConnectionState{
	model.StateDisconnected,
	model.StateConnecting,
	model.StateConnected,
	model.StateError,
	model.StateChecking,
}

var qualityTiers = []model.QualityTier{
	model.QualityExcellent,
	model.QualityGood,
	model.QualityPoor,
	model.QualityUnknown,
}

// Snapshots supplies the point-in-time readings the collector scrapes. Nil
// funcs skip their families, so a relay without an archive simply exposes no
// archive series.
type Snapshots struct {
	Status        func() model.ConnectionStatus
	Queue         func() queue.Metrics
	QueueCapacity int
	Batcher       func() batcher.Stats
	Archive       func() archive.Metrics
}

// Collector reads subsystem snapshots on every scrape. The components stay
// the single source of truth; nothing here accumulates state.
type Collector struct {
	snaps Snapshots

	connState    *prometheus.Desc
	connQuality  *prometheus.Desc
	connHealthy  *prometheus.Desc
	connAttempts *prometheus.Desc
	connSubs     *prometheus.Desc

	queueEvents   *prometheus.Desc
	queueCapacity *prometheus.Desc
	queueMemory   *prometheus.Desc
	queueEnqueued *prometheus.Desc
	queueDequeued *prometheus.Desc
	queueFailed   *prometheus.Desc
	queueRetried  *prometheus.Desc
	queueEvicted  *prometheus.Desc

	batchEvents  *prometheus.Desc
	batchDeduped *prometheus.Desc
	batchBatches *prometheus.Desc
	batchDropped *prometheus.Desc
	batchPending *prometheus.Desc
	batchRing    *prometheus.Desc

	archiveInserts    *prometheus.Desc
	archiveDuplicates *prometheus.Desc
	archiveFlushes    *prometheus.Desc
	archiveErrors     *prometheus.Desc
	archiveBreaker    *prometheus.Desc
}

// NewCollector builds a collector over the given snapshot funcs.
func NewCollector(snaps Snapshots) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}

	return &Collector{
		snaps: snaps,

		connState:    desc("connection", "state", "Channel state as a one-hot gauge over the state label.", "state"),
		connQuality:  desc("connection", "quality", "Derived channel quality as a one-hot gauge over the quality label.", "quality"),
		connHealthy:  desc("connection", "healthy", "Whether the channel is connected and fresh (1 or 0)."),
		connAttempts: desc("connection", "reconnect_attempts", "Reconnect attempts since the last successful connect."),
		connSubs:     desc("connection", "subscriptions", "Registered inbound event subscriptions."),

		queueEvents:   desc("queue", "events", "Events currently buffered in the queue."),
		queueCapacity: desc("queue", "capacity", "Configured queue capacity."),
		queueMemory:   desc("queue", "memory_bytes", "Estimated bytes held by buffered events."),
		queueEnqueued: desc("queue", "enqueued_total", "Events accepted by the queue since start."),
		queueDequeued: desc("queue", "dequeued_total", "Events handed out for delivery since start."),
		queueFailed:   desc("queue", "failed_total", "Events dropped after exhausting their retry budget."),
		queueRetried:  desc("queue", "retried_total", "Events pushed back to subscribers for retry."),
		queueEvicted:  desc("queue", "evicted_total", "Events evicted by capacity pressure."),

		batchEvents:  desc("batcher", "events_total", "Events admitted to batch windows."),
		batchDeduped: desc("batcher", "deduped_total", "Events suppressed as recent duplicates."),
		batchBatches: desc("batcher", "batches_total", "Batch windows closed."),
		batchDropped: desc("batcher", "dropped_batches_total", "Batches dropped because the ring was full."),
		batchPending: desc("batcher", "pending_events", "Events in the open window."),
		batchRing:    desc("batcher", "ring_events", "Closed batches waiting in the ring."),

		archiveInserts:    desc("archive", "inserts_total", "Rows inserted into the events table."),
		archiveDuplicates: desc("archive", "duplicates_total", "Rows skipped by conflict handling."),
		archiveFlushes:    desc("archive", "flushes_total", "Flush cycles executed."),
		archiveErrors:     desc("archive", "errors_total", "Failed insert attempts."),
		archiveBreaker:    desc("archive", "breaker_opens_total", "Circuit breaker open transitions."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.connState, c.connQuality, c.connHealthy, c.connAttempts, c.connSubs,
		c.queueEvents, c.queueCapacity, c.queueMemory, c.queueEnqueued,
		c.queueDequeued, c.queueFailed, c.queueRetried, c.queueEvicted,
		c.batchEvents, c.batchDeduped, c.batchBatches, c.batchDropped,
		c.batchPending, c.batchRing,
		c.archiveInserts, c.archiveDuplicates, c.archiveFlushes,
		c.archiveErrors, c.archiveBreaker,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}

	if c.snaps.Status != nil {
		st := c.snaps.Status()
		for _, s := range connectionStates {
			gauge(c.connState, oneHot(st.State == s), string(s))
		}
		for _, q := range qualityTiers {
			gauge(c.connQuality, oneHot(st.Quality == q), string(q))
		}
		gauge(c.connHealthy, oneHot(st.Healthy))
		gauge(c.connAttempts, float64(st.ReconnectAttempts))
		gauge(c.connSubs, float64(st.Subscriptions))
	}

	if c.snaps.Queue != nil {
		qm := c.snaps.Queue()
		gauge(c.queueEvents, float64(qm.CurrentSize))
		gauge(c.queueCapacity, float64(c.snaps.QueueCapacity))
		gauge(c.queueMemory, float64(qm.MemoryBytes))
		counter(c.queueEnqueued, float64(qm.TotalEnqueued))
		counter(c.queueDequeued, float64(qm.TotalDequeued))
		counter(c.queueFailed, float64(qm.FailedEvents))
		counter(c.queueRetried, float64(qm.RetriedEvents))
		counter(c.queueEvicted, float64(qm.TotalEvicted))
	}

	if c.snaps.Batcher != nil {
		bs := c.snaps.Batcher()
		counter(c.batchEvents, float64(bs.EventsIn))
		counter(c.batchDeduped, float64(bs.Deduped))
		counter(c.batchBatches, float64(bs.Batches))
		counter(c.batchDropped, float64(bs.DroppedBatches))
		gauge(c.batchPending, float64(bs.Pending))
		gauge(c.batchRing, float64(bs.Buffer.Size))
	}

	if c.snaps.Archive != nil {
		am := c.snaps.Archive()
		counter(c.archiveInserts, float64(am.Inserts))
		counter(c.archiveDuplicates, float64(am.Duplicates))
		counter(c.archiveFlushes, float64(am.Flushes))
		counter(c.archiveErrors, float64(am.Errors))
		counter(c.archiveBreaker, float64(am.BreakerOpens))
	}
}

func oneHot(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Handler serves the collector from a private registry, so the page carries
// only relay series.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

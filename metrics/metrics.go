package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the queue server
type Collector struct {
	// Connection metrics
	ConnectionsTotal   prometheus.Gauge
	ConnectionsCreated prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	ConnectionsRefused prometheus.Counter

	// Queue metrics
	QueuesOpen     prometheus.Gauge
	QueueLive      *prometheus.GaugeVec
	QueueLiveBytes *prometheus.GaugeVec
	Evictions      prometheus.Counter
	Overruns       prometheus.Counter

	// Request metrics
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Errors          *prometheus.CounterVec

	// Message metrics
	MessagesWritten      prometheus.Counter
	MessagesWrittenBytes prometheus.Counter
	MessagesRead         prometheus.Counter
	MessagesReadBytes    prometheus.Counter

	// Server metrics
	ServerUptime prometheus.Gauge
}

// NewCollector creates a collector registered with the default registry
func NewCollector(namespace string) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector registered with reg
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "fmq"
	}
	factory := promauto.With(reg)

	return &Collector{
		// Connection metrics
		ConnectionsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Current number of client sessions",
		}),
		ConnectionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_created_total",
			Help:      "Total number of client sessions accepted since server start",
		}),
		ConnectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total number of client sessions closed since server start",
		}),
		ConnectionsRefused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_refused_total",
			Help:      "Connections turned away because the session limit was reached",
		}),

		// Queue metrics
		QueuesOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queues_open",
			Help:      "Queue handles currently open on behalf of clients",
		}),
		QueueLive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_live_messages",
			Help:      "Messages currently held by a queue",
		}, []string{"queue"}),
		QueueLiveBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_live_bytes",
			Help:      "Buffer bytes currently held by a queue",
		}, []string{"queue"}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Messages evicted to make room for new writes",
		}),
		Overruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reader_overruns_total",
			Help:      "Times a reader was lapped by writers and resynchronised",
		}),

		// Request metrics
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by opcode",
		}, []string{"op"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling a request, including READ waits",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed requests, by opcode and error code",
		}, []string{"op", "code"}),

		// Message metrics
		MessagesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_written_total",
			Help:      "Messages written on behalf of clients",
		}),
		MessagesWrittenBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_written_bytes_total",
			Help:      "Payload bytes written on behalf of clients",
		}),
		MessagesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_read_total",
			Help:      "Messages returned to clients",
		}),
		MessagesReadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_read_bytes_total",
			Help:      "Payload bytes returned to clients, as sent",
		}),

		// Server metrics
		ServerUptime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds",
		}),
	}
}

// Connection metrics

func (c *Collector) RecordConnectionCreated() {
	c.ConnectionsCreated.Inc()
	c.ConnectionsTotal.Inc()
}

func (c *Collector) RecordConnectionClosed() {
	c.ConnectionsClosed.Inc()
	c.ConnectionsTotal.Dec()
}

func (c *Collector) RecordConnectionRefused() {
	c.ConnectionsRefused.Inc()
}

// Queue metrics

func (c *Collector) RecordQueueOpened() {
	c.QueuesOpen.Inc()
}

func (c *Collector) RecordQueueClosed() {
	c.QueuesOpen.Dec()
}

// UpdateQueueDepth records how full a queue is after a write.
func (c *Collector) UpdateQueueDepth(queue string, live, liveBytes int64) {
	c.QueueLive.WithLabelValues(queue).Set(float64(live))
	c.QueueLiveBytes.WithLabelValues(queue).Set(float64(liveBytes))
}

func (c *Collector) DeleteQueueDepth(queue string) {
	c.QueueLive.DeleteLabelValues(queue)
	c.QueueLiveBytes.DeleteLabelValues(queue)
}

func (c *Collector) RecordEvictions(n int64) {
	if n > 0 {
		c.Evictions.Add(float64(n))
	}
}

func (c *Collector) RecordOverruns(n int64) {
	if n > 0 {
		c.Overruns.Add(float64(n))
	}
}

// Request metrics

func (c *Collector) RecordRequest(op string, seconds float64) {
	c.Requests.WithLabelValues(op).Inc()
	c.RequestDuration.WithLabelValues(op).Observe(seconds)
}

func (c *Collector) RecordError(op, code string) {
	c.Errors.WithLabelValues(op, code).Inc()
}

// Message metrics

func (c *Collector) RecordMessagesWritten(count, bytes int) {
	c.MessagesWritten.Add(float64(count))
	c.MessagesWrittenBytes.Add(float64(bytes))
}

func (c *Collector) RecordMessagesRead(count, bytes int) {
	c.MessagesRead.Add(float64(count))
	c.MessagesReadBytes.Add(float64(bytes))
}

// Server metrics

func (c *Collector) UpdateServerUptime(seconds float64) {
	c.ServerUptime.Set(seconds)
}

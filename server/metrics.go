package server

// MetricsCollector defines the interface for metrics collection
type MetricsCollector interface {
	// Connection metrics
	RecordConnectionCreated()
	RecordConnectionClosed()
	RecordConnectionRefused()

	// Queue metrics
	RecordQueueOpened()
	RecordQueueClosed()
	UpdateQueueDepth(queue string, live, liveBytes int64)
	DeleteQueueDepth(queue string)
	RecordEvictions(n int64)
	RecordOverruns(n int64)

	// Request metrics
	RecordRequest(op string, seconds float64)
	RecordError(op, code string)

	// Message metrics
	RecordMessagesWritten(count, bytes int)
	RecordMessagesRead(count, bytes int)

	// Server metrics
	UpdateServerUptime(seconds float64)
}

// NoOpMetricsCollector is a metrics collector that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordConnectionCreated()                              {}
func (n *NoOpMetricsCollector) RecordConnectionClosed()                               {}
func (n *NoOpMetricsCollector) RecordConnectionRefused()                              {}
func (n *NoOpMetricsCollector) RecordQueueOpened()                                    {}
func (n *NoOpMetricsCollector) RecordQueueClosed()                                    {}
func (n *NoOpMetricsCollector) UpdateQueueDepth(queue string, live, liveBytes int64) {}
func (n *NoOpMetricsCollector) DeleteQueueDepth(queue string)                        {}
func (n *NoOpMetricsCollector) RecordEvictions(count int64)                          {}
func (n *NoOpMetricsCollector) RecordOverruns(count int64)                           {}
func (n *NoOpMetricsCollector) RecordRequest(op string, seconds float64)             {}
func (n *NoOpMetricsCollector) RecordError(op, code string)                          {}
func (n *NoOpMetricsCollector) RecordMessagesWritten(count, bytes int)               {}
func (n *NoOpMetricsCollector) RecordMessagesRead(count, bytes int)                  {}
func (n *NoOpMetricsCollector) UpdateServerUptime(seconds float64)                   {}

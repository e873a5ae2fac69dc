// Package metrics provides Prometheus export of coordination bus counters and
// a query service for aggregating them from a Prometheus server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"coordinator/pkg/bus"
)

// BusCollector projects the bus stats counters into Prometheus at scrape
// time. The bus keeps its own monotone counters under its lock, so this is a
// custom collector emitting const metrics rather than promauto registration.
type BusCollector struct {
	bus *bus.InMemoryMessageBus

	publishAttempts        *prometheus.Desc
	deliveries             *prometheus.Desc
	inboxOverflowEvictions *prometheus.Desc
	deadLetters            *prometheus.Desc
	deadLetterEvictions    *prometheus.Desc
	contextEvictions       *prometheus.Desc
	seenIDEvictions        *prometheus.Desc
	subscribers            *prometheus.Desc
	contextEntries         *prometheus.Desc
	deadLettersRetained    *prometheus.Desc
}

// NewBusCollector creates a collector over a bus handle.
func NewBusCollector(b *bus.InMemoryMessageBus) *BusCollector {
	return &BusCollector{
		bus: b,
		publishAttempts: prometheus.NewDesc(
			"coordination_publish_attempts_total",
			"Total publish attempts, including rejected ones",
			nil, nil,
		),
		deliveries: prometheus.NewDesc(
			"coordination_deliveries_total",
			"Total inbox deliveries across all agents",
			nil, nil,
		),
		inboxOverflowEvictions: prometheus.NewDesc(
			"coordination_inbox_overflow_evictions_total",
			"Messages dropped from full agent inboxes",
			nil, nil,
		),
		deadLetters: prometheus.NewDesc(
			"coordination_dead_letters_total",
			"Total dead-lettered messages",
			nil, nil,
		),
		deadLetterEvictions: prometheus.NewDesc(
			"coordination_dead_letter_evictions_total",
			"Dead letters evicted from the retention window",
			nil, nil,
		),
		contextEvictions: prometheus.NewDesc(
			"coordination_context_evictions_total",
			"Shared context entries evicted by the write-recency policy",
			nil, nil,
		),
		seenIDEvictions: prometheus.NewDesc(
			"coordination_seen_message_id_evictions_total",
			"Message ids evicted from the dedup window",
			nil, nil,
		),
		subscribers: prometheus.NewDesc(
			"coordination_subscribers",
			"Registered agents with an inbox",
			nil, nil,
		),
		contextEntries: prometheus.NewDesc(
			"coordination_context_entries",
			"Shared context entries currently stored",
			nil, nil,
		),
		deadLettersRetained: prometheus.NewDesc(
			"coordination_dead_letters_retained",
			"Dead letters currently held in the retention window",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *BusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.publishAttempts
	ch <- c.deliveries
	ch <- c.inboxOverflowEvictions
	ch <- c.deadLetters
	ch <- c.deadLetterEvictions
	ch <- c.contextEvictions
	ch <- c.seenIDEvictions
	ch <- c.subscribers
	ch <- c.contextEntries
	ch <- c.deadLettersRetained
}

// Collect implements prometheus.Collector.
func (c *BusCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.bus.Stats()

	ch <- prometheus.MustNewConstMetric(c.publishAttempts, prometheus.CounterValue, float64(stats.PublishAttemptsTotal))
	ch <- prometheus.MustNewConstMetric(c.deliveries, prometheus.CounterValue, float64(stats.DeliveriesTotal))
	ch <- prometheus.MustNewConstMetric(c.inboxOverflowEvictions, prometheus.CounterValue, float64(stats.InboxOverflowEvictionsTotal))
	ch <- prometheus.MustNewConstMetric(c.deadLetters, prometheus.CounterValue, float64(stats.DeadLettersTotal))
	ch <- prometheus.MustNewConstMetric(c.deadLetterEvictions, prometheus.CounterValue, float64(stats.DeadLetterEvictionsTotal))
	ch <- prometheus.MustNewConstMetric(c.contextEvictions, prometheus.CounterValue, float64(stats.ContextEvictionsTotal))
	ch <- prometheus.MustNewConstMetric(c.seenIDEvictions, prometheus.CounterValue, float64(stats.SeenMessageIDEvictionsTotal))

	ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(c.bus.SubscriberCount()))
	ch <- prometheus.MustNewConstMetric(c.contextEntries, prometheus.GaugeValue, float64(c.bus.ContextCount()))
	ch <- prometheus.MustNewConstMetric(c.deadLettersRetained, prometheus.GaugeValue, float64(c.bus.DeadLetterCount()))
}

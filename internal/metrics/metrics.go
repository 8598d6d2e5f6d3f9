// Package metrics holds the gateway's Prometheus instruments. Everything is
// registered on the default registry at init; cmd/feedd exposes it via
// promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TicksReceived counts normalized ticks delivered by each vendor feed.
	TicksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mdfeed_ticks_received_total",
		Help: "Normalized ticks delivered, by vendor.",
	}, []string{"vendor"})

	// TicksDropped counts ticks discarded because the pipeline ring was full.
	TicksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdfeed_ticks_dropped_total",
		Help: "Ticks dropped on buffer overflow.",
	})

	// BatchesFlushed counts tick batches handed to the batch sink.
	BatchesFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdfeed_batches_flushed_total",
		Help: "Tick batches flushed downstream.",
	})

	// GapsDetected counts sequence gaps observed per vendor.
	GapsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mdfeed_sequence_gaps_total",
		Help: "Sequence gaps detected, by vendor.",
	}, []string{"vendor"})

	// FeedErrors counts connection failures per vendor.
	FeedErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mdfeed_feed_errors_total",
		Help: "Feed connection failures, by vendor.",
	}, []string{"vendor"})

	// BarsEmitted counts completed OHLCV bars.
	BarsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdfeed_bars_emitted_total",
		Help: "Completed OHLCV bars emitted.",
	})

	// MessagesPublished counts Redis messages successfully published.
	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdfeed_messages_published_total",
		Help: "Messages published to Redis.",
	})

	// PublishErrors counts failed Redis publish batches.
	PublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdfeed_publish_errors_total",
		Help: "Failed Redis publish operations.",
	})

	// RowsWritten counts tick rows persisted to the database.
	RowsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdfeed_rows_written_total",
		Help: "Tick rows written to storage.",
	})

	// FeedsConnected tracks how many vendor feeds are currently connected.
	FeedsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mdfeed_feeds_connected",
		Help: "Currently connected vendor feeds.",
	})
)

func init() {
	prometheus.MustRegister(
		TicksReceived,
		TicksDropped,
		BatchesFlushed,
		GapsDetected,
		FeedErrors,
		BarsEmitted,
		MessagesPublished,
		PublishErrors,
		RowsWritten,
		FeedsConnected,
	)
}

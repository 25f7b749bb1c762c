package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// BufferPoolMetrics holds the metric instruments of the buffer pool.
type BufferPoolMetrics struct {
	HitsCounter          metric.Int64Counter
	MissesCounter        metric.Int64Counter
	EvictionsCounter     metric.Int64Counter
	PinnedUpDownCounter  metric.Int64UpDownCounter
	LoadLatencyHistogram metric.Float64Histogram
}

// NewBufferPoolMetrics creates and registers the buffer pool metrics.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	hits, err := meter.Int64Counter(
		"hdbstore.bufferpool.hits_total",
		metric.WithDescription("Pins served without reading from the block store."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"hdbstore.bufferpool.misses_total",
		metric.WithDescription("Pins that had to load the block from the block store."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"hdbstore.bufferpool.evictions_total",
		metric.WithDescription("Resident blocks replaced to make room for another block."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pinned, err := meter.Int64UpDownCounter(
		"hdbstore.bufferpool.pinned_blocks",
		metric.WithDescription("Number of blocks currently pinned."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	loadLatency, err := meter.Float64Histogram(
		"hdbstore.bufferpool.load.duration",
		metric.WithDescription("Latency of block loads from the block store."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &BufferPoolMetrics{
		HitsCounter:          hits,
		MissesCounter:        misses,
		EvictionsCounter:     evictions,
		PinnedUpDownCounter:  pinned,
		LoadLatencyHistogram: loadLatency,
	}, nil
}

// RingMetrics holds the metric instruments of the slot allocator.
type RingMetrics struct {
	AllocationsCounter     metric.Int64Counter
	ConsumedCounter        metric.Int64Counter
	DrainPassesCounter     metric.Int64Counter
	ProducerWaitsCounter   metric.Int64Counter
	ConsumeFailuresCounter metric.Int64Counter
}

// NewRingMetrics creates and registers the slot allocator metrics.
func NewRingMetrics(meter metric.Meter) (*RingMetrics, error) {
	allocations, err := meter.Int64Counter(
		"hdbstore.ring.allocations_total",
		metric.WithDescription("Slots reserved by producers."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	consumed, err := meter.Int64Counter(
		"hdbstore.ring.consumed_total",
		metric.WithDescription("Slots handed to the consumer and freed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	drainPasses, err := meter.Int64Counter(
		"hdbstore.ring.drain_passes_total",
		metric.WithDescription("Drain passes that consumed at least one slot."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	waits, err := meter.Int64Counter(
		"hdbstore.ring.producer_waits_total",
		metric.WithDescription("Times a producer parked because no slot was free."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"hdbstore.ring.consume_failures_total",
		metric.WithDescription("Consumer callbacks that returned an error or panicked."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &RingMetrics{
		AllocationsCounter:     allocations,
		ConsumedCounter:        consumed,
		DrainPassesCounter:     drainPasses,
		ProducerWaitsCounter:   waits,
		ConsumeFailuresCounter: failures,
	}, nil
}

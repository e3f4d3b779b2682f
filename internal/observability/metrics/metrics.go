// Package metrics exposes the core's counters and latency tallies. Counters
// are monotonically non-decreasing int64s readable through Read (a Snapshot) and
// mirrored into prometheus collectors for scraping.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "ems_"

var (
	registerOnce sync.Once

	rawEvents          atomic.Int64
	invalidPayload     atomic.Int64
	noMapping          atomic.Int64
	duplicates         atomic.Int64
	invalidTs          atomic.Int64
	invalidValue       atomic.Int64
	backpressure       atomic.Int64
	batchWrites        atomic.Int64
	batchWriteFailures atomic.Int64
	lastValueUpserts   atomic.Int64
	onlineTouches      atomic.Int64
	commandsIssued     atomic.Int64
	dispatchSuccesses  atomic.Int64
	dispatchFailures   atomic.Int64
	receiptsProcessed  atomic.Int64

	writeLatency        prometheus.Histogram
	endToEndLatency     prometheus.Histogram
	commandIssueLatency prometheus.Histogram
)

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	RawEvents          int64
	InvalidPayload     int64
	NoMapping          int64
	Duplicates         int64
	InvalidTs          int64
	InvalidValue       int64
	Backpressure       int64
	BatchWrites        int64
	BatchWriteFailures int64
	LastValueUpserts   int64
	OnlineTouches      int64
	CommandsIssued     int64
	DispatchSuccesses  int64
	DispatchFailures   int64
	ReceiptsProcessed  int64
}

// Read returns the current counter values.
func Read() Snapshot {
	return Snapshot{
		RawEvents:          rawEvents.Load(),
		InvalidPayload:     invalidPayload.Load(),
		NoMapping:          noMapping.Load(),
		Duplicates:         duplicates.Load(),
		InvalidTs:          invalidTs.Load(),
		InvalidValue:       invalidValue.Load(),
		Backpressure:       backpressure.Load(),
		BatchWrites:        batchWrites.Load(),
		BatchWriteFailures: batchWriteFailures.Load(),
		LastValueUpserts:   lastValueUpserts.Load(),
		OnlineTouches:      onlineTouches.Load(),
		CommandsIssued:     commandsIssued.Load(),
		DispatchSuccesses:  dispatchSuccesses.Load(),
		DispatchFailures:   dispatchFailures.Load(),
		ReceiptsProcessed:  receiptsProcessed.Load(),
	}
}

// Init registers the prometheus collectors once.
func Init(registerer prometheus.Registerer) {
	registerOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		counterFunc := func(name, help string, value *atomic.Int64) prometheus.CounterFunc {
			return prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: metricPrefix + name,
				Help: help,
			}, func() float64 { return float64(value.Load()) })
		}

		latencyBuckets := []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
		writeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "write_latency_ms",
			Help:    "Durable batch write latency in milliseconds",
			Buckets: latencyBuckets,
		})
		endToEndLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "end_to_end_latency_ms",
			Help:    "Latency from point timestamp to durable write in milliseconds",
			Buckets: latencyBuckets,
		})
		commandIssueLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "command_issue_latency_ms",
			Help:    "Command issue latency in milliseconds",
			Buckets: latencyBuckets,
		})

		registerer.MustRegister(
			counterFunc("raw_events_total", "Raw broker events received", &rawEvents),
			counterFunc("invalid_payload_total", "Events dropped for unparseable payloads", &invalidPayload),
			counterFunc("no_mapping_total", "Events dropped for missing point mappings", &noMapping),
			counterFunc("duplicates_total", "Point values suppressed as duplicates", &duplicates),
			counterFunc("invalid_ts_total", "Point values rejected for invalid timestamps", &invalidTs),
			counterFunc("invalid_value_total", "Point values rejected for non-finite values", &invalidValue),
			counterFunc("backpressure_total", "Point values rejected due to a full buffer", &backpressure),
			counterFunc("batch_writes_total", "Durable batch appends", &batchWrites),
			counterFunc("batch_write_failures_total", "Batches dropped after retry exhaustion", &batchWriteFailures),
			counterFunc("last_value_upserts_total", "Last-value cache upserts", &lastValueUpserts),
			counterFunc("online_touches_total", "Online marker refreshes", &onlineTouches),
			counterFunc("commands_issued_total", "Commands issued", &commandsIssued),
			counterFunc("dispatch_successes_total", "Command publishes that succeeded", &dispatchSuccesses),
			counterFunc("dispatch_failures_total", "Command publishes that exhausted retries", &dispatchFailures),
			counterFunc("receipts_processed_total", "Command receipts persisted", &receiptsProcessed),
			writeLatency,
			endToEndLatency,
			commandIssueLatency,
		)
	})
}

// IncRawEvents counts a received broker event.
func IncRawEvents() { rawEvents.Add(1) }

// IncInvalidPayload counts an unparseable payload.
func IncInvalidPayload() { invalidPayload.Add(1) }

// IncNoMapping counts a mapping miss.
func IncNoMapping() { noMapping.Add(1) }

// IncDuplicates counts a suppressed duplicate.
func IncDuplicates() { duplicates.Add(1) }

// IncInvalidTs counts a timestamp rejection.
func IncInvalidTs() { invalidTs.Add(1) }

// IncInvalidValue counts a non-finite value rejection.
func IncInvalidValue() { invalidValue.Add(1) }

// IncBackpressure counts a buffer-full rejection.
func IncBackpressure() { backpressure.Add(1) }

// IncBatchWrites counts a successful durable append.
func IncBatchWrites() { batchWrites.Add(1) }

// IncBatchWriteFailures counts a dropped batch.
func IncBatchWriteFailures() { batchWriteFailures.Add(1) }

// IncLastValueUpserts counts a last-value cache write.
func IncLastValueUpserts() { lastValueUpserts.Add(1) }

// IncOnlineTouches counts an online marker refresh.
func IncOnlineTouches() { onlineTouches.Add(1) }

// IncCommandsIssued counts an issued command.
func IncCommandsIssued() { commandsIssued.Add(1) }

// IncDispatchSuccesses counts a successful command publish.
func IncDispatchSuccesses() { dispatchSuccesses.Add(1) }

// IncDispatchFailures counts an exhausted command publish.
func IncDispatchFailures() { dispatchFailures.Add(1) }

// IncReceiptsProcessed counts a persisted receipt.
func IncReceiptsProcessed() { receiptsProcessed.Add(1) }

// ObserveWriteLatency records a durable write latency.
func ObserveWriteLatency(ms float64) {
	if writeLatency != nil {
		writeLatency.Observe(ms)
	}
}

// ObserveEndToEndLatency records a point-timestamp-to-write latency.
func ObserveEndToEndLatency(ms float64) {
	if endToEndLatency != nil {
		endToEndLatency.Observe(ms)
	}
}

// ObserveCommandIssueLatency records a command issue latency.
func ObserveCommandIssueLatency(ms float64) {
	if commandIssueLatency != nil {
		commandIssueLatency.Observe(ms)
	}
}

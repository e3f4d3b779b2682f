package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCountersAreMonotonic(t *testing.T) {
	before := Read()

	IncRawEvents()
	IncDuplicates()
	IncBatchWrites()
	IncCommandsIssued()

	after := Read()
	if after.RawEvents-before.RawEvents != 1 {
		t.Fatalf("raw_events delta: %d", after.RawEvents-before.RawEvents)
	}
	if after.Duplicates-before.Duplicates != 1 {
		t.Fatalf("duplicates delta: %d", after.Duplicates-before.Duplicates)
	}
	if after.BatchWrites-before.BatchWrites != 1 {
		t.Fatalf("batch_writes delta: %d", after.BatchWrites-before.BatchWrites)
	}
	if after.CommandsIssued-before.CommandsIssued != 1 {
		t.Fatalf("commands_issued delta: %d", after.CommandsIssued-before.CommandsIssued)
	}
}

func TestInitRegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	Init(registry)
	// Init is once-only; a second call must not panic on duplicate
	// registration.
	Init(registry)

	IncRawEvents()
	ObserveWriteLatency(5)
	ObserveEndToEndLatency(12)
	ObserveCommandIssueLatency(3)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := make(map[string]bool)
	for _, family := range families {
		found[family.GetName()] = true
	}
	for _, name := range []string{
		"ems_raw_events_total",
		"ems_duplicates_total",
		"ems_write_latency_ms",
		"ems_end_to_end_latency_ms",
		"ems_command_issue_latency_ms",
	} {
		if !found[name] {
			t.Fatalf("collector %s not registered", name)
		}
	}
}

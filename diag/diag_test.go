package diag

import (
	"bytes"
	"testing"

	"kernmem/stats"
)

func sampleData() []Sample {
	var buddyCounters, slabCounters stats.Allocator
	buddyCounters.Allocations.Add(1234567)
	buddyCounters.Releases.Add(1000000)
	buddyCounters.Failures.Add(3)
	slabCounters.Allocations.Add(42)
	return []Sample{
		{Subsystem: "buddy", Counters: buddyCounters},
		{Subsystem: "slab", Counters: slabCounters},
	}
}

func TestSummaryFormatsEveryRow(t *testing.T) {
	var buf bytes.Buffer
	if err := Summary(&buf, sampleData()); err != nil {
		t.Fatalf("Summary: %v", err)
	}
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("buddy:")) || !bytes.Contains([]byte(out), []byte("slab:")) {
		t.Fatalf("expected a line per subsystem, got %q", out)
	}
}

func TestBuildProducesOneSamplePerSubsystem(t *testing.T) {
	p, err := Build(sampleData())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Sample) != 2 {
		t.Fatalf("len(p.Sample) = %d, want 2", len(p.Sample))
	}
	if len(p.SampleType) != 3 {
		t.Fatalf("len(p.SampleType) = %d, want 3", len(p.SampleType))
	}
}

func TestWriteProfileProducesNonEmptyOutput(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteProfile(&buf, sampleData()); err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("WriteProfile wrote no bytes")
	}
}

func TestBuildWithNoSamplesIsStillValid(t *testing.T) {
	if _, err := Build(nil); err != nil {
		t.Fatalf("Build(nil): %v", err)
	}
}

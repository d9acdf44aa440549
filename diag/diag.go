// Package diag turns the allocation counters the buddy, physical, and
// slab managers already keep (stats.Allocator, gated off by
// stats.Stats) into two kinds of output: a human-readable summary
// formatted with golang.org/x/text/message, and a pprof
// *profile.Profile exportable with the standard pprof toolchain: a
// heap profile of kernel memory, not of the Go runtime's own heap.
package diag

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"kernmem/stats"
)

// Sample is one named counter set, labeled with the subsystem it
// belongs to ("buddy", "physical", "slab", ...).
type Sample struct {
	Subsystem string
	Counters  stats.Allocator
}

// Summary writes a one-line-per-subsystem report of each Sample's
// counters to w, formatted with a message.Printer so large counts read
// with thousands separators.
func Summary(w io.Writer, samples []Sample) error {
	p := message.NewPrinter(language.English)
	for _, s := range samples {
		if _, err := p.Fprintf(w, "%s: %v allocations, %v releases, %v failures\n",
			s.Subsystem, s.Counters.Allocations.Get(), s.Counters.Releases.Get(), s.Counters.Failures.Get()); err != nil {
			return err
		}
	}
	return nil
}

const (
	unitCount = "count"
)

// Build assembles a pprof profile.Profile with one sample per Sample
// entry, each carrying three values (allocations, releases, failures)
// tagged by a "subsystem" location so `pprof -tree` groups them by the
// manager that produced them. The profile has no call stacks in the
// usual pprof sense: each subsystem gets a single synthetic Location,
// since the counters themselves don't carry per-call-site detail.
func Build(samples []Sample) (*profile.Profile, error) {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "allocations", Unit: unitCount},
			{Type: "releases", Unit: unitCount},
			{Type: "failures", Unit: unitCount},
		},
		PeriodType: &profile.ValueType{Type: "snapshot", Unit: unitCount},
		Period:     1,
	}

	for i, s := range samples {
		id := uint64(i + 1)
		fn := &profile.Function{ID: id, Name: s.Subsystem, SystemName: s.Subsystem}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value: []int64{
				s.Counters.Allocations.Get(),
				s.Counters.Releases.Get(),
				s.Counters.Failures.Get(),
			},
			Label: map[string][]string{"subsystem": {s.Subsystem}},
		})
	}

	if err := p.CheckValid(); err != nil {
		return nil, fmt.Errorf("diag: built an invalid profile: %w", err)
	}
	return p, nil
}

// WriteProfile builds a profile from samples and writes it gzip-encoded
// to w, the same wire format pprof.WriteHeapProfile produces.
func WriteProfile(w io.Writer, samples []Sample) error {
	p, err := Build(samples)
	if err != nil {
		return err
	}
	return p.Write(w)
}

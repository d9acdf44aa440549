// Package stats provides the gated allocation counters shared by the
// buddy, physical, and slab managers. Every counter compiles down to
// a no-op when the Stats flag is false, so the hot allocation paths
// pay nothing for instrumentation in the common case.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"
)

// Stats gates every Counter_t operation in this package. Flip to true
// and rebuild to collect allocation counts; left false, Inc and Dec
// compile away to nothing the optimizer can't already see through.
const Stats = false

// Counter_t is a statistical counter incremented from allocator hot
// paths: one per layer (buddy splits, physical allocations, slab
// carves), embedded directly in the owning Manager.
type Counter_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	if Stats {
		atomic.AddInt64((*int64)(unsafe.Pointer(c)), 1)
	}
}

// Dec decrements the counter by one.
func (c *Counter_t) Dec() {
	if Stats {
		atomic.AddInt64((*int64)(unsafe.Pointer(c)), -1)
	}
}

// Add adds n to the counter; n may be negative.
func (c *Counter_t) Add(n int64) {
	if Stats {
		atomic.AddInt64((*int64)(unsafe.Pointer(c)), n)
	}
}

// Get reads the counter's current value. Always callable, even with
// Stats disabled, so a test can assert a counter stays at zero.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(unsafe.Pointer(c)))
}

// Allocator is the fixed set of counters every allocation layer
// reports. One is embedded in each of buddy.Manager, physical.Manager,
// and slab.Manager.
type Allocator struct {
	Allocations Counter_t
	Releases    Counter_t
	Failures    Counter_t
}

// Struct2String renders every Counter_t field of st into a printable
// multi-line report, or the empty string when Stats is disabled. Any
// struct of Counter_t fields works; non-counter fields are skipped.
func Struct2String(st interface{}) string {
	if !Stats {
		return ""
	}
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		if !strings.HasSuffix(v.Field(i).Type().String(), "Counter_t") {
			continue
		}
		n := v.Field(i).Interface().(Counter_t)
		s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
	}
	return s + "\n"
}

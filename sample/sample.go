// Package sample defines the (series-id, timestamp, value) triple that
// flows through the rest of tscore, plus the sorted-run helper the
// sequencer freezes at checkpoints.
package sample

import "sort"

// ValueKind tags whether a Sample carries a float64 or an opaque event
// payload. Events pass through the codec by length-prefixed copy and never
// participate in FCM/DFCM float compression.
type ValueKind uint8

const (
	Float ValueKind = iota
	Event
)

// Sample is the immutable triple accepted by the engine. ID identifies a
// series; TS is nanoseconds since epoch; Value is the float64 when Kind
// is Float (the codec stores its IEEE-754 bit pattern via
// math.Float64bits/Float64frombits, NaN bit patterns included) and
// ignored when Kind is Event, in which case Payload carries the opaque
// bytes.
type Sample struct {
	ID      uint64
	TS      uint64
	Kind    ValueKind
	Value   float64
	Payload []byte
}

// Less orders samples by (TS, ID) ascending, the order sorted runs and
// committed blocks must respect.
func Less(a, b Sample) bool {
	if a.TS != b.TS {
		return a.TS < b.TS
	}
	return a.ID < b.ID
}

// Run is a sorted-run: an in-memory sequence of samples kept ordered by
// (TS, ID) as they arrive. Runs are built by insertion sort because, per
// the sequencer's design, an active run is tiny — typically
// checkpoint_size/nthreads samples — so the O(n) shift on each insert
// never shows up against syscall and codec costs downstream.
type Run struct {
	items []Sample
}

// NewRun allocates a Run with room for capacityHint samples without
// reallocating.
func NewRun(capacityHint int) *Run {
	return &Run{items: make([]Sample, 0, capacityHint)}
}

// Insert places s into the run, keeping items sorted by (TS, ID).
func (r *Run) Insert(s Sample) {
	idx := sort.Search(len(r.items), func(i int) bool {
		return Less(s, r.items[i])
	})
	r.items = append(r.items, Sample{})
	copy(r.items[idx+1:], r.items[idx:])
	r.items[idx] = s
}

// Len reports the number of samples currently held.
func (r *Run) Len() int {
	return len(r.items)
}

// Items returns the run's samples in sorted order. The returned slice
// aliases the run's storage and must not be mutated by the caller.
func (r *Run) Items() []Sample {
	return r.items
}

// Reset empties the run so its backing array can be reused for the next
// checkpoint epoch.
func (r *Run) Reset() {
	r.items = r.items[:0]
}

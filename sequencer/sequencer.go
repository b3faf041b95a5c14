// Package sequencer implements spec.md §4.4: the late-write reordering
// layer. It tolerates samples arriving slightly out of order, freezes
// "sorted runs" at checkpoint boundaries, and merges them into strictly
// (ts,id)-ordered output for the codec.
//
// Grounded directly on original_source/include/sequencer.h's Sequencer
// struct (runs_, ready_, top_timestamp_, checkpoint_, progress_flag_ with
// odd/even parity). There is no background goroutine: Merge runs on the
// caller that observed the rotation, and Close drains on the caller too.
package sequencer

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kepler-ts/tscore/logging"
	"github.com/kepler-ts/tscore/sample"
)

// ErrLateWrite is returned by Add when a sample arrives further back
// than the current window tolerates (spec.md §4.4 step 1).
var ErrLateWrite = errors.New("sequencer: late write")

// MergeSink receives the strictly-ordered output of a completed merge.
// engine.Engine implements this to demultiplex the stream into per-series
// codec.Writer blocks.
type MergeSink interface {
	Write(samples []sample.Sample) error
}

// Sequencer holds per-shard active runs (one per writer thread, per
// spec.md §5: "each writer owns a thread-local active_run") plus the
// frozen runs awaiting merge.
type Sequencer struct {
	windowSize     uint64 // nanoseconds
	checkpointSize int

	topTS      atomic.Uint64
	checkpoint atomic.Uint64
	// progress bit parity: odd means a merge is in progress (spec.md
	// §4.4's progress_flag). Bumped exactly twice per checkpoint epoch:
	// once to go odd on rotation, once to go even when Merge finishes.
	progress atomic.Uint64

	mu         sync.Mutex
	activeRuns map[int]*sample.Run
	readyRuns  []*sample.Run

	log logging.Logger
}

// New constructs a Sequencer with the given window and checkpoint size
// (spec.md §4.4 parameters, fixed at construction).
func New(windowSize uint64, checkpointSize int, log logging.Logger) *Sequencer {
	if log == nil {
		log = logging.Stderr()
	}
	return &Sequencer{
		windowSize:     windowSize,
		checkpointSize: checkpointSize,
		activeRuns:     make(map[int]*sample.Run),
		log:            log,
	}
}

func (s *Sequencer) checkpointFor(ts uint64) uint64 {
	return ts / s.windowSize
}

// casMaxUint64 atomically sets *addr to max(*addr, v).
func casMaxUint64(addr *atomic.Uint64, v uint64) {
	for {
		cur := addr.Load()
		if v <= cur {
			return
		}
		if addr.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Add inserts smp into shard's thread-local active run, keeping it
// sorted by (ts,id). shard identifies the calling writer (spec.md §5:
// "no cross-writer synchronization on the hot path" — each shard's
// insert only takes the shared lock briefly to reach its own run, never
// to coordinate with other shards, except at a checkpoint boundary).
//
// rotated reports whether this call crossed into a new checkpoint epoch;
// the caller that observes rotated == true is responsible for calling
// Merge before its next Add (spec.md §4.4's merge-lock token).
func (s *Sequencer) Add(shard int, smp sample.Sample) (rotated bool, err error) {
	top := s.topTS.Load()
	if top > 0 && smp.TS+s.windowSize < top {
		return false, ErrLateWrite
	}

	newCP := s.checkpointFor(smp.TS)
	if cp := s.checkpoint.Load(); newCP > cp {
		s.mu.Lock()
		if s.checkpoint.Load() < newCP {
			s.rotateLocked(newCP)
			rotated = true
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	run, ok := s.activeRuns[shard]
	if !ok {
		run = sample.NewRun(s.checkpointSize)
		s.activeRuns[shard] = run
	}
	run.Insert(smp)
	s.mu.Unlock()

	casMaxUint64(&s.topTS, smp.TS)
	return rotated, nil
}

// rotateLocked moves every non-empty active run to ready_runs, advances
// checkpoint, and flips progress to odd. Caller holds s.mu.
func (s *Sequencer) rotateLocked(newCP uint64) {
	for shard, r := range s.activeRuns {
		if r.Len() > 0 {
			s.readyRuns = append(s.readyRuns, r)
		}
		delete(s.activeRuns, shard)
	}
	s.checkpoint.Store(newCP)
	s.progress.Add(1)
}

// Merge performs an n-way merge of ready_runs by (ts,id) and feeds the
// result to out. It is idempotent: with no ready runs it is a no-op, so
// a redundant call (e.g. from Close after an already-drained epoch)
// never double-commits. On error from out.Write, the frozen runs are put
// back so a later Merge can retry, per spec.md §4.4's failure semantics.
func (s *Sequencer) Merge(out MergeSink) error {
	s.mu.Lock()
	runs := s.readyRuns
	s.readyRuns = nil
	s.mu.Unlock()

	if len(runs) == 0 {
		// Still pairs off whatever rotateLocked bumped odd, even when
		// there was nothing to merge (e.g. a second Close/Flush in the
		// same lifetime) — otherwise progress would stick on odd forever.
		s.progress.Add(1)
		return nil
	}

	merged := mergeRuns(runs)
	if err := out.Write(merged); err != nil {
		s.log.Errorf("merge write failed, retaining %d runs for retry: %v", len(runs), err)
		s.mu.Lock()
		s.readyRuns = append(runs, s.readyRuns...)
		s.mu.Unlock()
		return err
	}

	s.progress.Add(1)
	return nil
}

// mergeRuns flattens every run (each already sorted by (ts,id)) and
// stably re-sorts; ready_runs are small by construction (spec.md §4.4:
// "tiny, typically <= checkpoint_size/nthreads"), so a single sort is
// simpler than a heap-based k-way merge and still gives the stable
// (ts,id) order spec.md §8 requires.
func mergeRuns(runs []*sample.Run) []sample.Sample {
	total := 0
	for _, r := range runs {
		total += r.Len()
	}
	out := make([]sample.Sample, 0, total)
	for _, r := range runs {
		out = append(out, r.Items()...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return sample.Less(out[i], out[j])
	})
	return out
}

// maxSearchRetries bounds the snapshot-retry loop in Search. One epoch
// change bumps progress twice (on rotation, and again when Merge
// finishes), so a reader that overlaps both bumps needs a third attempt
// to see a stable value; after the last attempt Search returns what it
// read.
const maxSearchRetries = 3

// Search scans active_runs ∪ ready_runs for samples of id within
// [tsFrom, tsTo), using the snapshot-retry protocol against progress so
// a concurrent rotation never yields a torn read (spec.md §4.4).
func (s *Sequencer) Search(id uint64, tsFrom, tsTo uint64) []sample.Sample {
	var out []sample.Sample
	for attempt := 0; attempt < maxSearchRetries; attempt++ {
		before := s.progress.Load()

		out = out[:0]
		s.mu.Lock()
		for _, r := range s.activeRuns {
			appendInRange(&out, r.Items(), id, tsFrom, tsTo)
		}
		for _, r := range s.readyRuns {
			appendInRange(&out, r.Items(), id, tsFrom, tsTo)
		}
		s.mu.Unlock()

		if s.progress.Load() == before {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return sample.Less(out[i], out[j]) })
	return out
}

func appendInRange(out *[]sample.Sample, items []sample.Sample, id, tsFrom, tsTo uint64) {
	for _, smp := range items {
		if smp.ID == id && smp.TS >= tsFrom && smp.TS < tsTo {
			*out = append(*out, smp)
		}
	}
}

// Close forces rotation and merge regardless of checkpoint boundary,
// flushing a partially-filled block. A second Close is a no-op: by then
// activeRuns is empty and readyRuns was already drained by the first
// call's Merge.
func (s *Sequencer) Close(out MergeSink) error {
	s.mu.Lock()
	s.rotateLocked(s.checkpoint.Load() + 1)
	s.mu.Unlock()
	return s.Merge(out)
}

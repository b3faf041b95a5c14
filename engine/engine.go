// Package engine wires Sequencer, BlockCodec, and BlockStore into the
// Producer/Consumer surface spec.md §6 describes: write_sample and scan.
// Grounded on spec.md §2's data-flow diagram and on main.go's DB
// interface shape (Put/Get/Delete/Close), adapted to ingest-and-scan
// rather than key-value semantics.
package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kepler-ts/tscore/codec"
	"github.com/kepler-ts/tscore/config"
	"github.com/kepler-ts/tscore/logging"
	"github.com/kepler-ts/tscore/sample"
	"github.com/kepler-ts/tscore/sequencer"
	"github.com/kepler-ts/tscore/store"
)

// Status is the outcome of WriteSample, mirroring spec.md §6's
// write_sample result set (Ok | LateWrite | Overflow | IOError);
// Overflow never escapes the engine (it's always resolved locally by
// committing a block), so it does not appear here.
type Status int

const (
	Ok Status = iota
	LateWrite
	IOError
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "Ok"
	case LateWrite:
		return "LateWrite"
	case IOError:
		return "IOError"
	default:
		return "Unknown"
	}
}

// Direction selects scan order, per spec.md §6.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Engine is the storage core's single entry point: WriteSample feeds the
// sequencer, which periodically hands frozen runs back to the engine's
// MergeSink.Write, demultiplexing them into per-series codec writers and
// committing full blocks to the block store.
type Engine struct {
	seq   *sequencer.Sequencer
	store *store.BlockStore
	log   logging.Logger

	mu            sync.Mutex
	seriesWriters map[uint64]*codec.Writer
	seriesBlocks  map[uint64][]store.LogicAddr
}

// New creates a fresh engine: a new block store (and MetaVolume) at the
// configured volume paths, plus a sequencer sized from the configured
// window and checkpoint.
func New(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Stderr()
	}
	metaPath := store.DefaultMetaPath(filepath.Dir(cfg.Volumes[0]))
	bs, err := store.Create(metaPath, cfg.Volumes, cfg.VolumeCapacity, cfg.Durability, log)
	if err != nil {
		return nil, fmt.Errorf("engine: create store: %w", err)
	}
	return newEngine(cfg, bs, log), nil
}

// Open reopens an engine from an existing store, rebuilding the
// per-series block index by walking every currently valid LogicAddr
// (spec.md §8 scenario 6: all committed blocks must be readable again).
func Open(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Stderr()
	}
	metaPath := store.DefaultMetaPath(filepath.Dir(cfg.Volumes[0]))
	bs, err := store.Open(metaPath, cfg.Volumes, cfg.Durability, log)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}
	e := newEngine(cfg, bs, log)
	if err := e.rebuildIndex(); err != nil {
		bs.Close()
		return nil, fmt.Errorf("engine: rebuild series index: %w", err)
	}
	return e, nil
}

func newEngine(cfg config.Config, bs *store.BlockStore, log logging.Logger) *Engine {
	return &Engine{
		seq:           sequencer.New(uint64(cfg.WindowSize.Nanoseconds()), cfg.CheckpointSize, log),
		store:         bs,
		log:           log,
		seriesWriters: make(map[uint64]*codec.Writer),
		seriesBlocks:  make(map[uint64][]store.LogicAddr),
	}
}

func (e *Engine) rebuildIndex() error {
	addrs, err := e.store.AllAddrs()
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		b, err := e.store.Read(addr)
		if err != nil {
			if errors.Is(err, store.ErrStale) {
				continue
			}
			return err
		}
		r, err := codec.NewReader(&b)
		if err != nil {
			e.log.Warnf("skipping unreadable block at rebuild: %v", err)
			continue
		}
		if r.Len() == 0 {
			continue
		}
		id := r.Samples()[0].ID
		e.seriesBlocks[id] = append(e.seriesBlocks[id], addr)
	}
	return nil
}

// WriteSample ingests one (id,ts,value) triple. shard identifies the
// calling writer (spec.md §5's thread-local active_run): callers with
// genuinely concurrent writers should pass a stable per-writer index so
// each gets its own active run and avoids contending on insert.
func (e *Engine) WriteSample(shard int, id, ts uint64, value float64) (Status, error) {
	return e.write(shard, sample.Sample{ID: id, TS: ts, Kind: sample.Float, Value: value})
}

// WriteEvent ingests one opaque event sample (spec.md §3's event
// variant), passed through the codec by length-prefixed copy.
func (e *Engine) WriteEvent(shard int, id, ts uint64, payload []byte) (Status, error) {
	return e.write(shard, sample.Sample{ID: id, TS: ts, Kind: sample.Event, Payload: payload})
}

func (e *Engine) write(shard int, s sample.Sample) (Status, error) {
	rotated, err := e.seq.Add(shard, s)
	if err == sequencer.ErrLateWrite {
		return LateWrite, nil
	}
	if err != nil {
		return IOError, err
	}
	if rotated {
		if err := e.seq.Merge(e); err != nil {
			return IOError, err
		}
	}
	return Ok, nil
}

// Write implements sequencer.MergeSink: it demultiplexes a merged,
// (ts,id)-ordered batch into per-series codec writers, committing a
// block to the store whenever a series' writer overflows.
func (e *Engine) Write(samples []sample.Sample) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	byID := make(map[uint64][]sample.Sample)
	var order []uint64
	for _, s := range samples {
		if _, ok := byID[s.ID]; !ok {
			order = append(order, s.ID)
		}
		byID[s.ID] = append(byID[s.ID], s)
	}

	for _, id := range order {
		for _, s := range byID[id] {
			if err := e.appendToSeriesLocked(id, s); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) appendToSeriesLocked(id uint64, s sample.Sample) error {
	w, ok := e.seriesWriters[id]
	if !ok {
		w = codec.NewWriter(id, s.Kind)
		e.seriesWriters[id] = w
	}
	if err := w.Add(s); err == nil {
		return nil
	} else if err != codec.ErrOverflow {
		return fmt.Errorf("engine: encode sample for series %d: %w", id, err)
	}

	if err := e.commitSeriesLocked(id, w); err != nil {
		return err
	}
	fresh := codec.NewWriter(id, s.Kind)
	e.seriesWriters[id] = fresh
	if err := fresh.Add(s); err != nil {
		return fmt.Errorf("engine: sample does not fit a fresh block for series %d: %w", id, err)
	}
	return nil
}

func (e *Engine) commitSeriesLocked(id uint64, w *codec.Writer) error {
	b, err := w.Close()
	if err != nil {
		return fmt.Errorf("engine: close writer for series %d: %w", id, err)
	}
	addr, err := e.store.Append(&b)
	if err != nil {
		return fmt.Errorf("engine: commit block for series %d: %w", id, err)
	}
	e.seriesBlocks[id] = append(e.seriesBlocks[id], addr)
	return nil
}

// Iterator yields (ts,value) samples one at a time in scan order; it is
// finite and non-restartable (spec.md §9: replaces the source's
// stackful-coroutine search with an explicit iterator).
type Iterator struct {
	samples []sample.Sample
	pos     int
}

// Next returns the next sample and true, or a zero Sample and false once
// exhausted.
func (it *Iterator) Next() (sample.Sample, bool) {
	if it.pos >= len(it.samples) {
		return sample.Sample{}, false
	}
	s := it.samples[it.pos]
	it.pos++
	return s, true
}

// Scan returns an iterator over series id's samples in [tsFrom, tsTo),
// combining the sequencer's live window (for not-yet-flushed data) with
// committed blocks from the store. A Stale or BadBlock committed block
// is skipped and logged rather than failing the whole scan — spec.md §7:
// "the query layer... records the span as missing".
func (e *Engine) Scan(id, tsFrom, tsTo uint64, dir Direction) (*Iterator, error) {
	live := e.seq.Search(id, tsFrom, tsTo)

	e.mu.Lock()
	addrs := append([]store.LogicAddr(nil), e.seriesBlocks[id]...)
	e.mu.Unlock()

	var committed []sample.Sample
	for _, addr := range addrs {
		b, err := e.store.Read(addr)
		if err != nil {
			if errors.Is(err, store.ErrStale) {
				e.log.Warnf("scan series %d: stale block, treating span as missing", id)
				continue
			}
			return nil, fmt.Errorf("engine: scan series %d: %w", id, err)
		}
		r, err := codec.NewReader(&b)
		if err != nil {
			e.log.Warnf("scan series %d: bad block, treating span as missing: %v", id, err)
			continue
		}
		for _, s := range r.Samples() {
			if s.TS >= tsFrom && s.TS < tsTo {
				committed = append(committed, s)
			}
		}
	}

	all := append(committed, live...)
	sort.Slice(all, func(i, j int) bool { return sample.Less(all[i], all[j]) })
	if dir == Backward {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}
	return &Iterator{samples: all}, nil
}

// Flush forces rotation and merge of all pending sequencer state, closes
// every open per-series writer into a committed (possibly partial)
// block, then flushes the block store.
func (e *Engine) Flush() error {
	if err := e.seq.Close(e); err != nil {
		return err
	}

	e.mu.Lock()
	for id, w := range e.seriesWriters {
		if w.IsEmpty() {
			continue
		}
		if err := e.commitSeriesLocked(id, w); err != nil {
			e.mu.Unlock()
			return err
		}
		delete(e.seriesWriters, id)
	}
	e.mu.Unlock()

	return e.store.Flush()
}

// Close flushes all pending state and releases the underlying store.
func (e *Engine) Close() error {
	if err := e.Flush(); err != nil {
		return err
	}
	return e.store.Close()
}

package store

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/kepler-ts/tscore/codec"
	"github.com/kepler-ts/tscore/config"
	"github.com/kepler-ts/tscore/logging"
	"github.com/kepler-ts/tscore/volume"
)

// LogicAddr is the opaque 64-bit handle spec.md §3/§6 describes:
// (generation:u32) << 32 | block-index:u32. Its bit layout is not meant
// to be inspected by callers outside this package.
type LogicAddr uint64

func newLogicAddr(generation, blockIndex uint32) LogicAddr {
	return LogicAddr(uint64(generation)<<32 | uint64(blockIndex))
}

func (a LogicAddr) generation() uint32 { return uint32(a >> 32) }
func (a LogicAddr) blockIndex() uint32 { return uint32(a) }

var (
	// ErrStale is returned by Read when addr's generation no longer
	// matches the target volume's current generation.
	ErrStale = errors.New("store: stale address")
	// ErrLost marks a volume that suffered an I/O error and stopped
	// accepting writes.
	ErrLost = errors.New("store: volume lost")
)

// BlockStore hides volume multiplicity behind a flat LogicAddr space
// (spec.md §4.2), built from a set of volume.Volume files plus the
// MetaVolume that mirrors their (nblocks, capacity, generation).
type BlockStore struct {
	volumes      []*volume.Volume
	perVolumeCap uint32
	meta         *MetaVolume
	active       int
	durability   config.Durability
	sinceFlush   int
	log          logging.Logger
}

// Create lays out a brand-new store: one volume.Volume per path, each of
// perVolumeCap blocks, plus a MetaVolume alongside the first volume
// (named metaPath).
func Create(metaPath string, volumePaths []string, perVolumeCap uint32, durability config.Durability, log logging.Logger) (*BlockStore, error) {
	if len(volumePaths) == 0 {
		return nil, fmt.Errorf("store: at least one volume path required")
	}
	caps := make([]uint32, len(volumePaths))
	vols := make([]*volume.Volume, len(volumePaths))
	for i, p := range volumePaths {
		v, err := volume.Create(p, perVolumeCap)
		if err != nil {
			return nil, fmt.Errorf("store: create volume %s: %w", p, err)
		}
		vols[i] = v
		caps[i] = perVolumeCap
	}
	meta, err := CreateMetaVolume(metaPath, caps)
	if err != nil {
		return nil, fmt.Errorf("store: create metavolume: %w", err)
	}
	if log == nil {
		log = logging.Stderr()
	}
	return &BlockStore{
		volumes:      vols,
		perVolumeCap: perVolumeCap,
		meta:         meta,
		durability:   durability,
		log:          log,
	}, nil
}

// Open reopens a store from an existing MetaVolume and volume files,
// trusting MetaVolume's nblocks as each volume's write_pos (spec.md §8
// crash-recovery scenario 6: "write_pos equals MetaVolume nblocks").
func Open(metaPath string, volumePaths []string, durability config.Durability, log logging.Logger) (*BlockStore, error) {
	meta, err := OpenMetaVolume(metaPath, len(volumePaths))
	if err != nil {
		return nil, err
	}
	vols := make([]*volume.Volume, len(volumePaths))
	var perVolumeCap uint32
	for i, p := range volumePaths {
		volCap, err := meta.Capacity(i)
		if err != nil {
			return nil, err
		}
		nblocks, err := meta.NBlocks(i)
		if err != nil {
			return nil, err
		}
		v, err := volume.Open(p, volCap, nblocks)
		if err != nil {
			return nil, fmt.Errorf("store: reopen volume %s: %w", p, err)
		}
		vols[i] = v
		perVolumeCap = volCap
	}
	if log == nil {
		log = logging.Stderr()
	}
	return &BlockStore{
		volumes:      vols,
		perVolumeCap: perVolumeCap,
		meta:         meta,
		durability:   durability,
		log:          log,
	}, nil
}

// DefaultMetaPath places the MetaVolume alongside the given volume
// directory under a fixed name, a convenience for engine and tests;
// callers that want a specific path use Create/Open directly.
func DefaultMetaPath(dir string) string { return filepath.Join(dir, "meta.vol") }

// Append writes block to the active volume, rotating (and, if the
// target volume already held content, bumping its generation) on
// overflow, then persists the updated (nblocks, generation) to
// MetaVolume before returning — the MetaVolume write is the commit
// point (spec.md §4.2).
func (bs *BlockStore) Append(b *codec.Block) (LogicAddr, error) {
	idx, err := bs.volumes[bs.active].AppendBlock(b)
	if errors.Is(err, volume.ErrOverflow) {
		if err := bs.rotate(); err != nil {
			return 0, err
		}
		idx, err = bs.volumes[bs.active].AppendBlock(b)
		if err != nil {
			return 0, bs.ioFailure(bs.active, err)
		}
	} else if err != nil {
		return 0, bs.ioFailure(bs.active, err)
	}

	gen, _ := bs.meta.Generation(bs.active)
	if err := bs.meta.SetNBlocks(bs.active, idx+1); err != nil {
		return 0, err
	}
	if err := bs.maybeFlushMeta(); err != nil {
		return 0, err
	}

	addr := newLogicAddr(gen, bs.globalIndex(bs.active, idx))
	return addr, nil
}

// rotate advances active_volume round-robin; if the newly selected
// volume already has content, it bumps that volume's generation (making
// every LogicAddr into its old content Stale) and resets it, per the
// exact six-step protocol in spec.md §4.2.
func (bs *BlockStore) rotate() error {
	next := (bs.active + 1) % len(bs.volumes)
	v := bs.volumes[next]
	if v.WritePos() > 0 {
		gen, err := bs.meta.Generation(next)
		if err != nil {
			return err
		}
		v.Reset()
		if err := bs.meta.SetGeneration(next, gen+1); err != nil {
			return err
		}
		if err := bs.meta.SetNBlocks(next, 0); err != nil {
			return err
		}
	}
	if err := bs.meta.Flush(); err != nil {
		return fmt.Errorf("store: flush metavolume after rotation: %w", err)
	}
	bs.active = next
	return nil
}

func (bs *BlockStore) ioFailure(volIdx int, err error) error {
	bs.log.Errorf("volume %d lost: %v", volIdx, err)
	return fmt.Errorf("%w: %v", ErrLost, err)
}

// maybeFlushMeta applies the durability policy from spec.md §6: MaxSafety
// flushes every append, Balanced every config.BalancedBatchSize appends,
// MaxThroughput only on an explicit Flush call.
func (bs *BlockStore) maybeFlushMeta() error {
	switch bs.durability {
	case config.MaxSafety:
		return bs.meta.Flush()
	case config.Balanced:
		bs.sinceFlush++
		if bs.sinceFlush >= config.BalancedBatchSize {
			bs.sinceFlush = 0
			return bs.meta.Flush()
		}
		return nil
	default: // MaxThroughput
		return nil
	}
}

// globalIndex maps a (volume index, per-volume block index) pair to the
// flat block-index half of a LogicAddr.
func (bs *BlockStore) globalIndex(volIdx int, blockIdx uint32) uint32 {
	return uint32(volIdx)*bs.perVolumeCap + blockIdx
}

func (bs *BlockStore) splitIndex(global uint32) (volIdx int, blockIdx uint32) {
	return int(global / bs.perVolumeCap), global % bs.perVolumeCap
}

// Read decodes addr's (generation, block-index), rejects it with
// ErrStale if the target volume's current generation has moved on, and
// otherwise returns the stored block.
func (bs *BlockStore) Read(addr LogicAddr) (codec.Block, error) {
	volIdx, blockIdx := bs.splitIndex(addr.blockIndex())
	if volIdx < 0 || volIdx >= len(bs.volumes) {
		return codec.Block{}, volume.ErrOutOfRange
	}
	gen, err := bs.meta.Generation(volIdx)
	if err != nil {
		return codec.Block{}, err
	}
	if gen != addr.generation() {
		return codec.Block{}, ErrStale
	}
	b, err := bs.volumes[volIdx].ReadBlock(blockIdx)
	if errors.Is(err, volume.ErrOutOfRange) {
		return codec.Block{}, err
	}
	if err != nil {
		return codec.Block{}, bs.ioFailure(volIdx, err)
	}
	return b, nil
}

// Flush flushes MetaVolume, then every volume, in that order (spec.md
// §4.2: "flush MetaVolume, then all volumes").
func (bs *BlockStore) Flush() error {
	if err := bs.meta.Flush(); err != nil {
		return err
	}
	for i, v := range bs.volumes {
		if err := v.Flush(bs.durability == config.MaxSafety); err != nil {
			return bs.ioFailure(i, err)
		}
	}
	return nil
}

// VolumeStats is one entry of BlockStore.Stats.
type VolumeStats struct {
	NBlocks   uint32
	BlockSize int
}

// Stats reports (nblocks, block_size) per volume, per spec.md §4.2.
func (bs *BlockStore) Stats() ([]VolumeStats, error) {
	out := make([]VolumeStats, len(bs.volumes))
	for i := range bs.volumes {
		n, err := bs.meta.NBlocks(i)
		if err != nil {
			return nil, err
		}
		out[i] = VolumeStats{NBlocks: n, BlockSize: codec.BlockSize}
	}
	return out, nil
}

// AllAddrs returns every currently valid LogicAddr in (volume, block) order.
// A caller that doesn't persist its own per-series block index (engine
// doesn't) uses this to rebuild one after Open.
func (bs *BlockStore) AllAddrs() ([]LogicAddr, error) {
	var out []LogicAddr
	for i := range bs.volumes {
		n, err := bs.meta.NBlocks(i)
		if err != nil {
			return nil, err
		}
		gen, err := bs.meta.Generation(i)
		if err != nil {
			return nil, err
		}
		for b := uint32(0); b < n; b++ {
			out = append(out, newLogicAddr(gen, bs.globalIndex(i, b)))
		}
	}
	return out, nil
}

// Close releases every underlying volume's file handles.
func (bs *BlockStore) Close() error {
	var firstErr error
	for _, v := range bs.volumes {
		if err := v.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

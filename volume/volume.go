// Package volume implements spec.md §4.1: typed raw-block I/O over a
// fixed-capacity file. Layout is generalized from
// segmentmanager/disk.go's diskSegmentManager (file lifecycle,
// isDirectoryValid-style checks, os.Create/os.OpenFile) away from
// unbounded rotating log segments and onto a single pre-sized, circular
// block file, per original_source/libakumuli/volume.cpp's real
// Volume::append_block/read_block semantics.
package volume

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sys/unix"
	"gopkg.in/gholt/brimutil.v1"

	"github.com/kepler-ts/tscore/codec"
)

// BlockSize re-exports codec.BlockSize so callers don't need to import
// codec just to size a Volume.
const BlockSize = codec.BlockSize

var (
	// ErrOverflow is returned by AppendBlock when the volume has no free
	// slot left (write_pos >= capacity), matching volume.cpp's
	// AKU_EOVERFLOW with no implicit wraparound.
	ErrOverflow = errors.New("volume: overflow")
	// ErrOutOfRange is returned by ReadBlock for an index >= capacity.
	ErrOutOfRange = errors.New("volume: out of range")
	// ErrIO marks a volume "lost": the file is unusable and the caller
	// (BlockStore) must stop issuing writes against it (spec.md §4.1).
	ErrIO = errors.New("volume: io error")
)

// Volume is a file of exactly capacity*BlockSize bytes, appended to as a
// circular buffer by its owning BlockStore. Volume itself never wraps or
// bumps generations — that split is BlockStore's job (spec.md §4.2), per
// volume.cpp's real append_block, which only ever returns AKU_EOVERFLOW.
type Volume struct {
	mu       sync.Mutex
	f        *os.File
	capacity uint32
	writePos uint32
	readOnly bool

	// checksums holds a murmur3.Sum32 of every occupied block, rebuilt on
	// Open by rehashing the file directly; ReadBlock compares against it
	// to catch media-level corruption before a Block ever reaches codec —
	// the codec's on-disk block has no checksum of its own (spec.md §6's
	// byte-exact layout leaves no room for one).
	checksums []uint32
	occupied  *bitset.BitSet

	// seriesFilter backs MayContain: it answers whether a series may have
	// a block in this volume without paying for a read_block syscall.
	// BlockStore does not consult it.
	seriesFilter *bloom.BloomFilter

	// trail is an append-only, brimutil-checksummed audit log mirroring
	// every committed block (one checksummed interval per block, since
	// checksumInterval == BlockSize). It is not on Volume's read path —
	// embedding brimutil's own inline checksum bytes into the primary
	// file would break spec.md §6's "raw concatenation of 4096-B blocks;
	// no per-file header" byte-exact layout — but VerifyTrail lets
	// tooling independently confirm every append actually reached disk
	// uncorrupted.
	trail       *os.File
	trailWriter brimutil.ChecksummedWriter
}

func trailPath(path string) string { return path + ".trail" }

// Create allocates a new, zero-filled volume file of capacity*BlockSize
// bytes and its companion audit trail.
func Create(path string, capacity uint32) (*Volume, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("volume: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(capacity) * BlockSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("volume: truncate %s: %w", path, err)
	}

	trail, err := os.Create(trailPath(path))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("volume: create trail for %s: %w", path, err)
	}

	v := &Volume{
		f:            f,
		capacity:     capacity,
		writePos:     0,
		checksums:    make([]uint32, capacity),
		occupied:     bitset.New(uint(capacity)),
		seriesFilter: newSeriesFilter(capacity),
		trail:        trail,
		trailWriter:  brimutil.NewChecksummedWriter(trail, BlockSize, murmur3.New32),
	}
	return v, nil
}

// Open reopens an existing volume file at the write position the caller
// (normally BlockStore, from MetaVolume) believes is current, rebuilding
// the in-memory checksum and occupancy state by rehashing every already
// written block.
func Open(path string, capacity, writePos uint32) (*Volume, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("volume: open %s: %w", path, err)
	}
	trail, err := os.OpenFile(trailPath(path), os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("volume: open trail for %s: %w", path, err)
	}

	v := &Volume{
		f:            f,
		capacity:     capacity,
		writePos:     writePos,
		checksums:    make([]uint32, capacity),
		occupied:     bitset.New(uint(capacity)),
		seriesFilter: newSeriesFilter(capacity),
		trail:        trail,
		trailWriter:  brimutil.NewChecksummedWriter(trail, BlockSize, murmur3.New32),
	}

	var buf [BlockSize]byte
	for i := uint32(0); i < writePos; i++ {
		if _, err := f.ReadAt(buf[:], int64(i)*BlockSize); err != nil {
			f.Close()
			trail.Close()
			return nil, fmt.Errorf("volume: rehash block %d of %s: %w", i, path, err)
		}
		v.checksums[i] = murmur3.Sum32(buf[:])
		v.occupied.Set(uint(i))

		r, err := codec.NewReader((*codec.Block)(&buf))
		if err == nil {
			v.seriesFilter.Add(seriesKey(samplesSeriesID(r)))
		}
	}
	return v, nil
}

func newSeriesFilter(capacity uint32) *bloom.BloomFilter {
	n := uint(capacity)
	if n == 0 {
		n = 1
	}
	return bloom.NewWithEstimates(n, 0.01)
}

func seriesKey(id uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], id)
	return buf[:]
}

// samplesSeriesID reads the series id a decoded block belongs to,
// without needing Reader to expose it directly: every sample it holds
// carries the same ID (Design note #2: one series per block).
func samplesSeriesID(r *codec.Reader) uint64 {
	if r.Len() == 0 {
		return 0
	}
	return r.Samples()[0].ID
}

// AppendBlock writes b at write_pos*BlockSize and advances write_pos.
// Returns ErrOverflow once the volume has no slot left; the caller
// (BlockStore) must rotate to another volume. ErrIO marks the volume
// read-only: spec.md §4.1 treats I/O failure here as fatal for this
// volume specifically, not the whole store.
func (v *Volume) AppendBlock(b *codec.Block) (index uint32, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.readOnly {
		return 0, ErrIO
	}
	if v.writePos >= v.capacity {
		return 0, ErrOverflow
	}

	pos := v.writePos
	if _, err := v.f.WriteAt(b[:], int64(pos)*BlockSize); err != nil {
		v.readOnly = true
		return 0, fmt.Errorf("volume: write block %d: %w: %v", pos, ErrIO, err)
	}
	if _, err := v.trailWriter.Write(b[:]); err != nil {
		// the audit trail is advisory; losing it does not invalidate the
		// primary write that already landed on disk
		v.trailWriter = brimutil.NewChecksummedWriter(v.trail, BlockSize, murmur3.New32)
	}

	v.checksums[pos] = murmur3.Sum32(b[:])
	v.occupied.Set(uint(pos))
	if r, decodeErr := codec.NewReader(b); decodeErr == nil {
		v.seriesFilter.Add(seriesKey(samplesSeriesID(r)))
	}
	v.writePos++
	return pos, nil
}

// ReadBlock returns the block at index, failing ErrOutOfRange when
// index >= capacity and ErrIO when the on-disk bytes don't match the
// checksum recorded at append time.
func (v *Volume) ReadBlock(index uint32) (codec.Block, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if index >= v.capacity {
		return codec.Block{}, ErrOutOfRange
	}
	if !v.occupied.Test(uint(index)) {
		return codec.Block{}, ErrOutOfRange
	}

	var b codec.Block
	if _, err := v.f.ReadAt(b[:], int64(index)*BlockSize); err != nil {
		v.readOnly = true
		return codec.Block{}, fmt.Errorf("volume: read block %d: %w: %v", index, ErrIO, err)
	}
	if murmur3.Sum32(b[:]) != v.checksums[index] {
		return codec.Block{}, fmt.Errorf("volume: block %d checksum mismatch: %w", index, ErrIO)
	}
	return b, nil
}

// Flush forwards to the OS: *os.File.Sync for both the primary file and
// the audit trail, plus an Fdatasync for MaxSafety-grade durability
// (extending wal/wal_writer.go's plain w.f.Sync() with the extra step).
func (v *Volume) Flush(durable bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.f.Sync(); err != nil {
		return fmt.Errorf("volume: sync: %w: %v", ErrIO, err)
	}
	if err := v.trail.Sync(); err != nil {
		return fmt.Errorf("volume: sync trail: %w: %v", ErrIO, err)
	}
	if durable {
		if err := unix.Fdatasync(int(v.f.Fd())); err != nil {
			return fmt.Errorf("volume: fdatasync: %w: %v", ErrIO, err)
		}
	}
	return nil
}

// VerifyTrail replays the audit trail from the start and confirms every
// recorded interval's checksum still matches, returning the number of
// valid blocks it found. It is not on any read/write path and nothing in
// this module calls it; it lets tooling double-check a volume
// independently of the in-memory checksum table ReadBlock uses.
func (v *Volume) VerifyTrail() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.trail.Sync(); err != nil {
		return 0, fmt.Errorf("volume: sync trail before verify: %w: %v", ErrIO, err)
	}
	f, err := os.Open(trailPath(v.path()))
	if err != nil {
		return 0, fmt.Errorf("volume: reopen trail: %w: %v", ErrIO, err)
	}
	defer f.Close()

	reader := brimutil.NewChecksummedReader(f, BlockSize, murmur3.New32)
	var buf [BlockSize]byte
	count := 0
	for {
		if _, err := io.ReadFull(reader, buf[:]); err != nil {
			break
		}
		count++
	}
	return count, nil
}

func (v *Volume) path() string { return v.f.Name() }

// WritePos reports the next index AppendBlock will use.
func (v *Volume) WritePos() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writePos
}

// Capacity reports the number of blocks the volume holds.
func (v *Volume) Capacity() uint32 { return v.capacity }

// ReadOnly reports whether a prior I/O failure marked this volume lost.
func (v *Volume) ReadOnly() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.readOnly
}

// MayContain reports whether the volume's Bloom filter admits the
// possibility that seriesID has a block here; false is a reliable
// negative, true requires confirmation by reading.
func (v *Volume) MayContain(seriesID uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seriesFilter.Test(seriesKey(seriesID))
}

// Reset clears write_pos, occupancy, checksums, and the series filter,
// as happens when BlockStore recycles a full volume into a new
// generation (spec.md §4.2 step 3).
func (v *Volume) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.writePos = 0
	v.readOnly = false
	v.occupied.ClearAll()
	for i := range v.checksums {
		v.checksums[i] = 0
	}
	v.seriesFilter = newSeriesFilter(v.capacity)
}

// Close releases the volume's file handles.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	err1 := v.f.Close()
	err2 := v.trail.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

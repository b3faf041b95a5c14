// Package store implements spec.md §4.2: MetaVolume (the single source
// of truth for volume state) and BlockStore (the flat LogicAddr space
// built on top of a set of volume.Volume files).
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// metaSlotSize is spec.md §6's MetaVolume slot: five packed little-endian
// u32 fields, zero-padded to one 4096-byte slot so each volume gets its
// own aligned region (matching volume.cpp's one-VolumeRef-per-4096-byte
// page layout).
const metaSlotSize = 4096

// ErrOutOfRange is returned by SetCapacity/SetGeneration for a slot id
// that doesn't exist, replacing volume.cpp's MetaVolume::set_capacity /
// set_generation bug (both fall through to AKU_EBAD_ARG unconditionally,
// even on success — spec.md §9 Open Questions, resolved here).
var ErrOutOfRange = errors.New("store: out of range")

// slot mirrors volume.cpp's VolumeRef struct: version, id, nblocks,
// capacity, generation, each a plain uint32.
type slot struct {
	version    uint32
	id         uint32
	nblocks    uint32
	capacity   uint32
	generation uint32
}

const metaVersion = 1

func (s slot) encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], s.version)
	binary.LittleEndian.PutUint32(dst[4:8], s.id)
	binary.LittleEndian.PutUint32(dst[8:12], s.nblocks)
	binary.LittleEndian.PutUint32(dst[12:16], s.capacity)
	binary.LittleEndian.PutUint32(dst[16:20], s.generation)
}

func decodeSlot(src []byte) slot {
	return slot{
		version:    binary.LittleEndian.Uint32(src[0:4]),
		id:         binary.LittleEndian.Uint32(src[4:8]),
		nblocks:    binary.LittleEndian.Uint32(src[8:12]),
		capacity:   binary.LittleEndian.Uint32(src[12:16]),
		generation: binary.LittleEndian.Uint32(src[16:20]),
	}
}

// MetaVolume is the num_volumes*4096-byte file tracking per-volume
// (nblocks, capacity, generation). It is the commit point: a BlockStore
// append is not durable until its MetaVolume slot has been written and
// flushed (spec.md §4.2).
type MetaVolume struct {
	path  string
	slots []slot
}

// CreateMetaVolume writes a fresh MetaVolume with one slot per given
// capacity, all starting at generation 0 and nblocks 0.
func CreateMetaVolume(path string, capacities []uint32) (*MetaVolume, error) {
	mv := &MetaVolume{path: path, slots: make([]slot, len(capacities))}
	for i, c := range capacities {
		mv.slots[i] = slot{version: metaVersion, id: uint32(i), capacity: c}
	}
	if err := mv.flushLocked(); err != nil {
		return nil, err
	}
	return mv, nil
}

// OpenMetaVolume reads an existing MetaVolume file of n slots.
func OpenMetaVolume(path string, n int) (*MetaVolume, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: open metavolume %s: %w", path, err)
	}
	if len(data) < n*metaSlotSize {
		return nil, fmt.Errorf("store: metavolume %s too short for %d slots", path, n)
	}
	mv := &MetaVolume{path: path, slots: make([]slot, n)}
	for i := 0; i < n; i++ {
		mv.slots[i] = decodeSlot(data[i*metaSlotSize : i*metaSlotSize+20])
	}
	return mv, nil
}

// NBlocks returns volume i's recorded block count.
func (mv *MetaVolume) NBlocks(i int) (uint32, error) {
	if i < 0 || i >= len(mv.slots) {
		return 0, ErrOutOfRange
	}
	return mv.slots[i].nblocks, nil
}

// Generation returns volume i's recorded generation.
func (mv *MetaVolume) Generation(i int) (uint32, error) {
	if i < 0 || i >= len(mv.slots) {
		return 0, ErrOutOfRange
	}
	return mv.slots[i].generation, nil
}

// Capacity returns volume i's recorded capacity.
func (mv *MetaVolume) Capacity(i int) (uint32, error) {
	if i < 0 || i >= len(mv.slots) {
		return 0, ErrOutOfRange
	}
	return mv.slots[i].capacity, nil
}

// SetNBlocks records volume i's current block count.
func (mv *MetaVolume) SetNBlocks(i int, n uint32) error {
	if i < 0 || i >= len(mv.slots) {
		return ErrOutOfRange
	}
	mv.slots[i].nblocks = n
	return nil
}

// SetGeneration records volume i's generation. Returns nil on an
// in-range id (not volume.cpp's always-EBAD_ARG bug) and ErrOutOfRange
// otherwise.
func (mv *MetaVolume) SetGeneration(i int, gen uint32) error {
	if i < 0 || i >= len(mv.slots) {
		return ErrOutOfRange
	}
	mv.slots[i].generation = gen
	return nil
}

// SetCapacity records volume i's capacity. Same resolved semantics as
// SetGeneration.
func (mv *MetaVolume) SetCapacity(i int, capacity uint32) error {
	if i < 0 || i >= len(mv.slots) {
		return ErrOutOfRange
	}
	mv.slots[i].capacity = capacity
	return nil
}

// Flush persists every slot atomically: the whole file is rewritten via
// github.com/natefinch/atomic so a crash mid-write never leaves a torn
// MetaVolume (the "MetaVolume update is the commit point" guarantee from
// spec.md §4.2), rather than segmentmanager/disk.go's plain
// os.Create-and-write-in-place approach, which a WAL segment can afford
// but MetaVolume cannot.
func (mv *MetaVolume) Flush() error {
	return mv.flushLocked()
}

func (mv *MetaVolume) flushLocked() error {
	buf := make([]byte, len(mv.slots)*metaSlotSize)
	for i, s := range mv.slots {
		s.encode(buf[i*metaSlotSize : i*metaSlotSize+20])
	}
	if err := atomic.WriteFile(mv.path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("store: commit metavolume: %w", err)
	}
	return nil
}

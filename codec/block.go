// Package codec implements the fixed 4096-byte block codec from spec.md
// §4.3: delta-of-delta timestamps with VByte framing, and FCM/DFCM
// predictor XOR encoding for float64 values. One block always holds
// samples from a single series (spec.md §3).
//
// Framing follows sst/writer.go's manual encoding/binary style rather
// than a generic serialization library — there is no third-party
// VByte/delta-of-delta codec in the example pack to reach for, and the
// teacher's own framing code is entirely hand-rolled in the same way.
// Unlike sst/writer.go's data blocks, this header carries no checksum of
// its own: spec.md §6 pins the on-disk layout byte-exact with no room for
// one, and volume.Volume's murmur3 checksum table already guards against
// media-level corruption one layer down.
package codec

import (
	"encoding/binary"
	"errors"
)

const (
	// BlockSize is the fixed on-disk size of every block (spec.md §3/§6).
	BlockSize = 4096

	// headerSize is series_id(8) + count(2) + version(2) + ts_bytes(2) +
	// reserved(2), spec.md §6's on-disk layout byte-exact: no trailing
	// checksum field. Media-level corruption is caught one layer down,
	// by volume.Volume's own murmur3 checksum table (ReadBlock) and
	// companion trail audit log — see DESIGN.md.
	headerSize = 16

	blockVersion = 1

	// chunkSize is the number of (ts,value) pairs grouped into one
	// timestamp/value stripe pair (spec.md §4.3).
	chunkSize = 16
)

var (
	// ErrOverflow is returned by Writer.Add when the next chunk's
	// worst-case encoded size would not fit in the remaining block space.
	ErrOverflow = errors.New("codec: block overflow")
	// ErrBadBlock is returned by the reader when a block's header or
	// stripe framing is internally inconsistent.
	ErrBadBlock = errors.New("codec: bad block")
	// ErrClosed is returned by Add once the writer has been closed.
	ErrClosed = errors.New("codec: writer closed")
)

// Block is the on-disk, content-addressed unit BlockStore appends and
// reads: exactly BlockSize bytes, immutable once committed.
type Block [BlockSize]byte

// header mirrors spec.md §6's on-disk layout exactly: u64 series_id | u16
// count | u16 version | u16 ts_bytes | u16 reserved, with nothing past
// byte 16. The "reserved" word carries the block's sample.ValueKind so a
// committed block is self-describing: a reader never has to be told
// out-of-band whether it holds floats or events.
type header struct {
	seriesID uint64
	count    uint16
	version  uint16
	tsBytes  uint16
	kind     uint16
}

func (h header) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], h.seriesID)
	binary.LittleEndian.PutUint16(dst[8:10], h.count)
	binary.LittleEndian.PutUint16(dst[10:12], h.version)
	binary.LittleEndian.PutUint16(dst[12:14], h.tsBytes)
	binary.LittleEndian.PutUint16(dst[14:16], h.kind)
}

func decodeHeader(src []byte) header {
	return header{
		seriesID: binary.LittleEndian.Uint64(src[0:8]),
		count:    binary.LittleEndian.Uint16(src[8:10]),
		version:  binary.LittleEndian.Uint16(src[10:12]),
		tsBytes:  binary.LittleEndian.Uint16(src[12:14]),
		kind:     binary.LittleEndian.Uint16(src[14:16]),
	}
}

package codec

import (
	"errors"
	"math"

	"github.com/kepler-ts/tscore/sample"
)

// ErrNoData is returned by Reader.Next once every committed sample has
// been delivered. It is not an error condition — it is the cursor's
// end-of-block signal, mirroring spec.md §6's scan API.
var ErrNoData = errors.New("codec: no data")

// Reader decodes a committed Block back into its samples. Decoding is
// eager (NewReader unpacks every chunk up front) so that a structurally
// malformed block is rejected before any sample is ever handed to a
// caller, rather than failing midway through a scan.
type Reader struct {
	seriesID uint64
	kind     sample.ValueKind
	samples  []sample.Sample

	pos int
	dir direction
}

// direction selects which end of the decoded sample slice Next consumes
// from, so the same Reader serves both chronological and reverse scans
// (spec.md §6) without re-decoding the block.
type direction int

const (
	Forward direction = iota
	Backward
)

// NewReader parses b's header and decodes every chunk in both the
// timestamp and value/event sections. It returns ErrBadBlock if the
// header's version is unrecognized or any stripe is malformed. Media-level
// corruption is caught a layer down, by volume.Volume.ReadBlock's own
// checksum before a Block ever reaches here.
func NewReader(b *Block) (*Reader, error) {
	h := decodeHeader(b[:headerSize])
	if h.version != blockVersion {
		return nil, ErrBadBlock
	}

	tsStart := headerSize
	valStart := headerSize + int(h.tsBytes)
	if valStart > BlockSize {
		return nil, ErrBadBlock
	}

	kind := sample.ValueKind(h.kind)
	count := int(h.count)

	timestamps, err := decodeAllTimestamps(b[tsStart:valStart], count)
	if err != nil {
		return nil, err
	}

	var values []uint64
	var payloads [][]byte
	if kind == sample.Event {
		payloads, _, err = decodeAllEvents(b[valStart:], count)
	} else {
		values, _, err = decodeAllValues(b[valStart:], count)
	}
	if err != nil {
		return nil, err
	}

	samples := make([]sample.Sample, count)
	for i := 0; i < count; i++ {
		s := sample.Sample{ID: h.seriesID, TS: uint64(timestamps[i]), Kind: kind}
		if kind == sample.Event {
			s.Payload = payloads[i]
		} else {
			s.Value = math.Float64frombits(values[i])
		}
		samples[i] = s
	}

	return &Reader{seriesID: h.seriesID, kind: kind, samples: samples}, nil
}

// decodeAllTimestamps walks every chunk in the timestamp section,
// reconstructing absolute timestamps from the leading raw value and the
// delta-of-delta stream that follows it.
func decodeAllTimestamps(src []byte, count int) ([]int64, error) {
	out := make([]int64, 0, count)
	if count == 0 {
		return out, nil
	}

	pos := 0
	if pos+8 > len(src) {
		return nil, ErrBadBlock
	}
	firstTS := int64(bigEndianU64(src[pos : pos+8]))
	pos += 8
	out = append(out, firstTS)

	prevTS := firstTS
	prevDelta := int64(0)
	remaining := count - 1
	// The first chunk pairs the raw leading timestamp with only
	// chunkSize-1 dd values (it still covers chunkSize samples total);
	// every later chunk covers a full chunkSize of dd values.
	firstChunkCap := chunkSize - 1

	for remaining > 0 {
		limit := chunkSize
		if firstChunkCap >= 0 {
			limit = firstChunkCap
			firstChunkCap = -1
		}
		n := remaining
		if n > limit {
			n = limit
		}
		dd, next, err := decodeTSChunk(src, pos, n)
		if err != nil {
			return nil, err
		}
		pos = next
		for _, d := range dd {
			delta := prevDelta + d
			ts := prevTS + delta
			out = append(out, ts)
			prevDelta = delta
			prevTS = ts
		}
		remaining -= n
	}
	return out, nil
}

// decodeAllValues walks every chunk in the value section, running the
// same predictor-update sequence the writer used so the XOR stream
// inverts exactly.
func decodeAllValues(src []byte, count int) ([]uint64, int, error) {
	out := make([]uint64, 0, count)
	var p predictors
	pos := 0
	remaining := count
	for remaining > 0 {
		n := remaining
		if n > chunkSize {
			n = chunkSize
		}
		vals, next, err := decodeValueChunk(src, pos, n, &p)
		if err != nil {
			return nil, pos, err
		}
		out = append(out, vals...)
		pos = next
		remaining -= n
	}
	return out, pos, nil
}

func decodeAllEvents(src []byte, count int) ([][]byte, int, error) {
	out := make([][]byte, 0, count)
	pos := 0
	remaining := count
	for remaining > 0 {
		n := remaining
		if n > chunkSize {
			n = chunkSize
		}
		payloads, next, err := decodeEventChunk(src, pos, n)
		if err != nil {
			return nil, pos, err
		}
		out = append(out, payloads...)
		pos = next
		remaining -= n
	}
	return out, pos, nil
}

// Len reports the total number of samples the block holds.
func (r *Reader) Len() int {
	return len(r.samples)
}

// Samples returns every decoded sample in ascending timestamp order. The
// returned slice aliases the Reader's storage and must not be mutated.
func (r *Reader) Samples() []sample.Sample {
	return r.samples
}

// Seek resets the cursor to the start of a scan in the given direction:
// index 0 for Forward, the last sample for Backward.
func (r *Reader) Seek(dir direction) {
	r.dir = dir
	if dir == Backward {
		r.pos = len(r.samples) - 1
	} else {
		r.pos = 0
	}
}

// Next returns the next sample in the cursor's scan direction, or
// ErrNoData once the block is exhausted.
func (r *Reader) Next() (sample.Sample, error) {
	if r.pos < 0 || r.pos >= len(r.samples) {
		return sample.Sample{}, ErrNoData
	}
	s := r.samples[r.pos]
	if r.dir == Backward {
		r.pos--
	} else {
		r.pos++
	}
	return s, nil
}

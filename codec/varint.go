package codec

import "errors"

// ErrTruncated is returned by varint decoding when the byte slice ends
// before a terminating (high-bit-clear) byte is found.
var ErrTruncated = errors.New("codec: truncated varint")

// appendVarint appends v to dst using the VByte/Base128 scheme: 7 payload
// bits per byte, continuation signaled by the high bit. This is the
// variable-length integer framing used throughout the timestamp and event
// stripes.
func appendVarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// varintSize reports how many bytes appendVarint would emit for v.
func varintSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// readVarint decodes a VByte-framed value starting at src[pos] and returns
// the value and the position immediately after it.
func readVarint(src []byte, pos int) (uint64, int, error) {
	var result uint64
	var shift uint
	for {
		if pos >= len(src) {
			return 0, pos, ErrTruncated
		}
		b := src[pos]
		pos++
		result |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, pos, nil
		}
		shift += 7
		if shift > 63 {
			return 0, pos, ErrTruncated
		}
	}
}

// zigzagEncode maps a signed value onto the unsigned range so that small
// magnitude values (positive or negative) stay small after encoding.
func zigzagEncode(v int64) uint64 {
	return (uint64(v) << 1) ^ uint64(v>>63)
}

// zigzagDecode reverses zigzagEncode.
func zigzagDecode(z uint64) int64 {
	return int64(z>>1) ^ -int64(z&1)
}

const maxVarintBytes = 10 // ceil(64/7), the worst case for a zigzagged int64/uint64

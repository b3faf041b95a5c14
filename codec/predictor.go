package codec

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// fcmBits/dfcmBits size the FCM and DFCM predictor tables. Both tables are
// stack-local to a single Writer/Reader (§5: "Predictor tables in the
// codec: stack-local to one encode/decode call — no sharing"), so a small
// power-of-two keeps allocation and reset cheap without materially hurting
// hit rate at the ~1k-samples-per-block scale this codec targets.
const (
	fcmBits  = 7
	dfcmBits = 7
	fcmSize  = 1 << fcmBits
	dfcmSize = 1 << dfcmBits
)

// predictors implements the FCM (finite-context) and DFCM (differential
// finite-context) value predictors from spec.md §4.3.2. Both are reset to
// zero at the start of every block; the writer and reader run identical
// copies so the XOR stream is invertible.
type predictors struct {
	fcm  [fcmSize]uint64
	dfcm [dfcmSize]uint64

	lastValue uint64
	lastDiff  uint64
}

// hashU64 indexes the predictor tables by the hash of recent history,
// following gholt-valuestore's use of murmur3 for its value-location map
// rather than a hand-rolled multiplicative hash.
func hashU64(v uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return murmur3.Sum64(buf[:])
}

func (p *predictors) fcmIndex() uint64 {
	return hashU64(p.lastValue) & (fcmSize - 1)
}

func (p *predictors) dfcmIndex() uint64 {
	return hashU64(p.lastDiff) & (dfcmSize - 1)
}

// fcmPredict returns the FCM table's stored entry for the current context.
func (p *predictors) fcmPredict() uint64 {
	return p.fcm[p.fcmIndex()]
}

// dfcmPredict returns the DFCM prediction: the stored delta plus the last
// observed value.
func (p *predictors) dfcmPredict() uint64 {
	return p.dfcm[p.dfcmIndex()] + p.lastValue
}

// selector picks whichever predictor's XOR has fewer significant bytes and
// returns the chosen selector bit (0=FCM, 1=DFCM) along with that XOR.
func (p *predictors) selector(actual uint64) (bit byte, xor uint64) {
	fcmXor := p.fcmPredict() ^ actual
	dfcmXor := p.dfcmPredict() ^ actual
	if significantBytes(fcmXor) <= significantBytes(dfcmXor) {
		return 0, fcmXor
	}
	return 1, dfcmXor
}

// predicted returns the prediction named by the given selector bit, used
// by the reader to reconstruct actual from a decoded XOR.
func (p *predictors) predicted(bit byte) uint64 {
	if bit == 0 {
		return p.fcmPredict()
	}
	return p.dfcmPredict()
}

// update folds the newly observed value into both predictor tables.
func (p *predictors) update(actual uint64) {
	fi := p.fcmIndex()
	di := p.dfcmIndex()
	p.fcm[fi] = actual
	p.dfcm[di] = actual - p.lastValue
	p.lastDiff = actual - p.lastValue
	p.lastValue = actual
}

// significantBytes returns sig = 8 - lz - tz: the count of bytes that must
// be stored raw to reconstruct v from its leading/trailing zero runs.
func significantBytes(v uint64) int {
	if v == 0 {
		return 0
	}
	lz, tz := leadingZeroBytes(v), trailingZeroBytes(v)
	return 8 - lz - tz
}

// leadingZeroBytes counts zero bytes from the most significant end of v's
// big-endian 8-byte representation.
func leadingZeroBytes(v uint64) int {
	n := 0
	for shift := 56; shift >= 0; shift -= 8 {
		if byte(v>>shift) != 0 {
			break
		}
		n++
	}
	return n
}

// trailingZeroBytes counts zero bytes from the least significant end.
func trailingZeroBytes(v uint64) int {
	n := 0
	for shift := 0; shift <= 56; shift += 8 {
		if byte(v>>shift) != 0 {
			break
		}
		n++
	}
	return n
}

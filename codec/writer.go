package codec

import (
	"math"

	"github.com/kepler-ts/tscore/sample"
)

// Writer packs a single series' (ts,value) stream into one fixed-size
// Block, chunking pairs into groups of 16 (spec.md §4.3). It commits a
// full chunk's worth of samples at a time: Add buffers samples and only
// emits bytes into the running timestamp/value sections once it can prove
// — via a conservative worst-case bound, never by speculatively encoding
// and rolling back — that the eventual chunk flush will still fit. That
// is what makes an Overflow return re-entrancy-safe (spec.md §4.3):
// anything Add has already accepted is guaranteed committable by Close.
type Writer struct {
	seriesID uint64
	kind     sample.ValueKind

	pending []sample.Sample

	tsBuf  []byte
	valBuf []byte

	count        int
	headerWritten bool
	firstTS      uint64

	prevTS    uint64
	prevDelta int64

	preds predictors

	closed bool
	block  Block
	done   bool
}

// NewWriter starts a fresh block writer for one series. kind fixes
// whether values are FCM/DFCM-compressed floats or opaque event payloads
// for the lifetime of this block (Design note #2: a tag variant instead
// of runtime polymorphism).
func NewWriter(seriesID uint64, kind sample.ValueKind) *Writer {
	return &Writer{
		seriesID: seriesID,
		kind:     kind,
		pending:  make([]sample.Sample, 0, chunkSize),
	}
}

// Add appends one sample to the block. It returns ErrOverflow, without
// mutating the writer, when the next chunk's worst-case size would not
// fit in the remaining block space; the caller must commit this writer
// (Close) and feed the rejected sample, and everything after it, to a
// fresh Writer.
func (w *Writer) Add(s sample.Sample) error {
	if w.closed {
		return ErrClosed
	}
	if s.Kind != w.kind {
		return ErrBadBlock
	}

	candidateLen := len(w.pending) + 1
	isFirstChunk := !w.headerWritten
	if !w.fits(candidateLen, isFirstChunk, s.Payload) {
		return ErrOverflow
	}

	w.pending = append(w.pending, s)
	if len(w.pending) == chunkSize {
		w.flushPending()
	}
	return nil
}

// fits reports whether a chunk of n pending samples (possibly the block's
// first chunk, which also carries an 8-byte raw leading timestamp) would
// fit in the remaining space, using worst-case size bounds so the check
// never requires encoding speculatively. candidatePayload is the payload
// of the sample being considered for admission (the n-th one, not yet
// appended to w.pending); it is ignored for non-Event blocks.
func (w *Writer) fits(n int, isFirstChunk bool, candidatePayload []byte) bool {
	ddCount := n
	extra := 0
	if isFirstChunk {
		ddCount = n - 1
		extra = 8
	}
	tsWorst := extra + tsChunkWorstCase(ddCount)

	var valWorst int
	if w.kind == sample.Event {
		lens := make([]int, n)
		for i := 0; i < n-1; i++ {
			lens[i] = len(w.pending[i].Payload)
		}
		if n > 0 {
			lens[n-1] = len(candidatePayload)
		}
		valWorst = eventChunkWorstCase(lens)
	} else {
		valWorst = valueChunkWorstCase(n)
	}

	used := headerSize + len(w.tsBuf) + len(w.valBuf)
	remaining := BlockSize - used
	return tsWorst+valWorst <= remaining
}

// flushPending encodes the currently buffered chunk (up to chunkSize
// samples) into the running timestamp/value sections and resets pending.
// Called once a full chunk has accumulated, or from Close for a partial
// tail chunk.
func (w *Writer) flushPending() {
	n := len(w.pending)
	if n == 0 {
		return
	}

	isFirstChunk := !w.headerWritten
	ddStart := 0
	if isFirstChunk {
		first := w.pending[0]
		w.firstTS = first.TS
		w.prevTS = first.TS
		w.prevDelta = 0
		ddStart = 1
	}

	dd := make([]int64, 0, n-ddStart)
	for _, s := range w.pending[ddStart:] {
		delta := int64(s.TS - w.prevTS)
		d2 := delta - w.prevDelta
		dd = append(dd, d2)
		w.prevDelta = delta
		w.prevTS = s.TS
	}

	if isFirstChunk {
		var raw [8]byte
		putBigEndian(raw[:], w.firstTS)
		w.tsBuf = append(w.tsBuf, raw[:]...)
	}
	w.tsBuf = append(w.tsBuf, encodeTSChunk(dd)...)

	if w.kind == sample.Event {
		payloads := make([][]byte, n)
		for i, s := range w.pending {
			payloads[i] = s.Payload
		}
		w.valBuf = append(w.valBuf, encodeEventChunk(payloads)...)
	} else {
		bits := make([]uint64, n)
		for i, s := range w.pending {
			bits[i] = math.Float64bits(s.Value)
		}
		w.valBuf = append(w.valBuf, encodeValueChunk(bits, &w.preds)...)
	}

	w.count += n
	w.headerWritten = true
	w.pending = w.pending[:0]
}

// Close flushes any partial tail chunk and returns the finished block.
// Idempotent: a second call returns the same block without re-committing.
func (w *Writer) Close() (Block, error) {
	if w.done {
		return w.block, nil
	}
	if len(w.pending) > 0 {
		n := len(w.pending)
		var lastPayload []byte
		if w.kind == sample.Event {
			lastPayload = w.pending[n-1].Payload
		}
		if !w.fits(n, !w.headerWritten, lastPayload) {
			return Block{}, ErrOverflow
		}
		w.flushPending()
	}
	w.closed = true
	w.done = true

	h := header{
		seriesID: w.seriesID,
		count:    uint16(w.count),
		version:  blockVersion,
		tsBytes:  uint16(len(w.tsBuf)),
		kind:     uint16(w.kind),
	}
	h.encode(w.block[:headerSize])
	copy(w.block[headerSize:], w.tsBuf)
	copy(w.block[headerSize+len(w.tsBuf):], w.valBuf)
	// rest of w.block is already zero (Go zero-values the array)
	return w.block, nil
}

// Len reports the number of samples committed so far (pending samples not
// yet flushed into a full chunk are not counted).
func (w *Writer) Len() int {
	return w.count
}

// IsEmpty reports whether Close would commit a block with zero samples,
// counting both flushed chunks and a not-yet-full pending tail.
func (w *Writer) IsEmpty() bool {
	return w.count == 0 && len(w.pending) == 0
}

package volume

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/kepler-ts/tscore/codec"
	"github.com/kepler-ts/tscore/sample"
)

func openRaw(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func writeRaw(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func setupVolume(t *testing.T, capacity uint32) (*Volume, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vol-0001")
	v, err := Create(path, capacity)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v, path
}

func flatBlock(t *testing.T, seriesID uint64, n int) codec.Block {
	t.Helper()
	w := codec.NewWriter(seriesID, sample.Float)
	for i := 0; i < n; i++ {
		if err := w.Add(sample.Sample{ID: seriesID, TS: uint64(i) * 1000, Value: float64(i)}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	b, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	return b
}

func TestAppendAndReadBlockRoundTrips(t *testing.T) {
	v, _ := setupVolume(t, 4)
	b := flatBlock(t, 1, 50)

	idx, err := v.AppendBlock(&b)
	if err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	if idx != 0 {
		t.Fatalf("first append index = %d, want 0", idx)
	}

	got, err := v.ReadBlock(idx)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if got != b {
		t.Fatalf("read-back block does not match written block")
	}
}

func TestAppendBlockOverflowsAtCapacity(t *testing.T) {
	v, _ := setupVolume(t, 2)
	b := flatBlock(t, 2, 10)

	if _, err := v.AppendBlock(&b); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := v.AppendBlock(&b); err != nil {
		t.Fatalf("second append: %v", err)
	}
	if _, err := v.AppendBlock(&b); err != ErrOverflow {
		t.Fatalf("third append on a 2-block volume: got %v, want ErrOverflow", err)
	}
}

func TestReadBlockOutOfRange(t *testing.T) {
	v, _ := setupVolume(t, 4)
	if _, err := v.ReadBlock(4); err != ErrOutOfRange {
		t.Fatalf("ReadBlock(4) on capacity-4 volume: got %v, want ErrOutOfRange", err)
	}
	if _, err := v.ReadBlock(0); err != ErrOutOfRange {
		t.Fatalf("ReadBlock(0) before any append: got %v, want ErrOutOfRange (slot not occupied)", err)
	}
}

func TestOpenRebuildsChecksumsAndSeriesFilter(t *testing.T) {
	v, path := setupVolume(t, 4)
	b1 := flatBlock(t, 7, 20)
	b2 := flatBlock(t, 8, 20)
	if _, err := v.AppendBlock(&b1); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if _, err := v.AppendBlock(&b2); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if err := v.Flush(false); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, 4, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.ReadBlock(0)
	if err != nil {
		t.Fatalf("ReadBlock(0) after reopen: %v", err)
	}
	if got != b1 {
		t.Fatalf("reopened block 0 does not match what was written")
	}
	if !reopened.MayContain(7) || !reopened.MayContain(8) {
		t.Fatalf("series filter should admit series 7 and 8 after rebuild")
	}
	if reopened.MayContain(999) {
		// Bloom filters can false-positive, but with only two entries and
		// a distant id this would be surprising; not a hard guarantee, so
		// only log rather than fail outright.
		t.Logf("series filter admitted an id never stored (acceptable false positive)")
	}
}

func TestReadBlockDetectsCorruption(t *testing.T) {
	v, path := setupVolume(t, 2)
	b := flatBlock(t, 3, 10)
	if _, err := v.AppendBlock(&b); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	if err := v.Flush(false); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// corrupt the on-disk bytes directly, bypassing Volume
	raw, err := openRaw(path)
	if err != nil {
		t.Fatalf("openRaw: %v", err)
	}
	raw[100] ^= 0xFF
	if err := writeRaw(path, raw); err != nil {
		t.Fatalf("writeRaw: %v", err)
	}

	reopened, err := Open(path, 2, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.ReadBlock(0); err == nil {
		t.Fatalf("expected a checksum-mismatch error reading a corrupted block")
	}
}

func TestResetClearsOccupancyAndFilter(t *testing.T) {
	v, _ := setupVolume(t, 2)
	b := flatBlock(t, 5, 10)
	if _, err := v.AppendBlock(&b); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	v.Reset()
	if v.WritePos() != 0 {
		t.Fatalf("WritePos after Reset = %d, want 0", v.WritePos())
	}
	if _, err := v.ReadBlock(0); err != ErrOutOfRange {
		t.Fatalf("ReadBlock(0) after Reset: got %v, want ErrOutOfRange", err)
	}
	if v.MayContain(5) {
		t.Fatalf("series filter still admits series 5 after Reset")
	}
}

func TestNaNValueSurvivesVolumeRoundTrip(t *testing.T) {
	v, _ := setupVolume(t, 1)
	w := codec.NewWriter(42, sample.Float)
	if err := w.Add(sample.Sample{ID: 42, TS: 1, Value: math.NaN()}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	b, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := v.AppendBlock(&b); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	got, err := v.ReadBlock(0)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	r, err := codec.NewReader(&got)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if !math.IsNaN(r.Samples()[0].Value) {
		t.Fatalf("expected NaN to survive the volume round trip")
	}
}

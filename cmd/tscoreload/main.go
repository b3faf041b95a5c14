// Command tscoreload drives synthetic ingest against an engine.Engine —
// a thin, pflag-configured CLI outside CORE scope (spec.md §1), adapted
// from main.go's root binary entrypoint.
package main

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kepler-ts/tscore/config"
	"github.com/kepler-ts/tscore/engine"
	"github.com/kepler-ts/tscore/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "tscoreload:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := flag.NewFlagSet("tscoreload", flag.ContinueOnError)

	dir := flagSet.StringP("dir", "d", "", "directory holding the volume files (required)")
	numVolumes := flagSet.IntP("volumes", "n", 1, "number of volumes")
	volumeCapacity := flagSet.Uint32P("volume-capacity", "c", 4096, "blocks per volume")
	numSeries := flagSet.Int("series", 4, "number of distinct series ids to generate")
	numSamples := flagSet.Int("samples", 100000, "total samples to write, spread across series")
	window := flagSet.Duration("window", 10*time.Second, "sequencer window_size")
	checkpointSize := flagSet.Int("checkpoint-size", 1024, "sequencer checkpoint_size")
	seed := flagSet.Int64("seed", 1, "PRNG seed for the synthetic random walk")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		flagSet.Usage()
		return fmt.Errorf("--dir is required")
	}

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		return fmt.Errorf("create volume directory: %w", err)
	}
	volumes := make([]string, *numVolumes)
	for i := range volumes {
		volumes[i] = fmt.Sprintf("%s/vol-%03d", *dir, i)
	}

	cfg, err := config.New(
		config.WithWindow(*window),
		config.WithCheckpointSize(*checkpointSize),
		config.WithVolumeCapacity(*volumeCapacity),
		config.WithVolumes(volumes...),
		config.WithLogger(logging.Stderr()),
	)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	e, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer e.Close()

	return loadSynthetic(e, *numSeries, *numSamples, *seed)
}

// loadSynthetic writes a Gaussian random walk per series, ascending
// timestamps in nanoseconds, and reports ingest throughput.
func loadSynthetic(e *engine.Engine, numSeries, numSamples int, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	walks := make([]float64, numSeries)

	start := time.Now()
	var lateWrites int
	for i := 0; i < numSamples; i++ {
		series := i % numSeries
		walks[series] += rng.NormFloat64()
		ts := uint64(i) * uint64(time.Microsecond)

		status, err := e.WriteSample(series, uint64(series), ts, walks[series])
		if err != nil {
			return fmt.Errorf("write sample %d: %w", i, err)
		}
		if status == engine.LateWrite {
			lateWrites++
		}
	}
	if err := e.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	elapsed := time.Since(start)
	rate := math.Round(float64(numSamples) / elapsed.Seconds())
	fmt.Printf("wrote %d samples across %d series in %s (%.0f samples/s, %d late writes)\n",
		numSamples, numSeries, elapsed, rate, lateWrites)
	return nil
}

//go:build ignore

package main

// Generates synthetic regression shard directories for the benchmark:
//
//	go run scripts/make_shards.go <out-dir> <rows> <features> <shards>
//
// writes <out-dir>/x and <out-dir>/y, each split into <shards> Arrow files.

import (
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-archer/internal/dataset"
	"github.com/23skdu/longbow-archer/internal/device"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) != 5 {
		log.Fatal().Msg("usage: make_shards.go <out-dir> <rows> <features> <shards>")
	}
	outDir := os.Args[1]
	rows := mustInt(os.Args[2])
	features := mustInt(os.Args[3])
	shards := mustInt(os.Args[4])

	xDir := filepath.Join(outDir, "x")
	yDir := filepath.Join(outDir, "y")
	for _, d := range []string{xDir, yDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", d).Msg("mkdir failed")
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	coef := make([]float64, features)
	for j := range coef {
		coef[j] = rng.Float64() * 100
	}

	x := device.NewMatrix(rows, features, device.RowMajor)
	y := device.NewMatrix(rows, 1, device.RowMajor)
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < features; j++ {
			v := rng.NormFloat64()
			x.Set(i, j, v)
			sum += v * coef[j]
		}
		y.Set(i, 0, sum+rng.NormFloat64()*0.1)
	}

	if err := dataset.WriteShards(xDir, x, shards); err != nil {
		log.Fatal().Err(err).Msg("writing X shards failed")
	}
	if err := dataset.WriteShards(yDir, y, shards); err != nil {
		log.Fatal().Err(err).Msg("writing y shards failed")
	}
	log.Info().Int("rows", rows).Int("features", features).Int("shards", shards).
		Str("dir", outDir).Msg("shard directories written")
}

func mustInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		log.Fatal().Str("arg", s).Msg("expected a positive integer")
	}
	return n
}

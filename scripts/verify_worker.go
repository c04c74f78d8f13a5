//go:build ignore

package main

// Smoke-checks a running worker: connects over Arrow Flight, generates a
// small blob partition on it, pulls it back, and reports the shape.
//
//	go run scripts/verify_worker.go [addr]

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-archer/internal/cluster"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	log.Info().Str("addr", addr).Msg("Connecting to worker")

	var w *cluster.FlightWorker
	var err error
	for i := 0; i < 10; i++ {
		w, err = cluster.NewFlightWorker(addr)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Connection failed, retrying")
		time.Sleep(time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect")
	}
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const id = cluster.PartitionID(1)
	shape, err := w.MakeBlobs(ctx, id, cluster.BlobSpec{
		Rows: 100, Cols: 8, Centers: 3, ClusterStd: 1.0, Seed: 42,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("MakeBlobs failed")
	}
	m, err := w.Fetch(ctx, id)
	if err != nil {
		log.Fatal().Err(err).Msg("Fetch failed")
	}
	rows, cols := m.Dims()
	if rows != shape.Rows || cols != shape.Cols {
		log.Fatal().Int("rows", rows).Int("cols", cols).Msg("Shape mismatch")
	}
	if err := w.Free(ctx, id); err != nil {
		log.Fatal().Err(err).Msg("Free failed")
	}
	log.Info().Int("rows", rows).Int("cols", cols).Msg("Worker verified")
}

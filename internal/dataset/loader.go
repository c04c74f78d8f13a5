// Package dataset builds distributed arrays: from on-disk shard directories
// and from synthetic generators. Assignment is by worker affinity — worker i
// loads and keeps row block i.
package dataset

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-archer/internal/cluster"
	"github.com/23skdu/longbow-archer/internal/darray"
	"github.com/23skdu/longbow-archer/internal/device"
	"github.com/23skdu/longbow-archer/internal/shard"
)

// LoadOptions control how a shard directory is split across workers.
type LoadOptions struct {
	// Cols is the expected column count; 0 infers it from the first shard
	// (label vectors).
	Cols int

	// MaxShards caps how many shard files are used (the dataset-size knob).
	// 0 uses one file per worker. A cap that does not divide evenly among
	// the workers is an error.
	MaxShards int

	// Partitions optionally assigns an explicit file count per worker. Must
	// have one entry per worker and sum to the file count in use.
	Partitions []int
}

// ReadData assigns contiguous groups of shard files to workers, loads each
// group into a column-major partition on its worker, and returns the logical
// array. It blocks until every load has finished.
func ReadData(ctx context.Context, c *cluster.Client, dir string, opts LoadOptions) (*darray.Array, error) {
	files, err := shard.List(dir)
	if err != nil {
		return nil, err
	}
	workers := c.Workers()
	groups, err := assign(files, len(workers), opts)
	if err != nil {
		return nil, err
	}

	parts := make([]darray.Part, len(workers))
	shapes := make([]cluster.Shape, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		id := c.NewID()
		parts[i] = darray.Part{Worker: w, ID: id}
		g.Go(func() error {
			shape, err := w.LoadShards(gctx, id, groups[i], opts.Cols)
			if err != nil {
				return fmt.Errorf("dataset: worker %s: %w", w.Addr(), err)
			}
			shapes[i] = shape
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cols := shapes[0].Cols
	for i := range parts {
		if shapes[i].Cols != cols {
			return nil, fmt.Errorf("dataset: worker %s loaded %d columns, others have %d",
				workers[i].Addr(), shapes[i].Cols, cols)
		}
		parts[i].Rows = shapes[i].Rows
	}
	a, err := darray.New(parts, cols)
	if err != nil {
		return nil, err
	}
	log.Info().Str("dir", dir).Int("rows", a.Rows()).Int("cols", cols).
		Ints("chunks", a.Chunks()).Msg("dataset loaded")
	return a, nil
}

// assign slices files into one contiguous group per worker.
func assign(files []string, workers int, opts LoadOptions) ([][]string, error) {
	if opts.Partitions != nil {
		if len(opts.Partitions) != workers {
			return nil, fmt.Errorf("dataset: %d partition hints for %d workers", len(opts.Partitions), workers)
		}
		total := 0
		for i, n := range opts.Partitions {
			if n <= 0 {
				return nil, fmt.Errorf("dataset: partition hint %d is %d", i, n)
			}
			total += n
		}
		limit := len(files)
		if opts.MaxShards > 0 {
			limit = opts.MaxShards
		}
		if total != limit {
			return nil, fmt.Errorf("dataset: partition hints cover %d files, have %d", total, limit)
		}
		if limit > len(files) {
			return nil, fmt.Errorf("dataset: need %d shard files, found %d", limit, len(files))
		}
		groups := make([][]string, workers)
		off := 0
		for i, n := range opts.Partitions {
			groups[i] = files[off : off+n]
			off += n
		}
		return groups, nil
	}

	use := workers
	if opts.MaxShards > 0 {
		if opts.MaxShards%workers != 0 {
			return nil, fmt.Errorf("dataset: %d shards do not divide among %d workers", opts.MaxShards, workers)
		}
		use = opts.MaxShards
	}
	if use > len(files) {
		return nil, fmt.Errorf("dataset: need %d shard files, found %d", use, len(files))
	}
	per := use / workers
	groups := make([][]string, workers)
	for i := range groups {
		groups[i] = files[i*per : (i+1)*per]
	}
	return groups, nil
}

// TransposeAndMove re-materializes every partition of a in column-major
// order on its worker and returns the array rewrapped with the chunk shapes
// the workers report. Uneven chunks are fine; the reported sizes are used
// as-is.
func TransposeAndMove(ctx context.Context, a *darray.Array) (*darray.Array, error) {
	old := a.Parts()
	parts := make([]darray.Part, len(old))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range old {
		g.Go(func() error {
			shape, err := p.Worker.Rechunk(gctx, p.ID, device.ColMajor)
			if err != nil {
				return fmt.Errorf("dataset: rechunk on %s: %w", p.Worker.Addr(), err)
			}
			parts[i] = darray.Part{Worker: p.Worker, ID: p.ID, Rows: shape.Rows}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return darray.New(parts, a.Cols())
}

// WriteShards splits m row-wise into nShards files under dir, named
// part_0000.arrow onward. The benchmark's input directories are produced
// this way.
func WriteShards(dir string, m *device.Matrix, nShards int) error {
	rows, cols := m.Dims()
	if nShards <= 0 || nShards > rows {
		return fmt.Errorf("dataset: %d shards for %d rows", nShards, rows)
	}
	per := rows / nShards
	rem := rows % nShards
	off := 0
	for s := 0; s < nShards; s++ {
		r := per
		if s < rem {
			r++
		}
		block := device.NewMatrix(r, cols, device.RowMajor)
		for i := 0; i < r; i++ {
			for j := 0; j < cols; j++ {
				block.Set(i, j, m.At(off+i, j))
			}
		}
		if err := shard.Write(fmt.Sprintf("%s/part_%04d.arrow", dir, s), block); err != nil {
			return err
		}
		off += r
	}
	return nil
}

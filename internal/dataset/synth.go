package dataset

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-archer/internal/cluster"
	"github.com/23skdu/longbow-archer/internal/darray"
)

// partRows spreads rows over nParts blocks, remainder to the front.
func partRows(rows, nParts int) []int {
	per := rows / nParts
	rem := rows % nParts
	out := make([]int, nParts)
	for i := range out {
		out[i] = per
		if i < rem {
			out[i]++
		}
	}
	return out
}

// MakeBlobs synthesizes clustered data as a distributed array of nParts
// partitions assigned round-robin across the cluster. The same seed yields
// the same cluster centers on every partition.
func MakeBlobs(ctx context.Context, c *cluster.Client, rows, cols, centers, nParts int, clusterStd float64, seed int64) (*darray.Array, error) {
	if nParts <= 0 || rows < nParts {
		return nil, fmt.Errorf("dataset: %d partitions for %d rows", nParts, rows)
	}
	workers := c.Workers()
	sizes := partRows(rows, nParts)

	parts := make([]darray.Part, nParts)
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < nParts; p++ {
		w := workers[p%len(workers)]
		id := c.NewID()
		parts[p] = darray.Part{Worker: w, ID: id, Rows: sizes[p]}
		g.Go(func() error {
			_, err := w.MakeBlobs(gctx, id, cluster.BlobSpec{
				Rows:       sizes[p],
				Cols:       cols,
				Centers:    centers,
				ClusterStd: clusterStd,
				Seed:       seed,
				Part:       int64(p),
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return darray.New(parts, cols)
}

// MakeRegression synthesizes an aligned feature/label pair of distributed
// arrays with a shared ground truth across partitions.
func MakeRegression(ctx context.Context, c *cluster.Client, rows, cols, informative, nParts int, noise float64, seed int64) (*darray.Array, *darray.Array, error) {
	if nParts <= 0 || rows < nParts {
		return nil, nil, fmt.Errorf("dataset: %d partitions for %d rows", nParts, rows)
	}
	workers := c.Workers()
	sizes := partRows(rows, nParts)

	xParts := make([]darray.Part, nParts)
	yParts := make([]darray.Part, nParts)
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < nParts; p++ {
		w := workers[p%len(workers)]
		xID, yID := c.NewID(), c.NewID()
		xParts[p] = darray.Part{Worker: w, ID: xID, Rows: sizes[p]}
		yParts[p] = darray.Part{Worker: w, ID: yID, Rows: sizes[p]}
		g.Go(func() error {
			return w.MakeRegression(gctx, xID, yID, cluster.RegressionSpec{
				Rows:        sizes[p],
				Cols:        cols,
				Informative: informative,
				Noise:       noise,
				Seed:        seed,
				Part:        int64(p),
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	x, err := darray.New(xParts, cols)
	if err != nil {
		return nil, nil, err
	}
	y, err := darray.New(yParts, 1)
	if err != nil {
		return nil, nil, err
	}
	return x, y, nil
}

// Package darray models a distributed array: a logical matrix whose row
// blocks live as partitions on the workers of a cluster. The driver holds
// only partition handles; data stays worker-side until Collect.
package darray

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-archer/internal/cluster"
)

// Part is one row block: which worker holds it, under which partition ID,
// and how many rows it spans.
type Part struct {
	Worker cluster.Worker
	ID     cluster.PartitionID
	Rows   int
}

// Array is an ordered list of parts sharing a column count.
type Array struct {
	parts []Part
	cols  int
}

// New wraps parts as a logical array. Every part must have positive rows and
// a worker; cols must be positive.
func New(parts []Part, cols int) (*Array, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("darray: array needs at least one partition")
	}
	if cols <= 0 {
		return nil, fmt.Errorf("darray: column count %d", cols)
	}
	for i, p := range parts {
		if p.Worker == nil {
			return nil, fmt.Errorf("darray: partition %d has no worker", i)
		}
		if p.Rows <= 0 {
			return nil, fmt.Errorf("darray: partition %d has %d rows", i, p.Rows)
		}
	}
	return &Array{parts: append([]Part(nil), parts...), cols: cols}, nil
}

// Parts returns the partitions in row order.
func (a *Array) Parts() []Part { return a.parts }

// Rows returns the logical row count.
func (a *Array) Rows() int {
	n := 0
	for _, p := range a.parts {
		n += p.Rows
	}
	return n
}

// Cols returns the column count.
func (a *Array) Cols() int { return a.cols }

// Chunks returns the per-partition row counts, the chunk shape of the array.
func (a *Array) Chunks() []int {
	chunks := make([]int, len(a.parts))
	for i, p := range a.parts {
		chunks[i] = p.Rows
	}
	return chunks
}

// Collect materializes the whole array on the driver, concatenating
// partitions in order. Debug and validation use only; this defeats the point
// of distribution for real data sizes.
func (a *Array) Collect(ctx context.Context) (*mat.Dense, error) {
	out := mat.NewDense(a.Rows(), a.cols, nil)
	off := 0
	for i, p := range a.parts {
		m, err := p.Worker.Fetch(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("darray: collect partition %d: %w", i, err)
		}
		r, c := m.Dims()
		if r != p.Rows || c != a.cols {
			return nil, fmt.Errorf("darray: partition %d is %dx%d, expected %dx%d", i, r, c, p.Rows, a.cols)
		}
		for ri := 0; ri < r; ri++ {
			for ci := 0; ci < c; ci++ {
				out.Set(off+ri, ci, m.At(ri, ci))
			}
		}
		off += r
	}
	return out, nil
}

// Free drops every partition on its worker.
func (a *Array) Free(ctx context.Context) error {
	var firstErr error
	for _, p := range a.parts {
		if err := p.Worker.Free(ctx, p.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Aligned verifies that x and y are partitioned identically: same worker and
// row count, part by part. Fit and error reductions require this.
func Aligned(x, y *Array) error {
	if len(x.parts) != len(y.parts) {
		return fmt.Errorf("darray: %d vs %d partitions", len(x.parts), len(y.parts))
	}
	for i := range x.parts {
		if x.parts[i].Worker != y.parts[i].Worker {
			return fmt.Errorf("darray: partition %d split across workers %s and %s",
				i, x.parts[i].Worker.Addr(), y.parts[i].Worker.Addr())
		}
		if x.parts[i].Rows != y.parts[i].Rows {
			return fmt.Errorf("darray: partition %d rows disagree: %d vs %d",
				i, x.parts[i].Rows, y.parts[i].Rows)
		}
	}
	return nil
}

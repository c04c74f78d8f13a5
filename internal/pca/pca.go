// Package pca implements principal component analysis over a distributed
// array, plus an exact single-machine reference used to validate it. Two
// distributed solvers are available: covariance eigendecomposition and a
// tall-skinny QR reduction. Neither moves row data to the driver; only
// cols-sized reductions travel.
package pca

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-archer/internal/cluster"
	"github.com/23skdu/longbow-archer/internal/darray"
	"github.com/23skdu/longbow-archer/internal/device"
)

// Solver selects the distributed reduction strategy.
type Solver string

const (
	// SolverCov reduces per-partition scatter matrices and
	// eigendecomposes the covariance. The default.
	SolverCov Solver = "cov"
	// SolverTSQR stacks per-partition thin-QR factors and takes the SVD of
	// the stack. Exact, and cheaper when cols is large relative to the
	// partition row counts.
	SolverTSQR Solver = "tsqr"
)

// PCA is a distributed principal component analysis. Set the config fields,
// Fit once, then Transform / InverseTransform.
type PCA struct {
	NComponents int
	Whiten      bool
	Solver      Solver
	// SignFlip normalizes each component so its largest-magnitude entry is
	// positive, removing the inherent sign ambiguity of the decomposition.
	SignFlip bool

	// Fitted state.
	Components             *mat.Dense // NComponents x cols
	SingularValues         []float64
	ExplainedVariance      []float64
	ExplainedVarianceRatio []float64
	Mean                   []float64
	NoiseVariance          float64

	rows   int
	fitted bool
}

// Fit computes the decomposition of x.
func (p *PCA) Fit(ctx context.Context, x *darray.Array) error {
	cols := x.Cols()
	rows := x.Rows()
	k := p.NComponents
	if k <= 0 || k > cols {
		return fmt.Errorf("pca: %d components for %d columns", k, cols)
	}
	if rows < 2 {
		return fmt.Errorf("pca: %d rows", rows)
	}
	solver := p.Solver
	if solver == "" {
		solver = SolverCov
	}

	mean, err := columnMeans(ctx, x)
	if err != nil {
		return err
	}

	var vals []float64  // descending variance spectrum, full length
	var vecs *mat.Dense // cols x len(vals), columns are directions
	switch solver {
	case SolverCov:
		vals, vecs, err = covSpectrum(ctx, x, mean)
	case SolverTSQR:
		vals, vecs, err = tsqrSpectrum(ctx, x, mean)
	default:
		return fmt.Errorf("pca: unknown solver %q", solver)
	}
	if err != nil {
		return err
	}
	// The tsqr spectrum is only min(rows, cols) long; k must fit it too.
	if k > len(vals) {
		return fmt.Errorf("pca: %d components for a spectrum of %d", k, len(vals))
	}

	total := 0.0
	for _, v := range vals {
		total += v
	}

	p.Mean = mean
	p.SingularValues = make([]float64, k)
	p.ExplainedVariance = make([]float64, k)
	p.ExplainedVarianceRatio = make([]float64, k)
	p.Components = mat.NewDense(k, cols, nil)
	for i := 0; i < k; i++ {
		ev := vals[i]
		p.ExplainedVariance[i] = ev
		p.SingularValues[i] = math.Sqrt(ev * float64(rows-1))
		if total > 0 {
			p.ExplainedVarianceRatio[i] = ev / total
		}
		for j := 0; j < cols; j++ {
			p.Components.Set(i, j, vecs.At(j, i))
		}
	}
	if k < len(vals) {
		rest := 0.0
		for _, v := range vals[k:] {
			rest += v
		}
		p.NoiseVariance = rest / float64(len(vals)-k)
	} else {
		p.NoiseVariance = 0
	}

	if p.SignFlip {
		flipComponents(p.Components)
	}
	p.rows = rows
	p.fitted = true
	log.Debug().Int("rows", rows).Int("cols", cols).Int("components", k).
		Str("solver", string(solver)).Msg("pca fitted")
	return nil
}

// Transform projects x onto the fitted components, one affine map per
// partition. With Whiten the projected columns are scaled to unit variance.
func (p *PCA) Transform(ctx context.Context, c *cluster.Client, x *darray.Array) (*darray.Array, error) {
	if !p.fitted {
		return nil, fmt.Errorf("pca: transform before fit")
	}
	cols := x.Cols()
	k, pc := p.Components.Dims()
	if cols != pc {
		return nil, fmt.Errorf("pca: %d columns, model fitted on %d", cols, pc)
	}

	w := make([]float64, cols*k)
	for j := 0; j < cols; j++ {
		for i := 0; i < k; i++ {
			v := p.Components.At(i, j)
			if p.Whiten {
				v /= math.Sqrt(p.ExplainedVariance[i])
			}
			w[j*k+i] = v
		}
	}
	return p.apply(ctx, c, x, cluster.Affine{
		Shift: p.Mean,
		W:     w,
		WRows: cols,
		WCols: k,
		Order: device.ColMajor,
	}, k)
}

// InverseTransform maps transformed coordinates back to the original space.
func (p *PCA) InverseTransform(ctx context.Context, c *cluster.Client, t *darray.Array) (*darray.Array, error) {
	if !p.fitted {
		return nil, fmt.Errorf("pca: inverse transform before fit")
	}
	k, cols := p.Components.Dims()
	if t.Cols() != k {
		return nil, fmt.Errorf("pca: %d columns, model has %d components", t.Cols(), k)
	}

	w := make([]float64, k*cols)
	for i := 0; i < k; i++ {
		scale := 1.0
		if p.Whiten {
			scale = math.Sqrt(p.ExplainedVariance[i])
		}
		for j := 0; j < cols; j++ {
			w[i*cols+j] = scale * p.Components.At(i, j)
		}
	}
	return p.apply(ctx, c, t, cluster.Affine{
		W:      w,
		WRows:  k,
		WCols:  cols,
		Offset: p.Mean,
		Order:  device.ColMajor,
	}, cols)
}

// FitTransform fits the model and returns the projected array.
func (p *PCA) FitTransform(ctx context.Context, c *cluster.Client, x *darray.Array) (*darray.Array, error) {
	if err := p.Fit(ctx, x); err != nil {
		return nil, err
	}
	return p.Transform(ctx, c, x)
}

func (p *PCA) apply(ctx context.Context, c *cluster.Client, x *darray.Array, tf cluster.Affine, outCols int) (*darray.Array, error) {
	old := x.Parts()
	parts := make([]darray.Part, len(old))
	g, gctx := errgroup.WithContext(ctx)
	for i, part := range old {
		id := c.NewID()
		parts[i] = darray.Part{Worker: part.Worker, ID: id, Rows: part.Rows}
		g.Go(func() error {
			_, err := part.Worker.Apply(gctx, part.ID, id, tf)
			if err != nil {
				return fmt.Errorf("pca: apply on %s: %w", part.Worker.Addr(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return darray.New(parts, outCols)
}

func columnMeans(ctx context.Context, x *darray.Array) ([]float64, error) {
	cols := x.Cols()
	sums := make([]float64, cols)
	rows := 0
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, part := range x.Parts() {
		g.Go(func() error {
			s, n, err := part.Worker.ColumnSums(gctx, part.ID)
			if err != nil {
				return fmt.Errorf("pca: column sums on %s: %w", part.Worker.Addr(), err)
			}
			mu.Lock()
			defer mu.Unlock()
			for j := range sums {
				sums[j] += s[j]
			}
			rows += n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for j := range sums {
		sums[j] /= float64(rows)
	}
	return sums, nil
}

// covSpectrum reduces per-partition scatter matrices and eigendecomposes
// the covariance. Returns the full descending spectrum and directions.
func covSpectrum(ctx context.Context, x *darray.Array, mean []float64) ([]float64, *mat.Dense, error) {
	cols := x.Cols()
	scatter := make([]float64, cols*cols)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, part := range x.Parts() {
		g.Go(func() error {
			s, err := part.Worker.CenteredScatter(gctx, part.ID, mean)
			if err != nil {
				return fmt.Errorf("pca: scatter on %s: %w", part.Worker.Addr(), err)
			}
			mu.Lock()
			for k := range scatter {
				scatter[k] += s[k]
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	denom := float64(x.Rows() - 1)
	sym := mat.NewSymDense(cols, nil)
	for i := 0; i < cols; i++ {
		for j := i; j < cols; j++ {
			sym.SetSym(i, j, scatter[i*cols+j]/denom)
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return nil, nil, fmt.Errorf("pca: covariance eigendecomposition failed")
	}
	asc := eig.Values(nil)
	var ascVecs mat.Dense
	eig.VectorsTo(&ascVecs)

	// gonum returns the spectrum ascending; flip it.
	vals := make([]float64, cols)
	vecs := mat.NewDense(cols, cols, nil)
	for i := 0; i < cols; i++ {
		src := cols - 1 - i
		vals[i] = math.Max(asc[src], 0)
		for j := 0; j < cols; j++ {
			vecs.Set(j, i, ascVecs.At(j, src))
		}
	}
	return vals, vecs, nil
}

// tsqrSpectrum stacks per-partition thin-QR factors and takes the SVD of
// the stack, which shares the centered data's singular structure.
func tsqrSpectrum(ctx context.Context, x *darray.Array, mean []float64) ([]float64, *mat.Dense, error) {
	cols := x.Cols()
	parts := x.Parts()
	blocks := make([][]float64, len(parts))
	heights := make([]int, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		g.Go(func() error {
			r, k, err := part.Worker.ThinR(gctx, part.ID, mean)
			if err != nil {
				return fmt.Errorf("pca: thin qr on %s: %w", part.Worker.Addr(), err)
			}
			blocks[i] = r
			heights[i] = k
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	total := 0
	for _, h := range heights {
		total += h
	}
	stack := mat.NewDense(total, cols, nil)
	off := 0
	for i, b := range blocks {
		for r := 0; r < heights[i]; r++ {
			for j := 0; j < cols; j++ {
				stack.Set(off+r, j, b[r*cols+j])
			}
		}
		off += heights[i]
	}

	var svd mat.SVD
	if !svd.Factorize(stack, mat.SVDThin) {
		return nil, nil, fmt.Errorf("pca: svd of stacked factors failed")
	}
	sv := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	denom := float64(x.Rows() - 1)
	vals := make([]float64, len(sv))
	for i, s := range sv {
		vals[i] = s * s / denom
	}
	// Values come back descending already; keep the sort as a guard against
	// ties being reordered by the backend.
	if !sort.IsSorted(sort.Reverse(sort.Float64Slice(vals))) {
		return nil, nil, fmt.Errorf("pca: singular values out of order")
	}
	vecs := mat.NewDense(cols, len(sv), nil)
	vecs.Copy(&v)
	return vals, vecs, nil
}

// flipComponents makes each component's largest-magnitude entry positive.
func flipComponents(c *mat.Dense) {
	rows, cols := c.Dims()
	for i := 0; i < rows; i++ {
		maxAbs, maxVal := 0.0, 0.0
		for j := 0; j < cols; j++ {
			v := c.At(i, j)
			if a := math.Abs(v); a > maxAbs {
				maxAbs, maxVal = a, v
			}
		}
		if maxVal < 0 {
			for j := 0; j < cols; j++ {
				c.Set(i, j, -c.At(i, j))
			}
		}
	}
}

// Package linreg fits an ordinary least squares model over a distributed
// array. Workers contribute per-partition normal-equation terms; only the
// cols x cols reductions travel to the driver, never the data.
package linreg

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-archer/internal/cluster"
	"github.com/23skdu/longbow-archer/internal/darray"
	"github.com/23skdu/longbow-archer/internal/device"
)

// LinearRegression is a distributed OLS model. Construct, Fit once, then
// Predict.
type LinearRegression struct {
	FitIntercept bool

	Coef      []float64
	Intercept float64
	fitted    bool
}

// New returns a model that fits an intercept, matching the usual default.
func New() *LinearRegression {
	return &LinearRegression{FitIntercept: true}
}

// Fit solves the normal equations over x and y. The arrays must be
// identically partitioned and y must be a single column.
func (lr *LinearRegression) Fit(ctx context.Context, x, y *darray.Array) error {
	if y.Cols() != 1 {
		return fmt.Errorf("linreg: labels have %d columns", y.Cols())
	}
	if err := darray.Aligned(x, y); err != nil {
		return fmt.Errorf("linreg: %w", err)
	}

	cols := x.Cols()
	xtx := make([]float64, cols*cols)
	xty := make([]float64, cols)
	xsums := make([]float64, cols)
	ysum := 0.0
	rows := 0

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	xParts, yParts := x.Parts(), y.Parts()
	for i := range xParts {
		g.Go(func() error {
			res, err := xParts[i].Worker.Gram(gctx, xParts[i].ID, yParts[i].ID)
			if err != nil {
				return fmt.Errorf("linreg: gram on %s: %w", xParts[i].Worker.Addr(), err)
			}
			if res.Cols != cols {
				return fmt.Errorf("linreg: partition %d has %d columns, want %d", i, res.Cols, cols)
			}
			mu.Lock()
			defer mu.Unlock()
			for k := range xtx {
				xtx[k] += res.XtX[k]
			}
			for k := range xty {
				xty[k] += res.Xty[k]
				xsums[k] += res.XSums[k]
			}
			ysum += res.YSum
			rows += res.Rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	n := cols
	if lr.FitIntercept {
		n = cols + 1
	}
	a := mat.NewDense(n, n, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < cols; i++ {
		for j := 0; j < cols; j++ {
			a.Set(i, j, xtx[i*cols+j])
		}
		b.SetVec(i, xty[i])
	}
	if lr.FitIntercept {
		for i := 0; i < cols; i++ {
			a.Set(i, cols, xsums[i])
			a.Set(cols, i, xsums[i])
		}
		a.Set(cols, cols, float64(rows))
		b.SetVec(cols, ysum)
	}

	sol, err := solveSPD(a, b)
	if err != nil {
		return fmt.Errorf("linreg: %w", err)
	}
	lr.Coef = sol[:cols]
	if lr.FitIntercept {
		lr.Intercept = sol[cols]
	} else {
		lr.Intercept = 0
	}
	lr.fitted = true
	log.Debug().Int("rows", rows).Int("cols", cols).Msg("linreg fitted")
	return nil
}

// solveSPD solves a*x = b by Cholesky, falling back to QR when the system
// is not positive definite (rank-deficient features).
func solveSPD(a *mat.Dense, b *mat.VecDense) ([]float64, error) {
	n, _ := a.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, a.At(i, j))
		}
	}
	var sol mat.VecDense
	var chol mat.Cholesky
	if chol.Factorize(sym) {
		if err := chol.SolveVecTo(&sol, b); err == nil {
			return append([]float64(nil), sol.RawVector().Data...), nil
		}
	}
	var qr mat.QR
	qr.Factorize(a)
	if err := qr.SolveVecTo(&sol, false, b); err != nil {
		return nil, fmt.Errorf("normal equations are singular: %w", err)
	}
	return append([]float64(nil), sol.RawVector().Data...), nil
}

// Predict applies the fitted model to x, leaving the predictions distributed
// with the same chunking as x. The client allocates the result partitions.
func (lr *LinearRegression) Predict(ctx context.Context, c *cluster.Client, x *darray.Array) (*darray.Array, error) {
	if !lr.fitted {
		return nil, fmt.Errorf("linreg: predict before fit")
	}
	if x.Cols() != len(lr.Coef) {
		return nil, fmt.Errorf("linreg: %d columns, model has %d coefficients", x.Cols(), len(lr.Coef))
	}

	tf := cluster.Affine{
		W:      append([]float64(nil), lr.Coef...),
		WRows:  len(lr.Coef),
		WCols:  1,
		Offset: []float64{lr.Intercept},
		Order:  device.ColMajor,
	}

	old := x.Parts()
	parts := make([]darray.Part, len(old))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range old {
		id := c.NewID()
		parts[i] = darray.Part{Worker: p.Worker, ID: id, Rows: p.Rows}
		g.Go(func() error {
			_, err := p.Worker.Apply(gctx, p.ID, id, tf)
			if err != nil {
				return fmt.Errorf("linreg: predict on %s: %w", p.Worker.Addr(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return darray.New(parts, 1)
}

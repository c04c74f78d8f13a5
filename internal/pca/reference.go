package pca

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Reference is an exact single-machine PCA via SVD of the centered matrix.
// The distributed solvers are validated against it.
type Reference struct {
	NComponents int
	Whiten      bool

	Components             *mat.Dense
	SingularValues         []float64
	ExplainedVariance      []float64
	ExplainedVarianceRatio []float64
	Mean                   []float64

	fitted bool
}

// Fit decomposes x in place on the caller.
func (r *Reference) Fit(x *mat.Dense) error {
	rows, cols := x.Dims()
	k := r.NComponents
	if k <= 0 || k > cols {
		return fmt.Errorf("pca: %d components for %d columns", k, cols)
	}
	if rows < 2 {
		return fmt.Errorf("pca: %d rows", rows)
	}

	mean := make([]float64, cols)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			mean[j] += x.At(i, j)
		}
		mean[j] /= float64(rows)
	}
	centered := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			centered.Set(i, j, x.At(i, j)-mean[j])
		}
	}

	var svd mat.SVD
	if !svd.Factorize(centered, mat.SVDThin) {
		return fmt.Errorf("pca: svd failed")
	}
	sv := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	denom := float64(rows - 1)
	total := 0.0
	for _, s := range sv {
		total += s * s / denom
	}

	r.Mean = mean
	r.SingularValues = append([]float64(nil), sv[:k]...)
	r.ExplainedVariance = make([]float64, k)
	r.ExplainedVarianceRatio = make([]float64, k)
	r.Components = mat.NewDense(k, cols, nil)
	for i := 0; i < k; i++ {
		ev := sv[i] * sv[i] / denom
		r.ExplainedVariance[i] = ev
		if total > 0 {
			r.ExplainedVarianceRatio[i] = ev / total
		}
		for j := 0; j < cols; j++ {
			r.Components.Set(i, j, v.At(j, i))
		}
	}
	r.fitted = true
	return nil
}

// Transform projects x onto the fitted components.
func (r *Reference) Transform(x *mat.Dense) (*mat.Dense, error) {
	if !r.fitted {
		return nil, fmt.Errorf("pca: transform before fit")
	}
	rows, cols := x.Dims()
	k, _ := r.Components.Dims()
	out := mat.NewDense(rows, k, nil)
	for i := 0; i < rows; i++ {
		for c := 0; c < k; c++ {
			sum := 0.0
			for j := 0; j < cols; j++ {
				sum += (x.At(i, j) - r.Mean[j]) * r.Components.At(c, j)
			}
			if r.Whiten {
				sum /= math.Sqrt(r.ExplainedVariance[c])
			}
			out.Set(i, c, sum)
		}
	}
	return out, nil
}

// InverseTransform maps projected coordinates back to the original space.
func (r *Reference) InverseTransform(t *mat.Dense) (*mat.Dense, error) {
	if !r.fitted {
		return nil, fmt.Errorf("pca: inverse transform before fit")
	}
	rows, k := t.Dims()
	_, cols := r.Components.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			sum := r.Mean[j]
			for c := 0; c < k; c++ {
				v := t.At(i, c)
				if r.Whiten {
					v *= math.Sqrt(r.ExplainedVariance[c])
				}
				sum += v * r.Components.At(c, j)
			}
			out.Set(i, j, sum)
		}
	}
	return out, nil
}

package linreg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-archer/internal/cluster"
	"github.com/23skdu/longbow-archer/internal/dataset"
)

func TestFitRecoversGroundTruth(t *testing.T) {
	ctx := context.Background()
	c, err := cluster.NewLocal(2, 0)
	require.NoError(t, err)
	defer c.Close()

	// Noise-free synthetic regression: the normal equations recover the
	// generator's coefficients essentially exactly.
	x, y, err := dataset.MakeRegression(ctx, c, 400, 6, 6, 4, 0, 21)
	require.NoError(t, err)

	lr := New()
	require.NoError(t, lr.Fit(ctx, x, y))
	require.Len(t, lr.Coef, 6)
	assert.InDelta(t, 0, lr.Intercept, 1e-6)

	// Verify against a direct dense solve on the collected data.
	xd, err := x.Collect(ctx)
	require.NoError(t, err)
	yd, err := y.Collect(ctx)
	require.NoError(t, err)

	var qr mat.QR
	qr.Factorize(xd)
	var want mat.VecDense
	require.NoError(t, qr.SolveVecTo(&want, false, yd.ColView(0)))
	for j := 0; j < 6; j++ {
		assert.InDelta(t, want.AtVec(j), lr.Coef[j], 1e-6, "coef %d", j)
	}
}

func TestFitWithIntercept(t *testing.T) {
	ctx := context.Background()
	c, err := cluster.NewLocal(2, 0)
	require.NoError(t, err)
	defer c.Close()

	x, y, err := dataset.MakeRegression(ctx, c, 300, 4, 4, 3, 0.01, 7)
	require.NoError(t, err)

	lr := New()
	require.NoError(t, lr.Fit(ctx, x, y))
	base := lr.Intercept

	pred, err := lr.Predict(ctx, c, x)
	require.NoError(t, err)
	mse, err := MSE(ctx, y, pred)
	require.NoError(t, err)
	assert.Less(t, mse, 0.01, "near-noiseless fit should have tiny error")
	assert.InDelta(t, 0, base, 0.1)
}

func TestPredictMatchesLocal(t *testing.T) {
	ctx := context.Background()
	c, err := cluster.NewLocal(3, 0)
	require.NoError(t, err)
	defer c.Close()

	x, y, err := dataset.MakeRegression(ctx, c, 150, 3, 3, 5, 0.5, 13)
	require.NoError(t, err)

	lr := New()
	require.NoError(t, lr.Fit(ctx, x, y))

	pred, err := lr.Predict(ctx, c, x)
	require.NoError(t, err)
	assert.Equal(t, x.Chunks(), pred.Chunks(), "predictions keep the input chunking")

	pd, err := pred.Collect(ctx)
	require.NoError(t, err)
	xd, err := x.Collect(ctx)
	require.NoError(t, err)
	for i := 0; i < 150; i++ {
		want := lr.Intercept
		for j := 0; j < 3; j++ {
			want += xd.At(i, j) * lr.Coef[j]
		}
		assert.InDelta(t, want, pd.At(i, 0), 1e-9)
	}
}

func TestMSEEqualsDirectComputation(t *testing.T) {
	ctx := context.Background()
	c, err := cluster.NewLocal(2, 0)
	require.NoError(t, err)
	defer c.Close()

	x, y, err := dataset.MakeRegression(ctx, c, 222, 4, 4, 7, 2.0, 5)
	require.NoError(t, err)

	lr := New()
	require.NoError(t, lr.Fit(ctx, x, y))
	pred, err := lr.Predict(ctx, c, x)
	require.NoError(t, err)

	got, err := MSE(ctx, y, pred)
	require.NoError(t, err)

	// The partition-weighted reduction must equal the global MSE over the
	// concatenated arrays.
	yd, err := y.Collect(ctx)
	require.NoError(t, err)
	pd, err := pred.Collect(ctx)
	require.NoError(t, err)
	want := 0.0
	for i := 0; i < 222; i++ {
		d := yd.At(i, 0) - pd.At(i, 0)
		want += d * d
	}
	want /= 222
	assert.InDelta(t, want, got, 1e-9)
}

func TestMSEShapeMismatch(t *testing.T) {
	ctx := context.Background()
	c, err := cluster.NewLocal(2, 0)
	require.NoError(t, err)
	defer c.Close()

	_, y1, err := dataset.MakeRegression(ctx, c, 100, 2, 2, 2, 0, 1)
	require.NoError(t, err)
	_, y2, err := dataset.MakeRegression(ctx, c, 101, 2, 2, 2, 0, 1)
	require.NoError(t, err)

	_, err = MSE(ctx, y1, y2)
	assert.Error(t, err)
}

func TestPredictBeforeFit(t *testing.T) {
	ctx := context.Background()
	c, err := cluster.NewLocal(1, 0)
	require.NoError(t, err)
	defer c.Close()

	x, _, err := dataset.MakeRegression(ctx, c, 10, 2, 2, 1, 0, 1)
	require.NoError(t, err)

	var lr LinearRegression
	_, err = lr.Predict(ctx, c, x)
	assert.Error(t, err)
}

package dataset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-archer/internal/cluster"
	"github.com/23skdu/longbow-archer/internal/darray"
)

func TestPartRows(t *testing.T) {
	assert.Equal(t, []int{4, 3, 3}, partRows(10, 3))
	assert.Equal(t, []int{1, 1, 1, 1}, partRows(4, 4))
	assert.Equal(t, []int{7}, partRows(7, 1))
}

func TestMakeBlobsShape(t *testing.T) {
	ctx := context.Background()
	c, err := cluster.NewLocal(2, 0)
	require.NoError(t, err)
	defer c.Close()

	// More partitions than workers, like the validation scenarios use.
	x, err := MakeBlobs(ctx, c, 1000, 20, 1, 67, 0.5, 10)
	require.NoError(t, err)
	assert.Equal(t, 1000, x.Rows())
	assert.Equal(t, 20, x.Cols())
	assert.Len(t, x.Chunks(), 67)

	total := 0
	for _, n := range x.Chunks() {
		total += n
	}
	assert.Equal(t, 1000, total)
}

func TestMakeRegressionAligned(t *testing.T) {
	ctx := context.Background()
	c, err := cluster.NewLocal(3, 0)
	require.NoError(t, err)
	defer c.Close()

	x, y, err := MakeRegression(ctx, c, 120, 5, 5, 6, 0.1, 3)
	require.NoError(t, err)
	assert.Equal(t, 120, x.Rows())
	assert.Equal(t, 1, y.Cols())
	require.NoError(t, darray.Aligned(x, y))
}

func TestMakeBlobsDeterministic(t *testing.T) {
	ctx := context.Background()
	c, err := cluster.NewLocal(2, 0)
	require.NoError(t, err)
	defer c.Close()

	a, err := MakeBlobs(ctx, c, 60, 4, 2, 4, 0.5, 99)
	require.NoError(t, err)
	b, err := MakeBlobs(ctx, c, 60, 4, 2, 4, 0.5, 99)
	require.NoError(t, err)

	da, err := a.Collect(ctx)
	require.NoError(t, err)
	db, err := b.Collect(ctx)
	require.NoError(t, err)
	assert.True(t, da.RawMatrix().Data != nil)
	for i := 0; i < 60; i++ {
		for j := 0; j < 4; j++ {
			assert.Equal(t, da.At(i, j), db.At(i, j))
		}
	}
}

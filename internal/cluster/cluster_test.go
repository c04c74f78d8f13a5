package cluster

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-archer/internal/device"
)

func testMatrix(rows, cols int, order device.Order, fill func(i, j int) float64) *device.Matrix {
	m := device.NewMatrix(rows, cols, order)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, fill(i, j))
		}
	}
	return m
}

func TestLocalWorkerPutFetchFree(t *testing.T) {
	w := NewLocalWorker(0, 0)
	defer w.Close()
	ctx := context.Background()

	m := testMatrix(3, 2, device.ColMajor, func(i, j int) float64 { return float64(i*2 + j) })
	require.NoError(t, w.Put(ctx, 1, m))

	got, err := w.Fetch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.At(2, 1))

	_, err = w.Fetch(ctx, 99)
	assert.Error(t, err)

	require.NoError(t, w.Free(ctx, 1, 99))
	_, err = w.Fetch(ctx, 1)
	assert.Error(t, err)
}

func TestLocalWorkerSerialOrder(t *testing.T) {
	w := NewLocalWorker(0, 0)
	defer w.Close()
	ctx := context.Background()

	// Hammer one worker from many goroutines; the task loop must serialize,
	// so the counter never races.
	n := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.run(ctx, func() error {
				n++
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, n)
}

func TestLocalWorkerAbandonedWait(t *testing.T) {
	w := NewLocalWorker(0, 0)
	defer w.Close()
	ctx := context.Background()

	m := testMatrix(4, 2, device.RowMajor, func(i, j int) float64 { return float64(i + j) })
	require.NoError(t, w.Put(ctx, 1, m))

	// Occupy the task loop so the next op cannot start, then abandon its
	// wait. The zero result and context error must come back immediately;
	// the op's real result stays in its channel and is dropped.
	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = w.run(context.Background(), func() error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	shape, err := w.Rechunk(cctx, 1, device.ColMajor)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Shape{}, shape)

	close(block)

	// The worker keeps serving after an abandoned wait.
	got, err := w.Fetch(ctx, 1)
	require.NoError(t, err)
	r, c := got.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 2, c)
}

func TestLocalWorkerGram(t *testing.T) {
	w := NewLocalWorker(0, 0)
	defer w.Close()
	ctx := context.Background()

	// X = [[1,0],[0,1],[1,1]], y = [1,2,3]
	x := testMatrix(3, 2, device.ColMajor, func(i, j int) float64 {
		if i == 2 || i == j {
			return 1
		}
		return 0
	})
	y := testMatrix(3, 1, device.ColMajor, func(i, j int) float64 { return float64(i + 1) })
	require.NoError(t, w.Put(ctx, 1, x))
	require.NoError(t, w.Put(ctx, 2, y))

	res, err := w.Gram(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, 2, res.Cols)
	assert.Equal(t, []float64{2, 1, 1, 2}, res.XtX)
	assert.Equal(t, []float64{4, 5}, res.Xty)
	assert.Equal(t, []float64{2, 2}, res.XSums)
	assert.Equal(t, 6.0, res.YSum)
}

func TestLocalWorkerGramShapeMismatch(t *testing.T) {
	w := NewLocalWorker(0, 0)
	defer w.Close()
	ctx := context.Background()

	require.NoError(t, w.Put(ctx, 1, device.NewMatrix(3, 2, device.ColMajor)))
	require.NoError(t, w.Put(ctx, 2, device.NewMatrix(4, 1, device.ColMajor)))
	_, err := w.Gram(ctx, 1, 2)
	assert.Error(t, err)
}

func TestLocalWorkerApplyPredict(t *testing.T) {
	w := NewLocalWorker(0, 0)
	defer w.Close()
	ctx := context.Background()

	x := testMatrix(2, 2, device.ColMajor, func(i, j int) float64 { return float64(i + j + 1) })
	require.NoError(t, w.Put(ctx, 1, x))

	// dst = X * [2, -1]^T + 0.5
	shape, err := w.Apply(ctx, 1, 2, Affine{
		W:      []float64{2, -1},
		WRows:  2,
		WCols:  1,
		Offset: []float64{0.5},
		Order:  device.ColMajor,
	})
	require.NoError(t, err)
	assert.Equal(t, Shape{Rows: 2, Cols: 1}, shape)

	pred, err := w.Fetch(ctx, 2)
	require.NoError(t, err)
	// Row 0: 1*2 - 2 + 0.5 = 0.5; row 1: 2*2 - 3 + 0.5 = 1.5
	assert.InDelta(t, 0.5, pred.At(0, 0), 1e-12)
	assert.InDelta(t, 1.5, pred.At(1, 0), 1e-12)
}

func TestLocalWorkerSquaredError(t *testing.T) {
	w := NewLocalWorker(0, 0)
	defer w.Close()
	ctx := context.Background()

	y := testMatrix(3, 1, device.ColMajor, func(i, j int) float64 { return float64(i) })
	p := testMatrix(3, 1, device.ColMajor, func(i, j int) float64 { return float64(i) + 0.5 })
	require.NoError(t, w.Put(ctx, 1, y))
	require.NoError(t, w.Put(ctx, 2, p))

	sse, rows, err := w.SquaredError(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, rows)
	assert.InDelta(t, 0.75, sse, 1e-12)

	// Shape mismatch is an error, never a silent skip.
	require.NoError(t, w.Put(ctx, 3, device.NewMatrix(2, 1, device.ColMajor)))
	_, _, err = w.SquaredError(ctx, 1, 3)
	assert.Error(t, err)
}

func TestLocalWorkerRechunk(t *testing.T) {
	w := NewLocalWorker(0, 0)
	defer w.Close()
	ctx := context.Background()

	m := testMatrix(2, 3, device.RowMajor, func(i, j int) float64 { return float64(i*3 + j) })
	require.NoError(t, w.Put(ctx, 1, m))

	shape, err := w.Rechunk(ctx, 1, device.ColMajor)
	require.NoError(t, err)
	assert.Equal(t, Shape{Rows: 2, Cols: 3}, shape)

	got, err := w.Fetch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, device.ColMajor, got.Order())
	assert.Equal(t, 5.0, got.At(1, 2))
}

func TestMakeBlobsSharedCenters(t *testing.T) {
	w := NewLocalWorker(0, 0)
	defer w.Close()
	ctx := context.Background()

	// Two partitions of the same logical dataset: different noise, same
	// centers. With tiny std both should hug the single center.
	for part := int64(0); part < 2; part++ {
		_, err := w.MakeBlobs(ctx, PartitionID(part+1), BlobSpec{
			Rows: 50, Cols: 4, Centers: 1, ClusterStd: 1e-9, Seed: 10, Part: part,
		})
		require.NoError(t, err)
	}
	a, err := w.Fetch(ctx, 1)
	require.NoError(t, err)
	b, err := w.Fetch(ctx, 2)
	require.NoError(t, err)
	for j := 0; j < 4; j++ {
		assert.InDelta(t, a.At(0, j), b.At(0, j), 1e-6, "column %d", j)
	}
}

func TestClientBroadcastAndIDs(t *testing.T) {
	c, err := NewLocal(3, 0)
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.Owned())
	assert.Len(t, c.Workers(), 3)
	assert.NotEqual(t, c.NewID(), c.NewID())

	require.NoError(t, c.ConfigurePools(context.Background(), 1<<20))

	var mu sync.Mutex
	seen := map[string]bool{}
	err = c.Broadcast(context.Background(), func(ctx context.Context, rank int, w Worker) error {
		mu.Lock()
		seen[w.Addr()] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 3)
}

package cluster

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-archer/internal/device"
)

func startWorkerServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(NewLocalWorker(0, 0))
	require.NoError(t, srv.Init("localhost:0"))
	go func() {
		_ = srv.Serve()
	}()
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestFlightWorkerPutFetchRoundTrip(t *testing.T) {
	srv := startWorkerServer(t)

	fw, err := NewFlightWorker(srv.Addr())
	require.NoError(t, err)
	defer fw.Close()
	ctx := context.Background()

	m := testMatrix(4, 3, device.ColMajor, func(i, j int) float64 { return float64(i)*10 + float64(j) })
	require.NoError(t, fw.Put(ctx, 7, m))

	got, err := fw.Fetch(ctx, 7)
	require.NoError(t, err)
	r, c := got.Dims()
	require.Equal(t, 4, r)
	require.Equal(t, 3, c)
	assert.Equal(t, device.ColMajor, got.Order())
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			assert.Equal(t, m.At(i, j), got.At(i, j))
		}
	}

	// The partition must exist on the serving worker itself, not just echo
	// back through the client.
	_, err = srv.worker.Fetch(ctx, 7)
	require.NoError(t, err)

	// A second put to the same ID replaces the partition.
	m2 := testMatrix(2, 3, device.ColMajor, func(i, j int) float64 { return -1 })
	require.NoError(t, fw.Put(ctx, 7, m2))
	got, err = fw.Fetch(ctx, 7)
	require.NoError(t, err)
	r, _ = got.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, -1.0, got.At(0, 0))
}

func TestFlightWorkerActions(t *testing.T) {
	srv := startWorkerServer(t)

	fw, err := NewFlightWorker(srv.Addr())
	require.NoError(t, err)
	defer fw.Close()
	ctx := context.Background()

	require.NoError(t, fw.ConfigurePool(ctx, 1<<20))

	shape, err := fw.MakeBlobs(ctx, 1, BlobSpec{Rows: 20, Cols: 3, Centers: 2, ClusterStd: 0.5, Seed: 42})
	require.NoError(t, err)
	assert.Equal(t, Shape{Rows: 20, Cols: 3}, shape)

	sums, rows, err := fw.ColumnSums(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 20, rows)
	assert.Len(t, sums, 3)

	// Same spec against the server's own worker gives identical data, so the
	// remote column sums must match a local recompute.
	local, err := srv.worker.Fetch(ctx, 1)
	require.NoError(t, err)
	want := 0.0
	for i := 0; i < 20; i++ {
		want += local.At(i, 0)
	}
	assert.InDelta(t, want, sums[0], 1e-9)

	require.NoError(t, fw.MakeRegression(ctx, 2, 3, RegressionSpec{Rows: 30, Cols: 4, Noise: 0, Seed: 1}))

	gram, err := fw.Gram(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 30, gram.Rows)
	assert.Equal(t, 4, gram.Cols)
	assert.Len(t, gram.XtX, 16)

	// Errors cross the wire as errors.
	_, err = fw.Gram(ctx, 2, 99)
	assert.Error(t, err)

	require.NoError(t, fw.Free(ctx, 1, 2, 3))
	_, _, err = fw.ColumnSums(ctx, 1)
	assert.Error(t, err)
}

func TestConnectSchedulerFile(t *testing.T) {
	srv := startWorkerServer(t)

	path := filepath.Join(t.TempDir(), "scheduler.json")
	raw, err := json.Marshal(SchedulerFile{Workers: []string{srv.Addr()}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	c, err := Connect(path)
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, c.Owned(), "attached clusters are not owned")
	require.Len(t, c.Workers(), 1)
	require.NoError(t, c.ConfigurePools(context.Background(), 0))
}

func TestConnectBadSchedulerFile(t *testing.T) {
	dir := t.TempDir()

	_, err := Connect(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"workers": []}`), 0o644))
	_, err = Connect(empty)
	assert.Error(t, err)
}

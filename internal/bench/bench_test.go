package bench

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/23skdu/longbow-archer/internal/cluster"
	"github.com/23skdu/longbow-archer/internal/dataset"
	"github.com/23skdu/longbow-archer/internal/device"
)

// writeDataset materializes a small noise-free regression problem as shard
// directories: 120x3 features and the exact labels for a known coefficient
// vector, 4 files each.
func writeDataset(t *testing.T) (xDir, yDir string) {
	t.Helper()
	xDir = filepath.Join(t.TempDir(), "x")
	yDir = filepath.Join(t.TempDir(), "y")
	require.NoError(t, os.MkdirAll(xDir, 0o755))
	require.NoError(t, os.MkdirAll(yDir, 0o755))

	coef := []float64{2, -1, 0.5}
	rng := rand.New(rand.NewSource(1))
	x := device.NewMatrix(120, 3, device.RowMajor)
	y := device.NewMatrix(120, 1, device.RowMajor)
	for i := 0; i < 120; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			v := rng.NormFloat64()
			x.Set(i, j, v)
			sum += v * coef[j]
		}
		y.Set(i, 0, sum)
	}
	require.NoError(t, dataset.WriteShards(xDir, x, 4))
	require.NoError(t, dataset.WriteShards(yDir, y, 4))
	return xDir, yDir
}

func TestRunEndToEnd(t *testing.T) {
	xDir, yDir := writeDataset(t)
	out := filepath.Join(t.TempDir(), "benchmark.csv")

	cfg := Config{
		Workers:   2,
		XPath:     xDir,
		YPath:     yDir,
		NGB:       4,
		NFeatures: 3,
		OutPath:   out,
		Reps:      2,
	}
	s, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Valid)
	assert.Equal(t, 120, s.Samples)
	assert.Equal(t, 3, s.Features)
	// Shards store float32, so the noise-free fit is exact up to storage
	// rounding.
	assert.Less(t, s.MSEMean, 1e-6)
	assert.GreaterOrEqual(t, s.FitMin, 0.0)
	assert.GreaterOrEqual(t, s.PredictMin, 0.0)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, rows[0], 11)
	assert.Equal(t, "2", rows[0][0], "workers")
	assert.Equal(t, "120", rows[0][1], "samples")
	assert.Equal(t, "3", rows[0][2], "features")
	assert.Equal(t, "2", rows[0][10], "valid iterations")

	// A second run appends rather than truncates.
	_, err = Run(context.Background(), cfg)
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	rows, err = csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRunAgainstSchedulerFile(t *testing.T) {
	xDir, yDir := writeDataset(t)

	addrs := make([]string, 2)
	for i := range addrs {
		srv := cluster.NewServer(cluster.NewLocalWorker(i, 0))
		require.NoError(t, srv.Init("localhost:0"))
		go func() {
			_ = srv.Serve()
		}()
		t.Cleanup(srv.Shutdown)
		addrs[i] = srv.Addr()
	}
	raw, err := json.Marshal(cluster.SchedulerFile{Workers: addrs})
	require.NoError(t, err)
	schedFile := filepath.Join(t.TempDir(), "scheduler.json")
	require.NoError(t, os.WriteFile(schedFile, raw, 0o644))

	s, err := Run(context.Background(), Config{
		Workers:       2,
		XPath:         xDir,
		YPath:         yDir,
		NGB:           4,
		NFeatures:     3,
		SchedulerFile: schedFile,
		Reps:          1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Valid)
	assert.Less(t, s.MSEMean, 1e-6)
}

func TestRunEmitsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))

	xDir, yDir := writeDataset(t)
	_, err := Run(context.Background(), Config{
		Workers:   2,
		XPath:     xDir,
		YPath:     yDir,
		NGB:       4,
		NFeatures: 3,
		Reps:      1,
	})
	require.NoError(t, err)

	names := make(map[string]int)
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["fit"], "one fit span per iteration")
	assert.Equal(t, 1, names["predict"], "one predict span per iteration")
}

func TestRunAllIterationsFail(t *testing.T) {
	_, err := Run(context.Background(), Config{
		Workers:   2,
		XPath:     t.TempDir(), // no shard files
		YPath:     t.TempDir(),
		NFeatures: 3,
		Reps:      2,
	})
	assert.Error(t, err)
}

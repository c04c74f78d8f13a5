// Package bench drives the end-to-end linear regression benchmark: stand up
// or attach to a cluster, load the sharded dataset with worker affinity, time
// fit and predict over repeated iterations, and append the summarized
// statistics to a CSV file.
package bench

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/23skdu/longbow-archer/internal/cluster"
	"github.com/23skdu/longbow-archer/internal/dataset"
	"github.com/23skdu/longbow-archer/internal/linreg"
)

var tracer = otel.Tracer("archer-bench")

const defaultReps = 5

// Config describes one benchmark run.
type Config struct {
	// Workers sizes the local cluster when no scheduler file is given.
	Workers int

	// XPath and YPath are shard directories for the features and labels.
	XPath string
	YPath string

	// NGB caps how many shard files are loaded from each directory; 0 loads
	// one file per worker.
	NGB int

	// NFeatures is the expected feature column count.
	NFeatures int

	// SchedulerFile, when set, attaches to an existing cluster instead of
	// creating one.
	SchedulerFile string

	// OutPath is the CSV file the summary row is appended to; empty skips
	// the write.
	OutPath string

	// Reps is the iteration count; 0 means 5.
	Reps int

	// PoolBytes is the per-worker buffer pool ceiling; 0 leaves pools
	// unbounded.
	PoolBytes int64
}

// Summary holds the reduced statistics over the valid iterations of a run.
type Summary struct {
	Workers  int
	Samples  int
	Features int

	FitMean, FitMin, FitVar             float64
	PredictMean, PredictMin, PredictVar float64
	MSEMean                             float64

	// Valid is how many of the iterations succeeded; failed iterations
	// contribute nothing to the statistics above.
	Valid int
	Reps  int
}

type iterResult struct {
	fit     float64
	predict float64
	mse     float64
	rows    int
}

// Run executes the configured number of benchmark iterations and returns the
// summary. Each iteration builds its cluster handle, loads the data, and
// tears everything down again, so iterations are independent. An iteration
// error invalidates that iteration only; Run fails if every iteration failed.
func Run(ctx context.Context, cfg Config) (*Summary, error) {
	reps := cfg.Reps
	if reps <= 0 {
		reps = defaultReps
	}

	fits := make([]float64, reps)
	preds := make([]float64, reps)
	mses := make([]float64, reps)
	samples := 0
	for i := 0; i < reps; i++ {
		iterationsTotal.Inc()
		res, err := runIteration(ctx, cfg)
		if err != nil {
			failuresTotal.Inc()
			fits[i], preds[i], mses[i] = math.NaN(), math.NaN(), math.NaN()
			log.Warn().Err(err).Int("rep", i).Msg("benchmark iteration failed")
			continue
		}
		fits[i], preds[i], mses[i] = res.fit, res.predict, res.mse
		samples = res.rows
		fitSeconds.Observe(res.fit)
		predictSeconds.Observe(res.predict)
		log.Info().Int("rep", i).Int("rows", res.rows).
			Float64("fit_s", res.fit).Float64("predict_s", res.predict).
			Float64("mse", res.mse).Msg("benchmark iteration")
	}

	s := &Summary{Workers: cfg.Workers, Samples: samples, Features: cfg.NFeatures, Reps: reps}
	s.FitMean, s.FitMin, s.FitVar, s.Valid = summarize(fits)
	s.PredictMean, s.PredictMin, s.PredictVar, _ = summarize(preds)
	s.MSEMean, _, _, _ = summarize(mses)
	if s.Valid == 0 {
		return nil, fmt.Errorf("bench: all %d iterations failed", reps)
	}

	if cfg.OutPath != "" {
		if err := appendCSV(cfg.OutPath, s); err != nil {
			return nil, err
		}
	}
	log.Info().Int("valid", s.Valid).Int("reps", reps).
		Float64("fit_mean_s", s.FitMean).Float64("predict_mean_s", s.PredictMean).
		Float64("mse_mean", s.MSEMean).Msg("benchmark complete")
	return s, nil
}

func runIteration(ctx context.Context, cfg Config) (iterResult, error) {
	var r iterResult

	var c *cluster.Client
	var err error
	if cfg.SchedulerFile != "" {
		c, err = cluster.Connect(cfg.SchedulerFile)
	} else {
		c, err = cluster.NewLocal(cfg.Workers, cfg.PoolBytes)
	}
	if err != nil {
		return r, err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("cluster close failed")
		}
	}()

	if cfg.PoolBytes > 0 {
		if err := c.ConfigurePools(ctx, cfg.PoolBytes); err != nil {
			return r, err
		}
	}

	x, err := dataset.ReadData(ctx, c, cfg.XPath, dataset.LoadOptions{Cols: cfg.NFeatures, MaxShards: cfg.NGB})
	if err != nil {
		return r, fmt.Errorf("bench: load X: %w", err)
	}
	defer func() { _ = x.Free(context.Background()) }()
	y, err := dataset.ReadData(ctx, c, cfg.YPath, dataset.LoadOptions{MaxShards: cfg.NGB})
	if err != nil {
		return r, fmt.Errorf("bench: load y: %w", err)
	}
	defer func() { _ = y.Free(context.Background()) }()

	lr := linreg.New()
	fitCtx, fitSpan := tracer.Start(ctx, "fit")
	start := time.Now()
	err = lr.Fit(fitCtx, x, y)
	r.fit = time.Since(start).Seconds()
	fitSpan.End()
	if err != nil {
		return r, err
	}

	// Predict returns only after every partition's map has run on its
	// worker, so the timer covers full materialization.
	predCtx, predSpan := tracer.Start(ctx, "predict")
	start = time.Now()
	pred, err := lr.Predict(predCtx, c, x)
	r.predict = time.Since(start).Seconds()
	predSpan.End()
	if err != nil {
		return r, err
	}
	defer func() { _ = pred.Free(context.Background()) }()

	r.mse, err = linreg.MSE(ctx, y, pred)
	if err != nil {
		return r, err
	}
	r.rows = x.Rows()
	return r, nil
}

// appendCSV appends one summary row to path, creating the file on first use.
func appendCSV(path string, s *Summary) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("bench: output file: %w", err)
	}

	w := csv.NewWriter(f)
	row := []string{
		strconv.Itoa(s.Workers),
		strconv.Itoa(s.Samples),
		strconv.Itoa(s.Features),
		formatFloat(s.FitMean),
		formatFloat(s.FitMin),
		formatFloat(s.FitVar),
		formatFloat(s.PredictMean),
		formatFloat(s.PredictMin),
		formatFloat(s.PredictVar),
		formatFloat(s.MSEMean),
		strconv.Itoa(s.Valid),
	}
	if err := w.Write(row); err != nil {
		_ = f.Close()
		return fmt.Errorf("bench: write csv: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("bench: write csv: %w", err)
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

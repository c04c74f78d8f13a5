package cluster

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"context"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-archer/internal/device"
	"github.com/23skdu/longbow-archer/internal/shard"
)

// ErrClosed is returned for ops submitted to a closed worker.
var ErrClosed = errors.New("cluster: worker closed")

// LocalWorker is an in-process worker. A single goroutine drains its task
// queue, so ops on one worker never overlap; partitions live in a private
// store backed by the worker's buffer pool.
type LocalWorker struct {
	addr  string
	pool  *device.Pool
	parts map[PartitionID]*device.Matrix

	tasks chan func()
	quit  chan struct{}
	once  sync.Once
}

// NewLocalWorker starts worker number i with the given pool ceiling.
func NewLocalWorker(i int, poolLimit int64) *LocalWorker {
	w := &LocalWorker{
		addr:  fmt.Sprintf("local-%d", i),
		pool:  device.NewPool(poolLimit),
		parts: make(map[PartitionID]*device.Matrix),
		tasks: make(chan func(), 16),
		quit:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *LocalWorker) loop() {
	for {
		select {
		case fn := <-w.tasks:
			fn()
		case <-w.quit:
			return
		}
	}
}

type taskResult[T any] struct {
	v   T
	err error
}

// runTask submits fn to the task loop and waits for its result. The result
// travels through a buffered channel, so an abandoned wait (context done)
// never races with a task that is still running; the task's result is simply
// dropped.
func runTask[T any](ctx context.Context, w *LocalWorker, fn func() (T, error)) (T, error) {
	var zero T
	resc := make(chan taskResult[T], 1)
	select {
	case w.tasks <- func() {
		v, err := fn()
		resc <- taskResult[T]{v: v, err: err}
	}:
	case <-w.quit:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case res := <-resc:
		return res.v, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// run is runTask for ops without a result.
func (w *LocalWorker) run(ctx context.Context, fn func() error) error {
	_, err := runTask(ctx, w, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (w *LocalWorker) part(id PartitionID) (*device.Matrix, error) {
	m, ok := w.parts[id]
	if !ok {
		return nil, fmt.Errorf("cluster: worker %s has no partition %d", w.addr, id)
	}
	return m, nil
}

func (w *LocalWorker) Addr() string { return w.addr }

func (w *LocalWorker) ConfigurePool(ctx context.Context, limit int64) error {
	return w.run(ctx, func() error {
		w.pool.SetLimit(limit)
		return nil
	})
}

func (w *LocalWorker) Put(ctx context.Context, id PartitionID, m *device.Matrix) error {
	return w.run(ctx, func() error {
		w.parts[id] = m
		return nil
	})
}

func (w *LocalWorker) Fetch(ctx context.Context, id PartitionID) (*device.Matrix, error) {
	return runTask(ctx, w, func() (*device.Matrix, error) {
		return w.part(id)
	})
}

func (w *LocalWorker) LoadShards(ctx context.Context, id PartitionID, files []string, cols int) (Shape, error) {
	return runTask(ctx, w, func() (Shape, error) {
		if len(files) == 0 {
			return Shape{}, fmt.Errorf("cluster: no shard files for partition %d", id)
		}
		ms := make([]*device.Matrix, 0, len(files))
		rows := 0
		for _, f := range files {
			m, err := shard.Read(f, device.ColMajor)
			if err != nil {
				return Shape{}, err
			}
			r, c := m.Dims()
			if cols == 0 {
				cols = c
			}
			if c != cols {
				return Shape{}, fmt.Errorf("cluster: shard %s has %d columns, want %d", f, c, cols)
			}
			ms = append(ms, m)
			rows += r
		}

		out, err := device.Concat(ms, device.ColMajor, w.pool.Get(rows*cols))
		if err != nil {
			return Shape{}, err
		}
		w.parts[id] = out
		log.Debug().Str("worker", w.addr).Int64("partition", int64(id)).
			Int("files", len(files)).Int("rows", rows).Int("cols", cols).
			Msg("loaded shards")
		return Shape{Rows: rows, Cols: cols}, nil
	})
}

func (w *LocalWorker) Rechunk(ctx context.Context, id PartitionID, order device.Order) (Shape, error) {
	return runTask(ctx, w, func() (Shape, error) {
		m, err := w.part(id)
		if err != nil {
			return Shape{}, err
		}
		rows, cols := m.Dims()
		if m.Order() != order {
			out := m.ToOrder(order, w.pool.Get(rows*cols))
			w.parts[id] = out
			w.pool.Put(m.Data())
		}
		return Shape{Rows: rows, Cols: cols}, nil
	})
}

func (w *LocalWorker) MakeBlobs(ctx context.Context, id PartitionID, spec BlobSpec) (Shape, error) {
	return runTask(ctx, w, func() (Shape, error) {
		if spec.Rows <= 0 || spec.Cols <= 0 || spec.Centers <= 0 {
			return Shape{}, fmt.Errorf("cluster: bad blob spec %+v", spec)
		}
		// Centers come from the dataset-wide seed so every partition sees the
		// same cluster geometry; only the noise stream is per-partition.
		crng := rand.New(rand.NewSource(spec.Seed))
		centers := make([][]float64, spec.Centers)
		for c := range centers {
			centers[c] = make([]float64, spec.Cols)
			for j := range centers[c] {
				centers[c][j] = crng.Float64()*20 - 10
			}
		}
		prng := rand.New(rand.NewSource(partSeed(spec.Seed, spec.Part)))

		buf := w.pool.Get(spec.Rows * spec.Cols)
		m := device.NewMatrixFrom(spec.Rows, spec.Cols, device.ColMajor, buf)
		for i := 0; i < spec.Rows; i++ {
			c := centers[i%spec.Centers]
			for j := 0; j < spec.Cols; j++ {
				m.Set(i, j, c[j]+spec.ClusterStd*prng.NormFloat64())
			}
		}
		w.parts[id] = m
		return Shape{Rows: spec.Rows, Cols: spec.Cols}, nil
	})
}

func (w *LocalWorker) MakeRegression(ctx context.Context, xID, yID PartitionID, spec RegressionSpec) error {
	return w.run(ctx, func() error {
		if spec.Rows <= 0 || spec.Cols <= 0 {
			return fmt.Errorf("cluster: bad regression spec %+v", spec)
		}
		informative := spec.Informative
		if informative <= 0 || informative > spec.Cols {
			informative = spec.Cols
		}
		// Ground truth shared across partitions, per-partition noise.
		crng := rand.New(rand.NewSource(spec.Seed))
		coef := make([]float64, spec.Cols)
		for j := 0; j < informative; j++ {
			coef[j] = crng.Float64() * 100
		}
		prng := rand.New(rand.NewSource(partSeed(spec.Seed, spec.Part)))

		x := device.NewMatrixFrom(spec.Rows, spec.Cols, device.ColMajor, w.pool.Get(spec.Rows*spec.Cols))
		y := device.NewMatrixFrom(spec.Rows, 1, device.ColMajor, w.pool.Get(spec.Rows))
		for i := 0; i < spec.Rows; i++ {
			sum := 0.0
			for j := 0; j < spec.Cols; j++ {
				v := prng.NormFloat64()
				x.Set(i, j, v)
				sum += v * coef[j]
			}
			if spec.Noise > 0 {
				sum += spec.Noise * prng.NormFloat64()
			}
			y.Set(i, 0, sum)
		}
		w.parts[xID] = x
		w.parts[yID] = y
		return nil
	})
}

func (w *LocalWorker) Gram(ctx context.Context, xID, yID PartitionID) (*GramResult, error) {
	return runTask(ctx, w, func() (*GramResult, error) {
		x, err := w.part(xID)
		if err != nil {
			return nil, err
		}
		y, err := w.part(yID)
		if err != nil {
			return nil, err
		}
		rows, cols := x.Dims()
		yr, yc := y.Dims()
		if yr != rows || yc != 1 {
			return nil, fmt.Errorf("cluster: label partition %d is %dx%d, want %dx1", yID, yr, yc, rows)
		}

		xd := x.Dense()
		yv := mat.NewVecDense(rows, y.Dense().RawMatrix().Data)

		var xtx mat.Dense
		xtx.Mul(xd.T(), xd)
		var xty mat.VecDense
		xty.MulVec(xd.T(), yv)

		xsums := make([]float64, cols)
		for j := 0; j < cols; j++ {
			for i := 0; i < rows; i++ {
				xsums[j] += x.At(i, j)
			}
		}
		ysum := 0.0
		for i := 0; i < rows; i++ {
			ysum += y.At(i, 0)
		}

		return &GramResult{
			XtX:   append([]float64(nil), xtx.RawMatrix().Data...),
			Xty:   append([]float64(nil), xty.RawVector().Data...),
			XSums: xsums,
			YSum:  ysum,
			Rows:  rows,
			Cols:  cols,
		}, nil
	})
}

type sumCount struct {
	sums []float64
	rows int
}

func (w *LocalWorker) ColumnSums(ctx context.Context, id PartitionID) ([]float64, int, error) {
	res, err := runTask(ctx, w, func() (sumCount, error) {
		m, err := w.part(id)
		if err != nil {
			return sumCount{}, err
		}
		r, c := m.Dims()
		sums := make([]float64, c)
		for j := 0; j < c; j++ {
			for i := 0; i < r; i++ {
				sums[j] += m.At(i, j)
			}
		}
		return sumCount{sums: sums, rows: r}, nil
	})
	return res.sums, res.rows, err
}

func (w *LocalWorker) CenteredScatter(ctx context.Context, id PartitionID, mean []float64) ([]float64, error) {
	return runTask(ctx, w, func() ([]float64, error) {
		m, err := w.part(id)
		if err != nil {
			return nil, err
		}
		b, err := centered(m, mean)
		if err != nil {
			return nil, err
		}
		var scatter mat.Dense
		scatter.Mul(b.T(), b)
		return append([]float64(nil), scatter.RawMatrix().Data...), nil
	})
}

type rowFactor struct {
	r []float64
	k int
}

func (w *LocalWorker) ThinR(ctx context.Context, id PartitionID, mean []float64) ([]float64, int, error) {
	res, err := runTask(ctx, w, func() (rowFactor, error) {
		m, err := w.part(id)
		if err != nil {
			return rowFactor{}, err
		}
		rows, cols := m.Dims()
		b, err := centered(m, mean)
		if err != nil {
			return rowFactor{}, err
		}
		if rows < cols {
			// Short partitions cannot be reduced; pass the centered block
			// through. Stacking it is just as valid for the final factor.
			return rowFactor{r: append([]float64(nil), b.RawMatrix().Data...), k: rows}, nil
		}
		var qr mat.QR
		qr.Factorize(b)
		full := mat.NewDense(rows, cols, nil)
		qr.RTo(full)
		r := make([]float64, cols*cols)
		for i := 0; i < cols; i++ {
			for j := 0; j < cols; j++ {
				r[i*cols+j] = full.At(i, j)
			}
		}
		return rowFactor{r: r, k: cols}, nil
	})
	return res.r, res.k, err
}

func (w *LocalWorker) Apply(ctx context.Context, srcID, dstID PartitionID, tf Affine) (Shape, error) {
	return runTask(ctx, w, func() (Shape, error) {
		src, err := w.part(srcID)
		if err != nil {
			return Shape{}, err
		}
		rows, cols := src.Dims()
		if tf.WRows != cols || tf.WCols <= 0 || len(tf.W) != tf.WRows*tf.WCols {
			return Shape{}, fmt.Errorf("cluster: affine weight is %dx%d (%d values) against %d columns",
				tf.WRows, tf.WCols, len(tf.W), cols)
		}
		if tf.Shift != nil && len(tf.Shift) != cols {
			return Shape{}, fmt.Errorf("cluster: affine shift has %d values, want %d", len(tf.Shift), cols)
		}
		if tf.Offset != nil && len(tf.Offset) != tf.WCols {
			return Shape{}, fmt.Errorf("cluster: affine offset has %d values, want %d", len(tf.Offset), tf.WCols)
		}

		b, err := centered(src, tf.Shift)
		if err != nil {
			return Shape{}, err
		}
		wm := mat.NewDense(tf.WRows, tf.WCols, tf.W)
		var out mat.Dense
		out.Mul(b, wm)
		if tf.Offset != nil {
			for i := 0; i < rows; i++ {
				for j := 0; j < tf.WCols; j++ {
					out.Set(i, j, out.At(i, j)+tf.Offset[j])
				}
			}
		}

		dst := device.FromDense(&out, tf.Order, w.pool.Get(rows*tf.WCols))
		w.parts[dstID] = dst
		return Shape{Rows: rows, Cols: tf.WCols}, nil
	})
}

type sseCount struct {
	sse  float64
	rows int
}

func (w *LocalWorker) SquaredError(ctx context.Context, yID, predID PartitionID) (float64, int, error) {
	res, err := runTask(ctx, w, func() (sseCount, error) {
		y, err := w.part(yID)
		if err != nil {
			return sseCount{}, err
		}
		p, err := w.part(predID)
		if err != nil {
			return sseCount{}, err
		}
		yr, yc := y.Dims()
		pr, pc := p.Dims()
		if yr != pr || yc != pc {
			return sseCount{}, fmt.Errorf("cluster: squared error shape mismatch: %dx%d vs %dx%d", yr, yc, pr, pc)
		}
		sse := 0.0
		for i := 0; i < yr; i++ {
			for j := 0; j < yc; j++ {
				d := y.At(i, j) - p.At(i, j)
				sse += d * d
			}
		}
		return sseCount{sse: sse, rows: yr}, nil
	})
	return res.sse, res.rows, err
}

func (w *LocalWorker) Free(ctx context.Context, ids ...PartitionID) error {
	return w.run(ctx, func() error {
		for _, id := range ids {
			if m, ok := w.parts[id]; ok {
				w.pool.Put(m.Data())
				delete(w.parts, id)
			}
		}
		return nil
	})
}

func (w *LocalWorker) Close() error {
	w.once.Do(func() { close(w.quit) })
	return nil
}

// centered returns m - mean as a row-major gonum matrix. A nil mean copies
// m unchanged.
func centered(m *device.Matrix, mean []float64) (*mat.Dense, error) {
	rows, cols := m.Dims()
	if mean != nil && len(mean) != cols {
		return nil, fmt.Errorf("cluster: mean has %d values for %d columns", len(mean), cols)
	}
	b := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := m.At(i, j)
			if mean != nil {
				v -= mean[j]
			}
			b.Set(i, j, v)
		}
	}
	return b, nil
}

func partSeed(seed, part int64) int64 {
	return seed ^ (0x9e3779b9 * (part + 1))
}

// Package cluster provides the worker cluster the benchmark and model code
// drive: an op vocabulary submitted with explicit worker affinity, an
// in-process local cluster, and a remote worker served over Arrow Flight.
package cluster

import (
	"context"

	"github.com/23skdu/longbow-archer/internal/device"
)

// PartitionID names one partition in a worker's store. IDs are allocated by
// the driver (Client.NewID) and are unique across the cluster.
type PartitionID int64

// Shape is the row/column extent of a partition.
type Shape struct {
	Rows, Cols int
}

// GramResult carries the per-partition normal-equation terms for a least
// squares fit. XtX is cols x cols row-major; XSums and YSum let the driver
// augment the system with an intercept without another pass.
type GramResult struct {
	XtX   []float64
	Xty   []float64
	XSums []float64
	YSum  float64
	Rows  int
	Cols  int
}

// Affine describes dst = (src - Shift) * W + Offset, the one map shape that
// covers prediction, PCA transform and inverse transform. Shift and Offset
// may be nil. W is row-major WRows x WCols; WRows must equal the source
// column count.
type Affine struct {
	Shift  []float64
	W      []float64
	WRows  int
	WCols  int
	Offset []float64
	Order  device.Order
}

// BlobSpec parameterizes synthetic clustered data for one partition. Seed
// fixes the cluster centers for the whole logical array; Part salts the
// per-partition noise stream.
type BlobSpec struct {
	Rows, Cols int
	Centers    int
	ClusterStd float64
	Seed       int64
	Part       int64
}

// RegressionSpec parameterizes synthetic regression data for one partition.
// Seed fixes the ground-truth coefficients; Part salts the feature and noise
// streams.
type RegressionSpec struct {
	Rows, Cols  int
	Informative int
	Noise       float64
	Seed        int64
	Part        int64
}

// Worker is one member of the cluster. Ops on a single worker execute
// serially, in submission order; this is the affinity guarantee the driver
// relies on. Implementations: LocalWorker (in-process) and FlightWorker
// (remote, over Arrow Flight).
type Worker interface {
	// Addr identifies the worker (listen address, or local-N).
	Addr() string

	// ConfigurePool sets the worker's buffer-pool retention ceiling in bytes.
	ConfigurePool(ctx context.Context, limit int64) error

	// Put stores m as partition id.
	Put(ctx context.Context, id PartitionID, m *device.Matrix) error

	// Fetch materializes partition id on the caller. The result must be
	// treated as read-only.
	Fetch(ctx context.Context, id PartitionID) (*device.Matrix, error)

	// LoadShards reads the given shard files, concatenates them in order and
	// stores the column-major result as partition id. All files must agree
	// with cols (cols 0 accepts any single width).
	LoadShards(ctx context.Context, id PartitionID, files []string, cols int) (Shape, error)

	// Rechunk re-materializes partition id with the given storage order.
	Rechunk(ctx context.Context, id PartitionID, order device.Order) (Shape, error)

	// MakeBlobs synthesizes clustered data as partition id.
	MakeBlobs(ctx context.Context, id PartitionID, spec BlobSpec) (Shape, error)

	// MakeRegression synthesizes a feature partition xID and matching label
	// partition yID.
	MakeRegression(ctx context.Context, xID, yID PartitionID, spec RegressionSpec) error

	// Gram computes the normal-equation terms of partitions xID (features)
	// and yID (labels, one column).
	Gram(ctx context.Context, xID, yID PartitionID) (*GramResult, error)

	// ColumnSums returns the per-column sums and row count of partition id.
	ColumnSums(ctx context.Context, id PartitionID) ([]float64, int, error)

	// CenteredScatter returns (X-mean)^T (X-mean) of partition id as a
	// cols x cols row-major slice.
	CenteredScatter(ctx context.Context, id PartitionID, mean []float64) ([]float64, error)

	// ThinR returns an orthogonal row reduction of the mean-centered
	// partition: the R factor of its thin QR (k x cols row-major, k rows
	// reported separately). Partitions with fewer rows than columns are
	// returned as-is; stacking either form preserves the Gram product.
	ThinR(ctx context.Context, id PartitionID, mean []float64) ([]float64, int, error)

	// Apply runs the affine map over partition srcID and stores the result
	// as partition dstID.
	Apply(ctx context.Context, srcID, dstID PartitionID, tf Affine) (Shape, error)

	// SquaredError returns the summed squared difference and row count of
	// two single-column partitions. Shapes must match exactly.
	SquaredError(ctx context.Context, yID, predID PartitionID) (float64, int, error)

	// Free drops the given partitions, returning their buffers to the pool.
	// Unknown IDs are ignored.
	Free(ctx context.Context, ids ...PartitionID) error

	// Close releases the worker handle. For local workers this stops the
	// task loop and drops the store; for remote workers it only closes the
	// connection.
	Close() error
}

package linreg

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-archer/internal/darray"
)

// MSE computes the mean squared error between two aligned single-column
// distributed arrays as a partition-weighted average: each worker reports
// its summed squared difference and row count, and the driver reduces. The
// result equals the MSE over the concatenated arrays. A per-partition shape
// mismatch is an error, never a skipped contribution.
func MSE(ctx context.Context, y, pred *darray.Array) (float64, error) {
	if y.Cols() != 1 || pred.Cols() != 1 {
		return 0, fmt.Errorf("linreg: mse needs single-column arrays, got %d and %d", y.Cols(), pred.Cols())
	}
	if err := darray.Aligned(y, pred); err != nil {
		return 0, fmt.Errorf("linreg: mse: %w", err)
	}

	var mu sync.Mutex
	sse := 0.0
	rows := 0
	g, gctx := errgroup.WithContext(ctx)
	yParts, pParts := y.Parts(), pred.Parts()
	for i := range yParts {
		g.Go(func() error {
			s, n, err := yParts[i].Worker.SquaredError(gctx, yParts[i].ID, pParts[i].ID)
			if err != nil {
				return fmt.Errorf("linreg: mse on %s: %w", yParts[i].Worker.Addr(), err)
			}
			mu.Lock()
			sse += s
			rows += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, fmt.Errorf("linreg: mse over zero rows")
	}
	return sse / float64(rows), nil
}

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Client is the driver's handle on a worker cluster. A client either owns an
// in-process local cluster (NewLocal) or is attached to remote workers listed
// in a scheduler file (Connect). Close tears workers down only when the
// client created them.
type Client struct {
	workers []Worker
	owned   bool
	nextID  atomic.Int64
}

// NewLocal creates an in-process cluster of n workers, each with the given
// buffer-pool ceiling.
func NewLocal(n int, poolLimit int64) (*Client, error) {
	if n <= 0 {
		return nil, fmt.Errorf("cluster: need at least one worker, got %d", n)
	}
	workers := make([]Worker, n)
	for i := range workers {
		workers[i] = NewLocalWorker(i, poolLimit)
	}
	log.Info().Int("workers", n).Msg("local cluster up")
	return &Client{workers: workers, owned: true}, nil
}

// SchedulerFile is the on-disk description of an existing cluster: the Flight
// listen addresses of its workers.
type SchedulerFile struct {
	Workers []string `json:"workers"`
}

// Connect attaches to the remote workers listed in the scheduler file at
// path. The resulting client does not own the cluster; Close only drops the
// connections.
func Connect(path string) (*Client, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cluster: scheduler file: %w", err)
	}
	var sf SchedulerFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("cluster: scheduler file %s: %w", path, err)
	}
	if len(sf.Workers) == 0 {
		return nil, fmt.Errorf("cluster: scheduler file %s lists no workers", path)
	}

	workers := make([]Worker, 0, len(sf.Workers))
	for _, addr := range sf.Workers {
		fw, err := NewFlightWorker(addr)
		if err != nil {
			for _, w := range workers {
				_ = w.Close()
			}
			return nil, fmt.Errorf("cluster: worker %s: %w", addr, err)
		}
		workers = append(workers, fw)
	}
	log.Info().Int("workers", len(workers)).Str("scheduler_file", path).Msg("attached to cluster")
	return &Client{workers: workers, owned: false}, nil
}

// Workers returns the cluster members in rank order.
func (c *Client) Workers() []Worker { return c.workers }

// Owned reports whether this client created the cluster.
func (c *Client) Owned() bool { return c.owned }

// NewID allocates a cluster-unique partition ID.
func (c *Client) NewID() PartitionID {
	return PartitionID(c.nextID.Add(1))
}

// Broadcast runs fn against every worker concurrently and waits for all of
// them; the first error cancels the rest.
func (c *Client) Broadcast(ctx context.Context, fn func(ctx context.Context, rank int, w Worker) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, w := range c.workers {
		g.Go(func() error { return fn(ctx, i, w) })
	}
	return g.Wait()
}

// ConfigurePools sets every worker's buffer-pool ceiling, the cluster-wide
// allocator setup step run at the top of each benchmark iteration.
func (c *Client) ConfigurePools(ctx context.Context, limit int64) error {
	return c.Broadcast(ctx, func(ctx context.Context, _ int, w Worker) error {
		return w.ConfigurePool(ctx, limit)
	})
}

// Close releases all worker handles. Local workers are stopped; attached
// remote workers stay up, only the connections drop.
func (c *Client) Close() error {
	var firstErr error
	for _, w := range c.workers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

package cluster

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-archer/internal/device"
)

// FlightWorker is the driver-side proxy for a worker served over Arrow
// Flight. Ops become DoAction calls with CBOR bodies; partition transfer
// uses DoGet/DoPut record streams.
type FlightWorker struct {
	addr  string
	conn  *grpc.ClientConn
	fc    flight.Client
	alloc memory.Allocator
}

// NewFlightWorker connects to the worker listening at addr.
func NewFlightWorker(addr string) (*FlightWorker, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &FlightWorker{
		addr:  addr,
		conn:  conn,
		fc:    flight.NewClientFromConn(conn, nil),
		alloc: memory.NewGoAllocator(),
	}, nil
}

func (w *FlightWorker) Addr() string { return w.addr }

func (w *FlightWorker) doAction(ctx context.Context, name string, req, resp any) error {
	body, err := cbor.Marshal(req)
	if err != nil {
		return fmt.Errorf("cluster: %s request: %w", name, err)
	}
	stream, err := w.fc.DoAction(ctx, &flight.Action{Type: name, Body: body})
	if err != nil {
		return fmt.Errorf("cluster: %s on %s: %w", name, w.addr, err)
	}
	res, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("cluster: %s on %s: %w", name, w.addr, err)
	}
	if resp != nil {
		if err := cbor.Unmarshal(res.Body, resp); err != nil {
			return fmt.Errorf("cluster: %s response: %w", name, err)
		}
	}
	return nil
}

func (w *FlightWorker) ConfigurePool(ctx context.Context, limit int64) error {
	return w.doAction(ctx, actionConfigurePool, configurePoolReq{Limit: limit}, nil)
}

func (w *FlightWorker) Put(ctx context.Context, id PartitionID, m *device.Matrix) error {
	stream, err := w.fc.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("cluster: put on %s: %w", w.addr, err)
	}
	schema := matrixSchema(m)
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(w.alloc))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{strconv.FormatInt(int64(id), 10)},
	})
	rec := matrixRecord(w.alloc, schema, m)
	defer rec.Release()
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("cluster: put on %s: %w", w.addr, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("cluster: put on %s: %w", w.addr, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("cluster: put on %s: %w", w.addr, err)
	}
	// Wait for the server's ack so a rejected put is an error here, not a
	// silently missing partition.
	if _, err := stream.Recv(); err != nil && err != io.EOF {
		return fmt.Errorf("cluster: put on %s: %w", w.addr, err)
	}
	return nil
}

func (w *FlightWorker) Fetch(ctx context.Context, id PartitionID) (*device.Matrix, error) {
	body, err := cbor.Marshal(partitionReq{ID: int64(id)})
	if err != nil {
		return nil, err
	}
	stream, err := w.fc.DoGet(ctx, &flight.Ticket{Ticket: body})
	if err != nil {
		return nil, fmt.Errorf("cluster: fetch on %s: %w", w.addr, err)
	}
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(w.alloc))
	if err != nil {
		return nil, fmt.Errorf("cluster: fetch on %s: %w", w.addr, err)
	}
	defer reader.Release()

	rows, cols, order, err := schemaDims(reader.Schema())
	if err != nil {
		return nil, err
	}
	buf := make([]float64, rows*cols)
	off := 0
	for reader.Next() {
		if off, err = appendRecord(buf, off, reader.Record()); err != nil {
			return nil, err
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("cluster: fetch on %s: %w", w.addr, err)
	}
	if off != rows*cols {
		return nil, fmt.Errorf("cluster: fetch on %s: %d of %d values", w.addr, off, rows*cols)
	}
	return device.NewMatrixFrom(rows, cols, order, buf), nil
}

func (w *FlightWorker) LoadShards(ctx context.Context, id PartitionID, files []string, cols int) (Shape, error) {
	var resp shapeResp
	err := w.doAction(ctx, actionLoadShards, loadShardsReq{ID: int64(id), Files: files, Cols: cols}, &resp)
	return Shape(resp), err
}

func (w *FlightWorker) Rechunk(ctx context.Context, id PartitionID, order device.Order) (Shape, error) {
	var resp shapeResp
	err := w.doAction(ctx, actionRechunk, rechunkReq{ID: int64(id), Order: int(order)}, &resp)
	return Shape(resp), err
}

func (w *FlightWorker) MakeBlobs(ctx context.Context, id PartitionID, spec BlobSpec) (Shape, error) {
	var resp shapeResp
	err := w.doAction(ctx, actionMakeBlobs, makeBlobsReq{ID: int64(id), Spec: spec}, &resp)
	return Shape(resp), err
}

func (w *FlightWorker) MakeRegression(ctx context.Context, xID, yID PartitionID, spec RegressionSpec) error {
	return w.doAction(ctx, actionMakeRegression, makeRegressionReq{XID: int64(xID), YID: int64(yID), Spec: spec}, nil)
}

func (w *FlightWorker) Gram(ctx context.Context, xID, yID PartitionID) (*GramResult, error) {
	var resp gramResp
	if err := w.doAction(ctx, actionGram, gramReq{XID: int64(xID), YID: int64(yID)}, &resp); err != nil {
		return nil, err
	}
	return &GramResult{
		XtX:   resp.XtX,
		Xty:   resp.Xty,
		XSums: resp.XSums,
		YSum:  resp.YSum,
		Rows:  resp.Rows,
		Cols:  resp.Cols,
	}, nil
}

func (w *FlightWorker) ColumnSums(ctx context.Context, id PartitionID) ([]float64, int, error) {
	var resp columnSumsResp
	if err := w.doAction(ctx, actionColumnSums, partitionReq{ID: int64(id)}, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Sums, resp.Rows, nil
}

func (w *FlightWorker) CenteredScatter(ctx context.Context, id PartitionID, mean []float64) ([]float64, error) {
	var resp scatterResp
	if err := w.doAction(ctx, actionScatter, scatterReq{ID: int64(id), Mean: mean}, &resp); err != nil {
		return nil, err
	}
	return resp.S, nil
}

func (w *FlightWorker) ThinR(ctx context.Context, id PartitionID, mean []float64) ([]float64, int, error) {
	var resp thinRResp
	if err := w.doAction(ctx, actionThinR, scatterReq{ID: int64(id), Mean: mean}, &resp); err != nil {
		return nil, 0, err
	}
	return resp.R, resp.K, nil
}

func (w *FlightWorker) Apply(ctx context.Context, srcID, dstID PartitionID, tf Affine) (Shape, error) {
	var resp shapeResp
	err := w.doAction(ctx, actionApply, applyReq{
		SrcID:  int64(srcID),
		DstID:  int64(dstID),
		Shift:  tf.Shift,
		W:      tf.W,
		WRows:  tf.WRows,
		WCols:  tf.WCols,
		Offset: tf.Offset,
		Order:  int(tf.Order),
	}, &resp)
	return Shape(resp), err
}

func (w *FlightWorker) SquaredError(ctx context.Context, yID, predID PartitionID) (float64, int, error) {
	var resp squaredErrorResp
	if err := w.doAction(ctx, actionSquaredError, squaredErrorReq{YID: int64(yID), PredID: int64(predID)}, &resp); err != nil {
		return 0, 0, err
	}
	return resp.SSE, resp.Rows, nil
}

func (w *FlightWorker) Free(ctx context.Context, ids ...PartitionID) error {
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}
	return w.doAction(ctx, actionFree, freeReq{IDs: raw}, nil)
}

// Close drops the connection. The remote worker keeps running.
func (w *FlightWorker) Close() error {
	return w.conn.Close()
}

package cluster

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-archer/internal/device"
)

// Server exposes one LocalWorker over Arrow Flight so a driver on another
// machine can attach to it through a scheduler file.
type Server struct {
	flight.BaseFlightServer
	worker *LocalWorker
	alloc  memory.Allocator
	srv    flight.Server
}

// NewServer wraps worker for serving.
func NewServer(worker *LocalWorker) *Server {
	return &Server{worker: worker, alloc: memory.NewGoAllocator()}
}

// Init binds the listener at addr (":0" picks a free port).
func (s *Server) Init(addr string) error {
	s.srv = flight.NewFlightServer()
	s.srv.RegisterFlightService(s)
	return s.srv.Init(addr)
}

// Serve blocks serving the worker.
func (s *Server) Serve() error {
	log.Info().Str("addr", s.Addr()).Msg("worker serving")
	return s.srv.Serve()
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.srv.Addr().String() }

// Shutdown stops the Flight server and the worker task loop.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
	_ = s.worker.Close()
}

func (s *Server) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	ctx := stream.Context()
	respond := func(v any) error {
		body, err := cbor.Marshal(v)
		if err != nil {
			return err
		}
		return stream.Send(&flight.Result{Body: body})
	}

	switch action.Type {
	case actionConfigurePool:
		var req configurePoolReq
		if err := cbor.Unmarshal(action.Body, &req); err != nil {
			return err
		}
		if err := s.worker.ConfigurePool(ctx, req.Limit); err != nil {
			return err
		}
		return respond(struct{}{})

	case actionLoadShards:
		var req loadShardsReq
		if err := cbor.Unmarshal(action.Body, &req); err != nil {
			return err
		}
		shape, err := s.worker.LoadShards(ctx, PartitionID(req.ID), req.Files, req.Cols)
		if err != nil {
			return err
		}
		return respond(shapeResp(shape))

	case actionRechunk:
		var req rechunkReq
		if err := cbor.Unmarshal(action.Body, &req); err != nil {
			return err
		}
		shape, err := s.worker.Rechunk(ctx, PartitionID(req.ID), device.Order(req.Order))
		if err != nil {
			return err
		}
		return respond(shapeResp(shape))

	case actionMakeBlobs:
		var req makeBlobsReq
		if err := cbor.Unmarshal(action.Body, &req); err != nil {
			return err
		}
		shape, err := s.worker.MakeBlobs(ctx, PartitionID(req.ID), req.Spec)
		if err != nil {
			return err
		}
		return respond(shapeResp(shape))

	case actionMakeRegression:
		var req makeRegressionReq
		if err := cbor.Unmarshal(action.Body, &req); err != nil {
			return err
		}
		if err := s.worker.MakeRegression(ctx, PartitionID(req.XID), PartitionID(req.YID), req.Spec); err != nil {
			return err
		}
		return respond(struct{}{})

	case actionGram:
		var req gramReq
		if err := cbor.Unmarshal(action.Body, &req); err != nil {
			return err
		}
		res, err := s.worker.Gram(ctx, PartitionID(req.XID), PartitionID(req.YID))
		if err != nil {
			return err
		}
		return respond(gramResp{
			XtX: res.XtX, Xty: res.Xty, XSums: res.XSums,
			YSum: res.YSum, Rows: res.Rows, Cols: res.Cols,
		})

	case actionColumnSums:
		var req partitionReq
		if err := cbor.Unmarshal(action.Body, &req); err != nil {
			return err
		}
		sums, rows, err := s.worker.ColumnSums(ctx, PartitionID(req.ID))
		if err != nil {
			return err
		}
		return respond(columnSumsResp{Sums: sums, Rows: rows})

	case actionScatter:
		var req scatterReq
		if err := cbor.Unmarshal(action.Body, &req); err != nil {
			return err
		}
		scatter, err := s.worker.CenteredScatter(ctx, PartitionID(req.ID), req.Mean)
		if err != nil {
			return err
		}
		return respond(scatterResp{S: scatter})

	case actionThinR:
		var req scatterReq
		if err := cbor.Unmarshal(action.Body, &req); err != nil {
			return err
		}
		r, k, err := s.worker.ThinR(ctx, PartitionID(req.ID), req.Mean)
		if err != nil {
			return err
		}
		return respond(thinRResp{R: r, K: k})

	case actionApply:
		var req applyReq
		if err := cbor.Unmarshal(action.Body, &req); err != nil {
			return err
		}
		shape, err := s.worker.Apply(ctx, PartitionID(req.SrcID), PartitionID(req.DstID), Affine{
			Shift:  req.Shift,
			W:      req.W,
			WRows:  req.WRows,
			WCols:  req.WCols,
			Offset: req.Offset,
			Order:  device.Order(req.Order),
		})
		if err != nil {
			return err
		}
		return respond(shapeResp(shape))

	case actionSquaredError:
		var req squaredErrorReq
		if err := cbor.Unmarshal(action.Body, &req); err != nil {
			return err
		}
		sse, rows, err := s.worker.SquaredError(ctx, PartitionID(req.YID), PartitionID(req.PredID))
		if err != nil {
			return err
		}
		return respond(squaredErrorResp{SSE: sse, Rows: rows})

	case actionFree:
		var req freeReq
		if err := cbor.Unmarshal(action.Body, &req); err != nil {
			return err
		}
		ids := make([]PartitionID, len(req.IDs))
		for i, id := range req.IDs {
			ids[i] = PartitionID(id)
		}
		if err := s.worker.Free(ctx, ids...); err != nil {
			return err
		}
		return respond(struct{}{})
	}
	return fmt.Errorf("cluster: unknown action %q", action.Type)
}

func (s *Server) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	var req partitionReq
	if err := cbor.Unmarshal(ticket.Ticket, &req); err != nil {
		return err
	}
	m, err := s.worker.Fetch(stream.Context(), PartitionID(req.ID))
	if err != nil {
		return err
	}
	schema := matrixSchema(m)
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(s.alloc))
	rec := matrixRecord(s.alloc, schema, m)
	defer rec.Release()
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func (s *Server) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	// The descriptor rides the schema message only; later data messages
	// overwrite the reader's copy with nil, so grab it before draining.
	desc := reader.LatestFlightDescriptor()
	if desc == nil || len(desc.Path) != 1 {
		return fmt.Errorf("cluster: put descriptor must name one partition")
	}
	id, err := strconv.ParseInt(desc.Path[0], 10, 64)
	if err != nil {
		return fmt.Errorf("cluster: put descriptor %q: %w", desc.Path[0], err)
	}

	rows, cols, order, err := schemaDims(reader.Schema())
	if err != nil {
		return err
	}
	buf := make([]float64, rows*cols)
	off := 0
	for reader.Next() {
		if off, err = appendRecord(buf, off, reader.Record()); err != nil {
			return err
		}
	}
	if err := reader.Err(); err != nil {
		return err
	}
	if off != rows*cols {
		return fmt.Errorf("cluster: put received %d of %d values", off, rows*cols)
	}

	if err := s.worker.Put(stream.Context(), PartitionID(id), device.NewMatrixFrom(rows, cols, order, buf)); err != nil {
		return err
	}
	return stream.Send(&flight.PutResult{})
}

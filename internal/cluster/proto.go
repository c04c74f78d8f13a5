package cluster

// Wire envelopes for remote worker ops. Actions ride Flight DoAction with
// CBOR bodies; partition payloads ride DoGet/DoPut as Arrow record batches.

const (
	actionConfigurePool  = "configure-pool"
	actionLoadShards     = "load-shards"
	actionRechunk        = "rechunk"
	actionMakeBlobs      = "make-blobs"
	actionMakeRegression = "make-regression"
	actionGram           = "gram"
	actionColumnSums     = "column-sums"
	actionScatter        = "centered-scatter"
	actionThinR          = "thin-r"
	actionApply          = "apply"
	actionSquaredError   = "squared-error"
	actionFree           = "free"
)

type configurePoolReq struct {
	Limit int64 `cbor:"limit"`
}

type loadShardsReq struct {
	ID    int64    `cbor:"id"`
	Files []string `cbor:"files"`
	Cols  int      `cbor:"cols"`
}

type shapeResp struct {
	Rows int `cbor:"rows"`
	Cols int `cbor:"cols"`
}

type rechunkReq struct {
	ID    int64 `cbor:"id"`
	Order int   `cbor:"order"`
}

type makeBlobsReq struct {
	ID   int64    `cbor:"id"`
	Spec BlobSpec `cbor:"spec"`
}

type makeRegressionReq struct {
	XID  int64          `cbor:"x_id"`
	YID  int64          `cbor:"y_id"`
	Spec RegressionSpec `cbor:"spec"`
}

type gramReq struct {
	XID int64 `cbor:"x_id"`
	YID int64 `cbor:"y_id"`
}

type gramResp struct {
	XtX   []float64 `cbor:"xtx"`
	Xty   []float64 `cbor:"xty"`
	XSums []float64 `cbor:"x_sums"`
	YSum  float64   `cbor:"y_sum"`
	Rows  int       `cbor:"rows"`
	Cols  int       `cbor:"cols"`
}

type partitionReq struct {
	ID int64 `cbor:"id"`
}

type columnSumsResp struct {
	Sums []float64 `cbor:"sums"`
	Rows int       `cbor:"rows"`
}

type scatterReq struct {
	ID   int64     `cbor:"id"`
	Mean []float64 `cbor:"mean"`
}

type scatterResp struct {
	S []float64 `cbor:"s"`
}

type thinRResp struct {
	R []float64 `cbor:"r"`
	K int       `cbor:"k"`
}

type applyReq struct {
	SrcID  int64     `cbor:"src_id"`
	DstID  int64     `cbor:"dst_id"`
	Shift  []float64 `cbor:"shift,omitempty"`
	W      []float64 `cbor:"w"`
	WRows  int       `cbor:"w_rows"`
	WCols  int       `cbor:"w_cols"`
	Offset []float64 `cbor:"offset,omitempty"`
	Order  int       `cbor:"order"`
}

type squaredErrorReq struct {
	YID    int64 `cbor:"y_id"`
	PredID int64 `cbor:"pred_id"`
}

type squaredErrorResp struct {
	SSE  float64 `cbor:"sse"`
	Rows int     `cbor:"rows"`
}

type freeReq struct {
	IDs []int64 `cbor:"ids"`
}

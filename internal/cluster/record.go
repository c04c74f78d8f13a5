package cluster

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-archer/internal/device"
)

// Partition transfer schema: one float64 "values" column in storage order,
// shape and order carried as schema metadata.

const (
	metaRows  = "archer:rows"
	metaCols  = "archer:cols"
	metaOrder = "archer:order"
)

func matrixSchema(m *device.Matrix) *arrow.Schema {
	rows, cols := m.Dims()
	md := arrow.NewMetadata(
		[]string{metaRows, metaCols, metaOrder},
		[]string{strconv.Itoa(rows), strconv.Itoa(cols), strconv.Itoa(int(m.Order()))},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "values", Type: arrow.PrimitiveTypes.Float64},
	}, &md)
}

func matrixRecord(alloc memory.Allocator, schema *arrow.Schema, m *device.Matrix) arrow.RecordBatch {
	b := array.NewFloat64Builder(alloc)
	defer b.Release()
	b.AppendValues(m.Data(), nil)
	arr := b.NewArray()
	defer arr.Release()
	return array.NewRecordBatch(schema, []arrow.Array{arr}, int64(len(m.Data())))
}

func schemaDims(s *arrow.Schema) (rows, cols int, order device.Order, err error) {
	md := s.Metadata()
	for _, key := range []string{metaRows, metaCols, metaOrder} {
		if md.FindKey(key) < 0 {
			return 0, 0, 0, fmt.Errorf("cluster: partition record missing %s", key)
		}
	}
	rows, err = strconv.Atoi(md.Values()[md.FindKey(metaRows)])
	if err != nil {
		return 0, 0, 0, err
	}
	cols, err = strconv.Atoi(md.Values()[md.FindKey(metaCols)])
	if err != nil {
		return 0, 0, 0, err
	}
	o, err := strconv.Atoi(md.Values()[md.FindKey(metaOrder)])
	if err != nil {
		return 0, 0, 0, err
	}
	return rows, cols, device.Order(o), nil
}

// appendRecord copies one batch worth of values into buf, returning the new
// fill offset.
func appendRecord(buf []float64, off int, rec arrow.RecordBatch) (int, error) {
	vals, ok := rec.Column(0).(*array.Float64)
	if !ok {
		return off, fmt.Errorf("cluster: partition column is %T, want float64", rec.Column(0))
	}
	n := copy(buf[off:], vals.Float64Values())
	if n != vals.Len() {
		return off, fmt.Errorf("cluster: partition batch overflows %d-value buffer", len(buf))
	}
	return off + n, nil
}

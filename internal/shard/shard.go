// Package shard reads and writes on-disk array shards. A shard file is a
// single Arrow IPC file holding one float32 "values" column plus row/column
// metadata; one file is one contiguous row block of a larger dataset.
package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-archer/internal/device"
)

const (
	metaRows = "archer:rows"
	metaCols = "archer:cols"
)

func shardSchema(rows, cols int) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{metaRows, metaCols},
		[]string{strconv.Itoa(rows), strconv.Itoa(cols)},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "values", Type: arrow.PrimitiveTypes.Float32},
	}, &md)
}

// Write serializes m to path as a float32 shard. Values are stored in row
// scan order.
func Write(path string, m *device.Matrix) error {
	rows, cols := m.Dims()

	pool := memory.NewGoAllocator()
	b := array.NewFloat32Builder(pool)
	defer b.Release()
	b.Reserve(rows * cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			b.Append(float32(m.At(i, j)))
		}
	}
	arr := b.NewArray()
	defer arr.Release()

	schema := shardSchema(rows, cols)
	rec := array.NewRecordBatch(schema, []arrow.Array{arr}, int64(rows*cols))
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(pool))
	if err != nil {
		return err
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Read loads a shard file into a matrix with the given storage order.
func Read(path string, order device.Order) (*device.Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", path, err)
	}
	defer r.Close()

	rows, cols, err := dims(r.Schema())
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", path, err)
	}

	m := device.NewMatrix(rows, cols, order)
	idx := 0
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.RecordAt(i)
		if err != nil {
			return nil, fmt.Errorf("shard %s: %w", path, err)
		}
		vals, ok := rec.Column(0).(*array.Float32)
		if !ok {
			return nil, fmt.Errorf("shard %s: values column is %T, want float32", path, rec.Column(0))
		}
		for _, v := range vals.Float32Values() {
			m.Set(idx/cols, idx%cols, float64(v))
			idx++
		}
	}
	if idx != rows*cols {
		return nil, fmt.Errorf("shard %s: %d values for %dx%d shard", path, idx, rows, cols)
	}
	return m, nil
}

func dims(s *arrow.Schema) (rows, cols int, err error) {
	md := s.Metadata()
	ri := md.FindKey(metaRows)
	ci := md.FindKey(metaCols)
	if ri < 0 || ci < 0 {
		return 0, 0, fmt.Errorf("missing shape metadata")
	}
	rows, err = strconv.Atoi(md.Values()[ri])
	if err != nil {
		return 0, 0, err
	}
	cols, err = strconv.Atoi(md.Values()[ci])
	if err != nil {
		return 0, 0, err
	}
	if rows <= 0 || cols <= 0 {
		return 0, 0, fmt.Errorf("bad shape %dx%d", rows, cols)
	}
	return rows, cols, nil
}

// List returns the shard files under dir in lexical order.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no shard files under %s", dir)
	}
	return files, nil
}

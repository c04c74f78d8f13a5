package device

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Order is the memory layout of a Matrix.
type Order int

const (
	RowMajor Order = iota
	ColMajor
)

func (o Order) String() string {
	if o == ColMajor {
		return "col-major"
	}
	return "row-major"
}

// Matrix is a dense float64 matrix with an explicit storage order. Partitions
// of a distributed array are held as column-major matrices on their owning
// worker; everything crossing the gonum boundary is row-major.
type Matrix struct {
	rows, cols int
	order      Order
	data       []float64
}

// NewMatrix allocates a zeroed rows x cols matrix with the given order.
func NewMatrix(rows, cols int, order Order) *Matrix {
	return &Matrix{rows: rows, cols: cols, order: order, data: make([]float64, rows*cols)}
}

// NewMatrixFrom wraps data (taking ownership) as a rows x cols matrix.
// len(data) must be at least rows*cols; any excess capacity is kept so the
// buffer can return to its pool bucket intact.
func NewMatrixFrom(rows, cols int, order Order, data []float64) *Matrix {
	if len(data) < rows*cols {
		panic(fmt.Sprintf("device: buffer of %d for %dx%d matrix", len(data), rows, cols))
	}
	return &Matrix{rows: rows, cols: cols, order: order, data: data[:rows*cols]}
}

// Dims returns (rows, cols).
func (m *Matrix) Dims() (int, int) { return m.rows, m.cols }

// Order returns the storage order.
func (m *Matrix) Order() Order { return m.order }

// Data returns the backing slice in storage order.
func (m *Matrix) Data() []float64 { return m.data }

func (m *Matrix) index(i, j int) int {
	if m.order == ColMajor {
		return j*m.rows + i
	}
	return i*m.cols + j
}

// At returns the value at (i, j). Slow path, debugging and tests only.
func (m *Matrix) At(i, j int) float64 { return m.data[m.index(i, j)] }

// Set sets the value at (i, j).
func (m *Matrix) Set(i, j int, v float64) { m.data[m.index(i, j)] = v }

// ToOrder returns a matrix with the requested order, converting into dst.
// dst must hold rows*cols values; pass nil to allocate. When the order
// already matches, m is returned unchanged and dst is untouched.
func (m *Matrix) ToOrder(order Order, dst []float64) *Matrix {
	if m.order == order {
		return m
	}
	if dst == nil {
		dst = make([]float64, m.rows*m.cols)
	}
	out := NewMatrixFrom(m.rows, m.cols, order, dst)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			out.data[out.index(i, j)] = m.data[m.index(i, j)]
		}
	}
	return out
}

// Dense returns a gonum view of the matrix. Row-major matrices share the
// backing slice; column-major matrices are copied.
func (m *Matrix) Dense() *mat.Dense {
	if m.order == RowMajor {
		return mat.NewDense(m.rows, m.cols, m.data)
	}
	d := mat.NewDense(m.rows, m.cols, nil)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			d.Set(i, j, m.At(i, j))
		}
	}
	return d
}

// FromDense copies d into a matrix with the given order, writing into dst.
// dst must hold rows*cols values; pass nil to allocate.
func FromDense(d mat.Matrix, order Order, dst []float64) *Matrix {
	r, c := d.Dims()
	if dst == nil {
		dst = make([]float64, r*c)
	}
	m := NewMatrixFrom(r, c, order, dst)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, d.At(i, j))
		}
	}
	return m
}

// Concat stacks ms vertically into a single matrix with the given order,
// writing into dst (nil to allocate). All inputs must agree on column count.
func Concat(ms []*Matrix, order Order, dst []float64) (*Matrix, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("device: concat of zero matrices")
	}
	_, cols := ms[0].Dims()
	rows := 0
	for _, m := range ms {
		r, c := m.Dims()
		if c != cols {
			return nil, fmt.Errorf("device: concat column mismatch: %d vs %d", c, cols)
		}
		rows += r
	}
	if dst == nil {
		dst = make([]float64, rows*cols)
	}
	out := NewMatrixFrom(rows, cols, order, dst)
	off := 0
	for _, m := range ms {
		r, _ := m.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < cols; j++ {
				out.Set(off+i, j, m.At(i, j))
			}
		}
		off += r
	}
	return out, nil
}

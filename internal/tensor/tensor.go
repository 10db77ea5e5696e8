// Package tensor provides the dense numeric batch types moved between
// retrieval workers: row-major float32 matrices for query hidden states
// and scores, int64 matrices for document ids, and rank-3 float32 tensors
// for retrieved document embeddings. Shapes are explicit so chunk
// boundaries between workers can be reproduced exactly.
package tensor

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch reports incompatible dimensions between batches.
	ErrShapeMismatch = errors.New("tensor shape mismatch")

	// ErrBadChunkSizes reports chunk sizes that do not sum to the leading dimension.
	ErrBadChunkSizes = errors.New("chunk sizes do not cover leading dimension")
)

// Matrix is a dense row-major float32 matrix.
type Matrix struct {
	Rows int
	Cols int
	Data []float32
}

// NewMatrix allocates a zero matrix of the given shape.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// Row returns row i as a slice aliasing the underlying storage.
func (m Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// At returns the element at (i, j).
func (m Matrix) At(i, j int) float32 { return m.Data[i*m.Cols+j] }

// Set assigns the element at (i, j).
func (m *Matrix) Set(i, j int, v float32) { m.Data[i*m.Cols+j] = v }

// IDMatrix is a dense row-major int64 matrix (document ids per query).
type IDMatrix struct {
	Rows int
	Cols int
	Data []int64
}

// NewIDMatrix allocates a zero id matrix of the given shape.
func NewIDMatrix(rows, cols int) IDMatrix {
	return IDMatrix{Rows: rows, Cols: cols, Data: make([]int64, rows*cols)}
}

// Row returns row i as a slice aliasing the underlying storage.
func (m IDMatrix) Row(i int) []int64 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// At returns the element at (i, j).
func (m IDMatrix) At(i, j int) int64 { return m.Data[i*m.Cols+j] }

// Set assigns the element at (i, j).
func (m *IDMatrix) Set(i, j int, v int64) { m.Data[i*m.Cols+j] = v }

// Tensor3 is a dense rank-3 float32 tensor, laid out D0-major
// (document embeddings per query per retrieved doc).
type Tensor3 struct {
	D0   int
	D1   int
	D2   int
	Data []float32
}

// NewTensor3 allocates a zero tensor of the given shape.
func NewTensor3(d0, d1, d2 int) Tensor3 {
	return Tensor3{D0: d0, D1: d1, D2: d2, Data: make([]float32, d0*d1*d2)}
}

// Vec returns the (i, j) fiber along the last axis, aliasing the storage.
func (t Tensor3) Vec(i, j int) []float32 {
	off := (i*t.D1 + j) * t.D2
	return t.Data[off : off+t.D2]
}

// ConcatMatrices stacks matrices along the row axis, in the given order.
// All inputs must agree on the column count.
func ConcatMatrices(ms []Matrix) (Matrix, error) {
	if len(ms) == 0 {
		return Matrix{}, fmt.Errorf("%w: nothing to concatenate", ErrShapeMismatch)
	}
	cols := ms[0].Cols
	rows := 0
	for i, m := range ms {
		if m.Cols != cols {
			return Matrix{}, fmt.Errorf(
				"%w: matrix %d has %d columns, want %d", ErrShapeMismatch, i, m.Cols, cols,
			)
		}
		rows += m.Rows
	}
	out := NewMatrix(rows, cols)
	off := 0
	for _, m := range ms {
		off += copy(out.Data[off:], m.Data)
	}
	return out, nil
}

// ChunkRows splits the matrix along the row axis into contiguous segments
// of the given sizes, in order. Segments alias the source storage.
func (m Matrix) ChunkRows(sizes []int) ([]Matrix, error) {
	if err := checkChunkSizes(sizes, m.Rows); err != nil {
		return nil, err
	}
	out := make([]Matrix, len(sizes))
	row := 0
	for i, n := range sizes {
		out[i] = Matrix{Rows: n, Cols: m.Cols, Data: m.Data[row*m.Cols : (row+n)*m.Cols]}
		row += n
	}
	return out, nil
}

// ChunkRows splits the id matrix along the row axis into contiguous segments.
func (m IDMatrix) ChunkRows(sizes []int) ([]IDMatrix, error) {
	if err := checkChunkSizes(sizes, m.Rows); err != nil {
		return nil, err
	}
	out := make([]IDMatrix, len(sizes))
	row := 0
	for i, n := range sizes {
		out[i] = IDMatrix{Rows: n, Cols: m.Cols, Data: m.Data[row*m.Cols : (row+n)*m.Cols]}
		row += n
	}
	return out, nil
}

// ChunkD0 splits the tensor along its leading axis into contiguous segments.
func (t Tensor3) ChunkD0(sizes []int) ([]Tensor3, error) {
	if err := checkChunkSizes(sizes, t.D0); err != nil {
		return nil, err
	}
	out := make([]Tensor3, len(sizes))
	stride := t.D1 * t.D2
	off := 0
	for i, n := range sizes {
		out[i] = Tensor3{D0: n, D1: t.D1, D2: t.D2, Data: t.Data[off*stride : (off+n)*stride]}
		off += n
	}
	return out, nil
}

func checkChunkSizes(sizes []int, total int) error {
	sum := 0
	for _, n := range sizes {
		if n < 0 {
			return fmt.Errorf("%w: negative size %d", ErrBadChunkSizes, n)
		}
		sum += n
	}
	if sum != total {
		return fmt.Errorf("%w: sizes sum to %d, leading dimension is %d", ErrBadChunkSizes, sum, total)
	}
	return nil
}

package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire format for batches moved through the retrieval group:
//
//	magic "RRT1" | kind uint8 | ndims uint8 | dims []uint32 | payload LE
//
// Frames are self-describing so the receiving side can validate the shape
// it was promised before touching the payload. A decode against the wrong
// expected shape fails instead of silently mispartitioning rows.

var frameMagic = [4]byte{'R', 'R', 'T', '1'}

const (
	kindF32Matrix = uint8(1)
	kindIDMatrix  = uint8(2)
	kindF32Tensor = uint8(3)
)

// ErrBadFrame reports a malformed or truncated wire frame.
var ErrBadFrame = errors.New("malformed tensor frame")

func encodeHeader(kind uint8, dims ...int) []byte {
	b := make([]byte, 0, 6+4*len(dims))
	b = append(b, frameMagic[:]...)
	b = append(b, kind, uint8(len(dims)))
	for _, d := range dims {
		b = binary.LittleEndian.AppendUint32(b, uint32(d))
	}
	return b
}

func decodeHeader(b []byte, wantKind uint8, wantDims int) ([]int, []byte, error) {
	if len(b) < 6 || [4]byte(b[:4]) != frameMagic {
		return nil, nil, fmt.Errorf("%w: bad magic", ErrBadFrame)
	}
	kind, ndims := b[4], int(b[5])
	if kind != wantKind {
		return nil, nil, fmt.Errorf("%w: kind %d, want %d", ErrBadFrame, kind, wantKind)
	}
	if ndims != wantDims {
		return nil, nil, fmt.Errorf("%w: %d dims, want %d", ErrBadFrame, ndims, wantDims)
	}
	if len(b) < 6+4*ndims {
		return nil, nil, fmt.Errorf("%w: truncated header", ErrBadFrame)
	}
	dims := make([]int, ndims)
	n := 1
	for i := range dims {
		dims[i] = int(binary.LittleEndian.Uint32(b[6+4*i:]))
		n *= dims[i]
	}
	return dims, b[6+4*ndims:], nil
}

// EncodeMatrix serializes a float32 matrix into a wire frame.
func EncodeMatrix(m Matrix) []byte {
	b := encodeHeader(kindF32Matrix, m.Rows, m.Cols)
	return appendF32(b, m.Data)
}

// DecodeMatrix parses a float32 matrix frame, accepting any shape.
func DecodeMatrix(b []byte) (Matrix, error) {
	dims, payload, err := decodeHeader(b, kindF32Matrix, 2)
	if err != nil {
		return Matrix{}, err
	}
	data, err := readF32(payload, dims[0]*dims[1])
	if err != nil {
		return Matrix{}, err
	}
	return Matrix{Rows: dims[0], Cols: dims[1], Data: data}, nil
}

// DecodeMatrixShaped parses a float32 matrix frame and verifies it carries
// exactly the promised shape.
func DecodeMatrixShaped(b []byte, rows, cols int) (Matrix, error) {
	m, err := DecodeMatrix(b)
	if err != nil {
		return Matrix{}, err
	}
	if m.Rows != rows || m.Cols != cols {
		return Matrix{}, fmt.Errorf(
			"%w: got (%d,%d), want (%d,%d)", ErrShapeMismatch, m.Rows, m.Cols, rows, cols,
		)
	}
	return m, nil
}

// EncodeIDMatrix serializes an int64 matrix into a wire frame.
func EncodeIDMatrix(m IDMatrix) []byte {
	b := encodeHeader(kindIDMatrix, m.Rows, m.Cols)
	for _, v := range m.Data {
		b = binary.LittleEndian.AppendUint64(b, uint64(v))
	}
	return b
}

// DecodeIDMatrixShaped parses an int64 matrix frame with the promised shape.
func DecodeIDMatrixShaped(b []byte, rows, cols int) (IDMatrix, error) {
	dims, payload, err := decodeHeader(b, kindIDMatrix, 2)
	if err != nil {
		return IDMatrix{}, err
	}
	if dims[0] != rows || dims[1] != cols {
		return IDMatrix{}, fmt.Errorf(
			"%w: got (%d,%d), want (%d,%d)", ErrShapeMismatch, dims[0], dims[1], rows, cols,
		)
	}
	n := rows * cols
	if len(payload) != 8*n {
		return IDMatrix{}, fmt.Errorf("%w: payload %d bytes, want %d", ErrBadFrame, len(payload), 8*n)
	}
	data := make([]int64, n)
	for i := range data {
		data[i] = int64(binary.LittleEndian.Uint64(payload[8*i:]))
	}
	return IDMatrix{Rows: rows, Cols: cols, Data: data}, nil
}

// EncodeTensor3 serializes a rank-3 float32 tensor into a wire frame.
func EncodeTensor3(t Tensor3) []byte {
	b := encodeHeader(kindF32Tensor, t.D0, t.D1, t.D2)
	return appendF32(b, t.Data)
}

// DecodeTensor3Shaped parses a rank-3 tensor frame with the promised shape.
func DecodeTensor3Shaped(b []byte, d0, d1, d2 int) (Tensor3, error) {
	dims, payload, err := decodeHeader(b, kindF32Tensor, 3)
	if err != nil {
		return Tensor3{}, err
	}
	if dims[0] != d0 || dims[1] != d1 || dims[2] != d2 {
		return Tensor3{}, fmt.Errorf(
			"%w: got (%d,%d,%d), want (%d,%d,%d)",
			ErrShapeMismatch, dims[0], dims[1], dims[2], d0, d1, d2,
		)
	}
	data, err := readF32(payload, d0*d1*d2)
	if err != nil {
		return Tensor3{}, err
	}
	return Tensor3{D0: d0, D1: d1, D2: d2, Data: data}, nil
}

func appendF32(b []byte, data []float32) []byte {
	for _, v := range data {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

func readF32(payload []byte, n int) ([]float32, error) {
	if len(payload) != 4*n {
		return nil, fmt.Errorf("%w: payload %d bytes, want %d", ErrBadFrame, len(payload), 4*n)
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
	}
	return data, nil
}

// Package index defines the nearest-neighbor index the retrieval group
// centralizes on, plus a flat in-memory reference implementation loaded
// from a compressed snapshot. Only the group's rank 0 ever loads it.
package index

import (
	"context"
	"errors"

	"github.com/ragrelay/ragrelay/internal/tensor"
)

var (
	// ErrNotLoaded reports a retrieve against an index that was never loaded.
	ErrNotLoaded = errors.New("index not loaded")

	// ErrDimMismatch reports query vectors whose dimension differs from the corpus.
	ErrDimMismatch = errors.New("query dimension mismatch")

	// ErrTooFewDocs reports an n_docs larger than the corpus.
	ErrTooFewDocs = errors.New("n_docs exceeds corpus size")
)

// Options carries per-call retrieval hints.
type Options struct {
	// DialogLengths holds (current, history) turn counts per query,
	// passed through to implementations that segment dialog context.
	DialogLengths [][2]int

	// Domains restricts each query's candidates to passages tagged with
	// that domain. Empty slice or empty string disables the filter.
	Domains []string
}

// Index is the memory-resident similarity index. Load brings it into
// memory; Retrieve runs the actual nearest-neighbor search over the three
// query views and returns, per query row, the top n_docs document ids,
// their embeddings, and relevance scores.
type Index interface {
	Load(ctx context.Context) error
	Loaded() bool
	Retrieve(
		ctx context.Context,
		combined, current, history tensor.Matrix,
		nDocs int,
		opts Options,
	) (tensor.IDMatrix, tensor.Tensor3, tensor.Matrix, error)
}

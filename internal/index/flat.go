package index

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ragrelay/ragrelay/internal/metrics"
	"github.com/ragrelay/ragrelay/internal/tensor"
)

// Compile-time check: Flat implements Index.
var _ Index = (*Flat)(nil)

// FlatConfig holds flat-index settings.
type FlatConfig struct {
	SnapshotPath string

	// Score weights for the three query views. A passage's relevance is
	// the weighted sum of its inner products with the combined, current,
	// and history hidden states.
	CombinedWeight float32
	CurrentWeight  float32
	HistoryWeight  float32

	Logger *zap.Logger
}

// Flat is a brute-force in-memory index over dense passage embeddings.
// Load reads the snapshot into memory; Retrieve scans every passage per
// query. There is no write path: the corpus is built offline by the loader.
type Flat struct {
	cfg FlatConfig
	log *zap.Logger

	loaded  bool
	dim     int
	ids     []int64
	domains []string
	vectors []float32 // len(ids) * dim, row-major
}

// NewFlat creates an unloaded flat index.
func NewFlat(cfg FlatConfig) *Flat {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.CombinedWeight == 0 && cfg.CurrentWeight == 0 && cfg.HistoryWeight == 0 {
		cfg.CombinedWeight = 1.0
		cfg.CurrentWeight = 0.5
		cfg.HistoryWeight = 0.5
	}
	return &Flat{cfg: cfg, log: log}
}

// Load reads the snapshot into memory. Called once, by the process that
// owns the index; concurrent calls are not supported.
func (f *Flat) Load(_ context.Context) error {
	if f.loaded {
		return nil
	}
	start := time.Now()

	snap, err := ReadSnapshot(f.cfg.SnapshotPath)
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}
	f.dim = snap.Dim
	f.ids = snap.IDs
	f.domains = snap.Domains
	f.vectors = snap.Vectors
	f.loaded = true

	metrics.IndexLoadDuration.Observe(time.Since(start).Seconds())
	metrics.IndexDocs.Set(float64(len(f.ids)))
	f.log.Info("index loaded",
		zap.String("path", f.cfg.SnapshotPath),
		zap.Int("docs", len(f.ids)),
		zap.Int("dim", f.dim),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// Loaded reports whether the snapshot is in memory.
func (f *Flat) Loaded() bool { return f.loaded }

// Retrieve scores every passage against each query row and returns the
// top nDocs per row. DialogLengths are accepted for interface parity but
// the flat scorer does not segment dialogs.
func (f *Flat) Retrieve(
	ctx context.Context,
	combined, current, history tensor.Matrix,
	nDocs int,
	opts Options,
) (tensor.IDMatrix, tensor.Tensor3, tensor.Matrix, error) {
	if !f.loaded {
		return tensor.IDMatrix{}, tensor.Tensor3{}, tensor.Matrix{}, ErrNotLoaded
	}
	if combined.Cols != f.dim || current.Cols != f.dim || history.Cols != f.dim {
		return tensor.IDMatrix{}, tensor.Tensor3{}, tensor.Matrix{}, fmt.Errorf(
			"%w: queries have dim (%d,%d,%d), corpus has %d",
			ErrDimMismatch, combined.Cols, current.Cols, history.Cols, f.dim,
		)
	}
	if nDocs > len(f.ids) {
		return tensor.IDMatrix{}, tensor.Tensor3{}, tensor.Matrix{}, fmt.Errorf(
			"%w: n_docs %d, corpus %d", ErrTooFewDocs, nDocs, len(f.ids),
		)
	}
	if len(opts.Domains) > 0 && len(opts.Domains) != combined.Rows {
		return tensor.IDMatrix{}, tensor.Tensor3{}, tensor.Matrix{}, fmt.Errorf(
			"%w: %d domain tags for %d queries", ErrDimMismatch, len(opts.Domains), combined.Rows,
		)
	}

	rows := combined.Rows
	ids := tensor.NewIDMatrix(rows, nDocs)
	embeds := tensor.NewTensor3(rows, nDocs, f.dim)
	scores := tensor.NewMatrix(rows, nDocs)

	for q := range rows {
		if err := ctx.Err(); err != nil {
			return tensor.IDMatrix{}, tensor.Tensor3{}, tensor.Matrix{}, err
		}

		domain := ""
		if len(opts.Domains) > 0 {
			domain = opts.Domains[q]
		}
		top := f.topDocs(combined.Row(q), current.Row(q), history.Row(q), nDocs, domain)

		for j, c := range top {
			ids.Set(q, j, f.ids[c.idx])
			scores.Set(q, j, c.score)
			copy(embeds.Vec(q, j), f.vectors[c.idx*f.dim:(c.idx+1)*f.dim])
		}
	}
	return ids, embeds, scores, nil
}

type candidate struct {
	idx   int
	score float32
}

// candidateHeap is a min-heap on score, keeping the nDocs best seen so far.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[i].score < h[j].score }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// topDocs returns the nDocs highest-scoring candidates in descending score
// order. When a domain tag matches nothing, the filter is dropped for that
// query rather than returning an empty result.
func (f *Flat) topDocs(comb, curr, hist []float32, nDocs int, domain string) []candidate {
	top := f.scan(comb, curr, hist, nDocs, domain)
	if domain != "" && len(top) < nDocs {
		f.log.Debug("domain filter too narrow, retrying unfiltered", zap.String("domain", domain))
		top = f.scan(comb, curr, hist, nDocs, "")
	}
	return top
}

func (f *Flat) scan(comb, curr, hist []float32, nDocs int, domain string) []candidate {
	h := make(candidateHeap, 0, nDocs+1)
	heap.Init(&h)

	for i := range f.ids {
		if domain != "" && f.domains[i] != domain {
			continue
		}
		vec := f.vectors[i*f.dim : (i+1)*f.dim]
		score := f.cfg.CombinedWeight*dot(comb, vec) +
			f.cfg.CurrentWeight*dot(curr, vec) +
			f.cfg.HistoryWeight*dot(hist, vec)

		if len(h) < nDocs {
			heap.Push(&h, candidate{idx: i, score: score})
		} else if score > h[0].score {
			h[0] = candidate{idx: i, score: score}
			heap.Fix(&h, 0)
		}
	}

	// Drain the heap into descending order.
	out := make([]candidate, len(h))
	for j := len(h) - 1; j >= 0; j-- {
		out[j] = heap.Pop(&h).(candidate)
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

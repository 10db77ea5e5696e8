// Package retriever implements the coordination core that lets every
// worker of a distributed training job retrieve against one shared,
// memory-resident document index. Rank 0 of a dedicated retrieval group
// owns the index; all other ranks obtain results through an all-to-one
// gather, a single centralized lookup, and a one-to-all scatter that
// returns each worker exactly the rows for its own queries.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ragrelay/ragrelay/internal/collective"
	"github.com/ragrelay/ragrelay/internal/docstore"
	"github.com/ragrelay/ragrelay/internal/index"
	"github.com/ragrelay/ragrelay/internal/metrics"
	"github.com/ragrelay/ragrelay/internal/netif"
	"github.com/ragrelay/ragrelay/internal/tensor"
)

var (
	// ErrNotInitialized reports a Retrieve before InitRetrieval.
	ErrNotInitialized = errors.New("retrieval not initialized")

	// ErrAlreadyInitialized reports a second InitRetrieval on one process.
	ErrAlreadyInitialized = errors.New("retrieval already initialized")
)

// ClusterConfig describes this worker's place in the training job. It is
// passed explicitly; the retriever never reads process environment state.
type ClusterConfig struct {
	Rank        int
	WorldSize   int
	MasterHost  string
	Ifname      string // empty = infer the first ethernet-like interface
	DialTimeout time.Duration
}

func (c ClusterConfig) distributed() bool { return c.WorldSize > 1 }

// GroupDialer creates the retrieval process group. Injectable so tests can
// supply an in-process transport.
type GroupDialer func(ctx context.Context, cfg collective.GroupConfig) (collective.Transport, error)

// QueryBatch holds the three co-indexed query views of one worker's
// forward pass, each of shape (batch_size, vector_dim).
type QueryBatch struct {
	Combined tensor.Matrix
	Current  tensor.Matrix
	History  tensor.Matrix
}

func (b QueryBatch) validate() error {
	if b.Combined.Rows < 1 || b.Combined.Cols < 1 {
		return fmt.Errorf("%w: empty query batch", tensor.ErrShapeMismatch)
	}
	for _, m := range []tensor.Matrix{b.Current, b.History} {
		if m.Rows != b.Combined.Rows || m.Cols != b.Combined.Cols {
			return fmt.Errorf(
				"%w: query views disagree, combined (%d,%d) vs (%d,%d)",
				tensor.ErrShapeMismatch, b.Combined.Rows, b.Combined.Cols, m.Rows, m.Cols,
			)
		}
	}
	return nil
}

// Result is one worker's share of a retrieval round: per query row, the
// top n_docs document embeddings, ids, relevance scores, and resolved
// document dictionaries.
type Result struct {
	DocEmbeds tensor.Tensor3
	DocIDs    tensor.IDMatrix
	DocScores tensor.Matrix
	DocDicts  []docstore.DocDict
}

// Retriever coordinates retrieval for one worker process. It is not safe
// for concurrent use within a process; the surrounding training loop calls
// it inline during the forward pass.
type Retriever struct {
	cluster    ClusterConfig
	idx        index.Index
	docs       docstore.Store
	dial       GroupDialer
	interfaces netif.Enumerator
	log        *zap.Logger

	group       collective.Transport
	initialized bool
}

// New creates a retriever for this worker. The index is loaded later, by
// InitRetrieval, and only on the group's main process.
func New(idx index.Index, docs docstore.Store, cluster ClusterConfig, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		cluster:    cluster,
		idx:        idx,
		docs:       docs,
		interfaces: netif.SystemInterfaces,
		log:        logger,
		dial: func(ctx context.Context, cfg collective.GroupConfig) (collective.Transport, error) {
			g, err := collective.NewTCPGroup(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return collective.NewInstrumented(g), nil
		},
	}
}

// WithGroupDialer overrides how the retrieval group is created.
func (r *Retriever) WithGroupDialer(dial GroupDialer) *Retriever {
	r.dial = dial
	return r
}

// WithInterfaces overrides the interface enumerator used for inference.
func (r *Retriever) WithInterfaces(enum netif.Enumerator) *Retriever {
	r.interfaces = enum
	return r
}

// InitRetrieval brings the retrieval subsystem into a ready state, once
// per process. In a distributed job it creates the dedicated retrieval
// group on distributedPort+1 (clear of the training channel's port), loads
// the index on the group's rank 0 only, and holds every rank on a barrier
// until the load completes. Single-process jobs load unconditionally with
// no group. Failures are fatal: a half-initialized group would corrupt
// every subsequent round, so there is no retry.
func (r *Retriever) InitRetrieval(ctx context.Context, distributedPort int) error {
	if r.initialized {
		return ErrAlreadyInitialized
	}

	r.log.Info("initializing retrieval",
		zap.Int("rank", r.cluster.Rank),
		zap.Int("world_size", r.cluster.WorldSize),
	)

	if r.cluster.distributed() {
		ifname := r.cluster.Ifname
		if ifname == "" {
			inferred, err := netif.Pick(r.interfaces)
			if err != nil {
				return fmt.Errorf("infer socket interface: %w", err)
			}
			ifname = inferred
			r.log.Info("inferred socket interface", zap.String("ifname", ifname))
		}

		group, err := r.dial(ctx, collective.GroupConfig{
			Rank:       r.cluster.Rank,
			WorldSize:  r.cluster.WorldSize,
			MasterHost: r.cluster.MasterHost,
			// The training channel owns distributedPort; the retrieval
			// group claims the next one to avoid a port clash.
			Port:        distributedPort + 1,
			Ifname:      ifname,
			DialTimeout: r.cluster.DialTimeout,
			Logger:      r.log,
		})
		if err != nil {
			return fmt.Errorf("create retrieval group: %w", err)
		}
		r.group = group
	}

	// Only the main worker loads the index into memory.
	if r.group == nil || r.IsMain() {
		if err := r.idx.Load(ctx); err != nil {
			return fmt.Errorf("load index: %w", err)
		}
	}

	// Everyone waits until the main worker has finished loading.
	if r.group != nil {
		if err := r.group.Barrier(ctx); err != nil {
			return fmt.Errorf("initialization barrier: %w", err)
		}
	}

	r.initialized = true
	r.log.Info("retrieval initialized", zap.Bool("main", r.IsMain()))
	return nil
}

// IsMain reports whether this process is the group's designated
// coordinator. Rank and world size are always queried from the group, not
// cached: membership is fixed once the group exists.
func (r *Retriever) IsMain() bool {
	if r.group == nil {
		return true
	}
	return r.group.Rank() == collective.Root
}

// Ready reports whether InitRetrieval has completed.
func (r *Retriever) Ready() bool { return r.initialized }

// Info describes the retriever's current state for the ops endpoints.
type Info struct {
	Rank        int    `json:"rank"`
	WorldSize   int    `json:"world_size"`
	Session     string `json:"session,omitempty"`
	Distributed bool   `json:"distributed"`
	Main        bool   `json:"main"`
	IndexLoaded bool   `json:"index_loaded"`
}

// Info returns the retriever's current state.
func (r *Retriever) Info() Info {
	info := Info{
		Rank:        0,
		WorldSize:   1,
		Main:        r.IsMain(),
		IndexLoaded: r.idx.Loaded(),
	}
	if r.group != nil {
		info.Rank = r.group.Rank()
		info.WorldSize = r.group.WorldSize()
		info.Session = r.group.Session()
		info.Distributed = true
	}
	return info
}

// Close releases the retrieval group, if any.
func (r *Retriever) Close() error {
	if r.group != nil {
		return r.group.Close()
	}
	return nil
}

// Retrieve produces this worker's retrieval results for its query batch,
// transparently handling single-process and distributed execution with
// identical output semantics.
func (r *Retriever) Retrieve(
	ctx context.Context, batch QueryBatch, nDocs int, opts index.Options,
) (Result, error) {
	if !r.initialized {
		return Result{}, ErrNotInitialized
	}
	if err := batch.validate(); err != nil {
		return Result{}, err
	}

	mode := "single"
	if r.group != nil {
		mode = "distributed"
	}
	start := time.Now()

	var res Result
	var err error
	if r.group == nil {
		res, err = r.retrieveLocal(ctx, batch, nDocs, opts)
	} else {
		res, err = r.retrieveDistributed(ctx, batch, nDocs, opts)
	}
	if err != nil {
		metrics.RetrieveRoundsTotal.WithLabelValues(mode, "error").Inc()
		return Result{}, err
	}

	metrics.RetrieveRoundsTotal.WithLabelValues(mode, "success").Inc()
	metrics.RetrieveDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	metrics.RetrieveBatchRows.Observe(float64(batch.Combined.Rows))
	return res, nil
}

// retrieveLocal serves the single-process path: the retrieval routine runs
// directly on this worker's batch, with no collective involved.
func (r *Retriever) retrieveLocal(
	ctx context.Context, batch QueryBatch, nDocs int, opts index.Options,
) (Result, error) {
	ids, embeds, scores, err := r.idx.Retrieve(
		ctx, batch.Combined, batch.Current, batch.History, nDocs, opts,
	)
	if err != nil {
		return Result{}, fmt.Errorf("retrieve: %w", err)
	}
	dicts, err := r.docDicts(ctx, ids)
	if err != nil {
		return Result{}, err
	}
	return Result{DocEmbeds: embeds, DocIDs: ids, DocScores: scores, DocDicts: dicts}, nil
}

// retrieveDistributed serves the multi-process path. Both the three
// gathers and the three scatters run in a fixed order on every rank:
// collectives are matched across ranks by call order, not by tags, so a
// single reordered call would pair wrong frames group-wide.
func (r *Retriever) retrieveDistributed(
	ctx context.Context, batch QueryBatch, nDocs int, opts index.Options,
) (Result, error) {
	gComb, err := r.group.Gather(ctx, tensor.EncodeMatrix(batch.Combined))
	if err != nil {
		return Result{}, fmt.Errorf("gather combined: %w", err)
	}
	gCurr, err := r.group.Gather(ctx, tensor.EncodeMatrix(batch.Current))
	if err != nil {
		return Result{}, fmt.Errorf("gather current: %w", err)
	}
	gHist, err := r.group.Gather(ctx, tensor.EncodeMatrix(batch.History))
	if err != nil {
		return Result{}, fmt.Errorf("gather history: %w", err)
	}

	var segIDs, segEmbeds, segScores [][]byte
	if r.IsMain() {
		segIDs, segEmbeds, segScores, err = r.centralRetrieve(ctx, gComb, gCurr, gHist, nDocs, opts)
		if err != nil {
			return Result{}, err
		}
	}

	ownRows := batch.Combined.Rows
	dim := batch.Combined.Cols

	// Rank 0 takes its own segment from the scatter it initiated, not a
	// shortcut through its locally computed slice: every rank walks the
	// same code path in the same order.
	idsFrame, err := r.group.Scatter(ctx, segIDs)
	if err != nil {
		return Result{}, fmt.Errorf("scatter ids: %w", err)
	}
	embedsFrame, err := r.group.Scatter(ctx, segEmbeds)
	if err != nil {
		return Result{}, fmt.Errorf("scatter embeddings: %w", err)
	}
	scoresFrame, err := r.group.Scatter(ctx, segScores)
	if err != nil {
		return Result{}, fmt.Errorf("scatter scores: %w", err)
	}

	ids, err := tensor.DecodeIDMatrixShaped(idsFrame, ownRows, nDocs)
	if err != nil {
		return Result{}, fmt.Errorf("decode ids segment: %w", err)
	}
	embeds, err := tensor.DecodeTensor3Shaped(embedsFrame, ownRows, nDocs, dim)
	if err != nil {
		return Result{}, fmt.Errorf("decode embeddings segment: %w", err)
	}
	scores, err := tensor.DecodeMatrixShaped(scoresFrame, ownRows, nDocs)
	if err != nil {
		return Result{}, fmt.Errorf("decode scores segment: %w", err)
	}

	// Doc dictionaries are resolved after the scatter, once this worker
	// holds its own ids.
	dicts, err := r.docDicts(ctx, ids)
	if err != nil {
		return Result{}, err
	}
	return Result{DocEmbeds: embeds, DocIDs: ids, DocScores: scores, DocDicts: dicts}, nil
}

// centralRetrieve runs on rank 0 only: concatenate the gathered batches in
// rank order, retrieve once over the global batch, and chunk the results
// back into per-rank segments of each rank's original batch size.
func (r *Retriever) centralRetrieve(
	ctx context.Context, gComb, gCurr, gHist [][]byte, nDocs int, opts index.Options,
) (segIDs, segEmbeds, segScores [][]byte, err error) {
	combs, rowCounts, err := decodeGathered(gComb, "combined")
	if err != nil {
		return nil, nil, nil, err
	}
	currs, currRows, err := decodeGathered(gCurr, "current")
	if err != nil {
		return nil, nil, nil, err
	}
	hists, histRows, err := decodeGathered(gHist, "history")
	if err != nil {
		return nil, nil, nil, err
	}
	for rank := range rowCounts {
		if currRows[rank] != rowCounts[rank] || histRows[rank] != rowCounts[rank] {
			return nil, nil, nil, fmt.Errorf(
				"%w: rank %d sent %d/%d/%d rows across views",
				tensor.ErrShapeMismatch, rank, rowCounts[rank], currRows[rank], histRows[rank],
			)
		}
	}

	comb, err := tensor.ConcatMatrices(combs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("concat combined: %w", err)
	}
	curr, err := tensor.ConcatMatrices(currs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("concat current: %w", err)
	}
	hist, err := tensor.ConcatMatrices(hists)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("concat history: %w", err)
	}

	// Per-call hints are rank-local; they cannot be applied to the global
	// batch, so the centralized lookup runs without them.
	if len(opts.Domains) > 0 || len(opts.DialogLengths) > 0 {
		r.log.Warn("per-call retrieval options are ignored in distributed mode")
		opts = index.Options{}
	}

	ids, embeds, scores, err := r.idx.Retrieve(ctx, comb, curr, hist, nDocs, opts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("central retrieve: %w", err)
	}

	idChunks, err := ids.ChunkRows(rowCounts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("chunk ids: %w", err)
	}
	embedChunks, err := embeds.ChunkD0(rowCounts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("chunk embeddings: %w", err)
	}
	scoreChunks, err := scores.ChunkRows(rowCounts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("chunk scores: %w", err)
	}

	segIDs = make([][]byte, len(idChunks))
	segEmbeds = make([][]byte, len(embedChunks))
	segScores = make([][]byte, len(scoreChunks))
	for i := range idChunks {
		segIDs[i] = tensor.EncodeIDMatrix(idChunks[i])
		segEmbeds[i] = tensor.EncodeTensor3(embedChunks[i])
		segScores[i] = tensor.EncodeMatrix(scoreChunks[i])
	}
	return segIDs, segEmbeds, segScores, nil
}

func (r *Retriever) docDicts(ctx context.Context, ids tensor.IDMatrix) ([]docstore.DocDict, error) {
	dicts, err := r.docs.DocDicts(ctx, ids)
	if err != nil {
		metrics.DocDictLookupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("doc dicts: %w", err)
	}
	metrics.DocDictLookupsTotal.WithLabelValues("success").Inc()
	return dicts, nil
}

// decodeGathered parses the rank-ordered gather list into matrices and
// per-rank row counts. Rank 0 rejects the round here when ranks disagree
// on the vector dimension, before any concatenation happens.
func decodeGathered(frames [][]byte, view string) ([]tensor.Matrix, []int, error) {
	ms := make([]tensor.Matrix, len(frames))
	rows := make([]int, len(frames))
	for rank, b := range frames {
		m, err := tensor.DecodeMatrix(b)
		if err != nil {
			return nil, nil, fmt.Errorf("decode %s batch from rank %d: %w", view, rank, err)
		}
		ms[rank] = m
		rows[rank] = m.Rows
	}
	return ms, rows, nil
}

package retriever

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ragrelay/ragrelay/internal/collective"
	"github.com/ragrelay/ragrelay/internal/docstore"
	"github.com/ragrelay/ragrelay/internal/index"
	"github.com/ragrelay/ragrelay/internal/netif"
	"github.com/ragrelay/ragrelay/internal/tensor"
)

// fakeIndex is a deterministic index: results are a pure function of the
// query vectors, so a direct call on one worker's batch must equal that
// worker's slice of a centralized call over the concatenated batch.
type fakeIndex struct {
	mu        sync.Mutex
	loaded    bool
	loadCalls int
	gotOpts   []index.Options
}

func (f *fakeIndex) Load(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	f.loaded = true
	return nil
}

func (f *fakeIndex) Loaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

func (f *fakeIndex) LoadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadCalls
}

func (f *fakeIndex) Retrieve(
	_ context.Context, combined, current, _ tensor.Matrix, nDocs int, opts index.Options,
) (tensor.IDMatrix, tensor.Tensor3, tensor.Matrix, error) {
	if !f.Loaded() {
		return tensor.IDMatrix{}, tensor.Tensor3{}, tensor.Matrix{}, index.ErrNotLoaded
	}
	f.mu.Lock()
	f.gotOpts = append(f.gotOpts, opts)
	f.mu.Unlock()
	ids := tensor.NewIDMatrix(combined.Rows, nDocs)
	embeds := tensor.NewTensor3(combined.Rows, nDocs, combined.Cols)
	scores := tensor.NewMatrix(combined.Rows, nDocs)
	for q := range combined.Rows {
		for j := range nDocs {
			ids.Set(q, j, int64(combined.At(q, 0))*10+int64(j))
			scores.Set(q, j, combined.At(q, 0)-float32(j))
			vec := embeds.Vec(q, j)
			for d := range vec {
				vec[d] = current.At(q, 0) + float32(j)
			}
		}
	}
	return ids, embeds, scores, nil
}

// testBatch builds a query batch whose rows carry distinct first-column
// markers so results are traceable across the gather and scatter.
func testBatch(markers []float32, dim int) QueryBatch {
	rows := len(markers)
	b := QueryBatch{
		Combined: tensor.NewMatrix(rows, dim),
		Current:  tensor.NewMatrix(rows, dim),
		History:  tensor.NewMatrix(rows, dim),
	}
	for q, v := range markers {
		b.Combined.Set(q, 0, v)
		b.Current.Set(q, 0, v+0.25)
		b.History.Set(q, 0, v+0.5)
	}
	return b
}

// testStore seeds a memory store with every id the fake index can produce
// for the given markers.
func testStore(t *testing.T, markers []float32, nDocs int) *docstore.Memory {
	t.Helper()
	m := docstore.NewMemory()
	var docs []docstore.Document
	for _, v := range markers {
		for j := range nDocs {
			id := int64(v)*10 + int64(j)
			docs = append(docs, docstore.Document{ID: id, Title: "doc", Text: "text"})
		}
	}
	if err := m.Put(context.Background(), docs); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return m
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func inprocDialer(tr collective.Transport) GroupDialer {
	return func(context.Context, collective.GroupConfig) (collective.Transport, error) {
		return tr, nil
	}
}

func TestRetriever_SingleProcessNeverDials(t *testing.T) {
	ctx := testContext(t)
	markers := []float32{1, 2, 3}
	idx := &fakeIndex{}

	dialed := false
	r := New(idx, testStore(t, markers, 2), ClusterConfig{Rank: 0, WorldSize: 1}, nil).
		WithGroupDialer(func(context.Context, collective.GroupConfig) (collective.Transport, error) {
			dialed = true
			return nil, errors.New("must not dial")
		})

	if err := r.InitRetrieval(ctx, 29500); err != nil {
		t.Fatalf("InitRetrieval: %v", err)
	}
	if dialed {
		t.Fatal("single-process init touched the group dialer")
	}
	if !r.IsMain() {
		t.Error("single process must be main")
	}
	if idx.LoadCalls() != 1 {
		t.Errorf("index loaded %d times, want 1", idx.LoadCalls())
	}

	res, err := r.Retrieve(ctx, testBatch(markers, 4), 2, index.Options{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.DocIDs.Rows != 3 || res.DocIDs.Cols != 2 {
		t.Fatalf("ids shape = (%d,%d), want (3,2)", res.DocIDs.Rows, res.DocIDs.Cols)
	}
	if len(res.DocDicts) != 3 {
		t.Fatalf("got %d doc dicts, want one per query row", len(res.DocDicts))
	}
	if dialed {
		t.Fatal("single-process retrieve touched the group dialer")
	}
}

func TestRetriever_DistributedMatchesDirect(t *testing.T) {
	ctx := testContext(t)
	const (
		world = 2
		dim   = 4
		nDocs = 4
	)
	batches := [][]float32{{1, 2, 3}, {4, 5}}
	all := []float32{1, 2, 3, 4, 5}

	group := collective.NewInprocGroup(world)
	store := testStore(t, all, nDocs)
	indexes := make([]*fakeIndex, world)
	results := make([]Result, world)
	errs := make([]error, world)

	var wg sync.WaitGroup
	for rank := range world {
		wg.Add(1)
		indexes[rank] = &fakeIndex{}
		go func() {
			defer wg.Done()
			r := New(indexes[rank], store, ClusterConfig{
				Rank:       rank,
				WorldSize:  world,
				MasterHost: "127.0.0.1",
				Ifname:     "eth0",
			}, nil).WithGroupDialer(inprocDialer(group[rank]))

			if err := r.InitRetrieval(ctx, 29500); err != nil {
				errs[rank] = err
				return
			}
			defer r.Close()
			results[rank], errs[rank] = r.Retrieve(ctx, testBatch(batches[rank], dim), nDocs, index.Options{})
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}

	// Only the group's rank 0 ever loads the index.
	if indexes[0].LoadCalls() != 1 {
		t.Errorf("rank 0 loaded the index %d times, want 1", indexes[0].LoadCalls())
	}
	if indexes[1].LoadCalls() != 0 {
		t.Errorf("rank 1 loaded the index %d times, want 0", indexes[1].LoadCalls())
	}

	// Each rank's slice of the centralized round must equal a direct call
	// on its own batch.
	reference := &fakeIndex{}
	if err := reference.Load(ctx); err != nil {
		t.Fatalf("load reference: %v", err)
	}
	for rank := range world {
		batch := testBatch(batches[rank], dim)
		wantIDs, wantEmbeds, wantScores, err := reference.Retrieve(
			ctx, batch.Combined, batch.Current, batch.History, nDocs, index.Options{},
		)
		if err != nil {
			t.Fatalf("reference retrieve: %v", err)
		}

		got := results[rank]
		if got.DocIDs.Rows != len(batches[rank]) {
			t.Fatalf("rank %d got %d rows, want its own batch size %d",
				rank, got.DocIDs.Rows, len(batches[rank]))
		}
		for q := range wantIDs.Rows {
			for j := range nDocs {
				if got.DocIDs.At(q, j) != wantIDs.At(q, j) {
					t.Errorf("rank %d ids[%d][%d] = %d, want %d",
						rank, q, j, got.DocIDs.At(q, j), wantIDs.At(q, j))
				}
				if got.DocScores.At(q, j) != wantScores.At(q, j) {
					t.Errorf("rank %d scores[%d][%d] = %v, want %v",
						rank, q, j, got.DocScores.At(q, j), wantScores.At(q, j))
				}
				if got.DocEmbeds.Vec(q, j)[0] != wantEmbeds.Vec(q, j)[0] {
					t.Errorf("rank %d embeds[%d][%d] = %v, want %v",
						rank, q, j, got.DocEmbeds.Vec(q, j)[0], wantEmbeds.Vec(q, j)[0])
				}
			}
		}
		if len(got.DocDicts) != len(batches[rank]) {
			t.Fatalf("rank %d got %d doc dicts, want %d", rank, len(got.DocDicts), len(batches[rank]))
		}
		for q, dict := range got.DocDicts {
			for j, id := range dict.IDs {
				if id != got.DocIDs.At(q, j) {
					t.Errorf("rank %d dict[%d] id %d disagrees with scattered id %d",
						rank, q, id, got.DocIDs.At(q, j))
				}
			}
		}
	}
}

func TestRetriever_ExactlyOneMain(t *testing.T) {
	ctx := testContext(t)
	const world = 3
	group := collective.NewInprocGroup(world)
	store := testStore(t, nil, 0)

	retrievers := make([]*Retriever, world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := range world {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := New(&fakeIndex{}, store, ClusterConfig{
				Rank: rank, WorldSize: world, MasterHost: "127.0.0.1", Ifname: "eth0",
			}, nil).WithGroupDialer(inprocDialer(group[rank]))
			retrievers[rank], errs[rank] = r, r.InitRetrieval(ctx, 29500)
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}

	mains := 0
	for _, r := range retrievers {
		if r.IsMain() {
			mains++
		}
	}
	if mains != 1 {
		t.Fatalf("%d ranks claim main, want exactly 1", mains)
	}
	if !retrievers[0].IsMain() {
		t.Error("rank 0 must be the main process")
	}
}

func TestRetriever_PerCallHints(t *testing.T) {
	t.Run("single process passes them through", func(t *testing.T) {
		ctx := testContext(t)
		markers := []float32{1, 2}
		idx := &fakeIndex{}
		r := New(idx, testStore(t, markers, 2), ClusterConfig{WorldSize: 1}, nil)
		if err := r.InitRetrieval(ctx, 29500); err != nil {
			t.Fatalf("InitRetrieval: %v", err)
		}

		opts := index.Options{Domains: []string{"restaurant", "transit"}}
		if _, err := r.Retrieve(ctx, testBatch(markers, 4), 2, opts); err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if len(idx.gotOpts) != 1 || len(idx.gotOpts[0].Domains) != 2 {
			t.Fatalf("index received opts %+v, want the caller's domains", idx.gotOpts)
		}
	})

	t.Run("distributed mode drops rank-local hints", func(t *testing.T) {
		ctx := testContext(t)
		const world = 2
		batches := [][]float32{{1, 2}, {3}}
		group := collective.NewInprocGroup(world)
		store := testStore(t, []float32{1, 2, 3}, 2)
		indexes := []*fakeIndex{{}, {}}

		var wg sync.WaitGroup
		errs := make([]error, world)
		for rank := range world {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r := New(indexes[rank], store, ClusterConfig{
					Rank: rank, WorldSize: world, MasterHost: "127.0.0.1", Ifname: "eth0",
				}, nil).WithGroupDialer(inprocDialer(group[rank]))
				if err := r.InitRetrieval(ctx, 29500); err != nil {
					errs[rank] = err
					return
				}
				// Each rank supplies hints scoped to its own rows; they
				// cannot be applied to the global batch.
				opts := index.Options{
					Domains:       make([]string, len(batches[rank])),
					DialogLengths: make([][2]int, len(batches[rank])),
				}
				_, errs[rank] = r.Retrieve(ctx, testBatch(batches[rank], 4), 2, opts)
			}()
		}
		wg.Wait()
		for rank, err := range errs {
			if err != nil {
				t.Fatalf("rank %d: %v", rank, err)
			}
		}

		if len(indexes[0].gotOpts) != 1 {
			t.Fatalf("central index saw %d retrieves, want 1", len(indexes[0].gotOpts))
		}
		got := indexes[0].gotOpts[0]
		if len(got.Domains) != 0 || len(got.DialogLengths) != 0 {
			t.Errorf("centralized retrieve received rank-local hints: %+v", got)
		}
	})
}

// gatedIndex blocks Load until released, so tests can observe whether the
// initialization barrier really holds the other ranks back.
type gatedIndex struct {
	fakeIndex
	release chan struct{}
}

func (g *gatedIndex) Load(ctx context.Context) error {
	<-g.release
	return g.fakeIndex.Load(ctx)
}

func TestRetriever_BarrierHoldsUntilIndexLoaded(t *testing.T) {
	ctx := testContext(t)
	const world = 2
	group := collective.NewInprocGroup(world)
	store := testStore(t, nil, 0)

	rootIdx := &gatedIndex{release: make(chan struct{})}

	rootDone := make(chan error, 1)
	go func() {
		r := New(rootIdx, store, ClusterConfig{
			Rank: 0, WorldSize: world, MasterHost: "127.0.0.1", Ifname: "eth0",
		}, nil).WithGroupDialer(inprocDialer(group[0]))
		rootDone <- r.InitRetrieval(ctx, 29500)
	}()

	peerDone := make(chan error, 1)
	go func() {
		r := New(&fakeIndex{}, store, ClusterConfig{
			Rank: 1, WorldSize: world, MasterHost: "127.0.0.1", Ifname: "eth0",
		}, nil).WithGroupDialer(inprocDialer(group[1]))
		peerDone <- r.InitRetrieval(ctx, 29500)
	}()

	// Rank 1 must sit on the barrier while rank 0's load is in flight.
	select {
	case err := <-peerDone:
		t.Fatalf("rank 1 returned from init before the index loaded: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(rootIdx.release)
	if err := <-rootDone; err != nil {
		t.Fatalf("rank 0: %v", err)
	}
	if err := <-peerDone; err != nil {
		t.Fatalf("rank 1: %v", err)
	}
	if !rootIdx.Loaded() {
		t.Fatal("index not loaded after init")
	}
}

func TestRetriever_InitGuards(t *testing.T) {
	ctx := testContext(t)
	r := New(&fakeIndex{}, docstore.NewMemory(), ClusterConfig{WorldSize: 1}, nil)

	if _, err := r.Retrieve(ctx, testBatch([]float32{1}, 2), 1, index.Options{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
	if err := r.InitRetrieval(ctx, 29500); err != nil {
		t.Fatalf("InitRetrieval: %v", err)
	}
	if err := r.InitRetrieval(ctx, 29500); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("err = %v, want ErrAlreadyInitialized", err)
	}
}

func TestRetriever_RejectsMismatchedViews(t *testing.T) {
	ctx := testContext(t)
	r := New(&fakeIndex{}, docstore.NewMemory(), ClusterConfig{WorldSize: 1}, nil)
	if err := r.InitRetrieval(ctx, 29500); err != nil {
		t.Fatalf("InitRetrieval: %v", err)
	}

	batch := testBatch([]float32{1, 2}, 4)
	batch.History = tensor.NewMatrix(3, 4)
	if _, err := r.Retrieve(ctx, batch, 1, index.Options{}); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestRetriever_InfersInterfaceAndPort(t *testing.T) {
	ctx := testContext(t)
	group := collective.NewInprocGroup(1)

	var gotCfg collective.GroupConfig
	r := New(&fakeIndex{}, docstore.NewMemory(), ClusterConfig{
		Rank: 0, WorldSize: 2, MasterHost: "10.0.0.1",
	}, nil).
		WithInterfaces(func() ([]string, error) { return []string{"lo", "enp3s0", "docker0"}, nil }).
		WithGroupDialer(func(_ context.Context, cfg collective.GroupConfig) (collective.Transport, error) {
			gotCfg = cfg
			return group[0], nil
		})

	if err := r.InitRetrieval(ctx, 29500); err != nil {
		t.Fatalf("InitRetrieval: %v", err)
	}
	if gotCfg.Ifname != "enp3s0" {
		t.Errorf("inferred ifname = %q, want enp3s0", gotCfg.Ifname)
	}
	// The retrieval group must stay clear of the training channel's port.
	if gotCfg.Port != 29501 {
		t.Errorf("group port = %d, want 29501", gotCfg.Port)
	}
}

func TestRetriever_NoEthernetLikeInterface(t *testing.T) {
	ctx := testContext(t)
	r := New(&fakeIndex{}, docstore.NewMemory(), ClusterConfig{
		Rank: 0, WorldSize: 2, MasterHost: "10.0.0.1",
	}, nil).WithInterfaces(func() ([]string, error) { return []string{"lo", "wlan0"}, nil })

	if err := r.InitRetrieval(ctx, 29500); !errors.Is(err, netif.ErrNoInterface) {
		t.Fatalf("err = %v, want ErrNoInterface", err)
	}
}

package collective

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// runRanks executes fn once per rank, each on its own goroutine, and fails
// the test on any returned error.
func runRanks(t *testing.T, group []Transport, fn func(tr Transport) error) {
	t.Helper()

	var wg sync.WaitGroup
	errs := make([]error, len(group))
	for i, tr := range group {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(tr)
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestInproc_GatherCollectsInRankOrder(t *testing.T) {
	ctx := testContext(t)
	group := NewInprocGroup(3)

	var mu sync.Mutex
	var rootSaw [][]byte

	runRanks(t, group, func(tr Transport) error {
		payload := []byte{byte(tr.Rank() + 10)}
		out, err := tr.Gather(ctx, payload)
		if err != nil {
			return err
		}
		if tr.Rank() == Root {
			mu.Lock()
			rootSaw = out
			mu.Unlock()
		} else if out != nil {
			return fmt.Errorf("non-root rank received a gather list")
		}
		return nil
	})

	if len(rootSaw) != 3 {
		t.Fatalf("root saw %d payloads, want 3", len(rootSaw))
	}
	for rank, b := range rootSaw {
		if len(b) != 1 || b[0] != byte(rank+10) {
			t.Errorf("payload at rank %d = %v, want [%d]", rank, b, rank+10)
		}
	}
}

func TestInproc_ScatterDeliversOwnSegment(t *testing.T) {
	ctx := testContext(t)
	group := NewInprocGroup(3)

	runRanks(t, group, func(tr Transport) error {
		var segments [][]byte
		if tr.Rank() == Root {
			segments = [][]byte{{100}, {101}, {102}}
		}
		own, err := tr.Scatter(ctx, segments)
		if err != nil {
			return err
		}
		if len(own) != 1 || own[0] != byte(100+tr.Rank()) {
			return fmt.Errorf("rank %d received %v, want [%d]", tr.Rank(), own, 100+tr.Rank())
		}
		return nil
	})
}

func TestInproc_BarrierReleasesEveryone(t *testing.T) {
	ctx := testContext(t)
	group := NewInprocGroup(4)

	runRanks(t, group, func(tr Transport) error {
		return tr.Barrier(ctx)
	})
}

func TestInproc_ScatterSegmentCountMismatch(t *testing.T) {
	ctx := testContext(t)
	group := NewInprocGroup(2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// The root fails before sending, so release the blocked peer.
		defer group[0].Close()
		if _, err := group[0].Scatter(ctx, [][]byte{{1}}); !errors.Is(err, ErrBadSegments) {
			t.Errorf("root err = %v, want ErrBadSegments", err)
		}
	}()

	if _, err := group[1].Scatter(ctx, nil); !errors.Is(err, ErrGroupClosed) {
		t.Errorf("peer err = %v, want ErrGroupClosed", err)
	}
	wg.Wait()
}

func TestInproc_SequenceMismatchDetected(t *testing.T) {
	ctx := testContext(t)
	group := NewInprocGroup(2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Rank 1 skips the barrier and goes straight to a gather: its
		// frame carries the right seq but the wrong op for the root's
		// current collective.
		if _, err := group[1].Gather(ctx, []byte{1}); err != nil {
			t.Errorf("peer gather send: %v", err)
		}
	}()

	if err := group[0].Barrier(ctx); !errors.Is(err, ErrSequenceMismatch) {
		t.Fatalf("root err = %v, want ErrSequenceMismatch", err)
	}
	wg.Wait()
}

func TestInproc_SessionSharedAcrossRanks(t *testing.T) {
	group := NewInprocGroup(3)
	session := group[0].Session()
	if session == "" {
		t.Fatal("empty session id")
	}
	for _, tr := range group[1:] {
		if tr.Session() != session {
			t.Errorf("rank %d session %q differs from root %q", tr.Rank(), tr.Session(), session)
		}
	}
}

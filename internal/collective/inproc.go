package collective

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Inproc is a Transport connecting ranks that live in one process as
// goroutines. It implements the same root-star semantics and sequence
// checking as the TCP transport, so the dispatch logic can be exercised
// without a real multi-process deployment.
type Inproc struct {
	hub    *inprocHub
	rank   int
	seq    uint64
	closed bool
}

var _ Transport = (*Inproc)(nil)

type inprocFrame struct {
	op      uint8
	seq     uint64
	payload []byte
}

type inprocHub struct {
	world    int
	session  string
	toRoot   []chan inprocFrame
	fromRoot []chan inprocFrame
	done     chan struct{}
}

// NewInprocGroup creates one connected Transport per rank.
func NewInprocGroup(world int) []Transport {
	hub := &inprocHub{
		world:    world,
		session:  uuid.NewString(),
		toRoot:   make([]chan inprocFrame, world),
		fromRoot: make([]chan inprocFrame, world),
		done:     make(chan struct{}),
	}
	for i := range world {
		hub.toRoot[i] = make(chan inprocFrame, 1)
		hub.fromRoot[i] = make(chan inprocFrame, 1)
	}
	out := make([]Transport, world)
	for i := range world {
		out[i] = &Inproc{hub: hub, rank: i}
	}
	return out
}

// Rank returns this participant's rank.
func (p *Inproc) Rank() int { return p.rank }

// WorldSize returns the number of participants.
func (p *Inproc) WorldSize() int { return p.hub.world }

// Session returns the group session id.
func (p *Inproc) Session() string { return p.hub.session }

func (p *Inproc) pre(ctx context.Context) error {
	if p.closed {
		return ErrGroupClosed
	}
	select {
	case <-p.hub.done:
		return ErrGroupClosed
	default:
	}
	return ctx.Err()
}

func (p *Inproc) nextSeq() uint64 {
	p.seq++
	return p.seq
}

func (p *Inproc) send(ctx context.Context, ch chan inprocFrame, f inprocFrame) error {
	select {
	case ch <- f:
		return nil
	case <-p.hub.done:
		return ErrGroupClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Inproc) recv(ctx context.Context, ch chan inprocFrame, wantOp uint8, wantSeq uint64) ([]byte, error) {
	select {
	case f := <-ch:
		if f.op != wantOp || f.seq != wantSeq {
			return nil, fmt.Errorf("%w: got op %d seq %d, want op %d seq %d",
				ErrSequenceMismatch, f.op, f.seq, wantOp, wantSeq)
		}
		return f.payload, nil
	case <-p.hub.done:
		return nil, ErrGroupClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Gather sends payload to rank 0; rank 0 returns the rank-ordered list.
func (p *Inproc) Gather(ctx context.Context, payload []byte) ([][]byte, error) {
	if err := p.pre(ctx); err != nil {
		return nil, err
	}
	seq := p.nextSeq()

	if p.rank != Root {
		if err := p.send(ctx, p.hub.toRoot[p.rank], inprocFrame{opGather, seq, payload}); err != nil {
			return nil, err
		}
		return nil, nil
	}

	out := make([][]byte, p.hub.world)
	out[Root] = payload
	for rank := 1; rank < p.hub.world; rank++ {
		b, err := p.recv(ctx, p.hub.toRoot[rank], opGather, seq)
		if err != nil {
			return nil, fmt.Errorf("gather from rank %d: %w", rank, err)
		}
		out[rank] = b
	}
	return out, nil
}

// Scatter distributes segments[i] to rank i and returns the caller's own.
func (p *Inproc) Scatter(ctx context.Context, segments [][]byte) ([]byte, error) {
	if err := p.pre(ctx); err != nil {
		return nil, err
	}
	seq := p.nextSeq()

	if p.rank != Root {
		b, err := p.recv(ctx, p.hub.fromRoot[p.rank], opScatter, seq)
		if err != nil {
			return nil, fmt.Errorf("scatter receive: %w", err)
		}
		return b, nil
	}

	if len(segments) != p.hub.world {
		return nil, fmt.Errorf("%w: %d segments for %d ranks", ErrBadSegments,
			len(segments), p.hub.world)
	}
	for rank := 1; rank < p.hub.world; rank++ {
		if err := p.send(ctx, p.hub.fromRoot[rank], inprocFrame{opScatter, seq, segments[rank]}); err != nil {
			return nil, fmt.Errorf("scatter to rank %d: %w", rank, err)
		}
	}
	return segments[Root], nil
}

// Barrier blocks until every rank has reached it.
func (p *Inproc) Barrier(ctx context.Context) error {
	if err := p.pre(ctx); err != nil {
		return err
	}
	seq := p.nextSeq()

	if p.rank != Root {
		if err := p.send(ctx, p.hub.toRoot[p.rank], inprocFrame{opBarrier, seq, nil}); err != nil {
			return err
		}
		_, err := p.recv(ctx, p.hub.fromRoot[p.rank], opBarrier, seq)
		return err
	}

	for rank := 1; rank < p.hub.world; rank++ {
		if _, err := p.recv(ctx, p.hub.toRoot[rank], opBarrier, seq); err != nil {
			return fmt.Errorf("barrier arrive from rank %d: %w", rank, err)
		}
	}
	for rank := 1; rank < p.hub.world; rank++ {
		if err := p.send(ctx, p.hub.fromRoot[rank], inprocFrame{opBarrier, seq, nil}); err != nil {
			return fmt.Errorf("barrier release to rank %d: %w", rank, err)
		}
	}
	return nil
}

// Close marks this participant closed. Closing rank 0 tears down the hub,
// releasing any rank still blocked in a collective.
func (p *Inproc) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.rank == Root {
		close(p.hub.done)
	}
	return nil
}

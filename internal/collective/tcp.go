package collective

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ragrelay/ragrelay/internal/netif"
)

// TCPGroup is a Transport over a TCP star topology: rank 0 listens and
// every other rank holds one connection to it. Everything in the
// collectives flows through the root, so no peer-to-peer mesh is needed.
type TCPGroup struct {
	cfg     GroupConfig
	log     *zap.Logger
	session string
	seq     uint64
	closed  bool

	ln    net.Listener // root only
	peers []net.Conn   // root only, indexed by rank; nil at Root
	conn  net.Conn     // non-root only
}

var _ Transport = (*TCPGroup)(nil)

const maxFramePayload = 1 << 30

// NewTCPGroup creates the retrieval process group described by cfg and
// blocks until all ranks have joined. Setup failures are fatal to the
// caller: there is no retry beyond the dial window.
func NewTCPGroup(ctx context.Context, cfg GroupConfig) (*TCPGroup, error) {
	if cfg.WorldSize < 1 {
		return nil, fmt.Errorf("%w: world size %d", ErrBadHandshake, cfg.WorldSize)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return nil, fmt.Errorf("%w: rank %d out of [0,%d)", ErrBadHandshake, cfg.Rank, cfg.WorldSize)
	}

	g := &TCPGroup{cfg: cfg, log: cfg.logger()}

	var err error
	if cfg.Rank == Root {
		err = g.listenAndAccept(ctx)
	} else {
		err = g.dialRoot(ctx)
	}
	if err != nil {
		g.Close()
		return nil, err
	}

	g.log.Info("retrieval group ready",
		zap.Int("rank", cfg.Rank),
		zap.Int("world_size", cfg.WorldSize),
		zap.String("session", g.session),
	)
	return g, nil
}

func (g *TCPGroup) listenAndAccept(ctx context.Context) error {
	g.session = uuid.NewString()

	bindHost := ""
	if g.cfg.Ifname != "" {
		addr, err := netif.AddrOf(g.cfg.Ifname)
		if err != nil {
			return fmt.Errorf("resolve bind address: %w", err)
		}
		bindHost = addr
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(bindHost, strconv.Itoa(g.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen on group port %d: %w", g.cfg.Port, err)
	}
	g.ln = ln
	g.peers = make([]net.Conn, g.cfg.WorldSize)

	deadline := time.Now().Add(g.cfg.dialTimeout())
	for joined := 1; joined < g.cfg.WorldSize; joined++ {
		if tl, ok := ln.(*net.TCPListener); ok {
			if err := tl.SetDeadline(deadline); err != nil {
				return fmt.Errorf("set accept deadline: %w", err)
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept rank %d of %d: %w", joined, g.cfg.WorldSize-1, err)
		}
		if err := g.admit(conn); err != nil {
			conn.Close()
			return err
		}
	}
	return nil
}

// admit performs the join handshake on a freshly accepted connection.
func (g *TCPGroup) admit(conn net.Conn) error {
	op, seq, payload, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("read join: %w", err)
	}
	if op != opJoin || seq != 0 || len(payload) != 8 {
		return fmt.Errorf("%w: unexpected join frame (op %d)", ErrBadHandshake, op)
	}
	peerRank := int(binary.LittleEndian.Uint32(payload))
	peerWorld := int(binary.LittleEndian.Uint32(payload[4:]))
	if peerWorld != g.cfg.WorldSize {
		return fmt.Errorf("%w: rank %d joined with world size %d, group has %d",
			ErrBadHandshake, peerRank, peerWorld, g.cfg.WorldSize)
	}
	if peerRank <= Root || peerRank >= g.cfg.WorldSize {
		return fmt.Errorf("%w: rank %d out of range", ErrBadHandshake, peerRank)
	}
	if g.peers[peerRank] != nil {
		return fmt.Errorf("%w: duplicate rank %d", ErrBadHandshake, peerRank)
	}
	if err := writeFrame(conn, opJoin, 0, []byte(g.session)); err != nil {
		return fmt.Errorf("ack rank %d: %w", peerRank, err)
	}
	g.peers[peerRank] = conn
	g.log.Debug("rank joined", zap.Int("rank", peerRank))
	return nil
}

func (g *TCPGroup) dialRoot(ctx context.Context) error {
	addr := net.JoinHostPort(g.cfg.MasterHost, strconv.Itoa(g.cfg.Port))
	deadline := time.Now().Add(g.cfg.dialTimeout())

	var conn net.Conn
	for {
		d := net.Dialer{Deadline: deadline}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn = c
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("dial group root %s: %w", addr, ctx.Err())
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("dial group root %s: %w", addr, err)
		}
		// The root may simply not be listening yet.
		time.Sleep(100 * time.Millisecond)
	}

	join := make([]byte, 8)
	binary.LittleEndian.PutUint32(join, uint32(g.cfg.Rank))
	binary.LittleEndian.PutUint32(join[4:], uint32(g.cfg.WorldSize))
	if err := writeFrame(conn, opJoin, 0, join); err != nil {
		conn.Close()
		return fmt.Errorf("send join: %w", err)
	}
	op, seq, payload, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read join ack: %w", err)
	}
	if op != opJoin || seq != 0 {
		conn.Close()
		return fmt.Errorf("%w: unexpected ack frame (op %d)", ErrBadHandshake, op)
	}
	g.conn = conn
	g.session = string(payload)
	return nil
}

// Rank returns this process's rank within the group.
func (g *TCPGroup) Rank() int { return g.cfg.Rank }

// WorldSize returns the number of participating ranks.
func (g *TCPGroup) WorldSize() int { return g.cfg.WorldSize }

// Session returns the group session id minted by the root.
func (g *TCPGroup) Session() string { return g.session }

func (g *TCPGroup) pre(ctx context.Context) error {
	if g.closed {
		return ErrGroupClosed
	}
	return ctx.Err()
}

func (g *TCPGroup) nextSeq() uint64 {
	g.seq++
	return g.seq
}

// Gather sends payload to the root; the root returns the rank-ordered list
// of all payloads, every other rank returns nil.
func (g *TCPGroup) Gather(ctx context.Context, payload []byte) ([][]byte, error) {
	if err := g.pre(ctx); err != nil {
		return nil, err
	}
	seq := g.nextSeq()

	if g.cfg.Rank != Root {
		if err := writeFrame(g.conn, opGather, seq, payload); err != nil {
			return nil, fmt.Errorf("gather send: %w", err)
		}
		return nil, nil
	}

	out := make([][]byte, g.cfg.WorldSize)
	out[Root] = payload
	eg := new(errgroup.Group)
	for rank := 1; rank < g.cfg.WorldSize; rank++ {
		eg.Go(func() error {
			op, s, p, err := readFrame(g.peers[rank])
			if err != nil {
				return fmt.Errorf("gather from rank %d: %w", rank, err)
			}
			if op != opGather || s != seq {
				return fmt.Errorf("%w: rank %d sent op %d seq %d during gather seq %d",
					ErrSequenceMismatch, rank, op, s, seq)
			}
			out[rank] = p
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Scatter distributes segments[i] to rank i. The root supplies the full
// rank-ordered list; every rank, the root included, receives its own
// segment through the same completed collective.
func (g *TCPGroup) Scatter(ctx context.Context, segments [][]byte) ([]byte, error) {
	if err := g.pre(ctx); err != nil {
		return nil, err
	}
	seq := g.nextSeq()

	if g.cfg.Rank != Root {
		op, s, p, err := readFrame(g.conn)
		if err != nil {
			return nil, fmt.Errorf("scatter receive: %w", err)
		}
		if op != opScatter || s != seq {
			return nil, fmt.Errorf("%w: got op %d seq %d during scatter seq %d",
				ErrSequenceMismatch, op, s, seq)
		}
		return p, nil
	}

	if len(segments) != g.cfg.WorldSize {
		return nil, fmt.Errorf("%w: %d segments for %d ranks", ErrBadSegments,
			len(segments), g.cfg.WorldSize)
	}
	eg := new(errgroup.Group)
	for rank := 1; rank < g.cfg.WorldSize; rank++ {
		eg.Go(func() error {
			if err := writeFrame(g.peers[rank], opScatter, seq, segments[rank]); err != nil {
				return fmt.Errorf("scatter to rank %d: %w", rank, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return segments[Root], nil
}

// Barrier blocks until every rank has reached it: all ranks report arrival
// to the root, which releases them once the full group has checked in.
func (g *TCPGroup) Barrier(ctx context.Context) error {
	if err := g.pre(ctx); err != nil {
		return err
	}
	seq := g.nextSeq()

	if g.cfg.Rank != Root {
		if err := writeFrame(g.conn, opBarrier, seq, nil); err != nil {
			return fmt.Errorf("barrier arrive: %w", err)
		}
		op, s, _, err := readFrame(g.conn)
		if err != nil {
			return fmt.Errorf("barrier release: %w", err)
		}
		if op != opBarrier || s != seq {
			return fmt.Errorf("%w: got op %d seq %d during barrier seq %d",
				ErrSequenceMismatch, op, s, seq)
		}
		return nil
	}

	for rank := 1; rank < g.cfg.WorldSize; rank++ {
		op, s, _, err := readFrame(g.peers[rank])
		if err != nil {
			return fmt.Errorf("barrier arrive from rank %d: %w", rank, err)
		}
		if op != opBarrier || s != seq {
			return fmt.Errorf("%w: rank %d sent op %d seq %d during barrier seq %d",
				ErrSequenceMismatch, rank, op, s, seq)
		}
	}
	eg := new(errgroup.Group)
	for rank := 1; rank < g.cfg.WorldSize; rank++ {
		eg.Go(func() error {
			return writeFrame(g.peers[rank], opBarrier, seq, nil)
		})
	}
	return eg.Wait()
}

// Close releases the group's connections. The group is unusable afterwards.
func (g *TCPGroup) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true

	var errs []error
	if g.ln != nil {
		errs = append(errs, g.ln.Close())
	}
	for _, c := range g.peers {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	if g.conn != nil {
		errs = append(errs, g.conn.Close())
	}
	return errors.Join(errs...)
}

// writeFrame emits op | seq | len | payload with little-endian fields.
func writeFrame(conn net.Conn, op uint8, seq uint64, payload []byte) error {
	hdr := make([]byte, 13, 13+len(payload))
	hdr[0] = op
	binary.LittleEndian.PutUint64(hdr[1:], seq)
	binary.LittleEndian.PutUint32(hdr[9:], uint32(len(payload)))
	// Single write so a frame is never interleaved by the runtime.
	if _, err := conn.Write(append(hdr, payload...)); err != nil {
		return err
	}
	return nil
}

func readFrame(conn net.Conn) (uint8, uint64, []byte, error) {
	hdr := make([]byte, 13)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return 0, 0, nil, err
	}
	op := hdr[0]
	seq := binary.LittleEndian.Uint64(hdr[1:])
	n := binary.LittleEndian.Uint32(hdr[9:])
	if n > maxFramePayload {
		return 0, 0, nil, fmt.Errorf("frame payload %d exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, 0, nil, err
	}
	return op, seq, payload, nil
}

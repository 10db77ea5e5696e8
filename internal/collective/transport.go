// Package collective provides the blocking collective operations the
// retrieval group runs on: rank/size queries, barrier, all-to-one gather
// and one-to-all scatter, all rooted at rank 0. Collectives are matched
// across ranks by call order, enforced on the wire with per-group sequence
// numbers so a reordered call fails loudly instead of pairing wrong frames.
package collective

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Root is the designated coordinator rank of every group.
const Root = 0

var (
	// ErrSequenceMismatch reports a collective op arriving out of order.
	ErrSequenceMismatch = errors.New("collective op/sequence mismatch")

	// ErrGroupClosed reports an operation on a closed group.
	ErrGroupClosed = errors.New("process group closed")

	// ErrBadHandshake reports a peer that failed to join the group.
	ErrBadHandshake = errors.New("group handshake failed")

	// ErrBadSegments reports a scatter list whose length differs from the world size.
	ErrBadSegments = errors.New("scatter segment count does not match world size")
)

// Transport is the communication channel of one retrieval process group.
// All operations block until every participant has played its part; there
// is no timeout or cancellation beyond the passed context. Gather returns
// the rank-ordered payload list on the root and nil elsewhere; Scatter takes
// the rank-ordered segment list on the root (nil elsewhere) and returns the
// caller's own segment on every rank, the root included.
type Transport interface {
	Rank() int
	WorldSize() int
	Session() string
	Barrier(ctx context.Context) error
	Gather(ctx context.Context, payload []byte) ([][]byte, error)
	Scatter(ctx context.Context, segments [][]byte) ([]byte, error)
	Close() error
}

// GroupConfig carries everything needed to create a group. It is passed
// explicitly; the package never reads process environment state.
type GroupConfig struct {
	Rank        int
	WorldSize   int
	MasterHost  string
	Port        int
	Ifname      string // bind hint for the root listener; optional
	DialTimeout time.Duration
	Logger      *zap.Logger
}

const defaultDialTimeout = 30 * time.Second

func (c GroupConfig) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return defaultDialTimeout
	}
	return c.DialTimeout
}

func (c GroupConfig) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// op codes shared by the wire and in-process transports.
const (
	opJoin    = uint8(1)
	opBarrier = uint8(2)
	opGather  = uint8(3)
	opScatter = uint8(4)
)

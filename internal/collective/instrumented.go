package collective

import (
	"context"
	"time"

	"github.com/ragrelay/ragrelay/internal/metrics"
)

// Instrumented decorates a Transport with Prometheus metrics for operation
// duration and payload volume.
type Instrumented struct {
	next Transport
}

var _ Transport = (*Instrumented)(nil)

// NewInstrumented wraps a transport with metrics recording.
func NewInstrumented(next Transport) *Instrumented {
	return &Instrumented{next: next}
}

// Rank returns the wrapped transport's rank.
func (t *Instrumented) Rank() int { return t.next.Rank() }

// WorldSize returns the wrapped transport's world size.
func (t *Instrumented) WorldSize() int { return t.next.WorldSize() }

// Session returns the wrapped transport's session id.
func (t *Instrumented) Session() string { return t.next.Session() }

// Gather delegates and records duration and bytes moved.
func (t *Instrumented) Gather(ctx context.Context, payload []byte) ([][]byte, error) {
	start := time.Now()
	out, err := t.next.Gather(ctx, payload)
	if err != nil {
		return nil, err
	}
	metrics.CollectiveDuration.WithLabelValues("gather").Observe(time.Since(start).Seconds())
	metrics.CollectiveBytesTotal.WithLabelValues("gather", "sent").Add(float64(len(payload)))
	for i, b := range out {
		if i != t.next.Rank() {
			metrics.CollectiveBytesTotal.WithLabelValues("gather", "received").Add(float64(len(b)))
		}
	}
	return out, nil
}

// Scatter delegates and records duration and bytes moved.
func (t *Instrumented) Scatter(ctx context.Context, segments [][]byte) ([]byte, error) {
	start := time.Now()
	own, err := t.next.Scatter(ctx, segments)
	if err != nil {
		return nil, err
	}
	metrics.CollectiveDuration.WithLabelValues("scatter").Observe(time.Since(start).Seconds())
	for i, b := range segments {
		if i != t.next.Rank() {
			metrics.CollectiveBytesTotal.WithLabelValues("scatter", "sent").Add(float64(len(b)))
		}
	}
	if t.next.Rank() != Root {
		metrics.CollectiveBytesTotal.WithLabelValues("scatter", "received").Add(float64(len(own)))
	}
	return own, nil
}

// Barrier delegates and records duration.
func (t *Instrumented) Barrier(ctx context.Context) error {
	start := time.Now()
	if err := t.next.Barrier(ctx); err != nil {
		return err
	}
	metrics.CollectiveDuration.WithLabelValues("barrier").Observe(time.Since(start).Seconds())
	return nil
}

// Close delegates to the wrapped transport.
func (t *Instrumented) Close() error { return t.next.Close() }

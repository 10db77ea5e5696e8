package docstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/ragrelay/ragrelay/internal/tensor"
)

// Compile-time check: Redis implements Store.
var _ Store = (*Redis)(nil)

// RedisConfig holds connection parameters for a Redis-backed store.
type RedisConfig struct {
	Addrs     []string
	Username  string
	Password  string
	KeyPrefix string
}

// Redis is a Store backed by Redis/Valkey via rueidis. Passages are stored
// as one hash per id under KeyPrefix, so every rank of the retrieval group
// can resolve doc dicts against the same corpus.
type Redis struct {
	client rueidis.Client
	prefix string
}

// NewRedis creates a Redis-backed store.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &Redis{client: client, prefix: cfg.KeyPrefix}, nil
}

func (s *Redis) key(id int64) string {
	return s.prefix + "doc:" + strconv.FormatInt(id, 10)
}

// Put stores the given documents in a single DoMulti round-trip.
func (s *Redis) Put(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	cmds := make([]rueidis.Completed, len(docs))
	for i, d := range docs {
		cmds[i] = s.client.B().Hset().Key(s.key(d.ID)).FieldValue().
			FieldValue("title", d.Title).
			FieldValue("text", d.Text).
			FieldValue("domain", d.Domain).
			Build()
	}

	results := s.client.DoMulti(ctx, cmds...)
	for i, res := range results {
		if err := res.Error(); err != nil {
			return fmt.Errorf("put doc %d: %w", docs[i].ID, err)
		}
	}
	return nil
}

// DocDicts resolves one DocDict per query row, pipelining all hash reads
// of a batch into a single DoMulti round-trip.
func (s *Redis) DocDicts(ctx context.Context, ids tensor.IDMatrix) ([]DocDict, error) {
	n := ids.Rows * ids.Cols
	if n == 0 {
		return make([]DocDict, ids.Rows), nil
	}

	cmds := make([]rueidis.Completed, n)
	for i, id := range ids.Data {
		cmds[i] = s.client.B().Hgetall().Key(s.key(id)).Build()
	}

	results := s.client.DoMulti(ctx, cmds...)

	out := make([]DocDict, ids.Rows)
	for row := range ids.Rows {
		dict := newDocDict(ids.Cols)
		for col := range ids.Cols {
			idx := row*ids.Cols + col
			fields, err := results[idx].AsStrMap()
			if err != nil {
				return nil, fmt.Errorf("doc %d: %w", ids.Data[idx], err)
			}
			if len(fields) == 0 {
				return nil, fmt.Errorf("doc %d: %w", ids.Data[idx], ErrDocNotFound)
			}
			dict.append(Document{
				ID:     ids.Data[idx],
				Title:  fields["title"],
				Text:   fields["text"],
				Domain: fields["domain"],
			})
		}
		out[row] = dict
	}
	return out, nil
}

// Ping checks connectivity.
func (s *Redis) Ping(ctx context.Context) error {
	cmd := s.client.B().Ping().Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// WaitForReady polls Ping until the store responds or timeout expires.
func (s *Redis) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for docstore: %w", ctx.Err())
		case <-ticker.C:
			if err := s.Ping(ctx); err == nil {
				return nil
			}
		}
	}
}

// Close shuts down the client.
func (s *Redis) Close() {
	s.client.Close()
}

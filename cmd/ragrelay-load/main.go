// ragrelay-load builds the retrieval corpus: it reads passages from a
// JSONL file, embeds any passage that arrives without a vector, writes the
// passages to the document store, and emits the index snapshot the main
// worker loads at init.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/ragrelay/ragrelay/internal/config"
	"github.com/ragrelay/ragrelay/internal/docstore"
	"github.com/ragrelay/ragrelay/internal/index"
	logpkg "github.com/ragrelay/ragrelay/internal/logger"
)

const embedBatchSize = 64

type passage struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Domain    string    `json:"domain"`
	Embedding []float32 `json:"embedding,omitempty"`
}

func main() {
	input := flag.String("input", "", "passages JSONL file (required)")
	snapshotPath := flag.String("snapshot", "", "output snapshot path (default: config index.snapshot_path)")
	flag.Parse()

	env := config.GetEnv()
	cfg := config.MustLoad(env)

	logger, err := logpkg.New(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	if *input == "" {
		logger.Fatal("missing -input")
	}
	outPath := *snapshotPath
	if outPath == "" {
		outPath = cfg.Index.SnapshotPath
	}
	if outPath == "" {
		logger.Fatal("no snapshot path: set -snapshot or index.snapshot_path")
	}

	ctx := context.Background()

	passages, err := readPassages(*input)
	if err != nil {
		logger.Fatal("failed to read passages", zap.Error(err))
	}
	logger.Info("passages read", zap.String("input", *input), zap.Int("count", len(passages)))

	if err := embedMissing(ctx, cfg.Embedding, passages, logger); err != nil {
		logger.Fatal("embedding failed", zap.Error(err))
	}

	dim, err := checkDimensions(passages)
	if err != nil {
		logger.Fatal("inconsistent corpus", zap.Error(err))
	}

	store, err := newDocstore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to create docstore", zap.Error(err))
	}
	defer store.Close()

	docs := make([]docstore.Document, len(passages))
	for i, p := range passages {
		docs[i] = docstore.Document{ID: p.ID, Title: p.Title, Text: p.Text, Domain: p.Domain}
	}
	if err := store.Put(ctx, docs); err != nil {
		logger.Fatal("failed to store passages", zap.Error(err))
	}
	logger.Info("passages stored", zap.Int("count", len(docs)))

	snap := index.Snapshot{
		Dim:     dim,
		IDs:     make([]int64, len(passages)),
		Domains: make([]string, len(passages)),
		Vectors: make([]float32, 0, len(passages)*dim),
	}
	for i, p := range passages {
		snap.IDs[i] = p.ID
		snap.Domains[i] = p.Domain
		snap.Vectors = append(snap.Vectors, p.Embedding...)
	}
	if err := index.WriteSnapshot(outPath, snap); err != nil {
		logger.Fatal("failed to write snapshot", zap.Error(err))
	}
	logger.Info("snapshot written",
		zap.String("path", outPath),
		zap.Int("docs", len(passages)),
		zap.Int("dim", dim),
	)
}

func readPassages(path string) ([]passage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []passage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var p passage
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no passages in %s", path)
	}
	return out, nil
}

// embedMissing fills in vectors for passages that arrived without one,
// batching requests against the configured OpenAI-compatible endpoint.
func embedMissing(ctx context.Context, cfg config.EmbeddingConfig, passages []passage, logger *zap.Logger) error {
	var missing []int
	for i, p := range passages {
		if len(p.Embedding) == 0 {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if cfg.APIKey == "" || cfg.Model == "" {
		return fmt.Errorf("%d passages lack embeddings and embedding.api_key/model is not configured", len(missing))
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientCfg)

	logger.Info("embedding passages",
		zap.Int("count", len(missing)),
		zap.String("model", cfg.Model),
	)

	for start := 0; start < len(missing); start += embedBatchSize {
		end := min(start+embedBatchSize, len(missing))
		chunk := missing[start:end]

		texts := make([]string, len(chunk))
		for j, idx := range chunk {
			texts[j] = passages[idx].Title + "\n" + passages[idx].Text
		}

		req := openai.EmbeddingRequest{
			Input:          texts,
			Model:          openai.EmbeddingModel(cfg.Model),
			EncodingFormat: openai.EmbeddingEncodingFormatFloat,
		}
		if cfg.Dimensions > 0 {
			req.Dimensions = cfg.Dimensions
		}
		resp, err := client.CreateEmbeddings(ctx, req)
		if err != nil {
			return fmt.Errorf("embed batch at %d: %w", start, err)
		}
		if len(resp.Data) != len(chunk) {
			return fmt.Errorf("embed batch at %d: got %d vectors for %d inputs", start, len(resp.Data), len(chunk))
		}
		for j, idx := range chunk {
			passages[idx].Embedding = resp.Data[j].Embedding
		}
	}
	return nil
}

func checkDimensions(passages []passage) (int, error) {
	dim := len(passages[0].Embedding)
	if dim == 0 {
		return 0, fmt.Errorf("passage %d has no embedding", passages[0].ID)
	}
	for _, p := range passages {
		if len(p.Embedding) != dim {
			return 0, fmt.Errorf("passage %d has dim %d, corpus has %d", p.ID, len(p.Embedding), dim)
		}
	}
	return dim, nil
}

func newDocstore(ctx context.Context, cfg config.Config, logger *zap.Logger) (docstore.Store, error) {
	switch cfg.Docstore.Driver {
	case "redis":
		store, err := docstore.NewRedis(docstore.RedisConfig{
			Addrs:     cfg.Docstore.Addrs,
			Password:  cfg.Docstore.Password,
			KeyPrefix: cfg.Docstore.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		readiness := time.Duration(cfg.Docstore.ReadinessTimeout) * time.Second
		if err := store.WaitForReady(ctx, readiness); err != nil {
			store.Close()
			return nil, err
		}
		logger.Info("connected to docstore", zap.Strings("addrs", cfg.Docstore.Addrs))
		return store, nil
	case "memory":
		return nil, fmt.Errorf("the memory docstore cannot be loaded offline; configure the redis driver")
	default:
		return nil, fmt.Errorf("unknown docstore driver %q", cfg.Docstore.Driver)
	}
}

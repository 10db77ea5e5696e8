package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ragrelay/ragrelay/internal/config"
	"github.com/ragrelay/ragrelay/internal/docstore"
	"github.com/ragrelay/ragrelay/internal/index"
	logpkg "github.com/ragrelay/ragrelay/internal/logger"
	"github.com/ragrelay/ragrelay/internal/metrics"
	"github.com/ragrelay/ragrelay/internal/ops"
	"github.com/ragrelay/ragrelay/internal/retriever"
	"github.com/ragrelay/ragrelay/internal/tensor"
	"github.com/ragrelay/ragrelay/internal/version"
)

func main() {
	rounds := flag.Int("rounds", 0, "synthetic retrieve rounds to run after init (0 = serve until signal)")
	batch := flag.Int("batch", 4, "query batch size per synthetic round")
	dim := flag.Int("dim", 768, "query vector dimension for synthetic rounds")
	nDocs := flag.Int("ndocs", 0, "docs per query (0 = config default)")
	flag.Parse()

	env := config.GetEnv()
	cfg := config.MustLoad(env)

	logger, err := logpkg.New(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting ragrelay worker",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("rank", cfg.Group.Rank),
		zap.Int("world_size", cfg.Group.WorldSize),
		zap.String("master_host", cfg.Group.MasterHost),
		zap.Int("base_port", cfg.Group.BasePort),
	)

	metrics.Register()

	ctx := context.Background()

	store, err := newDocstore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create docstore", zap.Error(err))
	}
	defer store.Close()

	idx := index.NewFlat(index.FlatConfig{
		SnapshotPath:   cfg.Index.SnapshotPath,
		CombinedWeight: cfg.Index.CombinedWeight,
		CurrentWeight:  cfg.Index.CurrentWeight,
		HistoryWeight:  cfg.Index.HistoryWeight,
		Logger:         logger,
	})

	ret := retriever.New(idx, store, retriever.ClusterConfig{
		Rank:        cfg.Group.Rank,
		WorldSize:   cfg.Group.WorldSize,
		MasterHost:  cfg.Group.MasterHost,
		Ifname:      cfg.Group.Ifname,
		DialTimeout: time.Duration(cfg.Group.DialTimeoutSec) * time.Second,
	}, logger)
	defer func() { _ = ret.Close() }()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Ops.Port),
		Handler:      ops.NewHandler(ret, logger),
		ReadTimeout:  time.Duration(cfg.Ops.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Ops.WriteTimeoutSec) * time.Second,
	}
	go func() {
		logger.Info("starting ops server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("ops server error", zap.Error(err))
		}
	}()

	if err := ret.InitRetrieval(ctx, cfg.Group.BasePort); err != nil {
		logger.Fatal("retrieval initialization failed", zap.Error(err))
	}

	if *rounds > 0 {
		docsPerQuery := *nDocs
		if docsPerQuery <= 0 {
			docsPerQuery = cfg.Index.NDocs
		}
		if err := runSoak(ctx, ret, *rounds, *batch, *dim, docsPerQuery, cfg.Group.Rank, logger); err != nil {
			logger.Fatal("soak round failed", zap.Error(err))
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	if *rounds > 0 {
		logger.Info("soak finished, shutting down")
	} else {
		<-quit
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Ops.ShutdownSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}
	logger.Info("worker stopped gracefully")
}

func newDocstore(cfg config.Config, logger *zap.Logger) (docstore.Store, error) {
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
		if err := store.WaitForReady(context.Background(), readiness); err != nil {
			store.Close()
			return nil, err
		}
		logger.Info("connected to docstore", zap.Strings("addrs", cfg.Docstore.Addrs))
		return store, nil
	case "memory":
		return docstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown docstore driver %q", cfg.Docstore.Driver)
	}
}

// runSoak drives synthetic retrieve rounds. Every rank runs the same number
// of rounds so the group's collectives stay aligned.
func runSoak(
	ctx context.Context,
	ret *retriever.Retriever,
	rounds, batch, dim, nDocs, rank int,
	logger *zap.Logger,
) error {
	rng := rand.New(rand.NewPCG(uint64(rank)+1, 42))

	for round := range rounds {
		q := retriever.QueryBatch{
			Combined: randomMatrix(rng, batch, dim),
			Current:  randomMatrix(rng, batch, dim),
			History:  randomMatrix(rng, batch, dim),
		}
		start := time.Now()
		res, err := ret.Retrieve(ctx, q, nDocs, index.Options{})
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		logger.Info("soak round",
			zap.Int("round", round),
			zap.Int("batch", res.DocIDs.Rows),
			zap.Int("n_docs", res.DocIDs.Cols),
			zap.Duration("latency", time.Since(start)),
		)
	}
	return nil
}

func randomMatrix(rng *rand.Rand, rows, cols int) tensor.Matrix {
	m := tensor.NewMatrix(rows, cols)
	for i := range m.Data {
		m.Data[i] = rng.Float32()*2 - 1
	}
	return m
}

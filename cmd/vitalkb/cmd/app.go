package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Aman-CERP/vitalkb/internal/chunk"
	"github.com/Aman-CERP/vitalkb/internal/config"
	"github.com/Aman-CERP/vitalkb/internal/embed"
	"github.com/Aman-CERP/vitalkb/internal/lock"
	"github.com/Aman-CERP/vitalkb/internal/pipeline"
	"github.com/Aman-CERP/vitalkb/internal/search"
	"github.com/Aman-CERP/vitalkb/internal/store"
)

// app holds the components built from one configuration.
type app struct {
	cfg      *config.Config
	store    store.Store
	embedder embed.Embedder
	pipeline *pipeline.Pipeline
	engine   *search.Engine

	closers []func() error
}

// openApp wires store, embedder, locker, pipeline and search engine from cfg.
// Close releases everything that was opened, in reverse order.
func openApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	provider, err := embed.ParseProvider(cfg.Embeddings.Provider)
	if err != nil {
		return nil, err
	}
	a.embedder, err = embed.NewEmbedder(embed.Options{
		Provider:   provider,
		Host:       cfg.Embeddings.Host,
		Model:      cfg.Embeddings.Model,
		APIKey:     cfg.Embeddings.APIKey,
		Dimensions: cfg.Store.Dimensions,
		BatchSize:  cfg.Embeddings.BatchSize,
		Timeout:    cfg.Embeddings.Timeout,
		CacheSize:  cfg.Embeddings.CacheSize,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.embedder.Close)

	locker, err := a.openLocker(ctx, cfg.Locks)
	if err != nil {
		return nil, err
	}

	a.pipeline, err = pipeline.New(pipeline.Dependencies{
		Store:    a.store,
		Embedder: a.embedder,
		Chunker:  chunk.New(chunk.Options{Size: cfg.Chunking.Size, Overlap: cfg.Chunking.Overlap}),
		Locker:   locker,
		Workers:  cfg.Pipeline.Workers,
	})
	if err != nil {
		return nil, err
	}

	a.engine, err = search.NewEngine(
		search.NewLexicalMatcher(a.store, search.DefaultRules()),
		search.NewVectorMatcher(a.store, a.embedder),
		search.NewWeightedFusion(search.Weights{
			Text:   cfg.Retrieval.TextWeight,
			Vector: cfg.Retrieval.VectorWeight,
		}),
		search.EngineConfig{
			DefaultLimit:     cfg.Retrieval.Limit,
			MaxLimit:         cfg.Retrieval.MaxLimit,
			DefaultThreshold: cfg.Retrieval.Threshold,
		},
	)
	if err != nil {
		return nil, err
	}

	slog.Debug("app_opened",
		slog.String("store", cfg.Store.Driver),
		slog.String("embedder", a.embedder.ModelName()),
		slog.String("locks", cfg.Locks.Kind))
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.DSN, cfg.Dimensions)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite, "":
		s, err := store.NewSQLiteStore(cfg.Path, cfg.Dimensions)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *app) openLocker(ctx context.Context, cfg config.LocksConfig) (lock.SourceLocker, error) {
	switch strings.ToLower(cfg.Kind) {
	case config.LockFile:
		return lock.NewFileLocker(cfg.Dir), nil
	case config.LockRedis:
		client, err := lock.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return lock.NewRedisLocker(client, cfg.TTL), nil
	default:
		return lock.NewKeyedMutex(), nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close_failed", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

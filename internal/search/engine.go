package search

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
	"github.com/Aman-CERP/vitalkb/internal/store"
)

// Engine implements hybrid search combining lexical and vector matching.
type Engine struct {
	lexical *LexicalMatcher
	vector  *VectorMatcher
	fusion  *WeightedFusion
	config  EngineConfig
}

// NewEngine creates a hybrid search engine. A nil fusion uses
// DefaultWeights.
func NewEngine(lexical *LexicalMatcher, vector *VectorMatcher, fusion *WeightedFusion, config EngineConfig) (*Engine, error) {
	if lexical == nil {
		return nil, fmt.Errorf("%w: lexical matcher is required", ErrNilDependency)
	}
	if vector == nil {
		return nil, fmt.Errorf("%w: vector matcher is required", ErrNilDependency)
	}
	if fusion == nil {
		fusion = NewWeightedFusion(DefaultWeights())
	}

	def := DefaultEngineConfig()
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = def.DefaultLimit
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = def.MaxLimit
	}
	if config.DefaultThreshold < 0 || config.DefaultThreshold > 1 {
		config.DefaultThreshold = def.DefaultThreshold
	}

	return &Engine{
		lexical: lexical,
		vector:  vector,
		fusion:  fusion,
		config:  config,
	}, nil
}

func (e *Engine) applyDefaults(opts SearchOptions) SearchOptions {
	if opts.Limit <= 0 {
		opts.Limit = e.config.DefaultLimit
	}
	if opts.Limit > e.config.MaxLimit {
		opts.Limit = e.config.MaxLimit
	}
	return opts
}

func (e *Engine) threshold(opts SearchOptions) float64 {
	if opts.Threshold == nil {
		return e.config.DefaultThreshold
	}
	return *opts.Threshold
}

// Search runs both matchers in parallel and fuses their lists. A vector
// failure degrades to lexical-only results; a cancelled context returns the
// context error and no results.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]store.SearchResult, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, kberrors.New(kberrors.ErrCodeQueryEmpty, "search query is empty", nil)
	}
	opts = e.applyDefaults(opts)

	// Section filtering happens after fusion, so fetch extra candidates.
	candidates := opts.Limit
	if len(opts.SectionTypes) > 0 {
		candidates *= 2
	}

	var textResults, vecResults []store.SearchResult
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		textResults, err = e.lexical.Match(gctx, query, candidates)
		return err
	})
	g.Go(func() error {
		vecResults = e.vector.MatchText(gctx, query, e.threshold(opts), candidates)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fused := e.fusion.Fuse(textResults, vecResults, 0)
	fused = filterSections(fused, opts.SectionTypes)
	if len(fused) > opts.Limit {
		fused = fused[:opts.Limit]
	}

	slog.Debug("search_completed",
		slog.String("query", query),
		slog.Int("text_results", len(textResults)),
		slog.Int("vector_results", len(vecResults)),
		slog.Int("results", len(fused)),
		slog.Duration("duration", time.Since(start)))

	return fused, nil
}

func filterSections(results []store.SearchResult, sectionTypes []string) []store.SearchResult {
	if len(sectionTypes) == 0 {
		return results
	}
	filtered := make([]store.SearchResult, 0, len(results))
	for _, r := range results {
		if slices.Contains(sectionTypes, r.SectionType) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

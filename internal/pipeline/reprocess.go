package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
	"github.com/Aman-CERP/vitalkb/internal/store"
)

// Status is the result of processing one source in a bulk run.
type Status int

const (
	StatusProcessed Status = iota
	StatusSkipped
	StatusFailed
)

// String returns the status name used in logs.
func (s Status) String() string {
	switch s {
	case StatusProcessed:
		return "processed"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the per-source result of a bulk run.
type Outcome struct {
	SourceID string
	Status   Status
	Chunks   int
	Err      error
}

// Stats counts outcomes of a bulk run.
type Stats struct {
	Processed int
	Failed    int
	Skipped   int
	Chunks    int
	Duration  time.Duration
}

// Add folds one outcome into the counters.
func (s *Stats) Add(o Outcome) {
	switch o.Status {
	case StatusProcessed:
		s.Processed++
		s.Chunks += o.Chunks
	case StatusSkipped:
		s.Skipped++
	case StatusFailed:
		s.Failed++
	}
}

// Total returns the number of sources seen.
func (s Stats) Total() int {
	return s.Processed + s.Failed + s.Skipped
}

// ReprocessAllContent reprocesses the content of every active source. A
// failing source is counted and logged; it never aborts the run.
func (p *Pipeline) ReprocessAllContent(ctx context.Context) (Stats, error) {
	return p.reprocessAll(ctx, "content", func(ctx context.Context, src *store.Source) Outcome {
		if strings.TrimSpace(src.MainContent) == "" && !hasSectionContent(src.Sections) {
			return Outcome{SourceID: src.ID, Status: StatusSkipped}
		}
		n, err := p.ProcessContent(ctx, src.ID, src.MainContent, src.Sections)
		return outcome(src.ID, n, err)
	})
}

// ReprocessAllIssues reprocesses the issues of every active source.
func (p *Pipeline) ReprocessAllIssues(ctx context.Context) (Stats, error) {
	return p.reprocessAll(ctx, "issues", func(ctx context.Context, src *store.Source) Outcome {
		if len(src.Issues) == 0 {
			return Outcome{SourceID: src.ID, Status: StatusSkipped}
		}
		n, err := p.ProcessIssuesResolutions(ctx, src.ID, src.Issues)
		return outcome(src.ID, n, err)
	})
}

// ReprocessSource reprocesses one stored source's content and issues.
func (p *Pipeline) ReprocessSource(ctx context.Context, sourceID string) (int, error) {
	src, err := p.store.GetSource(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	n, err := p.ProcessContent(ctx, src.ID, src.MainContent, src.Sections)
	if err != nil {
		return 0, err
	}
	m, err := p.ProcessIssuesResolutions(ctx, src.ID, src.Issues)
	if err != nil {
		return n, err
	}
	return n + m, nil
}

func (p *Pipeline) reprocessAll(ctx context.Context, kind string, fn func(context.Context, *store.Source) Outcome) (Stats, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	sources, err := p.store.ListActiveSources(ctx)
	if err != nil {
		return Stats{}, err
	}

	var (
		mu    sync.Mutex
		stats Stats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, src := range sources {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			o := fn(gctx, src)
			if o.Status == StatusFailed {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				slog.Warn("reprocess_source_failed",
					append(kberrors.LogAttrs(o.Err), "source_id", o.SourceID, "kind", kind)...)
			}
			mu.Lock()
			stats.Add(o)
			mu.Unlock()
			return nil
		})
	}

	err = g.Wait()
	stats.Duration = time.Since(start)

	slog.Info("reprocess_completed",
		slog.String("kind", kind),
		slog.Int("processed", stats.Processed),
		slog.Int("failed", stats.Failed),
		slog.Int("skipped", stats.Skipped),
		slog.Int("chunks", stats.Chunks),
		slog.Duration("duration", stats.Duration))

	if err != nil {
		return stats, err
	}
	return stats, ctx.Err()
}

func outcome(sourceID string, chunks int, err error) Outcome {
	if err != nil {
		return Outcome{SourceID: sourceID, Status: StatusFailed, Err: err}
	}
	return Outcome{SourceID: sourceID, Status: StatusProcessed, Chunks: chunks}
}

func hasSectionContent(sections []store.Section) bool {
	for _, s := range sections {
		if strings.TrimSpace(s.Content) != "" {
			return true
		}
	}
	return false
}

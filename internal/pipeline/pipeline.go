// Package pipeline turns source content into searchable chunks: delete the
// old slice, chunk, persist, embed, persist the vectors. Every write path for
// a source runs under that source's lock.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Aman-CERP/vitalkb/internal/chunk"
	"github.com/Aman-CERP/vitalkb/internal/embed"
	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
	"github.com/Aman-CERP/vitalkb/internal/lock"
	"github.com/Aman-CERP/vitalkb/internal/store"
)

// IssueSeparator joins flattened issue blocks.
const IssueSeparator = "\n\n---\n\n"

// Dependencies contains the injected collaborators of a Pipeline.
type Dependencies struct {
	// Store persists chunks, embeddings and source records (required).
	Store store.Store

	// Embedder generates chunk vectors (required).
	Embedder embed.Embedder

	// Chunker defaults to chunk.New(chunk.DefaultOptions()).
	Chunker *chunk.Chunker

	// Locker defaults to an in-process lock.KeyedMutex.
	Locker lock.SourceLocker

	// Workers bounds concurrent sources during bulk reprocessing (default 1).
	Workers int
}

// Pipeline orchestrates chunking, persistence and embedding.
type Pipeline struct {
	store    store.Store
	embedder embed.Embedder
	chunker  *chunk.Chunker
	locker   lock.SourceLocker
	workers  int
}

// New creates a Pipeline with injected dependencies.
func New(deps Dependencies) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	chunker := deps.Chunker
	if chunker == nil {
		chunker = chunk.New(chunk.DefaultOptions())
	}
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	workers := deps.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Pipeline{
		store:    deps.Store,
		embedder: deps.Embedder,
		chunker:  chunker,
		locker:   locker,
		workers:  workers,
	}, nil
}

// ProcessContent replaces every chunk of sourceID with chunks of
// mainContent and sections, and embeds them. Re-running it with the same
// input yields the same chunk set. Returns the number of chunks written.
func (p *Pipeline) ProcessContent(ctx context.Context, sourceID, mainContent string, sections []store.Section) (int, error) {
	if strings.TrimSpace(sourceID) == "" {
		return 0, kberrors.ValidationError("source id is required", nil)
	}

	unlock, err := p.locker.Lock(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	start := time.Now()
	if err := p.store.DeleteChunksBySource(ctx, sourceID, ""); err != nil {
		return 0, err
	}

	chunks := p.chunkContent(sourceID, mainContent, sections)
	for i := range chunks {
		chunks[i].Index = i
	}

	n, err := p.persist(ctx, chunks)
	if err != nil {
		return 0, err
	}

	slog.Info("content_processed",
		slog.String("source_id", sourceID),
		slog.Int("chunks", n),
		slog.Duration("duration", time.Since(start)))
	return n, nil
}

func (p *Pipeline) chunkContent(sourceID, mainContent string, sections []store.Section) []store.Chunk {
	var out []store.Chunk
	out = appendChunks(out, p.chunker.ChunkText(mainContent, sourceID, store.SectionMainContent, ""))

	for _, sec := range sections {
		sectionType := sec.Type
		if sectionType == "" {
			sectionType = store.SectionMainContent
		}
		if sectionType == store.SectionDocument {
			out = appendChunks(out, p.chunker.ChunkContent(sec.Content, sourceID, sectionType, sec.Heading))
			continue
		}
		out = appendChunks(out, p.chunker.ChunkText(sec.Content, sourceID, sectionType, sec.Heading))
	}
	return out
}

// ProcessIssuesResolutions replaces the issues_resolutions slice of
// sourceID. New chunk indices continue after the highest index the source
// keeps from other sections.
func (p *Pipeline) ProcessIssuesResolutions(ctx context.Context, sourceID string, issues []store.Issue) (int, error) {
	if strings.TrimSpace(sourceID) == "" {
		return 0, kberrors.ValidationError("source id is required", nil)
	}

	unlock, err := p.locker.Lock(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	start := time.Now()
	if err := p.store.DeleteChunksBySource(ctx, sourceID, store.SectionIssuesResolutions); err != nil {
		return 0, err
	}

	remaining, err := p.store.SelectChunksBySource(ctx, sourceID, "")
	if err != nil {
		return 0, err
	}
	offset := 0
	for _, c := range remaining {
		offset = max(offset, c.Index+1)
	}

	text := FormatIssues(issues)
	chunks := appendChunks(nil, p.chunker.ChunkText(text, sourceID, store.SectionIssuesResolutions, ""))
	for i := range chunks {
		chunks[i].Index = offset + i
	}

	n, err := p.persist(ctx, chunks)
	if err != nil {
		return 0, err
	}

	slog.Info("issues_processed",
		slog.String("source_id", sourceID),
		slog.Int("issues", len(issues)),
		slog.Int("chunks", n),
		slog.Int("index_offset", offset),
		slog.Duration("duration", time.Since(start)))
	return n, nil
}

// FormatIssues flattens issues into "{TYPE}: {content}\n{Label}: {resolution}"
// blocks joined by IssueSeparator. Issues without content are skipped and an
// empty resolution drops the label line.
func FormatIssues(issues []store.Issue) string {
	blocks := make([]string, 0, len(issues))
	for _, is := range issues {
		content := strings.TrimSpace(is.Content)
		if content == "" {
			continue
		}
		kind := is.Kind
		if kind == "" {
			kind = store.IssueKindIssue
		}
		block := strings.ToUpper(string(kind)) + ": " + content
		if res := strings.TrimSpace(is.Resolution); res != "" {
			block += "\n" + kind.ResolutionLabel() + ": " + res
		}
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, IssueSeparator)
}

// persist inserts chunks in one batch, embeds them in one batch and stores
// one vector per chunk, matched by position.
func (p *Pipeline) persist(ctx context.Context, chunks []store.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	stored, err := p.store.InsertChunks(ctx, chunks)
	if err != nil {
		return 0, err
	}

	texts := make([]string, len(stored))
	for i, c := range stored {
		texts[i] = c.Text
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(vectors) != len(stored) {
		return 0, kberrors.New(kberrors.ErrCodeEmbeddingCountMismatch,
			fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vectors), len(stored)), nil).
			WithDetail("source_id", stored[0].SourceID)
	}

	records := make([]store.EmbeddingRecord, len(stored))
	for i, c := range stored {
		records[i] = store.EmbeddingRecord{ChunkID: c.ID, Vector: vectors[i]}
	}
	if err := p.store.InsertEmbeddings(ctx, records); err != nil {
		return 0, err
	}
	return len(stored), nil
}

// DeleteSource removes every chunk of sourceID, with their embeddings, and
// marks the source record inactive when one exists.
func (p *Pipeline) DeleteSource(ctx context.Context, sourceID string) error {
	if strings.TrimSpace(sourceID) == "" {
		return kberrors.ValidationError("source id is required", nil)
	}

	unlock, err := p.locker.Lock(ctx, sourceID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := p.store.DeleteChunksBySource(ctx, sourceID, ""); err != nil {
		return err
	}
	if err := p.store.DeactivateSource(ctx, sourceID); err != nil &&
		kberrors.GetCode(err) != kberrors.ErrCodeSourceNotFound {
		return err
	}

	slog.Info("source_deleted", slog.String("source_id", sourceID))
	return nil
}

// IngestSource saves src and processes its content and then its issues.
func (p *Pipeline) IngestSource(ctx context.Context, src *store.Source) (int, error) {
	if src == nil {
		return 0, kberrors.ValidationError("source is required", nil)
	}
	if err := p.store.UpsertSource(ctx, src); err != nil {
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

func appendChunks(out []store.Chunk, chunks []chunk.Chunk) []store.Chunk {
	for _, c := range chunks {
		out = append(out, store.Chunk{
			SourceID:      c.SourceID,
			Text:          c.Text,
			Index:         c.Index,
			TokenEstimate: c.TokenEstimate,
			SectionType:   c.SectionType,
			Heading:       c.Heading,
		})
	}
	return out
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
)

// PostgresStore implements Store on PostgreSQL with pgvector. Similarity
// search goes through the match_knowledge_chunks SQL function.
type PostgresStore struct {
	pool *pgxpool.Pool
	dims int
}

// Verify interface implementation at compile time
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects a pool to dsn. Call Migrate before first use on
// an empty database.
func NewPostgresStore(ctx context.Context, dsn string, dims int) (*PostgresStore, error) {
	if dims <= 0 {
		return nil, kberrors.ValidationError("postgres store requires embedding dimensions", nil)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, kberrors.ValidationError("invalid postgres dsn", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, mapPgError("connect", err, false)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, mapPgError("ping", err, false)
	}

	return &PostgresStore{pool: pool, dims: dims}, nil
}

// postgresMigrations are applied in order. %[1]d is the vector dimension.
var postgresMigrations = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,
	`CREATE TABLE IF NOT EXISTS sources (
		id           text PRIMARY KEY,
		title        text NOT NULL DEFAULT '',
		main_content text NOT NULL DEFAULT '',
		sections     jsonb NOT NULL DEFAULT '[]',
		issues       jsonb NOT NULL DEFAULT '[]',
		active       boolean NOT NULL DEFAULT true,
		updated_at   timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS knowledge_chunks (
		id             uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		source_id      text NOT NULL,
		chunk_text     text NOT NULL,
		chunk_index    integer NOT NULL,
		token_estimate integer NOT NULL,
		section_type   text NOT NULL,
		heading        text,
		created_at     timestamptz NOT NULL DEFAULT now(),
		chunk_tsv      tsvector GENERATED ALWAYS AS (to_tsvector('english', chunk_text)) STORED,
		UNIQUE (source_id, chunk_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_source ON knowledge_chunks (source_id, section_type)`,
	`CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_tsv ON knowledge_chunks USING gin (chunk_tsv)`,
	`CREATE TABLE IF NOT EXISTS knowledge_embeddings (
		id        uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		chunk_id  uuid NOT NULL UNIQUE REFERENCES knowledge_chunks (id) ON DELETE CASCADE,
		embedding vector(%[1]d) NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_knowledge_embeddings_hnsw
		ON knowledge_embeddings USING hnsw (embedding vector_cosine_ops)`,
	`CREATE OR REPLACE FUNCTION match_knowledge_chunks(
		query_embedding vector(%[1]d),
		match_threshold float,
		match_count int
	)
	RETURNS TABLE (
		chunk_id     uuid,
		source_id    text,
		chunk_text   text,
		section_type text,
		heading      text,
		similarity   float
	)
	LANGUAGE sql STABLE
	AS $$
		SELECT c.id, c.source_id, c.chunk_text, c.section_type, c.heading,
		       1 - (e.embedding <=> query_embedding) AS similarity
		FROM knowledge_embeddings e
		JOIN knowledge_chunks c ON c.id = e.chunk_id
		WHERE vector_norm(e.embedding) > 0
		  AND 1 - (e.embedding <=> query_embedding) >= match_threshold
		ORDER BY e.embedding <=> query_embedding
		LIMIT match_count
	$$`,
}

// Migrate creates the extensions, tables, indexes and the similarity
// function. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for i, stmt := range postgresMigrations {
		sql := stmt
		if strings.Contains(stmt, "%[1]d") {
			sql = fmt.Sprintf(stmt, s.dims)
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return mapPgError(fmt.Sprintf("migration %d", i+1), err, true)
		}
	}
	slog.Info("postgres_migrated", slog.Int("dimensions", s.dims))
	return nil
}

// InsertChunks inserts all chunks in one batch inside a transaction.
func (s *PostgresStore) InsertChunks(ctx context.Context, chunks []Chunk) ([]Chunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, mapPgError("begin transaction", err, true)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(
			`INSERT INTO knowledge_chunks (source_id, chunk_text, chunk_index, token_estimate, section_type, heading)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id::text, created_at`,
			c.SourceID, c.Text, c.Index, c.TokenEstimate, c.SectionType, optionalText(c.Heading))
	}

	br := tx.SendBatch(ctx, batch)
	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		if err := br.QueryRow().Scan(&c.ID, &c.CreatedAt); err != nil {
			_ = br.Close()
			return nil, mapPgError(fmt.Sprintf("insert chunk %d of source %s", c.Index, c.SourceID), err, true)
		}
		out[i] = c
	}
	if err := br.Close(); err != nil {
		return nil, mapPgError("insert chunks", err, true)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError("commit chunks", err, true)
	}
	return out, nil
}

const pgChunkColumns = `id::text, source_id, chunk_text, chunk_index, token_estimate, section_type, heading, created_at`

// SelectChunksBySource returns the source's chunks ordered by index.
func (s *PostgresStore) SelectChunksBySource(ctx context.Context, sourceID, sectionType string) ([]Chunk, error) {
	query := `SELECT ` + pgChunkColumns + ` FROM knowledge_chunks WHERE source_id = $1`
	args := []any{sourceID}
	if sectionType != "" {
		query += ` AND section_type = $2`
		args = append(args, sectionType)
	}
	return s.queryChunks(ctx, "select chunks", query+` ORDER BY chunk_index`, args...)
}

// DeleteChunksBySource deletes chunks; embeddings go by cascade.
func (s *PostgresStore) DeleteChunksBySource(ctx context.Context, sourceID, sectionType string) error {
	query := `DELETE FROM knowledge_chunks WHERE source_id = $1`
	args := []any{sourceID}
	if sectionType != "" {
		query += ` AND section_type = $2`
		args = append(args, sectionType)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return mapPgError(fmt.Sprintf("delete chunks of source %s", sourceID), err, true)
	}
	return nil
}

// SubstringSearch matches chunk_text with ILIKE in insertion order.
func (s *PostgresStore) SubstringSearch(ctx context.Context, term string, limit int) ([]Chunk, error) {
	if strings.TrimSpace(term) == "" || limit <= 0 {
		return nil, nil
	}
	return s.queryChunks(ctx, "substring search",
		`SELECT `+pgChunkColumns+` FROM knowledge_chunks
		 WHERE chunk_text ILIKE $1 ESCAPE '\'
		 ORDER BY created_at, source_id, chunk_index
		 LIMIT $2`, "%"+escapeLike(term)+"%", limit)
}

// FullTextSearch uses plainto_tsquery, which ANDs the query's terms.
func (s *PostgresStore) FullTextSearch(ctx context.Context, query string, limit int) ([]Chunk, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}
	return s.queryChunks(ctx, "full-text search",
		`SELECT `+pgChunkColumns+` FROM knowledge_chunks
		 WHERE chunk_tsv @@ plainto_tsquery('english', $1)
		 ORDER BY ts_rank(chunk_tsv, plainto_tsquery('english', $1)) DESC
		 LIMIT $2`, query, limit)
}

// SimilaritySearch calls match_knowledge_chunks.
func (s *PostgresStore) SimilaritySearch(ctx context.Context, vector []float32, threshold float64, limit int) ([]SearchResult, error) {
	if len(vector) != s.dims {
		return nil, dimensionMismatch(s.dims, len(vector))
	}
	if isZeroVector(vector) {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT chunk_id::text, source_id, chunk_text, section_type, heading, similarity
		 FROM match_knowledge_chunks($1::vector, $2, $3)`,
		pgvector.NewVector(vector), threshold, limit)
	if err != nil {
		return nil, mapPgError("match_knowledge_chunks", err, false)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SearchResult, error) {
		var r SearchResult
		var heading *string
		err := row.Scan(&r.ChunkID, &r.SourceID, &r.Text, &r.SectionType, &heading, &r.Similarity)
		if heading != nil {
			r.Heading = *heading
		}
		return r, err
	})
	if err != nil {
		return nil, mapPgError("scan similarity results", err, false)
	}
	return results, nil
}

// InsertEmbeddings upserts one vector per chunk in a single batch.
func (s *PostgresStore) InsertEmbeddings(ctx context.Context, records []EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if len(r.Vector) != s.dims {
			return dimensionMismatch(s.dims, len(r.Vector))
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPgError("begin transaction", err, true)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(
			`INSERT INTO knowledge_embeddings (chunk_id, embedding) VALUES ($1::uuid, $2::vector)
			 ON CONFLICT (chunk_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
			r.ChunkID, pgvector.NewVector(r.Vector))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return mapPgError("insert embeddings", err, true)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError("commit embeddings", err, true)
	}
	return nil
}

// DeleteEmbeddingsByChunk removes vectors for the given chunks.
func (s *PostgresStore) DeleteEmbeddingsByChunk(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM knowledge_embeddings WHERE chunk_id::text = ANY($1)`, chunkIDs); err != nil {
		return mapPgError("delete embeddings", err, true)
	}
	return nil
}

// UpsertSource inserts or replaces a source record.
func (s *PostgresStore) UpsertSource(ctx context.Context, src *Source) error {
	if src == nil || src.ID == "" {
		return kberrors.ValidationError("source id is required", nil)
	}

	sections, err := json.Marshal(nonNil(src.Sections))
	if err != nil {
		return kberrors.InternalError("encode sections", err)
	}
	issues, err := json.Marshal(nonNil(src.Issues))
	if err != nil {
		return kberrors.InternalError("encode issues", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO sources (id, title, main_content, sections, issues, active, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, now())
		 ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			main_content = EXCLUDED.main_content,
			sections = EXCLUDED.sections,
			issues = EXCLUDED.issues,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
		 RETURNING updated_at`,
		src.ID, src.Title, src.MainContent, string(sections), string(issues), src.Active,
	).Scan(&src.UpdatedAt)
	if err != nil {
		return mapPgError(fmt.Sprintf("upsert source %s", src.ID), err, true)
	}
	return nil
}

const pgSourceColumns = `id, title, main_content, sections, issues, active, updated_at`

// GetSource returns one source or an ERR_405_SOURCE_NOT_FOUND error.
func (s *PostgresStore) GetSource(ctx context.Context, id string) (*Source, error) {
	sources, err := s.querySources(ctx, `SELECT `+pgSourceColumns+` FROM sources WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, sourceNotFound(id)
	}
	return sources[0], nil
}

// ListActiveSources returns active sources ordered by ID.
func (s *PostgresStore) ListActiveSources(ctx context.Context) ([]*Source, error) {
	return s.querySources(ctx, `SELECT `+pgSourceColumns+` FROM sources WHERE active ORDER BY id`)
}

// DeactivateSource marks a source inactive.
func (s *PostgresStore) DeactivateSource(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sources SET active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return mapPgError(fmt.Sprintf("deactivate source %s", id), err, true)
	}
	if tag.RowsAffected() == 0 {
		return sourceNotFound(id)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) queryChunks(ctx context.Context, op, query string, args ...any) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError(op, err, false)
	}

	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Chunk, error) {
		var c Chunk
		var heading *string
		err := row.Scan(&c.ID, &c.SourceID, &c.Text, &c.Index, &c.TokenEstimate,
			&c.SectionType, &heading, &c.CreatedAt)
		if heading != nil {
			c.Heading = *heading
		}
		return c, err
	})
	if err != nil {
		return nil, mapPgError(op, err, false)
	}
	return chunks, nil
}

func (s *PostgresStore) querySources(ctx context.Context, query string, args ...any) ([]*Source, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError("query sources", err, false)
	}

	sources, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Source, error) {
		var src Source
		var sections, issues []byte
		if err := row.Scan(&src.ID, &src.Title, &src.MainContent, &sections, &issues,
			&src.Active, &src.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(sections, &src.Sections); err != nil {
			return nil, fmt.Errorf("decode sections of %s: %w", src.ID, err)
		}
		if err := json.Unmarshal(issues, &src.Issues); err != nil {
			return nil, fmt.Errorf("decode issues of %s: %w", src.ID, err)
		}
		return &src, nil
	})
	if err != nil {
		return nil, mapPgError("scan sources", err, false)
	}
	return sources, nil
}

func optionalText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// mapPgError converts a pgx error into a store error, tagging the SQLSTATE
// when the server reported one.
func mapPgError(op string, err error, write bool) error {
	if err == nil {
		return nil
	}

	var ke *kberrors.KBError
	if write {
		ke = kberrors.StoreWriteError(op, err)
	} else {
		ke = kberrors.StoreReadError(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		ke.WithDetail("pg_code", pgErr.Code)
		switch pgErr.Code {
		case "23505":
			ke.WithSuggestion("A chunk with this source and index already exists; reprocess the source")
		case "42883":
			ke.WithSuggestion("Run 'vitalkb migrate' to create match_knowledge_chunks")
		case "40001", "40P01", "55P03":
			ke.Retryable = true
		}
	}
	return ke
}

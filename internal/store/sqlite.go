package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
)

// unicodeLowerFunc is a SQL function folding case with Unicode rules.
const unicodeLowerFunc = "vitalkb_lower"

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(unicodeLowerFunc, 1,
		func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			switch v := args[0].(type) {
			case string:
				return strings.ToLower(v), nil
			case []byte:
				return strings.ToLower(string(v)), nil
			default:
				return v, nil
			}
		})
}

// SQLiteStore implements Store on a single SQLite database: chunks with an
// FTS5 mirror, embeddings as float32 blobs, and an in-memory HNSW graph for
// similarity search.
type SQLiteStore struct {
	mu      sync.RWMutex
	db      *sql.DB
	path    string
	closed  bool
	vectors *vectorIndex
}

// Verify interface implementation at compile time
var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS sources (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL DEFAULT '',
	main_content TEXT NOT NULL DEFAULT '',
	sections     TEXT NOT NULL DEFAULT '[]',
	issues       TEXT NOT NULL DEFAULT '[]',
	active       INTEGER NOT NULL DEFAULT 1,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS knowledge_chunks (
	id             TEXT PRIMARY KEY,
	source_id      TEXT NOT NULL,
	chunk_text     TEXT NOT NULL,
	chunk_index    INTEGER NOT NULL,
	token_estimate INTEGER NOT NULL,
	section_type   TEXT NOT NULL,
	heading        TEXT,
	created_at     TEXT NOT NULL,
	UNIQUE (source_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_source
	ON knowledge_chunks (source_id, section_type);

-- FTS5 mirror keyed by the chunk rowid, maintained by triggers
CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_chunks_fts USING fts5(
	chunk_text,
	tokenize='unicode61'
);

CREATE TRIGGER IF NOT EXISTS knowledge_chunks_ai AFTER INSERT ON knowledge_chunks BEGIN
	INSERT INTO knowledge_chunks_fts (rowid, chunk_text) VALUES (new.rowid, new.chunk_text);
END;

CREATE TRIGGER IF NOT EXISTS knowledge_chunks_ad AFTER DELETE ON knowledge_chunks BEGIN
	DELETE FROM knowledge_chunks_fts WHERE rowid = old.rowid;
END;

CREATE TABLE IF NOT EXISTS knowledge_embeddings (
	id        TEXT PRIMARY KEY,
	chunk_id  TEXT NOT NULL UNIQUE REFERENCES knowledge_chunks (id) ON DELETE CASCADE,
	embedding BLOB NOT NULL
);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`

const chunkColumns = `id, source_id, chunk_text, chunk_index, token_estimate, section_type, heading, created_at`

// NewSQLiteStore opens (or creates) the database at path and rebuilds the
// vector graph from stored embeddings. An empty path opens an in-memory
// database. dims of 0 takes the dimension from the first stored vector.
func NewSQLiteStore(path string, dims int) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path + "?_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: one writer, and one shared in-memory database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		path:    path,
		vectors: newVectorIndex(dims),
	}

	if err := s.loadVectors(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// loadVectors rebuilds the HNSW graph from knowledge_embeddings.
func (s *SQLiteStore) loadVectors(ctx context.Context) error {
	ids, vecs, err := s.readVectors(ctx)
	if err != nil {
		return err
	}
	if err := s.vectors.add(ids, vecs); err != nil {
		return fmt.Errorf("rebuild vector graph: %w", err)
	}

	stats := s.vectors.stats()
	slog.Debug("sqlite_vectors_loaded",
		slog.String("path", s.path),
		slog.Int("count", len(ids)),
		slog.Int("graph_nodes", stats.GraphNodes))
	return nil
}

func (s *SQLiteStore) readVectors(ctx context.Context) ([]string, [][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, embedding FROM knowledge_embeddings`)
	if err != nil {
		return nil, nil, kberrors.StoreReadError("load embeddings", err)
	}
	defer rows.Close()

	var ids []string
	var vecs [][]float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, nil, kberrors.StoreReadError("scan embedding", err)
		}
		ids = append(ids, id)
		vecs = append(vecs, decodeVector(blob))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, kberrors.StoreReadError("load embeddings", err)
	}
	return ids, vecs, nil
}

// InsertChunks persists chunks in one transaction.
func (s *SQLiteStore) InsertChunks(ctx context.Context, chunks []Chunk) ([]Chunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, kberrors.StoreWriteError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO knowledge_chunks (`+chunkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, kberrors.StoreWriteError("prepare chunk insert", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		c.ID = uuid.NewString()
		c.CreatedAt = now
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.SourceID, c.Text, c.Index, c.TokenEstimate, c.SectionType,
			nullString(c.Heading), now.Format(time.RFC3339Nano)); err != nil {
			return nil, kberrors.StoreWriteError(
				fmt.Sprintf("insert chunk %d of source %s", c.Index, c.SourceID), err)
		}
		out[i] = c
	}

	if err := tx.Commit(); err != nil {
		return nil, kberrors.StoreWriteError("commit chunks", err)
	}
	return out, nil
}

// SelectChunksBySource returns the source's chunks ordered by index.
func (s *SQLiteStore) SelectChunksBySource(ctx context.Context, sourceID, sectionType string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}

	query := `SELECT ` + chunkColumns + ` FROM knowledge_chunks WHERE source_id = ?`
	args := []any{sourceID}
	if sectionType != "" {
		query += ` AND section_type = ?`
		args = append(args, sectionType)
	}
	query += ` ORDER BY chunk_index`

	return s.queryChunks(ctx, query, args...)
}

// DeleteChunksBySource removes the selected chunks; embeddings follow by
// cascade and are unmapped from the vector graph.
func (s *SQLiteStore) DeleteChunksBySource(ctx context.Context, sourceID, sectionType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}

	where := ` WHERE source_id = ?`
	args := []any{sourceID}
	if sectionType != "" {
		where += ` AND section_type = ?`
		args = append(args, sectionType)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kberrors.StoreWriteError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := queryIDs(ctx, tx, `SELECT id FROM knowledge_chunks`+where, args...)
	if err != nil {
		return kberrors.StoreReadError("select chunk ids", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_chunks`+where, args...); err != nil {
		return kberrors.StoreWriteError(fmt.Sprintf("delete chunks of source %s", sourceID), err)
	}
	if err := tx.Commit(); err != nil {
		return kberrors.StoreWriteError("commit delete", err)
	}

	s.vectors.remove(ids)
	return nil
}

// SubstringSearch matches chunk_text with LIKE after folding both sides
// with unicodeLowerFunc, since SQLite's lower() only folds ASCII.
func (s *SQLiteStore) SubstringSearch(ctx context.Context, term string, limit int) ([]Chunk, error) {
	if strings.TrimSpace(term) == "" || limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}

	pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM knowledge_chunks
		 WHERE `+unicodeLowerFunc+`(chunk_text) LIKE ? ESCAPE '\'
		 ORDER BY rowid
		 LIMIT ?`, pattern, limit)
}

// FullTextSearch runs an FTS5 MATCH with every term quoted and ANDed,
// ordered by bm25 rank.
func (s *SQLiteStore) FullTextSearch(ctx context.Context, query string, limit int) ([]Chunk, error) {
	match := buildFTSQuery(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}

	return s.queryChunks(ctx,
		`SELECT c.id, c.source_id, c.chunk_text, c.chunk_index, c.token_estimate,
		        c.section_type, c.heading, c.created_at
		 FROM knowledge_chunks_fts
		 JOIN knowledge_chunks c ON c.rowid = knowledge_chunks_fts.rowid
		 WHERE knowledge_chunks_fts MATCH ?
		 ORDER BY rank
		 LIMIT ?`, match, limit)
}

// SimilaritySearch queries the HNSW graph and loads the matching chunks.
func (s *SQLiteStore) SimilaritySearch(ctx context.Context, vector []float32, threshold float64, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}

	hits, err := s.vectors.search(vector, threshold, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	chunks, err := s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM knowledge_chunks WHERE id IN (`+placeholders(len(ids))+`)`,
		toArgs(ids)...)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		c, ok := byID[h.ChunkID]
		if !ok {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:     c.ID,
			SourceID:    c.SourceID,
			Text:        c.Text,
			Similarity:  h.Similarity,
			SectionType: c.SectionType,
			Heading:     c.Heading,
		})
	}
	return results, nil
}

// InsertEmbeddings persists one vector per chunk, replacing any existing
// vector for the same chunk.
func (s *SQLiteStore) InsertEmbeddings(ctx context.Context, records []EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}

	vecs := make([][]float32, len(records))
	ids := make([]string, len(records))
	for i, r := range records {
		vecs[i] = r.Vector
		ids[i] = r.ChunkID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	if err := s.vectors.validate(vecs); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kberrors.StoreWriteError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO knowledge_embeddings (id, chunk_id, embedding) VALUES (?, ?, ?)
		 ON CONFLICT (chunk_id) DO UPDATE SET embedding = excluded.embedding`)
	if err != nil {
		return kberrors.StoreWriteError("prepare embedding insert", err)
	}
	defer stmt.Close()

	for _, r := range records {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := stmt.ExecContext(ctx, id, r.ChunkID, encodeVector(r.Vector)); err != nil {
			return kberrors.StoreWriteError(fmt.Sprintf("insert embedding for chunk %s", r.ChunkID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return kberrors.StoreWriteError("commit embeddings", err)
	}

	return s.vectors.add(ids, vecs)
}

// DeleteEmbeddingsByChunk removes vectors for the given chunks.
func (s *SQLiteStore) DeleteEmbeddingsByChunk(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM knowledge_embeddings WHERE chunk_id IN (`+placeholders(len(chunkIDs))+`)`,
		toArgs(chunkIDs)...)
	if err != nil {
		return kberrors.StoreWriteError("delete embeddings", err)
	}

	s.vectors.remove(chunkIDs)
	return nil
}

// UpsertSource inserts or replaces a source record.
func (s *SQLiteStore) UpsertSource(ctx context.Context, src *Source) error {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}

	src.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sources (id, title, main_content, sections, issues, active, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			main_content = excluded.main_content,
			sections = excluded.sections,
			issues = excluded.issues,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		src.ID, src.Title, src.MainContent, string(sections), string(issues),
		boolToInt(src.Active), src.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return kberrors.StoreWriteError(fmt.Sprintf("upsert source %s", src.ID), err)
	}
	return nil
}

// GetSource returns one source or an ERR_405_SOURCE_NOT_FOUND error.
func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}

	sources, err := s.querySources(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, sourceNotFound(id)
	}
	return sources[0], nil
}

// ListActiveSources returns active sources ordered by ID.
func (s *SQLiteStore) ListActiveSources(ctx context.Context) ([]*Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}

	return s.querySources(ctx, `SELECT `+sourceColumns+` FROM sources WHERE active = 1 ORDER BY id`)
}

// DeactivateSource marks a source inactive so bulk reprocessing skips it.
func (s *SQLiteStore) DeactivateSource(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return kberrors.StoreWriteError(fmt.Sprintf("deactivate source %s", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sourceNotFound(id)
	}
	return nil
}

// VectorCount returns the number of live vectors in the graph.
func (s *SQLiteStore) VectorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectors.count()
}

// Close closes the database. Closing twice is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.path != "" {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

const sourceColumns = `id, title, main_content, sections, issues, active, updated_at`

func (s *SQLiteStore) querySources(ctx context.Context, query string, args ...any) ([]*Source, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kberrors.StoreReadError("query sources", err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		var src Source
		var sections, issues, updated string
		var active int
		if err := rows.Scan(&src.ID, &src.Title, &src.MainContent, &sections, &issues, &active, &updated); err != nil {
			return nil, kberrors.StoreReadError("scan source", err)
		}
		if err := json.Unmarshal([]byte(sections), &src.Sections); err != nil {
			return nil, kberrors.StoreReadError(fmt.Sprintf("decode sections of %s", src.ID), err)
		}
		if err := json.Unmarshal([]byte(issues), &src.Issues); err != nil {
			return nil, kberrors.StoreReadError(fmt.Sprintf("decode issues of %s", src.ID), err)
		}
		src.Active = active != 0
		src.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		sources = append(sources, &src)
	}
	if err := rows.Err(); err != nil {
		return nil, kberrors.StoreReadError("iterate sources", err)
	}
	return sources, nil
}

func (s *SQLiteStore) queryChunks(ctx context.Context, query string, args ...any) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kberrors.StoreReadError("query chunks", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var heading sql.NullString
		var created string
		if err := rows.Scan(&c.ID, &c.SourceID, &c.Text, &c.Index, &c.TokenEstimate,
			&c.SectionType, &heading, &created); err != nil {
			return nil, kberrors.StoreReadError("scan chunk", err)
		}
		c.Heading = heading.String
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, kberrors.StoreReadError("iterate chunks", err)
	}
	return chunks, nil
}

func queryIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// buildFTSQuery quotes each whitespace-separated term and joins them with
// AND, so user text never reaches the FTS5 query parser as syntax.
func buildFTSQuery(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " AND ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// encodeVector stores float32 values little-endian.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

var errClosed = kberrors.InternalError("store is closed", nil)

func sourceNotFound(id string) error {
	return kberrors.New(kberrors.ErrCodeSourceNotFound, fmt.Sprintf("source %s not found", id), nil).
		WithDetail("source_id", id)
}

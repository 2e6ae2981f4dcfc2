package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/vitalkb/internal/search"
	"github.com/Aman-CERP/vitalkb/internal/store"
	"github.com/Aman-CERP/vitalkb/pkg/version"
)

// Tool names.
const (
	ToolSearchKnowledge = "search_knowledge"
	ToolReprocessSource = "reprocess_source"
)

// Searcher runs hybrid retrieval.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.SearchOptions) ([]store.SearchResult, error)
}

// Reprocessor rebuilds the chunks of one source.
type Reprocessor interface {
	ReprocessSource(ctx context.Context, sourceID string) (int, error)
}

// Server bridges AI clients with the retrieval engine and the ingestion
// pipeline.
type Server struct {
	mcp         *mcp.Server
	searcher    Searcher
	reprocessor Reprocessor
	logger      *slog.Logger
}

// ToolInfo describes a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name: ToolSearchKnowledge,
		Description: "Search the supplement and device knowledge base. Combines keyword and semantic " +
			"matching and returns the most relevant passages with their source and section.",
	},
	{
		Name:        ToolReprocessSource,
		Description: "Rebuild the searchable chunks and embeddings of one knowledge source after its content changed.",
	},
}

// SearchKnowledgeInput is the input schema for search_knowledge.
type SearchKnowledgeInput struct {
	Query        string   `json:"query" jsonschema:"the question or keywords to search for"`
	Limit        int      `json:"limit,omitempty" jsonschema:"maximum number of results, default 10, max 50"`
	Threshold    *float64 `json:"threshold,omitempty" jsonschema:"minimum semantic similarity between 0 and 1, default 0.5"`
	SectionTypes []string `json:"section_types,omitempty" jsonschema:"only return these sections: main_content, document, issues_resolutions"`
}

// SearchKnowledgeOutput is the output schema for search_knowledge.
type SearchKnowledgeOutput struct {
	Results []ResultOutput `json:"results" jsonschema:"ranked passages"`
}

// ResultOutput is one ranked passage.
type ResultOutput struct {
	ChunkID     string  `json:"chunk_id"`
	SourceID    string  `json:"source_id"`
	SectionType string  `json:"section_type"`
	Heading     string  `json:"heading,omitempty"`
	Text        string  `json:"text"`
	Score       float64 `json:"score" jsonschema:"fused relevance score"`
}

// ReprocessSourceInput is the input schema for reprocess_source.
type ReprocessSourceInput struct {
	SourceID string `json:"source_id" jsonschema:"identifier of the source to rebuild"`
}

// ReprocessSourceOutput is the output schema for reprocess_source.
type ReprocessSourceOutput struct {
	SourceID string `json:"source_id"`
	Chunks   int    `json:"chunks" jsonschema:"number of chunks written"`
}

// NewServer creates a new MCP server with both tools registered.
func NewServer(searcher Searcher, reprocessor Reprocessor) (*Server, error) {
	if searcher == nil {
		return nil, errors.New("searcher is required")
	}
	if reprocessor == nil {
		return nil, errors.New("reprocessor is required")
	}

	s := &Server{
		searcher:    searcher,
		reprocessor: reprocessor,
		logger:      slog.Default(),
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    version.Name,
		Version: version.Version,
	}, nil)

	s.registerTools()
	return s, nil
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// ListTools returns the registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), tools...)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        tools[0].Name,
		Description: tools[0].Description,
	}, s.searchKnowledge)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        tools[1].Name,
		Description: tools[1].Description,
	}, s.reprocessSource)

	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(tools)))
}

func (s *Server) searchKnowledge(ctx context.Context, _ *mcp.CallToolRequest, input SearchKnowledgeInput) (
	*mcp.CallToolResult,
	SearchKnowledgeOutput,
	error,
) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchKnowledgeOutput{}, NewInvalidParamsError("query parameter is required")
	}
	if input.Limit < 0 || (input.Threshold != nil && (*input.Threshold < 0 || *input.Threshold > 1)) {
		return nil, SearchKnowledgeOutput{}, NewInvalidParamsError("limit must be non-negative and threshold between 0 and 1")
	}

	start := time.Now()
	requestID := generateRequestID()

	results, err := s.searcher.Search(ctx, input.Query, search.SearchOptions{
		Limit:        input.Limit,
		Threshold:    input.Threshold,
		SectionTypes: input.SectionTypes,
	})
	if err != nil {
		s.logger.Error("mcp_search_failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return nil, SearchKnowledgeOutput{}, MapError(err)
	}

	s.logger.Info("mcp_search_completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)),
		slog.Int("result_count", len(results)))

	output := SearchKnowledgeOutput{Results: make([]ResultOutput, 0, len(results))}
	for _, r := range results {
		output.Results = append(output.Results, ResultOutput{
			ChunkID:     r.ChunkID,
			SourceID:    r.SourceID,
			SectionType: sectionOrDefault(r.SectionType),
			Heading:     r.Heading,
			Text:        r.Text,
			Score:       r.Similarity,
		})
	}

	return textResult(FormatSearchResults(input.Query, results)), output, nil
}

func (s *Server) reprocessSource(ctx context.Context, _ *mcp.CallToolRequest, input ReprocessSourceInput) (
	*mcp.CallToolResult,
	ReprocessSourceOutput,
	error,
) {
	id := strings.TrimSpace(input.SourceID)
	if id == "" {
		return nil, ReprocessSourceOutput{}, NewInvalidParamsError("source_id parameter is required")
	}

	n, err := s.reprocessor.ReprocessSource(ctx, id)
	if err != nil {
		s.logger.Error("mcp_reprocess_failed",
			slog.String("source_id", id),
			slog.String("error", err.Error()))
		return nil, ReprocessSourceOutput{}, MapError(err)
	}

	s.logger.Info("mcp_reprocess_completed",
		slog.String("source_id", id),
		slog.Int("chunks", n))

	return textResult(FormatReprocessResult(id, n)), ReprocessSourceOutput{SourceID: id, Chunks: n}, nil
}

// Serve runs the server over stdio until ctx is cancelled or the client
// disconnects.
func (s *Server) Serve(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

// Run runs the server over transport.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	s.logger.Info("mcp_server_starting")
	err := s.mcp.Run(ctx, transport)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("mcp_server_stopped", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("mcp_server_stopped")
	return nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

package mcp

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
	"github.com/Aman-CERP/vitalkb/internal/search"
	"github.com/Aman-CERP/vitalkb/internal/store"
)

type fakeSearcher struct {
	results []store.SearchResult
	err     error

	query string
	opts  search.SearchOptions
}

func (f *fakeSearcher) Search(_ context.Context, query string, opts search.SearchOptions) ([]store.SearchResult, error) {
	f.query = query
	f.opts = opts
	return f.results, f.err
}

type fakeReprocessor struct {
	chunks int
	err    error
	ids    []string
}

func (f *fakeReprocessor) ReprocessSource(_ context.Context, id string) (int, error) {
	f.ids = append(f.ids, id)
	return f.chunks, f.err
}

func newTestServer(t *testing.T, s *fakeSearcher, r *fakeReprocessor) *Server {
	t.Helper()
	srv, err := NewServer(s, r)
	require.NoError(t, err)
	return srv
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(nil, &fakeReprocessor{})
	assert.Error(t, err)

	_, err = NewServer(&fakeSearcher{}, nil)
	assert.Error(t, err)
}

func TestServer_ListTools(t *testing.T) {
	srv := newTestServer(t, &fakeSearcher{}, &fakeReprocessor{})

	names := make([]string, 0, 2)
	for _, tool := range srv.ListTools() {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description)
	}

	assert.Equal(t, []string{ToolSearchKnowledge, ToolReprocessSource}, names)
}

func TestSearchKnowledge_PassesOptionsAndMapsResults(t *testing.T) {
	// Given: a searcher with two hits
	searcher := &fakeSearcher{results: []store.SearchResult{
		{ChunkID: "c1", SourceID: "coil", Text: "Place the coil on the upper arm.", Similarity: 0.81, SectionType: "document", Heading: "Placement"},
		{ChunkID: "c2", SourceID: "zinc", Text: "Take with food.", Similarity: 0.4},
	}}
	srv := newTestServer(t, searcher, &fakeReprocessor{})

	// When: the tool is called
	res, out, err := srv.searchKnowledge(context.Background(), nil, SearchKnowledgeInput{
		Query:        "coil placement",
		Limit:        5,
		Threshold:    float64Ptr(0.3),
		SectionTypes: []string{"document"},
	})

	// Then: options reach the engine and results are mapped in order
	require.NoError(t, err)
	assert.Equal(t, "coil placement", searcher.query)
	assert.Equal(t, search.SearchOptions{Limit: 5, Threshold: float64Ptr(0.3), SectionTypes: []string{"document"}}, searcher.opts)

	require.Len(t, out.Results, 2)
	assert.Equal(t, "c1", out.Results[0].ChunkID)
	assert.Equal(t, "Placement", out.Results[0].Heading)
	assert.Equal(t, 0.81, out.Results[0].Score)
	assert.Equal(t, store.SectionMainContent, out.Results[1].SectionType)

	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "coil > Placement")
}

func TestSearchKnowledge_ZeroThresholdIsPassedThrough(t *testing.T) {
	searcher := &fakeSearcher{}
	srv := newTestServer(t, searcher, &fakeReprocessor{})

	_, _, err := srv.searchKnowledge(context.Background(), nil, SearchKnowledgeInput{Query: "zinc", Threshold: float64Ptr(0)})
	require.NoError(t, err)
	require.NotNil(t, searcher.opts.Threshold)
	assert.Zero(t, *searcher.opts.Threshold)

	_, _, err = srv.searchKnowledge(context.Background(), nil, SearchKnowledgeInput{Query: "zinc"})
	require.NoError(t, err)
	assert.Nil(t, searcher.opts.Threshold)
}

func float64Ptr(v float64) *float64 { return &v }

func TestSearchKnowledge_InvalidInput(t *testing.T) {
	srv := newTestServer(t, &fakeSearcher{}, &fakeReprocessor{})

	tests := []struct {
		name  string
		input SearchKnowledgeInput
	}{
		{"empty query", SearchKnowledgeInput{}},
		{"whitespace query", SearchKnowledgeInput{Query: "   "}},
		{"negative limit", SearchKnowledgeInput{Query: "zinc", Limit: -1}},
		{"threshold above one", SearchKnowledgeInput{Query: "zinc", Threshold: float64Ptr(2)}},
		{"negative threshold", SearchKnowledgeInput{Query: "zinc", Threshold: float64Ptr(-0.1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := srv.searchKnowledge(context.Background(), nil, tt.input)

			var mcpErr *MCPError
			require.ErrorAs(t, err, &mcpErr)
			assert.Equal(t, ErrCodeInvalidParams, mcpErr.Code)
		})
	}
}

func TestSearchKnowledge_EngineErrorIsMapped(t *testing.T) {
	searcher := &fakeSearcher{err: kberrors.StoreReadError("select failed: connection reset", nil)}
	srv := newTestServer(t, searcher, &fakeReprocessor{})

	_, _, err := srv.searchKnowledge(context.Background(), nil, SearchKnowledgeInput{Query: "zinc"})

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeInternalError, mcpErr.Code)
	assert.NotContains(t, mcpErr.Message, "connection reset")
}

func TestReprocessSource(t *testing.T) {
	reprocessor := &fakeReprocessor{chunks: 4}
	srv := newTestServer(t, &fakeSearcher{}, reprocessor)

	res, out, err := srv.reprocessSource(context.Background(), nil, ReprocessSourceInput{SourceID: " zinc "})

	require.NoError(t, err)
	assert.Equal(t, []string{"zinc"}, reprocessor.ids)
	assert.Equal(t, ReprocessSourceOutput{SourceID: "zinc", Chunks: 4}, out)
	require.NotNil(t, res)
}

func TestReprocessSource_Errors(t *testing.T) {
	t.Run("missing id", func(t *testing.T) {
		srv := newTestServer(t, &fakeSearcher{}, &fakeReprocessor{})

		_, _, err := srv.reprocessSource(context.Background(), nil, ReprocessSourceInput{})

		var mcpErr *MCPError
		require.ErrorAs(t, err, &mcpErr)
		assert.Equal(t, ErrCodeInvalidParams, mcpErr.Code)
	})

	t.Run("unknown source", func(t *testing.T) {
		notFound := kberrors.New(kberrors.ErrCodeSourceNotFound, "source not found", nil)
		srv := newTestServer(t, &fakeSearcher{}, &fakeReprocessor{err: notFound})

		_, _, err := srv.reprocessSource(context.Background(), nil, ReprocessSourceInput{SourceID: "ghost"})

		var mcpErr *MCPError
		require.ErrorAs(t, err, &mcpErr)
		assert.Equal(t, ErrCodeSourceNotFound, mcpErr.Code)
	})
}

func TestServer_InMemorySession(t *testing.T) {
	// Given: a server connected to a client over in-memory transports
	searcher := &fakeSearcher{results: []store.SearchResult{
		{ChunkID: "c1", SourceID: "zinc", Text: "Take zinc with food.", Similarity: 0.7},
	}}
	srv := newTestServer(t, searcher, &fakeReprocessor{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := srv.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer func() { _ = serverSession.Close() }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer func() { _ = session.Close() }()

	// When: listing and calling tools through the protocol
	listed, err := session.ListTools(ctx, nil)
	require.NoError(t, err)

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      ToolSearchKnowledge,
		Arguments: map[string]any{"query": "zinc food"},
	})

	// Then: both tools are advertised and the search succeeds
	require.NoError(t, err)
	require.Len(t, listed.Tools, 2)
	assert.False(t, result.IsError)
	assert.Equal(t, "zinc food", searcher.query)
	assert.NotNil(t, result.StructuredContent)
}

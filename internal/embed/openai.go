package embed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
)

// OpenAI-compatible API constants
const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "text-embedding-3-small"
)

// OpenAIConfig configures an OpenAI-compatible /embeddings client.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string

	// Dimensions is sent to the API when non-zero
	Dimensions int

	BatchSize int
	Timeout   time.Duration
	Retry     kberrors.RetryConfig
}

type openAIEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OpenAIConfig

	mu     sync.RWMutex
	dims   int
	closed bool
}

// Verify interface implementation at compile time
var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an OpenAI-compatible embedder.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIKey == "" && strings.HasPrefix(cfg.BaseURL, DefaultOpenAIBaseURL) {
		return nil, kberrors.ValidationError("openai embeddings require an API key", nil).
			WithSuggestion("Set VITALKB_EMBEDDINGS_API_KEY or embeddings.api_key")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	cfg.BatchSize = clampBatchSize(cfg.BatchSize)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry = kberrors.DefaultRetryConfig()
	}
	cfg.Retry.ShouldRetry = kberrors.IsRetryable

	client, transport := newHTTPClient()
	return &OpenAIEmbedder{
		client:    client,
		transport: transport,
		config:    cfg,
		dims:      cfg.Dimensions,
	}, nil
}

// Embed generates the embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in batches, restoring input order from each
// response item's index.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, kberrors.InternalError("embedder is closed", nil)
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	return embedInBatches(ctx, texts, e.config.BatchSize, e.Dimensions,
		func(ctx context.Context, batch []string) ([][]float32, error) {
			return kberrors.RetryWithResult(ctx, e.config.Retry, func() ([][]float32, error) {
				reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
				defer cancel()
				return e.doEmbed(reqCtx, batch)
			})
		})
}

func (e *OpenAIEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	headers := map[string]string{}
	if e.config.APIKey != "" {
		headers["Authorization"] = "Bearer " + e.config.APIKey
	}

	var resp openAIEmbedResponse
	err := postJSON(ctx, e.client, e.config.BaseURL+"/embeddings", headers,
		openAIEmbedRequest{Model: e.config.Model, Input: texts, Dimensions: e.config.Dimensions}, &resp)
	if err != nil {
		slog.Debug("embedding_attempt_failed",
			slog.String("provider", "openai"),
			slog.Int("texts_count", len(texts)),
			slog.String("error", err.Error()))
		return nil, err
	}

	sort.SliceStable(resp.Data, func(i, j int) bool {
		return resp.Data[i].Index < resp.Data[j].Index
	})

	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		if d.Index != i {
			return nil, kberrors.EmbeddingServiceError(
				fmt.Sprintf("response index %d missing or duplicated", i), nil)
		}
		vecs[i] = toFloat32(d.Embedding)
	}

	if len(vecs) > 0 {
		e.mu.Lock()
		if e.dims == 0 {
			e.dims = len(vecs[0])
		}
		e.mu.Unlock()
	}
	return vecs, nil
}

// Dimensions returns the configured or detected dimension.
func (e *OpenAIEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dims == 0 {
		return DefaultDimensions
	}
	return e.dims
}

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string {
	return e.config.Model
}

// Close releases idle connections.
func (e *OpenAIEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}

package embed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
)

// Ollama API constants
const (
	DefaultOllamaHost  = "http://localhost:11434"
	DefaultOllamaModel = "nomic-embed-text"
)

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	// Host is the Ollama API endpoint (default: http://localhost:11434)
	Host string

	Model string

	// Dimensions overrides detection (0 = take it from the first response)
	Dimensions int

	BatchSize int

	// Timeout bounds each request attempt
	Timeout time.Duration

	Retry kberrors.RetryConfig
}

// DefaultOllamaConfig returns sensible defaults.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		Host:      DefaultOllamaHost,
		Model:     DefaultOllamaModel,
		BatchSize: DefaultBatchSize,
		Timeout:   DefaultTimeout,
		Retry:     kberrors.DefaultRetryConfig(),
	}
}

// ollamaEmbedRequest is the /api/embed request. Input is always a list.
type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// OllamaEmbedder generates embeddings using Ollama's /api/embed batch API.
type OllamaEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig

	mu     sync.RWMutex
	dims   int
	closed bool
}

// Verify interface implementation at compile time
var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an Ollama embedder. No request is made until
// the first Embed call.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
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
	return &OllamaEmbedder{
		client:    client,
		transport: transport,
		config:    cfg,
		dims:      cfg.Dimensions,
	}
}

// Embed generates the embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in batches of BatchSize.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.isClosed() {
		return nil, kberrors.InternalError("embedder is closed", nil)
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	return embedInBatches(ctx, texts, e.config.BatchSize, e.Dimensions, e.embedWithRetry)
}

func (e *OllamaEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	attempt := 0
	return kberrors.RetryWithResult(ctx, e.config.Retry, func() ([][]float32, error) {
		attempt++
		reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		vecs, err := e.doEmbed(reqCtx, texts)
		if err != nil {
			slog.Debug("embedding_attempt_failed",
				slog.String("provider", "ollama"),
				slog.Int("attempt", attempt),
				slog.Int("texts_count", len(texts)),
				slog.String("error", err.Error()))
		}
		return vecs, err
	})
}

func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	var resp ollamaEmbedResponse
	err := postJSON(ctx, e.client, e.config.Host+"/api/embed", nil,
		ollamaEmbedRequest{Model: e.config.Model, Input: texts}, &resp)
	if err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if len(emb) == 0 {
			return nil, kberrors.EmbeddingServiceError(fmt.Sprintf("empty embedding at position %d", i), nil)
		}
		vecs[i] = normalizeVector(toFloat32(emb))
	}
	if len(vecs) > 0 {
		if err := e.observeDims(len(vecs[0])); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

// observeDims records the dimension of the first response and rejects
// responses that disagree with it.
func (e *OllamaEmbedder) observeDims(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dims == 0 {
		e.dims = n
		return nil
	}
	if e.dims != n {
		return kberrors.New(kberrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("model %s returned %d dimensions, expected %d", e.config.Model, n, e.dims), nil)
	}
	return nil
}

// Dimensions returns the configured or detected dimension.
func (e *OllamaEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dims == 0 {
		return DefaultDimensions
	}
	return e.dims
}

// ModelName returns the model identifier.
func (e *OllamaEmbedder) ModelName() string {
	return e.config.Model
}

// Close releases idle connections.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}

func (e *OllamaEmbedder) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

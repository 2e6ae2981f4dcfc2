package embed

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
)

// ProviderType represents an embedding provider.
type ProviderType string

const (
	// ProviderOllama uses a local Ollama server (default).
	ProviderOllama ProviderType = "ollama"

	// ProviderOpenAI uses any OpenAI-compatible /embeddings endpoint.
	ProviderOpenAI ProviderType = "openai"

	// ProviderStatic uses hash-based embeddings with no network.
	ProviderStatic ProviderType = "static"
)

// ParseProvider normalizes a provider name.
func ParseProvider(s string) (ProviderType, error) {
	switch p := ProviderType(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderOllama, ProviderOpenAI, ProviderStatic:
		return p, nil
	case "":
		return ProviderOllama, nil
	default:
		return "", kberrors.ValidationError(fmt.Sprintf("unknown embedding provider %q", s), nil).
			WithSuggestion("Use one of: ollama, openai, static")
	}
}

// Options selects and configures an embedder.
type Options struct {
	Provider   ProviderType
	Host       string // Ollama host or OpenAI-compatible base URL
	Model      string
	APIKey     string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration

	// CacheSize > 0 wraps the embedder in an LRU cache; 0 disables it.
	CacheSize int
}

// NewEmbedder builds the embedder for opts.Provider. A provider is never
// silently swapped for another.
func NewEmbedder(opts Options) (Embedder, error) {
	var embedder Embedder

	switch opts.Provider {
	case ProviderOllama, "":
		embedder = NewOllamaEmbedder(OllamaConfig{
			Host:       opts.Host,
			Model:      opts.Model,
			Dimensions: opts.Dimensions,
			BatchSize:  opts.BatchSize,
			Timeout:    opts.Timeout,
		})

	case ProviderOpenAI:
		e, err := NewOpenAIEmbedder(OpenAIConfig{
			BaseURL:    opts.Host,
			APIKey:     opts.APIKey,
			Model:      opts.Model,
			Dimensions: opts.Dimensions,
			BatchSize:  opts.BatchSize,
			Timeout:    opts.Timeout,
		})
		if err != nil {
			return nil, err
		}
		embedder = e

	case ProviderStatic:
		embedder = NewStaticEmbedder(opts.Dimensions)

	default:
		_, err := ParseProvider(string(opts.Provider))
		return nil, err
	}

	slog.Debug("embedder_created",
		slog.String("provider", string(opts.Provider)),
		slog.String("model", embedder.ModelName()),
		slog.Int("cache_size", opts.CacheSize))

	if opts.CacheSize > 0 {
		embedder = NewCachedEmbedder(embedder, opts.CacheSize)
	}
	return embedder, nil
}

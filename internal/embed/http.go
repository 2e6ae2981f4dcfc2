package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
)

// newHTTPClient builds a pooled client. No client-level timeout is set;
// each request carries its own context deadline.
func newHTTPClient() (*http.Client, *http.Transport) {
	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		MaxConnsPerHost:     8,
		IdleConnTimeout:     10 * time.Second,
	}
	return &http.Client{Transport: transport}, transport
}

// postJSON sends body as JSON and decodes a 200 response into out. Network
// failures, 429 and 5xx are retryable embedding service errors; other
// statuses are not.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return kberrors.InternalError("marshal embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return kberrors.InternalError("create embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return kberrors.EmbeddingServiceError("embedding request failed", err).WithDetail("url", url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		ke := kberrors.EmbeddingServiceError(
			fmt.Sprintf("embedding failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody)), nil).
			WithDetail("status", fmt.Sprint(resp.StatusCode))
		ke.Retryable = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return ke
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return kberrors.EmbeddingServiceError("failed to decode embedding response", err)
	}
	return nil
}

// embedInBatches splits texts into batches, calls fn per batch, and places
// results positionally. Blank texts get zero vectors without a request.
func embedInBatches(ctx context.Context, texts []string, batchSize int, dims func() int,
	fn func(ctx context.Context, batch []string) ([][]float32, error)) ([][]float32, error) {
	results := make([][]float32, len(texts))

	var idx []int
	var pending []string
	for i, t := range texts {
		if isBlank(t) {
			continue
		}
		idx = append(idx, i)
		pending = append(pending, t)
	}

	for start := 0; start < len(pending); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := min(start+batchSize, len(pending))
		vecs, err := fn(ctx, pending[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, kberrors.New(kberrors.ErrCodeEmbeddingCountMismatch,
				fmt.Sprintf("provider returned %d embeddings for %d texts", len(vecs), end-start), nil)
		}
		for j, v := range vecs {
			results[idx[start+j]] = v
		}
	}

	for i := range results {
		if results[i] == nil {
			results[i] = make([]float32, dims())
		}
	}
	return results, nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

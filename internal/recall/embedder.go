// Package recall keeps a searchable index of reports from completed
// agents. New runs query it through the search_history tool instead of
// rediscovering what earlier waves already learned.
package recall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	routaerrors "routa/internal/errors"
	"routa/internal/httpclient"
	"routa/internal/logging"
)

// maxBatchSize is the largest input list the embeddings endpoint accepts.
const maxBatchSize = 100

// EmbedderConfig configures the embeddings endpoint.
type EmbedderConfig struct {
	Model     string // default text-embedding-3-small
	APIKey    string
	BaseURL   string // default https://api.openai.com/v1
	CacheSize int    // LRU entries, default 4096
}

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type openaiEmbedder struct {
	config EmbedderConfig
	client *http.Client
	cache  *lru.Cache[string, []float32]
	retry  routaerrors.RetryConfig
	logger logging.Logger
}

// NewEmbedder creates an embedder backed by an OpenAI-compatible
// /embeddings endpoint. Repeated texts are served from an LRU cache.
func NewEmbedder(config EmbedderConfig, logger logging.Logger) (Embedder, error) {
	if config.Model == "" {
		config.Model = "text-embedding-3-small"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 4096
	}

	cache, err := lru.New[string, []float32](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	return &openaiEmbedder{
		config: config,
		client: httpclient.New(60*time.Second, logger),
		cache:  cache,
		retry:  routaerrors.DefaultRetryConfig(),
		logger: logging.OrNop(logger),
	}, nil
}

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (e *openaiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts to embed")
	}
	if len(texts) > maxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(texts), maxBatchSize)
	}

	results := make([][]float32, len(texts))
	var uncachedIndices []int
	var uncached []string
	for i, text := range texts {
		if cached, ok := e.cache.Get(text); ok {
			results[i] = cached
			continue
		}
		uncachedIndices = append(uncachedIndices, i)
		uncached = append(uncached, text)
	}
	if len(uncached) == 0 {
		return results, nil
	}

	embeddings, err := routaerrors.RetryWithResultAndLog(ctx, e.retry, func(ctx context.Context) ([][]float32, error) {
		return e.callAPI(ctx, uncached)
	}, e.logger)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(uncached), err)
	}

	for i, idx := range uncachedIndices {
		e.cache.Add(texts[idx], embeddings[i])
		results[idx] = embeddings[i]
	}
	return results, nil
}

func (e *openaiEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.config.Model,
		"input": texts,
	})
	if err != nil {
		return nil, routaerrors.NewPermanentError(err, "marshal embeddings request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, routaerrors.NewPermanentError(err, "build embeddings request")
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, routaerrors.NewTransientError(err, "embeddings request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		httpErr := fmt.Errorf("embeddings API %d: %s", resp.StatusCode, string(detail))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, routaerrors.NewTransientError(httpErr, "embeddings endpoint unavailable")
		}
		return nil, routaerrors.NewPermanentError(httpErr, "embeddings request rejected")
	}

	var decoded struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, routaerrors.NewTransientError(err, "decode embeddings response")
	}

	// The API may return items out of order; Index restores it.
	embeddings := make([][]float32, len(texts))
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= len(embeddings) {
			return nil, routaerrors.NewPermanentError(
				fmt.Errorf("embeddings index %d out of range", item.Index), "malformed embeddings response")
		}
		embeddings[item.Index] = item.Embedding
	}
	for i, emb := range embeddings {
		if len(emb) == 0 {
			return nil, routaerrors.NewPermanentError(
				fmt.Errorf("no embedding returned for input %d", i), "incomplete embeddings response")
		}
	}
	return embeddings, nil
}

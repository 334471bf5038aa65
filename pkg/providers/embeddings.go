package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kioku-ai/kioku/pkg/config"
	"github.com/kioku-ai/kioku/pkg/logger"
)

// EmbeddingClient talks to an OpenAI-compatible embeddings endpoint.
type EmbeddingClient struct {
	apiKey     string
	apiBase    string
	model      string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewEmbeddingClient builds the client from the provider config.
func NewEmbeddingClient(cfg config.OpenAIConfig) (*EmbeddingClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("OpenAI API key is required for remote embeddings")
	}
	apiBase := strings.TrimSpace(cfg.APIBase)
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	model := strings.TrimSpace(cfg.EmbeddingModel)
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &EmbeddingClient{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		apiBase:    strings.TrimRight(apiBase, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        logger.Component("providers.embeddings"),
	}, nil
}

// EmbedBatch embeds several texts in one request, preserving order.
func (c *EmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	payload := map[string]any{
		"model": c.model,
		"input": texts,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/embeddings", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings request failed:\n  Status: %d\n  Body:   %s", resp.StatusCode, string(body))
	}

	var apiResponse struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(apiResponse.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(apiResponse.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range apiResponse.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embeddings response index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// ModelID implements the embedder registry contract.
func (c *EmbeddingClient) ModelID() string { return c.model }

// Embed adapts the client to the registry's non-failing signature. Endpoint
// errors log and yield a zero vector, which scores zero against everything.
func (c *EmbeddingClient) Embed(text string) []float32 {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		c.log.Warn().Err(err).Msg("remote embedding failed")
		return make([]float32, 1536)
	}
	return vecs[0]
}

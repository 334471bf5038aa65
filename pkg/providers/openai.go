// Package providers holds the HTTP clients for the OpenAI-compatible chat
// and embeddings endpoints. There are no retries here; callers decide how to
// handle transient failures.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kioku-ai/kioku/pkg/config"
)

const defaultAPIBase = "https://api.openai.com/v1"

// ChatClient talks to a chat-completions endpoint.
type ChatClient struct {
	apiKey     string
	apiBase    string
	model      string
	httpClient *http.Client
}

// NewChatClient builds a client from the provider config.
func NewChatClient(cfg config.OpenAIConfig) (*ChatClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("OpenAI API key is required (set providers.openai.api_key or KIOKU_PROVIDERS_OPENAI_API_KEY)")
	}
	apiBase := strings.TrimSpace(cfg.APIBase)
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	client := &http.Client{Timeout: 120 * time.Second}
	if proxy := strings.TrimSpace(cfg.Proxy); proxy != "" {
		if proxyURL, err := url.Parse(proxy); err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	return &ChatClient{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		apiBase:    strings.TrimRight(apiBase, "/"),
		model:      strings.TrimSpace(cfg.Model),
		httpClient: client,
	}, nil
}

// Chat sends a system plus user message and returns the assistant text.
func (c *ChatClient) Chat(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, false)
}

// ChatJSON is Chat with response_format json_object, for calls whose output
// is parsed rather than shown.
func (c *ChatClient) ChatJSON(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, true)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *ChatClient) complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	messages := []chatMessage{}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	requestBody := map[string]any{
		"model":    c.model,
		"messages": messages,
	}
	if jsonMode {
		requestBody["response_format"] = map[string]string{"type": "json_object"}
	}

	body, err := c.post(ctx, "/chat/completions", requestBody)
	if err != nil {
		return "", err
	}

	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return apiResponse.Choices[0].Message.Content, nil
}

func (c *ChatClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(jsonData))
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
		return nil, fmt.Errorf("API request failed:\n  Status: %d\n  Body:   %s", resp.StatusCode, string(body))
	}
	return body, nil
}

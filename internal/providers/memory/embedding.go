package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/auralis-io/auralis/internal/adapters/circuitbreaker"
	"github.com/auralis-io/auralis/internal/adapters/retry"
)

const embeddingTimeout = 30 * time.Second

// EmbeddingClient is an OpenAI-compatible embeddings client.
type EmbeddingClient struct {
	baseURL     string
	apiKey      string
	model       string
	httpClient  *http.Client
	retryConfig retry.BackoffConfig
	breaker     *circuitbreaker.CircuitBreaker
}

// NewEmbeddingClient creates an embeddings client against baseURL.
func NewEmbeddingClient(baseURL, apiKey, model string) *EmbeddingClient {
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	return &EmbeddingClient{
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       model,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryConfig: retry.HTTPConfig(),
		breaker:     circuitbreaker.New(5, 30*time.Second),
	}
}

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed generates the embedding vector for a single text.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var embedding []float32
	err := c.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(ctx, embeddingTimeout)
		defer cancel()

		body, err := json.Marshal(embeddingRequest{Input: text, Model: c.model})
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}

		var respBody []byte
		err = retry.WithBackoffHTTP(ctx, c.retryConfig, func() (int, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
			if err != nil {
				return 0, fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			if c.apiKey != "" {
				req.Header.Set("Authorization", "Bearer "+c.apiKey)
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return 0, fmt.Errorf("send request: %w", err)
			}
			defer resp.Body.Close()

			respBody, err = io.ReadAll(resp.Body)
			if err != nil {
				return resp.StatusCode, fmt.Errorf("read response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return resp.StatusCode, fmt.Errorf("API error: %s - %s", resp.Status, string(respBody))
			}
			return resp.StatusCode, nil
		})
		if err != nil {
			return err
		}

		var parsed embeddingResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if len(parsed.Data) == 0 {
			return fmt.Errorf("no embedding returned")
		}
		embedding = parsed.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	return embedding, nil
}

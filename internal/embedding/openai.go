package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// TokenProvider provides authentication tokens for the embedding API.
type TokenProvider interface {
	// GetToken returns a valid token for API authentication.
	GetToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed API key.
type StaticToken string

// GetToken returns the fixed key.
func (s StaticToken) GetToken(ctx context.Context) (string, error) {
	return string(s), nil
}

// OpenAIEmbedder implements Embedder using an OpenAI-compatible embedding
// API endpoint.
type OpenAIEmbedder struct {
	tokenProvider TokenProvider
	httpClient    *http.Client
	model         string
	dimensions    int
	maxInput      int
	batchSize     int
	baseURL       string
	logger        zerolog.Logger
}

// OpenAIEmbedderOptions holds configuration for OpenAIEmbedder.
type OpenAIEmbedderOptions struct {
	TokenProvider  TokenProvider
	Model          string        // Default: "text-embedding-3-small"
	Dimensions     int           // Default: 1536
	MaxInputLength int           // Default: 8192
	BatchSize      int           // Default: 100
	Timeout        time.Duration // Default: 30s
	BaseURL        string        // Default: "https://api.openai.com"
	Logger         zerolog.Logger
}

// NewOpenAIEmbedder creates a new OpenAIEmbedder with the given options.
func NewOpenAIEmbedder(opts OpenAIEmbedderOptions) (*OpenAIEmbedder, error) {
	if opts.TokenProvider == nil {
		return nil, errors.New("token provider is required")
	}

	// Apply defaults
	if opts.Model == "" {
		opts.Model = "text-embedding-3-small"
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = 1536
	}
	if opts.MaxInputLength <= 0 {
		opts.MaxInputLength = 8192
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com"
	}

	return &OpenAIEmbedder{
		tokenProvider: opts.TokenProvider,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		model:      opts.Model,
		dimensions: opts.Dimensions,
		maxInput:   opts.MaxInputLength,
		batchSize:  opts.BatchSize,
		baseURL:    opts.BaseURL,
		logger:     opts.Logger,
	}, nil
}

// embeddingRequest represents the request body for the embedding API.
type embeddingRequest struct {
	Model      string `json:"model"`
	Input      any    `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

// embeddingResponse represents the response from the embedding API.
type embeddingResponse struct {
	Object string             `json:"object"`
	Data   []embeddingData    `json:"data"`
	Model  string             `json:"model"`
	Usage  embeddingUsage     `json:"usage"`
	Error  *embeddingAPIError `json:"error,omitempty"`
}

// embeddingData represents a single embedding result.
type embeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// embeddingUsage represents token usage information.
type embeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// embeddingAPIError represents an API error response.
type embeddingAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Embed generates an embedding vector for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	results, err := e.embedInternal(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrEmptyResponse
	}
	return results[0], nil
}

// EmbedBatch generates embedding vectors for multiple texts. It splits large
// batches according to the configured batch size.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var results [][]float32

	for i := 0; i < len(texts); i += e.batchSize {
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		embeddings, err := e.embedInternal(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		results = append(results, embeddings...)
	}

	return results, nil
}

// Dimensions returns the embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

// MaxInputLength returns the model's per-call input limit in tokens.
func (e *OpenAIEmbedder) MaxInputLength() int {
	return e.maxInput
}

// embedInternal calls the embedding API with either a single string or a batch.
func (e *OpenAIEmbedder) embedInternal(ctx context.Context, input any) ([][]float32, error) {
	token, err := e.tokenProvider.GetToken(ctx)
	if err != nil {
		return nil, &Error{
			Op:  "get_token",
			Err: fmt.Errorf("%w: %v", ErrUnauthorized, err),
		}
	}

	reqBody := embeddingRequest{
		Model: e.model,
		Input: input,
	}
	// Only set dimensions for models that support reducing them
	if e.model == "text-embedding-3-small" || e.model == "text-embedding-3-large" {
		reqBody.Dimensions = e.dimensions
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/v1/embeddings",
		bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &Error{
			Op:  "http_request",
			Err: fmt.Errorf("%w: %v", ErrEmbeddingFailed, err),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiResp embeddingResponse
		if json.Unmarshal(body, &apiResp) == nil && apiResp.Error != nil {
			switch resp.StatusCode {
			case http.StatusTooManyRequests:
				return nil, &Error{
					Op:  "embed",
					Err: fmt.Errorf("%w: %s", ErrRateLimited, apiResp.Error.Message),
				}
			case http.StatusUnauthorized:
				return nil, &Error{
					Op:  "embed",
					Err: fmt.Errorf("%w: %s", ErrUnauthorized, apiResp.Error.Message),
				}
			default:
				return nil, &Error{
					Op:  "embed",
					Err: fmt.Errorf("%w: [%d] %s", ErrEmbeddingFailed, resp.StatusCode, apiResp.Error.Message),
				}
			}
		}
		return nil, &Error{
			Op:  "embed",
			Err: fmt.Errorf("%w: status %d", ErrEmbeddingFailed, resp.StatusCode),
		}
	}

	var apiResp embeddingResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	// Extract embeddings in order
	embeddings := make([][]float32, len(apiResp.Data))
	for _, data := range apiResp.Data {
		if data.Index < 0 || data.Index >= len(embeddings) {
			return nil, fmt.Errorf("invalid embedding index: %d", data.Index)
		}
		embeddings[data.Index] = data.Embedding
	}

	e.logger.Debug().
		Int("count", len(embeddings)).
		Int("promptTokens", apiResp.Usage.PromptTokens).
		Msg("embedding completed")

	return embeddings, nil
}

// Compile-time interface check
var _ Embedder = (*OpenAIEmbedder)(nil)

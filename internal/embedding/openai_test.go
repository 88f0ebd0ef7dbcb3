package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIEmbedder_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req embeddingRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		require.NoError(t, err)
		assert.Equal(t, "text-embedding-3-small", req.Model)

		resp := embeddingResponse{
			Object: "list",
			Data: []embeddingData{
				{Object: "embedding", Index: 0, Embedding: []float32{0.1, 0.2, 0.3}},
			},
			Model: req.Model,
			Usage: embeddingUsage{PromptTokens: 4, TotalTokens: 4},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(OpenAIEmbedderOptions{
		TokenProvider: StaticToken("test-key"),
		BaseURL:       server.URL,
	})
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOpenAIEmbedder_EmbedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		inputs, ok := req.Input.([]any)
		require.True(t, ok, "batch input should be a list")

		resp := embeddingResponse{Object: "list"}
		for i := range inputs {
			resp.Data = append(resp.Data, embeddingData{
				Object: "embedding", Index: i, Embedding: []float32{float32(i)},
			})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(OpenAIEmbedderOptions{
		TokenProvider: StaticToken("test-key"),
		BaseURL:       server.URL,
		BatchSize:     2,
	})
	require.NoError(t, err)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{0}, vecs[0])
}

func TestOpenAIEmbedder_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(embeddingResponse{
			Error: &embeddingAPIError{Message: "slow down", Type: "rate_limit_error"},
		})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(OpenAIEmbedderOptions{
		TokenProvider: StaticToken("test-key"),
		BaseURL:       server.URL,
	})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestOpenAIEmbedder_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(embeddingResponse{
			Error: &embeddingAPIError{Message: "bad key", Type: "invalid_request_error"},
		})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(OpenAIEmbedderOptions{
		TokenProvider: StaticToken("bad"),
		BaseURL:       server.URL,
	})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestOpenAIEmbedder_TokenProviderFailure(t *testing.T) {
	failing := tokenProviderFunc(func(ctx context.Context) (string, error) {
		return "", errors.New("keychain locked")
	})
	e, err := NewOpenAIEmbedder(OpenAIEmbedderOptions{TokenProvider: failing})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrUnauthorized)

	var embErr *Error
	require.ErrorAs(t, err, &embErr)
	assert.Equal(t, "get_token", embErr.Op)
}

func TestOpenAIEmbedder_Defaults(t *testing.T) {
	e, err := NewOpenAIEmbedder(OpenAIEmbedderOptions{TokenProvider: StaticToken("k")})
	require.NoError(t, err)
	assert.Equal(t, 1536, e.Dimensions())
	assert.Equal(t, 8192, e.MaxInputLength())

	_, err = NewOpenAIEmbedder(OpenAIEmbedderOptions{})
	assert.Error(t, err, "missing token provider should be rejected")
}

type tokenProviderFunc func(ctx context.Context) (string, error)

func (f tokenProviderFunc) GetToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// Package embedding provides the embedding provider port, a bounded
// embedding cache, and the vector math used by relevance scoring.
package embedding

import (
	"errors"
	"fmt"
)

// Embedding errors.
var (
	// ErrEmbeddingFailed indicates that the embedding API call failed.
	ErrEmbeddingFailed = errors.New("embedding: API call failed")

	// ErrRateLimited indicates that the API rate limit was exceeded.
	ErrRateLimited = errors.New("embedding: rate limited")

	// ErrUnauthorized indicates that the API rejected the credentials.
	ErrUnauthorized = errors.New("embedding: unauthorized")

	// ErrEmptyResponse indicates that the API returned no embedding data.
	ErrEmptyResponse = errors.New("embedding: response contains no data")
)

// Error carries context about a failed embedding operation.
type Error struct {
	Op  string // Operation name (e.g., "embed", "http_request")
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Package stage implements the transform stages of the context window
// pipeline. Each stage takes a message sequence and returns a reduced
// sequence; survivors always keep their original relative order.
package stage

import (
	"context"

	"ctxpipe/internal/message"
)

// Stage is one transform in the pipeline chain.
type Stage interface {
	// Name returns a stable stage identifier for logging and stats.
	Name() string

	// Process reduces the message sequence. It must not mutate the input
	// slice and must not reorder surviving messages.
	Process(ctx context.Context, msgs []message.Message) ([]message.Message, error)
}

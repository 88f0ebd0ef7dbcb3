// Package token provides approximate token counting for budget-aware
// pipeline stages.
package token

import (
	"math"

	"ctxpipe/internal/message"
)

// Default estimation parameters. The character ratio approximates tokens for
// mixed prose and code; the overhead covers role markers and separators added
// per message by chat-style APIs.
const (
	DefaultCharRatio = 0.25
	DefaultOverhead  = 10
)

// Estimator estimates token counts for text and messages.
type Estimator interface {
	// Estimate returns an approximate token count for the given text.
	// It never fails; invalid input counts as zero.
	Estimate(text string) int

	// EstimateMessage returns the approximate token count for one message,
	// including tool call payloads and per-message overhead.
	EstimateMessage(m message.Message) int

	// EstimateMessages returns the total approximate token count for a
	// slice of messages.
	EstimateMessages(msgs []message.Message) int
}

// CharEstimator estimates tokens from character counts. It is the fallback
// used when no model-backed tokenizer is wired up.
type CharEstimator struct {
	Ratio    float64 // tokens per character, defaults to DefaultCharRatio
	Overhead int     // fixed per-message overhead, defaults to DefaultOverhead
}

// NewCharEstimator creates a CharEstimator with default parameters.
func NewCharEstimator() *CharEstimator {
	return &CharEstimator{
		Ratio:    DefaultCharRatio,
		Overhead: DefaultOverhead,
	}
}

func (e *CharEstimator) ratio() float64 {
	if e.Ratio <= 0 {
		return DefaultCharRatio
	}
	return e.Ratio
}

func (e *CharEstimator) overhead() int {
	if e.Overhead <= 0 {
		return DefaultOverhead
	}
	return e.Overhead
}

// Estimate returns ceil(len(text) * ratio) for the given text. The
// per-message overhead is added in EstimateMessage, not here, so that pure
// text comparisons stay proportional to length.
func (e *CharEstimator) Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return int(math.Ceil(float64(len(text)) * e.ratio()))
}

// EstimateMessage estimates tokens for a single message: flattened content,
// tool call names and arguments, plus the fixed overhead.
func (e *CharEstimator) EstimateMessage(m message.Message) int {
	total := e.Estimate(m.Text())
	for i := range m.ToolCalls {
		tc := &m.ToolCalls[i]
		total += e.Estimate(tc.Name())
		total += e.Estimate(tc.Arguments())
	}
	return total + e.overhead()
}

// EstimateMessages estimates the total token count for a slice of messages.
func (e *CharEstimator) EstimateMessages(msgs []message.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.EstimateMessage(m)
	}
	return total
}

// Compile-time interface check
var _ Estimator = (*CharEstimator)(nil)

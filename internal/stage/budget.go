package stage

import (
	"context"

	"github.com/rs/zerolog"

	"ctxpipe/internal/message"
	"ctxpipe/internal/token"
)

// BudgetEnforcer defaults.
const (
	DefaultTokenBudget      = 1_000_000
	DefaultContinuityFloor  = 50
	DefaultFlatTokensPerMsg = 750
	DefaultLastResortCap    = 500
)

// BudgetEnforcer trims oldest content until the estimated token total fits
// the budget. The most recent ContinuityFloor messages are always retained,
// even when they alone exceed the budget, so the conversation never loses
// its immediate context.
type BudgetEnforcer struct {
	Budget           int
	ContinuityFloor  int
	FlatTokensPerMsg int // per-message estimate when no estimator is wired
	LastResortCap    int // absolute cap applied if even the fallback fails

	estimator token.Estimator
	logger    zerolog.Logger
}

// NewBudgetEnforcer creates a BudgetEnforcer for the given budget. A nil
// estimator selects the flat per-message fallback.
func NewBudgetEnforcer(budget int, estimator token.Estimator, logger zerolog.Logger) *BudgetEnforcer {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return &BudgetEnforcer{
		Budget:           budget,
		ContinuityFloor:  DefaultContinuityFloor,
		FlatTokensPerMsg: DefaultFlatTokensPerMsg,
		LastResortCap:    DefaultLastResortCap,
		estimator:        estimator,
		logger:           logger,
	}
}

// Name implements Stage.
func (e *BudgetEnforcer) Name() string {
	return "budget_enforcer"
}

// Process implements Stage. It never returns an error: if the estimation
// walk itself breaks, the result degrades to the most recent LastResortCap
// messages so the pipeline stays live.
func (e *BudgetEnforcer) Process(ctx context.Context, msgs []message.Message) (out []message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Interface("panic", r).
				Int("messages", len(msgs)).
				Msg("budget enforcement failed, applying last-resort cap")
			out = lastN(msgs, e.LastResortCap)
			err = nil
		}
	}()

	if len(msgs) == 0 {
		return msgs, nil
	}
	if e.estimator == nil {
		return e.flatTrim(msgs), nil
	}
	return e.trim(msgs), nil
}

// trim walks newest to oldest accumulating estimated tokens and cuts where
// the budget runs out, subject to the continuity floor.
func (e *BudgetEnforcer) trim(msgs []message.Message) []message.Message {
	floor := e.ContinuityFloor
	if floor > len(msgs) {
		floor = len(msgs)
	}

	total := 0
	cut := 0 // index of the oldest retained message
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := e.estimator.EstimateMessage(msgs[i])
		counted := len(msgs) - i // messages newer than or equal to msgs[i]
		if total+cost > e.Budget && counted > floor {
			cut = i + 1
			break
		}
		total += cost
	}

	if cut == 0 {
		return msgs
	}
	e.logger.Debug().
		Int("dropped", cut).
		Int("kept", len(msgs)-cut).
		Int("estimatedTokens", total).
		Msg("trimmed history to token budget")
	return msgs[cut:]
}

// flatTrim keeps budget/FlatTokensPerMsg most recent messages when no
// per-message estimator is available.
func (e *BudgetEnforcer) flatTrim(msgs []message.Message) []message.Message {
	keep := e.Budget / e.FlatTokensPerMsg
	if keep < e.ContinuityFloor {
		keep = e.ContinuityFloor
	}
	return lastN(msgs, keep)
}

func lastN(msgs []message.Message, n int) []message.Message {
	if n >= len(msgs) {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// Compile-time interface check
var _ Stage = (*BudgetEnforcer)(nil)

package stage

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"

	"ctxpipe/internal/message"
)

// failsafeStage wraps a stage so that an error or panic inside it degrades
// to "return input unchanged" instead of breaking the pipeline.
type failsafeStage struct {
	inner  Stage
	logger zerolog.Logger
}

// WithFailsafe wraps a stage with the fail-open contract: on error or panic
// the stage's input passes through unchanged and the failure is logged with
// the stage name and message count.
func WithFailsafe(s Stage, logger zerolog.Logger) Stage {
	return &failsafeStage{inner: s, logger: logger}
}

func (f *failsafeStage) Name() string {
	return f.inner.Name()
}

func (f *failsafeStage) Process(ctx context.Context, msgs []message.Message) (out []message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error().
				Str("stage", f.inner.Name()).
				Int("messages", len(msgs)).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("stage panicked, passing input through")
			out = msgs
			err = nil
		}
	}()

	out, err = f.inner.Process(ctx, msgs)
	if err != nil {
		f.logger.Error().
			Err(err).
			Str("stage", f.inner.Name()).
			Int("messages", len(msgs)).
			Msg("stage failed, passing input through")
		return msgs, fmt.Errorf("%s: %w", f.inner.Name(), err)
	}
	return out, nil
}

package stage

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"ctxpipe/internal/message"
	"ctxpipe/internal/token"
)

func TestBudgetEnforcer_UnderBudgetUnchanged(t *testing.T) {
	e := NewBudgetEnforcer(1_000_000, token.NewCharEstimator(), zerolog.Nop())
	msgs := makeMessages(10)

	out, err := e.Process(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(out) != 10 {
		t.Errorf("output length = %d, want 10", len(out))
	}
}

func TestBudgetEnforcer_TrimsOldest(t *testing.T) {
	est := token.NewCharEstimator()
	e := NewBudgetEnforcer(5000, est, zerolog.Nop())
	msgs := makeMessages(1000) // ~15 tokens each, well over 5000 total

	out, err := e.Process(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(out) >= len(msgs) {
		t.Fatal("nothing was trimmed")
	}
	if total := est.EstimateMessages(out); total > 5000 {
		t.Errorf("output estimate %d exceeds budget 5000", total)
	}
	// Survivors are the newest messages.
	if out[len(out)-1].ID != msgs[len(msgs)-1].ID {
		t.Error("newest message was dropped")
	}
	assertSubsequence(t, msgs, out)
}

func TestBudgetEnforcer_ContinuityFloor(t *testing.T) {
	est := token.NewCharEstimator()
	e := NewBudgetEnforcer(1, est, zerolog.Nop()) // budget far below any message

	msgs := makeMessages(200)
	out, err := e.Process(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(out) != DefaultContinuityFloor {
		t.Errorf("output length = %d, want continuity floor %d", len(out), DefaultContinuityFloor)
	}
	if out[0].ID != msgs[len(msgs)-DefaultContinuityFloor].ID {
		t.Error("continuity floor did not keep the most recent messages")
	}
}

func TestBudgetEnforcer_Idempotent(t *testing.T) {
	est := token.NewCharEstimator()
	e := NewBudgetEnforcer(5000, est, zerolog.Nop())
	msgs := makeMessages(1000)

	once, err := e.Process(context.Background(), msgs)
	if err != nil {
		t.Fatalf("first Process returned error: %v", err)
	}
	twice, err := e.Process(context.Background(), once)
	if err != nil {
		t.Fatalf("second Process returned error: %v", err)
	}
	if len(once) != len(twice) {
		t.Fatalf("second run changed length: %d -> %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].ID != twice[i].ID {
			t.Fatalf("second run changed element %d: %s -> %s", i, once[i].ID, twice[i].ID)
		}
	}
}

func TestBudgetEnforcer_FlatFallback(t *testing.T) {
	e := NewBudgetEnforcer(50_000, nil, zerolog.Nop())
	msgs := makeMessages(1200)

	out, err := e.Process(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	// floor(50000/750) = 66 most recent messages.
	if len(out) != 66 {
		t.Errorf("output length = %d, want 66", len(out))
	}
	if out[len(out)-1].ID != msgs[len(msgs)-1].ID {
		t.Error("flat fallback did not keep the newest messages")
	}
	assertSubsequence(t, msgs, out)
}

func TestBudgetEnforcer_FlatFallbackRespectsFloor(t *testing.T) {
	e := NewBudgetEnforcer(750, nil, zerolog.Nop()) // floor(750/750) = 1 < continuity floor
	msgs := makeMessages(200)

	out, err := e.Process(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(out) != DefaultContinuityFloor {
		t.Errorf("output length = %d, want continuity floor %d", len(out), DefaultContinuityFloor)
	}
}

func TestBudgetEnforcer_EmptyInput(t *testing.T) {
	e := NewBudgetEnforcer(1000, token.NewCharEstimator(), zerolog.Nop())
	out, err := e.Process(context.Background(), nil)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("output length = %d, want 0", len(out))
	}
}

// panicEstimator blows up to exercise the last-resort cap.
type panicEstimator struct{}

func (panicEstimator) Estimate(string) int                    { panic("estimator broken") }
func (panicEstimator) EstimateMessage(message.Message) int    { panic("estimator broken") }
func (panicEstimator) EstimateMessages([]message.Message) int { panic("estimator broken") }

func TestBudgetEnforcer_LastResortCap(t *testing.T) {
	e := NewBudgetEnforcer(1000, panicEstimator{}, zerolog.Nop())
	msgs := makeMessages(800)

	out, err := e.Process(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(out) != DefaultLastResortCap {
		t.Errorf("output length = %d, want last-resort cap %d", len(out), DefaultLastResortCap)
	}
	if out[len(out)-1].ID != msgs[len(msgs)-1].ID {
		t.Error("last-resort cap did not keep the newest messages")
	}
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"ctxpipe/internal/embedding"
	"ctxpipe/internal/message"
	"ctxpipe/internal/telemetry"
	"ctxpipe/internal/token"
)

func makeMessages(n int) []message.Message {
	msgs := make([]message.Message, n)
	for i := range msgs {
		role := message.RoleUser
		if i%2 == 1 {
			role = message.RoleAssistant
		}
		msgs[i] = message.Message{
			ID:      fmt.Sprintf("msg-%d", i),
			Role:    role,
			Content: fmt.Sprintf("message number %d", i),
		}
	}
	return msgs
}

func assertSubsequence(t *testing.T, full, sub []message.Message) {
	t.Helper()
	j := 0
	for i := 0; i < len(full) && j < len(sub); i++ {
		if full[i].ID == sub[j].ID {
			j++
		}
	}
	if j != len(sub) {
		t.Errorf("output is not an order-preserving subsequence of input (matched %d of %d)", j, len(sub))
	}
}

// failingEmbedder always errors, exercising the heuristic fallbacks.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("provider unavailable")
}

func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("provider unavailable")
}

func (failingEmbedder) Dimensions() int     { return 0 }
func (failingEmbedder) MaxInputLength() int { return 8192 }

func TestPipeline_SmallInputUnchanged(t *testing.T) {
	p := New(WithEstimator(token.NewCharEstimator()))
	msgs := makeMessages(10)

	out := p.Run(context.Background(), msgs, 1_000_000, Options{})
	if len(out) != 10 {
		t.Fatalf("output length = %d, want 10 (all stages no-op)", len(out))
	}
	for i := range out {
		if out[i].ID != msgs[i].ID {
			t.Fatalf("element %d changed: %s", i, out[i].ID)
		}
	}
}

func TestPipeline_LargeHistoryNoEmbedder(t *testing.T) {
	// 1200 short alternating messages, 50k budget, no embedding provider:
	// volume filter cuts to 550, the relevance fallback to 75, and the
	// budget enforcer's estimate keeps the total below budget.
	p := New(WithEstimator(token.NewCharEstimator()))
	msgs := makeMessages(1200)

	out := p.Run(context.Background(), msgs, 50_000, Options{})
	if len(out) == 0 {
		t.Fatal("pipeline returned an empty result for non-empty input")
	}
	if len(out) > 75 {
		t.Errorf("output length = %d, want at most the relevance fallback window of 75", len(out))
	}
	if out[len(out)-1].ID != "msg-1199" {
		t.Errorf("newest message missing, tail is %s", out[len(out)-1].ID)
	}
	assertSubsequence(t, msgs, out)
}

func TestPipeline_FlatBudgetFallback(t *testing.T) {
	// Without an estimator the budget enforcer keeps floor(50000/750) = 66
	// most recent of the 550 surviving the volume filter.
	p := New()
	msgs := makeMessages(1200)

	out := p.Run(context.Background(), msgs, 50_000, Options{})
	if len(out) > 66 {
		t.Errorf("output length = %d, want at most 66", len(out))
	}
	assertSubsequence(t, msgs, out)
}

func TestPipeline_ToolTraceAllowList(t *testing.T) {
	trace := func(id string) message.Message {
		return message.Message{
			ID:      id,
			Role:    message.RoleAssistant,
			Content: "calling search",
			ToolCalls: []message.ToolCall{
				{Function: json.RawMessage(`{"name":"search","arguments":"{}"}`)},
			},
		}
	}
	msgs := []message.Message{
		trace("a0"), trace("a1"), trace("a2"), trace("a3"), trace("a4"),
	}

	p := New(WithEstimator(token.NewCharEstimator()))

	kept := p.Run(context.Background(), msgs, 1_000_000, Options{ExcludedToolNames: []string{"search"}})
	if len(kept) != 5 {
		t.Errorf("with allow-list output length = %d, want 5", len(kept))
	}

	removed := p.Run(context.Background(), msgs, 1_000_000, Options{})
	if len(removed) != 0 {
		t.Errorf("without allow-list output length = %d, want 0", len(removed))
	}
}

func TestPipeline_FailOpenWithBrokenProvider(t *testing.T) {
	cache := embedding.NewCache(100, zerolog.Nop())
	est := token.NewCharEstimator()
	p := New(
		WithEstimator(est),
		WithEmbedder(failingEmbedder{}, cache),
	)
	msgs := makeMessages(1200)

	out := p.Run(context.Background(), msgs, 50_000, Options{UseEmbeddings: true})
	if len(out) == 0 {
		t.Fatal("pipeline returned an empty result for non-empty input")
	}
	if total := est.EstimateMessages(out); total > 50_000 {
		t.Errorf("output estimate %d exceeds budget", total)
	}
	assertSubsequence(t, msgs, out)
}

func TestPipeline_InputSnapshotUntouched(t *testing.T) {
	p := New(WithEstimator(token.NewCharEstimator()))
	msgs := makeMessages(1200)
	originalFirst := msgs[0].ID

	_ = p.Run(context.Background(), msgs, 50_000, Options{})
	if len(msgs) != 1200 || msgs[0].ID != originalFirst {
		t.Error("pipeline mutated the caller's snapshot")
	}
}

func TestPipeline_SinkReceivesReports(t *testing.T) {
	var mu sync.Mutex
	var stages []string
	sink := sinkFunc(func(ctx context.Context, r telemetry.StageReport) {
		mu.Lock()
		stages = append(stages, r.Stage)
		mu.Unlock()
	})

	p := New(WithEstimator(token.NewCharEstimator()), WithSink(sink))
	p.Run(context.Background(), makeMessages(10), 1_000_000, Options{})

	want := []string{
		"volume_filter",
		"budget_enforcer",
		"tool_trace_filter",
		"relevance_segmenter",
		"duplicate_collapser",
	}
	if len(stages) != len(want) {
		t.Fatalf("sink observed %d stages, want %d", len(stages), len(want))
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage %d = %s, want %s", i, stages[i], want[i])
		}
	}

	reports := p.LastReports()
	if len(reports) != len(want) {
		t.Errorf("LastReports length = %d, want %d", len(reports), len(want))
	}
}

func TestPipeline_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(WithEstimator(token.NewCharEstimator()))
	msgs := makeMessages(10)

	out := p.Run(ctx, msgs, 1_000_000, Options{})
	// Canceled before the first stage: the untouched snapshot comes back.
	if len(out) != 10 {
		t.Errorf("output length = %d, want 10", len(out))
	}
	if len(p.LastReports()) != 0 {
		t.Errorf("canceled run recorded %d stage reports, want 0", len(p.LastReports()))
	}
}

func TestPipeline_EmptyInput(t *testing.T) {
	p := New(WithEstimator(token.NewCharEstimator()))
	out := p.Run(context.Background(), nil, 1_000_000, Options{})
	if len(out) != 0 {
		t.Errorf("output length = %d, want 0", len(out))
	}
}

func TestPipeline_TuningOverrides(t *testing.T) {
	msgs := makeMessages(40)

	p := New(WithEstimator(token.NewCharEstimator()))
	out := p.Run(context.Background(), msgs, 1_000_000, Options{
		Tuning: &StageTuning{
			// Lower the volume thresholds so the filter engages at 40
			// messages instead of the default several hundred.
			VolumeMinMessages: 10,
			VolumeKeepHead:    5,
			VolumeKeepTail:    10,
			VolumeHardLimit:   15,
			// Keep the relevance stage out of the way.
			RelevanceMinMessages: 100,
		},
	})

	if len(out) != 15 {
		t.Fatalf("output length = %d, want 15", len(out))
	}
	assertSubsequence(t, msgs, out)
	if out[0].ID != "msg-0" {
		t.Errorf("first survivor = %s, want msg-0", out[0].ID)
	}
	if out[len(out)-1].ID != "msg-39" {
		t.Errorf("last survivor = %s, want msg-39", out[len(out)-1].ID)
	}
}

func TestPipeline_DisabledStagesAreSkipped(t *testing.T) {
	msgs := makeMessages(40)

	var stages []string
	p := New(
		WithEstimator(token.NewCharEstimator()),
		WithSink(sinkFunc(func(ctx context.Context, r telemetry.StageReport) {
			stages = append(stages, r.Stage)
		})),
	)

	tuning := &StageTuning{
		DisableVolume:    true,
		DisableRelevance: true,
		// Same aggressive thresholds as the tuning test: with the volume
		// filter active these would cut 40 messages down to 15.
		VolumeMinMessages: 10,
		VolumeKeepHead:    5,
		VolumeKeepTail:    10,
		VolumeHardLimit:   15,
	}
	out := p.Run(context.Background(), msgs, 1_000_000, Options{Tuning: tuning})

	if len(out) != 40 {
		t.Fatalf("output length = %d, want 40 (disabled volume filter must not trim)", len(out))
	}

	want := []string{"budget_enforcer", "tool_trace_filter", "duplicate_collapser"}
	if len(stages) != len(want) {
		t.Fatalf("observed stages = %v, want %v", stages, want)
	}
	for i, name := range want {
		if stages[i] != name {
			t.Errorf("stage[%d] = %s, want %s", i, stages[i], name)
		}
	}
}

func TestPipeline_PanickingSinkDoesNotAbortRun(t *testing.T) {
	msgs := makeMessages(10)

	var observed int
	p := New(
		WithEstimator(token.NewCharEstimator()),
		WithSink(sinkFunc(func(ctx context.Context, r telemetry.StageReport) {
			panic("sink exploded")
		})),
		WithSink(sinkFunc(func(ctx context.Context, r telemetry.StageReport) {
			observed++
		})),
	)

	out := p.Run(context.Background(), msgs, 1_000_000, Options{})
	if len(out) != 10 {
		t.Fatalf("output length = %d, want 10", len(out))
	}
	// Every stage report still reaches the sink after the broken one.
	if observed != 5 {
		t.Errorf("second sink observed %d reports, want 5", observed)
	}
}

type sinkFunc func(ctx context.Context, r telemetry.StageReport)

func (f sinkFunc) Observe(ctx context.Context, r telemetry.StageReport) {
	f(ctx, r)
}

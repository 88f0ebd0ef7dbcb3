package stage

import (
	"context"

	"ctxpipe/internal/message"
)

// ToolTraceFilter removes assistant messages that carry tool invocation
// traces, reclaiming budget from verbose tool plumbing. Traces referencing a
// tool on the keep list survive.
type ToolTraceFilter struct {
	keep map[string]struct{}
}

// NewToolTraceFilter creates a ToolTraceFilter. keepTools is an allow-list
// of tool names whose traces are always retained.
func NewToolTraceFilter(keepTools []string) *ToolTraceFilter {
	keep := make(map[string]struct{}, len(keepTools))
	for _, name := range keepTools {
		keep[name] = struct{}{}
	}
	return &ToolTraceFilter{keep: keep}
}

// Name implements Stage.
func (f *ToolTraceFilter) Name() string {
	return "tool_trace_filter"
}

// Process implements Stage.
func (f *ToolTraceFilter) Process(ctx context.Context, msgs []message.Message) ([]message.Message, error) {
	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if message.NormalizeRole(m.Role) == message.RoleAssistant && m.HasToolCalls() && !f.keepTrace(&m) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *ToolTraceFilter) keepTrace(m *message.Message) bool {
	if len(f.keep) == 0 {
		return false
	}
	for i := range m.ToolCalls {
		if _, ok := f.keep[m.ToolCalls[i].Name()]; ok {
			return true
		}
	}
	return false
}

// Compile-time interface check
var _ Stage = (*ToolTraceFilter)(nil)

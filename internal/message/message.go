// Package message defines the conversation message model shared by all
// pipeline stages.
package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

// Recognized roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// NormalizeRole maps unrecognized role values to RoleAssistant.
func NormalizeRole(r Role) Role {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return r
	default:
		return RoleAssistant
	}
}

// ToolCall represents a tool invocation recorded on an assistant message.
type ToolCall struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Function json.RawMessage `json:"function,omitempty"`
}

// Name returns the name of the tool being called.
func (tc *ToolCall) Name() string {
	if len(tc.Function) == 0 {
		return ""
	}
	var fn struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(tc.Function, &fn); err != nil {
		return ""
	}
	return fn.Name
}

// Arguments returns the serialized arguments of the tool call.
func (tc *ToolCall) Arguments() string {
	if len(tc.Function) == 0 {
		return ""
	}
	var fn struct {
		Arguments string `json:"arguments"`
	}
	if err := json.Unmarshal(tc.Function, &fn); err != nil {
		return ""
	}
	return fn.Arguments
}

// Message is the atomic unit processed by every pipeline stage. Content is
// either a plain string or a structured payload; stages treat it as opaque
// and go through Text for flattening. Embedding is attached by the embedding
// cache for the duration of a single run and is never persisted.
type Message struct {
	ID        string            `json:"id,omitempty"`
	Role      Role              `json:"role"`
	Content   any               `json:"content"`
	ToolCalls []ToolCall        `json:"tool_calls,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"-"`
}

// HasToolCalls reports whether the message carries a tool invocation trace.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Text flattens the message content to plain text. Structured payloads are
// walked for text-bearing fields; anything else is stringified so callers
// never have to handle a conversion failure.
func (m *Message) Text() string {
	return flatten(m.Content)
}

func flatten(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s := flatten(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		for _, key := range []string{"text", "content", "value"} {
			if inner, ok := v[key]; ok {
				return flatten(inner)
			}
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// EnsureID assigns a fresh identity if the message has none.
func (m *Message) EnsureID() {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
}

// Clone returns a shallow copy of the slice so that stages can drop elements
// without touching the caller's snapshot.
func Clone(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

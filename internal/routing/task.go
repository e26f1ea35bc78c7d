// ABOUTME: Task request/result types flowing between gateway, router, providers.
// ABOUTME: Message parts follow the delegation envelope's {role, parts} shape.

package routing

import "encoding/json"

// Part is one piece of a task message. Text parts carry prose; data parts
// carry structured payloads opaque to the router.
type Part struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is the unit of task input and output.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// TaskRequest is a routable unit of work. TaskType selects the routing rule;
// ExplicitTarget, when set, pins the task to one provider if that provider is
// healthy. WorkspaceID scopes the task for isolation and always flows
// downstream.
type TaskRequest struct {
	TaskID         string            `json:"task_id"`
	TaskType       string            `json:"task_type"`
	ExplicitTarget string            `json:"explicit_target,omitempty"`
	WorkspaceID    string            `json:"workspace_id"`
	UserID         string            `json:"user_id"`
	Message        Message           `json:"message"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TaskResult is the terminal output of a dispatched task. Tokens is the
// provider-reported token count, zero when the provider reports none.
type TaskResult struct {
	Provider string          `json:"provider"`
	Message  Message         `json:"message"`
	Tokens   int64           `json:"tokens,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// TextResult builds a single-part agent result, used by providers and tests.
func TextResult(provider, text string) *TaskResult {
	return &TaskResult{
		Provider: provider,
		Message: Message{
			Role:  "agent",
			Parts: []Part{{Type: "text", Text: text}},
		},
	}
}

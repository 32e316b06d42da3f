package raymond

import (
	"context"
	"encoding/json"
)

// Coder is the contract for the external coding agent a prompt step talks
// to. The concrete CLI subprocess client lives in the coder package; tests
// substitute their own implementation.
type Coder interface {
	// Run sends one prompt turn and blocks until the agent finishes. Stream
	// messages are delivered on ch as they arrive; Run closes ch before
	// returning. On error the returned Result still carries whatever session
	// id and cost were observed before the failure.
	Run(ctx context.Context, req CoderRequest, ch chan<- StreamChunk) (CoderResult, error)
}

// CoderRequest describes one invocation of the coding agent.
type CoderRequest struct {
	// Prompt is the fully rendered prompt text for this turn.
	Prompt string
	// Session resumes an existing conversation when non-empty.
	Session string
	// Branch forks the resumed conversation instead of extending it, leaving
	// the original intact for the caller to come back to.
	Branch bool
	// Model and Effort override the agent's defaults when non-empty.
	Model  string
	Effort string
	// Dir is the working directory for the subprocess.
	Dir string
	// Env is extra environment to layer over the parent process environment.
	Env map[string]string
}

// StreamChunk is one newline-delimited JSON message from the agent's output
// stream, partially decoded. Raw always holds the full original line; the
// typed fields are filled in when the message kind is recognized.
type StreamChunk struct {
	// Kind is the message type: "assistant", "tool_use", "tool_result",
	// "result", or "" for anything unrecognized.
	Kind string
	// Text is assistant-visible output text, when present.
	Text string
	// Tool and ToolInput describe a tool invocation message.
	Tool      string
	ToolInput json.RawMessage
	// IsError marks an errored tool result.
	IsError bool
	// Raw is the unparsed message line.
	Raw json.RawMessage
}

// CoderResult is the terminal outcome of one agent invocation.
type CoderResult struct {
	// SessionID is the conversation id to resume with on the next turn.
	SessionID string
	// CostUSD is the cost charged for this invocation.
	CostUSD float64
	// Output is the agent's final response text, the input to transition
	// parsing.
	Output string
}

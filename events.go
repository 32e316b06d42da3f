package raymond

import (
	"encoding/json"
	"time"
)

// Event is the closed set of notifications published on the Bus. Every
// variant embeds Meta, which carries the owning agent id (where applicable)
// and a monotonic timestamp stamped at emission.
type Event interface {
	eventMeta() Meta
}

// Meta is the common header of every event.
type Meta struct {
	AgentID string
	Time    time.Time
}

func (m Meta) eventMeta() Meta { return m }

// WorkflowStarted fires once when the scheduler begins advancing a workflow.
type WorkflowStarted struct {
	Meta
	WorkflowID string
	Resumed    bool
}

// WorkflowCompleted fires when the live agent set becomes empty.
type WorkflowCompleted struct {
	Meta
	WorkflowID   string
	TotalCostUSD float64
}

// WorkflowPaused fires when every live agent is paused and the scheduler
// persists and returns.
type WorkflowPaused struct {
	Meta
	WorkflowID string
}

// StateStarted fires at the beginning of each step.
type StateStarted struct {
	Meta
	State   string
	Kind    StateKind
	Session string
	// Title is a display name derived from the prompt body; equals State
	// for scripts.
	Title string
	// Step is the 1-based invocation count of this (agent, state) pair.
	Step int
}

// StateCompleted fires after the step's transition has been parsed and
// validated, before it is applied.
type StateCompleted struct {
	Meta
	State     string
	Kind      StateKind
	Session   string
	CostDelta float64
	// TotalCost is the workflow total as of this step's start plus CostDelta.
	// With concurrent agents it can lag the merged total; WorkflowCompleted
	// carries the authoritative final figure.
	TotalCost  float64
	Duration   time.Duration
	Transition TransitionType
}

// TransitionOccurred fires after a transition is committed to the workflow
// document.
type TransitionOccurred struct {
	Meta
	Type TransitionType
	From string
	To   string
	// Payload carries the result text when Type is result.
	Payload string
	// SpawnedID is the child agent id when Type is fork.
	SpawnedID string
}

// AgentSpawned fires when a fork creates a new agent.
type AgentSpawned struct {
	Meta
	Parent       string
	Child        string
	InitialState string
}

// AgentTerminated fires when an agent leaves the live set, whether by result
// on an empty stack, budget override, or retry exhaustion.
type AgentTerminated struct {
	Meta
	Reason string
}

// LLMInvocationStarted fires before each coding-agent subprocess launch,
// including reminder retries.
type LLMInvocationStarted struct {
	Meta
	State    string
	Session  string
	Reminder bool
	Attempt  int
}

// LLMStreamChunk carries one structured message from the coding agent's
// stream-json output, verbatim.
type LLMStreamChunk struct {
	Meta
	Raw json.RawMessage
}

// ProgressMessage carries free-form assistant text from the stream.
type ProgressMessage struct {
	Meta
	Text string
}

// ToolInvocation is a tool-use entry extracted from the stream.
type ToolInvocation struct {
	Meta
	Tool  string
	Input json.RawMessage
}

// ToolError is a tool failure extracted from the stream.
type ToolError struct {
	Meta
	Detail string
}

// ScriptOutput carries a completed script execution.
type ScriptOutput struct {
	Meta
	State    string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	Env      []string
}

// ErrorOccurred reports a classified step failure. Retryable failures are
// followed by another attempt; non-retryable ones pause or remove the agent.
type ErrorOccurred struct {
	Meta
	Kind      string
	Err       string
	Retryable bool
	Attempt   int
}

// stamp fills an event Meta for the given agent at the current time.
func stamp(agentID string) Meta {
	return Meta{AgentID: agentID, Time: time.Now()}
}

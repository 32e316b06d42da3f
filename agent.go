package raymond

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
)

// Frame is one entry of an agent's return stack: how to resume the caller
// once the callee emits a result.
type Frame struct {
	// Session is the caller's conversation to resume, "" for fresh.
	Session string `json:"session"`
	// State is the caller's return state filename.
	State string `json:"state"`
	// Dir is the caller's working directory at call time.
	Dir string `json:"cwd,omitempty"`
}

// Agent is one logical thread of execution inside a workflow. Agents are
// values: executors and the applicator work on deep copies and the scheduler
// merges results back into the document, so no step ever shares mutable
// sub-structure with the persisted state.
type Agent struct {
	// ID is stable and unique within the workflow, including against ids of
	// agents that have already terminated.
	ID string `json:"id"`
	// State is the current state filename, possibly without extension;
	// resolved just in time by ResolveState.
	State string `json:"currentState"`
	// Session is the opaque conversation id with the external coding agent.
	// "" starts fresh; resuming is how goto preserves context.
	Session string `json:"sessionId,omitempty"`
	// Dir is the working directory for this agent's subprocesses. "" means
	// the scope directory.
	Dir string `json:"cwd,omitempty"`
	// Stack is the return stack. Empty means a result terminates the agent.
	Stack []Frame `json:"stack,omitempty"`
	// PendingResult is the payload carried by the last result that popped
	// into this agent; consumed by template substitution on the next step.
	PendingResult *string `json:"pendingResult,omitempty"`
	// ForkAttrs are the spawn-time attributes of a forked worker, consumed
	// by its first step.
	ForkAttrs map[string]string `json:"forkAttributes,omitempty"`
	// BranchNext makes the next coding-agent invocation branch off the
	// resumed conversation instead of extending it. Set when a call pushes
	// this agent into a callee state, so the caller's session survives
	// untouched for the eventual return.
	BranchNext bool `json:"branchNextInvocation,omitempty"`
	Paused     bool `json:"paused,omitempty"`
	// RetryCount is the scheduler's consecutive-failure counter, reset on
	// every successful step.
	RetryCount int `json:"retryCount,omitempty"`
}

// Clone returns a deep copy sharing nothing with a.
func (a Agent) Clone() Agent {
	out := a
	if len(a.Stack) > 0 {
		out.Stack = make([]Frame, len(a.Stack))
		copy(out.Stack, a.Stack)
	}
	if a.PendingResult != nil {
		p := *a.PendingResult
		out.PendingResult = &p
	}
	if len(a.ForkAttrs) > 0 {
		out.ForkAttrs = make(map[string]string, len(a.ForkAttrs))
		for k, v := range a.ForkAttrs {
			out.ForkAttrs[k] = v
		}
	}
	return out
}

// WorkingDir returns the directory subprocesses for this agent run in,
// defaulting to the workflow's scope directory.
func (a Agent) WorkingDir(scope string) string {
	if a.Dir != "" {
		return a.Dir
	}
	return scope
}

// Workflow is the persistent document for one workflow run. It is a pure
// value: each scheduler iteration produces a new document and writes it
// whole.
type Workflow struct {
	ID       string  `json:"workflowId"`
	ScopeDir string  `json:"scopeDir"`
	Budget   float64 `json:"budget"`
	// TotalCostUSD is monotone non-decreasing across the run.
	TotalCostUSD float64 `json:"totalCostUsd"`
	// ForkCounters maps parent agent id to its next child ordinal. Counters
	// never decrement, so child names are never reused even after
	// termination.
	ForkCounters map[string]int `json:"forkCounters,omitempty"`
	// Agents is the ordered set of live agents. Empty means terminated.
	Agents []Agent `json:"agents"`
}

const maxWorkflowIDLen = 255

var workflowIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reservedWorkflowIDs are filesystem-hostile names refused regardless of
// platform, since the file store names documents after the id.
var reservedWorkflowIDs = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
}

// ValidateWorkflowID checks the id against the naming rules: alphanumeric
// plus - and _, at most 255 characters, not a reserved filesystem name.
func ValidateWorkflowID(id string) error {
	if id == "" || len(id) > maxWorkflowIDLen {
		return fmt.Errorf("workflow id must be 1-%d characters", maxWorkflowIDLen)
	}
	if !workflowIDPattern.MatchString(id) {
		return fmt.Errorf("workflow id %q: only alphanumerics, - and _ are allowed", id)
	}
	if reservedWorkflowIDs[strings.ToLower(id)] {
		return fmt.Errorf("workflow id %q is a reserved name", id)
	}
	return nil
}

// initialAgentID names the single agent a workflow starts with.
const initialAgentID = "main"

// NewWorkflow creates a workflow document with one agent positioned at the
// entry state. scope must be an absolute path; it never changes afterwards.
func NewWorkflow(id, scope, entry string, budget float64) (*Workflow, error) {
	if err := ValidateWorkflowID(id); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(scope) {
		return nil, fmt.Errorf("scope directory %q must be absolute", scope)
	}
	if budget < 0 {
		return nil, fmt.Errorf("budget must be non-negative, got %v", budget)
	}
	if err := CheckTargetSafe(entry); err != nil {
		return nil, err
	}
	return &Workflow{
		ID:       id,
		ScopeDir: scope,
		Budget:   budget,
		Agents:   []Agent{{ID: initialAgentID, State: entry}},
	}, nil
}

// Clone returns a deep copy of the document.
func (w *Workflow) Clone() *Workflow {
	out := *w
	if len(w.ForkCounters) > 0 {
		out.ForkCounters = make(map[string]int, len(w.ForkCounters))
		for k, v := range w.ForkCounters {
			out.ForkCounters[k] = v
		}
	}
	out.Agents = make([]Agent, len(w.Agents))
	for i, a := range w.Agents {
		out.Agents[i] = a.Clone()
	}
	return &out
}

// AgentByID returns a pointer into the live agent set, or nil.
func (w *Workflow) AgentByID(id string) *Agent {
	for i := range w.Agents {
		if w.Agents[i].ID == id {
			return &w.Agents[i]
		}
	}
	return nil
}

// replaceAgent swaps the stored agent with the same id for updated.
func (w *Workflow) replaceAgent(updated Agent) {
	for i := range w.Agents {
		if w.Agents[i].ID == updated.ID {
			w.Agents[i] = updated
			return
		}
	}
}

// removeAgent deletes the agent from the live set, preserving order.
func (w *Workflow) removeAgent(id string) {
	for i := range w.Agents {
		if w.Agents[i].ID == id {
			w.Agents = append(w.Agents[:i:i], w.Agents[i+1:]...)
			return
		}
	}
}

// AllPaused reports whether every live agent carries the paused flag.
// False for an empty agent set.
func (w *Workflow) AllPaused() bool {
	if len(w.Agents) == 0 {
		return false
	}
	for _, a := range w.Agents {
		if !a.Paused {
			return false
		}
	}
	return true
}

// AddCost accumulates a step's cost delta. Negative deltas are ignored so
// the total stays monotone.
func (w *Workflow) AddCost(delta float64) {
	if delta > 0 {
		w.TotalCostUSD += delta
	}
}

// OverBudget reports whether accumulated cost has crossed the budget. A zero
// budget means unlimited.
func (w *Workflow) OverBudget() bool {
	return w.Budget > 0 && w.TotalCostUSD > w.Budget
}

// nextChildID allocates a hierarchical child name {parent}_{abbrev}{n} and
// bumps the parent's fork counter in the document.
func (w *Workflow) nextChildID(parentID, childState string) string {
	if w.ForkCounters == nil {
		w.ForkCounters = make(map[string]int)
	}
	w.ForkCounters[parentID]++
	return fmt.Sprintf("%s_%s%d", parentID, stateAbbrev(childState), w.ForkCounters[parentID])
}

// stateAbbrev condenses a state filename into the short tag used in spawned
// agent names: extension stripped, lowercased, non-alphanumerics dropped,
// capped at eight characters.
func stateAbbrev(state string) string {
	name := strings.TrimSuffix(state, filepath.Ext(state))
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 8 {
			break
		}
	}
	if b.Len() == 0 {
		return "agent"
	}
	return b.String()
}

// nopLogger discards all output. Used wherever a logger was not supplied.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

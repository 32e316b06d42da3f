package observer

import (
	"fmt"
	"io"
	"sync"

	"github.com/raymondhq/raymond"
)

// Console translates bus events into human-readable progress lines. In quiet
// mode only state headers, transitions, errors, and the final cost survive;
// streamed assistant text and tool chatter are suppressed.
type Console struct {
	w     io.Writer
	quiet bool

	mu       sync.Mutex
	lastTool map[string]string // agent id -> most recent tool name
	subs     []*raymond.Subscription
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithQuiet suppresses streamed progress output.
func WithQuiet(quiet bool) ConsoleOption {
	return func(c *Console) { c.quiet = quiet }
}

// NewConsole attaches a console reporter writing to w.
func NewConsole(w io.Writer, bus *raymond.Bus, opts ...ConsoleOption) *Console {
	c := &Console{w: w, lastTool: make(map[string]string)}
	for _, opt := range opts {
		opt(c)
	}
	c.subs = append(c.subs,
		raymond.Subscribe(bus, c.onWorkflowStarted),
		raymond.Subscribe(bus, c.onWorkflowCompleted),
		raymond.Subscribe(bus, c.onWorkflowPaused),
		raymond.Subscribe(bus, c.onStateStarted),
		raymond.Subscribe(bus, c.onTransition),
		raymond.Subscribe(bus, c.onAgentSpawned),
		raymond.Subscribe(bus, c.onAgentTerminated),
		raymond.Subscribe(bus, c.onProgress),
		raymond.Subscribe(bus, c.onTool),
		raymond.Subscribe(bus, c.onToolError),
		raymond.Subscribe(bus, c.onError),
	)
	return c
}

// Close detaches the reporter from the bus.
func (c *Console) Close() {
	for _, s := range c.subs {
		s.Cancel()
	}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format+"\n", args...)
}

func (c *Console) onWorkflowStarted(e raymond.WorkflowStarted) {
	verb := "started"
	if e.Resumed {
		verb = "resumed"
	}
	c.printf("workflow %s %s", e.WorkflowID, verb)
}

func (c *Console) onWorkflowCompleted(e raymond.WorkflowCompleted) {
	c.printf("workflow %s completed, total cost $%.4f", e.WorkflowID, e.TotalCostUSD)
}

func (c *Console) onWorkflowPaused(e raymond.WorkflowPaused) {
	c.printf("workflow %s paused", e.WorkflowID)
}

func (c *Console) onStateStarted(e raymond.StateStarted) {
	step := ""
	if e.Step > 1 {
		step = fmt.Sprintf(" (attempt %d)", e.Step)
	}
	c.printf("[%s] %s: %s%s", e.AgentID, e.Kind, e.Title, step)
}

func (c *Console) onTransition(e raymond.TransitionOccurred) {
	switch e.Type {
	case raymond.TransitionResult:
		c.printf("[%s] result: %s", e.AgentID, truncate(e.Payload, 120))
	case raymond.TransitionFork:
		c.printf("[%s] fork -> %s, continuing at %s", e.AgentID, e.SpawnedID, e.To)
	default:
		c.printf("[%s] %s %s -> %s", e.AgentID, e.Type, e.From, e.To)
	}
}

func (c *Console) onAgentSpawned(e raymond.AgentSpawned) {
	c.printf("[%s] spawned %s at %s", e.Parent, e.Child, e.InitialState)
}

func (c *Console) onAgentTerminated(e raymond.AgentTerminated) {
	if e.Reason != "result" {
		c.printf("[%s] terminated: %s", e.AgentID, e.Reason)
	}
}

func (c *Console) onProgress(e raymond.ProgressMessage) {
	if c.quiet {
		return
	}
	c.printf("[%s] %s", e.AgentID, truncate(e.Text, 200))
}

func (c *Console) onTool(e raymond.ToolInvocation) {
	c.mu.Lock()
	c.lastTool[e.AgentID] = e.Tool
	c.mu.Unlock()
	if c.quiet {
		return
	}
	c.printf("[%s] tool %s", e.AgentID, e.Tool)
}

func (c *Console) onToolError(e raymond.ToolError) {
	c.mu.Lock()
	tool := c.lastTool[e.AgentID]
	c.mu.Unlock()
	if tool == "" {
		tool = "tool"
	}
	c.printf("! [%s] %s failed: %s", e.AgentID, tool, truncate(e.Detail, 200))
}

func (c *Console) onError(e raymond.ErrorOccurred) {
	if e.Retryable {
		c.printf("! [%s] %s (retrying, attempt %d): %s", e.AgentID, e.Kind, e.Attempt, e.Err)
		return
	}
	c.printf("! [%s] %s: %s", e.AgentID, e.Kind, e.Err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

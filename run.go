package raymond

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// MaxStepRetries bounds the scheduler's consecutive-failure counter per
// agent. Distinct from MaxReminderAttempts: reminders happen inside a single
// step, retries re-run the whole step on the next tick.
const MaxStepRetries = 3

// defaultScriptTimeout caps a script state's execution when no override is
// configured.
const defaultScriptTimeout = 10 * time.Minute

// stepResult is what an executor hands back to the scheduler. session and
// costDelta are meaningful even when the step failed, so cost consumed by a
// doomed step is still charged and a partially advanced conversation is not
// lost.
type stepResult struct {
	transition Transition
	// session is the conversation id after the step ("" keeps the old one).
	session   string
	costDelta float64
	duration  time.Duration
}

type stepOutcome struct {
	agentID string
	res     stepResult
	err     error
}

// Runner advances workflows step by step: resolve the agent's state, pick an
// executor, apply the resulting transition, persist. One Runner may serve
// many workflows sequentially, but a given workflow id must only ever be
// driven by one Runner at a time.
type Runner struct {
	store  Store
	coder  Coder
	bus    *Bus
	logger *slog.Logger

	model         string
	effort        string
	maxReminders  int
	maxRetries    int
	scriptTimeout time.Duration
	seedResult    *string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithModel sets the default model passed to the coding agent. Per-state
// frontmatter overrides it.
func WithModel(model string) RunnerOption {
	return func(r *Runner) { r.model = model }
}

// WithEffort sets the default reasoning effort passed to the coding agent.
func WithEffort(effort string) RunnerOption {
	return func(r *Runner) { r.effort = effort }
}

// WithMaxReminders overrides the in-step reminder attempt bound.
func WithMaxReminders(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxReminders = n
		}
	}
}

// WithMaxRetries overrides the per-agent step retry bound.
func WithMaxRetries(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// WithScriptTimeout caps script state execution time.
func WithScriptTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.scriptTimeout = d }
}

// WithSeedResult pre-loads the initial agent's {{result}} variable for its
// first step, as if a callee had just returned it.
func WithSeedResult(s string) RunnerOption {
	return func(r *Runner) { r.seedResult = &s }
}

// NewRunner creates a Runner over the given store and coding-agent client.
func NewRunner(store Store, coder Coder, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:         store,
		coder:         coder,
		logger:        nopLogger,
		maxReminders:  MaxReminderAttempts,
		maxRetries:    MaxStepRetries,
		scriptTimeout: defaultScriptTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.bus = NewBus(r.logger)
	return r
}

// Bus returns the event bus observers subscribe on. Subscriptions must be in
// place before Run is called; the bus is synchronous and unbuffered.
func (r *Runner) Bus() *Bus { return r.bus }

// Run drives doc until every agent has terminated, every agent is paused, or
// ctx is cancelled. Cancellation is cooperative: in-flight steps finish,
// state is persisted, and ctx.Err() is returned.
func (r *Runner) Run(ctx context.Context, doc *Workflow) error {
	return r.run(ctx, doc, false)
}

// Resume loads a persisted workflow, clears every paused flag, and runs it.
func (r *Runner) Resume(ctx context.Context, id string) error {
	doc, err := r.store.Read(ctx, id)
	if err != nil {
		return err
	}
	for i := range doc.Agents {
		doc.Agents[i].Paused = false
	}
	return r.run(ctx, doc, true)
}

func (r *Runner) run(ctx context.Context, doc *Workflow, resumed bool) error {
	doc = doc.Clone()
	if r.seedResult != nil && !resumed {
		if main := doc.AgentByID(initialAgentID); main != nil && main.PendingResult == nil {
			seed := *r.seedResult
			main.PendingResult = &seed
		}
	}

	r.bus.Emit(WorkflowStarted{Meta: stamp(""), WorkflowID: doc.ID, Resumed: resumed})
	if err := r.persist(ctx, doc); err != nil {
		return err
	}

	steps := make(map[string]int) // (agent, state) -> invocation count
	inFlight := make(map[string]bool)
	results := make(chan stepOutcome)
	cancelCh := ctx.Done()
	cancelled := false

	for {
		if len(doc.Agents) == 0 && len(inFlight) == 0 {
			r.bus.Emit(WorkflowCompleted{Meta: stamp(""), WorkflowID: doc.ID, TotalCostUSD: doc.TotalCostUSD})
			if err := r.store.Delete(context.WithoutCancel(ctx), doc.ID); err != nil {
				return &ErrStateFile{ID: doc.ID, Err: err}
			}
			return nil
		}
		if cancelled && len(inFlight) == 0 {
			if err := r.persist(ctx, doc); err != nil {
				return err
			}
			return ctx.Err()
		}

		if !cancelled {
			if doc.AllPaused() && len(inFlight) == 0 {
				r.bus.Emit(WorkflowPaused{Meta: stamp(""), WorkflowID: doc.ID})
				return r.persist(ctx, doc)
			}
			for i := range doc.Agents {
				a := doc.Agents[i]
				if a.Paused || inFlight[a.ID] {
					continue
				}
				inFlight[a.ID] = true
				key := a.ID + "\x00" + a.State
				steps[key]++
				snap, agent, step := doc.Clone(), a.Clone(), steps[key]
				go func() {
					res, err := r.step(ctx, snap, agent, step)
					results <- stepOutcome{agentID: agent.ID, res: res, err: err}
				}()
			}
		}

		select {
		case <-cancelCh:
			cancelled = true
			cancelCh = nil
			r.logger.Info("cancellation requested, draining in-flight steps",
				"workflow", doc.ID, "inflight", len(inFlight))
		case out := <-results:
			delete(inFlight, out.agentID)
			if err := r.handleOutcome(ctx, doc, out); err != nil {
				return err
			}
		}
	}
}

// step resolves the agent's current state and runs the matching executor.
func (r *Runner) step(ctx context.Context, doc *Workflow, a Agent, step int) (stepResult, error) {
	rs, err := ResolveState(doc.ScopeDir, a.State)
	if err != nil {
		return stepResult{}, err
	}
	if rs.Kind == KindScript {
		return r.runScriptState(ctx, doc, a, rs, step)
	}
	return r.runPromptState(ctx, doc, a, rs, step)
}

// handleOutcome merges one completed step into the document and persists it.
// A returned error is fatal to the whole workflow.
func (r *Runner) handleOutcome(ctx context.Context, doc *Workflow, out stepOutcome) error {
	live := doc.AgentByID(out.agentID)
	if live == nil {
		return nil
	}
	doc.AddCost(out.res.costDelta)

	if out.err != nil {
		return r.handleStepError(ctx, doc, *live, out)
	}

	agent := live.Clone()
	agent.RetryCount = 0
	agent.PendingResult = nil
	agent.ForkAttrs = nil
	agent.BranchNext = false

	t := out.res.transition
	if doc.OverBudget() {
		budgetErr := &ErrBudgetExceeded{Budget: doc.Budget, Total: doc.TotalCostUSD}
		r.bus.Emit(ErrorOccurred{
			Meta: stamp(agent.ID), Kind: ErrorKind(budgetErr),
			Err: budgetErr.Error(), Retryable: false,
		})
		r.logger.Warn("budget exceeded, overriding transition to terminate agent",
			"agent", agent.ID, "total", doc.TotalCostUSD, "budget", doc.Budget,
			"overridden", string(t.Type))
		agent.Stack = nil
		t = Transition{Type: TransitionResult, Target: "budget exceeded"}
	}

	applyTransition(doc, agent, t, out.res.session, r.bus, r.logger)
	return r.persist(ctx, doc)
}

// handleStepError classifies a failed step. Usage limits pause the agent,
// exhausted timeouts pause, exhausted policy and resolution failures remove
// the agent, script and store failures abort the workflow.
func (r *Runner) handleStepError(ctx context.Context, doc *Workflow, live Agent, out stepOutcome) error {
	agent := live.Clone()
	if out.res.session != "" {
		agent.Session = out.res.session
	}
	kind := ErrorKind(out.err)

	var usage *ErrUsageLimit
	if errors.As(out.err, &usage) {
		r.bus.Emit(ErrorOccurred{Meta: stamp(agent.ID), Kind: kind, Err: out.err.Error(), Retryable: false})
		r.logger.Warn("usage limit reached, pausing agent", "agent", agent.ID, "detail", usage.Detail)
		agent.Paused = true
		doc.replaceAgent(agent)
		return r.persist(ctx, doc)
	}

	var script *ErrScriptFailed
	var stateFile *ErrStateFile
	if errors.As(out.err, &script) || errors.As(out.err, &stateFile) {
		r.bus.Emit(ErrorOccurred{Meta: stamp(agent.ID), Kind: kind, Err: out.err.Error(), Retryable: false})
		r.logger.Error("fatal step failure", "agent", agent.ID, "kind", kind, "err", out.err)
		doc.replaceAgent(agent)
		if perr := r.persist(ctx, doc); perr != nil {
			r.logger.Error("persist after fatal failure", "workflow", doc.ID, "err", perr)
		}
		return out.err
	}

	if Retryable(out.err) {
		agent.RetryCount++
		r.bus.Emit(ErrorOccurred{
			Meta: stamp(agent.ID), Kind: kind, Err: out.err.Error(),
			Retryable: true, Attempt: agent.RetryCount,
		})
		switch {
		case agent.RetryCount < r.maxRetries:
			r.logger.Warn("step failed, will retry",
				"agent", agent.ID, "kind", kind, "attempt", agent.RetryCount, "err", out.err)
			doc.replaceAgent(agent)
		case transientKind(out.err):
			// The environment, not the workflow, is misbehaving; park the
			// agent instead of discarding its work.
			r.logger.Warn("retries exhausted on transient failure, pausing agent",
				"agent", agent.ID, "kind", kind, "err", out.err)
			agent.Paused = true
			doc.replaceAgent(agent)
		default:
			r.logger.Error("retries exhausted, removing agent",
				"agent", agent.ID, "kind", kind, "err", out.err)
			doc.removeAgent(agent.ID)
			r.bus.Emit(AgentTerminated{Meta: stamp(agent.ID), Reason: "retries exhausted: " + kind})
		}
		return r.persist(ctx, doc)
	}

	r.bus.Emit(ErrorOccurred{Meta: stamp(agent.ID), Kind: kind, Err: out.err.Error(), Retryable: false})
	r.logger.Error("unclassified step failure", "agent", agent.ID, "kind", kind, "err", out.err)
	doc.replaceAgent(agent)
	if perr := r.persist(ctx, doc); perr != nil {
		r.logger.Error("persist after failure", "workflow", doc.ID, "err", perr)
	}
	return out.err
}

// transientKind reports whether a retryable error blames the environment
// rather than the workflow definition. These pause on exhaustion instead of
// removing the agent.
func transientKind(err error) bool {
	var timeout *ErrTimeout
	var subproc *ErrSubprocess
	return errors.As(err, &timeout) || errors.As(err, &subproc)
}

// persist writes the document atomically. Uses a cancellation-immune context
// so a drained, cancelled run can still save its final state.
func (r *Runner) persist(ctx context.Context, doc *Workflow) error {
	if err := r.store.Write(context.WithoutCancel(ctx), doc.ID, doc); err != nil {
		return &ErrStateFile{ID: doc.ID, Err: err}
	}
	return nil
}

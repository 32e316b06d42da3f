package raymond

import (
	"context"
	"fmt"
	"time"
)

// MaxReminderAttempts bounds the in-step reminder loop: the initial
// invocation plus reminder retries may total at most this many calls to the
// coding agent before the step fails with a policy violation.
const MaxReminderAttempts = 3

// runPromptState executes a prompt state: load and render the prompt, invoke
// the coding agent, and evaluate its output against the state's policy. A
// parse or policy anomaly re-invokes the agent with a reminder, resuming the
// same conversation, up to MaxReminderAttempts total invocations. Cost is
// accumulated across all attempts and reported even when the step fails.
func (r *Runner) runPromptState(ctx context.Context, doc *Workflow, a Agent, rs ResolvedState, step int) (stepResult, error) {
	src, err := LoadState(doc.ScopeDir, rs.Name)
	if err != nil {
		return stepResult{}, err
	}
	policy, body, err := ParseFrontmatter(src)
	if err != nil {
		return stepResult{}, err
	}

	vars := make(map[string]any, len(a.ForkAttrs)+1)
	for k, v := range a.ForkAttrs {
		vars[k] = v
	}
	if a.PendingResult != nil {
		vars["result"] = *a.PendingResult
	}
	prompt := Render(body, vars)

	title := StateTitle(body, rs.Name)
	r.bus.Emit(StateStarted{
		Meta: stamp(a.ID), State: rs.Name, Kind: KindPrompt,
		Session: a.Session, Title: title, Step: step,
	})

	model, effort := r.model, r.effort
	if policy != nil {
		if policy.Model != "" {
			model = policy.Model
		}
		if policy.Effort != "" {
			effort = policy.Effort
		}
	}

	session := a.Session
	start := time.Now()
	result := stepResult{session: session}
	reminder := ""
	var lastErr error

	for attempt := 1; attempt <= r.maxReminders; attempt++ {
		turn := prompt
		if reminder != "" {
			turn = reminder
		}
		r.bus.Emit(LLMInvocationStarted{
			Meta: stamp(a.ID), State: rs.Name, Session: result.session,
			Reminder: reminder != "", Attempt: attempt,
		})

		req := CoderRequest{
			Prompt:  turn,
			Session: result.session,
			Branch:  a.BranchNext && attempt == 1 && result.session != "",
			Model:   model,
			Effort:  effort,
			Dir:     a.WorkingDir(doc.ScopeDir),
			Env:     a.ForkAttrs,
		}
		res, runErr := r.invoke(ctx, a.ID, req)
		if res.SessionID != "" {
			result.session = res.SessionID
		}
		result.costDelta += res.CostUSD
		result.duration = time.Since(start)
		if runErr != nil {
			return result, runErr
		}

		t, evalErr := evaluateOutput(policy, res.Output, doc.ScopeDir, rs.Name)
		if evalErr == nil {
			result.transition = t
			r.bus.Emit(StateCompleted{
				Meta: stamp(a.ID), State: rs.Name, Kind: KindPrompt,
				Session: result.session, CostDelta: result.costDelta,
				TotalCost: doc.TotalCostUSD + result.costDelta,
				Duration:  result.duration, Transition: t.Type,
			})
			return result, nil
		}
		if policy == nil {
			// No declared option set to remind about; fail the step and let
			// the scheduler's retry counter decide.
			return result, evalErr
		}
		lastErr = evalErr
		reminder = policy.Reminder()
		r.bus.Emit(ErrorOccurred{
			Meta: stamp(a.ID), Kind: ErrorKind(evalErr), Err: evalErr.Error(),
			Retryable: true, Attempt: attempt,
		})
		r.logger.Warn("state output rejected, sending reminder",
			"agent", a.ID, "state", rs.Name, "attempt", attempt, "err", evalErr)
	}

	return result, &ErrPolicyViolation{
		State:    rs.Name,
		Attempts: r.maxReminders,
		Reason:   lastErr.Error(),
	}
}

// invoke runs one coding-agent turn, forwarding stream messages to the bus
// while the subprocess is live.
func (r *Runner) invoke(ctx context.Context, agentID string, req CoderRequest) (CoderResult, error) {
	ch := make(chan StreamChunk, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for c := range ch {
			// A single stream line may fan out into several typed chunks;
			// only the first carries the raw line.
			if len(c.Raw) > 0 {
				r.bus.Emit(LLMStreamChunk{Meta: stamp(agentID), Raw: c.Raw})
			}
			switch c.Kind {
			case "assistant":
				if c.Text != "" {
					r.bus.Emit(ProgressMessage{Meta: stamp(agentID), Text: c.Text})
				}
			case "tool_use":
				r.bus.Emit(ToolInvocation{Meta: stamp(agentID), Tool: c.Tool, Input: c.ToolInput})
			case "tool_result":
				if c.IsError {
					r.bus.Emit(ToolError{Meta: stamp(agentID), Detail: c.Text})
				}
			}
		}
	}()
	res, err := r.coder.Run(ctx, req, ch)
	<-done
	return res, err
}

// evaluateOutput parses the agent's final output, checks it against the
// policy, and resolves the chosen transition's targets. Any returned error is
// grounds for a reminder retry when the state declared a policy.
func evaluateOutput(policy *Policy, output, scope, state string) (Transition, error) {
	parsed, err := ParseTransitions(output)
	if err != nil {
		return Transition{}, err
	}
	t, decision := policy.Decide(parsed)
	switch decision {
	case DecisionAmbiguous:
		return Transition{}, &ErrPolicyViolation{
			State:  state,
			Reason: fmt.Sprintf("%d transitions emitted, expected exactly one", len(parsed)),
		}
	case DecisionViolation:
		return Transition{}, &ErrPolicyViolation{
			State:  state,
			Reason: violationReason(parsed),
		}
	}

	if t.Type != TransitionResult {
		if _, err := ResolveState(scope, t.Target); err != nil {
			return Transition{}, err
		}
	}
	if t.Type == TransitionFork {
		if _, err := ResolveState(scope, t.Next); err != nil {
			return Transition{}, err
		}
	}
	return t, nil
}

func violationReason(parsed []Transition) string {
	if len(parsed) == 0 {
		return "no transition emitted and no implicit transition applies"
	}
	return fmt.Sprintf("emitted %s is not permitted by allowed_transitions", parsed[0].Serialize())
}

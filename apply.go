package raymond

import "log/slog"

// applyOutcome reports what committing a transition did to the document.
type applyOutcome struct {
	// agent is the post-transition value of the acting agent. Meaningless
	// when terminated is true.
	agent Agent
	// spawned is the new worker when the transition was a fork.
	spawned *Agent
	// terminated is true when a result landed on an empty stack.
	terminated bool
}

// applyTransition commits a validated, resolved transition to the workflow
// document: it mutates the acting agent's copy, updates the live agent set
// and fork counters, and emits TransitionOccurred plus any AgentSpawned /
// AgentTerminated events. newSession is the conversation id produced by the
// step ("" keeps the agent's previous session).
func applyTransition(doc *Workflow, a Agent, t Transition, newSession string, bus *Bus, logger *slog.Logger) applyOutcome {
	if newSession != "" {
		a.Session = newSession
	}
	from := a.State

	ev := TransitionOccurred{Meta: stamp(a.ID), Type: t.Type, From: from}

	switch t.Type {
	case TransitionGoto:
		a.State = t.Target

	case TransitionReset:
		if len(a.Stack) > 0 {
			logger.Warn("reset with non-empty return stack, clearing",
				"agent", a.ID, "depth", len(a.Stack))
		}
		a.State = t.Target
		a.Stack = nil
		a.Session = ""
		if t.Dir != "" {
			a.Dir = t.Dir
		}

	case TransitionCall, TransitionFunction:
		a.Stack = append(a.Stack, Frame{Session: a.Session, State: t.Return, Dir: a.Dir})
		a.State = t.Target
		if t.Type == TransitionFunction {
			a.Session = ""
		} else if a.Session != "" {
			// The callee shares the caller's context but must not advance the
			// caller's conversation, so its first invocation branches.
			a.BranchNext = true
		}

	case TransitionFork:
		child := Agent{
			ID:    doc.nextChildID(a.ID, t.Target),
			State: t.Target,
			Dir:   a.Dir,
		}
		if t.Dir != "" {
			child.Dir = t.Dir
		}
		if len(t.Attrs) > 0 {
			child.ForkAttrs = make(map[string]string, len(t.Attrs))
			for k, v := range t.Attrs {
				child.ForkAttrs[k] = v
			}
		}
		a.State = t.Next
		doc.replaceAgent(a)
		doc.Agents = append(doc.Agents, child)
		ev.To = t.Next
		ev.SpawnedID = child.ID
		bus.Emit(AgentSpawned{Meta: stamp(a.ID), Parent: a.ID, Child: child.ID, InitialState: child.State})
		bus.Emit(ev)
		return applyOutcome{agent: a, spawned: &child}

	case TransitionResult:
		ev.Payload = t.Target
		if len(a.Stack) == 0 {
			doc.removeAgent(a.ID)
			bus.Emit(ev)
			bus.Emit(AgentTerminated{Meta: stamp(a.ID), Reason: "result"})
			return applyOutcome{terminated: true}
		}
		frame := a.Stack[len(a.Stack)-1]
		a.Stack = a.Stack[: len(a.Stack)-1 : len(a.Stack)-1]
		a.State = frame.State
		a.Session = frame.Session
		a.Dir = frame.Dir
		a.BranchNext = false
		payload := t.Target
		a.PendingResult = &payload
	}

	doc.replaceAgent(a)
	ev.To = a.State
	bus.Emit(ev)
	return applyOutcome{agent: a}
}

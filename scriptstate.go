package raymond

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// scriptKillGrace is how long a timed-out script gets between cancellation
// and a hard kill.
const scriptKillGrace = 5 * time.Second

// Environment variable names exported to script states.
const (
	envWorkflowID = "RAYMOND_WORKFLOW_ID"
	envAgentID    = "RAYMOND_AGENT_ID"
	envResult     = "RAYMOND_RESULT"
)

// runScriptState executes a script state to completion: spawn the interpreter
// with the workflow environment, capture output, and parse exactly one
// transition from stdout. Script states have no reminder loop; any failure is
// fatal for the agent's step.
func (r *Runner) runScriptState(ctx context.Context, doc *Workflow, a Agent, rs ResolvedState, step int) (stepResult, error) {
	r.bus.Emit(StateStarted{
		Meta: stamp(a.ID), State: rs.Name, Kind: KindScript,
		Session: a.Session, Title: rs.Name, Step: step,
	})

	interp, args := scriptCommand(rs.Path)

	env := os.Environ()
	env = append(env,
		envWorkflowID+"="+doc.ID,
		envAgentID+"="+a.ID,
	)
	if a.PendingResult != nil {
		env = append(env, envResult+"="+*a.PendingResult)
	}
	// Fork attributes are exported under their literal names, sorted so the
	// recorded environment is deterministic.
	for _, k := range sortedKeys(a.ForkAttrs) {
		env = append(env, k+"="+a.ForkAttrs[k])
	}

	// Supervisory cancellation never kills an in-flight script; it finishes
	// and is merged like any other step. Only the script timeout kills.
	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if r.scriptTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, r.scriptTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, interp, args...)
	cmd.Dir = a.WorkingDir(doc.ScopeDir)
	cmd.Env = env
	cmd.WaitDelay = scriptKillGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running script state", "agent", a.ID, "state", rs.Name, "path", rs.Path)
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	r.bus.Emit(ScriptOutput{
		Meta:     stamp(a.ID),
		State:    rs.Name,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: elapsed,
		Env:      scriptEnvSummary(a),
	})

	if runCtx.Err() != nil {
		return stepResult{}, &ErrScriptFailed{
			State:    rs.Name,
			ExitCode: exitCode,
			Reason:   fmt.Sprintf("timed out after %s", elapsed.Round(time.Millisecond)),
		}
	}
	if runErr != nil {
		return stepResult{}, &ErrScriptFailed{
			State:    rs.Name,
			ExitCode: exitCode,
			Reason:   fmt.Sprintf("%v: %s", runErr, firstLine(stderr.String())),
		}
	}

	parsed, err := ParseTransitions(stdout.String())
	if err != nil {
		return stepResult{}, &ErrScriptFailed{State: rs.Name, ExitCode: exitCode, Reason: err.Error()}
	}
	if len(parsed) != 1 {
		return stepResult{}, &ErrScriptFailed{
			State:    rs.Name,
			ExitCode: exitCode,
			Reason:   fmt.Sprintf("expected exactly one transition in stdout, got %d", len(parsed)),
		}
	}
	t := parsed[0]
	// Targets must resolve now; scripts have no reminder loop, so an
	// unresolvable transition is as fatal as a non-zero exit.
	if t.Type != TransitionResult {
		if _, err := ResolveState(doc.ScopeDir, t.Target); err != nil {
			return stepResult{}, &ErrScriptFailed{State: rs.Name, ExitCode: exitCode, Reason: err.Error()}
		}
	}
	if t.Type == TransitionFork {
		if _, err := ResolveState(doc.ScopeDir, t.Next); err != nil {
			return stepResult{}, &ErrScriptFailed{State: rs.Name, ExitCode: exitCode, Reason: err.Error()}
		}
	}
	r.bus.Emit(StateCompleted{
		Meta: stamp(a.ID), State: rs.Name, Kind: KindScript,
		Session: a.Session, TotalCost: doc.TotalCostUSD,
		Duration: elapsed, Transition: t.Type,
	})
	return stepResult{session: a.Session, transition: t, duration: elapsed}, nil
}

// scriptCommand picks the interpreter for the resolved script path. Scripts
// are never executed directly; the interpreter is always explicit so the
// file needs no execute bit.
func scriptCommand(path string) (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd.exe", []string{"/C", path}
	}
	return "bash", []string{path}
}

// scriptEnvSummary lists the workflow-specific variable names passed to the
// script, for observer output. Values are omitted to keep result payloads out
// of transcripts.
func scriptEnvSummary(a Agent) []string {
	names := []string{envWorkflowID, envAgentID}
	if a.PendingResult != nil {
		names = append(names, envResult)
	}
	names = append(names, sortedKeys(a.ForkAttrs)...)
	return names
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 200
	if len(s) > max {
		s = s[:max]
	}
	return s
}

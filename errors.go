package raymond

import (
	"errors"
	"fmt"
)

// Error kinds are small exported structs so the scheduler can classify them
// with errors.As. Retry, pause, and abort decisions are driven entirely by
// kind; see Retryable.

// ErrTransitionParse reports malformed or miscounted transition tags in a
// state's output.
type ErrTransitionParse struct {
	Reason string
	Count  int
}

func (e *ErrTransitionParse) Error() string {
	return fmt.Sprintf("transition parse: %s", e.Reason)
}

// ErrTargetUnsafe reports a transition target that tries to escape the scope
// directory (path separator or parent reference).
type ErrTargetUnsafe struct {
	Target string
}

func (e *ErrTargetUnsafe) Error() string {
	return fmt.Sprintf("unsafe transition target %q", e.Target)
}

// ErrResolution reports a state name that could not be mapped to exactly one
// file in the scope directory.
type ErrResolution struct {
	Name   string
	Reason string // "not found", "ambiguous", or a platform mismatch
}

func (e *ErrResolution) Error() string {
	return fmt.Sprintf("resolve %q: %s", e.Name, e.Reason)
}

// ErrPolicyViolation reports an emission the state's allowed_transitions
// policy does not permit, after any reminder attempts were exhausted.
type ErrPolicyViolation struct {
	State    string
	Attempts int
	Reason   string
}

func (e *ErrPolicyViolation) Error() string {
	return fmt.Sprintf("policy violation in %s after %d attempts: %s", e.State, e.Attempts, e.Reason)
}

// ErrPromptFile reports a state file that is missing, unreadable, or not
// valid UTF-8.
type ErrPromptFile struct {
	Name   string
	Reason string
}

func (e *ErrPromptFile) Error() string {
	return fmt.Sprintf("state file %s: %s", e.Name, e.Reason)
}

// ErrSubprocess reports a failure to spawn or communicate with a child
// process.
type ErrSubprocess struct {
	Cmd string
	Err error
}

func (e *ErrSubprocess) Error() string {
	return fmt.Sprintf("subprocess %s: %v", e.Cmd, e.Err)
}

func (e *ErrSubprocess) Unwrap() error { return e.Err }

// ErrTimeout reports that the external coding agent exceeded its wall-clock
// or idle-output limit and was killed.
type ErrTimeout struct {
	Kind string // "wall-clock" or "idle"
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("coding agent %s timeout", e.Kind)
}

// ErrUsageLimit reports a usage-limit diagnostic surfaced by the external
// coding agent. Non-retryable; the scheduler pauses the affected agent.
type ErrUsageLimit struct {
	Detail string
}

func (e *ErrUsageLimit) Error() string {
	return fmt.Sprintf("coding agent usage limit: %s", e.Detail)
}

// ErrScriptFailed reports a script state that exited non-zero, timed out, or
// produced anything other than exactly one resolvable transition. Scripts are
// deterministic, so this is always fatal.
type ErrScriptFailed struct {
	State    string
	ExitCode int
	Reason   string
}

func (e *ErrScriptFailed) Error() string {
	return fmt.Sprintf("script %s failed (exit %d): %s", e.State, e.ExitCode, e.Reason)
}

// ErrBudgetExceeded is emitted for observability when accumulated cost
// crosses the workflow budget. It is not propagated as a step failure; the
// scheduler converts it into an agent-terminating result.
type ErrBudgetExceeded struct {
	Budget float64
	Total  float64
}

func (e *ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("budget exceeded: %.4f > %.4f", e.Total, e.Budget)
}

// ErrStateFile reports a corrupt or unwritable persistent workflow document.
// Fatal to the workflow.
type ErrStateFile struct {
	ID  string
	Err error
}

func (e *ErrStateFile) Error() string {
	return fmt.Sprintf("workflow document %s: %v", e.ID, e.Err)
}

func (e *ErrStateFile) Unwrap() error { return e.Err }

// ErrNotFound is returned by Store.Read when no document exists for the id.
var ErrNotFound = errors.New("workflow not found")

// Retryable reports whether the scheduler may retry a step that failed with
// err. Usage limits pause the agent, script and store failures abort, and
// everything classified here as true goes through the bounded retry counter.
func Retryable(err error) bool {
	var (
		timeout   *ErrTimeout
		policy    *ErrPolicyViolation
		parse     *ErrTransitionParse
		unsafe    *ErrTargetUnsafe
		resolve   *ErrResolution
		subproc   *ErrSubprocess
		promptErr *ErrPromptFile
	)
	switch {
	case errors.As(err, &timeout),
		errors.As(err, &policy),
		errors.As(err, &parse),
		errors.As(err, &unsafe),
		errors.As(err, &resolve),
		errors.As(err, &subproc),
		errors.As(err, &promptErr):
		return true
	}
	return false
}

// ErrorKind returns a short stable name for err's classification, used in
// ErrorOccurred events and log lines.
func ErrorKind(err error) string {
	var (
		parse   *ErrTransitionParse
		unsafe  *ErrTargetUnsafe
		resolve *ErrResolution
		policy  *ErrPolicyViolation
		prompt  *ErrPromptFile
		subproc *ErrSubprocess
		timeout *ErrTimeout
		usage   *ErrUsageLimit
		script  *ErrScriptFailed
		budget  *ErrBudgetExceeded
		state   *ErrStateFile
	)
	switch {
	case errors.As(err, &parse):
		return "TransitionParseError"
	case errors.As(err, &unsafe):
		return "TransitionTargetUnsafe"
	case errors.As(err, &resolve):
		return "ResolutionError"
	case errors.As(err, &policy):
		return "PolicyViolation"
	case errors.As(err, &prompt):
		return "PromptFileError"
	case errors.As(err, &subproc):
		return "SubprocessError"
	case errors.As(err, &timeout):
		return "Timeout"
	case errors.As(err, &usage):
		return "UsageLimit"
	case errors.As(err, &script):
		return "ScriptFailed"
	case errors.As(err, &budget):
		return "BudgetExceeded"
	case errors.As(err, &state):
		return "StateFileError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	}
	return "Unknown"
}

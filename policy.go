package raymond

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// PolicyRule is one entry of a state's allowed_transitions list. Empty
// fields are wildcards: {tag: goto} permits a goto to any target, while
// {tag: goto, target: NEXT.md} permits only that one.
type PolicyRule struct {
	Tag    TransitionType `yaml:"tag"`
	Target string         `yaml:"target,omitempty"`
	Return string         `yaml:"return,omitempty"`
	Next   string         `yaml:"next,omitempty"`
}

// Policy is the interpreted frontmatter of a prompt state. A nil *Policy
// means the state declared no frontmatter: any parse anomaly is then fatal
// for the step, because there is no declared option set to remind the model
// about.
type Policy struct {
	Allowed []PolicyRule `yaml:"allowed_transitions"`
	// Model and Effort are opaque strings passed through to the external
	// coding agent; the orchestrator never interprets them.
	Model  string `yaml:"model,omitempty"`
	Effort string `yaml:"effort,omitempty"`
}

// frontmatterDelim fences the optional YAML block at the top of a state file.
const frontmatterDelim = "---"

// ParseFrontmatter splits a state file into its optional frontmatter policy
// and the prompt body. A file without a leading --- fence has no policy.
func ParseFrontmatter(src string) (*Policy, string, error) {
	normalized := strings.ReplaceAll(src, "\r\n", "\n")
	if !strings.HasPrefix(normalized, frontmatterDelim+"\n") {
		return nil, src, nil
	}
	rest := normalized[len(frontmatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontmatterDelim)
	if end < 0 {
		return nil, "", &ErrTransitionParse{Reason: "unterminated frontmatter block"}
	}
	block := rest[:end]
	body := rest[end+len(frontmatterDelim)+1:]
	body = strings.TrimPrefix(body, "\n")

	var p Policy
	if err := yaml.Unmarshal([]byte(block), &p); err != nil {
		return nil, "", &ErrTransitionParse{Reason: fmt.Sprintf("frontmatter: %v", err)}
	}
	for _, rule := range p.Allowed {
		if !validTag(rule.Tag) {
			return nil, "", &ErrTransitionParse{Reason: fmt.Sprintf("frontmatter: unknown transition tag %q", rule.Tag)}
		}
	}
	return &p, body, nil
}

func validTag(tag TransitionType) bool {
	for _, t := range transitionTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Decision classifies a state's emission against its policy.
type Decision int

const (
	// DecisionValid: exactly one transition was emitted and it matches a
	// policy entry (or the state has no policy at all).
	DecisionValid Decision = iota
	// DecisionImplicit: zero transitions were emitted but the policy lists
	// exactly one fully-specified non-result entry, which is used instead.
	DecisionImplicit
	// DecisionViolation: the emission does not match any entry, or nothing
	// was emitted and no implicit entry applies. Retryable via reminder.
	DecisionViolation
	// DecisionAmbiguous: two or more transitions were emitted. Retryable.
	DecisionAmbiguous
)

// Decide evaluates parsed transitions against the policy. On DecisionValid
// or DecisionImplicit the returned transition is the one to apply.
// A nil policy accepts any single transition and rejects everything else.
func (p *Policy) Decide(parsed []Transition) (Transition, Decision) {
	if len(parsed) > 1 {
		return Transition{}, DecisionAmbiguous
	}

	if p == nil || len(p.Allowed) == 0 {
		if len(parsed) == 1 {
			return parsed[0], DecisionValid
		}
		return Transition{}, DecisionViolation
	}

	if len(parsed) == 0 {
		if t, ok := p.implicit(); ok {
			return t, DecisionImplicit
		}
		return Transition{}, DecisionViolation
	}

	t := parsed[0]
	for _, rule := range p.Allowed {
		if rule.matches(t) {
			return t, DecisionValid
		}
	}
	return Transition{}, DecisionViolation
}

// matches reports whether t satisfies the rule. Empty rule fields match
// anything; result payloads are never constrained by target.
func (r PolicyRule) matches(t Transition) bool {
	if r.Tag != t.Type {
		return false
	}
	if t.Type == TransitionResult {
		return true
	}
	if r.Target != "" && r.Target != t.Target {
		return false
	}
	if r.Return != "" && r.Return != t.Return {
		return false
	}
	if r.Next != "" && r.Next != t.Next {
		return false
	}
	return true
}

// implicit returns the single permitted transition when the policy lists
// exactly one entry, it is not a result, and its target and required
// attributes are fully specified. A policy offering a choice, even between
// one state and a result, forces the model to pick explicitly.
func (p *Policy) implicit() (Transition, bool) {
	if len(p.Allowed) != 1 {
		return Transition{}, false
	}
	candidate := &p.Allowed[0]
	if candidate.Tag == TransitionResult || candidate.Target == "" {
		return Transition{}, false
	}
	t := Transition{Type: candidate.Tag, Target: candidate.Target}
	switch candidate.Tag {
	case TransitionCall, TransitionFunction:
		if candidate.Return == "" {
			return Transition{}, false
		}
		t.Return = candidate.Return
	case TransitionFork:
		if candidate.Next == "" {
			return Transition{}, false
		}
		t.Next = candidate.Next
	}
	return t, true
}

// Reminder builds the retry prompt sent back to the model after a policy
// violation, listing every permitted emission in tag form.
func (p *Policy) Reminder() string {
	var b strings.Builder
	b.WriteString("Your previous reply did not end with exactly one permitted transition tag.\n")
	b.WriteString("Finish your work and reply again, ending with exactly one of:\n")
	for _, rule := range p.Allowed {
		b.WriteString("  ")
		b.WriteString(rule.example())
		b.WriteByte('\n')
	}
	return b.String()
}

// example renders a rule as the tag the model should emit, with placeholders
// for unconstrained parts.
func (r PolicyRule) example() string {
	t := Transition{Type: r.Tag, Target: r.Target, Return: r.Return, Next: r.Next}
	if t.Target == "" {
		if r.Tag == TransitionResult {
			t.Target = "your result text"
		} else {
			t.Target = "STATE_FILE"
		}
	}
	if (r.Tag == TransitionCall || r.Tag == TransitionFunction) && t.Return == "" {
		t.Return = "RETURN_STATE"
	}
	if r.Tag == TransitionFork && t.Next == "" {
		t.Next = "NEXT_STATE"
	}
	return t.Serialize()
}

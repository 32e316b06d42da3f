package raymond

import (
	"strings"
	"testing"
)

const policySrc = `---
allowed_transitions:
  - tag: goto
    target: NEXT.md
  - tag: result
model: sonnet
effort: high
---
# Do the work

Body text here.
`

func TestParseFrontmatter(t *testing.T) {
	p, body, err := ParseFrontmatter(policySrc)
	if err != nil {
		t.Fatalf("ParseFrontmatter: %v", err)
	}
	if p == nil {
		t.Fatal("policy is nil")
	}
	if len(p.Allowed) != 2 || p.Allowed[0].Tag != TransitionGoto || p.Allowed[0].Target != "NEXT.md" {
		t.Errorf("allowed = %+v", p.Allowed)
	}
	if p.Model != "sonnet" || p.Effort != "high" {
		t.Errorf("model/effort = %q/%q", p.Model, p.Effort)
	}
	if !strings.HasPrefix(body, "# Do the work") {
		t.Errorf("body = %q", body)
	}
}

func TestParseFrontmatterAbsent(t *testing.T) {
	p, body, err := ParseFrontmatter("just a prompt, no fence")
	if err != nil || p != nil {
		t.Fatalf("got policy %v, err %v", p, err)
	}
	if body != "just a prompt, no fence" {
		t.Errorf("body = %q", body)
	}
}

func TestParseFrontmatterUnterminated(t *testing.T) {
	if _, _, err := ParseFrontmatter("---\nallowed_transitions: []\nno closing fence"); err == nil {
		t.Fatal("want error for unterminated frontmatter")
	}
}

func TestParseFrontmatterUnknownTag(t *testing.T) {
	src := "---\nallowed_transitions:\n  - tag: teleport\n---\nbody"
	if _, _, err := ParseFrontmatter(src); err == nil {
		t.Fatal("want error for unknown tag")
	}
}

func TestParseFrontmatterCRLF(t *testing.T) {
	src := "---\r\nallowed_transitions:\r\n  - tag: result\r\n---\r\nbody"
	p, _, err := ParseFrontmatter(src)
	if err != nil || p == nil || len(p.Allowed) != 1 {
		t.Fatalf("policy = %+v, err = %v", p, err)
	}
}

func TestDecideValid(t *testing.T) {
	p := &Policy{Allowed: []PolicyRule{{Tag: TransitionGoto, Target: "NEXT.md"}, {Tag: TransitionResult}}}

	tr, d := p.Decide([]Transition{{Type: TransitionGoto, Target: "NEXT.md"}})
	if d != DecisionValid || tr.Target != "NEXT.md" {
		t.Errorf("decision = %v, transition = %+v", d, tr)
	}

	// result is never target-constrained
	tr, d = p.Decide([]Transition{{Type: TransitionResult, Target: "any payload"}})
	if d != DecisionValid || tr.Target != "any payload" {
		t.Errorf("decision = %v, transition = %+v", d, tr)
	}
}

func TestDecideWildcard(t *testing.T) {
	p := &Policy{Allowed: []PolicyRule{{Tag: TransitionGoto}}}
	_, d := p.Decide([]Transition{{Type: TransitionGoto, Target: "ANYWHERE.md"}})
	if d != DecisionValid {
		t.Errorf("decision = %v, want valid for wildcard target", d)
	}
}

func TestDecideViolation(t *testing.T) {
	p := &Policy{Allowed: []PolicyRule{{Tag: TransitionGoto, Target: "NEXT.md"}}}
	_, d := p.Decide([]Transition{{Type: TransitionGoto, Target: "OTHER.md"}})
	if d != DecisionViolation {
		t.Errorf("decision = %v, want violation", d)
	}
	_, d = p.Decide([]Transition{{Type: TransitionResult, Target: "x"}})
	if d != DecisionViolation {
		t.Errorf("decision = %v, want violation for undeclared tag", d)
	}
}

func TestDecideAmbiguous(t *testing.T) {
	p := &Policy{Allowed: []PolicyRule{{Tag: TransitionGoto}}}
	_, d := p.Decide([]Transition{
		{Type: TransitionGoto, Target: "A.md"},
		{Type: TransitionGoto, Target: "B.md"},
	})
	if d != DecisionAmbiguous {
		t.Errorf("decision = %v, want ambiguous", d)
	}
}

func TestDecideImplicit(t *testing.T) {
	p := &Policy{Allowed: []PolicyRule{{Tag: TransitionGoto, Target: "NEXT.md"}}}
	tr, d := p.Decide(nil)
	if d != DecisionImplicit || tr.Type != TransitionGoto || tr.Target != "NEXT.md" {
		t.Errorf("decision = %v, transition = %+v", d, tr)
	}

	// A choice, even against a bare result, forces an explicit emission.
	p2 := &Policy{Allowed: []PolicyRule{
		{Tag: TransitionGoto, Target: "NEXT.md"},
		{Tag: TransitionResult},
	}}
	if _, d := p2.Decide(nil); d != DecisionViolation {
		t.Errorf("decision = %v, want violation", d)
	}

	// Wildcard target: not fully specified, nothing implicit.
	p3 := &Policy{Allowed: []PolicyRule{{Tag: TransitionGoto}}}
	if _, d := p3.Decide(nil); d != DecisionViolation {
		t.Errorf("decision = %v, want violation", d)
	}

	// call needs its return attribute pinned too.
	p4 := &Policy{Allowed: []PolicyRule{{Tag: TransitionCall, Target: "C.md"}}}
	if _, d := p4.Decide(nil); d != DecisionViolation {
		t.Errorf("decision = %v, want violation", d)
	}
	p5 := &Policy{Allowed: []PolicyRule{{Tag: TransitionCall, Target: "C.md", Return: "R.md"}}}
	tr, d = p5.Decide(nil)
	if d != DecisionImplicit || tr.Return != "R.md" {
		t.Errorf("decision = %v, transition = %+v", d, tr)
	}
}

func TestDecideNilPolicy(t *testing.T) {
	var p *Policy
	tr, d := p.Decide([]Transition{{Type: TransitionGoto, Target: "A.md"}})
	if d != DecisionValid || tr.Target != "A.md" {
		t.Errorf("decision = %v for nil policy single transition", d)
	}
	if _, d := p.Decide(nil); d != DecisionViolation {
		t.Errorf("decision = %v, want violation for nil policy zero transitions", d)
	}
}

func TestReminderListsOptions(t *testing.T) {
	p := &Policy{Allowed: []PolicyRule{
		{Tag: TransitionGoto, Target: "NEXT.md"},
		{Tag: TransitionResult},
	}}
	reminder := p.Reminder()
	if !strings.Contains(reminder, "<goto>NEXT.md</goto>") {
		t.Errorf("reminder missing goto example:\n%s", reminder)
	}
	if !strings.Contains(reminder, "<result>") {
		t.Errorf("reminder missing result example:\n%s", reminder)
	}
}

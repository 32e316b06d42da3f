package raymond

import (
	"testing"
)

func applyFixture(t *testing.T) (*Workflow, *Bus, *[]Event) {
	t.Helper()
	doc, err := NewWorkflow("w", "/tmp/scope", "A.md", 0)
	if err != nil {
		t.Fatal(err)
	}
	bus := NewBus(nil)
	var events []Event
	Subscribe(bus, func(e TransitionOccurred) { events = append(events, e) })
	Subscribe(bus, func(e AgentSpawned) { events = append(events, e) })
	Subscribe(bus, func(e AgentTerminated) { events = append(events, e) })
	return doc, bus, &events
}

func TestApplyGoto(t *testing.T) {
	doc, bus, _ := applyFixture(t)
	a := *doc.AgentByID("main")

	out := applyTransition(doc, a, Transition{Type: TransitionGoto, Target: "B.md"}, "sess-1", bus, nopLogger)
	if out.terminated || out.spawned != nil {
		t.Fatalf("outcome = %+v", out)
	}
	got := doc.AgentByID("main")
	if got.State != "B.md" || got.Session != "sess-1" {
		t.Errorf("agent = %+v", got)
	}
}

func TestApplyResetClearsStackAndSession(t *testing.T) {
	doc, bus, _ := applyFixture(t)
	a := *doc.AgentByID("main")
	a.Session = "old"
	a.Stack = []Frame{{State: "X.md", Session: "s"}}

	applyTransition(doc, a, Transition{Type: TransitionReset, Target: "TOP.md", Dir: "/tmp/other"}, "ignored", bus, nopLogger)
	got := doc.AgentByID("main")
	if got.State != "TOP.md" || got.Session != "" || len(got.Stack) != 0 || got.Dir != "/tmp/other" {
		t.Errorf("agent = %+v", got)
	}
}

func TestApplyCallPushesFrame(t *testing.T) {
	doc, bus, _ := applyFixture(t)
	a := *doc.AgentByID("main")
	a.Session = "caller-sess"
	a.Dir = "/tmp/caller"

	applyTransition(doc, a, Transition{Type: TransitionCall, Target: "CHILD.md", Return: "BACK.md"}, "", bus, nopLogger)
	got := doc.AgentByID("main")
	if got.State != "CHILD.md" {
		t.Errorf("state = %q", got.State)
	}
	if len(got.Stack) != 1 || got.Stack[0].State != "BACK.md" || got.Stack[0].Session != "caller-sess" || got.Stack[0].Dir != "/tmp/caller" {
		t.Errorf("stack = %+v", got.Stack)
	}
	// call keeps the session but branches the next invocation
	if got.Session != "caller-sess" || !got.BranchNext {
		t.Errorf("session = %q, branchNext = %v", got.Session, got.BranchNext)
	}
}

func TestApplyFunctionClearsSession(t *testing.T) {
	doc, bus, _ := applyFixture(t)
	a := *doc.AgentByID("main")
	a.Session = "caller-sess"

	applyTransition(doc, a, Transition{Type: TransitionFunction, Target: "F.md", Return: "BACK.md"}, "", bus, nopLogger)
	got := doc.AgentByID("main")
	if got.Session != "" || got.BranchNext {
		t.Errorf("function callee should start fresh: %+v", got)
	}
	if len(got.Stack) != 1 || got.Stack[0].Session != "caller-sess" {
		t.Errorf("stack = %+v", got.Stack)
	}
}

func TestApplyForkSpawnsWorker(t *testing.T) {
	doc, bus, events := applyFixture(t)
	a := *doc.AgentByID("main")
	a.Session = "parent-sess"

	out := applyTransition(doc, a, Transition{
		Type: TransitionFork, Target: "WORKER.md", Next: "LOOP.md",
		Attrs: map[string]string{"item": "alpha"},
	}, "", bus, nopLogger)

	if out.spawned == nil {
		t.Fatal("no spawned agent")
	}
	child := doc.AgentByID(out.spawned.ID)
	if child == nil {
		t.Fatal("spawned agent not in live set")
	}
	if child.State != "WORKER.md" || child.Session != "" || len(child.Stack) != 0 {
		t.Errorf("child = %+v", child)
	}
	if child.ForkAttrs["item"] != "alpha" {
		t.Errorf("fork attrs = %v", child.ForkAttrs)
	}
	if parent := doc.AgentByID("main"); parent.State != "LOOP.md" || parent.Session != "parent-sess" {
		t.Errorf("parent = %+v", parent)
	}

	var sawSpawn bool
	for _, e := range *events {
		if s, ok := e.(AgentSpawned); ok {
			sawSpawn = true
			if s.Parent != "main" || s.Child != child.ID || s.InitialState != "WORKER.md" {
				t.Errorf("AgentSpawned = %+v", s)
			}
		}
	}
	if !sawSpawn {
		t.Error("no AgentSpawned event")
	}
}

func TestApplyResultPopsFrame(t *testing.T) {
	doc, bus, _ := applyFixture(t)
	a := *doc.AgentByID("main")
	a.Session = "callee-sess"
	a.Dir = "/tmp/callee"
	a.Stack = []Frame{{State: "BACK.md", Session: "caller-sess", Dir: "/tmp/caller"}}

	out := applyTransition(doc, a, Transition{Type: TransitionResult, Target: "42"}, "", bus, nopLogger)
	if out.terminated {
		t.Fatal("result with non-empty stack must not terminate")
	}
	got := doc.AgentByID("main")
	if got.State != "BACK.md" || got.Session != "caller-sess" || got.Dir != "/tmp/caller" {
		t.Errorf("agent = %+v", got)
	}
	if got.PendingResult == nil || *got.PendingResult != "42" {
		t.Errorf("pendingResult = %v", got.PendingResult)
	}
	if len(got.Stack) != 0 {
		t.Errorf("stack depth = %d", len(got.Stack))
	}
}

func TestApplyResultEmptyStackTerminates(t *testing.T) {
	doc, bus, events := applyFixture(t)
	a := *doc.AgentByID("main")

	out := applyTransition(doc, a, Transition{Type: TransitionResult, Target: "done"}, "", bus, nopLogger)
	if !out.terminated {
		t.Fatal("expected termination")
	}
	if len(doc.Agents) != 0 {
		t.Errorf("live agents = %+v", doc.Agents)
	}

	var sawResult, sawTerminated bool
	for _, e := range *events {
		switch ev := e.(type) {
		case TransitionOccurred:
			if ev.Type == TransitionResult && ev.Payload == "done" {
				sawResult = true
			}
		case AgentTerminated:
			sawTerminated = true
		}
	}
	if !sawResult || !sawTerminated {
		t.Errorf("sawResult=%v sawTerminated=%v", sawResult, sawTerminated)
	}
}

// Stack depth equals pushes minus pops across any transition sequence.
func TestApplyStackDiscipline(t *testing.T) {
	doc, bus, _ := applyFixture(t)

	steps := []Transition{
		{Type: TransitionCall, Target: "C1.md", Return: "R1.md"},
		{Type: TransitionCall, Target: "C2.md", Return: "R2.md"},
		{Type: TransitionGoto, Target: "C2b.md"},
		{Type: TransitionResult, Target: "x"},
		{Type: TransitionFunction, Target: "F.md", Return: "R3.md"},
		{Type: TransitionResult, Target: "y"},
		{Type: TransitionResult, Target: "z"},
	}
	wantDepth := []int{1, 2, 2, 1, 2, 1, 0}
	for i, tr := range steps {
		a := *doc.AgentByID("main")
		applyTransition(doc, a, tr, "", bus, nopLogger)
		got := doc.AgentByID("main")
		if got == nil {
			t.Fatalf("step %d: agent gone", i)
		}
		if len(got.Stack) != wantDepth[i] {
			t.Errorf("step %d: depth = %d, want %d", i, len(got.Stack), wantDepth[i])
		}
	}
}

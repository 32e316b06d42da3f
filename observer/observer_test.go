package observer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/raymondhq/raymond"
)

func meta(agentID string) raymond.Meta {
	return raymond.Meta{AgentID: agentID, Time: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestDebugWritesStepChunks(t *testing.T) {
	dir := t.TempDir()
	bus := raymond.NewBus(nil)
	d, err := NewDebug(dir, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	bus.Emit(raymond.StateStarted{Meta: meta("main"), State: "PLAN.md", Kind: raymond.KindPrompt, Title: "Plan", Step: 1})
	bus.Emit(raymond.LLMStreamChunk{Meta: meta("main"), Raw: json.RawMessage(`{"type":"assistant"}`)})
	bus.Emit(raymond.LLMStreamChunk{Meta: meta("main"), Raw: json.RawMessage(`{"type":"result"}`)})
	bus.Emit(raymond.StateCompleted{Meta: meta("main"), State: "PLAN.md"})

	raw, err := os.ReadFile(filepath.Join(dir, "main_PLAN.md_001.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 || lines[0] != `{"type":"assistant"}` {
		t.Errorf("jsonl lines = %q", lines)
	}
}

func TestDebugChunkWithoutOpenStepIsDropped(t *testing.T) {
	dir := t.TempDir()
	bus := raymond.NewBus(nil)
	d, err := NewDebug(dir, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	bus.Emit(raymond.LLMStreamChunk{Meta: meta("ghost"), Raw: json.RawMessage(`{}`)})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".jsonl") {
			t.Errorf("unexpected artifact %s", e.Name())
		}
	}
}

func TestDebugScriptArtifacts(t *testing.T) {
	dir := t.TempDir()
	bus := raymond.NewBus(nil)
	d, err := NewDebug(dir, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	bus.Emit(raymond.StateStarted{Meta: meta("main"), State: "check.sh", Kind: raymond.KindScript, Title: "check.sh", Step: 2})
	bus.Emit(raymond.ScriptOutput{
		Meta: meta("main"), State: "check.sh",
		Stdout: []byte("ok\n<goto>NEXT.md</goto>\n"), Stderr: []byte("warn\n"),
		ExitCode: 0, Duration: 1500 * time.Millisecond,
		Env: []string{"RAYMOND_WORKFLOW_ID=w"},
	})

	out, err := os.ReadFile(filepath.Join(dir, "main_check.sh_002.stdout"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "<goto>NEXT.md</goto>") {
		t.Errorf("stdout = %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "main_check.sh_002.stderr")); err != nil {
		t.Error(err)
	}

	metaRaw, err := os.ReadFile(filepath.Join(dir, "main_check.sh_002.meta"))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(metaRaw, &m); err != nil {
		t.Fatal(err)
	}
	if m["exitCode"] != float64(0) || m["durationMs"] != float64(1500) {
		t.Errorf("meta = %v", m)
	}
}

func TestDebugTransitionsLog(t *testing.T) {
	dir := t.TempDir()
	bus := raymond.NewBus(nil)
	d, err := NewDebug(dir, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	bus.Emit(raymond.TransitionOccurred{Meta: meta("main"), Type: raymond.TransitionGoto, From: "A.md", To: "B.md"})
	bus.Emit(raymond.TransitionOccurred{Meta: meta("main"), Type: raymond.TransitionFork, From: "A.md", To: "LOOP.md", SpawnedID: "main_worker1"})

	raw, err := os.ReadFile(filepath.Join(dir, "transitions.log"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[0], "main goto A.md -> B.md") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "spawned=main_worker1") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestConsoleQuietSuppressesChatter(t *testing.T) {
	bus := raymond.NewBus(nil)
	var buf strings.Builder
	c := NewConsole(&buf, bus, WithQuiet(true))
	defer c.Close()

	bus.Emit(raymond.StateStarted{Meta: meta("main"), State: "PLAN.md", Kind: raymond.KindPrompt, Title: "Plan", Step: 1})
	bus.Emit(raymond.ProgressMessage{Meta: meta("main"), Text: "thinking out loud"})
	bus.Emit(raymond.ToolInvocation{Meta: meta("main"), Tool: "Bash"})
	bus.Emit(raymond.TransitionOccurred{Meta: meta("main"), Type: raymond.TransitionGoto, From: "PLAN.md", To: "BUILD.md"})

	out := buf.String()
	if strings.Contains(out, "thinking out loud") || strings.Contains(out, "tool Bash") {
		t.Errorf("quiet mode leaked chatter:\n%s", out)
	}
	if !strings.Contains(out, "[main] prompt: Plan") {
		t.Errorf("missing state header:\n%s", out)
	}
	if !strings.Contains(out, "goto PLAN.md -> BUILD.md") {
		t.Errorf("missing transition:\n%s", out)
	}
}

func TestConsoleAnnotatesToolErrors(t *testing.T) {
	bus := raymond.NewBus(nil)
	var buf strings.Builder
	c := NewConsole(&buf, bus, WithQuiet(true))
	defer c.Close()

	bus.Emit(raymond.ToolInvocation{Meta: meta("main"), Tool: "Edit"})
	bus.Emit(raymond.ToolError{Meta: meta("main"), Detail: "file not found"})

	if !strings.Contains(buf.String(), "! [main] Edit failed: file not found") {
		t.Errorf("output:\n%s", buf.String())
	}
}

func TestConsoleErrorLines(t *testing.T) {
	bus := raymond.NewBus(nil)
	var buf strings.Builder
	c := NewConsole(&buf, bus)
	defer c.Close()

	bus.Emit(raymond.ErrorOccurred{Meta: meta("main"), Kind: "PolicyViolation", Err: "no transition tag", Retryable: true, Attempt: 1})
	bus.Emit(raymond.ErrorOccurred{Meta: meta("main"), Kind: "ScriptFailed", Err: "exit 3"})

	out := buf.String()
	if !strings.Contains(out, "! [main] PolicyViolation (retrying, attempt 1): no transition tag") {
		t.Errorf("output:\n%s", out)
	}
	if !strings.Contains(out, "! [main] ScriptFailed: exit 3") {
		t.Errorf("output:\n%s", out)
	}
}

func TestConsoleResultAndCost(t *testing.T) {
	bus := raymond.NewBus(nil)
	var buf strings.Builder
	c := NewConsole(&buf, bus, WithQuiet(true))
	defer c.Close()

	bus.Emit(raymond.TransitionOccurred{Meta: meta("main"), Type: raymond.TransitionResult, Payload: "all tests pass"})
	bus.Emit(raymond.WorkflowCompleted{Meta: meta(""), WorkflowID: "w", TotalCostUSD: 1.2345})

	out := buf.String()
	if !strings.Contains(out, "[main] result: all tests pass") {
		t.Errorf("output:\n%s", out)
	}
	if !strings.Contains(out, "workflow w completed, total cost $1.2345") {
		t.Errorf("output:\n%s", out)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("0123456789abc", 10); got != "0123456789…" {
		t.Errorf("got %q", got)
	}
}

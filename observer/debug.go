// Package observer contains the passive event subscribers shipped with the
// orchestrator: a debug artifact writer, a console reporter, a terminal
// title reporter, and OTEL instrumentation. Observers only ever read events;
// a failing observer never fails a workflow.
package observer

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/raymondhq/raymond"
)

// Debug writes per-step artifacts under a run directory: one append-only
// JSONL file of raw stream chunks per (agent, state, step), sibling .stdout /
// .stderr / .meta files for script steps, and a workflow-level
// transitions.log. All writes are best-effort; I/O errors are logged and
// swallowed.
type Debug struct {
	dir    string
	logger *slog.Logger

	mu          sync.Mutex
	open        map[string]*stepFile // agent id -> current step's chunk file
	transitions *os.File
	subs        []*raymond.Subscription
}

type stepFile struct {
	base string
	f    *os.File
}

// NewDebug creates the run directory and attaches the observer to the bus.
func NewDebug(dir string, bus *raymond.Bus, logger *slog.Logger) (*Debug, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("debug observer: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tl, err := os.OpenFile(filepath.Join(dir, "transitions.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("debug observer: %w", err)
	}
	d := &Debug{dir: dir, logger: logger, open: make(map[string]*stepFile), transitions: tl}
	d.subs = append(d.subs,
		raymond.Subscribe(bus, d.onStateStarted),
		raymond.Subscribe(bus, d.onChunk),
		raymond.Subscribe(bus, d.onStateCompleted),
		raymond.Subscribe(bus, d.onScriptOutput),
		raymond.Subscribe(bus, d.onTransition),
	)
	return d, nil
}

// Close detaches from the bus and closes any open artifact files.
func (d *Debug) Close() {
	for _, s := range d.subs {
		s.Cancel()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, sf := range d.open {
		sf.f.Close()
		delete(d.open, id)
	}
	d.transitions.Close()
}

// stepBase names a step's artifact family: {agentId}_{stateName}_{stepNo:03}.
func stepBase(agentID, state string, step int) string {
	return fmt.Sprintf("%s_%s_%03d", agentID, state, step)
}

func (d *Debug) onStateStarted(e raymond.StateStarted) {
	base := stepBase(e.AgentID, e.State, e.Step)
	f, err := os.OpenFile(filepath.Join(d.dir, base+".jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		d.logger.Warn("debug observer: open step file", "err", err)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.open[e.AgentID]; ok {
		prev.f.Close()
	}
	d.open[e.AgentID] = &stepFile{base: base, f: f}
}

func (d *Debug) onChunk(e raymond.LLMStreamChunk) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sf, ok := d.open[e.AgentID]
	if !ok {
		return
	}
	if _, err := sf.f.Write(append(e.Raw, '\n')); err != nil {
		d.logger.Warn("debug observer: append chunk", "err", err)
	}
}

func (d *Debug) onStateCompleted(e raymond.StateCompleted) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sf, ok := d.open[e.AgentID]; ok {
		sf.f.Close()
		delete(d.open, e.AgentID)
	}
}

func (d *Debug) onScriptOutput(e raymond.ScriptOutput) {
	d.mu.Lock()
	base := ""
	if sf, ok := d.open[e.AgentID]; ok {
		base = sf.base
	}
	d.mu.Unlock()
	if base == "" {
		// Script steps open no chunk file through StateStarted on some error
		// paths; fall back to a step-less name.
		base = stepBase(e.AgentID, e.State, 0)
	}

	d.write(base+".stdout", e.Stdout)
	d.write(base+".stderr", e.Stderr)
	meta, err := json.Marshal(map[string]any{
		"state":      e.State,
		"exitCode":   e.ExitCode,
		"durationMs": e.Duration.Milliseconds(),
		"env":        e.Env,
	})
	if err == nil {
		d.write(base+".meta", meta)
	}
}

func (d *Debug) write(name string, data []byte) {
	if err := os.WriteFile(filepath.Join(d.dir, name), data, 0o644); err != nil {
		d.logger.Warn("debug observer: write artifact", "name", name, "err", err)
	}
}

func (d *Debug) onTransition(e raymond.TransitionOccurred) {
	line := fmt.Sprintf("%s %s %s %s -> %s", e.Time.Format("2006-01-02T15:04:05.000Z07:00"),
		e.AgentID, e.Type, e.From, e.To)
	if e.SpawnedID != "" {
		line += " spawned=" + e.SpawnedID
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.transitions.WriteString(line + "\n"); err != nil {
		d.logger.Warn("debug observer: append transition", "err", err)
	}
}

package raymond

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// memStore is an in-memory Store for scheduler tests.
type memStore struct {
	mu     sync.Mutex
	docs   map[string]*Workflow
	writes int
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*Workflow)}
}

func (s *memStore) Read(ctx context.Context, id string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *memStore) Write(ctx context.Context, id string, doc *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = doc.Clone()
	s.writes++
	return nil
}

func (s *memStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

// mockTurn is one scripted coding-agent reply.
type mockTurn struct {
	output string
	cost   float64
	err    error
}

// mockRule matches requests whose prompt contains match and replies with its
// turns in order.
type mockRule struct {
	match string
	turns []mockTurn
}

// mockCoder replies from scripted rules and records every request.
type mockCoder struct {
	mu    sync.Mutex
	rules []mockRule
	calls []CoderRequest
	seq   int
}

func (m *mockCoder) Run(ctx context.Context, req CoderRequest, ch chan<- StreamChunk) (CoderResult, error) {
	defer close(ch)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	for i := range m.rules {
		r := &m.rules[i]
		if !strings.Contains(req.Prompt, r.match) || len(r.turns) == 0 {
			continue
		}
		turn := r.turns[0]
		r.turns = r.turns[1:]

		session := req.Session
		if session == "" {
			m.seq++
			session = fmt.Sprintf("sess-%d", m.seq)
		}
		res := CoderResult{SessionID: session, CostUSD: turn.cost, Output: turn.output}
		if turn.err != nil {
			return res, turn.err
		}
		ch <- StreamChunk{Kind: "assistant", Text: turn.output}
		return res, nil
	}
	return CoderResult{}, fmt.Errorf("mock: no scripted reply for prompt %q", req.Prompt)
}

// collector records every emitted event for later assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func collectEvents(bus *Bus) *collector {
	c := &collector{}
	add := func(e Event) {
		c.mu.Lock()
		c.events = append(c.events, e)
		c.mu.Unlock()
	}
	Subscribe(bus, func(e WorkflowStarted) { add(e) })
	Subscribe(bus, func(e WorkflowCompleted) { add(e) })
	Subscribe(bus, func(e WorkflowPaused) { add(e) })
	Subscribe(bus, func(e StateStarted) { add(e) })
	Subscribe(bus, func(e StateCompleted) { add(e) })
	Subscribe(bus, func(e TransitionOccurred) { add(e) })
	Subscribe(bus, func(e AgentSpawned) { add(e) })
	Subscribe(bus, func(e AgentTerminated) { add(e) })
	Subscribe(bus, func(e ErrorOccurred) { add(e) })
	Subscribe(bus, func(e ScriptOutput) { add(e) })
	return c
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) transitions() []TransitionOccurred {
	var out []TransitionOccurred
	for _, e := range c.all() {
		if t, ok := e.(TransitionOccurred); ok {
			out = append(out, t)
		}
	}
	return out
}

func (c *collector) errorsOfKind(kind string) []ErrorOccurred {
	var out []ErrorOccurred
	for _, e := range c.all() {
		if err, ok := e.(ErrorOccurred); ok && err.Kind == kind {
			out = append(out, err)
		}
	}
	return out
}

// writeScope creates a scope directory holding the given state files.
func writeScope(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// Package coder drives the external coding-agent CLI as a subprocess,
// speaking its newline-delimited stream-json protocol. It implements
// raymond.Coder; everything the orchestration core knows about the CLI lives
// here.
package coder

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/raymondhq/raymond"
)

const (
	// defaultBinary is the CLI executable resolved via PATH.
	defaultBinary = "claude"
	// defaultWallClock bounds one whole invocation.
	defaultWallClock = 30 * time.Minute
	// defaultIdle bounds the gap between two stream lines.
	defaultIdle = 5 * time.Minute
	// killGrace is the window between the termination signal and a hard kill.
	killGrace = 5 * time.Second
	// maxStreamLine caps one stream-json line; assistant messages carrying
	// whole files can get large.
	maxStreamLine = 8 * 1024 * 1024
	// maxStderr caps captured stderr.
	maxStderr = 16 * 1024
)

// Client runs the coding-agent CLI. Safe for concurrent use; each Run spawns
// an independent subprocess.
type Client struct {
	binary         string
	wallClock      time.Duration
	idle           time.Duration
	permissionMode string
	extraArgs      []string
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBinary overrides the CLI executable path.
func WithBinary(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.binary = path
		}
	}
}

// WithWallClock sets the total per-invocation time limit.
func WithWallClock(d time.Duration) Option {
	return func(c *Client) { c.wallClock = d }
}

// WithIdleTimeout sets the maximum silence between stream lines.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idle = d }
}

// WithPermissionMode passes a --permission-mode value to every invocation.
func WithPermissionMode(mode string) Option {
	return func(c *Client) { c.permissionMode = mode }
}

// WithExtraArgs appends fixed arguments to every invocation, ahead of the
// prompt.
func WithExtraArgs(args ...string) Option {
	return func(c *Client) { c.extraArgs = append(c.extraArgs, args...) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client with defaults suitable for unattended operation.
func New(opts ...Option) *Client {
	c := &Client{
		binary:    defaultBinary,
		wallClock: defaultWallClock,
		idle:      defaultIdle,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run implements raymond.Coder: one prompt turn against the CLI.
func (c *Client) Run(ctx context.Context, req raymond.CoderRequest, ch chan<- raymond.StreamChunk) (raymond.CoderResult, error) {
	defer close(ch)

	// The argument vector is never shell-interpreted.
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.Session != "" {
		args = append(args, "--resume", req.Session)
		if req.Branch {
			args = append(args, "--fork-session")
		}
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Effort != "" {
		args = append(args, "--effort", req.Effort)
	}
	if c.permissionMode != "" {
		args = append(args, "--permission-mode", c.permissionMode)
	}
	args = append(args, c.extraArgs...)
	args = append(args, "-p", req.Prompt)

	cmd := exec.Command(c.binary, args...)
	cmd.Dir = req.Dir
	cmd.Env = buildEnv(os.Environ(), req.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return raymond.CoderResult{}, &raymond.ErrSubprocess{Cmd: c.binary, Err: err}
	}
	var stderr cappedBuffer
	stderr.limit = maxStderr
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return raymond.CoderResult{}, &raymond.ErrSubprocess{Cmd: c.binary, Err: err}
	}
	c.logger.Debug("coding agent started", "pid", cmd.Process.Pid,
		"session", req.Session, "branch", req.Branch, "dir", req.Dir)

	activity := make(chan struct{}, 1)
	scanDone := make(chan struct{})
	var state streamState
	go func() {
		defer close(scanDone)
		state = consumeStream(stdout, ch, activity)
	}()

	// Cancellation of ctx is deliberately not wired to the subprocess: the
	// scheduler drains in-flight steps on cancellation and the timeouts
	// below bound how long that can take.
	wd := newWatchdog(cmd.Process, c.wallClock, c.idle, activity)
	go wd.watch()

	<-scanDone
	waitErr := cmd.Wait()
	timeoutKind := wd.stop()

	res := raymond.CoderResult{
		SessionID: state.sessionID,
		CostUSD:   state.costUSD,
		Output:    state.output(),
	}
	switch {
	case timeoutKind != "":
		return res, &raymond.ErrTimeout{Kind: timeoutKind}
	case state.usageLimit != "" || usageLimited(stderr.String()):
		detail := state.usageLimit
		if detail == "" {
			detail = firstLine(stderr.String())
		}
		return res, &raymond.ErrUsageLimit{Detail: detail}
	case state.resultIsError:
		return res, &raymond.ErrSubprocess{Cmd: c.binary,
			Err: &resultError{subtype: state.resultSubtype, detail: firstLine(state.resultText)}}
	case waitErr != nil:
		return res, &raymond.ErrSubprocess{Cmd: c.binary,
			Err: &exitError{wait: waitErr, stderr: firstLine(stderr.String())}}
	case !state.sawResult:
		return res, &raymond.ErrSubprocess{Cmd: c.binary,
			Err: &resultError{subtype: "missing", detail: "stream ended without a result record"}}
	}
	return res, nil
}

// buildEnv layers extra variables over the parent environment, filtering out
// nesting markers the CLI sets for its own children so an orchestrator
// running inside a coding-agent session does not trip recursion detection.
func buildEnv(parent []string, extra map[string]string) []string {
	env := make([]string, 0, len(parent)+len(extra))
	for _, e := range parent {
		key := e
		if i := strings.IndexByte(e, '='); i >= 0 {
			key = e[:i]
		}
		if strings.HasPrefix(key, "CLAUDE_CODE_") || key == "CLAUDECODE" {
			continue
		}
		env = append(env, e)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// usageLimited recognizes usage-limit diagnostics in free text.
func usageLimited(s string) bool {
	return strings.Contains(strings.ToLower(s), "usage limit")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 300
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// resultError is a terminal stream record reporting failure.
type resultError struct {
	subtype string
	detail  string
}

func (e *resultError) Error() string {
	return "result record " + e.subtype + ": " + e.detail
}

// exitError decorates a non-zero exit with the first stderr line.
type exitError struct {
	wait   error
	stderr string
}

func (e *exitError) Error() string {
	if e.stderr == "" {
		return e.wait.Error()
	}
	return e.wait.Error() + ": " + e.stderr
}

func (e *exitError) Unwrap() error { return e.wait }

// cappedBuffer keeps at most limit bytes and silently drops the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// watchdog enforces the wall-clock and idle limits on a live subprocess.
type watchdog struct {
	proc     *os.Process
	wall     time.Duration
	idle     time.Duration
	activity <-chan struct{}

	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	fired string // "" until a timeout kills the process
}

func newWatchdog(proc *os.Process, wall, idle time.Duration, activity <-chan struct{}) *watchdog {
	return &watchdog{proc: proc, wall: wall, idle: idle, activity: activity, done: make(chan struct{})}
}

func (w *watchdog) watch() {
	var wallC <-chan time.Time
	if w.wall > 0 {
		wall := time.NewTimer(w.wall)
		defer wall.Stop()
		wallC = wall.C
	}
	var idleTimer *time.Timer
	var idleC <-chan time.Time
	if w.idle > 0 {
		idleTimer = time.NewTimer(w.idle)
		defer idleTimer.Stop()
		idleC = idleTimer.C
	}

	for {
		select {
		case <-w.done:
			return
		case <-w.activity:
			if idleTimer != nil {
				if !idleTimer.Stop() {
					<-idleTimer.C
				}
				idleTimer.Reset(w.idle)
			}
		case <-wallC:
			w.kill("wall-clock")
			return
		case <-idleC:
			w.kill("idle")
			return
		}
	}
}

// kill terminates the subprocess: termination signal, grace period, hard
// kill. Records kind as the timeout classification.
func (w *watchdog) kill(kind string) {
	w.mu.Lock()
	w.fired = kind
	w.mu.Unlock()

	_ = w.proc.Signal(syscall.SIGTERM)
	select {
	case <-w.done:
	case <-time.After(killGrace):
		_ = w.proc.Kill()
	}
}

// stop shuts the watchdog down and reports which timeout fired, if any.
func (w *watchdog) stop() string {
	w.once.Do(func() { close(w.done) })
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// streamState accumulates what one invocation's stream produced.
type streamState struct {
	texts         []string
	sessionID     string
	costUSD       float64
	sawResult     bool
	resultIsError bool
	resultSubtype string
	resultText    string
	usageLimit    string
}

// output concatenates assistant text in stream order; transition tags are
// parsed from this.
func (s *streamState) output() string {
	return strings.Join(s.texts, "\n")
}

// streamEnvelope is the common shape of one stream-json line.
type streamEnvelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message,omitempty"`

	// result records
	SessionID    string          `json:"session_id,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// consumeStream reads stream-json lines until EOF, forwarding chunks on ch
// and pinging activity per line. Malformed lines are forwarded raw and
// otherwise skipped.
func consumeStream(r io.Reader, ch chan<- raymond.StreamChunk, activity chan<- struct{}) streamState {
	var state streamState
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case activity <- struct{}{}:
		default:
		}
		raw := json.RawMessage(append([]byte(nil), line...))

		var env streamEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			ch <- raymond.StreamChunk{Raw: raw}
			continue
		}
		chunks := envelopeChunks(&state, &env, raw)
		for _, c := range chunks {
			ch <- c
		}
	}
	return state
}

// envelopeChunks folds one decoded line into state and renders it as typed
// chunks. Only the first chunk of a line carries the raw bytes.
func envelopeChunks(state *streamState, env *streamEnvelope, raw json.RawMessage) []raymond.StreamChunk {
	var out []raymond.StreamChunk
	emit := func(c raymond.StreamChunk) {
		if len(out) == 0 {
			c.Raw = raw
		}
		out = append(out, c)
	}

	switch env.Type {
	case "assistant":
		if env.Message != nil {
			for _, block := range env.Message.Content {
				switch block.Type {
				case "text":
					if block.Text != "" {
						state.texts = append(state.texts, block.Text)
						emit(raymond.StreamChunk{Kind: "assistant", Text: block.Text})
					}
				case "tool_use":
					emit(raymond.StreamChunk{Kind: "tool_use", Tool: block.Name, ToolInput: block.Input})
				}
			}
		}
	case "user":
		if env.Message != nil {
			for _, block := range env.Message.Content {
				if block.Type == "tool_result" {
					emit(raymond.StreamChunk{
						Kind:    "tool_result",
						Text:    blockText(block),
						IsError: block.IsError,
					})
				}
			}
		}
	case "result":
		state.sawResult = true
		state.sessionID = env.SessionID
		state.costUSD = env.TotalCostUSD
		state.resultIsError = env.IsError
		state.resultSubtype = env.Subtype
		state.resultText = decodeResultText(env.Result)
		if env.IsError && usageLimited(state.resultText) {
			state.usageLimit = firstLine(state.resultText)
		}
		emit(raymond.StreamChunk{Kind: "result", Text: state.resultText})
	}

	if len(out) == 0 {
		emit(raymond.StreamChunk{})
	}
	return out
}

// blockText renders a tool_result content payload as plain text; the field
// is either a string or a list of content blocks.
func blockText(b contentBlock) string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var parts []string
		for _, inner := range blocks {
			if inner.Text != "" {
				parts = append(parts, inner.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(b.Content)
}

func decodeResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

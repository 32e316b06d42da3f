package observer

import (
	"fmt"
	"io"
	"sync"

	"github.com/raymondhq/raymond"
)

// Title mirrors the most recently started state into the terminal title bar
// using the xterm title escape sequence. Last write wins across concurrent
// agents; when several agents are live the title tracks whichever started a
// state most recently.
type Title struct {
	mu  sync.Mutex
	w   io.Writer
	sub *raymond.Subscription
}

// NewTitle attaches a title reporter writing to w (normally the terminal).
func NewTitle(w io.Writer, bus *raymond.Bus) *Title {
	t := &Title{w: w}
	t.sub = raymond.Subscribe(bus, t.onStateStarted)
	return t
}

// Close detaches the reporter and clears the title.
func (t *Title) Close() {
	t.sub.Cancel()
	t.set("")
}

func (t *Title) onStateStarted(e raymond.StateStarted) {
	t.set(fmt.Sprintf("%s · %s", e.AgentID, e.Title))
}

func (t *Title) set(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "\x1b]0;%s\x07", title)
}

// Package session is the boundary to the external worker-session
// collaborator: launching an isolated interactive agent session bound to a
// working directory, sending it input, reading its observable output, and
// detecting termination.
package session

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/foundry-works/drover/session/tmux"
)

// Instance is one running worker session.
type Instance struct {
	// ID is the worker's unique identifier.
	ID string
	// Name is the human-readable worker name (also the tmux session name).
	Name string
	// Path is the working directory the session is bound to.
	Path string
	// Program is the agent program run in the session.
	Program string
	// CreatedAt is when the session was launched.
	CreatedAt time.Time

	// usageParser derives the opaque context-usage percentage from pane
	// content. The core makes no claim about its accuracy.
	usageParser UsageParser

	started     atomic.Bool
	tmuxSession *tmux.TmuxSession
}

// Options for creating a new instance.
type Options struct {
	ID      string
	Name    string
	Path    string
	Program string
	// UsageParser overrides the default context-usage parser.
	UsageParser UsageParser
}

// NewInstance creates an unstarted worker session.
func NewInstance(opts Options) (*Instance, error) {
	if opts.ID == "" || opts.Name == "" {
		return nil, fmt.Errorf("session: id and name required")
	}
	absPath, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	parser := opts.UsageParser
	if parser == nil {
		parser = DefaultUsageParser
	}
	return &Instance{
		ID:          opts.ID,
		Name:        opts.Name,
		Path:        absPath,
		Program:     opts.Program,
		CreatedAt:   time.Now(),
		usageParser: parser,
	}, nil
}

// SetTmuxSession injects a session wrapper, for tests.
func (i *Instance) SetTmuxSession(ts *tmux.TmuxSession) {
	i.tmuxSession = ts
	i.started.Store(true)
}

// Start launches the session and sends the initial instruction.
func (i *Instance) Start(initialInstruction string) error {
	if i.started.Load() {
		return fmt.Errorf("session %s already started", i.Name)
	}
	ts := tmux.NewTmuxSession(i.Name, i.Program)
	if err := ts.Start(i.Path); err != nil {
		return fmt.Errorf("failed to launch session %s: %w", i.Name, err)
	}
	i.tmuxSession = ts
	i.started.Store(true)

	if initialInstruction != "" {
		// Give the agent program a moment to draw its prompt.
		time.Sleep(500 * time.Millisecond)
		if err := i.SendPrompt(initialInstruction); err != nil {
			return fmt.Errorf("failed to send initial instruction to %s: %w", i.Name, err)
		}
	}
	return nil
}

// Started reports whether the session has been launched.
func (i *Instance) Started() bool {
	return i.started.Load()
}

// SendPrompt sends a text instruction to the session followed by enter.
// Multi-line prompts are sent as a single write so the agent receives them
// as one message.
func (i *Instance) SendPrompt(text string) error {
	if !i.started.Load() {
		return fmt.Errorf("session %s not started", i.Name)
	}
	if err := i.tmuxSession.SendKeys(strings.ReplaceAll(text, "\n", " \\\n")); err != nil {
		return err
	}
	return i.tmuxSession.TapEnter()
}

// Preview returns the session's current observable output.
func (i *Instance) Preview() (string, error) {
	if !i.started.Load() {
		return "", fmt.Errorf("session %s not started", i.Name)
	}
	return i.tmuxSession.CapturePaneContent()
}

// HasUpdated reports whether the session produced new output since the last
// poll. This is the worker's heartbeat signal.
func (i *Instance) HasUpdated() (bool, error) {
	if !i.started.Load() {
		return false, fmt.Errorf("session %s not started", i.Name)
	}
	return i.tmuxSession.HasUpdated()
}

// Alive reports whether the underlying session still exists. A false return
// after Start means the worker process exited.
func (i *Instance) Alive() bool {
	if !i.started.Load() {
		return false
	}
	return i.tmuxSession.DoesSessionExist()
}

// ContextUsagePercent parses the worker's context usage from its output.
// Returns -1 when the signal is absent.
func (i *Instance) ContextUsagePercent() int {
	content, err := i.Preview()
	if err != nil {
		return -1
	}
	if pct, ok := i.usageParser(content); ok {
		return pct
	}
	return -1
}

// Kill tears the session down.
func (i *Instance) Kill() error {
	if !i.started.Load() {
		return nil
	}
	i.started.Store(false)
	return i.tmuxSession.Close()
}

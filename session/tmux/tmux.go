// Package tmux wraps the tmux sessions that host worker programs. Each
// worker runs its interactive agent inside a detached tmux session; the
// coordinator injects input and scrapes pane content through this wrapper.
package tmux

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/foundry-works/drover/cmd"
	"github.com/foundry-works/drover/log"
)

// TmuxPrefix namespaces every session this tool creates.
const TmuxPrefix = "drover_"

var whiteSpaceRegex = regexp.MustCompile(`\s+`)

func toDroverTmuxName(str string) string {
	str = whiteSpaceRegex.ReplaceAllString(str, "")
	str = strings.ReplaceAll(str, ".", "_") // tmux replaces all . with _
	return fmt.Sprintf("%s%s", TmuxPrefix, str)
}

// TmuxSession represents a managed tmux session.
type TmuxSession struct {
	// The name of the tmux session, sanitized for tmux commands.
	sanitizedName string
	program       string
	// ptyFactory is used to create a PTY for the tmux session.
	ptyFactory PtyFactory
	// cmdExec is used to execute tmux commands.
	cmdExec cmd.Executor

	// ptmx is a PTY running the tmux attach command. Input to the worker
	// program goes through it. Initialized by Start or Restore.
	ptmx *os.File
	// monitor tracks pane content changes between polls.
	monitor *statusMonitor
}

// NewTmuxSession creates a new TmuxSession with the given name and program.
func NewTmuxSession(name string, program string) *TmuxSession {
	return newTmuxSession(name, program, MakePtyFactory(), cmd.MakeExecutor())
}

// NewTmuxSessionWithDeps creates a new TmuxSession with provided dependencies for testing.
func NewTmuxSessionWithDeps(name string, program string, ptyFactory PtyFactory, cmdExec cmd.Executor) *TmuxSession {
	return newTmuxSession(name, program, ptyFactory, cmdExec)
}

func newTmuxSession(name string, program string, ptyFactory PtyFactory, cmdExec cmd.Executor) *TmuxSession {
	return &TmuxSession{
		sanitizedName: toDroverTmuxName(name),
		program:       program,
		ptyFactory:    ptyFactory,
		cmdExec:       cmdExec,
	}
}

type statusMonitor struct {
	// Store hashes to save memory.
	prevOutputHash []byte
}

func (m *statusMonitor) hash(s string) []byte {
	h := sha256.New()
	h.Write([]byte(s))
	return h.Sum(nil)
}

// Start creates and starts a new detached tmux session running the worker
// program in workDir, then attaches a PTY to it for input.
func (t *TmuxSession) Start(workDir string) error {
	if t.DoesSessionExist() {
		return fmt.Errorf("tmux session already exists: %s", t.sanitizedName)
	}

	c := exec.Command("tmux", "new-session", "-d", "-s", t.sanitizedName, "-c", workDir, t.program)
	ptmx, err := t.ptyFactory.Start(c)
	if err != nil {
		// Cleanup any partially created session.
		if t.DoesSessionExist() {
			cleanupCmd := exec.Command("tmux", "kill-session", "-t", t.sanitizedName)
			if cleanupErr := t.cmdExec.Run(cleanupCmd); cleanupErr != nil {
				err = fmt.Errorf("%v (cleanup error: %v)", err, cleanupErr)
			}
		}
		return fmt.Errorf("error starting tmux session: %w", err)
	}

	// Poll for session existence with exponential backoff.
	timeout := time.After(2 * time.Second)
	sleepDuration := 5 * time.Millisecond
	for !t.DoesSessionExist() {
		select {
		case <-timeout:
			if cleanupErr := t.Close(); cleanupErr != nil {
				err = fmt.Errorf("%v (cleanup error: %v)", err, cleanupErr)
			}
			return fmt.Errorf("timed out waiting for tmux session %s: %v", t.sanitizedName, err)
		default:
			time.Sleep(sleepDuration)
			if sleepDuration < 50*time.Millisecond {
				sleepDuration *= 2
			}
		}
	}
	ptmx.Close()

	historyCmd := exec.Command("tmux", "set-option", "-t", t.sanitizedName, "history-limit", "10000")
	if err := t.cmdExec.Run(historyCmd); err != nil {
		log.InfoLog.Printf("Warning: failed to set history-limit for session %s: %v", t.sanitizedName, err)
	}

	return t.Restore()
}

// Restore attaches a PTY to an existing session.
func (t *TmuxSession) Restore() error {
	ptmx, err := t.ptyFactory.Start(exec.Command("tmux", "attach-session", "-t", t.sanitizedName))
	if err != nil {
		return fmt.Errorf("error opening PTY: %w", err)
	}
	t.ptmx = ptmx
	t.monitor = &statusMonitor{}
	return nil
}

// Close terminates the tmux session and cleans up resources.
func (t *TmuxSession) Close() error {
	var errs []error

	if t.ptmx != nil {
		if err := t.ptmx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing PTY: %w", err))
		}
		t.ptmx = nil
	}

	c := exec.Command("tmux", "kill-session", "-t", t.sanitizedName)
	if err := t.cmdExec.Run(c); err != nil {
		errs = append(errs, fmt.Errorf("error killing tmux session: %w", err))
	}

	return errors.Join(errs...)
}

// DoesSessionExist reports whether the tmux session is alive.
func (t *TmuxSession) DoesSessionExist() bool {
	// Using "-t name" does a prefix match, which is wrong. `-t=` does an exact match.
	existsCmd := exec.Command("tmux", "has-session", fmt.Sprintf("-t=%s", t.sanitizedName))
	return t.cmdExec.Run(existsCmd) == nil
}

// SendKeys writes raw input to the worker's PTY.
func (t *TmuxSession) SendKeys(keys string) error {
	if t.ptmx == nil {
		return fmt.Errorf("session %s has no attached PTY", t.sanitizedName)
	}
	_, err := t.ptmx.Write([]byte(keys))
	return err
}

// TapEnter sends an enter keystroke to the tmux pane.
func (t *TmuxSession) TapEnter() error {
	if t.ptmx == nil {
		return fmt.Errorf("session %s has no attached PTY", t.sanitizedName)
	}
	_, err := t.ptmx.Write([]byte{0x0D})
	if err != nil {
		return fmt.Errorf("error sending enter keystroke to PTY: %w", err)
	}
	return nil
}

// CapturePaneContent captures the visible content of the tmux pane.
func (t *TmuxSession) CapturePaneContent() (string, error) {
	c := exec.Command("tmux", "capture-pane", "-p", "-J", "-t", t.sanitizedName)
	output, err := t.cmdExec.Output(c)
	if err != nil {
		return "", fmt.Errorf("error capturing pane content: %v", err)
	}
	return string(output), nil
}

// HasUpdated reports whether the pane content changed since the last call.
// The pane is hashed rather than stored; recency of change is the worker's
// heartbeat.
func (t *TmuxSession) HasUpdated() (bool, error) {
	content, err := t.CapturePaneContent()
	if err != nil {
		return false, err
	}
	if t.monitor == nil {
		t.monitor = &statusMonitor{}
	}
	newHash := t.monitor.hash(content)
	if t.monitor.prevOutputHash == nil || string(newHash) != string(t.monitor.prevOutputHash) {
		t.monitor.prevOutputHash = newHash
		return true, nil
	}
	return false, nil
}

// GetSanitizedName returns the tmux session name used for tmux commands.
func (t *TmuxSession) GetSanitizedName() string {
	return t.sanitizedName
}

// CleanupSessions kills every tmux session carrying the drover prefix.
func CleanupSessions(cmdExec cmd.Executor) error {
	c := exec.Command("tmux", "ls")
	output, err := cmdExec.Output(c)

	// Exit code 1 typically means no sessions exist.
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil
		}
		return fmt.Errorf("failed to list tmux sessions: %v", err)
	}

	re := regexp.MustCompile(fmt.Sprintf(`%s.*:`, TmuxPrefix))
	matches := re.FindAllString(string(output), -1)
	for i, match := range matches {
		matches[i] = match[:strings.Index(match, ":")]
	}

	for _, match := range matches {
		log.InfoLog.Printf("cleaning up session: %s", match)
		if err := cmdExec.Run(exec.Command("tmux", "kill-session", "-t", match)); err != nil {
			return fmt.Errorf("failed to kill tmux session %s: %v", match, err)
		}
	}
	return nil
}

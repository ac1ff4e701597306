package tmux

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// PtyFactory abstracts PTY creation so tests can substitute plain files.
type PtyFactory interface {
	// Start runs the command attached to a new PTY and returns the master end.
	Start(cmd *exec.Cmd) (*os.File, error)
	Close()
}

type ptyFactory struct{}

func (ptyFactory) Start(cmd *exec.Cmd) (*os.File, error) {
	return pty.Start(cmd)
}

func (ptyFactory) Close() {}

// MakePtyFactory returns the default PTY factory backed by creack/pty.
func MakePtyFactory() PtyFactory {
	return ptyFactory{}
}

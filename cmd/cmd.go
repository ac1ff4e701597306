// Package cmd provides an abstraction layer for executing external commands.
//
// It defines the Executor interface which wraps os/exec functionality, enabling
// easier testing and mocking of command execution throughout the application.
package cmd

import "os/exec"

// Executor runs external commands. The production implementation delegates to
// os/exec; tests substitute cmdtest.MockCmdExec.
type Executor interface {
	Run(cmd *exec.Cmd) error
	Output(cmd *exec.Cmd) ([]byte, error)
	CombinedOutput(cmd *exec.Cmd) ([]byte, error)
}

type execExecutor struct{}

func (execExecutor) Run(cmd *exec.Cmd) error {
	return cmd.Run()
}

func (execExecutor) Output(cmd *exec.Cmd) ([]byte, error) {
	return cmd.Output()
}

func (execExecutor) CombinedOutput(cmd *exec.Cmd) ([]byte, error) {
	return cmd.CombinedOutput()
}

// MakeExecutor returns the default Executor backed by os/exec.
func MakeExecutor() Executor {
	return execExecutor{}
}

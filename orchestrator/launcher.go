package orchestrator

import (
	"github.com/foundry-works/drover/session"
)

// WorkerSession is the slice of the worker-session collaborator the
// orchestrator needs. session.Instance satisfies it; tests substitute fakes.
type WorkerSession interface {
	SendPrompt(text string) error
	Preview() (string, error)
	HasUpdated() (bool, error)
	Alive() bool
	ContextUsagePercent() int
	Kill() error
}

// LaunchSpec describes one session launch.
type LaunchSpec struct {
	ID                 string
	Name               string
	WorkDir            string
	Program            string
	InitialInstruction string
}

// SessionLauncher launches isolated worker sessions.
type SessionLauncher interface {
	Launch(spec LaunchSpec) (WorkerSession, error)
}

type tmuxLauncher struct{}

func (tmuxLauncher) Launch(spec LaunchSpec) (WorkerSession, error) {
	inst, err := session.NewInstance(session.Options{
		ID:      spec.ID,
		Name:    spec.Name,
		Path:    spec.WorkDir,
		Program: spec.Program,
	})
	if err != nil {
		return nil, err
	}
	if err := inst.Start(spec.InitialInstruction); err != nil {
		return nil, err
	}
	return inst, nil
}

// NewTmuxLauncher returns the production launcher backed by tmux sessions.
func NewTmuxLauncher() SessionLauncher {
	return tmuxLauncher{}
}

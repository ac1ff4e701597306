package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const ProfileFileName = "profile.yaml"

// Profile is a tech/project profile: the set of problem-probe commands and
// worker prompts specific to a project's technology. Probes are shell
// commands whose combined stdout/stderr is scanned for error, warning, and
// todo markers.
type Profile struct {
	// Name identifies the profile (e.g. "go", "node", "custom").
	Name string `yaml:"name"`
	// ProbeCommands are run by the work detector each detection cycle.
	ProbeCommands []string `yaml:"probe_commands"`
	// TestCommand optionally runs the project test suite as a probe.
	TestCommand string `yaml:"test_command,omitempty"`
	// InitialInstruction is the prompt handed to every new worker session.
	// The literal {{CHUNK}} placeholder is replaced with the worker's
	// assigned work items.
	InitialInstruction string `yaml:"initial_instruction"`
}

// builtinProfiles maps a marker file at the repo root to a default profile.
var builtinProfiles = []struct {
	marker  string
	profile Profile
}{
	{
		marker: "go.mod",
		profile: Profile{
			Name:          "go",
			ProbeCommands: []string{"go build ./...", "go vet ./..."},
			TestCommand:   "go test ./...",
		},
	},
	{
		marker: "package.json",
		profile: Profile{
			Name:          "node",
			ProbeCommands: []string{"npx tsc --noEmit", "npx eslint ."},
			TestCommand:   "npm test",
		},
	},
	{
		marker: "pyproject.toml",
		profile: Profile{
			Name:          "python",
			ProbeCommands: []string{"ruff check .", "python -m compileall -q ."},
			TestCommand:   "pytest -q",
		},
	},
}

const defaultInstruction = "You are one of several workers fixing problems in this repository. " +
	"Work only on the items assigned to you below. Claim each file you edit via the " +
	"claim_resource tool before touching it and release it when done. Report item " +
	"outcomes with complete_items when you finish.\n\n{{CHUNK}}"

// LoadProfile loads the project profile from .drover/profile.yaml under the
// repo root, falling back to a built-in profile detected from marker files.
func LoadProfile(repoRoot string) (*Profile, error) {
	path := filepath.Join(ProjectDir(repoRoot), ProfileFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return detectProfile(repoRoot), nil
		}
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if len(p.ProbeCommands) == 0 && p.TestCommand == "" {
		return nil, fmt.Errorf("profile %q has no probe commands", p.Name)
	}
	if p.InitialInstruction == "" {
		p.InitialInstruction = defaultInstruction
	}
	return &p, nil
}

// SaveProfile writes the profile to .drover/profile.yaml.
func SaveProfile(repoRoot string, p *Profile) error {
	dir := ProjectDir(repoRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ProfileFileName), data, 0644)
}

func detectProfile(repoRoot string) *Profile {
	for _, bp := range builtinProfiles {
		if _, err := os.Stat(filepath.Join(repoRoot, bp.marker)); err == nil {
			p := bp.profile
			p.InitialInstruction = defaultInstruction
			return &p
		}
	}
	// Generic fallback: grep for TODO markers only.
	return &Profile{
		Name:               "generic",
		ProbeCommands:      []string{"grep -rn --exclude-dir=.git --exclude-dir=.drover -e TODO -e FIXME ."},
		InitialInstruction: defaultInstruction,
	}
}

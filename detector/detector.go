// Package detector finds outstanding work by running the project profile's
// probe commands and scanning their output for problem markers. It also
// owns the pool-sizing policy and the autoscale loop.
package detector

import (
	"os/exec"
	"regexp"
	"strings"

	"github.com/foundry-works/drover/cmd"
	"github.com/foundry-works/drover/config"
	"github.com/foundry-works/drover/distributor"
	"github.com/foundry-works/drover/log"
)

// maxFindingsPerProbe bounds how many lines one probe may contribute, so a
// pathological probe cannot flood the backlog.
const maxFindingsPerProbe = 500

// Detector probes the project for problems.
type Detector struct {
	profile *config.Profile
	workDir string
	cmdExec cmd.Executor
}

// New constructs a Detector over the given project profile.
func New(profile *config.Profile, workDir string) *Detector {
	return &Detector{
		profile: profile,
		workDir: workDir,
		cmdExec: cmd.MakeExecutor(),
	}
}

// SetExecutor overrides command execution for tests.
func (d *Detector) SetExecutor(e cmd.Executor) {
	d.cmdExec = e
}

// DetectWork runs every probe command and aggregates the categorized
// findings. A probe that fails to execute is itself evidence of problems:
// the failure is logged and recorded as a build-error finding, never
// propagated as a detector fault.
func (d *Detector) DetectWork() []distributor.RawFinding {
	var findings []distributor.RawFinding

	probes := append([]string{}, d.profile.ProbeCommands...)
	if d.profile.TestCommand != "" {
		probes = append(probes, d.profile.TestCommand)
	}

	for _, probe := range probes {
		c := exec.Command("sh", "-c", probe)
		c.Dir = d.workDir
		out, err := d.cmdExec.CombinedOutput(c)
		if log.IsDebugEnabled() {
			log.DebugLog.Printf("probe %q output:\n%s", probe, out)
		}

		parsed := parseProbeOutput(string(out))
		findings = append(findings, parsed...)

		// Nonzero exit with parseable output is the normal case for
		// linters and compilers. Only an execution failure that produced
		// no findings becomes a finding of its own.
		if err != nil && len(parsed) == 0 {
			log.WarningLog.Printf("probe %q failed: %v", probe, err)
			findings = append(findings, distributor.RawFinding{
				Category:    distributor.CategoryBuildError,
				Description: "probe failed: " + probe + ": " + err.Error(),
			})
		}
	}
	return findings
}

// resourceKeyRegex extracts a leading file path from compiler/linter style
// "path:line:col: message" output.
var resourceKeyRegex = regexp.MustCompile(`^([^\s:]+\.[A-Za-z0-9_]+):\d+`)

// parseProbeOutput scans probe output line by line for problem markers.
func parseProbeOutput(out string) []distributor.RawFinding {
	var findings []distributor.RawFinding
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cat, ok := categorize(line)
		if !ok {
			continue
		}
		f := distributor.RawFinding{Category: cat, Description: line}
		if m := resourceKeyRegex.FindStringSubmatch(line); m != nil {
			f.ResourceKey = m[1]
		}
		findings = append(findings, f)
		if len(findings) >= maxFindingsPerProbe {
			log.WarningLog.Printf("probe output truncated at %d findings", maxFindingsPerProbe)
			break
		}
	}
	return findings
}

// categorize maps one output line to a work category. Test failures are
// checked first because "--- FAIL" lines often also mention errors.
func categorize(line string) (distributor.Category, bool) {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(line, "--- FAIL") || strings.HasPrefix(line, "FAIL"):
		return distributor.CategoryTestFailure, true
	case strings.Contains(lower, "error"):
		return distributor.CategoryError, true
	case strings.Contains(lower, "warning"):
		return distributor.CategoryWarning, true
	case strings.Contains(line, "TODO") || strings.Contains(line, "FIXME"):
		return distributor.CategoryTodo, true
	case strings.Contains(lower, "style"):
		return distributor.CategoryStyle, true
	default:
		return "", false
	}
}

// SuggestedAgents converts backlog size into a recommended worker count.
// Monotonically non-decreasing in workCount, never above maxAgents, zero
// for an empty backlog. The breakpoints are heuristic policy; each bucket
// is floored at the previous bucket's ceiling so the curve never dips.
func SuggestedAgents(workCount, maxAgents int) int {
	var n int
	switch {
	case workCount <= 0:
		return 0
	case workCount <= 10:
		n = 1
	case workCount <= 200:
		n = clamp(ceilDiv(workCount, 20), 1, 10)
	case workCount <= 500:
		n = clamp(ceilDiv(workCount, 25), 10, 20)
	default:
		n = clamp(ceilDiv(workCount, 30), 20, 50)
	}
	if n > maxAgents {
		n = maxAgents
	}
	return n
}

// SuggestedForBacklog sizes the pool from the live backlog: pending plus
// assigned items. Finished items and raw pre-dedupe finding counts do not
// call for workers.
func SuggestedForBacklog(stats distributor.Stats, maxAgents int) int {
	return SuggestedAgents(stats.Pending+stats.Assigned, maxAgents)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package session

import (
	"regexp"
	"strconv"
)

// UsageParser extracts the context-usage percentage from a session's pane
// content. The second return is false when no usage signal is present. The
// number is an opaque externally-derived signal; the coordinator only
// compares it against the clear threshold.
type UsageParser func(content string) (int, bool)

var (
	// Claude Code prints "Context left until auto-compact: 34%".
	contextLeftRegex = regexp.MustCompile(`Context left until auto-compact:\s*(\d+)%`)
	// Some agent versions print usage directly, e.g. "72% of context used".
	contextUsedRegex = regexp.MustCompile(`(\d+)%\s+of context used`)
)

// DefaultUsageParser recognizes the context lines printed by Claude Code.
// The last match in the pane wins, since panes scroll oldest-first.
func DefaultUsageParser(content string) (int, bool) {
	if m := lastMatch(contextLeftRegex, content); m != "" {
		left, err := strconv.Atoi(m)
		if err == nil && left >= 0 && left <= 100 {
			return 100 - left, true
		}
	}
	if m := lastMatch(contextUsedRegex, content); m != "" {
		used, err := strconv.Atoi(m)
		if err == nil && used >= 0 && used <= 100 {
			return used, true
		}
	}
	return 0, false
}

func lastMatch(re *regexp.Regexp, content string) string {
	matches := re.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1][1]
}

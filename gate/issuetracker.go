package gate

import (
	"context"
	"regexp"
)

// Issue is the subset of an issue-tracker ticket the gate needs to enforce
// the fix-version/type consistency check (spec.md §4.3, grounded on
// wall_e.py's jira_checks).
type Issue struct {
	Key         string
	Type        string
	FixVersions []string
	// ParentKey is set when Key names a sub-task; the gate resolves the
	// parent's fix-versions when the sub-task itself carries none, mirroring
	// jira_checks' sub-task resolution.
	ParentKey string
}

// IssueTracker fetches issues by key. The production implementation talks
// to Jira; tests use an in-memory fake.
type IssueTracker interface {
	GetIssue(ctx context.Context, key string) (*Issue, error)
}

// issueKeyRe extracts a PROJ-NNNN style key from a branch subname.
var issueKeyRe = regexp.MustCompile(`([A-Z][A-Z0-9]+-[0-9]+)`)

// extractIssueKey returns the issue key embedded in subname, if any.
func extractIssueKey(subname string) (string, bool) {
	m := issueKeyRe.FindStringSubmatch(subname)
	if m == nil {
		return "", false
	}
	return m[1], true
}

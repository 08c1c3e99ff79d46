// Package host defines the git-host façade (spec.md §6): the capability
// the gating/cascade/queue core requires from whichever Git host
// (Bitbucket, GitHub, or an in-memory mock for tests) is actually in use.
// Concrete implementations live in host/github and host/bitbucket; host/mock
// provides a fake for unit and integration tests.
package host

import "context"

// BuildState is the normalized state of a single CI context, independent of
// the host's own vocabulary (spec.md §3).
type BuildState string

const (
	NotStarted BuildState = "NOTSTARTED"
	InProgress BuildState = "INPROGRESS"
	Successful BuildState = "SUCCESSFUL"
	Failed     BuildState = "FAILED"
	Stopped    BuildState = "STOPPED"
)

// BuildStatus is keyed by (commit, ci-context) per spec.md §3.
type BuildStatus struct {
	Context     string
	State       BuildState
	URL         string
	Description string
}

// PRState is the lifecycle state of a pull request (spec.md §3).
type PRState string

const (
	Open     PRState = "OPEN"
	Merged   PRState = "MERGED"
	Declined PRState = "DECLINED"
)

// ReviewState is the state of a single review (spec.md §4.3: "last
// non-COMMENTED state wins").
type ReviewState string

const (
	ReviewApproved         ReviewState = "APPROVED"
	ReviewChangesRequested ReviewState = "CHANGES_REQUESTED"
	ReviewCommented        ReviewState = "COMMENTED"
	ReviewDismissed        ReviewState = "DISMISSED"
)

// Comment is a single issue/PR comment.
type Comment struct {
	ID     int64
	Author string
	Body   string
}

// Review is a single review submission, ordered by ID ascending so that the
// gate can fold them down to "latest non-COMMENTED state per reviewer."
type Review struct {
	ID       int64
	Author   string
	State    ReviewState
}

// PullRequest is the façade's view of a PR (spec.md §3). Comments and
// Reviews are returned oldest-first by ID; the idempotent commenter and the
// approval counter both depend on stable ordering.
type PullRequest struct {
	ID          int
	Title       string
	Author      string
	SrcBranch   string
	DstBranch   string
	SrcCommit   string
	State       PRState
	Description string
	Comments    []Comment
	Reviews     []Review
	// DiffSize is the number of changed lines across the PR, used by the
	// gate's max_commit_diff check (spec.md §4.3 step 6).
	DiffSize int
}

// Host is the git-host capability required by the gating/cascade/queue
// core. Every mutating method must be idempotent from the caller's
// perspective under at-least-once webhook delivery (spec.md §5, "Webhook
// retry").
type Host interface {
	// GetPullRequest fetches a single PR by number.
	GetPullRequest(ctx context.Context, owner, slug string, id int) (*PullRequest, error)
	// GetPullRequestsByState lists PRs in the given state, for queue restart
	// reconciliation and for bulk "PRs by author/src/state" lookups
	// (spec.md §6).
	GetPullRequestsByState(ctx context.Context, owner, slug string, state PRState) ([]*PullRequest, error)
	// CreatePullRequest opens a new PR. Implementations must treat a
	// pre-existing PR with the same src/dst as success (idempotent), since
	// the cascade engine's "create if absent" step (spec.md §4.4) may be
	// re-entered.
	CreatePullRequest(ctx context.Context, owner, slug string, in NewPullRequest) (*PullRequest, error)
	// AddComment posts a new comment; the idempotent-commenter contract
	// (spec.md §4.2) lives above this method, in package commenter.
	AddComment(ctx context.Context, owner, slug string, prID int, body string) (*Comment, error)
	// SetBuildStatus sets a build/check-run status for a commit.
	SetBuildStatus(ctx context.Context, owner, slug, sha string, status BuildStatus) error
	// GetBuildStatus fetches the current build status for (sha, context).
	GetBuildStatus(ctx context.Context, owner, slug, sha, ciContext string) (*BuildStatus, error)
	// Merge merges a PR. Implementations report a no-op merge (already
	// merged) as success.
	Merge(ctx context.Context, owner, slug string, prID int, sha string) error
	// Decline declines/closes a PR without merging.
	Decline(ctx context.Context, owner, slug string, prID int) error
	// BotLogin returns the authenticated robot account's username.
	BotLogin(ctx context.Context) (string, error)
}

// NewPullRequest is the input to CreatePullRequest.
type NewPullRequest struct {
	Title       string
	SrcBranch   string
	DstBranch   string
	Description string
	Reviewers   []string
}

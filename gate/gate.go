// Package gate implements the admission predicate and gating state machine
// (spec.md §4.3): given a pull request's observable state, decide whether
// it is Ready for the cascade/queue, or should halt with a user-visible
// reason, or should be silently ignored. Nothing here is persisted —
// every evaluation recomputes the verdict from scratch.
package gate

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/clarketm/gatekeeper/branch"
	"github.com/clarketm/gatekeeper/config"
	"github.com/clarketm/gatekeeper/gkerrors"
	"github.com/clarketm/gatekeeper/host"
	"github.com/clarketm/gatekeeper/version"
)

// Deps bundles the context Evaluate needs beyond the PR itself.
type Deps struct {
	Settings *config.Settings
	Lattice  *version.Lattice
	Host     host.Host
	Tracker  IssueTracker // may be nil; nil disables the issue-tracker check
	Owner    string
	Slug     string
	BotLogin string
}

// Plan is returned on a Ready verdict: the parsed branch names and the
// cascade the admitted PR must be built across.
type Plan struct {
	Source  branch.Name
	Dest    branch.Name
	Cascade []version.Version
	Options Options
}

// Evaluate recomputes the gating verdict for pr. A nil error means Ready
// (plan is populated); otherwise the returned error is a *gkerrors.UserError
// or *gkerrors.SilentError naming exactly why the PR halted this cycle.
// childPRs are the already-created child integration PRs for pr's cascade,
// supplied by the caller (the gate has no knowledge of the cascade store).
func Evaluate(ctx context.Context, d Deps, pr *host.PullRequest, childPRs []*host.PullRequest) (*Plan, error) {
	src := branch.Parse(pr.SrcBranch)
	dst := branch.Parse(pr.DstBranch)

	if src.Kind == branch.Hotfix {
		return nil, gkerrors.NewSilentError(gkerrors.CodeHotfixPrefix, "hotfix-prefixed source branches are not handled by the engine")
	}
	if dst.Kind != branch.Development {
		return nil, gkerrors.NewSilentError(gkerrors.CodeNotOurs, "destination %q is not a development branch", pr.DstBranch)
	}
	if !d.Lattice.Contains(dst.Version) {
		return nil, gkerrors.NewSilentError(gkerrors.CodeNotOurs, "destination version %s is not in the lattice", dst.Version)
	}
	switch src.Kind {
	case branch.Feature, branch.Bugfix, branch.Improvement:
	default:
		return nil, gkerrors.NewUserError(gkerrors.CodeBranchNameInvalid, "source branch %q does not name a feature/bugfix/improvement change", pr.SrcBranch)
	}

	opts := ResolveOptions(d.Settings, pr, d.BotLogin)

	tip, hasTip := d.Lattice.Tip()
	isTip := hasTip && version.Equal(dst.Version, tip)
	if !branch.Admits(src.Prefix, dst.Version, isTip) && !opts.BypassIncompatible {
		return nil, gkerrors.NewUserError(gkerrors.CodeBranchDoesNotAcceptFeats,
			"%s does not accept %s changes", pr.DstBranch, src.Prefix)
	}

	cascade, err := d.Lattice.Cascade(dst.Version)
	if err != nil {
		return nil, gkerrors.NewUserError(gkerrors.CodeBranchNameInvalid, "%s", err.Error())
	}

	if err := checkIssueTracker(ctx, d, src, isTip, cascade); err != nil {
		return nil, err
	}

	if err := checkApprovals(d.Settings, pr, opts); err != nil {
		return nil, err
	}

	if err := checkBuilds(ctx, d, pr, childPRs, opts); err != nil {
		return nil, err
	}

	if d.Settings.MaxCommitDiff > 0 && pr.DiffSize > d.Settings.MaxCommitDiff && !opts.BypassIncompatible {
		return nil, gkerrors.NewUserError(gkerrors.CodeCommitTooLarge,
			"diff of %d lines exceeds max_commit_diff=%d", pr.DiffSize, d.Settings.MaxCommitDiff)
	}

	return &Plan{Source: src, Dest: dst, Cascade: cascade, Options: opts}, nil
}

func checkIssueTracker(ctx context.Context, d Deps, src branch.Name, isTip bool, cascade []version.Version) error {
	if d.Settings.DisableVersionChecks || d.Tracker == nil {
		return nil
	}
	for _, p := range d.Settings.BypassPrefixes {
		if p == src.Prefix {
			return nil
		}
	}

	key, ok := extractIssueKey(src.Subname)
	if !ok {
		if isTip {
			return nil
		}
		return gkerrors.NewUserError(gkerrors.CodeIssueCheckFailed,
			"no issue key found in %q; an issue is required when propagating into a maintenance line", src.Subname)
	}

	issue, err := d.Tracker.GetIssue(ctx, key)
	if err != nil {
		return gkerrors.NewTransientError("gate.GetIssue", err)
	}
	if issue.ParentKey != "" && len(issue.FixVersions) == 0 {
		parent, err := d.Tracker.GetIssue(ctx, issue.ParentKey)
		if err != nil {
			return gkerrors.NewTransientError("gate.GetIssue", err)
		}
		issue.FixVersions = parent.FixVersions
	}

	expectedPrefix, ok := d.Settings.Prefixes[issue.Type]
	if ok && expectedPrefix != src.Prefix {
		return gkerrors.NewUserError(gkerrors.CodeIssueCheckFailed,
			"issue %s has type %q which maps to prefix %q, not %q", key, issue.Type, expectedPrefix, src.Prefix)
	}

	want := map[string]bool{}
	for _, v := range cascade {
		want[v.String()] = true
	}
	got := map[string]bool{}
	for _, v := range issue.FixVersions {
		got[v] = true
	}
	if !equalSets(want, got) {
		return gkerrors.NewUserError(gkerrors.CodeIssueCheckFailed,
			"issue %s fix-versions %v do not match expected cascade %v", key, issue.FixVersions, cascadeStrings(cascade))
	}
	return nil
}

func equalSets(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func cascadeStrings(cascade []version.Version) []string {
	out := make([]string, len(cascade))
	for i, v := range cascade {
		out[i] = v.String()
	}
	return out
}

func checkApprovals(settings *config.Settings, pr *host.PullRequest, opts Options) error {
	latest := map[string]host.ReviewState{}
	reviews := append([]host.Review(nil), pr.Reviews...)
	sort.Slice(reviews, func(i, j int) bool { return reviews[i].ID < reviews[j].ID })
	for _, r := range reviews {
		if r.State == host.ReviewCommented {
			continue
		}
		latest[r.Author] = r.State
	}

	var peerApprovers []string
	authorApproved := false
	for author, state := range latest {
		if state != host.ReviewApproved {
			continue
		}
		if author == pr.Author {
			authorApproved = true
			continue
		}
		peerApprovers = append(peerApprovers, author)
	}

	if settings.NeedAuthorApproval && !authorApproved && !opts.BypassAuthorApproval {
		return gkerrors.NewUserError(gkerrors.CodeNeedAuthorApproval, "author approval is required")
	}

	required := settings.RequiredPeerApprovals
	if opts.Unanimity {
		required = len(peerApprovers)
	}
	if len(peerApprovers) < required && !opts.BypassPeerApproval {
		return gkerrors.NewUserError(gkerrors.CodeNeedPeerApproval,
			"%d/%d required peer approvals", len(peerApprovers), required)
	}

	leaders := map[string]bool{}
	for _, l := range settings.ProjectLeaders {
		leaders[l] = true
	}
	leaderApprovals := 0
	for _, a := range peerApprovers {
		if leaders[a] {
			leaderApprovals++
		}
	}
	if leaderApprovals < settings.RequiredLeaderApprovals && !opts.BypassLeaderApproval {
		return gkerrors.NewUserError(gkerrors.CodeNeedLeaderApproval,
			"%d/%d required leader approvals", leaderApprovals, settings.RequiredLeaderApprovals)
	}
	return nil
}

func checkBuilds(ctx context.Context, d Deps, pr *host.PullRequest, childPRs []*host.PullRequest, opts Options) error {
	if opts.BypassBuildStatus {
		return nil
	}

	shas := make([]string, 0, 1+len(childPRs))
	shas = append(shas, pr.SrcCommit)
	for _, c := range childPRs {
		shas = append(shas, c.SrcCommit)
	}

	statuses := make([]*host.BuildStatus, len(shas))
	g, gctx := errgroup.WithContext(ctx)
	for i, sha := range shas {
		i, sha := i, sha
		g.Go(func() error {
			s, err := d.Host.GetBuildStatus(gctx, d.Owner, d.Slug, sha, d.Settings.BuildKey)
			if err != nil {
				return gkerrors.NewTransientError("gate.GetBuildStatus", err)
			}
			statuses[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, s := range statuses {
		switch s.State {
		case host.Successful:
			continue
		case host.Failed, host.Stopped:
			return gkerrors.NewUserError(gkerrors.CodeBuildFailed, "build %q reported %s", s.Context, s.State)
		case host.NotStarted:
			return gkerrors.NewUserError(gkerrors.CodeBuildNotStarted, "build %q has not started", s.Context)
		default:
			return gkerrors.NewUserError(gkerrors.CodeBuildInProgress, "build %q is in progress", s.Context)
		}
	}
	return nil
}

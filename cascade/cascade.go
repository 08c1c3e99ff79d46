// Package cascade implements the propagation engine (spec.md §4.4): given
// an admitted source PR, build or refresh one integration branch per
// cascade version, merging the source and development tip into each in
// turn, creating child integration PRs as it goes, and halting on the
// first conflict.
package cascade

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/gatekeeper/branch"
	"github.com/clarketm/gatekeeper/git"
	"github.com/clarketm/gatekeeper/gkerrors"
	"github.com/clarketm/gatekeeper/host"
	"github.com/clarketm/gatekeeper/version"
)

// Plan is the input to Build: an admitted source PR and the cascade it must
// propagate across.
type Plan struct {
	SourcePR  *host.PullRequest
	Source    branch.Name
	Cascade   []version.Version
	Prefix    string
	Subname   string
}

// StepResult records what Build did for a single cascade version, used by
// callers to report progress and by tests to assert cascade coverage
// (spec.md §8 invariant 1).
type StepResult struct {
	Version          version.Version
	IntegrationRef   string
	IntegrationSHA   string
	ChildPR          *host.PullRequest
	Skipped          bool // re-entrancy: already up to date
}

// Engine owns the git façade and host façade needed to build cascades for
// one repository.
type Engine struct {
	git    *git.Client
	host   host.Host
	owner  string
	slug   string
	logger *logrus.Entry
}

// New builds a cascade Engine for a single (owner, slug) repository.
func New(g *git.Client, h host.Host, owner, slug string, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{git: g, host: h, owner: owner, slug: slug, logger: logger.WithField("component", "cascade")}
}

// Build executes spec.md §4.4's algorithm for plan, returning one
// StepResult per cascade version it attempted. Build halts at the first
// conflicted version: steps for later versions are never attempted, and
// the returned error is a *gkerrors.UserError with Code Conflict.
func (e *Engine) Build(ctx context.Context, plan Plan) ([]StepResult, error) {
	repo, err := e.git.Clone(fmt.Sprintf("%s/%s", e.owner, e.slug))
	if err != nil {
		return nil, err
	}
	defer repo.Clean()

	if err := repo.Config("user.name", "gatekeeper"); err != nil {
		return nil, gkerrors.NewTransientError("cascade.Config", err)
	}
	if err := repo.Config("user.email", "gatekeeper@localhost"); err != nil {
		return nil, gkerrors.NewTransientError("cascade.Config", err)
	}

	var results []StepResult
	parent := plan.Source.Raw

	for _, v := range plan.Cascade {
		integrationRef := branch.IntegrationName(v, plan.Prefix, plan.Subname)
		devRef := branch.DevelopmentName(v)
		logger := e.logger.WithFields(logrus.Fields{"version": v.String(), "integration_ref": integrationRef})

		exists, err := repo.RefExists(integrationRef)
		if err != nil {
			return results, gkerrors.NewTransientError("cascade.RefExists", err)
		}
		if exists {
			upToDate, err := e.alreadyCascaded(repo, integrationRef, parent, devRef)
			if err != nil {
				return results, err
			}
			if upToDate {
				sha, err := repo.RevParse("refs/remotes/origin/" + integrationRef)
				if err != nil {
					return results, gkerrors.NewTransientError("cascade.RevParse", err)
				}
				results = append(results, StepResult{Version: v, IntegrationRef: integrationRef, IntegrationSHA: sha, Skipped: true})
				parent = integrationRef
				continue
			}
			if err := repo.ResetToRemote(integrationRef); err != nil {
				return results, gkerrors.NewTransientError("cascade.ResetToRemote", err)
			}
		} else {
			if err := repo.CreateBranch(integrationRef, devRef); err != nil {
				return results, gkerrors.NewTransientError("cascade.CreateBranch", err)
			}
		}

		if err := repo.FetchRef(parent); err != nil {
			return results, gkerrors.NewTransientError("cascade.FetchRef", err)
		}
		if err := repo.MergeNoFF("FETCH_HEAD", integrationRef); err != nil {
			return results, e.conflict(ctx, logger, err, parent, integrationRef)
		}

		if err := repo.FetchRef(devRef); err != nil {
			return results, gkerrors.NewTransientError("cascade.FetchRef", err)
		}
		if err := repo.MergeNoFF("FETCH_HEAD", integrationRef); err != nil {
			return results, e.conflict(ctx, logger, err, devRef, integrationRef)
		}

		if err := repo.Push(integrationRef); err != nil {
			return results, gkerrors.NewTransientError("cascade.Push", err)
		}
		sha, err := repo.RevParse("HEAD")
		if err != nil {
			return results, gkerrors.NewTransientError("cascade.RevParse", err)
		}

		childPR, err := e.ensureChildPR(ctx, plan, v, integrationRef, devRef)
		if err != nil {
			return results, err
		}

		results = append(results, StepResult{Version: v, IntegrationRef: integrationRef, IntegrationSHA: sha, ChildPR: childPR})
		parent = integrationRef
	}

	return results, nil
}

// alreadyCascaded implements the re-entrancy check (spec.md §4.4): skip
// rebuilding a cascade step whose integration branch already reaches both
// its parent and the development tip.
func (e *Engine) alreadyCascaded(repo *git.Repo, integrationRef, parent, devRef string) (bool, error) {
	if err := repo.FetchRef(integrationRef); err != nil {
		return false, gkerrors.NewTransientError("cascade.FetchRef", err)
	}
	integrationSHA, err := repo.RevParse("FETCH_HEAD")
	if err != nil {
		return false, gkerrors.NewTransientError("cascade.RevParse", err)
	}

	if err := repo.FetchRef(parent); err != nil {
		return false, gkerrors.NewTransientError("cascade.FetchRef", err)
	}
	parentSHA, err := repo.RevParse("FETCH_HEAD")
	if err != nil {
		return false, gkerrors.NewTransientError("cascade.RevParse", err)
	}
	reachesParent, err := repo.IsAncestor(parentSHA, integrationSHA)
	if err != nil {
		return false, gkerrors.NewTransientError("cascade.IsAncestor", err)
	}
	if !reachesParent {
		return false, nil
	}

	if err := repo.FetchRef(devRef); err != nil {
		return false, gkerrors.NewTransientError("cascade.FetchRef", err)
	}
	devSHA, err := repo.RevParse("FETCH_HEAD")
	if err != nil {
		return false, gkerrors.NewTransientError("cascade.RevParse", err)
	}
	reachesDev, err := repo.IsAncestor(devSHA, integrationSHA)
	if err != nil {
		return false, gkerrors.NewTransientError("cascade.IsAncestor", err)
	}
	return reachesDev, nil
}

func (e *Engine) conflict(ctx context.Context, logger *logrus.Entry, cause error, src, dst string) error {
	logger.WithError(cause).Warn("cascade conflict")
	return gkerrors.NewUserError(gkerrors.CodeConflict, "merging %s into %s produced a conflict", src, dst)
}

// ensureChildPR creates the child integration PR for version v if one
// doesn't already exist with a matching src/dst (host.CreatePullRequest is
// itself idempotent on that pair, per the host façade's contract).
func (e *Engine) ensureChildPR(ctx context.Context, plan Plan, v version.Version, integrationRef, devRef string) (*host.PullRequest, error) {
	title := fmt.Sprintf("[%s] #%d: %s", devRef, plan.SourcePR.ID, plan.SourcePR.Title)
	description := fmt.Sprintf("Integration branch for #%d, cascaded onto %s.\n\nDo not merge this PR directly; it is managed by gatekeeper.", plan.SourcePR.ID, devRef)

	pr, err := e.host.CreatePullRequest(ctx, e.owner, e.slug, host.NewPullRequest{
		Title:       title,
		SrcBranch:   integrationRef,
		DstBranch:   devRef,
		Description: description,
	})
	if err != nil {
		return nil, gkerrors.NewTransientError("cascade.CreatePullRequest", err)
	}
	return pr, nil
}

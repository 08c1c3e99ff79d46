package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/gatekeeper/branch"
	"github.com/clarketm/gatekeeper/cascade"
	"github.com/clarketm/gatekeeper/commenter"
	"github.com/clarketm/gatekeeper/config"
	"github.com/clarketm/gatekeeper/dispatch"
	"github.com/clarketm/gatekeeper/gate"
	"github.com/clarketm/gatekeeper/git"
	"github.com/clarketm/gatekeeper/gkerrors"
	"github.com/clarketm/gatekeeper/host"
	"github.com/clarketm/gatekeeper/ingress"
	"github.com/clarketm/gatekeeper/metrics"
	"github.com/clarketm/gatekeeper/queue"
	"github.com/clarketm/gatekeeper/version"
	"github.com/prometheus/client_golang/prometheus"
)

// orchestrator wires the gating/cascade/queue core together for a single
// repository and exposes the two re-evaluation entry points the dispatcher
// jobs call: EvaluatePR and EvaluateCommit. It owns no state of its own
// beyond the in-memory queue.Queue; every decision is recomputed from the
// host and git façades on each call (spec.md §4.6: jobs are idempotent).
type orchestrator struct {
	agent   *config.Agent
	gitCli  *git.Client
	host    host.Host
	lattice *version.Lattice

	cascadeEngine *cascade.Engine
	q             *queue.Queue
	notify        *commenter.Commenter
	metrics       *metrics.Metrics
	logger        *logrus.Entry
}

func newOrchestrator(agent *config.Agent, gitCli *git.Client, h host.Host, lattice *version.Lattice, m *metrics.Metrics, logger *logrus.Entry) *orchestrator {
	s := agent.Config()
	botLogin := s.RobotUsername
	return &orchestrator{
		agent:         agent,
		gitCli:        gitCli,
		host:          h,
		lattice:       lattice,
		cascadeEngine: cascade.New(gitCli, h, s.RepositoryOwner, s.RepositorySlug, logger),
		q:             queue.New(gitCli, h, s.RepositoryOwner, s.RepositorySlug, logger),
		notify:        commenter.New(h, s.RepositoryOwner, s.RepositorySlug, botLogin, logger),
		metrics:       m,
		logger:        logger.WithField("component", "orchestrator"),
	}
}

// EvaluatePR re-runs the full gate -> cascade -> queue-admit pipeline for a
// single PR (spec.md §4.1-§4.5's end-to-end flow).
func (o *orchestrator) EvaluatePR(ctx context.Context, prID int) error {
	settings := o.agent.Config()
	pr, err := o.host.GetPullRequest(ctx, settings.RepositoryOwner, settings.RepositorySlug, prID)
	if err != nil {
		return gkerrors.NewTransientError("orchestrator.GetPullRequest", err)
	}
	if pr.State != host.Open {
		return nil
	}

	deps := gate.Deps{
		Settings: settings,
		Lattice:  o.lattice,
		Host:     o.host,
		Owner:    settings.RepositoryOwner,
		Slug:     settings.RepositorySlug,
		BotLogin: settings.RobotUsername,
	}

	childPRs, err := o.childPRsFor(ctx, pr, settings)
	if err != nil {
		return err
	}

	plan, err := gate.Evaluate(ctx, deps, pr, childPRs)
	if err != nil {
		return o.reportVerdict(ctx, prID, err)
	}

	if o.metrics != nil {
		o.metrics.GateVerdicts.WithLabelValues("ready").Inc()
		stop := prometheus.NewTimer(o.metrics.CascadeBuild.WithLabelValues("ok"))
		defer stop.ObserveDuration()
	}

	results, err := o.cascadeEngine.Build(ctx, cascade.Plan{
		SourcePR: pr,
		Source:   plan.Source,
		Cascade:  plan.Cascade,
		Prefix:   plan.Source.Prefix,
		Subname:  plan.Source.Subname,
	})
	if err != nil {
		return o.reportVerdict(ctx, prID, err)
	}

	if !settings.UseQueues || settings.DisableQueues {
		for _, r := range results {
			if r.Skipped {
				continue
			}
			if err := o.host.Merge(ctx, settings.RepositoryOwner, settings.RepositorySlug, prID, r.IntegrationSHA); err != nil {
				o.logger.WithError(err).Warn("direct merge failed")
			}
		}
		return nil
	}

	if o.q.Occupies(prID, pr.SrcCommit) {
		return nil
	}

	repo, err := o.gitCli.Clone(fmt.Sprintf("%s/%s", settings.RepositoryOwner, settings.RepositorySlug))
	if err != nil {
		return gkerrors.NewTransientError("orchestrator.Clone", err)
	}
	defer repo.Clean()

	if _, err := o.q.Admit(ctx, repo, prID, pr.SrcCommit, plan.Source.Prefix, plan.Source.Subname, plan.Cascade); err != nil {
		return err
	}
	return o.sweepQueue(ctx)
}

// EvaluateCommit re-evaluates every open PR whose head commit is sha, then
// sweeps the merge queue so that a status on a q/* branch still drives
// promotion, in response to a build-status/check-suite event (spec.md §4.6).
func (o *orchestrator) EvaluateCommit(ctx context.Context, sha string) error {
	settings := o.agent.Config()
	prs, err := o.host.GetPullRequestsByState(ctx, settings.RepositoryOwner, settings.RepositorySlug, host.Open)
	if err != nil {
		return gkerrors.NewTransientError("orchestrator.GetPullRequestsByState", err)
	}
	for _, pr := range prs {
		if pr.SrcCommit != sha {
			continue
		}
		if err := o.EvaluatePR(ctx, pr.ID); err != nil {
			o.logger.WithError(err).WithField("pr", pr.ID).Warn("re-evaluation failed")
		}
	}
	return o.sweepQueue(ctx)
}

// sweepQueue evaluates the build state of every wavefront entry and
// promotes, evicts, or leaves it pending (spec.md §4.5). Build state is
// recomputed from host.GetBuildStatus on every tick rather than cached,
// consistent with the queue's no-persisted-state contract.
func (o *orchestrator) sweepQueue(ctx context.Context) error {
	settings := o.agent.Config()
	if !settings.UseQueues || settings.DisableQueues || o.q.Inconsistent() {
		return nil
	}

	wavefront := o.q.Wavefront()
	if o.metrics != nil {
		for vs, depth := range o.q.Depths() {
			o.metrics.QueueDepth.WithLabelValues(vs).Set(float64(depth))
		}
	}
	if len(wavefront) == 0 {
		return nil
	}

	repo, err := o.gitCli.Clone(fmt.Sprintf("%s/%s", settings.RepositoryOwner, settings.RepositorySlug))
	if err != nil {
		return gkerrors.NewTransientError("orchestrator.sweepQueue.Clone", err)
	}
	defer repo.Clean()

	for _, entry := range wavefront {
		state, err := o.q.Evaluate(ctx, settings.BuildKey, entry)
		if err != nil {
			o.logger.WithError(err).WithField("pr", entry.PRID).Warn("queue evaluate failed")
			continue
		}

		switch state {
		case queue.BuildAllGreen:
			if err := o.q.Promote(ctx, repo, entry, settings.AtomicQueuePush); err != nil {
				if qerr, ok := err.(*gkerrors.QueueInconsistencyError); ok {
					if nerr := o.notify.Notify(ctx, entry.PRID, "queue-inconsistency", qerr.Error()); nerr != nil {
						o.logger.WithError(nerr).Warn("failed to notify queue inconsistency")
					}
					continue
				}
				o.logger.WithError(err).WithField("pr", entry.PRID).Warn("queue promote failed")
			}
		case queue.BuildFailed:
			if err := o.q.Evict(repo, entry); err != nil {
				o.logger.WithError(err).WithField("pr", entry.PRID).Warn("queue evict failed")
				continue
			}
			if err := o.notify.Notify(ctx, entry.PRID, "queue-build-failed",
				"The build failed while this pull request was queued; it has been evicted and must be re-admitted."); err != nil {
				o.logger.WithError(err).WithField("pr", entry.PRID).Warn("failed to notify queue eviction")
			}
		case queue.BuildPending:
			// still waiting on at least one queue branch's build.
		}
	}
	return nil
}

// PeriodicSweep reconstructs the queue's in-memory FIFOs from the q/* refs
// present on the remote (spec.md §4.5 "Queue recovery on restart") and then
// runs one promotion sweep. Scheduled every few minutes so a crash-restart
// or a missed webhook never leaves the queue stuck.
func (o *orchestrator) PeriodicSweep(ctx context.Context) error {
	settings := o.agent.Config()
	if !settings.UseQueues || settings.DisableQueues {
		return nil
	}
	repo, err := o.gitCli.Clone(fmt.Sprintf("%s/%s", settings.RepositoryOwner, settings.RepositorySlug))
	if err != nil {
		return gkerrors.NewTransientError("orchestrator.PeriodicSweep.Clone", err)
	}
	defer repo.Clean()

	refs, err := repo.ListRefs("q/*")
	if err != nil {
		return err
	}
	remoteRefs := make([]queue.RemoteRef, len(refs))
	for i, r := range refs {
		remoteRefs[i] = queue.RemoteRef{Name: r.Name, CreatedAt: r.CreatedAt}
	}
	o.q.Recover(ctx, remoteRefs)

	return o.sweepQueue(ctx)
}

// childPRsFor finds the already-created child integration PRs for pr's
// cascade so the gate can fold their build statuses into the verdict
// (spec.md §4.3 step 6: "source PR and every child integration PR").
func (o *orchestrator) childPRsFor(ctx context.Context, pr *host.PullRequest, settings *config.Settings) ([]*host.PullRequest, error) {
	src := branch.Parse(pr.SrcBranch)
	dst := branch.Parse(pr.DstBranch)
	if src.Kind != branch.Feature && src.Kind != branch.Bugfix && src.Kind != branch.Improvement {
		return nil, nil
	}
	if !o.lattice.Contains(dst.Version) {
		return nil, nil
	}
	cascadeVersions, err := o.lattice.Cascade(dst.Version)
	if err != nil {
		return nil, nil
	}
	wanted := map[string]bool{}
	for _, v := range cascadeVersions {
		wanted[branch.IntegrationName(v, src.Prefix, src.Subname)] = true
	}

	open, err := o.host.GetPullRequestsByState(ctx, settings.RepositoryOwner, settings.RepositorySlug, host.Open)
	if err != nil {
		return nil, gkerrors.NewTransientError("orchestrator.GetPullRequestsByState", err)
	}
	var out []*host.PullRequest
	for _, p := range open {
		if wanted[p.SrcBranch] {
			out = append(out, p)
		}
	}
	return out, nil
}

// reportVerdict translates a gating error into exactly one idempotent
// comment, keyed by the error's stable code so an identical verdict is not
// re-posted while the earlier copy is within the commenter's lookback
// window (spec.md §4.2, §7).
func (o *orchestrator) reportVerdict(ctx context.Context, prID int, err error) error {
	switch e := err.(type) {
	case *gkerrors.UserError:
		return o.notify.Notify(ctx, prID, string(e.Code), e.Message)
	case *gkerrors.SilentError:
		return nil
	case *gkerrors.QueueInconsistencyError:
		return o.notify.Notify(ctx, prID, "QueueInconsistency", e.Error())
	default:
		return err
	}
}

// jobFactory binds the dispatcher's generic job constructors to this
// orchestrator's evaluation entry points, for ingress.Server to enqueue
// against without knowing about gate/cascade/queue internals.
func (o *orchestrator) jobFactory() ingress.JobFactory {
	return ingress.JobFactory{
		PullRequestJob: func(prID int) dispatch.Job {
			return dispatch.PullRequestJob{PRID: prID, Fn: o.EvaluatePR}
		},
		CommitJob: func(sha string) dispatch.Job {
			return dispatch.CommitJob{SHA: sha, Fn: o.EvaluateCommit}
		},
	}
}

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/clarketm/gatekeeper/config"
	"github.com/clarketm/gatekeeper/git/localgit"
	"github.com/clarketm/gatekeeper/host"
	"github.com/clarketm/gatekeeper/host/mock"
	"github.com/clarketm/gatekeeper/metrics"
	"github.com/clarketm/gatekeeper/version"
)

// newTestOrchestrator builds an orchestrator wired to an in-memory mock
// host and a local bare git fixture, with a single development/5.1 line
// and a bugfix/thing branch ready to admit.
func newTestOrchestrator(t *testing.T) (*orchestrator, *mock.Host, *localgit.LocalGit) {
	t.Helper()
	lg, gitClient, err := localgit.New()
	if err != nil {
		t.Fatalf("localgit.New: %v", err)
	}
	if err := lg.MakeFakeRepo("acme", "widget"); err != nil {
		t.Fatalf("MakeFakeRepo: %v", err)
	}
	if err := lg.CreateBranch("acme", "widget", "development/5.1", "master"); err != nil {
		t.Fatalf("CreateBranch development/5.1: %v", err)
	}
	if err := lg.CreateBranch("acme", "widget", "bugfix/thing", "development/5.1"); err != nil {
		t.Fatalf("CreateBranch bugfix/thing: %v", err)
	}
	if err := lg.AddCommit("acme", "widget", map[string][]byte{"thing.txt": []byte("fix\n")}); err != nil {
		t.Fatalf("AddCommit: %v", err)
	}

	cfgPath := filepath.Join(t.TempDir(), "settings.yaml")
	body := "repository_owner: acme\n" +
		"repository_slug: widget\n" +
		"use_queues: true\n" +
		"build_key: pre-merge\n" +
		"need_author_approval: false\n" +
		"required_peer_approvals: 0\n" +
		"pr_author_options:\n" +
		"  dev1:\n" +
		"    bypass_build_status: true\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	agent, err := config.NewAgent(cfgPath, nil)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	h := mock.New("gatekeeper-bot")
	lattice := version.NewLattice([]version.Version{{Major: 5, Minor: 1, Patch: version.NoPatch}})

	o := newOrchestrator(agent, gitClient, h, lattice, metrics.New(), nil)
	return o, h, lg
}

func seedReadyPR(t *testing.T, lg *localgit.LocalGit, h *mock.Host) string {
	t.Helper()
	sha, err := lg.RevParse("acme", "widget", "refs/heads/bugfix/thing")
	if err != nil {
		t.Fatalf("RevParse: %v", err)
	}
	h.SeedPullRequest(&host.PullRequest{
		ID:        7,
		State:     host.Open,
		SrcBranch: "bugfix/thing",
		DstBranch: "development/5.1",
		SrcCommit: sha,
		Author:    "dev1",
	})
	return sha
}

func TestEvaluatePRAdmissionIsIdempotent(t *testing.T) {
	o, h, lg := newTestOrchestrator(t)
	defer lg.Clean()

	seedReadyPR(t, lg, h)

	if err := o.EvaluatePR(context.Background(), 7); err != nil {
		t.Fatalf("first EvaluatePR: %v", err)
	}
	if n := len(o.q.Wavefront()); n != 1 {
		t.Fatalf("expected exactly one admitted entry after the first evaluation, got %d", n)
	}

	// A second, otherwise identical re-evaluation (e.g. a stray duplicate
	// webhook delivery for the same commit) must not append a second FIFO
	// entry for the same PR/SHA (spec.md §4.6: re-evaluation is idempotent).
	if err := o.EvaluatePR(context.Background(), 7); err != nil {
		t.Fatalf("second EvaluatePR: %v", err)
	}
	if n := len(o.q.Wavefront()); n != 1 {
		t.Fatalf("re-evaluating the same PR/SHA must not duplicate-admit it, wavefront has %d entries", n)
	}
}

func TestSweepQueuePromotesOnGreenBuild(t *testing.T) {
	o, h, lg := newTestOrchestrator(t)
	defer lg.Clean()

	seedReadyPR(t, lg, h)

	if err := o.EvaluatePR(context.Background(), 7); err != nil {
		t.Fatalf("EvaluatePR: %v", err)
	}
	if n := len(o.q.Wavefront()); n != 1 {
		t.Fatalf("expected the PR to be admitted to the queue, wavefront has %d entries", n)
	}

	entry := o.q.Wavefront()[0]
	sha, err := queueRefTip(o, entry.Refs["5.1"])
	if err != nil {
		t.Fatalf("resolving queue ref tip: %v", err)
	}
	h.SetBuildStatus(context.Background(), "acme", "widget", sha, host.BuildStatus{Context: "pre-merge", State: host.Successful})

	if err := o.sweepQueue(context.Background()); err != nil {
		t.Fatalf("sweepQueue: %v", err)
	}

	if n := len(o.q.Wavefront()); n != 0 {
		t.Fatalf("sweepQueue should have promoted and drained the wavefront, %d entries remain", n)
	}
	if got := h.MergeCalls(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("promotion should merge the originating PR, got %v", got)
	}
}

func TestSweepQueueEvictsOnFailedBuild(t *testing.T) {
	o, h, lg := newTestOrchestrator(t)
	defer lg.Clean()

	seedReadyPR(t, lg, h)

	if err := o.EvaluatePR(context.Background(), 7); err != nil {
		t.Fatalf("EvaluatePR: %v", err)
	}

	entry := o.q.Wavefront()[0]
	sha, err := queueRefTip(o, entry.Refs["5.1"])
	if err != nil {
		t.Fatalf("resolving queue ref tip: %v", err)
	}
	h.SetBuildStatus(context.Background(), "acme", "widget", sha, host.BuildStatus{Context: "pre-merge", State: host.Failed})

	if err := o.sweepQueue(context.Background()); err != nil {
		t.Fatalf("sweepQueue: %v", err)
	}

	if n := len(o.q.Wavefront()); n != 0 {
		t.Fatalf("sweepQueue should have evicted the failed entry, %d remain", n)
	}
	if len(h.MergeCalls()) != 0 {
		t.Fatalf("an evicted entry must never be merged")
	}

	pr, err := h.GetPullRequest(context.Background(), "acme", "widget", 7)
	if err != nil {
		t.Fatalf("GetPullRequest: %v", err)
	}
	if len(pr.Comments) == 0 {
		t.Fatalf("eviction should notify the PR")
	}
}

// queueRefTip resolves the current tip SHA of a queue ref, mirroring what
// queue.Evaluate does internally against the same git client.
func queueRefTip(o *orchestrator, ref string) (string, error) {
	repo, err := o.gitCli.Clone("acme/widget")
	if err != nil {
		return "", err
	}
	defer repo.Clean()
	if err := repo.FetchRef(ref); err != nil {
		return "", err
	}
	return repo.RevParse("FETCH_HEAD")
}

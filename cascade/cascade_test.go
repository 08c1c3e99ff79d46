package cascade

import (
	"context"
	"testing"

	"github.com/clarketm/gatekeeper/branch"
	"github.com/clarketm/gatekeeper/git/localgit"
	"github.com/clarketm/gatekeeper/host"
	"github.com/clarketm/gatekeeper/host/mock"
	"github.com/clarketm/gatekeeper/version"
)

func setupFixture(t *testing.T) (*localgit.LocalGit, *Engine, *mock.Host) {
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

	h := mock.New("gatekeeper-bot")
	e := New(gitClient, h, "acme", "widget", nil)
	return lg, e, h
}

func TestBuildCreatesIntegrationBranchAndChildPR(t *testing.T) {
	lg, e, h := setupFixture(t)
	defer lg.Clean()

	src := branch.Parse("bugfix/thing")
	plan := Plan{
		SourcePR: &host.PullRequest{ID: 7, Title: "fix the thing", SrcBranch: "bugfix/thing", DstBranch: "development/5.1"},
		Source:   branch.Name{Raw: "bugfix/thing", Kind: branch.Bugfix, Prefix: "bugfix", Subname: "thing"},
		Cascade:  []version.Version{{Major: 5, Minor: 1, Patch: version.NoPatch}},
		Prefix:   src.Prefix,
		Subname:  src.Subname,
	}

	results, err := e.Build(context.Background(), plan)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one cascade step, got %d", len(results))
	}
	step := results[0]
	if step.Skipped {
		t.Fatalf("first build of a fresh integration branch must not be Skipped")
	}
	if step.IntegrationRef != "w/5.1/bugfix/thing" {
		t.Fatalf("unexpected integration ref %q", step.IntegrationRef)
	}
	if step.ChildPR == nil {
		t.Fatalf("expected a child PR to be created")
	}

	sha, err := lg.RevParse("acme", "widget", "refs/heads/w/5.1/bugfix/thing")
	if err != nil {
		t.Fatalf("RevParse: %v", err)
	}
	if sha != step.IntegrationSHA {
		t.Fatalf("integration branch on the remote (%s) doesn't match the reported SHA (%s)", sha, step.IntegrationSHA)
	}
	if len(h.MergeCalls()) != 0 {
		t.Fatalf("Build itself must never merge the source PR, only cascade/create child PRs")
	}
}

func TestBuildIsReentrant(t *testing.T) {
	lg, e, _ := setupFixture(t)
	defer lg.Clean()

	src := branch.Parse("bugfix/thing")
	plan := Plan{
		SourcePR: &host.PullRequest{ID: 7, Title: "fix the thing", SrcBranch: "bugfix/thing", DstBranch: "development/5.1"},
		Source:   branch.Name{Raw: "bugfix/thing", Kind: branch.Bugfix, Prefix: "bugfix", Subname: "thing"},
		Cascade:  []version.Version{{Major: 5, Minor: 1, Patch: version.NoPatch}},
		Prefix:   src.Prefix,
		Subname:  src.Subname,
	}

	if _, err := e.Build(context.Background(), plan); err != nil {
		t.Fatalf("first Build: %v", err)
	}

	results, err := e.Build(context.Background(), plan)
	if err != nil {
		t.Fatalf("second Build: %v", err)
	}
	if len(results) != 1 || !results[0].Skipped {
		t.Fatalf("rebuilding an already-cascaded plan should report Skipped, got %+v", results)
	}
}

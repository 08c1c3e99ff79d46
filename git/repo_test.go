package git_test

import (
	"testing"

	"github.com/clarketm/gatekeeper/git/localgit"
)

func TestCloneCreateBranchAndMerge(t *testing.T) {
	lg, client, err := localgit.New()
	if err != nil {
		t.Fatalf("localgit.New: %v", err)
	}
	defer lg.Clean()

	if err := lg.MakeFakeRepo("acme", "widget"); err != nil {
		t.Fatalf("MakeFakeRepo: %v", err)
	}
	if err := lg.CreateBranch("acme", "widget", "development/5.1", "master"); err != nil {
		t.Fatalf("CreateBranch development/5.1: %v", err)
	}
	if err := lg.CreateBranch("acme", "widget", "feature/foo", "development/5.1"); err != nil {
		t.Fatalf("CreateBranch feature/foo: %v", err)
	}
	if err := lg.AddCommit("acme", "widget", map[string][]byte{"foo.txt": []byte("hello\n")}); err != nil {
		t.Fatalf("AddCommit: %v", err)
	}

	repo, err := client.Clone("acme/widget")
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	defer repo.Clean()

	if err := repo.CreateBranch("w/5.1/feature/foo", "development/5.1"); err != nil {
		t.Fatalf("Repo.CreateBranch: %v", err)
	}
	if err := repo.Config("user.email", "gatekeeper@localhost"); err != nil {
		t.Fatalf("Config: %v", err)
	}
	if err := repo.Config("user.name", "gatekeeper"); err != nil {
		t.Fatalf("Config: %v", err)
	}
	if err := repo.MergeNoFF("origin/feature/foo", "w/5.1/feature/foo"); err != nil {
		t.Fatalf("MergeNoFF: %v", err)
	}
	if err := repo.Push("w/5.1/feature/foo"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	sha, err := lg.RevParse("acme", "widget", "w/5.1/feature/foo")
	if err != nil {
		t.Fatalf("RevParse: %v", err)
	}
	if sha == "" {
		t.Fatalf("expected a resolvable sha for pushed integration branch")
	}
}

func TestIsAncestor(t *testing.T) {
	lg, client, err := localgit.New()
	if err != nil {
		t.Fatalf("localgit.New: %v", err)
	}
	defer lg.Clean()

	if err := lg.MakeFakeRepo("acme", "widget"); err != nil {
		t.Fatalf("MakeFakeRepo: %v", err)
	}
	repo, err := client.Clone("acme/widget")
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	defer repo.Clean()

	base, err := repo.RevParse("origin/master")
	if err != nil {
		t.Fatalf("RevParse: %v", err)
	}
	if err := repo.Config("user.email", "gatekeeper@localhost"); err != nil {
		t.Fatalf("Config: %v", err)
	}
	if err := repo.Config("user.name", "gatekeeper"); err != nil {
		t.Fatalf("Config: %v", err)
	}

	ok, err := repo.IsAncestor(base, base)
	if err != nil {
		t.Fatalf("IsAncestor: %v", err)
	}
	if !ok {
		t.Fatalf("expected master tip to be its own ancestor")
	}
}

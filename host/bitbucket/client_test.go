package bitbucket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clarketm/gatekeeper/host"
)

func newTestClient(base2, base1 string) *Client {
	c := New("gatekeeper-bot", "app-password", "bot@example.com", nil)
	c.base2 = base2
	c.base1 = base1
	return c
}

func TestBBPullRequestToHost(t *testing.T) {
	pr := bbPullRequest{ID: 9, Title: "fix it", State: "OPEN", Description: "desc"}
	pr.Source.Branch.Name = "bugfix/thing"
	pr.Source.Commit.Hash = "abc123"
	pr.Destination.Branch.Name = "development/5.1"
	pr.Author.Username = "dev1"

	out := pr.toHost()
	if out.State != host.Open {
		t.Fatalf("expected Open, got %v", out.State)
	}
	if out.SrcBranch != "bugfix/thing" || out.DstBranch != "development/5.1" {
		t.Fatalf("unexpected branch mapping: %+v", out)
	}
}

func TestBBPullRequestToHostDeclined(t *testing.T) {
	for _, state := range []string{"DECLINED", "SUPERSEDED"} {
		pr := bbPullRequest{ID: 1, State: state}
		if pr.toHost().State != host.Declined {
			t.Fatalf("state %q should map to host.Declined", state)
		}
	}
}

func TestGetBuildStatusFoldsNotFoundToNotStarted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL)
	status, err := c.GetBuildStatus(context.Background(), "acme", "widget", "deadbeef", "pre-merge")
	if err != nil {
		t.Fatalf("GetBuildStatus: %v", err)
	}
	if status.State != host.NotStarted {
		t.Fatalf("expected NotStarted on a 404, got %v", status.State)
	}
}

func TestGetBuildStatusIsCachedOnceSuccessful(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(struct {
			State string `json:"state"`
		}{State: "SUCCESSFUL"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL)
	for i := 0; i < 3; i++ {
		status, err := c.GetBuildStatus(context.Background(), "acme", "widget", "deadbeef", "pre-merge")
		if err != nil {
			t.Fatalf("GetBuildStatus call %d: %v", i, err)
		}
		if status.State != host.Successful {
			t.Fatalf("expected Successful, got %v", status.State)
		}
	}
	if calls != 1 {
		t.Fatalf("a positive (successful) result should be cached and fetched only once, got %d calls", calls)
	}
}

func TestStatusCacheIsScopedPerRepository(t *testing.T) {
	c := newTestClient("http://unused.invalid", "http://unused.invalid")
	a := c.statusCacheFor("acme", "widget")
	b := c.statusCacheFor("acme", "widget")
	other := c.statusCacheFor("acme", "gizmo")
	if a != b {
		t.Fatalf("statusCacheFor must return the same cache instance for the same owner/slug")
	}
	if a == other {
		t.Fatalf("statusCacheFor must not share a cache across repositories")
	}
}

func TestMergeTreatsConflictAsAlreadyMergedWhenPRIsMerged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusConflict)
		default:
			var pr bbPullRequest
			pr.ID = 5
			pr.State = "MERGED"
			json.NewEncoder(w).Encode(pr)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL)
	if err := c.Merge(context.Background(), "acme", "widget", 5, "deadbeef"); err != nil {
		t.Fatalf("Merge should treat a 409 on an already-merged PR as success, got %v", err)
	}
}

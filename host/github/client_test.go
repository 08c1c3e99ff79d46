package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/clarketm/gatekeeper/host"
)

// newTestClient builds a Client pointed at a local httptest server,
// bypassing New()'s hardcoded apiBase — the package-internal test file can
// set unexported fields directly since GitHub's production API obviously
// cannot be dialed from a unit test.
func newTestClient(base string, tokens TokenSource) *Client {
	oauthClient := &http.Client{Transport: &tokenTransport{tokens: tokens, base: http.DefaultTransport}}
	return &Client{
		http:    oauthClient,
		tokens:  tokens,
		base:    base,
		limiter: rate.NewLimiter(rate.Inf, 1),
		etags:   map[string]cachedResponse{},
	}
}

func TestStaticTokenSource(t *testing.T) {
	ts := NewStaticTokenSource("abc123")
	tok, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "abc123" {
		t.Fatalf("expected abc123, got %q", tok)
	}
}

func TestTokenTransportInjectsBearerHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &tokenTransport{tokens: staticToken("xyz"), base: http.DefaultTransport}}
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer xyz" {
		t.Fatalf("expected Bearer xyz, got %q", gotAuth)
	}
}

func TestGHPullRequestToHost(t *testing.T) {
	pr := ghPullRequest{Number: 42, Title: "fix it", State: "open", Body: "desc", Additions: 10, Deletions: 4}
	pr.Head.Ref = "bugfix/thing"
	pr.Head.SHA = "deadbeef"
	pr.Base.Ref = "development/5.1"
	pr.User.Login = "octocat"

	out := pr.toHost()
	if out.State != host.Open {
		t.Fatalf("expected Open, got %v", out.State)
	}
	if out.DiffSize != 14 {
		t.Fatalf("expected DiffSize 14, got %d", out.DiffSize)
	}
	if out.SrcBranch != "bugfix/thing" || out.DstBranch != "development/5.1" {
		t.Fatalf("unexpected branch mapping: %+v", out)
	}
}

func TestGHPullRequestToHostMerged(t *testing.T) {
	pr := ghPullRequest{Number: 1, Merged: true, State: "closed"}
	if pr.toHost().State != host.Merged {
		t.Fatalf("a merged PR must map to host.Merged even though State is \"closed\"")
	}
}

func TestGetPullRequestUsesETagOn304(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch {
		case r.URL.Path == "/repos/acme/widget/pulls/7":
			if r.Header.Get("If-None-Match") == `"v1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"v1"`)
			json.NewEncoder(w).Encode(ghPullRequest{Number: 7, Title: "first", State: "open"})
		default:
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode([]struct{}{})
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, staticToken("tok"))
	pr1, err := c.GetPullRequest(context.Background(), "acme", "widget", 7)
	if err != nil {
		t.Fatalf("first GetPullRequest: %v", err)
	}
	pr2, err := c.GetPullRequest(context.Background(), "acme", "widget", 7)
	if err != nil {
		t.Fatalf("second GetPullRequest: %v", err)
	}
	if pr1.Title != pr2.Title {
		t.Fatalf("304 response should replay the cached body: %q vs %q", pr1.Title, pr2.Title)
	}
}

func TestAppTokenSourceCachesUntilNearExpiry(t *testing.T) {
	a := &appTokenSource{token: "cached", expiresAt: time.Now().Add(time.Hour)}
	tok, err := a.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "cached" {
		t.Fatalf("expected the cached token to be reused, got %q", tok)
	}
}

// Package github implements host.Host against the GitHub REST and GraphQL
// APIs, grounded on the teacher's github.Client: a hand-rolled HTTP client
// with its own retry/backoff rather than a generated SDK, extended here
// with GitHub App JWT authentication and ETag-conditional GETs.
package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shurcooL/githubql"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/clarketm/gatekeeper/host"
)

const (
	apiBase    = "https://api.github.com"
	maxRetries = 8
	retryDelay = 2 * time.Second
)

// TokenSource abstracts how the client obtains its current bearer token:
// a static robot PAT, or a GitHub App installation token minted from a JWT
// (grounded on bert_e/git_host/github/__init__.py's _get_jwt).
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// staticToken implements TokenSource for a long-lived robot account PAT.
type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

// NewStaticTokenSource wraps a personal access token.
func NewStaticTokenSource(token string) TokenSource { return staticToken(token) }

// appTokenSource mints short-lived installation tokens from a GitHub App's
// private key, refreshing the JWT well before its 10-minute expiry.
type appTokenSource struct {
	appID          string
	installationID string
	key            *rsa.PrivateKey
	httpClient     *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewAppTokenSource builds a TokenSource backed by a GitHub App installation.
func NewAppTokenSource(appID, installationID string, key *rsa.PrivateKey) TokenSource {
	return &appTokenSource{appID: appID, installationID: installationID, key: key, httpClient: &http.Client{}}
}

func (a *appTokenSource) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Now().Before(a.expiresAt.Add(-30*time.Second)) {
		return a.token, nil
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    a.appID,
	}
	appJWT, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("github: signing app jwt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/app/installations/%s/access_tokens", apiBase, a.installationID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("github: requesting installation token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("github: installation token request failed with status %d", resp.StatusCode)
	}
	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	a.token, a.expiresAt = out.Token, out.ExpiresAt
	return a.token, nil
}

// Client is a host.Host backed by the GitHub REST API, plus a GraphQL
// client for bulk PR search.
type Client struct {
	http    *http.Client
	tokens  TokenSource
	base    string
	limiter *rate.Limiter
	gql     *githubql.Client
	logger  *logrus.Entry

	etagMu sync.Mutex
	etags  map[string]cachedResponse
}

type cachedResponse struct {
	etag string
	body []byte
}

// New builds a Client authenticating via tokens, throttled to qps requests
// per second with a burst of burst (grounded on §5's rate-limit
// conservation note; x/time/rate mirrors the teacher's general approach to
// outbound throttling).
func New(tokens TokenSource, qps float64, burst int, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	oauthClient := &http.Client{Transport: &tokenTransport{tokens: tokens, base: http.DefaultTransport}}
	return &Client{
		http:    oauthClient,
		tokens:  tokens,
		base:    apiBase,
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
		gql:     githubql.NewClient(oauthClient),
		logger:  logger.WithField("component", "host/github"),
		etags:   map[string]cachedResponse{},
	}
}

// tokenTransport injects the current bearer token into every request,
// consistent with golang.org/x/oauth2's StaticTokenSource shape but
// supporting our refreshable TokenSource too.
type tokenTransport struct {
	tokens TokenSource
	base   http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.tokens.Token(req.Context())
	if err != nil {
		return nil, err
	}
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+tok)
	req2.Header.Set("Accept", "application/vnd.github+json")
	return t.base.RoundTrip(req2)
}

func (c *Client) request(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp *http.Response
	var err error
	backoff := retryDelay
	for retries := 0; retries < maxRetries; retries++ {
		resp, err = c.doRequest(ctx, method, path, body)
		if err == nil && (resp.StatusCode < 500 || resp.StatusCode >= 600) {
			return resp, nil
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return resp, err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodGet {
		c.etagMu.Lock()
		if cached, ok := c.etags[path]; ok {
			req.Header.Set("If-None-Match", cached.etag)
		}
		c.etagMu.Unlock()
	}
	return c.http.Do(req)
}

// getJSON performs a GET, transparently serving a cached body on a 304 and
// recording the new ETag on a 200 (spec.md §5: "HTTP GETs to the host may
// carry ETag/Last-Modified for rate-limit conservation").
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		c.etagMu.Lock()
		body := c.etags[path].body
		c.etagMu.Unlock()
		return json.Unmarshal(body, out)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("github: GET %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		c.etagMu.Lock()
		c.etags[path] = cachedResponse{etag: etag, body: body}
		c.etagMu.Unlock()
	}
	return json.Unmarshal(body, out)
}

type ghPullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	Body    string `json:"body"`
	Head    struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

func (pr ghPullRequest) toHost() *host.PullRequest {
	state := host.Open
	if pr.Merged {
		state = host.Merged
	} else if pr.State == "closed" {
		state = host.Declined
	}
	return &host.PullRequest{
		ID:          pr.Number,
		Title:       pr.Title,
		Author:      pr.User.Login,
		SrcBranch:   pr.Head.Ref,
		DstBranch:   pr.Base.Ref,
		SrcCommit:   pr.Head.SHA,
		State:       state,
		Description: pr.Body,
		DiffSize:    pr.Additions + pr.Deletions,
	}
}

// GetPullRequest implements host.Host.
func (c *Client) GetPullRequest(ctx context.Context, owner, slug string, id int) (*host.PullRequest, error) {
	var pr ghPullRequest
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, slug, id), &pr); err != nil {
		return nil, err
	}
	out := pr.toHost()

	var comments []struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, slug, id), &comments); err == nil {
		for _, cm := range comments {
			out.Comments = append(out.Comments, host.Comment{ID: cm.ID, Author: cm.User.Login, Body: cm.Body})
		}
	}

	var reviews []struct {
		ID    int64  `json:"id"`
		State string `json:"state"`
		User  struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", owner, slug, id), &reviews); err == nil {
		for _, r := range reviews {
			out.Reviews = append(out.Reviews, host.Review{ID: r.ID, Author: r.User.Login, State: host.ReviewState(r.State)})
		}
	}
	return out, nil
}

// prSearchQuery is the githubql GraphQL query used by
// GetPullRequestsByState to bulk-fetch PRs without N+1 REST calls,
// grounded on the teacher's tide.go search usage of shurcooL/githubql.
type prSearchQuery struct {
	Search struct {
		Nodes []struct {
			PullRequest struct {
				Number githubql.Int
			} `graphql:"... on PullRequest"`
		}
	} `graphql:"search(query: $query, type: ISSUE, first: 100)"`
}

// GetPullRequestsByState implements host.Host via a GraphQL search, then
// hydrates each hit with a REST GetPullRequest call.
func (c *Client) GetPullRequestsByState(ctx context.Context, owner, slug string, state host.PRState) ([]*host.PullRequest, error) {
	q := fmt.Sprintf("repo:%s/%s is:pr is:%s", owner, slug, strings.ToLower(string(state)))
	var query prSearchQuery
	vars := map[string]interface{}{"query": githubql.String(q)}
	if err := c.gql.Query(ctx, &query, vars); err != nil {
		return nil, err
	}

	var out []*host.PullRequest
	for _, n := range query.Search.Nodes {
		pr, err := c.GetPullRequest(ctx, owner, slug, int(n.PullRequest.Number))
		if err != nil {
			continue
		}
		out = append(out, pr)
	}
	return out, nil
}

// CreatePullRequest implements host.Host, treating an existing open PR for
// the same src/dst as a successful no-op.
func (c *Client) CreatePullRequest(ctx context.Context, owner, slug string, in host.NewPullRequest) (*host.PullRequest, error) {
	existing, err := c.GetPullRequestsByState(ctx, owner, slug, host.Open)
	if err == nil {
		for _, pr := range existing {
			if pr.SrcBranch == in.SrcBranch && pr.DstBranch == in.DstBranch {
				return pr, nil
			}
		}
	}

	body := struct {
		Title string `json:"title"`
		Head  string `json:"head"`
		Base  string `json:"base"`
		Body  string `json:"body"`
	}{Title: in.Title, Head: in.SrcBranch, Base: in.DstBranch, Body: in.Description}

	resp, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pulls", owner, slug), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var pr ghPullRequest
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, err
	}
	return pr.toHost(), nil
}

// AddComment implements host.Host.
func (c *Client) AddComment(ctx context.Context, owner, slug string, prID int, commentBody string) (*host.Comment, error) {
	resp, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, slug, prID),
		struct {
			Body string `json:"body"`
		}{Body: commentBody})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &host.Comment{ID: out.ID, Body: out.Body}, nil
}

// SetBuildStatus implements host.Host via the commit-status API.
func (c *Client) SetBuildStatus(ctx context.Context, owner, slug, sha string, status host.BuildStatus) error {
	state := map[host.BuildState]string{
		host.NotStarted: "pending",
		host.InProgress: "pending",
		host.Successful: "success",
		host.Failed:     "failure",
		host.Stopped:    "error",
	}[status.State]

	resp, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/statuses/%s", owner, slug, sha),
		struct {
			State       string `json:"state"`
			TargetURL   string `json:"target_url,omitempty"`
			Description string `json:"description,omitempty"`
			Context     string `json:"context"`
		}{State: state, TargetURL: status.URL, Description: status.Description, Context: status.Context})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("github: set status failed with %d", resp.StatusCode)
	}
	return nil
}

// GetBuildStatus implements host.Host via the combined-status API.
func (c *Client) GetBuildStatus(ctx context.Context, owner, slug, sha, ciContext string) (*host.BuildStatus, error) {
	var combined struct {
		Statuses []struct {
			Context     string `json:"context"`
			State       string `json:"state"`
			TargetURL   string `json:"target_url"`
			Description string `json:"description"`
		} `json:"statuses"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/commits/%s/status", owner, slug, sha), &combined); err != nil {
		return nil, err
	}
	for _, s := range combined.Statuses {
		if s.Context != ciContext {
			continue
		}
		state := host.NotStarted
		switch s.State {
		case "success":
			state = host.Successful
		case "failure":
			state = host.Failed
		case "error":
			state = host.Stopped
		case "pending":
			state = host.InProgress
		}
		return &host.BuildStatus{Context: s.Context, State: state, URL: s.TargetURL, Description: s.Description}, nil
	}
	return &host.BuildStatus{Context: ciContext, State: host.NotStarted}, nil
}

// Merge implements host.Host.
func (c *Client) Merge(ctx context.Context, owner, slug string, prID int, sha string) error {
	resp, err := c.request(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, slug, prID),
		struct {
			SHA         string `json:"sha,omitempty"`
			MergeMethod string `json:"merge_method"`
		}{SHA: sha, MergeMethod: "merge"})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusMethodNotAllowed {
		return fmt.Errorf("github: merge #%d failed with %d", prID, resp.StatusCode)
	}
	return nil
}

// Decline implements host.Host by closing the PR without merging.
func (c *Client) Decline(ctx context.Context, owner, slug string, prID int) error {
	resp, err := c.request(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, slug, prID),
		struct {
			State string `json:"state"`
		}{State: "closed"})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("github: decline #%d failed with %d", prID, resp.StatusCode)
	}
	return nil
}

// BotLogin implements host.Host.
func (c *Client) BotLogin(ctx context.Context) (string, error) {
	var user struct {
		Login string `json:"login"`
	}
	if err := c.getJSON(ctx, "/user", &user); err != nil {
		return "", err
	}
	return user.Login, nil
}

// NewOAuth2HTTPClient builds an *http.Client using x/oauth2's standard
// StaticTokenSource transport, an alternative wiring path to New/
// tokenTransport for callers that already depend on x/oauth2 elsewhere
// (e.g. a Bitbucket App-password flow sharing the same oauth2 plumbing).
func NewOAuth2HTTPClient(ctx context.Context, token string) *http.Client {
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
}

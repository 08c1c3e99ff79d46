// Package bitbucket implements host.Host against the Bitbucket Cloud 2.0
// REST API, grounded on bert_e/api/bitbucket.py: HTTP Basic Auth over a
// shared client, paginated list endpoints, and a positive-only build-status
// cache (the Python LRUCache keyed by build context) reproduced here as a
// thin wrapper over statuscache.Cache.
package bitbucket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/gatekeeper/host"
	"github.com/clarketm/gatekeeper/statuscache"
)

const (
	apiBaseV2  = "https://api.bitbucket.org/2.0"
	apiBaseV1  = "https://api.bitbucket.org/1.0"
	maxRetries = 8
	retryDelay = 2 * time.Second
	maxPages   = 100
)

// Client is a host.Host backed by Bitbucket Cloud, authenticating with a
// dedicated robot account's login/app-password (bert_e's Client(Session)
// with HTTPBasicAuth, adapted to Go's net/http).
type Client struct {
	http   *http.Client
	login  string
	passwd string
	mail   string
	logger *logrus.Entry

	base2 string // defaults to apiBaseV2; overridable in tests
	base1 string // defaults to apiBaseV1; overridable in tests

	statusMu sync.Mutex
	statuses map[string]*statuscache.Cache // keyed by "owner/slug"
}

// New builds a Client for the named robot account. mail populates the
// `From` header bert_e sends on every request.
func New(login, appPassword, mail string, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		login:    login,
		passwd:   appPassword,
		mail:     mail,
		logger:   logger.WithField("component", "host/bitbucket"),
		base2:    apiBaseV2,
		base1:    apiBaseV1,
		statuses: map[string]*statuscache.Cache{},
	}
}

// statusCacheFor returns the per-repository build-status cache, creating it
// on first use (bert_e keys BUILD_STATUS_CACHE by build context globally;
// here one statuscache.Cache per repository is enough since Client already
// scopes every other call by owner/slug).
func (c *Client) statusCacheFor(owner, slug string) *statuscache.Cache {
	k := owner + "/" + slug
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if cache, ok := c.statuses[k]; ok {
		return cache
	}
	cache := statuscache.New(2048, func(ctx context.Context, sha, ciContext string) (*host.BuildStatus, error) {
		return c.fetchBuildStatus(ctx, owner, slug, sha, ciContext)
	})
	c.statuses[k] = cache
	return cache
}

func (c *Client) do(ctx context.Context, method, rawURL string, body interface{}) (*http.Response, error) {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(b)
	}
	var resp *http.Response
	var err error
	backoff := retryDelay
	for attempt := 0; attempt < maxRetries; attempt++ {
		req, rerr := http.NewRequestWithContext(ctx, method, rawURL, buf)
		if rerr != nil {
			return nil, rerr
		}
		req.SetBasicAuth(c.login, c.passwd)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "gatekeeper")
		if c.mail != "" {
			req.Header.Set("From", c.mail)
		}
		resp, err = c.http.Do(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return resp, err
}

func repoPath(owner, slug string) string {
	return fmt.Sprintf("%s/%s", url.PathEscape(owner), url.PathEscape(slug))
}

type bbPullRequest struct {
	ID     int    `json:"id"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Author struct {
		Username string `json:"username"`
	} `json:"author"`
	Description string `json:"description"`
	Source      struct {
		Branch struct {
			Name string `json:"name"`
		} `json:"branch"`
		Commit struct {
			Hash string `json:"hash"`
		} `json:"commit"`
	} `json:"source"`
	Destination struct {
		Branch struct {
			Name string `json:"name"`
		} `json:"branch"`
	} `json:"destination"`
}

func (pr bbPullRequest) toHost() *host.PullRequest {
	state := host.Open
	switch strings.ToUpper(pr.State) {
	case "MERGED":
		state = host.Merged
	case "DECLINED", "SUPERSEDED":
		state = host.Declined
	}
	return &host.PullRequest{
		ID:          pr.ID,
		Title:       pr.Title,
		Author:      pr.Author.Username,
		SrcBranch:   pr.Source.Branch.Name,
		DstBranch:   pr.Destination.Branch.Name,
		SrcCommit:   pr.Source.Commit.Hash,
		State:       state,
		Description: pr.Description,
	}
}

// GetPullRequest implements host.Host.
func (c *Client) GetPullRequest(ctx context.Context, owner, slug string, id int) (*host.PullRequest, error) {
	resp, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/repositories/%s/pullrequests/%d", c.base2, repoPath(owner, slug), id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("bitbucket: GET PR #%d: status %d", id, resp.StatusCode)
	}
	var pr bbPullRequest
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, err
	}
	out := pr.toHost()
	out.Comments, _ = c.listComments(ctx, owner, slug, id)
	out.Reviews, _ = c.listParticipants(ctx, owner, slug, id)
	return out, nil
}

func (c *Client) listComments(ctx context.Context, owner, slug string, prID int) ([]host.Comment, error) {
	var out []host.Comment
	next := fmt.Sprintf("%s/repositories/%s/pullrequests/%d/comments?pagelen=100", c.base2, repoPath(owner, slug), prID)
	for page := 0; page < maxPages && next != ""; page++ {
		resp, err := c.do(ctx, http.MethodGet, next, nil)
		if err != nil {
			return out, err
		}
		var body struct {
			Values []struct {
				ID      int64  `json:"id"`
				Content struct {
					Raw string `json:"raw"`
				} `json:"content"`
				User struct {
					Username string `json:"username"`
				} `json:"user"`
			} `json:"values"`
			Next string `json:"next"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return out, err
		}
		for _, v := range body.Values {
			out = append(out, host.Comment{ID: v.ID, Author: v.User.Username, Body: v.Content.Raw})
		}
		next = body.Next
	}
	return out, nil
}

// listParticipants surfaces pull-request participants with a non-empty
// approval/changes-requested role as host.Review entries — Bitbucket has
// no separate "reviews" resource the way GitHub does; participation state
// is attached directly to the PR.
func (c *Client) listParticipants(ctx context.Context, owner, slug string, prID int) ([]host.Review, error) {
	resp, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/repositories/%s/pullrequests/%d", c.base2, repoPath(owner, slug), prID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var body struct {
		Participants []struct {
			User struct {
				Username string `json:"username"`
			} `json:"user"`
			Approved bool   `json:"approved"`
			Role     string `json:"role"`
			State    string `json:"state"`
		} `json:"participants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	var out []host.Review
	for i, p := range body.Participants {
		state := host.ReviewCommented
		switch {
		case p.Approved:
			state = host.ReviewApproved
		case strings.EqualFold(p.State, "changes_requested"):
			state = host.ReviewChangesRequested
		default:
			continue
		}
		out = append(out, host.Review{ID: int64(i), Author: p.User.Username, State: state})
	}
	return out, nil
}

// GetPullRequestsByState implements host.Host.
func (c *Client) GetPullRequestsByState(ctx context.Context, owner, slug string, state host.PRState) ([]*host.PullRequest, error) {
	q := url.QueryEscape(fmt.Sprintf(`state="%s"`, strings.ToUpper(string(state))))
	var out []*host.PullRequest
	next := fmt.Sprintf("%s/repositories/%s/pullrequests?q=%s&pagelen=50", c.base2, repoPath(owner, slug), q)
	for page := 0; page < maxPages && next != ""; page++ {
		resp, err := c.do(ctx, http.MethodGet, next, nil)
		if err != nil {
			return out, err
		}
		var body struct {
			Values []bbPullRequest `json:"values"`
			Next   string          `json:"next"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return out, err
		}
		for _, v := range body.Values {
			out = append(out, v.toHost())
		}
		next = body.Next
	}
	return out, nil
}

// CreatePullRequest implements host.Host, treating an existing open PR for
// the same src/dst pair as success.
func (c *Client) CreatePullRequest(ctx context.Context, owner, slug string, in host.NewPullRequest) (*host.PullRequest, error) {
	existing, err := c.GetPullRequestsByState(ctx, owner, slug, host.Open)
	if err == nil {
		for _, pr := range existing {
			if pr.SrcBranch == in.SrcBranch && pr.DstBranch == in.DstBranch {
				return pr, nil
			}
		}
	}

	reviewers := make([]map[string]string, 0, len(in.Reviewers))
	for _, r := range in.Reviewers {
		reviewers = append(reviewers, map[string]string{"username": r})
	}
	body := map[string]interface{}{
		"title":       in.Title,
		"description": in.Description,
		"source":      map[string]interface{}{"branch": map[string]string{"name": in.SrcBranch}},
		"destination": map[string]interface{}{"branch": map[string]string{"name": in.DstBranch}},
		"reviewers":   reviewers,
		"close_source_branch": false,
	}
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/repositories/%s/pullrequests", c.base2, repoPath(owner, slug)), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bitbucket: create PR failed with %d: %s", resp.StatusCode, string(b))
	}
	var pr bbPullRequest
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, err
	}
	return pr.toHost(), nil
}

// AddComment implements host.Host. Bitbucket's 2.0 API cannot create
// comments, so this hits the legacy 1.0 endpoint exactly as bert_e's
// Comment.create does.
func (c *Client) AddComment(ctx context.Context, owner, slug string, prID int, commentBody string) (*host.Comment, error) {
	resp, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/repositories/%s/pullrequests/%d/comments", c.base1, repoPath(owner, slug), prID),
		struct {
			Content string `json:"content"`
		}{Content: commentBody})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("bitbucket: add comment failed with %d", resp.StatusCode)
	}
	var out struct {
		CommentID int64  `json:"comment_id"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &host.Comment{ID: out.CommentID, Body: commentBody}, nil
}

// SetBuildStatus implements host.Host.
func (c *Client) SetBuildStatus(ctx context.Context, owner, slug, sha string, status host.BuildStatus) error {
	resp, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/repositories/%s/commit/%s/statuses/build", c.base2, repoPath(owner, slug), sha),
		struct {
			Key         string `json:"key"`
			State       string `json:"state"`
			URL         string `json:"url,omitempty"`
			Description string `json:"description,omitempty"`
		}{Key: status.Context, State: string(status.State), URL: status.URL, Description: status.Description})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("bitbucket: set build status failed with %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) fetchBuildStatus(ctx context.Context, owner, slug, sha, ciContext string) (*host.BuildStatus, error) {
	resp, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/repositories/%s/commit/%s/statuses/build/%s", c.base2, repoPath(owner, slug), sha, ciContext), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return &host.BuildStatus{Context: ciContext, State: host.NotStarted}, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("bitbucket: get build status failed with %d", resp.StatusCode)
	}
	var out struct {
		State       string `json:"state"`
		URL         string `json:"url"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &host.BuildStatus{Context: ciContext, State: host.BuildState(out.State), URL: out.URL, Description: out.Description}, nil
}

// GetBuildStatus implements host.Host, mirroring bert_e's
// BUILD_STATUS_CACHE: a cache hit of SUCCESSFUL is served directly, a 404
// on the underlying request is folded into NOTSTARTED rather than an
// error, and anything else is re-fetched every time via statuscache.Cache.
func (c *Client) GetBuildStatus(ctx context.Context, owner, slug, sha, ciContext string) (*host.BuildStatus, error) {
	return c.statusCacheFor(owner, slug).Get(ctx, sha, ciContext)
}

// Merge implements host.Host.
func (c *Client) Merge(ctx context.Context, owner, slug string, prID int, sha string) error {
	resp, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/repositories/%s/pullrequests/%d/merge", c.base2, repoPath(owner, slug), prID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		if resp.StatusCode == http.StatusConflict {
			pr, gerr := c.GetPullRequest(ctx, owner, slug, prID)
			if gerr == nil && pr.State == host.Merged {
				return nil
			}
		}
		return fmt.Errorf("bitbucket: merge PR #%d failed with %d", prID, resp.StatusCode)
	}
	return nil
}

// Decline implements host.Host.
func (c *Client) Decline(ctx context.Context, owner, slug string, prID int) error {
	resp, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/repositories/%s/pullrequests/%d/decline", c.base2, repoPath(owner, slug), prID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("bitbucket: decline PR #%d failed with %d", prID, resp.StatusCode)
	}
	return nil
}

// BotLogin implements host.Host.
func (c *Client) BotLogin(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.base2+"/user", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Username, nil
}

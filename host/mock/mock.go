// Package mock provides an in-memory host.Host implementation for tests,
// grounded on the teacher's github.NewFakeClient() and on
// bert_e/tests/mocks/bitbucket.py: a fake that keeps PR, comment and build
// status state in memory and records Merge calls, so tests can assert on
// idempotency invariants directly, without standing up an HTTP server.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/clarketm/gatekeeper/host"
)

// Host is a fake host.Host backed by in-memory maps. It is safe for
// concurrent use. It holds no branch state: the merge queue and cascade
// engine exercise branches through the git façade, while PR/comment/status
// state lives here.
type Host struct {
	mu sync.Mutex

	BotUsername string

	nextPRID  int
	prs       map[int]*host.PullRequest
	statuses  map[string]host.BuildStatus // key: sha + "|" + context
	deletedRefs []string // every ref name the harness was asked to delete
	mergeCalls  []int
}

// New builds an empty mock Host. botUsername is returned by BotLogin.
func New(botUsername string) *Host {
	return &Host{
		BotUsername: botUsername,
		nextPRID:    1,
		prs:         map[int]*host.PullRequest{},
		statuses:    map[string]host.BuildStatus{},
	}
}

// SeedPullRequest inserts a PR with a caller-chosen ID, mirroring host-
// assigned IDs (spec.md §9 open question: IDs are never bot-generated).
func (h *Host) SeedPullRequest(pr *host.PullRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prs[pr.ID] = pr
	if pr.ID >= h.nextPRID {
		h.nextPRID = pr.ID + 1
	}
}

func (h *Host) GetPullRequest(_ context.Context, _, _ string, id int) (*host.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pr, ok := h.prs[id]
	if !ok {
		return nil, fmt.Errorf("mock: no such pull request #%d", id)
	}
	cp := *pr
	return &cp, nil
}

func (h *Host) GetPullRequestsByState(_ context.Context, _, _ string, state host.PRState) ([]*host.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*host.PullRequest
	for _, pr := range h.prs {
		if pr.State == state {
			cp := *pr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (h *Host) CreatePullRequest(_ context.Context, _, _ string, in host.NewPullRequest) (*host.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, pr := range h.prs {
		if pr.SrcBranch == in.SrcBranch && pr.DstBranch == in.DstBranch && pr.State == host.Open {
			cp := *pr
			return &cp, nil
		}
	}
	id := h.nextPRID
	h.nextPRID++
	pr := &host.PullRequest{
		ID:          id,
		Title:       in.Title,
		Author:      h.BotUsername,
		SrcBranch:   in.SrcBranch,
		DstBranch:   in.DstBranch,
		SrcCommit:   "",
		State:       host.Open,
		Description: in.Description,
	}
	h.prs[id] = pr
	cp := *pr
	return &cp, nil
}

func (h *Host) AddComment(_ context.Context, _, _ string, prID int, body string) (*host.Comment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pr, ok := h.prs[prID]
	if !ok {
		return nil, fmt.Errorf("mock: no such pull request #%d", prID)
	}
	c := host.Comment{ID: int64(len(pr.Comments) + 1), Author: h.BotUsername, Body: body}
	pr.Comments = append(pr.Comments, c)
	return &c, nil
}

func (h *Host) SetBuildStatus(_ context.Context, _, _, sha string, status host.BuildStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[sha+"|"+status.Context] = status
	return nil
}

func (h *Host) GetBuildStatus(_ context.Context, _, _, sha, ciContext string) (*host.BuildStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.statuses[sha+"|"+ciContext]
	if !ok {
		return &host.BuildStatus{Context: ciContext, State: host.NotStarted}, nil
	}
	cp := s
	return &cp, nil
}

func (h *Host) Merge(_ context.Context, _, _ string, prID int, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mergeCalls = append(h.mergeCalls, prID)
	pr, ok := h.prs[prID]
	if !ok {
		return fmt.Errorf("mock: no such pull request #%d", prID)
	}
	pr.State = host.Merged
	return nil
}

func (h *Host) Decline(_ context.Context, _, _ string, prID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	pr, ok := h.prs[prID]
	if !ok {
		return fmt.Errorf("mock: no such pull request #%d", prID)
	}
	pr.State = host.Declined
	return nil
}

func (h *Host) BotLogin(_ context.Context) (string, error) {
	return h.BotUsername, nil
}

// MergeCalls returns the PR IDs that Merge was called on, in call order —
// used by merge-queue linearizability tests (spec.md §8 invariant 4).
func (h *Host) MergeCalls() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.mergeCalls...)
}

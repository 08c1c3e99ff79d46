package commenter

import (
	"context"
	"fmt"
	"testing"

	"github.com/clarketm/gatekeeper/host"
	"github.com/clarketm/gatekeeper/host/mock"
)

func TestNotifyIsIdempotent(t *testing.T) {
	h := mock.New("gatekeeper-bot")
	h.SeedPullRequest(&host.PullRequest{ID: 1, State: host.Open})
	c := New(h, "acme", "widget", "gatekeeper-bot", nil)
	ctx := context.Background()

	if err := c.Notify(ctx, 1, "need-approval", "please get approval"); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	if err := c.Notify(ctx, 1, "need-approval", "please get approval again"); err != nil {
		t.Fatalf("second Notify: %v", err)
	}

	pr, err := h.GetPullRequest(ctx, "acme", "widget", 1)
	if err != nil {
		t.Fatalf("GetPullRequest: %v", err)
	}
	if len(pr.Comments) != 1 {
		t.Fatalf("expected exactly 1 comment after duplicate Notify, got %d", len(pr.Comments))
	}
}

func TestNotifyRenotifiesAfterLookbackWindow(t *testing.T) {
	h := mock.New("gatekeeper-bot")
	h.SeedPullRequest(&host.PullRequest{ID: 1, State: host.Open})
	c := New(h, "acme", "widget", "gatekeeper-bot", nil)
	ctx := context.Background()

	if err := c.Notify(ctx, 1, "need-approval", "please get approval"); err != nil {
		t.Fatalf("initial Notify: %v", err)
	}
	for i := 0; i < lookback; i++ {
		if err := c.Notify(ctx, 1, fmt.Sprintf("filler-%d", i), "filler"); err != nil {
			t.Fatalf("filler Notify %d: %v", i, err)
		}
	}
	if err := c.Notify(ctx, 1, "need-approval", "please get approval"); err != nil {
		t.Fatalf("renotify: %v", err)
	}

	pr, err := h.GetPullRequest(ctx, "acme", "widget", 1)
	if err != nil {
		t.Fatalf("GetPullRequest: %v", err)
	}
	count := 0
	for _, cmt := range pr.Comments {
		if cmt.Body == sentinel("need-approval")+"\n"+"please get approval" {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected need-approval sentinel to reappear once lookback window slides, got %d occurrences", count)
	}
}

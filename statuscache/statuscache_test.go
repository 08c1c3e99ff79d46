package statuscache

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/clarketm/gatekeeper/host"
)

func TestPositiveOnlyMemoization(t *testing.T) {
	var calls int32
	responses := []host.BuildState{host.InProgress, host.Successful}
	i := 0
	fetch := func(ctx context.Context, sha, ciContext string) (*host.BuildStatus, error) {
		atomic.AddInt32(&calls, 1)
		state := responses[i]
		if i < len(responses)-1 {
			i++
		}
		return &host.BuildStatus{Context: ciContext, State: state}, nil
	}
	c := New(100, fetch)
	ctx := context.Background()

	s, err := c.Get(ctx, "sha1", "pre-merge")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.State != host.InProgress {
		t.Fatalf("expected first call to surface INPROGRESS, got %s", s.State)
	}

	s, err = c.Get(ctx, "sha1", "pre-merge")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.State != host.Successful {
		t.Fatalf("expected second call to re-fetch and surface SUCCESSFUL, got %s", s.State)
	}
	if calls != 2 {
		t.Fatalf("expected 2 underlying fetches before caching kicks in, got %d", calls)
	}

	for i := 0; i < 5; i++ {
		s, err = c.Get(ctx, "sha1", "pre-merge")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if s.State != host.Successful {
			t.Fatalf("expected cached SUCCESSFUL, got %s", s.State)
		}
	}
	if calls != 2 {
		t.Fatalf("expected no further fetches once SUCCESSFUL is cached, got %d calls", calls)
	}
}

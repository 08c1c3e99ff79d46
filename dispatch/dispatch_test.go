package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEnqueueCoalescesSameKey(t *testing.T) {
	d := New(nil)
	var mu sync.Mutex
	var runs []int

	block := make(chan struct{})
	first := PullRequestJob{PRID: 1, Fn: func(ctx context.Context, prID int) error {
		<-block
		mu.Lock()
		runs = append(runs, prID)
		mu.Unlock()
		return nil
	}}
	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue(first)
	// Give the worker a chance to pop the first job before we enqueue
	// duplicates, otherwise both could land in the queue before draining.
	time.Sleep(10 * time.Millisecond)

	dup := PullRequestJob{PRID: 1, Fn: func(ctx context.Context, prID int) error {
		mu.Lock()
		runs = append(runs, prID)
		mu.Unlock()
		return nil
	}}
	d.Enqueue(dup)
	d.Enqueue(dup)

	if d.Depth() != 1 {
		t.Fatalf("a duplicate enqueued while the first job runs should be queued once, the second coalesced into it, depth = %d", d.Depth())
	}
	close(block)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(runs) != 2 {
		t.Fatalf("expected the running job plus one coalesced duplicate for pr:1, got %d runs", len(runs))
	}
}

func TestHistoryRecordsFailures(t *testing.T) {
	d := New(nil)
	d.Start(context.Background())

	boom := PullRequestJob{PRID: 2, Fn: func(ctx context.Context, prID int) error {
		return errBoom
	}}
	d.Enqueue(boom)
	d.Stop()

	hist := d.History()
	if len(hist) != 1 {
		t.Fatalf("expected one history entry, got %d", len(hist))
	}
	if hist[0].Key != "pr:2" || hist[0].Err == nil {
		t.Fatalf("expected a recorded failure for pr:2, got %+v", hist[0])
	}
}

func TestTimerJobsNeverCoalesce(t *testing.T) {
	a := NewTimerJob("sweep", func(ctx context.Context) error { return nil })
	b := NewTimerJob("sweep", func(ctx context.Context) error { return nil })
	if a.Key() == b.Key() {
		t.Fatalf("distinct timer firings must not share a coalescing key")
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }

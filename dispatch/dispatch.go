// Package dispatch implements the single-worker job queue (spec.md §4.6,
// §5): a serialized worker drains a FIFO of PullRequestJob/CommitJob/
// TimerJob values, coalescing same-key jobs so that a flood of webhook
// deliveries for one PR collapses to a single re-evaluation.
package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Job is anything the worker can execute. Implementations must be fully
// idempotent: Run reloads all state from the host/git façades rather than
// trusting anything cached from enqueue time.
type Job interface {
	// Key identifies the coalescing bucket this job belongs to (e.g.
	// "pr:42" or "commit:deadbeef"); a pending job with an equal Key makes
	// a newly enqueued one a no-op.
	Key() string
	Run(ctx context.Context) error
}

// PullRequestJob re-evaluates a single PR.
type PullRequestJob struct {
	PRID int
	Fn   func(ctx context.Context, prID int) error
}

func (j PullRequestJob) Key() string { return "pr:" + itoa(j.PRID) }
func (j PullRequestJob) Run(ctx context.Context) error { return j.Fn(ctx, j.PRID) }

// CommitJob re-evaluates every PR whose head or child integration branch
// points at sha (a commit-status or check-suite event).
type CommitJob struct {
	SHA string
	Fn  func(ctx context.Context, sha string) error
}

func (j CommitJob) Key() string { return "commit:" + j.SHA }
func (j CommitJob) Run(ctx context.Context) error { return j.Fn(ctx, j.SHA) }

// TimerJob runs a periodic sweep (queue-health check, restart
// reconciliation). Timer jobs are never coalesced with one another: each
// firing gets its own uuid-keyed slot.
type TimerJob struct {
	Name string
	Fn   func(ctx context.Context) error
	id   string
}

func NewTimerJob(name string, fn func(ctx context.Context) error) TimerJob {
	return TimerJob{Name: name, Fn: fn, id: uuid.NewString()}
}

func (j TimerJob) Key() string { return "timer:" + j.Name + ":" + j.id }
func (j TimerJob) Run(ctx context.Context) error { return j.Fn(ctx) }

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// result records a completed job outcome for the observable completed-jobs
// log (spec.md §7: "the job is marked Failed in the observable
// completed-jobs log").
type result struct {
	key   string
	err   error
}

// Dispatcher owns the FIFO and single worker goroutine.
type Dispatcher struct {
	logger *logrus.Entry

	mu      sync.Mutex
	pending map[string]bool
	queue   []Job

	jobCh  chan Job
	wake   chan struct{}

	doneMu  sync.Mutex
	history []result

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Dispatcher. Call Start to begin processing.
func New(logger *logrus.Entry) *Dispatcher {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		logger:  logger.WithField("component", "dispatch"),
		pending: map[string]bool{},
		jobCh:   make(chan Job, 1),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Enqueue adds job to the FIFO unless a job with the same Key is already
// pending, in which case it is silently dropped (spec.md §4.6 coalescing).
func (d *Dispatcher) Enqueue(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[job.Key()] {
		d.logger.WithField("key", job.Key()).Debug("coalescing duplicate job")
		return
	}
	d.pending[job.Key()] = true
	d.queue = append(d.queue, job)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start launches the single worker goroutine. Cancelling ctx lets the
// current job finish, then exits (spec.md §5: "jobs are not cancellable
// mid-flight").
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop signals the worker to exit after its current job and waits for it.
func (d *Dispatcher) Stop() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		job, ok := d.pop()
		if !ok {
			select {
			case <-d.wake:
				continue
			case <-d.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		err := job.Run(ctx)
		if err != nil {
			d.logger.WithError(err).WithField("key", job.Key()).Warn("job failed")
		}
		d.recordResult(job.Key(), err)

		select {
		case <-d.stop:
			return
		default:
		}
	}
}

func (d *Dispatcher) pop() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil, false
	}
	job := d.queue[0]
	d.queue = d.queue[1:]
	delete(d.pending, job.Key())
	return job, true
}

func (d *Dispatcher) recordResult(key string, err error) {
	d.doneMu.Lock()
	defer d.doneMu.Unlock()
	d.history = append(d.history, result{key: key, err: err})
	if len(d.history) > 1000 {
		d.history = d.history[len(d.history)-1000:]
	}
}

// History returns a snapshot of recently completed jobs and their errors
// (nil error means success), most-recent last.
func (d *Dispatcher) History() []struct {
	Key string
	Err error
} {
	d.doneMu.Lock()
	defer d.doneMu.Unlock()
	out := make([]struct {
		Key string
		Err error
	}, len(d.history))
	for i, r := range d.history {
		out[i] = struct {
			Key string
			Err error
		}{Key: r.key, Err: r.err}
	}
	return out
}

// Depth reports the number of jobs currently waiting in the FIFO, for the
// queue-depth metric.
func (d *Dispatcher) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

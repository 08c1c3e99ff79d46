package dispatch

import (
	"context"

	cron "gopkg.in/robfig/cron.v2"
	"github.com/sirupsen/logrus"
)

// Scheduler emits periodic TimerJobs onto a Dispatcher, grounded on the
// teacher's horologium: a cron spec per sweep, each firing enqueues a
// fresh TimerJob rather than running inline, so periodic work still goes
// through the single serialized worker.
type Scheduler struct {
	cron   *cron.Cron
	disp   *Dispatcher
	logger *logrus.Entry
}

// NewScheduler wraps disp with a cron runner.
func NewScheduler(disp *Dispatcher, logger *logrus.Entry) *Scheduler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{cron: cron.New(), disp: disp, logger: logger.WithField("component", "scheduler")}
}

// AddSweep registers a named sweep on spec (cron.v2 syntax: six fields with
// a leading seconds field, or a descriptor such as "@every 5m"),
// enqueuing a TimerJob each time it fires.
func (s *Scheduler) AddSweep(name, spec string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.disp.Enqueue(NewTimerJob(name, fn))
	})
	if err != nil {
		s.logger.WithError(err).WithField("sweep", name).Error("failed to register sweep")
	}
	return err
}

// Start begins firing registered sweeps.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron runner; in-flight TimerJobs already enqueued still
// run to completion on the dispatcher.
func (s *Scheduler) Stop() { s.cron.Stop() }

package reconcile

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/learnhub/keystone/pkg/async"
)

// Scheduler runs jobs on cron schedules. A job still running when its next
// tick arrives is skipped rather than overlapped.
type Scheduler struct {
	cron   *cron.Cron
	logger logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler that logs through logger
func NewScheduler(logger logrus.FieldLogger) *Scheduler {
	cronLogger := cron.PrintfLogger(logger)
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger)), cron.WithLogger(cronLogger)),
		logger: logger,
		ctx:    context.Background(),
	}
}

// Add registers fn under a standard five-field cron spec or a descriptor
// such as "@every 10m".
func (s *Scheduler) Add(spec, name string, fn func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		log := s.logger.WithField("job", name)
		log.Info("scheduled job starting")
		if err := async.Recover(name, func() error { return fn(s.ctx) }); err != nil {
			log.WithError(err).Error("scheduled job failed")
			return
		}
		log.Info("scheduled job completed")
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	return nil
}

// Start runs the scheduler in the background. Jobs receive a context that is
// cancelled by Stop or when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
}

// Stop prevents new runs, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	<-done.Done()
}

// Len returns the number of registered jobs
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

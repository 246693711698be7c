// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/versiondigest/internal/config"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/services"
)

type enqueuer interface {
	EnqueueDigests(ctx context.Context, emailType models.EmailType, lookbackDays int) (*services.BatchEnqueueResult, error)
	Purge(ctx context.Context, olderThan time.Duration) (*services.PurgeResult, error)
}

type dispatcher interface {
	DispatchPending(ctx context.Context, opts services.DispatchOptions) (*services.DispatchResult, error)
}

// Scheduler runs the periodic enqueue, dispatch and purge jobs in process
// and reacts to queue notifications with a priority dispatch.
type Scheduler struct {
	cron       *cron.Cron
	queue      enqueuer
	dispatcher dispatcher
	cfg        config.SchedulerConfig
	jobTimeout time.Duration
	logger     logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(queue enqueuer, d dispatcher, cfg *config.Config, logger logrus.FieldLogger) *Scheduler {
	cronLogger := cron.PrintfLogger(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		queue:      queue,
		dispatcher: d,
		cfg:        cfg.Scheduler,
		jobTimeout: 30 * time.Minute,
		logger:     logger.WithField("component", "scheduler"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Register adds the configured jobs. An empty spec leaves that job out.
func (s *Scheduler) Register() error {
	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"daily_enqueue", s.cfg.DailySpec, s.enqueue(models.EmailTypeDailyDigest)},
		{"weekly_enqueue", s.cfg.WeeklySpec, s.enqueue(models.EmailTypeWeeklyDigest)},
		{"dispatch", s.cfg.DispatchSpec, s.dispatch(services.DispatchOptions{})},
		{"purge", s.cfg.PurgeSpec, s.purge},
	}

	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() { s.run(job.name, job.run) }); err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", job.spec, job.name, err)
		}
		s.logger.WithFields(logrus.Fields{"job": job.name, "spec": job.spec}).Info("Job scheduled")
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Listen dispatches priority items whenever a notification arrives on
// notifications. It returns when the channel closes or the scheduler stops.
func (s *Scheduler) Listen(notifications <-chan string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wake := s.dispatch(services.DispatchOptions{BypassTimezone: true, MinPriority: 1})
		for {
			select {
			case <-s.ctx.Done():
				return
			case payload, ok := <-notifications:
				if !ok {
					return
				}
				s.logger.WithField("payload", payload).Debug("Queue notification received")
				s.run("priority_dispatch", wake)
			}
		}
	}()
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) run(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	log := s.logger.WithField("job", name)
	if err := fn(ctx); err != nil {
		log.WithError(err).Error("Job failed")
		return
	}
	log.WithField("duration", time.Since(start).String()).Debug("Job finished")
}

func (s *Scheduler) enqueue(emailType models.EmailType) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.queue.EnqueueDigests(ctx, emailType, 0)
		return err
	}
}

func (s *Scheduler) dispatch(opts services.DispatchOptions) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.dispatcher.DispatchPending(ctx, opts)
		return err
	}
}

func (s *Scheduler) purge(ctx context.Context) error {
	_, err := s.queue.Purge(ctx, 0)
	return err
}

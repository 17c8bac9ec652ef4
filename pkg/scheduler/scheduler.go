package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/vigil/pkg/config"
)

// Job defines the interface for any periodic task that can be scheduled.
type Job interface {
	Name() string
	Run(ctx context.Context)
}

// JobFunc adapts a function to the Job interface.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context)
}

// Name implements Job.
func (j JobFunc) Name() string { return j.JobName }

// Run implements Job.
func (j JobFunc) Run(ctx context.Context) { j.Fn(ctx) }

// Scheduler manages the registration and execution of periodic jobs.
type Scheduler struct {
	jobs   []Job
	config *config.Config
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewScheduler creates and returns a new Scheduler instance.
func NewScheduler(cfg *config.Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		config: cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// RegisterJob adds a job to the scheduler's list.
func (s *Scheduler) RegisterJob(j Job) {
	s.jobs = append(s.jobs, j)
	s.logger.Info().Msgf("Job '%s' registered.", j.Name())
}

// Start launches all enabled jobs with their configured intervals.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("Scheduler starting...")

	for _, job := range s.jobs {
		jobConfig := s.config.GetJobConfig(job.Name())
		if jobConfig == nil || !jobConfig.Enabled {
			s.logger.Info().Msgf("Job '%s' is disabled or not configured, skipping.", job.Name())
			continue
		}

		duration, err := time.ParseDuration(jobConfig.Interval)
		if err != nil || duration <= 0 {
			s.logger.Error().Err(err).Msgf("Invalid interval for job '%s', skipping.", job.Name())
			continue
		}

		s.logger.Info().Msgf("Starting job '%s' with interval %s", job.Name(), duration)
		s.wg.Add(1)
		go func(j Job) {
			defer s.wg.Done()
			s.runJob(ctx, j, duration)
		}(job)
	}

	s.logger.Info().Msg("All configured jobs started.")
}

// Wait blocks until every started job has returned after ctx cancellation.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, j Job, interval time.Duration) {
	// Run immediately on start
	s.logger.Debug().Msgf("Running job '%s' for the first time.", j.Name())
	s.safeRun(ctx, j)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.logger.Debug().Msgf("Running job '%s'.", j.Name())
			s.safeRun(ctx, j)
		case <-ctx.Done():
			s.logger.Info().Msgf("Job '%s' received shutdown signal.", j.Name())
			return
		}
	}
}

func (s *Scheduler) safeRun(ctx context.Context, j Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("job", j.Name()).Msg("Recovered panic in scheduled job")
		}
	}()
	j.Run(ctx)
}

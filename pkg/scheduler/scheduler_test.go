package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/vigil/pkg/config"
)

// MockJob is a mock implementation of the Job interface.
type MockJob struct {
	mock.Mock // Embed mock.Mock
}

func (m *MockJob) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockJob) Run(ctx context.Context) {
	m.Called(ctx)
}

func TestScheduler_RegisterJob(t *testing.T) {
	cfg := &config.Config{}
	sched := NewScheduler(cfg, zerolog.Nop())

	job := new(MockJob)
	job.On("Name").Return("test_job")

	sched.RegisterJob(job)

	assert.Len(t, sched.jobs, 1)
	assert.Equal(t, job, sched.jobs[0])
	job.AssertExpectations(t)
}

func TestScheduler_Start(t *testing.T) {
	cfg := &config.Config{
		Jobs: []config.JobConfig{
			{Name: "job_enabled", Enabled: true, Interval: "20ms"},
			{Name: "job_disabled", Enabled: false, Interval: "20ms"},
			{Name: "job_invalid_interval", Enabled: true, Interval: "invalid"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched := NewScheduler(cfg, zerolog.Nop())

	var enabledRuns, disabledRuns, invalidRuns atomic.Int32
	sched.RegisterJob(JobFunc{JobName: "job_enabled", Fn: func(context.Context) { enabledRuns.Add(1) }})
	sched.RegisterJob(JobFunc{JobName: "job_disabled", Fn: func(context.Context) { disabledRuns.Add(1) }})
	sched.RegisterJob(JobFunc{JobName: "job_invalid_interval", Fn: func(context.Context) { invalidRuns.Add(1) }})
	sched.RegisterJob(JobFunc{JobName: "job_unconfigured", Fn: func(context.Context) { invalidRuns.Add(1) }})

	sched.Start(ctx)

	// One immediate run plus ticks.
	require.Eventually(t, func() bool { return enabledRuns.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	sched.Wait()

	assert.Zero(t, disabledRuns.Load())
	assert.Zero(t, invalidRuns.Load())
}

func TestScheduler_Shutdown(t *testing.T) {
	cfg := &config.Config{
		Jobs: []config.JobConfig{
			{Name: "shutdown_job", Enabled: true, Interval: "100ms"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched := NewScheduler(cfg, zerolog.Nop())

	job := new(MockJob)
	job.On("Name").Return("shutdown_job")
	// Use a WaitGroup to ensure the Run method is called at least once before shutdown
	var once sync.Once
	ran := make(chan struct{})
	job.On("Run", mock.Anything).Run(func(args mock.Arguments) { once.Do(func() { close(ran) }) }).Return()
	sched.RegisterJob(job)

	sched.Start(ctx)
	<-ran

	cancel()
	sched.Wait()

	calls := len(job.Calls)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, calls, len(job.Calls), "no runs after shutdown")
	job.AssertExpectations(t)
}

func TestScheduler_RecoversPanics(t *testing.T) {
	cfg := &config.Config{Jobs: []config.JobConfig{{Name: "flaky", Enabled: true, Interval: "10ms"}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched := NewScheduler(cfg, zerolog.Nop())

	var runs atomic.Int32
	sched.RegisterJob(JobFunc{JobName: "flaky", Fn: func(context.Context) {
		runs.Add(1)
		panic("boom")
	}})
	sched.Start(ctx)

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	sched.Wait()
}

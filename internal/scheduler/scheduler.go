// Package scheduler runs the periodic maintenance jobs of the governance core
// (approval expiry, cost entry pruning, heartbeat) on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	cron "github.com/netresearch/go-cron"

	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/events"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 30 * time.Second

// JobFunc is the body of a maintenance job.
type JobFunc func(ctx context.Context) error

// JobStatus is a snapshot of one registered job.
type JobStatus struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Runs      int       `json:"runs"`
	Skipped   int       `json:"skipped"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Next      time.Time `json:"next,omitzero"`
}

type job struct {
	name    string
	expr    *CronExpr
	fn      JobFunc
	running bool
	status  JobStatus
}

// Config holds dependencies for the scheduler.
type Config struct {
	Bus        events.Publisher
	JobTimeout time.Duration
	Now        func() time.Time
}

// Scheduler drives registered jobs. A job never overlaps itself: a tick that
// fires while the previous run is still going is skipped.
type Scheduler struct {
	bus     events.Publisher
	timeout time.Duration
	now     func() time.Time
	cron    *cron.Cron

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a stopped Scheduler.
func New(cfg Config) *Scheduler {
	bus := cfg.Bus
	if bus == nil {
		bus = events.Discard
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		bus:     bus,
		timeout: timeout,
		now:     now,
		cron:    cron.New(),
		jobs:    make(map[string]*job),
	}
}

// Add registers a job under a unique name.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("schedule job: name and func required: %w", errs.ErrInvalid)
	}
	expr, err := ParseCron(spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("schedule job %s: %w", name, errs.ErrConflict)
	}
	j := &job{name: name, expr: expr, fn: fn, status: JobStatus{Name: name, Spec: spec}}
	s.jobs[name] = j

	s.cron.Schedule(expr.schedule, cron.FuncJob(func() {
		if err := s.run(context.Background(), j); err != nil && !isSkip(err) {
			slog.Warn("scheduler: job failed", "job", name, "error", err)
		}
	}))
	slog.Debug("scheduler: added job", "job", name, "spec", spec)
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return errs.NotFound("job", name)
	}
	return s.run(ctx, j)
}

var errSkipped = errors.New("job still running")

func isSkip(err error) bool { return errors.Is(err, errSkipped) }

func (s *Scheduler) run(ctx context.Context, j *job) error {
	s.mu.Lock()
	if j.running {
		j.status.Skipped++
		s.mu.Unlock()
		return errSkipped
	}
	j.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := s.now()
	err := j.fn(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	j.running = false
	j.status.Runs++
	j.status.LastRun = start
	j.status.LastError = ""
	if err != nil {
		j.status.LastError = err.Error()
	}
	s.mu.Unlock()

	payload := events.MaintenancePayload{Job: j.name, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		payload.Error = err.Error()
	}
	s.bus.Publish(events.NewTypedEventFor(events.SourceScheduler, payload, j.name))
	return err
}

// Jobs returns a snapshot of every job, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.status
		st.Next = j.expr.Next(now)
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b JobStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Start begins firing jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "jobs", len(s.Jobs()))
}

// Stop halts the schedule and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("scheduler: stop timed out with jobs running")
	}
	slog.Info("scheduler stopped")
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	metricsPkg "smart-ticket-relay-go/internal/metrics"
)

var (
	// ErrUnknownTask is returned for a task name that was never registered
	ErrUnknownTask = errors.New("unknown task")
	// ErrTaskBusy is returned by RunOnce when the task is already running
	ErrTaskBusy = errors.New("task is already running")
)

// Task is a named periodic job
type Task struct {
	Name       string
	Interval   time.Duration
	RunAtStart bool
	Run        func(ctx context.Context) error
}

type taskState struct {
	Task
	entryID cron.EntryID
	busy    sync.Mutex
	lastRun time.Time
	lastErr error
}

// Status describes one task
type Status struct {
	Name      string    `json:"name"`
	Interval  string    `json:"interval"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler runs named tasks on their own intervals
type Scheduler struct {
	cron      *cron.Cron
	tasks     map[string]*taskState
	order     []string
	metrics   *metricsPkg.Metrics
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

// New creates a scheduler for tasks
func New(metrics *metricsPkg.Metrics, tasks ...Task) *Scheduler {
	s := &Scheduler{
		tasks:   make(map[string]*taskState, len(tasks)),
		metrics: metrics,
	}
	for _, t := range tasks {
		s.tasks[t.Name] = &taskState{Task: t}
		s.order = append(s.order, t.Name)
	}
	return s
}

// Start starts the scheduler. Each start gets a fresh task context.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	logger := cron.PrintfLogger(logrus.StandardLogger())
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))

	for _, name := range s.order {
		ts := s.tasks[name]
		if ts.Interval <= 0 {
			return fmt.Errorf("task %s has no interval", name)
		}
		entryID, err := c.AddFunc(fmt.Sprintf("@every %s", ts.Interval), func() { s.run(ts) })
		if err != nil {
			return fmt.Errorf("failed to add cron job %s: %w", name, err)
		}
		ts.entryID = entryID
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = c
	s.cron.Start()
	s.isRunning = true

	for _, name := range s.order {
		ts := s.tasks[name]
		logrus.Infof("Scheduled task %s every %s", name, ts.Interval)
		if ts.RunAtStart {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.run(ts)
			}()
		}
	}
	return nil
}

// Stop cancels running tasks and waits for them to return
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	ctx := s.cron.Stop()
	s.isRunning = false
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// RunOnce runs the named task synchronously (for manual triggering)
func (s *Scheduler) RunOnce(name string) error {
	ts, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	logrus.Infof("Running task %s once", name)
	return s.execute(ts, false)
}

// Tasks returns the registered task names in registration order
func (s *Scheduler) Tasks() []string {
	return append([]string(nil), s.order...)
}

// NextRun returns the time of the next scheduled run of name
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tasks[name]
	if !ok || !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(ts.entryID).Next
}

// LastRun returns the time the named task last started
func (s *Scheduler) LastRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tasks[name]
	if !ok {
		return time.Time{}
	}
	return ts.lastRun
}

// Statuses describes every task
func (s *Scheduler) Statuses() []Status {
	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		s.mu.RLock()
		ts := s.tasks[name]
		st := Status{Name: name, Interval: ts.Interval.String(), LastRun: ts.lastRun}
		if ts.lastErr != nil {
			st.LastError = ts.lastErr.Error()
		}
		if s.isRunning {
			st.NextRun = s.cron.Entry(ts.entryID).Next
		}
		s.mu.RUnlock()
		out = append(out, st)
	}
	return out
}

// Wait waits for task runs started while the scheduler was running
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// run is the cron entry point
func (s *Scheduler) run(ts *taskState) {
	if err := s.execute(ts, true); err != nil && !errors.Is(err, ErrTaskBusy) {
		logrus.Errorf("Task %s failed: %v", ts.Name, err)
	}
}

// execute runs one task at a time. Scheduled runs need a running scheduler;
// manual runs fall back to a background context. Only runs started while the
// scheduler is running count towards Wait; the wait group is bumped under
// s.mu so Stop always observes it before Wait can start.
func (s *Scheduler) execute(ts *taskState, scheduled bool) error {
	if !ts.busy.TryLock() {
		logrus.Infof("Task %s still running, skipping", ts.Name)
		return ErrTaskBusy
	}
	defer ts.busy.Unlock()

	s.mu.Lock()
	ctx := s.ctx
	running := s.isRunning
	if running {
		s.wg.Add(1)
		defer s.wg.Done()
	}
	ts.lastRun = time.Now().UTC()
	s.mu.Unlock()

	if !running {
		if scheduled {
			logrus.Info("Scheduler not running, skipping scheduled run")
			return nil
		}
		ctx = context.Background()
	}

	start := time.Now()
	err := ts.Run(ctx)

	s.mu.Lock()
	ts.lastErr = err
	s.mu.Unlock()

	if err != nil {
		if s.metrics != nil {
			s.metrics.SchedulerRunsFailed.WithLabelValues(ts.Name).Inc()
		}
		return err
	}
	logrus.Infof("Task %s completed in %v", ts.Name, time.Since(start))
	return nil
}

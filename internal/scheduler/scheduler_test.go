package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metricsPkg "smart-ticket-relay-go/internal/metrics"
)

func noop(context.Context) error { return nil }

func TestSchedulerRestart(t *testing.T) {
	sched := New(metricsPkg.New(prometheus.NewRegistry()), Task{Name: "pipeline", Interval: time.Hour, Run: noop})

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	assert.Error(t, sched.Start())

	require.NoError(t, sched.Stop())
	assert.False(t, sched.IsRunning())
	assert.Error(t, sched.ctx.Err())

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	// context should be active
	require.NotNil(t, sched.ctx)
	assert.NoError(t, sched.ctx.Err())
	assert.False(t, sched.NextRun("pipeline").IsZero())
	sched.Stop()
}

func TestRunAtStart(t *testing.T) {
	var runs int32
	sched := New(nil,
		Task{Name: "retry-dispatch", Interval: time.Hour, RunAtStart: true, Run: func(context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		}},
		Task{Name: "pipeline", Interval: time.Hour, Run: noop},
	)

	require.NoError(t, sched.Start())
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, sched.Stop())
	sched.Wait()

	assert.False(t, sched.LastRun("retry-dispatch").IsZero())
	assert.True(t, sched.LastRun("pipeline").IsZero())
}

func TestRunOnce(t *testing.T) {
	m := metricsPkg.New(prometheus.NewRegistry())
	boom := errors.New("boom")
	sched := New(m,
		Task{Name: "pipeline", Interval: time.Hour, Run: noop},
		Task{Name: "retry-dispatch", Interval: time.Hour, Run: func(context.Context) error { return boom }},
	)

	assert.NoError(t, sched.RunOnce("pipeline"))
	assert.ErrorIs(t, sched.RunOnce("retry-dispatch"), boom)
	assert.ErrorIs(t, sched.RunOnce("nope"), ErrUnknownTask)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerRunsFailed.WithLabelValues("retry-dispatch")))

	statuses := sched.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "pipeline", statuses[0].Name)
	assert.Equal(t, "boom", statuses[1].LastError)
}

func TestRunOnceSkipsWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	sched := New(nil, Task{Name: "pipeline", Interval: time.Hour, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})

	done := make(chan error, 1)
	go func() { done <- sched.RunOnce("pipeline") }()
	<-started

	assert.ErrorIs(t, sched.RunOnce("pipeline"), ErrTaskBusy)
	close(release)
	assert.NoError(t, <-done)
}

func TestStopCancelsTaskContext(t *testing.T) {
	cancelled := make(chan struct{})
	sched := New(nil, Task{Name: "pipeline", Interval: time.Hour, RunAtStart: true, Run: func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}})

	require.NoError(t, sched.Start())
	assert.Eventually(t, func() bool { return !sched.LastRun("pipeline").IsZero() }, time.Second, 10*time.Millisecond)
	require.NoError(t, sched.Stop())

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}
	sched.Wait()
}

func TestWaitTracksRunsStartedWhileRunning(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var finished int32
	sched := New(nil, Task{Name: "pipeline", Interval: time.Hour, Run: func(context.Context) error {
		started <- struct{}{}
		<-release
		atomic.AddInt32(&finished, 1)
		return nil
	}})

	require.NoError(t, sched.Start())
	go sched.RunOnce("pipeline")
	<-started
	require.NoError(t, sched.Stop())

	waited := make(chan struct{})
	go func() {
		sched.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned before the run finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))

	// manual runs after Stop are not tracked and may overlap Wait
	go sched.RunOnce("pipeline")
	sched.Wait()
	<-started
}

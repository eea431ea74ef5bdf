package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
)

func TestManualRunsInDueOrder(t *testing.T) {
	m := scheduler.NewManual()
	var order []string

	m.Schedule(200*time.Millisecond, func() { order = append(order, "b") })
	m.Schedule(100*time.Millisecond, func() { order = append(order, "a") })
	m.Schedule(200*time.Millisecond, func() { order = append(order, "c") })

	m.Advance(150 * time.Millisecond)
	gt.A(t, order).Length(1)
	gt.Equal(t, m.Pending(), 2)

	m.Advance(50 * time.Millisecond)
	gt.Equal(t, order, []string{"a", "b", "c"})
	gt.Equal(t, m.Now(), 200*time.Millisecond)
}

func TestManualStop(t *testing.T) {
	m := scheduler.NewManual()
	ran := false
	timer := m.Schedule(time.Second, func() { ran = true })

	gt.True(t, timer.Stop())
	gt.False(t, timer.Stop())

	m.Advance(2 * time.Second)
	gt.False(t, ran)
	gt.Equal(t, m.Pending(), 0)
}

func TestManualZeroDelayRunsOnAdvance(t *testing.T) {
	m := scheduler.NewManual()
	ran := false
	m.Schedule(0, func() { ran = true })
	gt.False(t, ran)

	m.Advance(0)
	gt.True(t, ran)
}

func TestManualNestedSchedule(t *testing.T) {
	m := scheduler.NewManual()
	var order []int

	m.Schedule(10*time.Millisecond, func() {
		order = append(order, 1)
		m.Schedule(0, func() { order = append(order, 2) })
		m.Schedule(time.Second, func() { order = append(order, 3) })
	})

	m.Advance(20 * time.Millisecond)
	gt.Equal(t, order, []int{1, 2})
}

func TestManualRecoversPanic(t *testing.T) {
	m := scheduler.NewManual()
	ran := false
	m.Schedule(0, func() { panic("boom") })
	m.Schedule(0, func() { ran = true })

	m.Advance(0)
	gt.True(t, ran)
}

func TestPoolRunsTask(t *testing.T) {
	p := scheduler.NewPool()
	done := make(chan struct{})
	p.Schedule(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}

	gt.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolStop(t *testing.T) {
	p := scheduler.NewPool()
	var ran atomic.Bool
	timer := p.Schedule(50*time.Millisecond, func() { ran.Store(true) })
	gt.True(t, timer.Stop())

	time.Sleep(100 * time.Millisecond)
	gt.False(t, ran.Load())
}

func TestPoolShutdownWaitsForRunningTask(t *testing.T) {
	p := scheduler.NewPool()
	started := make(chan struct{})
	var finished atomic.Bool

	p.Schedule(0, func() {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})
	<-started

	gt.NoError(t, p.Shutdown(context.Background()))
	gt.True(t, finished.Load())

	var ranAfter atomic.Bool
	p.Schedule(0, func() { ranAfter.Store(true) })
	time.Sleep(20 * time.Millisecond)
	gt.False(t, ranAfter.Load())
}

func TestPoolShutdownTimeout(t *testing.T) {
	p := scheduler.NewPool()
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	p.Schedule(0, func() {
		close(started)
		<-release
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	gt.Error(t, p.Shutdown(ctx))
}

func TestPoolRecoversPanic(t *testing.T) {
	p := scheduler.NewPool()
	done := make(chan struct{})
	p.Schedule(0, func() { panic("boom") })
	p.Schedule(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stopped after panic")
	}
}

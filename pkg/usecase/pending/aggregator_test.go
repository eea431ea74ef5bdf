package pending_test

import (
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/hearken/pkg/usecase/pending"
	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
)

func TestDebounceCoalescing(t *testing.T) {
	sched := scheduler.NewManual()
	var units []string
	agg := pending.New(sched, 1200*time.Millisecond, func(text string) {
		units = append(units, text)
	})

	agg.Enqueue("第一句")
	sched.Advance(1000 * time.Millisecond)
	agg.Enqueue("第二句")
	sched.Advance(1199 * time.Millisecond)
	agg.Enqueue(" 第三句 ")
	gt.A(t, units).Length(0)

	sched.Advance(1200 * time.Millisecond)
	gt.Equal(t, units, []string{"第一句 第二句 第三句"})
	gt.Equal(t, agg.Pending(), "")

	t.Run("next burst is a separate unit", func(t *testing.T) {
		agg.Enqueue("第四句")
		sched.Advance(1200 * time.Millisecond)
		gt.Equal(t, units, []string{"第一句 第二句 第三句", "第四句"})
	})
}

func TestZeroDebounceIsDeferred(t *testing.T) {
	sched := scheduler.NewManual()
	var units []string
	agg := pending.New(sched, 0, func(text string) {
		units = append(units, text)
	})

	agg.Enqueue("hello")
	gt.A(t, units).Length(0)
	gt.Equal(t, sched.Pending(), 1)

	sched.Advance(0)
	gt.Equal(t, units, []string{"hello"})
}

func TestFlushDirectly(t *testing.T) {
	sched := scheduler.NewManual()
	var units []string
	agg := pending.New(sched, time.Second, func(text string) {
		units = append(units, text)
	})

	agg.Enqueue("a")
	agg.Enqueue("b")
	agg.Flush()
	gt.Equal(t, units, []string{"a b"})

	// the cancelled timer does not process again
	sched.Advance(2 * time.Second)
	gt.A(t, units).Length(1)

	// flushing an empty buffer is a no-op
	agg.Flush()
	gt.A(t, units).Length(1)
}

func TestCancelDiscards(t *testing.T) {
	sched := scheduler.NewManual()
	called := false
	agg := pending.New(sched, time.Second, func(string) { called = true })

	agg.Enqueue("discard me")
	agg.Cancel()
	sched.Advance(2 * time.Second)
	gt.False(t, called)
	gt.Equal(t, agg.Pending(), "")
}

func TestEmptyEnqueueIgnored(t *testing.T) {
	sched := scheduler.NewManual()
	agg := pending.New(sched, time.Second, func(string) {})
	agg.Enqueue("  ")
	gt.Equal(t, sched.Pending(), 0)
}

package segment_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/hearken/pkg/usecase/segment"
	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
)

type recorder struct {
	commits []string
	errs    []error
}

func (r *recorder) commit(s string) error {
	r.commits = append(r.commits, s)
	return nil
}

func (r *recorder) onError(err error) {
	r.errs = append(r.errs, err)
}

func newAssembler(t *testing.T, opts ...segment.Option) (*segment.Assembler, *scheduler.Manual, *recorder) {
	t.Helper()
	sched := scheduler.NewManual()
	rec := &recorder{}
	opts = append([]segment.Option{segment.WithErrorHandler(rec.onError)}, opts...)
	return segment.New(sched, rec.commit, opts...), sched, rec
}

func TestSoftEndpointCommit(t *testing.T) {
	a, sched, rec := newAssembler(t, segment.WithSoftEndpoint(time.Second))

	a.OnPartial("我最近在做")
	sched.Advance(900 * time.Millisecond)
	a.OnPartial("一个分布式缓存")

	// the second partial re-armed the timer
	sched.Advance(900 * time.Millisecond)
	gt.A(t, rec.commits).Length(0)

	sched.Advance(100 * time.Millisecond)
	gt.Equal(t, rec.commits, []string{"我最近在做 一个分布式缓存"})
	gt.Equal(t, a.Pending(), "")

	m := a.Metrics()
	gt.Equal(t, m.SoftEndpointFires, 1)
	gt.Equal(t, m.SegmentsCommitted, 1)
	gt.Equal(t, m.EarlyCommitFires, 0)
	gt.Equal(t, sched.Pending(), 0)
}

func TestEarlyCommitOnLength(t *testing.T) {
	a, sched, rec := newAssembler(t,
		segment.WithMaxSegmentChars(50),
		segment.WithEarlyCommitPunctuation(false),
	)

	first := strings.Repeat("a", 30)
	second := strings.Repeat("b", 20)
	a.OnPartial(first)
	gt.A(t, rec.commits).Length(0)

	a.OnPartial(second)
	gt.Equal(t, rec.commits, []string{first + " " + second})

	// no soft endpoint commit follows the early commit
	sched.Advance(10 * time.Second)
	gt.A(t, rec.commits).Length(1)

	m := a.Metrics()
	gt.Equal(t, m.EarlyCommitFires, 1)
	gt.Equal(t, m.SoftEndpointFires, 0)
	gt.Equal(t, m.MaxCommittedChars, 51)
	gt.Equal(t, m.PartialChars, 50)
}

func TestEarlyCommitOnPunctuation(t *testing.T) {
	for _, p := range []string{"？", "?", "。", ".", "!", "！"} {
		t.Run(p, func(t *testing.T) {
			a, _, rec := newAssembler(t)
			a.OnPartial("你了解Go吗" + p)
			gt.Equal(t, rec.commits, []string{"你了解Go吗" + p})
		})
	}

	t.Run("disabled", func(t *testing.T) {
		a, sched, rec := newAssembler(t, segment.WithEarlyCommitPunctuation(false))
		a.OnPartial("你了解Go吗？")
		gt.A(t, rec.commits).Length(0)

		sched.Advance(1500 * time.Millisecond)
		gt.A(t, rec.commits).Length(1)
	})
}

func TestCancelAndClear(t *testing.T) {
	a, sched, rec := newAssembler(t)

	a.OnPartial("partial text")
	a.Cancel()
	sched.Advance(5 * time.Second)
	gt.A(t, rec.commits).Length(0)
	gt.Equal(t, a.Pending(), "partial text")

	a.Clear()
	gt.Equal(t, a.Pending(), "")

	a.OnPartial("next")
	sched.Advance(1500 * time.Millisecond)
	gt.Equal(t, rec.commits, []string{"next"})
}

func TestMinimumsAreEnforced(t *testing.T) {
	a, sched, rec := newAssembler(t,
		segment.WithSoftEndpoint(10*time.Millisecond),
		segment.WithMaxSegmentChars(5),
	)

	a.OnPartial("abcdef")
	gt.A(t, rec.commits).Length(0)

	sched.Advance(299 * time.Millisecond)
	gt.A(t, rec.commits).Length(0)
	sched.Advance(time.Millisecond)
	gt.Equal(t, rec.commits, []string{"abcdef"})
}

func TestCommitErrorIsForwarded(t *testing.T) {
	sched := scheduler.NewManual()
	var errs []error
	a := segment.New(sched, func(string) error { return errors.New("boom") },
		segment.WithErrorHandler(func(err error) { errs = append(errs, err) }),
	)

	a.OnPartial("hello.")
	gt.A(t, errs).Length(1)
	gt.S(t, errs[0].Error()).Contains("boom")
}

func TestCommitPanicIsForwarded(t *testing.T) {
	sched := scheduler.NewManual()
	var errs []error
	a := segment.New(sched, func(string) error { panic("oops") },
		segment.WithErrorHandler(func(err error) { errs = append(errs, err) }),
	)

	a.OnPartial("soft endpoint text")
	sched.Advance(2 * time.Second)
	gt.A(t, errs).Length(1)

	// the assembler keeps working after the panic
	a.OnPartial("again")
	sched.Advance(2 * time.Second)
	gt.A(t, errs).Length(2)
}

func TestEmptyPartialIgnored(t *testing.T) {
	a, sched, rec := newAssembler(t)
	a.OnPartial("   ")
	gt.Equal(t, sched.Pending(), 0)
	gt.A(t, rec.commits).Length(0)
}

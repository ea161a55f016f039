package fn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordSleep captures requested waits without sleeping.
type recordSleep struct{ waits []time.Duration }

func (r *recordSleep) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

// --- Result ---

func TestOkAndErr(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("Ok should be ok")
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Fatal("wrong unwrap")
	}

	e := Err[int](errors.New("fail"))
	if e.IsOk() || !e.IsErr() {
		t.Fatal("Err should be err")
	}
	if e.UnwrapOr(9) != 9 {
		t.Fatal("should return fallback")
	}
}

func TestFromPairAndCollect(t *testing.T) {
	if FromPair(1, nil).IsErr() {
		t.Fatal("nil error should be ok")
	}
	if FromPair(0, errors.New("x")).IsOk() {
		t.Fatal("error should be err")
	}
	all := Collect([]Result[int]{Ok(1), Ok(2)})
	v, err := all.Unwrap()
	if err != nil || len(v) != 2 {
		t.Fatalf("got %v %v", v, err)
	}
	if Collect([]Result[int]{Ok(1), Err[int](errors.New("bad"))}).IsOk() {
		t.Fatal("expected first error")
	}
}

// --- Retry ---

func TestRetryBackoffDoublesFromAttemptOne(t *testing.T) {
	opts := RetryOpts{BaseDelay: time.Second}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := opts.Backoff(i + 1); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
	capped := RetryOpts{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	if got := capped.Backoff(3); got != 3*time.Second {
		t.Errorf("expected cap, got %v", got)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	rs := &recordSleep{}
	var calls int
	r := Retry(context.Background(), RetryOpts{Label: "op", MaxAttempts: 3, BaseDelay: time.Second, Logger: quiet, Sleep: rs.sleep},
		func(context.Context) Result[string] {
			calls++
			if calls < 3 {
				return Err[string](errors.New("flaky"))
			}
			return Ok("done")
		})
	v, err := r.Unwrap()
	if err != nil || v != "done" {
		t.Fatalf("got %q %v", v, err)
	}
	if len(rs.waits) != 2 || rs.waits[0] != 2*time.Second || rs.waits[1] != 4*time.Second {
		t.Fatalf("unexpected waits %v", rs.waits)
	}
}

func TestRetryDoesNotRetryEmptySuccess(t *testing.T) {
	var calls int
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 3, Logger: quiet},
		func(context.Context) Result[[]int] {
			calls++
			return Ok([]int{})
		})
	if r.IsErr() || calls != 1 {
		t.Fatalf("calls=%d err=%v", calls, r.IsErr())
	}
}

func TestRetryExhaustionTagsLabelAndAttempts(t *testing.T) {
	cause := errors.New("upstream down")
	r := Retry(context.Background(), RetryOpts{Label: "provider-page-1", MaxAttempts: 3, Logger: quiet, Sleep: (&recordSleep{}).sleep},
		func(context.Context) Result[int] { return Err[int](cause) })
	_, err := r.Unwrap()
	var re *RetryError
	if !errors.As(err, &re) {
		t.Fatalf("expected RetryError, got %T", err)
	}
	if re.Label != "provider-page-1" || re.Attempts != 3 {
		t.Fatalf("got %+v", re)
	}
	if !errors.Is(err, cause) {
		t.Fatal("RetryError should unwrap to the last error")
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad credentials")
	var calls int
	r := Retry(context.Background(), RetryOpts{
		MaxAttempts: 5,
		Logger:      quiet,
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
		Sleep:       (&recordSleep{}).sleep,
	}, func(context.Context) Result[int] {
		calls++
		return Err[int](permanent)
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	_, err := r.Unwrap()
	var re *RetryError
	if !errors.As(err, &re) || re.Attempts != 1 {
		t.Fatalf("got %v", err)
	}
}

func TestRetryContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Retry(ctx, RetryOpts{MaxAttempts: 3, BaseDelay: time.Hour, Logger: quiet},
		func(context.Context) Result[int] { return Err[int](errors.New("x")) })
	_, err := r.Unwrap()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryDo(t *testing.T) {
	var calls int
	err := RetryDo(context.Background(), RetryOpts{MaxAttempts: 2, Logger: quiet, Sleep: (&recordSleep{}).sleep},
		func(context.Context) error {
			calls++
			return nil
		})
	if err != nil || calls != 1 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}

func TestRetryStage(t *testing.T) {
	var n atomic.Int32
	stage := RetryStage(RetryOpts{MaxAttempts: 2, Logger: quiet, Sleep: (&recordSleep{}).sleep},
		Stage[int, int](func(_ context.Context, in int) Result[int] {
			if n.Add(1) == 1 {
				return Err[int](errors.New("first"))
			}
			return Ok(in * 2)
		}))
	v, err := stage(context.Background(), 4).Unwrap()
	if err != nil || v != 8 {
		t.Fatalf("got %d %v", v, err)
	}
}

// --- Stages ---

func TestThenShortCircuits(t *testing.T) {
	var secondCalled bool
	first := Stage[int, int](func(context.Context, int) Result[int] { return Err[int](errors.New("stop")) })
	second := Stage[int, string](func(context.Context, int) Result[string] {
		secondCalled = true
		return Ok("x")
	})
	if Then(first, second)(context.Background(), 1).IsOk() || secondCalled {
		t.Fatal("second stage should not run")
	}
}

func TestTracedStagePassesThrough(t *testing.T) {
	s := TracedStage("double", Stage[int, int](func(_ context.Context, in int) Result[int] { return Ok(in * 2) }))
	v, err := s(context.Background(), 3).Unwrap()
	if err != nil || v != 6 {
		t.Fatalf("got %d %v", v, err)
	}
}

// --- Slices ---

func TestSliceHelpers(t *testing.T) {
	doubled := Map([]int{1, 2, 3}, func(i int) int { return i * 2 })
	if doubled[2] != 6 {
		t.Fatalf("Map: %v", doubled)
	}
	even := Filter([]int{1, 2, 3, 4}, func(i int) bool { return i%2 == 0 })
	if len(even) != 2 {
		t.Fatalf("Filter: %v", even)
	}
	if v, ok := Find([]string{"a", "bb"}, func(s string) bool { return len(s) == 2 }); !ok || v != "bb" {
		t.Fatalf("Find: %q %v", v, ok)
	}
	if _, ok := Find([]int{}, func(int) bool { return true }); ok {
		t.Fatal("Find on empty should miss")
	}
	if len(Take([]int{1, 2, 3}, 2)) != 2 || len(Take([]int{1}, 5)) != 1 || len(Take([]int{1}, -1)) != 0 {
		t.Fatal("Take bounds")
	}
}

func TestParMapResultPreservesOrder(t *testing.T) {
	out := ParMapResult([]int{1, 2, 3, 4}, 2, func(i int) Result[int] { return Ok(i * i) })
	v, err := Collect(out).Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []int{1, 4, 9, 16} {
		if v[i] != want {
			t.Fatalf("index %d: got %d", i, v[i])
		}
	}
	if len(ParMapResult([]int{}, 0, func(i int) Result[int] { return Ok(i) })) != 0 {
		t.Fatal("empty input")
	}
}

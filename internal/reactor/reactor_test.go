package reactor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/nyxrpc/internal/testutil/testlog"
)

func startReactor(t *testing.T, opts Options) *Reactor {
	t.Helper()
	r := New(opts)
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run() }()
	t.Cleanup(func() {
		r.Stop()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("reactor did not stop")
		}
	})
	return r
}

func TestPostRunsInOrderOnOneGoroutine(t *testing.T) {
	testlog.Start(t)
	r := startReactor(t, Options{})

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if !r.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("post %d rejected", i)
		}
	}
	if err := r.Call(func() {}); err != nil {
		t.Fatalf("call: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("ran %d callbacks want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("callback order broken at %d: %d", i, v)
		}
	}
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	testlog.Start(t)
	r := startReactor(t, Options{PollInterval: 50 * time.Millisecond})

	out := make(chan string, 3)
	if err := r.Call(func() {
		r.AddTimer(30*time.Millisecond, func() { out <- "late" })
		r.AddTimer(5*time.Millisecond, func() { out <- "early" })
		canceled := r.AddTimer(10*time.Millisecond, func() { out <- "canceled" })
		if !canceled.Cancel() {
			t.Errorf("cancel of pending timer returned false")
		}
	}); err != nil {
		t.Fatalf("call: %v", err)
	}

	for _, want := range []string{"early", "late"} {
		select {
		case got := <-out:
			if got != want {
				t.Fatalf("timer order: got %q want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timer %q never fired", want)
		}
	}
	select {
	case got := <-out:
		t.Fatalf("unexpected timer fired: %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerFiresWithoutEventsWithinPollBound(t *testing.T) {
	testlog.Start(t)
	r := startReactor(t, Options{PollInterval: 20 * time.Millisecond})
	fired := make(chan time.Time, 1)
	start := time.Now()
	r.AddTimer(time.Millisecond, func() { fired <- time.Now() })
	select {
	case at := <-fired:
		if at.Sub(start) > time.Second {
			t.Fatalf("timer fired too late: %v", at.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timer never fired on idle loop")
	}
}

func TestCycleTimerRepeatsUntilCanceled(t *testing.T) {
	testlog.Start(t)
	r := startReactor(t, Options{PollInterval: 5 * time.Millisecond})

	var ticks atomic.Int32
	var timer *Timer
	reached := make(chan struct{})
	if err := r.Call(func() {
		timer = r.AddCycleTimer(2*time.Millisecond, func() {
			if ticks.Add(1) == 3 {
				timer.Cancel()
				close(reached)
			}
		})
	}); err != nil {
		t.Fatalf("call: %v", err)
	}
	select {
	case <-reached:
	case <-time.After(2 * time.Second):
		t.Fatalf("cycle timer ticked %d times", ticks.Load())
	}
	time.Sleep(30 * time.Millisecond)
	if got := ticks.Load(); got != 3 {
		t.Fatalf("cycle timer kept running after cancel: %d ticks", got)
	}
	if timer.Pending() {
		t.Fatalf("canceled timer still pending")
	}
}

type fakeSocket struct {
	r      *Reactor
	id     uint64
	closes atomic.Int32
}

func (s *fakeSocket) Close() error {
	s.closes.Add(1)
	// Simulate a reader goroutine delivering the close notification later.
	go s.r.Post(func() { s.r.Unregister(s.id) })
	return nil
}

func TestStopClosesSocketsAndDrains(t *testing.T) {
	testlog.Start(t)
	r := New(Options{PollInterval: 5 * time.Millisecond, DrainTimeout: 2 * time.Second})
	socks := make([]*fakeSocket, 3)
	for i := range socks {
		socks[i] = &fakeSocket{r: r}
		socks[i].id = r.Register(socks[i])
	}
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run() }()

	r.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reactor did not stop")
	}
	for i, s := range socks {
		if s.closes.Load() != 1 {
			t.Fatalf("socket %d closed %d times", i, s.closes.Load())
		}
	}
	if r.Sockets() != 0 {
		t.Fatalf("registry not drained: %d", r.Sockets())
	}
	if r.Post(func() {}) {
		t.Fatalf("post accepted after shutdown")
	}
	if err := r.Call(func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestRunTwiceFails(t *testing.T) {
	testlog.Start(t)
	r := startReactor(t, Options{})
	if err := r.Call(func() {}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if err := r.Run(); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
}

func TestPanickingCallbackDoesNotKillLoop(t *testing.T) {
	testlog.Start(t)
	r := startReactor(t, Options{})
	r.Post(func() { panic("boom") })
	if err := r.Call(func() {}); err != nil {
		t.Fatalf("loop died after panic: %v", err)
	}
}

// Package reactor is the single-goroutine event loop that drives every
// connection, channel and timer callback of a node.
//
// Other goroutines (socket readers/writers, dialers, admin handlers) never
// touch connection state directly; they Post closures that run on the loop.
package reactor

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrRunning = errors.New("reactor: already running")
	ErrStopped = errors.New("reactor: stopped")
)

// Closer is anything the reactor must close at shutdown (connections, acceptors).
// Close runs on the loop goroutine.
type Closer interface {
	Close() error
}

type Options struct {
	// PollInterval bounds how long one iteration waits for events.
	PollInterval time.Duration
	EventQueue   int
	// DrainTimeout bounds the final processing of close notifications.
	DrainTimeout time.Duration
	// MaxBatch bounds the events dispatched per iteration before timers run.
	MaxBatch int
}

func DefaultOptions() Options {
	return Options{
		PollInterval: 10 * time.Millisecond,
		EventQueue:   4096,
		DrainTimeout: time.Second,
		MaxBatch:     256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.EventQueue <= 0 {
		o.EventQueue = d.EventQueue
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = d.DrainTimeout
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = d.MaxBatch
	}
	return o
}

type Reactor struct {
	opts   Options
	events chan func()
	done   chan struct{}

	running  atomic.Bool
	stopping atomic.Bool
	closed   atomic.Bool

	mu       sync.Mutex
	timers   timerHeap
	timerSeq uint64
	sockets  map[uint64]Closer
	sockSeq  uint64
}

func New(opts Options) *Reactor {
	opts = opts.withDefaults()
	return &Reactor{
		opts:    opts,
		events:  make(chan func(), opts.EventQueue),
		done:    make(chan struct{}),
		sockets: make(map[uint64]Closer),
	}
}

func (r *Reactor) Options() Options {
	return r.opts
}

// Post hands fn to the loop. It reports false once the reactor has shut down.
// Loop callbacks should not Post into a full queue; they already run on the loop.
func (r *Reactor) Post(fn func()) bool {
	if r.closed.Load() {
		return false
	}
	select {
	case r.events <- fn:
		return true
	case <-r.done:
		return false
	}
}

// Call runs fn on the loop and waits for it. Never call it from the loop itself.
func (r *Reactor) Call(fn func()) error {
	finished := make(chan struct{})
	ok := r.Post(func() {
		defer close(finished)
		fn()
	})
	if !ok {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (r *Reactor) AddTimer(d time.Duration, fn func()) *Timer {
	return r.addTimer(d, 0, fn)
}

// AddCycleTimer fires fn every period until canceled.
func (r *Reactor) AddCycleTimer(period time.Duration, fn func()) *Timer {
	if period <= 0 {
		period = r.opts.PollInterval
	}
	return r.addTimer(period, period, fn)
}

func (r *Reactor) addTimer(d, period time.Duration, fn func()) *Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timerSeq++
	t := &Timer{
		r:      r,
		when:   time.Now().Add(d),
		period: period,
		fn:     fn,
		seq:    r.timerSeq,
	}
	heap.Push(&r.timers, t)
	return t
}

// Register tracks a socket so shutdown can close it. The returned id is
// passed to Unregister once the socket's close notification has run.
func (r *Reactor) Register(c Closer) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockSeq++
	r.sockets[r.sockSeq] = c
	return r.sockSeq
}

func (r *Reactor) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sockets, id)
}

// Sockets is the number of registered sockets.
func (r *Reactor) Sockets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets)
}

func (r *Reactor) Running() bool {
	return r.running.Load() && !r.closed.Load()
}

// Stop asks the loop to exit after the current iteration. Safe from any goroutine.
func (r *Reactor) Stop() {
	r.stopping.Store(true)
}

// Done is closed when Run has returned.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Run drives the loop on the calling goroutine until Stop.
func (r *Reactor) Run() error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(r.done)

	wait := time.NewTimer(r.opts.PollInterval)
	defer wait.Stop()
	for !r.stopping.Load() {
		wait.Reset(r.nextWait(time.Now()))
		select {
		case fn := <-r.events:
			r.dispatch(fn)
			r.dispatchReady(r.opts.MaxBatch - 1)
		case <-wait.C:
		}
		r.runTimers(time.Now())
	}
	r.shutdown()
	return nil
}

func (r *Reactor) nextWait(now time.Time) time.Duration {
	wait := r.opts.PollInterval
	r.mu.Lock()
	if len(r.timers) > 0 {
		if d := r.timers[0].when.Sub(now); d < wait {
			wait = d
		}
	}
	r.mu.Unlock()
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (r *Reactor) dispatchReady(limit int) {
	for i := 0; i < limit; i++ {
		select {
		case fn := <-r.events:
			r.dispatch(fn)
		default:
			return
		}
	}
}

func (r *Reactor) dispatch(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("panic", fmt.Sprint(p)).Msg("reactor callback panicked")
		}
	}()
	fn()
}

func (r *Reactor) runTimers(now time.Time) {
	for {
		r.mu.Lock()
		if len(r.timers) == 0 || r.timers[0].when.After(now) {
			r.mu.Unlock()
			return
		}
		t := heap.Pop(&r.timers).(*Timer)
		if t.period > 0 && !t.canceled {
			t.when = now.Add(t.period)
			heap.Push(&r.timers, t)
		}
		r.mu.Unlock()
		r.dispatch(t.fn)
	}
}

// shutdown closes registered sockets and processes the resulting close
// notifications until the registry empties or DrainTimeout passes.
func (r *Reactor) shutdown() {
	r.mu.Lock()
	sockets := make([]Closer, 0, len(r.sockets))
	for _, s := range r.sockets {
		sockets = append(sockets, s)
	}
	for _, t := range r.timers {
		t.index = -1
	}
	r.timers = nil
	r.mu.Unlock()

	for _, s := range sockets {
		r.dispatch(func() { _ = s.Close() })
	}

	deadline := time.NewTimer(r.opts.DrainTimeout)
	defer deadline.Stop()
drain:
	for {
		select {
		case fn := <-r.events:
			r.dispatch(fn)
			continue
		default:
		}
		if r.Sockets() == 0 {
			break drain
		}
		select {
		case fn := <-r.events:
			r.dispatch(fn)
		case <-deadline.C:
			log.Warn().Int("sockets", r.Sockets()).Msg("reactor drain timed out")
			break drain
		}
	}
	r.closed.Store(true)
	log.Debug().Msg("reactor stopped")
}

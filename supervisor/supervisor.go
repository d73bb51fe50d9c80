// Package supervisor implements the Self-Healing Supervisor of §4.2: it
// turns Registry lifecycle failures into bounded, exponentially-backed-off
// recovery attempts gated by a circuit breaker, and alerts once it gives
// up on a plugin.
package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	// DefaultMaxRetries is how many consecutive failures the Supervisor
	// will attempt to recover from before alerting and giving up.
	DefaultMaxRetries = 3
	// DefaultInitialBackoff is the delay before the first scheduled
	// recovery attempt.
	DefaultInitialBackoff = 5 * time.Second
	// DefaultMaxBackoff caps the exponential backoff delay.
	DefaultMaxBackoff = 60 * time.Second
	// workers is the fixed size of the Supervisor's scheduled-attempt pool
	// (§5: "a small scheduled pool (2 workers)").
	workers = 2
)

// BreakerGate is the Circuit Breaker surface the Supervisor consults before
// running a scheduled attempt.
type BreakerGate interface {
	AllowRequest(name string) bool
	RecordSuccess(name string)
	RecordFailure(name string)
}

// RestartFunc attempts to bring name back to its desired state (the
// Registry's Recover operation). A nil error means the attempt succeeded.
type RestartFunc func(name string) error

// AlertFunc is invoked exactly once per give-up episode, for operator
// notification.
type AlertFunc func(name string, lastErr error)

type counter struct {
	failures int32
}

// Supervisor is the self-healing control loop. Construct with New.
type Supervisor struct {
	breaker     BreakerGate
	restart     RestartFunc
	alert       AlertFunc
	maxRetries  int32
	initial     time.Duration
	max         time.Duration
	logger      *log.Helper

	mu       sync.Mutex
	counters map[string]*counter

	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup
}

type job struct {
	name string
}

// New constructs a Supervisor with its fixed-size worker pool already
// running. Stop must be called once the host is shutting down.
func New(breaker BreakerGate, restart RestartFunc, alert AlertFunc, maxRetries int, initial, max time.Duration, logger log.Logger) *Supervisor {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	if logger == nil {
		logger = log.DefaultLogger
	}

	s := &Supervisor{
		breaker:    breaker,
		restart:    restart,
		alert:      alert,
		maxRetries: int32(maxRetries),
		initial:    initial,
		max:        max,
		logger:     log.NewHelper(log.With(logger, "component", "supervisor")),
		counters:   make(map[string]*counter),
		jobs:       make(chan job, 64),
		quit:       make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *Supervisor) worker() {
	defer s.wg.Done()
	for {
		select {
		case j := <-s.jobs:
			s.attempt(j.name)
		case <-s.quit:
			return
		}
	}
}

// Register creates a fresh failure counter for name, replacing any prior
// one (idempotent: re-registering resets state).
func (s *Supervisor) Register(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] = &counter{}
}

// Unregister drops name's counter. A scheduled attempt already in flight
// for name still runs but has no counter to increment against; its result
// is simply discarded.
func (s *Supervisor) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, name)
}

func (s *Supervisor) counterFor(name string) *counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[name]
	if !ok {
		c = &counter{}
		s.counters[name] = c
	}
	return c
}

// RecordFailure increments name's failure counter, forwards the failure to
// its circuit breaker, and — if still within max-retries — schedules a
// recovery attempt after an exponential backoff. Past max-retries it alerts
// once and stops scheduling until a manual Register/recovery arrives.
func (s *Supervisor) RecordFailure(name string, err error) {
	c := s.counterFor(name)
	n := atomic.AddInt32(&c.failures, 1)
	s.breaker.RecordFailure(name)

	if n > s.maxRetries {
		if n == s.maxRetries+1 {
			s.logger.Errorf("plugin %q exhausted %d retries, alerting and giving up: %v", name, s.maxRetries, err)
			if s.alert != nil {
				s.alert(name, err)
			}
		}
		return
	}

	delay := backoff(n, s.initial, s.max)
	s.logger.Warnf("scheduling recovery attempt %d/%d for %q in %s", n, s.maxRetries, name, delay)
	time.AfterFunc(delay, func() {
		select {
		case s.jobs <- job{name: name}:
		case <-s.quit:
		}
	})
}

// RecordSuccess resets name's failure counter and its circuit breaker.
func (s *Supervisor) RecordSuccess(name string) {
	c := s.counterFor(name)
	atomic.StoreInt32(&c.failures, 0)
	s.breaker.RecordSuccess(name)
}

// attempt consults the breaker, then — if allowed — invokes the restart
// callback, reporting the outcome back through RecordSuccess/RecordFailure.
// A breaker denial is not itself counted as a retry.
func (s *Supervisor) attempt(name string) {
	if !s.breaker.AllowRequest(name) {
		s.logger.Infof("circuit open for %q, skipping scheduled recovery attempt", name)
		return
	}
	err := s.restart(name)
	s.mu.Lock()
	_, registered := s.counters[name]
	s.mu.Unlock()
	if !registered {
		return
	}
	if err != nil {
		s.RecordFailure(name, err)
		return
	}
	s.RecordSuccess(name)
}

// backoff computes min(initial * 2^(k-1), max) for failure count k >= 1.
func backoff(k int32, initial, max time.Duration) time.Duration {
	if k < 1 {
		k = 1
	}
	d := initial
	for i := int32(1); i < k; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Stop halts the worker pool. Pending scheduled AfterFunc callbacks that
// fire after Stop simply find the jobs channel send blocked against quit
// and drop their job.
func (s *Supervisor) Stop() {
	close(s.quit)
	s.wg.Wait()
}

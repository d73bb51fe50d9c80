// Package observer implements the State Observer of §4.7: a periodic,
// read-only pass over the Registry that surfaces reconciliation gaps
// between a plugin's current and desired state.
package observer

import (
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/lynxcore/pluginhost/plugins"
)

// DefaultInterval is §6's state-observer-interval-ms default.
const DefaultInterval = 30 * time.Second

// StateProvider is the narrow Registry surface the Observer reads. Accepted
// as an interface, not imported as the concrete registry package, so this
// package never needs to know about the Registry's other collaborators.
type StateProvider interface {
	ListNames() []string
	GetState(name string) (plugins.State, bool)
	GetDesiredState(name string) (plugins.State, bool)
}

// Observer runs a fixed-interval read-only snapshot pass. Construct with
// New; call Stop on host shutdown.
type Observer struct {
	source   StateProvider
	interval time.Duration
	logger   *log.Helper

	quit chan struct{}
	wg   sync.WaitGroup
}

// Option configures an Observer at construction time.
type Option func(*Observer)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option { return func(o *Observer) { o.interval = d } }

// WithLogger overrides the Observer's logger.
func WithLogger(l log.Logger) Option {
	return func(o *Observer) { o.logger = log.NewHelper(log.With(l, "component", "observer")) }
}

// New constructs an Observer and starts its polling goroutine immediately.
func New(source StateProvider, opts ...Option) *Observer {
	o := &Observer{
		source:   source,
		interval: DefaultInterval,
		logger:   log.NewHelper(log.With(log.DefaultLogger, "component", "observer")),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.wg.Add(1)
	go o.run()
	return o
}

func (o *Observer) run() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.quit:
			return
		case <-ticker.C:
			o.snapshot()
		}
	}
}

// snapshot emits one line per registered plugin of the form
// `name=current(desired:<state>)`, logged at info level.
func (o *Observer) snapshot() {
	for _, line := range o.Lines() {
		o.logger.Infof("%s", line)
	}
}

// Lines computes the current snapshot without waiting for the next tick,
// returned as formatted strings rather than logged — useful for a status
// endpoint or a test.
func (o *Observer) Lines() []string {
	names := o.source.ListNames()
	lines := make([]string, 0, len(names))
	for _, name := range names {
		current, ok := o.source.GetState(name)
		if !ok {
			continue
		}
		desired, _ := o.source.GetDesiredState(name)
		lines = append(lines, name+"="+current.String()+"(desired:"+desired.String()+")")
	}
	return lines
}

// Stop halts the polling goroutine.
func (o *Observer) Stop() {
	close(o.quit)
	o.wg.Wait()
}

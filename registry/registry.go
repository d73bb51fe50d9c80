package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/lynxcore/pluginhost/isolation"
	"github.com/lynxcore/pluginhost/plugins"
)

// entry pairs an Isolation Unit with the per-name lock that serializes every
// lifecycle call against it (§4.1 concurrency: "operations on different
// names are independent").
type entry struct {
	mu   sync.Mutex
	unit *isolation.Unit

	unsubscribeConfig func()
}

// Registry is the lifecycle core. The zero value is not usable; construct
// with New.
type Registry struct {
	loader   isolation.Loader
	root     *isolation.Scope
	resolve  isolation.Resolution
	events   EventPublisher
	metrics  MetricsRecorder
	super    Supervisor
	configs  ConfigProvider
	breakers BreakerManager
	rpc      plugins.RPCClientFactory
	logger   *log.Helper

	mapMu sync.RWMutex
	units map[string]*entry
}

// Option configures optional Registry collaborators.
type Option func(*Registry)

// WithRPCClientFactory wires an RPC client factory into every plugin
// context the Registry builds. The core has no transport of its own (out of
// scope); a host that has one passes it here.
func WithRPCClientFactory(f plugins.RPCClientFactory) Option {
	return func(r *Registry) { r.rpc = f }
}

// WithResolution overrides the default parent-first class-resolution
// strategy for every Isolation Unit this Registry creates.
func WithResolution(res isolation.Resolution) Option {
	return func(r *Registry) { r.resolve = res }
}

const eventSource = "PluginManager"

// New constructs a Registry. loader, events, metrics, super, and configs
// must all be non-nil; logger may be nil (falls back to log.DefaultLogger).
func New(loader isolation.Loader, events EventPublisher, metrics MetricsRecorder, super Supervisor, configs ConfigProvider, breakers BreakerManager, logger log.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = log.DefaultLogger
	}
	r := &Registry{
		loader:   loader,
		root:     isolation.NewRootScope(),
		resolve:  isolation.ParentFirst,
		events:   events,
		metrics:  metrics,
		super:    super,
		configs:  configs,
		breakers: breakers,
		logger:   log.NewHelper(log.With(logger, "component", "registry")),
		units:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) lock(name string, create bool) (*entry, bool) {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	e, ok := r.units[name]
	if !ok && create {
		e = &entry{}
		r.units[name] = e
		return e, true
	}
	return e, ok
}

func (r *Registry) delete(name string) {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	delete(r.units, name)
}

// Install resolves locator/classID through the Loader, creates a fresh
// Isolation Unit, loads persisted configuration, builds its Context, and
// records state = LOADED. See §4.1.
func (r *Registry) Install(name, locator, classID string) error {
	r.mapMu.Lock()
	if _, exists := r.units[name]; exists {
		r.mapMu.Unlock()
		return plugins.NewError(plugins.ErrAlreadyInstalled, name, "Install", "name already registered")
	}
	e := &entry{}
	r.units[name] = e
	r.mapMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()

	instance, err := r.loader.Resolve(locator, classID)
	if err != nil {
		r.delete(name)
		r.metrics.RecordInstall(name, time.Since(start), false)
		return err
	}

	unit := isolation.NewUnit(name, locator, classID, instance, r.root, r.resolve)
	e.unit = unit

	cfg, secrets := r.configs.Load(name)
	ctx := r.buildContext(unit, cfg, secrets)
	_ = ctx // context is rebuilt fresh again on Init; this call only validates collaborators are wired

	r.super.Register(name)

	r.metrics.RecordInstall(name, time.Since(start), true)
	r.events.Publish("PluginInstalled", eventSource, map[string]any{
		"pluginName":    name,
		"pluginVersion": instance.Version(),
		"timestamp":     time.Now().UnixMilli(),
	})
	r.logger.Infof("installed plugin %q (class %q)", name, classID)
	return nil
}

func (r *Registry) buildContext(unit *isolation.Unit, cfg, secrets map[string]string) plugins.Context {
	return unit.BuildContext(isolation.ContextDeps{
		Logger:    log.DefaultLogger,
		Config:    configReader{values: cfg},
		Secrets:   configReader{values: secrets},
		Events:    r.events,
		Metrics:   r.metrics,
		RPCClient: r.rpc,
	})
}

// Init calls the plugin's Init with a fresh Context and registers the
// configuration-change listener that drives reconcile-config. Precondition:
// state is LOADED.
func (r *Registry) Init(name string) error {
	e, ok := r.lock(name, false)
	if !ok {
		return plugins.NewError(plugins.ErrNotFound, name, "Init", "no such plugin")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.doInit(name, e)
}

func (r *Registry) doInit(name string, e *entry) error {
	unit := e.unit
	if unit.Current() != plugins.StateLoaded {
		return plugins.NewError(plugins.ErrPreconditionViolation, name, "Init",
			fmt.Sprintf("state is %s, want LOADED", unit.Current()))
	}

	cfg, secrets := r.configs.Load(name)
	ctx := r.buildContext(unit, cfg, secrets)

	if err := safeCall(func() error { return unit.Plugin.Init(ctx) }); err != nil {
		unit.SetCurrent(plugins.StateFailed)
		unit.SetDesired(plugins.StateInitialized)
		werr := plugins.WrapError(plugins.ErrLifecycleFault, name, "Init", err)
		r.metrics.RecordError(name, "init")
		r.super.RecordFailure(name, werr)
		return werr
	}

	unit.SetCurrent(plugins.StateInitialized)

	if e.unsubscribeConfig != nil {
		e.unsubscribeConfig()
	}
	e.unsubscribeConfig = r.configs.Subscribe(name, func(newConfig map[string]string) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := r.doReconcile(name, e, newConfig); err != nil {
			r.logger.Errorf("reconcile-config for %q failed: %v", name, err)
		}
	})

	return nil
}

// Start calls the plugin's Start. Precondition: state is INITIALIZED or
// STOPPED. On success, clears desired-state and records success with the
// Supervisor; a PluginStarted event is published.
func (r *Registry) Start(name string) error {
	e, ok := r.lock(name, false)
	if !ok {
		return plugins.NewError(plugins.ErrNotFound, name, "Start", "no such plugin")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.doStart(name, e)
}

func (r *Registry) doStart(name string, e *entry) error {
	unit := e.unit
	cur := unit.Current()
	if cur != plugins.StateInitialized && cur != plugins.StateStopped {
		return plugins.NewError(plugins.ErrPreconditionViolation, name, "Start",
			fmt.Sprintf("state is %s, want INITIALIZED or STOPPED", cur))
	}

	start := time.Now()
	if err := safeCall(unit.Plugin.Start); err != nil {
		unit.SetCurrent(plugins.StateFailed)
		unit.SetDesired(plugins.StateStarted)
		werr := plugins.WrapError(plugins.ErrLifecycleFault, name, "Start", err)
		r.metrics.RecordStart(name, time.Since(start), false)
		r.metrics.RecordError(name, "start")
		r.super.RecordFailure(name, werr)
		return werr
	}

	unit.SetCurrent(plugins.StateStarted)
	unit.SetDesired(plugins.StateLoaded)
	r.metrics.RecordStart(name, time.Since(start), true)
	r.super.RecordSuccess(name)
	r.events.Publish("PluginStarted", eventSource, map[string]any{
		"pluginName":    name,
		"pluginVersion": unit.Plugin.Version(),
		"timestamp":     time.Now().UnixMilli(),
	})
	return nil
}

// Stop calls the plugin's Stop. Precondition: state is STARTED.
func (r *Registry) Stop(name string) error {
	e, ok := r.lock(name, false)
	if !ok {
		return plugins.NewError(plugins.ErrNotFound, name, "Stop", "no such plugin")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.doStop(name, e)
}

func (r *Registry) doStop(name string, e *entry) error {
	unit := e.unit
	if unit.Current() != plugins.StateStarted {
		return plugins.NewError(plugins.ErrPreconditionViolation, name, "Stop",
			fmt.Sprintf("state is %s, want STARTED", unit.Current()))
	}

	start := time.Now()
	if err := safeCall(unit.Plugin.Stop); err != nil {
		unit.SetCurrent(plugins.StateFailed)
		unit.SetDesired(plugins.StateStopped)
		werr := plugins.WrapError(plugins.ErrLifecycleFault, name, "Stop", err)
		r.metrics.RecordStop(name, time.Since(start), false)
		r.metrics.RecordError(name, "stop")
		r.super.RecordFailure(name, werr)
		return werr
	}

	unit.SetCurrent(plugins.StateStopped)
	r.metrics.RecordStop(name, time.Since(start), true)
	r.events.Publish("PluginStopped", eventSource, map[string]any{
		"pluginName":    name,
		"pluginVersion": unit.Plugin.Version(),
		"timestamp":     time.Now().UnixMilli(),
	})
	return nil
}

// Unload is allowed from any state. If currently STARTED, it best-effort
// stops first (error logged, not re-raised), then destroys the plugin,
// closes its scope, and removes its registry entry.
func (r *Registry) Unload(name string) error {
	e, ok := r.lock(name, false)
	if !ok {
		return plugins.NewError(plugins.ErrNotFound, name, "Unload", "no such plugin")
	}
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		r.delete(name)
	}()

	unit := e.unit
	if e.unsubscribeConfig != nil {
		e.unsubscribeConfig()
	}

	if unit.Current() == plugins.StateStarted {
		if err := safeCall(unit.Plugin.Stop); err != nil {
			r.logger.Warnf("best-effort stop of %q during unload failed: %v", name, err)
		} else {
			unit.SetCurrent(plugins.StateStopped)
		}
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Errorf("panic in Destroy of %q: %v", name, rec)
			}
		}()
		unit.Plugin.Destroy()
	}()

	unit.CleanupResources()
	r.super.Unregister(name)
	r.breakers.Remove(name)
	unit.SetCurrent(plugins.StateUnloaded)
	r.metrics.RecordUnload(name, true)
	r.logger.Infof("unloaded plugin %q", name)
	return nil
}

// Recover reads desired-state and drives the plugin back towards it: if
// STARTED, performs Init then Start (passing through INITIALIZED); if
// INITIALIZED, performs Init only. Returns whether the final state matches
// desired. Invoked by the Supervisor and by reconcile-config.
func (r *Registry) Recover(name string) (bool, error) {
	e, ok := r.lock(name, false)
	if !ok {
		return false, plugins.NewError(plugins.ErrNotFound, name, "Recover", "no such plugin")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.doRecover(name, e)
}

func (r *Registry) doRecover(name string, e *entry) (bool, error) {
	desired := e.unit.Desired()
	if e.unit.Current() == desired {
		return true, nil
	}

	if desired != plugins.StateStarted && desired != plugins.StateInitialized {
		return false, nil
	}

	e.unit.SetCurrent(plugins.StateLoaded)
	if err := r.doInit(name, e); err != nil {
		return false, err
	}
	if desired == plugins.StateInitialized {
		return true, nil
	}

	if err := r.doStart(name, e); err != nil {
		return false, err
	}
	return true, nil
}

// ReconcileConfig is invoked by the Configuration Store when a plugin's
// config bundle changes (§4.1 policy table).
func (r *Registry) ReconcileConfig(name string, newConfig map[string]string) error {
	e, ok := r.lock(name, false)
	if !ok {
		return plugins.NewError(plugins.ErrNotFound, name, "ReconcileConfig", "no such plugin")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.doReconcile(name, e, newConfig)
}

func (r *Registry) doReconcile(name string, e *entry, _ map[string]string) error {
	switch e.unit.Current() {
	case plugins.StateStarted:
		if err := r.doStop(name, e); err != nil {
			e.unit.SetDesired(plugins.StateStarted)
			return err
		}
		e.unit.SetCurrent(plugins.StateLoaded)
		if err := r.doInit(name, e); err != nil {
			e.unit.SetDesired(plugins.StateStarted)
			return err
		}
		return r.doStart(name, e)
	case plugins.StateFailed:
		_, err := r.doRecover(name, e)
		return err
	default:
		return nil
	}
}

// GetState returns the current state of name, or ok=false if unknown.
func (r *Registry) GetState(name string) (plugins.State, bool) {
	e, ok := r.lock(name, false)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unit.Current(), true
}

// GetDesiredState returns the desired state of name, or ok=false if unknown.
func (r *Registry) GetDesiredState(name string) (plugins.State, bool) {
	e, ok := r.lock(name, false)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unit.Desired(), true
}

// ListNames returns every currently-registered plugin name, in no
// particular order. Safe for concurrent use with every other operation.
func (r *Registry) ListNames() []string {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()
	out := make([]string, 0, len(r.units))
	for name := range r.units {
		out = append(out, name)
	}
	return out
}

// GetInstance returns the live plugin instance for name, for read-only
// inspection (e.g. a metrics-gatherer probe). Callers must not call
// lifecycle methods on it directly; go through the Registry.
func (r *Registry) GetInstance(name string) (plugins.Plugin, bool) {
	e, ok := r.lock(name, false)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unit.Plugin, true
}

// safeCall invokes fn, converting a panic into an error. The core
// deliberately applies no timeout here (§5: "the Registry does not impose a
// timeout and does not cancel") — only panic containment, so one
// misbehaving plugin cannot take the whole host process down.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in plugin lifecycle call: %v", r)
		}
	}()
	return fn()
}


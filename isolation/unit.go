package isolation

import (
	"sync"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/lynxcore/pluginhost/plugins"
)

// Unit is the Isolation Unit of §4.6: the record binding one plugin instance
// to its own class-resolution scope, its resource map, and the Registry's
// view of its current and desired state. The Registry is the only component
// that mutates a Unit's state fields; everything else reaches a plugin only
// through its Context.
type Unit struct {
	Name    string
	Locator string
	ClassID string

	Plugin plugins.Plugin
	Scope  *Scope

	mu      sync.RWMutex
	current plugins.State
	desired plugins.State

	resources sync.Map // string -> any
}

// NewUnit creates a Unit in StateLoaded (the Registry's Install operation
// never stores StateInstalled, see plugins.StateInstalled) with a fresh
// child scope beneath root.
func NewUnit(name, locator, classID string, p plugins.Plugin, root *Scope, resolution Resolution) *Unit {
	return &Unit{
		Name:    name,
		Locator: locator,
		ClassID: classID,
		Plugin:  p,
		Scope:   root.Child(resolution),
		current: plugins.StateLoaded,
		desired: plugins.StateLoaded,
	}
}

// Current returns the Unit's current (actual, last-observed) state.
func (u *Unit) Current() plugins.State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.current
}

// Desired returns the Unit's desired (target) state, driven by the caller's
// last explicit request plus the Supervisor/Configuration Store's recovery
// decisions.
func (u *Unit) Desired() plugins.State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.desired
}

// SetCurrent records the Unit's actual state after a lifecycle transition.
func (u *Unit) SetCurrent(s plugins.State) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.current = s
}

// SetDesired records what state the Unit should be driven towards.
func (u *Unit) SetDesired(s plugins.State) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.desired = s
}

// ContextDeps bundles the collaborators a Unit's Context exposes to its
// plugin. The isolation package has no knowledge of configstore, eventbus,
// or metrics concretely — only the narrow interfaces plugins.Context
// requires — so the Registry is free to wire real implementations in
// without isolation importing them back.
type ContextDeps struct {
	Logger    log.Logger
	Config    plugins.ConfigReader
	Secrets   plugins.ConfigReader
	Events    plugins.EventPublisher
	Metrics   plugins.MetricsRecorder
	RPCClient plugins.RPCClientFactory // nil if none wired
}

// BuildContext constructs a fresh plugins.Context for this Unit's next
// Init call. A new one is built every time, per the contract's warning that
// a Context must not be cached past the next Stop.
func (u *Unit) BuildContext(deps ContextDeps) plugins.Context {
	return &unitContext{unit: u, deps: deps}
}

// SetResource stashes a value under name for later retrieval by this
// plugin, or by plugins.GetTypedResource.
func (u *Unit) SetResource(name string, value any) {
	u.resources.Store(name, value)
}

// Resource retrieves a previously stashed value.
func (u *Unit) Resource(name string) (any, bool) {
	return u.resources.Load(name)
}

// CleanupResources drops every stashed resource and closes the Unit's
// scope. Called once, by the Registry's Unload operation, after Destroy.
func (u *Unit) CleanupResources() {
	u.resources.Range(func(key, _ any) bool {
		u.resources.Delete(key)
		return true
	})
	u.Scope.Close()
}

// unitContext is the concrete plugins.Context handed to a plugin on Init.
type unitContext struct {
	unit *Unit
	deps ContextDeps
}

func (c *unitContext) PluginName() string    { return c.unit.Name }
func (c *unitContext) PluginVersion() string { return c.unit.Plugin.Version() }

func (c *unitContext) Config() plugins.ConfigReader  { return c.deps.Config }
func (c *unitContext) Secrets() plugins.ConfigReader { return c.deps.Secrets }

func (c *unitContext) Logger() *log.Helper {
	logger := c.deps.Logger
	if logger == nil {
		logger = log.DefaultLogger
	}
	return log.NewHelper(log.With(logger, "plugin", c.unit.Name))
}

func (c *unitContext) Events() plugins.EventPublisher   { return c.deps.Events }
func (c *unitContext) Metrics() plugins.MetricsRecorder { return c.deps.Metrics }

func (c *unitContext) RPCClient() (plugins.RPCClientFactory, bool) {
	if c.deps.RPCClient == nil {
		return nil, false
	}
	return c.deps.RPCClient, true
}

func (c *unitContext) Resource(name string) (any, bool) {
	return c.unit.Resource(name)
}

func (c *unitContext) SetResource(name string, value any) {
	c.unit.SetResource(name, value)
}

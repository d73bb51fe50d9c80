// Package plugins defines the contract the host requires every plugin to
// satisfy: its lifecycle methods, the read-only context handed to it on
// Init, and the closed error taxonomy lifecycle operations report through.
//
// This package is intentionally narrow and is imported by the packages that
// handle plugin instances and states (isolation, registry, observer); it
// must not import any of them back.
package plugins

import (
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// Plugin is the minimal interface every pluggable backend module must
// satisfy. Init/Start/Stop report failure through a *PluginError with code
// ErrLifecycleFault (wrapping whatever the plugin returned); Destroy never
// fails — by the time it is called the Registry has already decided to
// forget the plugin, so there is nothing left for it to report to.
type Plugin interface {
	Name() string
	Version() string

	Init(ctx Context) error
	Start() error
	Stop() error
	Destroy()

	// State reports the plugin's own view of its lifecycle state, used for
	// health reporting. The Registry keeps its own authoritative state
	// independent of this method; a plugin that misreports here cannot
	// corrupt the state machine, only its own health output.
	State() State
}

// Factory constructs a new, zero-valued Plugin instance. This is the
// idiomatic-Go stand-in for "a parameterless constructor": a PluginLoader
// holds a table of these, keyed by class identifier, rather than doing
// dynamic class resolution (see package isolation).
type Factory func() Plugin

// Dependency names another plugin this plugin needs present (and, for
// Required, already STARTED) before it can usefully start. Dependency
// resolution here is ordering-only: the host does not attempt
// version-constraint resolution among plugins (a declared non-goal).
type Dependency struct {
	ID       string
	Required bool
}

// DependencyAware is an optional interface a plugin can implement to
// declare the plugins it depends on. registry.InstallAll does not consult
// it: batch install order comes from InstallSpec.Dependencies only.
type DependencyAware interface {
	Dependencies() []Dependency
}

// ConfigReader is the read-only view of a plugin's regular configuration or
// secrets bundle handed to it through its Context. Values are always
// strings: non-string JSON values are coerced to their JSON representation
// by the Configuration Store before a plugin ever sees them.
type ConfigReader interface {
	Get(key string) (string, bool)
	All() map[string]string
}

// EventPublisher is the narrow slice of the Event Bus a plugin context
// exposes: plugins publish, they do not manage subscriptions belonging to
// other components.
type EventPublisher interface {
	Publish(eventType, source string, payload map[string]any)
}

// MetricsRecorder is the narrow slice of the Metrics Sink a plugin context
// exposes for its own ad hoc instrumentation, distinct from the lifecycle
// counters the Registry records on the plugin's behalf.
type MetricsRecorder interface {
	IncCounter(name string, labels ...string)
	ObserveDuration(name string, d time.Duration, labels ...string)
}

// RPCClientFactory optionally produces a client for calling another service
// by name. The core does not implement any RPC transport itself (out of
// scope); a host that wires one in passes it through the context builder,
// and a plugin that doesn't need it never calls this field.
type RPCClientFactory func(serviceName string) (any, error)

// Context is the read-only handle a plugin receives on Init. It must not be
// cached past the next Stop: the Registry builds a fresh Context for every
// Init, including the reinitialization driven by a configuration change, and
// nothing guarantees the old one keeps working.
type Context interface {
	PluginName() string
	PluginVersion() string

	Config() ConfigReader
	Secrets() ConfigReader

	Logger() *log.Helper

	Events() EventPublisher
	Metrics() MetricsRecorder

	// RPCClient resolves an RPC client factory, if the host wired one in.
	// Returns ok=false when none is configured.
	RPCClient() (RPCClientFactory, bool)

	// Resource and SetResource give a plugin a place to stash and retrieve
	// typed values (a DB handle, a cache client) that the Isolation Unit
	// cleans up automatically on unload.
	Resource(name string) (any, bool)
	SetResource(name string, value any)
}

// GetTypedResource is a convenience wrapper for plugins that keep a typed
// value on their context, sparing them a manual type assertion.
func GetTypedResource[T any](ctx Context, name string) (T, bool) {
	var zero T
	v, ok := ctx.Resource(name)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

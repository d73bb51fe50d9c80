// Package registry implements the Plugin Registry: the sole authority over
// plugin lifecycle state (§4.1). It coordinates an isolation.Loader, a
// Supervisor, an Event Bus, a Metrics Sink, and a Configuration Store
// without importing any of their packages — each is accepted here as the
// narrow interface the Registry actually calls, so host wires concrete
// implementations in at construction time.
package registry

import (
	"time"

	"github.com/lynxcore/pluginhost/plugins"
)

// EventPublisher is the Event Bus surface the Registry uses to announce
// lifecycle transitions.
type EventPublisher interface {
	Publish(eventType, source string, payload map[string]any)
}

// MetricsRecorder is the Metrics Sink surface the Registry records lifecycle
// durations and outcomes through. It embeds plugins.MetricsRecorder so the
// same Sink can be handed straight to a plugin's Context for its own ad hoc
// instrumentation without an adapter type.
type MetricsRecorder interface {
	plugins.MetricsRecorder

	RecordInstall(name string, d time.Duration, ok bool)
	RecordStart(name string, d time.Duration, ok bool)
	RecordStop(name string, d time.Duration, ok bool)
	RecordUnload(name string, ok bool)
	RecordError(name, op string)
}

// Supervisor is the self-healing supervisor surface. The Registry notifies
// it of every lifecycle failure and success; it never asks the Supervisor
// for permission to do anything, only reports.
type Supervisor interface {
	Register(name string)
	Unregister(name string)
	RecordFailure(name string, err error)
	RecordSuccess(name string)
}

// ConfigProvider is the Configuration Store surface: loading a plugin's
// persisted bundle and registering the change listener that drives
// reconcile-config. Subscribe returns an unsubscribe func.
type ConfigProvider interface {
	Load(name string) (config map[string]string, secrets map[string]string)
	Subscribe(name string, onChange func(newConfig map[string]string)) (unsubscribe func())
}

// BreakerManager is the Circuit Breaker surface the Registry uses to drop a
// plugin's breaker state once it is unloaded, so a later reinstall under the
// same name starts with a fresh CLOSED breaker instead of inheriting
// OPEN/HALF_OPEN state from a previous incarnation.
type BreakerManager interface {
	Remove(name string)
}

// configReader adapts a plain map[string]string to plugins.ConfigReader.
type configReader struct{ values map[string]string }

func (c configReader) Get(key string) (string, bool) { v, ok := c.values[key]; return v, ok }
func (c configReader) All() map[string]string {
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

var _ plugins.ConfigReader = configReader{}

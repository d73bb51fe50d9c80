// Package isolation owns the Isolation Unit: the record binding one plugin
// instance to its private class-resolution scope and lifecycle state, plus
// the PluginLoader abstraction that resolves a class identifier to a
// constructible Plugin without the Registry ever needing to know how.
//
// The source design this module implements called for reflective class
// loading from externally packaged artifacts (open a jar, resolve a class by
// name, verify it implements the plugin contract, construct it via a
// parameterless constructor). Go has no dynamic classloading equivalent, so
// this is abstracted as a capability interface (open artifact, resolve
// class-by-name, verify contract, construct) with an ahead-of-time
// registration implementation: a table of named plugins.Factory values,
// grounded on the teacher's own flat plugin registry
// (`plugin.Factory{registerTable, creators}`). A different implementation —
// subprocess isolation, `plugin.Open` — could satisfy the same interface
// without the Registry changing at all.
package isolation

import (
	"fmt"
	"sync"

	"github.com/lynxcore/pluginhost/plugins"
)

// Loader resolves an artifact locator and a class identifier to a
// constructed Plugin. The Registry's Install operation is the only caller.
type Loader interface {
	// Resolve verifies that locator names a known artifact and that
	// classID names a registered plugin class within it, then constructs
	// and returns a fresh instance. Errors are always one of
	// plugins.ErrArtifactNotFound, plugins.ErrClassNotFound,
	// plugins.ErrNotAPlugin, plugins.ErrNoDefaultConstructor, or
	// plugins.ErrInstantiationFailed.
	Resolve(locator, classID string) (plugins.Plugin, error)
}

// StaticLoader is the ahead-of-time registration Loader: every class a host
// process can install must have been registered with Register before the
// process starts serving Install calls. locator is accepted for contract
// compatibility with the out-of-scope discovery collaborator (a real
// discovery walker would pass an artifact path here); the in-tree loader
// ignores it beyond matching against the registered artifact name, if any
// was given.
type StaticLoader struct {
	mu       sync.RWMutex
	classes  map[string]plugins.Factory
	artifact map[string]string // classID -> locator it was registered under, "" = any
}

// NewStaticLoader creates an empty loader. Register classes before use.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{
		classes:  make(map[string]plugins.Factory),
		artifact: make(map[string]string),
	}
}

// Register adds a class under the given artifact locator ("" to accept any
// locator, the common case for an in-process host with no real artifact
// files). Panics on duplicate classID, mirroring the teacher's own
// "plugins with the same name cannot be overwritten" registration rule.
func (l *StaticLoader) Register(locator, classID string, factory plugins.Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.classes[classID]; exists {
		panic(fmt.Sprintf("isolation: class %q already registered", classID))
	}
	l.classes[classID] = factory
	l.artifact[classID] = locator
}

// Classes lists every registered class identifier, for discovery/debugging.
func (l *StaticLoader) Classes() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.classes))
	for id := range l.classes {
		out = append(out, id)
	}
	return out
}

func (l *StaticLoader) Resolve(locator, classID string) (plugins.Plugin, error) {
	l.mu.RLock()
	factory, known := l.classes[classID]
	wantLocator := l.artifact[classID]
	l.mu.RUnlock()

	if !known {
		return nil, plugins.NewError(plugins.ErrClassNotFound, "", "Resolve",
			fmt.Sprintf("no registered class %q", classID))
	}
	if wantLocator != "" && locator != "" && wantLocator != locator {
		return nil, plugins.NewError(plugins.ErrArtifactNotFound, "", "Resolve",
			fmt.Sprintf("class %q is registered under artifact %q, not %q", classID, wantLocator, locator))
	}
	if factory == nil {
		return nil, plugins.NewError(plugins.ErrNoDefaultConstructor, "", "Resolve",
			fmt.Sprintf("class %q has a nil factory", classID))
	}

	instance, err := safeConstruct(factory)
	if err != nil {
		return nil, plugins.WrapError(plugins.ErrInstantiationFailed, "", "Resolve", err)
	}
	if instance == nil {
		return nil, plugins.NewError(plugins.ErrInstantiationFailed, "", "Resolve",
			fmt.Sprintf("factory for class %q returned nil", classID))
	}
	return instance, nil
}

func safeConstruct(factory plugins.Factory) (instance plugins.Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic constructing plugin: %v", r)
		}
	}()
	instance = factory()
	return instance, nil
}

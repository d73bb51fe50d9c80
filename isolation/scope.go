package isolation

import "sync"

// Resolution selects how a Scope answers Resolve when both it and its
// parent hold a symbol under the same name.
type Resolution int

const (
	// ParentFirst asks the parent scope before the local one. This is the
	// default: it guarantees the plugin contract types themselves resolve
	// to the host's canonical copies.
	ParentFirst Resolution = iota
	// ChildFirst asks the local scope first, letting a plugin ship its own
	// copy of a library that shadows the host's.
	ChildFirst
)

// Scope is the class-resolution scope of §4.6: a named space in which a
// plugin's types are found, child of the host's own scope. Two plugins in
// different scopes may register identically-named symbols that remain
// distinct. This module has no dynamic classloader to isolate, so a Scope
// is a plain symbol table; the invariant that matters is the one the spec
// states explicitly — one scope per unit, released exactly once.
type Scope struct {
	mu         sync.RWMutex
	parent     *Scope
	resolution Resolution
	symbols    map[string]any
	closed     bool
}

// NewRootScope creates the host's own scope, the ultimate parent of every
// plugin scope.
func NewRootScope() *Scope {
	return &Scope{symbols: make(map[string]any)}
}

// Child creates a new scope beneath s with the given resolution strategy.
// Every call returns a distinct *Scope; the Registry must call this exactly
// once per Isolation Unit.
func (s *Scope) Child(resolution Resolution) *Scope {
	return &Scope{parent: s, resolution: resolution, symbols: make(map[string]any)}
}

// Bind registers a symbol in this scope's own table.
func (s *Scope) Bind(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.symbols[name] = value
}

// Resolve looks up name according to this scope's resolution strategy.
func (s *Scope) Resolve(name string) (any, bool) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, false
	}

	switch s.resolution {
	case ChildFirst:
		if v, ok := s.local(name); ok {
			return v, true
		}
		if s.parent != nil {
			return s.parent.Resolve(name)
		}
		return nil, false
	default: // ParentFirst
		if s.parent != nil {
			if v, ok := s.parent.Resolve(name); ok {
				return v, true
			}
		}
		return s.local(name)
	}
}

func (s *Scope) local(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.symbols[name]
	return v, ok
}

// Close releases every reference this scope holds so the backing values can
// be garbage collected. Idempotent.
func (s *Scope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.symbols = nil
}

// Closed reports whether Close has already run.
func (s *Scope) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

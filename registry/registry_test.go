package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lynxcore/pluginhost/isolation"
	"github.com/lynxcore/pluginhost/plugins"
)

// --- stub collaborators ---

type fakePlugin struct {
	name, version string

	initErr, startErr, stopErr error
	startCalls                 int
	destroyed                  bool
}

func (p *fakePlugin) Name() string    { return p.name }
func (p *fakePlugin) Version() string { return p.version }
func (p *fakePlugin) Init(plugins.Context) error { return p.initErr }
func (p *fakePlugin) Start() error {
	p.startCalls++
	return p.startErr
}
func (p *fakePlugin) Stop() error         { return p.stopErr }
func (p *fakePlugin) Destroy()            { p.destroyed = true }
func (p *fakePlugin) State() plugins.State { return plugins.StateStarted }

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEvents) Publish(eventType, source string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

type fakeMetrics struct{}

func (fakeMetrics) RecordInstall(string, time.Duration, bool)   {}
func (fakeMetrics) RecordStart(string, time.Duration, bool)     {}
func (fakeMetrics) RecordStop(string, time.Duration, bool)      {}
func (fakeMetrics) RecordUnload(string, bool)                   {}
func (fakeMetrics) RecordError(string, string)                  {}
func (fakeMetrics) IncCounter(string, ...string)                {}
func (fakeMetrics) ObserveDuration(string, time.Duration, ...string) {}

type fakeSupervisor struct {
	mu       sync.Mutex
	failures map[string]int
	registered map[string]bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{failures: map[string]int{}, registered: map[string]bool{}}
}
func (s *fakeSupervisor) Register(name string)   { s.mu.Lock(); defer s.mu.Unlock(); s.registered[name] = true }
func (s *fakeSupervisor) Unregister(name string)  { s.mu.Lock(); defer s.mu.Unlock(); delete(s.registered, name) }
func (s *fakeSupervisor) RecordFailure(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[name]++
}
func (s *fakeSupervisor) RecordSuccess(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[name] = 0
}

type fakeConfigs struct{}

func (fakeConfigs) Load(name string) (map[string]string, map[string]string) {
	return map[string]string{}, map[string]string{}
}
func (fakeConfigs) Subscribe(name string, onChange func(map[string]string)) func() {
	return func() {}
}

type fakeBreakerManager struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeBreakerManager) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
}

func newTestRegistry(t *testing.T, loader *isolation.StaticLoader) (*Registry, *fakeEvents, *fakeSupervisor) {
	t.Helper()
	events := &fakeEvents{}
	super := newFakeSupervisor()
	r := New(loader, events, fakeMetrics{}, super, fakeConfigs{}, &fakeBreakerManager{}, nil)
	return r, events, super
}

func TestRegistry_HappyPath(t *testing.T) {
	t.Parallel()
	loader := isolation.NewStaticLoader()
	loader.Register("", "echo.v1", func() plugins.Plugin {
		return &fakePlugin{name: "p1", version: "1.0.0"}
	})
	r, events, _ := newTestRegistry(t, loader)

	require.NoError(t, r.Install("p1", "", "echo.v1"))
	state, ok := r.GetState("p1")
	require.True(t, ok)
	assert.Equal(t, plugins.StateLoaded, state)

	require.NoError(t, r.Init("p1"))
	state, _ = r.GetState("p1")
	assert.Equal(t, plugins.StateInitialized, state)

	require.NoError(t, r.Start("p1"))
	state, _ = r.GetState("p1")
	assert.Equal(t, plugins.StateStarted, state)

	require.NoError(t, r.Stop("p1"))
	state, _ = r.GetState("p1")
	assert.Equal(t, plugins.StateStopped, state)

	require.NoError(t, r.Unload("p1"))
	_, ok = r.GetState("p1")
	assert.False(t, ok, "unload must remove the registry entry")

	assert.Contains(t, events.events, "PluginInstalled")
	assert.Contains(t, events.events, "PluginStarted")
	assert.Contains(t, events.events, "PluginStopped")
}

func TestRegistry_DoubleInstallFails(t *testing.T) {
	t.Parallel()
	loader := isolation.NewStaticLoader()
	loader.Register("", "echo.v1", func() plugins.Plugin { return &fakePlugin{name: "p1"} })
	r, _, _ := newTestRegistry(t, loader)

	require.NoError(t, r.Install("p1", "", "echo.v1"))
	err := r.Install("p1", "", "echo.v1")
	require.Error(t, err)
	code, ok := plugins.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, plugins.ErrAlreadyInstalled, code)
}

func TestRegistry_StartFromWrongStateIsPreconditionViolation(t *testing.T) {
	t.Parallel()
	loader := isolation.NewStaticLoader()
	loader.Register("", "echo.v1", func() plugins.Plugin { return &fakePlugin{name: "p1"} })
	r, _, _ := newTestRegistry(t, loader)

	require.NoError(t, r.Install("p1", "", "echo.v1"))
	err := r.Start("p1")
	require.Error(t, err)
	code, ok := plugins.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, plugins.ErrPreconditionViolation, code)
}

func TestRegistry_StartFailureNotifiesSupervisorAndSetsFailed(t *testing.T) {
	t.Parallel()
	loader := isolation.NewStaticLoader()
	loader.Register("", "echo.v1", func() plugins.Plugin {
		return &fakePlugin{name: "p1", startErr: errors.New("boom")}
	})
	r, _, super := newTestRegistry(t, loader)

	require.NoError(t, r.Install("p1", "", "echo.v1"))
	require.NoError(t, r.Init("p1"))

	err := r.Start("p1")
	require.Error(t, err)
	code, _ := plugins.CodeOf(err)
	assert.Equal(t, plugins.ErrLifecycleFault, code)

	state, _ := r.GetState("p1")
	assert.Equal(t, plugins.StateFailed, state)
	desired, _ := r.GetDesiredState("p1")
	assert.Equal(t, plugins.StateStarted, desired)

	super.mu.Lock()
	assert.Equal(t, 1, super.failures["p1"])
	super.mu.Unlock()
}

func TestRegistry_RecoverDrivesBackToDesiredStarted(t *testing.T) {
	t.Parallel()
	fp := &fakePlugin{name: "p1", startErr: errors.New("boom")}
	loader := isolation.NewStaticLoader()
	loader.Register("", "echo.v1", func() plugins.Plugin { return fp })
	r, _, _ := newTestRegistry(t, loader)

	require.NoError(t, r.Install("p1", "", "echo.v1"))
	require.NoError(t, r.Init("p1"))
	require.Error(t, r.Start("p1")) // now FAILED, desired=STARTED

	fp.startErr = nil // next Start will succeed
	ok, err := r.Recover("p1")
	require.NoError(t, err)
	assert.True(t, ok)

	state, _ := r.GetState("p1")
	assert.Equal(t, plugins.StateStarted, state)
}

func TestRegistry_RecoverOnAlreadyStartedPluginIsNoop(t *testing.T) {
	t.Parallel()
	fp := &fakePlugin{name: "p1"}
	loader := isolation.NewStaticLoader()
	loader.Register("", "echo.v1", func() plugins.Plugin { return fp })
	r, _, _ := newTestRegistry(t, loader)

	require.NoError(t, r.Install("p1", "", "echo.v1"))
	require.NoError(t, r.Init("p1"))
	require.NoError(t, r.Start("p1")) // now STARTED, desired cleared

	startsBefore := fp.startCalls
	ok, err := r.Recover("p1")
	require.NoError(t, err)
	assert.False(t, ok, "no desired target to drive towards, nothing to recover")

	state, _ := r.GetState("p1")
	assert.Equal(t, plugins.StateStarted, state, "an already-healthy plugin must not be reset")
	assert.Equal(t, startsBefore, fp.startCalls, "Start must not be called again")
}

func TestRegistry_UnloadFromStartedBestEffortStops(t *testing.T) {
	t.Parallel()
	fp := &fakePlugin{name: "p1"}
	loader := isolation.NewStaticLoader()
	loader.Register("", "echo.v1", func() plugins.Plugin { return fp })
	r, _, _ := newTestRegistry(t, loader)

	require.NoError(t, r.Install("p1", "", "echo.v1"))
	require.NoError(t, r.Init("p1"))
	require.NoError(t, r.Start("p1"))

	require.NoError(t, r.Unload("p1"))
	assert.True(t, fp.destroyed)
}

func TestRegistry_UnloadDropsBreakerState(t *testing.T) {
	t.Parallel()
	loader := isolation.NewStaticLoader()
	loader.Register("", "echo.v1", func() plugins.Plugin { return &fakePlugin{name: "p1"} })
	events := &fakeEvents{}
	super := newFakeSupervisor()
	breakers := &fakeBreakerManager{}
	r := New(loader, events, fakeMetrics{}, super, fakeConfigs{}, breakers, nil)

	require.NoError(t, r.Install("p1", "", "echo.v1"))
	require.NoError(t, r.Unload("p1"))

	breakers.mu.Lock()
	defer breakers.mu.Unlock()
	assert.Contains(t, breakers.removed, "p1")
}

func TestRegistry_UnknownNameIsNotFound(t *testing.T) {
	t.Parallel()
	loader := isolation.NewStaticLoader()
	r, _, _ := newTestRegistry(t, loader)

	_, err := r.Recover("ghost")
	require.Error(t, err)
	code, _ := plugins.CodeOf(err)
	assert.Equal(t, plugins.ErrNotFound, code)
}

func TestRegistry_InstallAllRespectsDependencyOrder(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var order []string
	record := func(name string) func() plugins.Plugin {
		return func() plugins.Plugin {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return &fakePlugin{name: name}
		}
	}

	loader := isolation.NewStaticLoader()
	loader.Register("", "a", record("a"))
	loader.Register("", "b", record("b"))
	loader.Register("", "c", record("c"))
	r, _, _ := newTestRegistry(t, loader)

	err := r.InstallAll([]InstallSpec{
		{Name: "c", Locator: "", ClassID: "c", Dependencies: []plugins.Dependency{{ID: "b", Required: true}}},
		{Name: "a", Locator: "", ClassID: "a"},
		{Name: "b", Locator: "", ClassID: "b", Dependencies: []plugins.Dependency{{ID: "a", Required: true}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRegistry_InstallAllMissingRequiredDependencyFails(t *testing.T) {
	t.Parallel()
	loader := isolation.NewStaticLoader()
	r, _, _ := newTestRegistry(t, loader)

	err := r.InstallAll([]InstallSpec{
		{Name: "a", Dependencies: []plugins.Dependency{{ID: "missing", Required: true}}},
	})
	require.Error(t, err)
}

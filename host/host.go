// Package host wires every core component into a single running process and
// owns the shutdown sequence (§5). It is the only package that imports all
// of isolation, registry, supervisor, breaker, eventbus, configstore,
// metrics, observer and hostconfig at once — everywhere else talks to its
// collaborators through narrow accept-interfaces.
package host

import (
	"time"

	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/go-multierror"

	"github.com/lynxcore/pluginhost/breaker"
	"github.com/lynxcore/pluginhost/configstore"
	"github.com/lynxcore/pluginhost/eventbus"
	"github.com/lynxcore/pluginhost/hostconfig"
	"github.com/lynxcore/pluginhost/hostlog"
	"github.com/lynxcore/pluginhost/isolation"
	"github.com/lynxcore/pluginhost/metrics"
	"github.com/lynxcore/pluginhost/observer"
	"github.com/lynxcore/pluginhost/registry"
	"github.com/lynxcore/pluginhost/supervisor"
)

// supervisorDrain and configDrain bound how long shutdown waits on
// those two components before moving on regardless (§5: "5 seconds,
// graceful"). The Event Bus gets no wait at all — only a bounded drain of
// its own worker pool (eventbus.Bus.Close).
const (
	supervisorDrain = 5 * time.Second
	configDrain     = 5 * time.Second
)

// Host is the assembled runtime: every core component plus the Loader a
// caller registers plugin classes against before calling InstallAll.
type Host struct {
	Loader   *isolation.StaticLoader
	Registry *registry.Registry
	Breaker  *breaker.Manager
	Super    *supervisor.Supervisor
	Bus      *eventbus.Bus
	Configs  *configstore.Store
	Metrics  *metrics.Sink
	Observer *observer.Observer

	logger *log.Helper
}

// Config collects everything New needs beyond the hardcoded hostconfig
// defaults: directories the Configuration Store reads from, the journal
// path the Event Bus persists to, and the ambient kratos config (may be
// nil, in which case hostconfig.Default() applies untouched).
type Config struct {
	ConfigDir   string
	SecretsDir  string
	JournalPath string
	KratosCfg   config.Config
	Logger      log.Logger
}

// New assembles a Host: Breaker Manager, Supervisor, Event Bus, Configuration
// Store, Metrics Sink, Registry, and State Observer, wired together exactly
// the way §4 describes each collaborator relationship. The returned Host is
// already running its background goroutines (Supervisor workers, Event Bus
// worker pool, Configuration Store poller, State Observer ticker); call
// Shutdown to tear it all down in order.
func New(cfg Config) (*Host, error) {
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = log.DefaultLogger
	}
	logger := hostlog.NewHelper(baseLogger, "component", "host")

	hc := hostconfig.Load(cfg.KratosCfg)

	sink := metrics.New()

	bus, err := eventbus.New(
		eventbus.WithDLQMaxSize(hc.DLQMaxSize),
		eventbus.WithJournalPath(cfg.JournalPath),
		eventbus.WithLogger(baseLogger),
	)
	if err != nil {
		return nil, err
	}

	store := configstore.New(cfg.ConfigDir, cfg.SecretsDir,
		configstore.WithPollInterval(hc.ConfigPollInterval()),
		configstore.WithStalenessWindow(hc.ConfigStalenessWindow()),
		configstore.WithLogger(baseLogger),
	)

	breakerMgr := breaker.NewManager(hc.CircuitFailureThreshold, hc.CircuitTimeout())

	loader := isolation.NewStaticLoader()

	// Registry and Supervisor each need the other: the Registry reports
	// failures to the Supervisor, the Supervisor calls back into
	// Registry.Recover to attempt a restart. reg is declared first and
	// captured by the restart closure so supervisor.New can run before
	// registry.New assigns into it.
	var reg *registry.Registry
	super := supervisor.New(
		breakerMgr,
		func(name string) error { _, err := reg.Recover(name); return err },
		func(name string, lastErr error) {
			bus.Publish("supervisor.gave_up", "Supervisor", map[string]any{
				"plugin": name,
				"error":  lastErr.Error(),
			})
		},
		hc.MaxRetries, hc.InitialBackoff(), hc.MaxBackoff(),
		baseLogger,
	)
	reg = registry.New(loader, bus, sink, super, store, breakerMgr, baseLogger)

	obs := observer.New(reg, observer.WithInterval(hc.StateObserverInterval()), observer.WithLogger(baseLogger))

	return &Host{
		Loader:   loader,
		Registry: reg,
		Breaker:  breakerMgr,
		Super:    super,
		Bus:      bus,
		Configs:  store,
		Metrics:  sink,
		Observer: obs,
		logger:   logger,
	}, nil
}

// Shutdown tears the host down in the order §5 specifies: stop the State
// Observer, give the Supervisor a bounded grace period to let any in-flight
// recovery attempt finish, give the Configuration Store the same grace
// period, close the Event Bus (no wait, only its own bounded pool drain),
// then unload every remaining plugin in the Registry, collecting — not
// stopping on — per-plugin errors.
func (h *Host) Shutdown() error {
	h.Observer.Stop()

	h.logger.Info("stopping supervisor")
	stopWithDeadline(h.Super.Stop, supervisorDrain)

	h.logger.Info("stopping configuration store")
	stopWithDeadline(h.Configs.Stop, configDrain)

	h.logger.Info("closing event bus")
	h.Bus.Close()

	if err := h.Registry.UnloadAll(h.Registry.ListNames()); err != nil {
		return multierror.Append(nil, err)
	}
	return nil
}

// stopWithDeadline runs stop in its own goroutine and returns once it
// finishes or the deadline elapses, whichever comes first — stop is not
// cancelled if it overruns, it is simply no longer waited on.
func stopWithDeadline(stop func(), deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
	}
}

// Command pluginhost is a minimal demo of wiring a host.Host together:
// build the runtime, register the echo plugin, install and start it, then
// block until an OS signal asks for a clean shutdown.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/file"
	"github.com/go-kratos/kratos/v2/log"

	"github.com/lynxcore/pluginhost/examples/echoplugin"
	"github.com/lynxcore/pluginhost/host"
	"github.com/lynxcore/pluginhost/hostlog"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a pluginhost config file (optional)")
		configDir  = flag.String("config-dir", "./data/config", "per-plugin configuration directory")
		secretsDir = flag.String("secrets-dir", "./data/secrets", "per-plugin secrets directory")
		eventLog   = flag.String("event-log", "./data/events/events.jsonl", "event bus journal path")
	)
	flag.Parse()

	logger := hostlog.New(os.Stdout, "pluginhost", "dev")
	helper := log.NewHelper(logger)

	var kratosCfg config.Config
	if *configPath != "" {
		kratosCfg = config.New(config.WithSource(file.NewSource(*configPath)))
		if err := kratosCfg.Load(); err != nil {
			helper.Fatalf("failed to load config %q: %v", *configPath, err)
		}
		defer kratosCfg.Close()
	}

	h, err := host.New(host.Config{
		ConfigDir:   *configDir,
		SecretsDir:  *secretsDir,
		JournalPath: *eventLog,
		KratosCfg:   kratosCfg,
		Logger:      logger,
	})
	if err != nil {
		helper.Fatalf("failed to build host: %v", err)
	}

	h.Loader.Register("", "echo", echoplugin.New)
	if err := h.Registry.Install("echo", "", "echo"); err != nil {
		helper.Fatalf("failed to install echo plugin: %v", err)
	}
	if err := h.Registry.Init("echo"); err != nil {
		helper.Fatalf("failed to init echo plugin: %v", err)
	}
	if err := h.Registry.Start("echo"); err != nil {
		helper.Fatalf("failed to start echo plugin: %v", err)
	}
	helper.Info("pluginhost is running, press ctrl-c to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	helper.Info("shutting down")
	if err := h.Shutdown(); err != nil {
		helper.Errorf("shutdown finished with errors: %v", err)
	}
}

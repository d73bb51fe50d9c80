// Package hostconfig loads the ambient configuration every core component
// takes a default from (§6): retry/backoff counts, circuit breaker
// thresholds, poll intervals, DLQ capacity. Every option has a hardcoded
// default, so a host with no configuration file at all still boots with
// the spec's defaults.
package hostconfig

import (
	"time"

	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/log"
)

// HostConfig mirrors §6's configuration options, one field per option.
type HostConfig struct {
	MaxRetries int `json:"max_retries"`

	InitialBackoffMS int `json:"initial_backoff_ms"`
	MaxBackoffMS     int `json:"max_backoff_ms"`

	CircuitFailureThreshold int `json:"circuit_failure_threshold"`
	CircuitTimeoutMS        int `json:"circuit_timeout_ms"`

	StateObserverIntervalMS int `json:"state_observer_interval_ms"`

	DLQMaxSize int `json:"dlq_max_size"`

	ConfigPollIntervalMS    int `json:"config_poll_interval_ms"`
	ConfigStalenessWindowMS int `json:"config_staleness_window_ms"`
}

// Default returns the spec's hardcoded defaults (§6).
func Default() HostConfig {
	return HostConfig{
		MaxRetries:              3,
		InitialBackoffMS:        5000,
		MaxBackoffMS:            60000,
		CircuitFailureThreshold: 3,
		CircuitTimeoutMS:        30000,
		StateObserverIntervalMS: 30000,
		DLQMaxSize:              1000,
		ConfigPollIntervalMS:    2000,
		ConfigStalenessWindowMS: 3000,
	}
}

// Load reads "pluginhost" out of cfg, if present, and overlays it onto the
// defaults. A nil cfg, or a missing/empty key, yields the defaults
// untouched — there is no required configuration file.
func Load(cfg config.Config) HostConfig {
	hc := Default()
	if cfg == nil {
		return hc
	}

	if err := cfg.Value("pluginhost").Scan(&hc); err != nil {
		log.NewHelper(log.DefaultLogger).Warnf("hostconfig: failed to decode pluginhost config, using defaults: %v", err)
		return Default()
	}
	return hc
}

func (hc HostConfig) InitialBackoff() time.Duration {
	return time.Duration(hc.InitialBackoffMS) * time.Millisecond
}

func (hc HostConfig) MaxBackoff() time.Duration {
	return time.Duration(hc.MaxBackoffMS) * time.Millisecond
}

func (hc HostConfig) CircuitTimeout() time.Duration {
	return time.Duration(hc.CircuitTimeoutMS) * time.Millisecond
}

func (hc HostConfig) StateObserverInterval() time.Duration {
	return time.Duration(hc.StateObserverIntervalMS) * time.Millisecond
}

func (hc HostConfig) ConfigPollInterval() time.Duration {
	return time.Duration(hc.ConfigPollIntervalMS) * time.Millisecond
}

func (hc HostConfig) ConfigStalenessWindow() time.Duration {
	return time.Duration(hc.ConfigStalenessWindowMS) * time.Millisecond
}

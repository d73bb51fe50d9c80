// Package configstore implements the Configuration Store of §4.5: a
// per-plugin, file-backed bundle of regular configuration and secrets, kept
// current by a polling loop rather than OS-level file-change notification.
package configstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// DefaultPollInterval and DefaultStalenessWindow are §6's
// config-poll-interval-ms and config-staleness-window-ms defaults.
const (
	DefaultPollInterval    = 2 * time.Second
	DefaultStalenessWindow = 3 * time.Second
)

type bundle struct {
	config  map[string]string
	secrets map[string]string

	configModTime  time.Time
	secretsModTime time.Time
}

type listener struct {
	id uint64
	fn func(map[string]string)
}

// Store is the Configuration Store. Construct with New; call Stop when the
// host shuts down.
type Store struct {
	configDir  string
	secretsDir string
	poll       time.Duration
	staleness  time.Duration
	logger     *log.Helper

	nextListenerID uint64

	mu        sync.Mutex
	bundles   map[string]*bundle
	listeners map[string][]listener

	quit chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option { return func(s *Store) { s.poll = d } }

// WithStalenessWindow overrides DefaultStalenessWindow.
func WithStalenessWindow(d time.Duration) Option { return func(s *Store) { s.staleness = d } }

// WithLogger overrides the Store's logger.
func WithLogger(l log.Logger) Option {
	return func(s *Store) { s.logger = log.NewHelper(log.With(l, "component", "configstore")) }
}

// New constructs a Store rooted at configDir/secretsDir and starts its
// polling goroutine immediately.
func New(configDir, secretsDir string, opts ...Option) *Store {
	s := &Store{
		configDir:  configDir,
		secretsDir: secretsDir,
		poll:       DefaultPollInterval,
		staleness:  DefaultStalenessWindow,
		logger:     log.NewHelper(log.With(log.DefaultLogger, "component", "configstore")),
		bundles:    make(map[string]*bundle),
		listeners:  make(map[string][]listener),
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.pollLoop()
	return s
}

func (s *Store) configPath(name string) string  { return filepath.Join(s.configDir, name+".json") }
func (s *Store) secretsPath(name string) string { return filepath.Join(s.secretsDir, name+".json") }

// Load returns copies of name's current regular configuration and secrets,
// loading them from disk on first reference (missing files mean empty
// maps). Satisfies registry.ConfigProvider.
func (s *Store) Load(name string) (config map[string]string, secrets map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.ensureBundleLocked(name)
	return copyMap(b.config), copyMap(b.secrets)
}

// Subscribe registers onChange to be invoked, from the poller's own
// goroutine, whenever name's regular configuration file is reloaded.
// Secrets changes never trigger this (§4.5). Returns an unsubscribe func.
func (s *Store) Subscribe(name string, onChange func(newConfig map[string]string)) func() {
	s.mu.Lock()
	s.ensureBundleLocked(name)
	id := atomic.AddUint64(&s.nextListenerID, 1)
	s.listeners[name] = append(s.listeners[name], listener{id: id, fn: onChange})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.listeners[name]
		for i, l := range subs {
			if l.id == id {
				s.listeners[name] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// ensureBundleLocked returns name's bundle, loading it from disk the first
// time name is referenced. Caller must hold s.mu.
func (s *Store) ensureBundleLocked(name string) *bundle {
	if b, ok := s.bundles[name]; ok {
		return b
	}
	b := &bundle{config: map[string]string{}, secrets: map[string]string{}}
	if cfg, mt, ok := s.readFile(s.configPath(name)); ok {
		b.config = cfg
		b.configModTime = mt
	}
	if sec, mt, ok := s.readFile(s.secretsPath(name)); ok {
		b.secrets = sec
		b.secretsModTime = mt
	}
	s.bundles[name] = b
	return b
}

// readFile loads and decodes a config/secrets file. A missing file is not
// an error (ok=false, caller keeps prior/empty content); a parse failure
// is logged and leaves the caller's prior content in place (§4.5
// invariant).
func (s *Store) readFile(path string) (map[string]string, time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		s.logger.Errorf("configstore: failed to read %q: %v", path, err)
		return nil, time.Time{}, false
	}
	decoded, err := decodeAsStrings(raw)
	if err != nil {
		s.logger.Errorf("configstore: failed to parse %q, keeping prior content: %v", path, err)
		return nil, time.Time{}, false
	}
	return decoded, info.ModTime(), true
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// WriteConfig writes name's regular configuration to disk, creating the
// config directory on first use.
func (s *Store) WriteConfig(name string, config map[string]string) error {
	return s.writeJSON(s.configDir, s.configPath(name), config, 0o644)
}

// WriteSecrets writes name's secrets to disk with owner-only permissions
// where the filesystem supports it (§3's "Configuration bundle" invariant).
func (s *Store) WriteSecrets(name string, secrets map[string]string) error {
	return s.writeJSON(s.secretsDir, s.secretsPath(name), secrets, 0o600)
}

func (s *Store) writeJSON(dir, path string, values map[string]string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, perm)
}

// Stop halts the polling goroutine.
func (s *Store) Stop() {
	close(s.quit)
	s.wg.Wait()
}

package configstore

import "time"

// pollLoop wakes every s.poll and, for each plugin name the Store has ever
// been asked about, reloads any file whose modification time falls within
// the last s.staleness (§4.5). This is a conscious simplification over
// fsnotify: a file whose last edit is older than the staleness window by
// the time a poll tick observes it is missed, and a file edited more than
// once within the window can be reloaded and re-notified on consecutive
// ticks — both are accepted, not bugs to fix (see DESIGN.md Open Question
// decisions).
func (s *Store) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Store) pollOnce() {
	now := time.Now()

	s.mu.Lock()
	names := make([]string, 0, len(s.bundles))
	for name := range s.bundles {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.pollName(name, now)
	}
}

func (s *Store) pollName(name string, now time.Time) {
	if cfg, mt, ok := s.readFile(s.configPath(name)); ok && now.Sub(mt) <= s.staleness {
		s.mu.Lock()
		b := s.bundles[name]
		b.config = cfg
		b.configModTime = mt
		fns := make([]func(map[string]string), 0, len(s.listeners[name]))
		for _, l := range s.listeners[name] {
			fns = append(fns, l.fn)
		}
		s.mu.Unlock()

		snapshot := copyMap(cfg)
		for _, fn := range fns {
			fn(snapshot)
		}
	}

	if sec, mt, ok := s.readFile(s.secretsPath(name)); ok && now.Sub(mt) <= s.staleness {
		s.mu.Lock()
		b := s.bundles[name]
		b.secrets = sec
		b.secretsModTime = mt
		s.mu.Unlock()
		// Secrets changes never trigger listeners (§4.5): they update the
		// in-memory bundle silently.
	}
}

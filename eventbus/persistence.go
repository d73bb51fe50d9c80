package eventbus

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kratos/kratos/v2/log"
)

// DefaultEventLog is where persistence writes relative to a host-chosen
// base directory, matching §6's `events/events.jsonl`.
const DefaultEventLog = "events/events.jsonl"

// journal appends one JSON object per line to an append-only file, creating
// its containing directory on first use. A write failure disables
// persistence for the remainder of the run (§4.4 step 1: "best effort").
type journal struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	disabled bool
	logger   *log.Helper
}

func newJournal(path string, logger *log.Helper) *journal {
	return &journal{path: path, logger: logger}
}

func (j *journal) ensureOpen() error {
	if j.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	j.file = f
	return nil
}

// append writes ev as one JSON line. Once disabled, append is a silent
// no-op so the publish path never blocks on a broken disk.
func (j *journal) append(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.disabled {
		return
	}
	if err := j.ensureOpen(); err != nil {
		j.disabled = true
		j.logger.Errorf("event journal disabled: could not open %q: %v", j.path, err)
		return
	}
	line, err := json.Marshal(ev.toWire())
	if err != nil {
		j.logger.Errorf("event journal: failed to marshal event: %v", err)
		return
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		j.disabled = true
		j.logger.Errorf("event journal disabled: write to %q failed: %v", j.path, err)
	}
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// readAll streams every line from the journal file oldest-first, skipping
// (and logging) malformed lines rather than aborting replay (§6). Returns an
// empty slice, not an error, if the file does not exist yet.
func (j *journal) readAll() []Event {
	f, err := os.Open(j.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var w wireEvent
		if err := json.Unmarshal(line, &w); err != nil {
			j.logger.Warnf("event journal: skipping malformed line in %q: %v", j.path, err)
			continue
		}
		out = append(out, w.toEvent())
	}
	if err := scanner.Err(); err != nil {
		j.logger.Errorf("event journal: error reading %q: %v", j.path, err)
	}
	return out
}

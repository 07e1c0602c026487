package block

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stratastore/strata/pkg/log"
)

// ScrubDefaultInterval is how long a full sweep is allowed to sit idle
// before the next one starts (§6.5).
const ScrubDefaultInterval = 30 * 24 * time.Hour

// scrubInfo is the on-disk persisted state of the scrub worker, grounded on
// original_source/src/block/repair.rs's ScrubWorker plus its tranquilizer
// and the teacher's json-file persistence pattern (pkg/security/ca.go).
type scrubInfo struct {
	Tranquility           int       `json:"tranquility"`
	TimeLastCompleteScrub time.Time `json:"time_last_complete_scrub"`
	CorruptionsDetected   uint64    `json:"corruptions_detected"`
}

// scrubState guards scrubInfo with a mutex and persists it to path on every
// mutation.
type scrubState struct {
	path string
	mu   sync.Mutex
	info scrubInfo
}

func newScrubState(path string) *scrubState {
	s := &scrubState{path: path, info: scrubInfo{Tranquility: 4}}
	if raw, err := os.ReadFile(path); err == nil {
		var info scrubInfo
		if err := json.Unmarshal(raw, &info); err == nil {
			s.info = info
		}
	}
	return s
}

func (s *scrubState) persistLocked() {
	raw, err := json.MarshalIndent(s.info, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return
	}
	if err := writeBlockFile(s.path, raw); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to persist scrub state")
	}
}

func (s *scrubState) setTranquility(t int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Tranquility = t
	s.persistLocked()
}

func (s *scrubState) snapshot() scrubInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *scrubState) recordCorruption() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.CorruptionsDetected++
	s.persistLocked()
}

func (s *scrubState) recordComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.TimeLastCompleteScrub = time.Now()
	s.persistLocked()
}

// RunScrubLoop walks every block on disk, rereading (and thus re-verifying)
// each one, sleeping between reads according to the configured tranquility
// level so a scrub doesn't starve foreground I/O; it repeats once every
// ScrubDefaultInterval (§6.5).
func (m *Manager) RunScrubLoop(stop <-chan struct{}) {
	for {
		wait := m.timeUntilNextScrub()
		select {
		case <-stop:
			return
		case <-time.After(wait):
		}
		if !m.runScrubPass(stop) {
			return
		}
		m.scrub.recordComplete()
	}
}

func (m *Manager) timeUntilNextScrub() time.Duration {
	last := m.scrub.snapshot().TimeLastCompleteScrub
	if last.IsZero() {
		return 0
	}
	next := last.Add(ScrubDefaultInterval)
	if d := time.Until(next); d > 0 {
		return d
	}
	return 0
}

// runScrubPass iterates the on-disk block store once. It returns false if
// stop fired mid-pass.
func (m *Manager) runScrubPass(stop <-chan struct{}) bool {
	it := newBlockStoreIterator(m.dataDir)
	for {
		select {
		case <-stop:
			return false
		default:
		}

		h, ok, err := it.next()
		if err != nil {
			log.Logger.Warn().Err(err).Msg("scrub worker: directory walk error")
			return true
		}
		if !ok {
			return true
		}

		lock := m.lockFor(h)
		lock.Lock()
		_, rerr := m.readBlockLocked(h)
		lock.Unlock()
		if rerr != nil {
			m.scrub.recordCorruption()
			// readBlockLocked already quarantined the file and enqueued a
			// resync via quarantine; schedule it again defensively in case
			// a future readBlockLocked error path stops quarantining.
			if err := m.scheduleResync(h, 0); err != nil {
				log.Logger.Warn().Err(err).Str("hash", hexHash(h)).Msg("scrub worker: failed to enqueue resync")
			}
			log.Logger.Warn().Err(rerr).Str("hash", hexHash(h)).Msg("scrub worker: corruption detected")
		}

		tranquility := m.scrub.snapshot().Tranquility
		if tranquility > 0 {
			select {
			case <-stop:
				return false
			case <-time.After(time.Duration(tranquility) * 100 * time.Millisecond):
			}
		}
	}
}

package block

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stratastore/strata/pkg/log"
)

// blockStoreIterator walks the on-disk block tree depth-first, yielding the
// hash of every block file found (stripping the .zst suffix), mirroring
// original_source/src/block/repair.rs's BlockStoreIterator. Used by both the
// scrub worker and repair phase 2.
type blockStoreIterator struct {
	stack [][]os.DirEntry
	dirs  []string
	pos   []int
}

func newBlockStoreIterator(root string) *blockStoreIterator {
	return &blockStoreIterator{dirs: []string{root}, stack: [][]os.DirEntry{nil}, pos: []int{-1}}
}

// next returns the next block hash, or ok=false once the tree is exhausted.
func (it *blockStoreIterator) next() (Hash, bool, error) {
	for len(it.dirs) > 0 {
		top := len(it.dirs) - 1
		if it.stack[top] == nil {
			dir := it.dirs[top]
			entries, err := os.ReadDir(dir)
			if err != nil {
				it.popTop()
				return Hash{}, false, fmt.Errorf("read dir %s: %w", dir, err)
			}
			it.stack[top] = entries
			it.pos[top] = 0
		}

		if it.pos[top] >= len(it.stack[top]) {
			it.popTop()
			continue
		}

		ent := it.stack[top][it.pos[top]]
		it.pos[top]++

		name := strings.TrimSuffix(ent.Name(), ".zst")
		switch {
		case ent.IsDir() && len(name) == 2 && isHex(name):
			it.dirs = append(it.dirs, filepath.Join(it.dirs[top], ent.Name()))
			it.stack = append(it.stack, nil)
			it.pos = append(it.pos, -1)
		case !ent.IsDir() && len(name) == 64 && isHex(name):
			raw, derr := hex.DecodeString(name)
			if derr != nil || len(raw) != 32 {
				continue
			}
			var h Hash
			copy(h[:], raw)
			return h, true, nil
		}
	}
	return Hash{}, false, nil
}

func (it *blockStoreIterator) popTop() {
	n := len(it.dirs) - 1
	it.dirs = it.dirs[:n]
	it.stack = it.stack[:n]
	it.pos = it.pos[:n]
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return len(s) > 0
}

// RunRepairPass runs the two-phase repair sweep once (§4.4's repair pass):
// phase 1 pushes every hash with a refcount entry onto the resync queue with
// zero delay (catching under-replicated blocks); phase 2 walks the on-disk
// tree and does the same for every block file found (catching blocks a
// quorum no longer wants, which the resync engine's delete-if-unneeded path
// will then clean up). Returns once both phases complete or stop fires.
func (m *Manager) RunRepairPass(stop <-chan struct{}) error {
	if err := m.repairPhaseRefcounts(stop); err != nil {
		return err
	}
	return m.repairPhaseOnDisk(stop)
}

func (m *Manager) repairPhaseRefcounts(stop <-chan struct{}) error {
	const batchSize = 1000
	var cursor []byte
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		var batch [][]byte
		err := m.rcTree.Range(cursor, nil, func(k, v []byte) (bool, error) {
			if len(batch) >= batchSize {
				return false, nil
			}
			batch = append(batch, append([]byte(nil), k...))
			return true, nil
		})
		if err != nil {
			return fmt.Errorf("repair worker: scan refcounts: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		for _, k := range batch {
			var h Hash
			if len(k) != len(h) {
				continue
			}
			copy(h[:], k)
			if err := m.scheduleResync(h, 0); err != nil {
				log.Logger.Warn().Err(err).Str("hash", hexHash(h)).Msg("repair worker: failed to schedule resync")
			}
		}
		cursor = append(batch[len(batch)-1], 0)
	}
}

func (m *Manager) repairPhaseOnDisk(stop <-chan struct{}) error {
	it := newBlockStoreIterator(m.dataDir)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		h, ok, err := it.next()
		if err != nil {
			log.Logger.Warn().Err(err).Msg("repair worker: on-disk scan error")
			return nil
		}
		if !ok {
			return nil
		}
		if err := m.scheduleResync(h, 0); err != nil {
			log.Logger.Warn().Err(err).Str("hash", hexHash(h)).Msg("repair worker: failed to schedule resync")
		}
	}
}

// RunRepairLoop runs RunRepairPass once every interval until stop fires,
// logging but not aborting on a pass error.
func (m *Manager) RunRepairLoop(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.RunRepairPass(stop); err != nil {
				log.Logger.Warn().Err(err).Msg("repair pass failed")
			}
		}
	}
}

package block

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/stratastore/strata/pkg/db"
)

const rcTreeName = "block_rc"

// rcValue is the refcount tree's 16-byte value: a count plus the timestamp
// (ms since epoch, 0 = never) it last dropped to zero, used to enforce
// BlockGCDelay before a deletable block is actually removed.
type rcValue struct {
	Count       uint64
	ZeroAtMilli int64
}

func encodeRC(v rcValue) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], v.Count)
	binary.BigEndian.PutUint64(buf[8:16], uint64(v.ZeroAtMilli))
	return buf
}

func decodeRC(b []byte) (rcValue, error) {
	if len(b) != 16 {
		return rcValue{}, fmt.Errorf("corrupt refcount entry: want 16 bytes, got %d", len(b))
	}
	return rcValue{
		Count:       binary.BigEndian.Uint64(b[0:8]),
		ZeroAtMilli: int64(binary.BigEndian.Uint64(b[8:16])),
	}, nil
}

// refcount reads the current count for h outside any transaction, used by
// the resync engine's need/delete checks.
func (m *Manager) refcount(h Hash) (uint64, error) {
	raw, ok, err := m.rcTree.Get(h[:])
	if err != nil {
		return 0, fmt.Errorf("read refcount for %s: %w", hexHash(h), err)
	}
	if !ok {
		return 0, nil
	}
	v, err := decodeRC(raw)
	if err != nil {
		return 0, err
	}
	return v.Count, nil
}

// deletableSince reports whether h's refcount has been zero since at least
// BlockGCDelay ago; used to decide if the resync engine may delete a block
// no longer needed locally.
func (m *Manager) deletableSince(h Hash, now time.Time) (bool, error) {
	raw, ok, err := m.rcTree.Get(h[:])
	if err != nil {
		return false, err
	}
	if !ok {
		// No refcount row at all: treat as long-since-zero (e.g. repair
		// worker phase 2's orphan scan).
		return true, nil
	}
	v, err := decodeRC(raw)
	if err != nil {
		return false, err
	}
	if v.Count != 0 {
		return false, nil
	}
	if v.ZeroAtMilli == 0 {
		return true, nil
	}
	return now.Sub(time.UnixMilli(v.ZeroAtMilli)) >= BlockGCDelay, nil
}

// increfTx increments h's refcount within tx, returning whether this was a
// 0→positive transition.
func increfTx(tx db.Tx, h Hash) (bool, error) {
	tr, err := tx.Tree(rcTreeName)
	if err != nil {
		return false, err
	}
	cur, ok, err := tr.Get(h[:])
	if err != nil {
		return false, err
	}
	v := rcValue{}
	if ok {
		if v, err = decodeRC(cur); err != nil {
			return false, err
		}
	}
	wasZero := v.Count == 0
	v.Count++
	if _, err := tr.Insert(h[:], encodeRC(v)); err != nil {
		return false, err
	}
	return wasZero, nil
}

// decrefTx decrements h's refcount within tx, returning whether this call
// dropped it to zero. A decref below zero is a programming error elsewhere
// (every decref must be paired with a prior incref) and is reported rather
// than allowed to underflow silently.
func decrefTx(tx db.Tx, h Hash) (bool, error) {
	tr, err := tx.Tree(rcTreeName)
	if err != nil {
		return false, err
	}
	cur, ok, err := tr.Get(h[:])
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("decref of block %s with no refcount entry", hexHash(h))
	}
	v, err := decodeRC(cur)
	if err != nil {
		return false, err
	}
	if v.Count == 0 {
		return false, fmt.Errorf("decref of block %s already at zero", hexHash(h))
	}
	v.Count--
	droppedToZero := v.Count == 0
	if droppedToZero {
		v.ZeroAtMilli = time.Now().UnixMilli()
	}
	if _, err := tr.Insert(h[:], encodeRC(v)); err != nil {
		return false, err
	}
	return droppedToZero, nil
}

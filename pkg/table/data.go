package table

import (
	"fmt"
	"time"

	"github.com/stratastore/strata/pkg/db"
	"github.com/stratastore/strata/pkg/metrics"
	"github.com/stratastore/strata/pkg/ring"
)

// Data holds the four trees a single table needs: the entry store itself,
// the pending-Merkle-update queue, the Merkle trie, and the tombstone GC
// queue. Grounded on original_source/src/table/data.rs's TableData, rebuilt
// over pkg/db instead of garage_db.
type Data[E any] struct {
	name    string
	schema  Schema[E]
	repl    Replication
	db      db.Db
	store   db.Tree
	merkleTodo db.Tree
	merkleTree db.Tree
	gcTodo  db.Tree

	subs chan Entry[E]
}

// Entry pairs a merged value with the partition/sort key it was stored
// under, published to Data's subscriber channel after every committed
// change.
type Entry[E any] struct {
	Partition []byte
	Sort      []byte
	Value     E
}

// NewData opens (creating if needed) the four trees backing table name.
func NewData[E any](name string, schema Schema[E], repl Replication, database db.Db) (*Data[E], error) {
	store, err := database.Tree(name + ":store")
	if err != nil {
		return nil, fmt.Errorf("open %s store tree: %w", name, err)
	}
	merkleTodo, err := database.Tree(name + ":merkle_todo")
	if err != nil {
		return nil, fmt.Errorf("open %s merkle_todo tree: %w", name, err)
	}
	merkleTree, err := database.Tree(name + ":merkle_tree")
	if err != nil {
		return nil, fmt.Errorf("open %s merkle_tree tree: %w", name, err)
	}
	gcTodo, err := database.Tree(name + ":gc_todo")
	if err != nil {
		return nil, fmt.Errorf("open %s gc_todo tree: %w", name, err)
	}
	return &Data[E]{
		name:       name,
		schema:     schema,
		repl:       repl,
		db:         database,
		store:      store,
		merkleTodo: merkleTodo,
		merkleTree: merkleTree,
		gcTodo:     gcTodo,
		subs:       make(chan Entry[E], 1024),
	}, nil
}

// Subscribe returns the channel every committed update is published on. The
// channel is shared and buffered; when it is full UpdateEntryWith drops the
// notification instead of blocking, so a reader that falls behind misses
// updates.
func (d *Data[E]) Subscribe() <-chan Entry[E] { return d.subs }

// treeKey builds the store/merkle_todo/gc_todo key for (partition, sort).
func treeKey(partition, sort []byte) []byte {
	key := make([]byte, 0, len(partition)+len(sort)+1)
	key = append(key, partition...)
	key = append(key, 0) // separator: partitions never contain a literal 0x00 byte since they're hashed-fixed-length, but keep the contract explicit
	key = append(key, sort...)
	return key
}

// UpdateEntryWith reads the current value at (partition, sort), computes
// f(prev) and, if the byte-serialized result differs from prev, commits it:
// store is updated, merkle_todo is marked dirty, and a tombstone insertion
// is recorded in gc_todo if the new value IsTombstone. Schema.Updated runs
// after the transaction commits.
func (d *Data[E]) UpdateEntryWith(partition, sort []byte, f func(prev *E) E) (E, error) {
	key := treeKey(partition, sort)

	var (
		old     *E
		newVal  E
		changed bool
	)
	_, err := d.db.Transaction(func(tx db.Tx) (interface{}, error) {
		store, err := tx.Tree(d.name + ":store")
		if err != nil {
			return nil, err
		}
		merkleTodo, err := tx.Tree(d.name + ":merkle_todo")
		if err != nil {
			return nil, err
		}
		gcTodo, err := tx.Tree(d.name + ":gc_todo")
		if err != nil {
			return nil, err
		}

		rawPrev, found, err := store.Get(key)
		if err != nil {
			return nil, err
		}
		var prev *E
		if found {
			var v E
			if err := unmarshal(rawPrev, &v); err != nil {
				return nil, fmt.Errorf("decode prior %s entry: %w", d.name, err)
			}
			prev = &v
		}
		old = prev

		newVal = f(prev)
		rawNew, err := marshal(newVal)
		if err != nil {
			return nil, fmt.Errorf("encode new %s entry: %w", d.name, err)
		}
		if found && bytesEqual(rawPrev, rawNew) {
			return nil, nil
		}
		changed = true

		if _, err := store.Insert(key, rawNew); err != nil {
			return nil, err
		}
		valueHash := ring.HashBytes(rawNew)
		if _, err := merkleTodo.Insert(key, valueHash[:]); err != nil {
			return nil, err
		}
		if d.schema.IsTombstone(newVal) {
			gcKey := gcTodoKey(time.Now(), key)
			if _, err := gcTodo.Insert(gcKey, valueHash[:]); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return newVal, err
	}
	if !changed {
		return newVal, nil
	}

	d.schema.Updated(old, &newVal)
	select {
	case d.subs <- Entry[E]{Partition: partition, Sort: sort, Value: newVal}:
	default:
		// Best-effort: a stalled merkle worker must never block writers.
	}
	metrics.TableMerkleUpdatesTotal.WithLabelValues(d.name).Inc()
	return newVal, nil
}

// UpdateMany applies Schema.Merge(prev, item) for each item, treating a
// missing prev as item itself (merge's identity makes this idempotent and
// safe to call with data arriving out of order, from sync or from quorum
// writes alike).
func (d *Data[E]) UpdateMany(items []E) error {
	for _, item := range items {
		item := item
		p := d.schema.PartitionKey(item)
		s := d.schema.SortKey(item)
		_, err := d.UpdateEntryWith(p, s, func(prev *E) E {
			if prev == nil {
				return item
			}
			return d.schema.Merge(*prev, item)
		})
		if err != nil {
			return fmt.Errorf("update %s entry: %w", d.name, err)
		}
	}
	return nil
}

// Get reads the current value at (partition, sort), if any.
func (d *Data[E]) Get(partition, sort []byte) (*E, error) {
	raw, found, err := d.store.Get(treeKey(partition, sort))
	if err != nil || !found {
		return nil, err
	}
	var v E
	if err := unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s entry: %w", d.name, err)
	}
	return &v, nil
}

// GetRange scans [start, end) within partition's key range, applying keep
// to decide which raw rows to deserialize and return, stopping once limit
// entries have been collected (limit <= 0 means unbounded).
func (d *Data[E]) GetRange(partition, start []byte, keep func(E) bool, limit int) ([]E, error) {
	var out []E
	lo := treeKey(partition, start)
	hi := partitionUpperBound(partition)
	err := d.store.Range(lo, hi, func(k, v []byte) (bool, error) {
		var e E
		if err := unmarshal(v, &e); err != nil {
			return false, fmt.Errorf("decode %s entry: %w", d.name, err)
		}
		if keep == nil || keep(e) {
			out = append(out, e)
		}
		if limit > 0 && len(out) >= limit {
			return false, nil
		}
		return true, nil
	})
	return out, err
}

// RangeFrom scans the entire local store in key order starting at cursor
// (inclusive), returning up to batchSize entries together with their
// partition/sort keys and an exclusive-bound cursor to resume from on the
// next call (nil once the store is exhausted). Used by background passes
// that need to walk a whole table regardless of partition while coexisting
// with live traffic, per §4.11.
func (d *Data[E]) RangeFrom(cursor []byte, batchSize int) (entries []E, partitions, sorts [][]byte, next []byte, err error) {
	var lastKey []byte
	err = d.store.Range(cursor, nil, func(k, v []byte) (bool, error) {
		var e E
		if uerr := unmarshal(v, &e); uerr != nil {
			return false, fmt.Errorf("decode %s entry: %w", d.name, uerr)
		}
		p, s := splitTreeKey(k)
		entries = append(entries, e)
		partitions = append(partitions, p)
		sorts = append(sorts, s)
		lastKey = append([]byte(nil), k...)
		return len(entries) < batchSize, nil
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if lastKey == nil {
		return entries, partitions, sorts, nil, nil
	}
	return entries, partitions, sorts, append(lastKey, 0), nil
}

// DeleteIfEqual removes (partition, sort) only if its current serialized
// value equals expected, the CRDT-safe compare-and-delete used by the
// offloader and by GC. The removal also re-queues the key in merkle_todo so
// the Merkle updater drops its now-stale leaf (§8.1's P3: the trie must
// never keep a leaf for a key store no longer has) — DrainOne rereads
// store itself rather than trusting any value written here. Returns
// whether a row was actually removed.
func (d *Data[E]) DeleteIfEqual(partition, sort, expected []byte) (bool, error) {
	key := treeKey(partition, sort)
	removed, err := d.db.Transaction(func(tx db.Tx) (interface{}, error) {
		store, err := tx.Tree(d.name + ":store")
		if err != nil {
			return false, err
		}
		merkleTodo, err := tx.Tree(d.name + ":merkle_todo")
		if err != nil {
			return false, err
		}
		raw, found, err := store.Get(key)
		if err != nil {
			return false, err
		}
		if !found || !bytesEqual(raw, expected) {
			return false, nil
		}
		if _, err := store.Remove(key); err != nil {
			return false, err
		}
		if _, err := merkleTodo.Insert(key, nil); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return removed.(bool), nil
}

func gcTodoKey(insertedAt time.Time, treeKey []byte) []byte {
	ms := uint64(insertedAt.UnixMilli())
	key := make([]byte, 8+len(treeKey))
	for i := 0; i < 8; i++ {
		key[i] = byte(ms >> (8 * (7 - i)))
	}
	copy(key[8:], treeKey)
	return key
}

// gcTodoInsertedAt extracts the millisecond timestamp prefix written by
// gcTodoKey.
func gcTodoInsertedAt(key []byte) time.Time {
	var ms uint64
	for i := 0; i < 8 && i < len(key); i++ {
		ms = ms<<8 | uint64(key[i])
	}
	return time.UnixMilli(int64(ms))
}

func partitionUpperBound(partition []byte) []byte {
	up := append([]byte(nil), partition...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] != 0xFF {
			up[i]++
			return up[:i+1]
		}
	}
	return nil // all 0xFF: unbounded upper end
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
